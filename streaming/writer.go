package streaming

import (
	"context"
	"sync"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/wire"
)

// Writer is the server-side producer half of a stream (spec §4.9): one
// is created per StreamInit and driven by a StreamingServant's
// DispatchStream until Complete or Fail.
type Writer struct {
	sess     orb.Session
	streamId uint64

	mu        sync.Mutex
	credit    uint32
	nextSeq   uint64
	done      bool
	cancelled bool
	readiness chan struct{}
}

func newWriter(sess orb.Session, streamId uint64, initialCredit uint32) *Writer {
	return &Writer{
		sess:      sess,
		streamId:  streamId,
		credit:    initialCredit,
		readiness: make(chan struct{}, 1),
	}
}

// Send blocks until window credit is available, then emits one
// StreamChunk carrying data and consumes one unit of credit (spec §4.9:
// "the producer must not send more than window_size unacknowledged
// chunks"). It returns ErrCommFailure if the consumer cancelled the
// stream, ErrBadInput if the stream already terminated, or ctx.Err() if
// ctx is done first.
func (w *Writer) Send(ctx context.Context, data []byte) error {
	for {
		w.mu.Lock()
		switch {
		case w.cancelled:
			w.mu.Unlock()
			return nprpcerr.ErrCommFailure
		case w.done:
			w.mu.Unlock()
			return nprpcerr.ErrBadInput
		case w.credit > 0:
			w.credit--
			seq := w.nextSeq
			w.nextSeq++
			w.mu.Unlock()
			return w.sendChunk(seq, data)
		}
		w.mu.Unlock()
		select {
		case <-w.readiness:
			// re-check state; a readiness wakeup is an edge, not a value
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) sendChunk(seq uint64, data []byte) error {
	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamChunk, MsgType: wire.Request},
		nil,
		wire.EncodeStreamChunk(wire.StreamChunk{StreamId: w.streamId, Sequence: seq, Data: data}),
	)
	if err != nil {
		return err
	}
	return w.sess.Send(frame)
}

// Complete terminates the stream normally, sending StreamComplete with
// the last sequence number issued by Send.
func (w *Writer) Complete() error {
	w.mu.Lock()
	if w.done || w.cancelled {
		w.mu.Unlock()
		return nprpcerr.ErrBadInput
	}
	w.done = true
	lastSeq := w.nextSeq
	if lastSeq > 0 {
		lastSeq--
	}
	w.mu.Unlock()

	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamComplete, MsgType: wire.Request},
		nil,
		wire.EncodeStreamComplete(wire.StreamComplete{StreamId: w.streamId, FinalSequence: lastSeq}),
	)
	if err != nil {
		return err
	}
	return w.sess.Send(frame)
}

// Fail aborts the stream with an application error code and opaque
// data, sending StreamError.
func (w *Writer) Fail(code uint32, data []byte) error {
	w.mu.Lock()
	if w.done || w.cancelled {
		w.mu.Unlock()
		return nprpcerr.ErrBadInput
	}
	w.done = true
	w.mu.Unlock()

	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamError, MsgType: wire.Request},
		nil,
		wire.EncodeStreamError(wire.StreamError{StreamId: w.streamId, ErrorCode: code, ErrorData: data}),
	)
	if err != nil {
		return err
	}
	return w.sess.Send(frame)
}

// handleAck folds in a consumer's incremental credit top-up (spec §4.9
// EXPANSION, supplemented from stream_reader.hpp's ack_threshold
// behavior): credit accumulates rather than resets, so a producer
// blocked in Send wakes on the zero-to-non-zero transition exactly as
// shmring.Ring.WriteCommit notifies on empty-to-non-empty.
func (w *Writer) handleAck(a wire.StreamAck) {
	w.mu.Lock()
	wasZero := w.credit == 0
	w.credit += a.WindowSize
	w.mu.Unlock()
	if wasZero {
		select {
		case w.readiness <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) handleCancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	select {
	case w.readiness <- struct{}{}:
	default:
	}
}
