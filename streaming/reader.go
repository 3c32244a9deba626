package streaming

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/wire"
)

// streamIdSeq allocates client-chosen stream ids (spec §4.9: "a stream
// is identified by a 64-bit id chosen by the client" — the spec places
// no uniqueness requirement beyond the owning session, so a simple
// process-wide monotonic counter, grounded on
// rpcsession.Session.NextRequestID's sequential-counter style, suffices).
var streamIdSeq atomic.Uint64

// NextStreamId returns a fresh client-chosen stream id.
func NextStreamId() uint64 { return streamIdSeq.Add(1) }

// Reader is the client-side consumer half of a stream (spec §4.9): it
// accumulates StreamChunk pushes in order and periodically sends
// StreamAck, replenishing the producer's window credit (the
// [EXPANSION] incremental top-up described in stream_reader.hpp, as
// opposed to a single fixed window).
type Reader struct {
	sess     orb.Session
	demux    *Demux
	streamId uint64

	mu        sync.Mutex
	pending   *queue.Queue
	completed bool
	err       error
	notify    chan struct{}
}

func newReader(sess orb.Session, demux *Demux, streamId uint64) *Reader {
	return &Reader{
		sess:     sess,
		demux:    demux,
		streamId: streamId,
		pending:  queue.New(),
		notify:   make(chan struct{}, 1),
	}
}

// OpenReader initiates a stream against id's (interfaceIdx, functionIdx)
// method (spec §4.9: StreamInit{stream_id, poa_idx, interface_idx,
// object_id, func_idx} plus argument payload), registering the
// returned Reader on demux to receive its chunks. demux must be driven
// off the same session OpenReader resolves — callers that don't already
// have one should build it with NewDemux(sess, nil) once per session and
// reuse it across streams.
func OpenReader(rt *orb.Runtime, demux *Demux, id objectid.ObjectId, interfaceIdx, functionIdx uint8, argPayload []byte) (*Reader, error) {
	sess, err := rt.SessionFor(id.Endpoints)
	if err != nil {
		return nil, err
	}

	streamId := NextStreamId()
	r := newReader(sess, demux, streamId)
	demux.Register(streamId, r)

	init := wire.StreamInit{
		StreamId:    streamId,
		PoaIdx:      id.PoaIdx,
		InterfaceIx: interfaceIdx,
		FunctionIdx: functionIdx,
		ObjectId:    id.Oid,
	}
	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamInitialization, MsgType: wire.Request},
		nil,
		wire.EncodeStreamInit(init, argPayload),
	)
	if err != nil {
		demux.Forget(streamId)
		return nil, err
	}
	if err := sess.Send(frame); err != nil {
		demux.Forget(streamId)
		return nil, err
	}
	return r, nil
}

func (r *Reader) pushChunk(c wire.StreamChunk) {
	r.mu.Lock()
	r.pending.Add(c)
	r.mu.Unlock()
	r.wake()
}

func (r *Reader) pushComplete(finalSeq uint64) {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
	r.wake()
}

func (r *Reader) pushError(e wire.StreamError) {
	r.mu.Lock()
	if r.err == nil {
		r.err = &StreamError{Code: e.ErrorCode, Data: e.ErrorData}
	}
	r.completed = true
	r.mu.Unlock()
	r.wake()
}

func (r *Reader) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// TryNext pops the next available chunk without blocking. ok is false
// if no chunk is currently buffered, regardless of whether the stream
// is still open.
func (r *Reader) TryNext() (data []byte, seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Length() == 0 {
		return nil, 0, false
	}
	c := r.pending.Remove().(wire.StreamChunk)
	return c.Data, c.Sequence, true
}

// Next blocks until a chunk is available, the stream terminates, or ctx
// is done. It returns io.EOF once the stream has completed and every
// buffered chunk has been drained, or the stream's *StreamError if it
// failed.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	for {
		if data, seq, ok := r.TryNext(); ok {
			r.ack(seq)
			return data, nil
		}
		r.mu.Lock()
		done, err := r.completed, r.err
		r.mu.Unlock()
		if done {
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadAll drains the stream into a slice of chunks [EXPANSION,
// supplemented from stream_reader.hpp's StreamReader<T>::read_all()
// convenience], returning once io.EOF is reached or the stream errors.
func (r *Reader) ReadAll(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		data, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, data)
	}
}

// Cancel aborts the stream from the consumer side (spec §4.9:
// StreamCancel "either side"), forgetting its demux registration.
func (r *Reader) Cancel() error {
	r.demux.Forget(r.streamId)
	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamCancel, MsgType: wire.Request},
		nil,
		wire.EncodeStreamCancel(wire.StreamCancel{StreamId: r.streamId}),
	)
	if err != nil {
		return err
	}
	return r.sess.Send(frame)
}

// ack sends a StreamAck covering everything consumed through seq,
// topping up the producer's credit by one unit — an incremental,
// per-chunk top-up rather than a single fixed window (spec §4.9
// EXPANSION).
func (r *Reader) ack(seq uint64) {
	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamAck, MsgType: wire.Request},
		nil,
		wire.EncodeStreamAck(wire.StreamAck{StreamId: r.streamId, UpToSequence: seq, WindowSize: 1}),
	)
	if err != nil {
		return
	}
	_ = r.sess.Send(frame)
}

// StreamError is the client-visible error produced by a StreamError
// message (spec §4.9: "stream_id, error_code, error_data[]").
type StreamError struct {
	Code uint32
	Data []byte
}

func (e *StreamError) Error() string {
	return "nprpc: stream error"
}
