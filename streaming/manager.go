package streaming

import (
	"sync"

	"github.com/nprpc/nprpc-go/dispatch"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// StreamingServant is the capability a servant provides to produce a
// server-to-client stream (spec §4.9). There is no IDL generator in
// this core, so DispatchStream plays the role a generated streaming
// stub method would: it receives the already-decoded StreamInit
// argument payload and drives w with Send until returning (success
// becomes StreamComplete) or failing (Fail, or a returned error, becomes
// StreamError).
type StreamingServant interface {
	poa.Servant
	DispatchStream(ctx *rpcsession.Context, w *Writer, interfaceIdx, functionIdx uint8, argPayload []byte) error
}

type streamKey struct {
	sess     orb.Session
	streamId uint64
}

// Manager implements dispatch.StreamHandler: it is the session-agnostic,
// process-wide owner of every server-produced stream's Writer, looked up
// by (session, stream_id) to route StreamAck/StreamCancel control
// traffic back to the right one (spec §4.9: "Stream state is per
// session and is discarded on session close" — closing a session simply
// lets its Writers' next Send fail against a dead session; nothing here
// needs to observe the close itself).
type Manager struct {
	rt  *orb.Runtime
	log *zap.SugaredLogger

	mu      sync.Mutex
	writers map[streamKey]*Writer
}

// NewManager builds a Manager resolving servants through rt.
func NewManager(rt *orb.Runtime, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{rt: rt, log: log, writers: make(map[streamKey]*Writer)}
}

var _ dispatch.StreamHandler = (*Manager)(nil)

// HandleStreamInit resolves the target servant, checks it implements
// StreamingServant, registers a Writer for the stream, and runs
// DispatchStream on its own goroutine so the dispatch worker pool is
// never tied up for the stream's lifetime.
func (m *Manager) HandleStreamInit(sess dispatch.ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	init, argPayload, err := wire.DecodeStreamInit(payload)
	if err != nil {
		m.log.Warnw("streaming: malformed StreamInit, dropping", "err", err)
		return
	}

	servant, err := m.rt.FindServant(init.PoaIdx, init.ObjectId)
	if err != nil {
		m.sendError(sess, init.StreamId, StreamErrorCodeNotFound, err.Error())
		return
	}
	streamingServant, ok := servant.(StreamingServant)
	if !ok {
		m.sendError(sess, init.StreamId, StreamErrorCodeNotStreaming, "nprpc: servant does not implement streaming")
		return
	}

	ctx := rpcsession.NewContext()
	if err := streamingServant.ValidateSession(ctx); err != nil {
		m.sendError(sess, init.StreamId, StreamErrorCodeBadAccess, err.Error())
		return
	}

	w := newWriter(sess, init.StreamId, DefaultWindowSize)
	key := streamKey{sess: sess, streamId: init.StreamId}
	m.mu.Lock()
	m.writers[key] = w
	m.mu.Unlock()

	go m.runStream(streamingServant, ctx, w, key, init, argPayload)
}

func (m *Manager) runStream(servant StreamingServant, ctx *rpcsession.Context, w *Writer, key streamKey, init wire.StreamInit, argPayload []byte) {
	defer func() {
		m.mu.Lock()
		delete(m.writers, key)
		m.mu.Unlock()
		if r := recover(); r != nil {
			m.log.Errorw("streaming: servant panic", "stream_id", init.StreamId, "panic", r)
			_ = w.Fail(StreamErrorCodeInternal, []byte("nprpc: servant panic"))
		}
	}()

	if err := servant.DispatchStream(ctx, w, init.InterfaceIx, init.FunctionIdx, argPayload); err != nil {
		_ = w.Fail(StreamErrorCodeInternal, []byte(err.Error()))
		return
	}
	_ = w.Complete()
}

// HandleStreamControl routes an inbound StreamAck or StreamCancel to
// its Writer, if one is still registered; an unknown or already-
// terminated stream id is silently ignored (the control message simply
// arrived too late to matter).
func (m *Manager) HandleStreamControl(sess dispatch.ServerSession, h wire.Header, msgId wire.MessageId, payload []byte) {
	switch msgId {
	case wire.StreamAck:
		ack, err := wire.DecodeStreamAck(payload)
		if err != nil {
			m.log.Warnw("streaming: malformed StreamAck, dropping", "err", err)
			return
		}
		if w := m.lookup(sess, ack.StreamId); w != nil {
			w.handleAck(ack)
		}
	case wire.StreamCancel:
		cancel, err := wire.DecodeStreamCancel(payload)
		if err != nil {
			m.log.Warnw("streaming: malformed StreamCancel, dropping", "err", err)
			return
		}
		if w := m.lookup(sess, cancel.StreamId); w != nil {
			w.handleCancel()
		}
	}
}

func (m *Manager) lookup(sess orb.Session, streamId uint64) *Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writers[streamKey{sess: sess, streamId: streamId}]
}

func (m *Manager) sendError(sess orb.Session, streamId uint64, code uint32, msg string) {
	frame, err := wire.EncodeEnvelope(
		wire.Header{MsgId: wire.StreamError, MsgType: wire.Request},
		nil,
		wire.EncodeStreamError(wire.StreamError{StreamId: streamId, ErrorCode: code, ErrorData: []byte(msg)}),
	)
	if err != nil {
		m.log.Warnw("streaming: failed to encode StreamError", "err", err)
		return
	}
	if err := sess.Send(frame); err != nil {
		m.log.Debugw("streaming: failed to send StreamError", "err", err)
	}
}
