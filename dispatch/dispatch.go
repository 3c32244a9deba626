package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/nprpc/nprpc-go/metrics"
	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// ServerSession is what the dispatch loop needs from an inbound
// session: the narrow orb.Session send/reply contract plus the
// AddReference/ReleaseObject bookkeeping target (spec §4.7).
type ServerSession interface {
	orb.Session
	RefList() *rpcsession.RefList
}

// StreamHandler hands stream-lifecycle messages to the streaming
// subsystem (spec §4.9). It is nil until a streaming.Manager is wired in
// by the application; until then a StreamInitialization is answered with
// Error_BadInput, while StreamAck/StreamCancel are dropped unanswered.
type StreamHandler interface {
	// HandleStreamInit handles a StreamInitialization message: payload
	// is the full StreamInit-header-plus-argument encoding.
	HandleStreamInit(sess ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte)

	// HandleStreamControl handles a StreamAck or StreamCancel message
	// arriving from the consumer side of a server-produced stream;
	// msgId distinguishes which one payload decodes as.
	HandleStreamControl(sess ServerSession, h wire.Header, msgId wire.MessageId, payload []byte)
}

// Dispatcher runs the server-side msg_id switch of spec §4.7 against an
// orb.Runtime, off a Pool so a slow or panicking servant never blocks
// the session's read pump.
type Dispatcher struct {
	rt      *orb.Runtime
	pool    *Pool
	log     *zap.SugaredLogger
	Streams StreamHandler

	// Metrics is nil until an application wires a metrics.Collector in;
	// HandleMessage/reply no-op their counter updates until then.
	Metrics *metrics.Collector
}

// NewDispatcher builds a Dispatcher backed by rt and a worker pool of
// numWorkers goroutines.
func NewDispatcher(rt *orb.Runtime, numWorkers, queueSize int, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		rt:   rt,
		pool: NewPool(numWorkers, queueSize),
		log:  log,
	}
}

// Close stops the dispatcher's worker pool, waiting for in-flight
// dispatches to finish.
func (d *Dispatcher) Close() { d.pool.Close() }

// HandleMessage is the target every transport session's onMessage/
// onCall hook forwards to, together with the session the message
// arrived on: it submits the inbound message to the worker pool and
// returns immediately (spec §5: dispatch must not hold the session's
// work queue).
func (d *Dispatcher) HandleMessage(sess ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	if d.Metrics != nil {
		d.Metrics.IncMessage()
		d.Metrics.AddInbound(uint64(len(payload)))
	}
	err := d.pool.Submit(func() { d.dispatchOne(sess, h, ch, payload) })
	if err != nil {
		d.log.Warnw("dispatch: pool submit failed, dropping message", "request_id", h.RequestId, "err", err)
	}
}

func (d *Dispatcher) dispatchOne(sess ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	switch h.MsgId {
	case wire.FunctionCall:
		d.dispatchCall(sess, h, ch, payload)
	case wire.AddReference:
		d.dispatchAddReference(sess, h, ch)
	case wire.ReleaseObject:
		d.dispatchReleaseObject(sess, h, ch)
	case wire.StreamInitialization:
		d.dispatchStreamInit(sess, h, ch, payload)
	case wire.StreamAck, wire.StreamCancel:
		d.dispatchStreamControl(sess, h, payload)
	default:
		d.reply(sess, h, wire.Error_UnknownMessageId, []byte(nprpcerr.ErrUnknownMessageId.Error()))
	}
}

func (d *Dispatcher) dispatchCall(sess ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	if ch == nil {
		d.reply(sess, h, wire.Error_BadInput, []byte(nprpcerr.ErrBadInput.Error()))
		return
	}

	servant, err := d.rt.FindServant(ch.PoaIdx, ch.ObjectId)
	if err != nil {
		d.reply(sess, h, errToMsgId(err), []byte(err.Error()))
		return
	}

	ctx := rpcsession.NewContext()
	if err := servant.ValidateSession(ctx); err != nil {
		d.reply(sess, h, wire.Error_BadAccess, []byte(err.Error()))
		return
	}

	result, dispatchErr := d.invoke(servant, ctx, ch, payload)
	if dispatchErr != nil {
		d.reply(sess, h, wire.Error_BadInput, exceptionPayload(dispatchErr))
		return
	}
	if len(result) == 0 {
		d.reply(sess, h, wire.Success, nil)
		return
	}
	d.reply(sess, h, wire.BlockResponse, result)
}

// invoke runs servant.Dispatch under panic recovery (spec §4.7: "If
// dispatch throws, produce a BadInput response that preserves the
// original request id"), grounded on the teacher's
// handleRequestPanic/instrument pattern in the per-connection dispatch
// loop it is adapted from.
func (d *Dispatcher) invoke(servant poa.Servant, ctx *rpcsession.Context, ch *wire.CallHeader, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("dispatch: servant panic", "class_id", servant.ClassId(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: servant panic: %v", nprpcerr.ErrBadInput, r)
		}
	}()
	return servant.Dispatch(ctx, false, ch.InterfaceIx, ch.FunctionIdx, payload)
}

func (d *Dispatcher) dispatchAddReference(sess ServerSession, h wire.Header, ch *wire.CallHeader) {
	if ch == nil {
		d.reply(sess, h, wire.Error_BadInput, []byte(nprpcerr.ErrBadInput.Error()))
		return
	}
	key := rpcsession.RefKey{PoaIdx: ch.PoaIdx, Oid: ch.ObjectId}
	if err := sess.RefList().Add(key); err != nil {
		d.reply(sess, h, wire.Error_BadInput, []byte(err.Error()))
		return
	}
	d.reply(sess, h, wire.Success, nil)
}

func (d *Dispatcher) dispatchReleaseObject(sess ServerSession, h wire.Header, ch *wire.CallHeader) {
	if ch == nil {
		d.reply(sess, h, wire.Error_BadInput, []byte(nprpcerr.ErrBadInput.Error()))
		return
	}
	key := rpcsession.RefKey{PoaIdx: ch.PoaIdx, Oid: ch.ObjectId}
	if !sess.RefList().Release(key) {
		d.reply(sess, h, wire.Error_ObjectNotExist, []byte(nprpcerr.ErrObjectNotExist.Error()))
		return
	}
	d.reply(sess, h, wire.Success, nil)
}

func (d *Dispatcher) dispatchStreamInit(sess ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	if d.Streams == nil {
		d.reply(sess, h, wire.Error_BadInput, []byte("nprpc: streaming not configured"))
		return
	}
	d.Streams.HandleStreamInit(sess, h, ch, payload)
}

// dispatchStreamControl routes a StreamAck or StreamCancel message to
// the streaming subsystem. Neither carries a reply (spec §4.9: these
// are one-way consumer-to-producer signals, not RPCs), so an
// unconfigured Streams handler simply drops the message instead of
// answering it.
func (d *Dispatcher) dispatchStreamControl(sess ServerSession, h wire.Header, payload []byte) {
	if d.Streams == nil {
		d.log.Debugw("dispatch: dropping stream control message, streaming not configured", "msg_id", h.MsgId)
		return
	}
	d.Streams.HandleStreamControl(sess, h, h.MsgId, payload)
}

// reply encodes and sends an Answer envelope carrying msgId/payload
// correlated to the inbound request id (spec §4.7: "All responses are
// framed by the transport and sent on the same session").
func (d *Dispatcher) reply(sess ServerSession, h wire.Header, msgId wire.MessageId, payload []byte) {
	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: msgId, MsgType: wire.Answer, RequestId: h.RequestId}, nil, payload)
	if err != nil {
		d.log.Warnw("dispatch: failed to encode reply", "request_id", h.RequestId, "err", err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.AddOutbound(uint64(len(frame)))
		if msgId.IsError() {
			d.Metrics.IncError()
		}
	}
	if err := sess.Send(frame); err != nil {
		d.log.Debugw("dispatch: failed to send reply", "request_id", h.RequestId, "err", err)
	}
}

// errToMsgId maps a core sentinel error to its wire Error_* counterpart
// (spec §6/§7). Every other error falls back to Error_BadInput:
// ErrNoBufferSpace has no dedicated wire code, and ErrCommFailure and
// ErrTimeout (which a POA/servant lookup cannot itself produce locally)
// are not mapped to their Error_CommFailure/Error_Timeout codes here.
func errToMsgId(err error) wire.MessageId {
	switch {
	case errors.Is(err, nprpcerr.ErrPoaNotExist):
		return wire.Error_PoaNotExist
	case errors.Is(err, nprpcerr.ErrObjectNotExist):
		return wire.Error_ObjectNotExist
	case errors.Is(err, nprpcerr.ErrUnknownFunctionIdx):
		return wire.Error_UnknownFunctionIdx
	case errors.Is(err, nprpcerr.ErrBadAccess):
		return wire.Error_BadAccess
	default:
		return wire.Error_BadInput
	}
}

// exceptionPayload renders a servant's returned error for the wire: a
// typed *nprpcerr.Exception is encoded with its class-id discriminator
// (spec §6) so the proxy can decode and re-raise it; any other error
// becomes its plain message text.
func exceptionPayload(err error) []byte {
	if ex, ok := nprpcerr.AsException(err); ok {
		return wire.EncodeException(ex.ClassId, ex.Data)
	}
	return []byte(err.Error())
}
