// Package proxy implements the client-side call path of spec.md §4.8: a
// Stub reserves a request id, stamps Header/CallHeader, hands the frame
// to the ORB-selected session, and blocks for the correlated reply,
// mapping its msg_id back into a return value or an error.
//
// Grounded on other_examples/fa8c649e_acasas-go-rpcgen__services-
// service.go's generated rpc<Name>Client: one thin wrapper around a
// transport with a uniform Call path every generated method funnels
// through. That file generates one method per RPC name; here there is
// no IDL generator, so Stub.Invoke is that uniform Call path itself,
// taking the already-marshalled argument payload and returning the
// already-encoded reply payload for the caller's generated (or
// hand-written) unmarshalling step.
//
// License: Apache-2.0
package proxy

import (
	"context"
	"errors"
	"sync"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// Stub is the client-side local representative of a remote servant
// (spec.md §3 "Proxy / Stub"). It is safe for concurrent use: each
// Invoke reserves its own request id on the shared session.
type Stub struct {
	rt  *orb.Runtime
	id  objectid.ObjectId
	log *zap.SugaredLogger

	mu   sync.Mutex
	sess orb.Session
}

// NewStub builds a Stub for id, resolving and caching a session lazily
// on first Invoke (spec §4.6 "Endpoint selection").
func NewStub(rt *orb.Runtime, id objectid.ObjectId, log *zap.SugaredLogger) *Stub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Stub{rt: rt, id: id, log: log}
}

// ObjectId returns the identity this stub addresses.
func (s *Stub) ObjectId() objectid.ObjectId { return s.id }

func (s *Stub) session() (orb.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return s.sess, nil
	}
	sess, err := s.rt.SessionFor(s.id.Endpoints)
	if err != nil {
		return nil, err
	}
	s.sess = sess
	return sess, nil
}

// dropSession forgets the cached session, forcing the next Invoke to
// re-resolve and re-dial (spec §4.3: the single reconnect is a session
// concern; a proxy only needs to stop reusing a dead one).
func (s *Stub) dropSession() {
	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()
}

// Invoke runs one FunctionCall to (interfaceIdx, functionIdx) with
// argPayload as the already-marshalled argument block, blocking until
// the correlated reply arrives or ctx is done (spec §4.8). It returns
// the raw reply payload on BlockResponse, nil on Success, and a mapped
// error — possibly a *nprpcerr.Exception — on any Error_* reply.
func (s *Stub) Invoke(ctx context.Context, interfaceIdx, functionIdx uint8, argPayload []byte) ([]byte, error) {
	return s.invoke(ctx, interfaceIdx, functionIdx, argPayload, true)
}

func (s *Stub) invoke(ctx context.Context, interfaceIdx, functionIdx uint8, argPayload []byte, allowRetry bool) ([]byte, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}

	reqId := sess.NextRequestID()
	replyCh, err := sess.BeginCall(reqId)
	if err != nil {
		return nil, err
	}

	ch := wire.CallHeader{
		PoaIdx:      s.id.PoaIdx,
		InterfaceIx: interfaceIdx,
		FunctionIdx: functionIdx,
		ObjectId:    s.id.Oid,
	}
	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: reqId}, &ch, argPayload)
	if err != nil {
		return nil, err
	}

	if err := sess.Send(frame); err != nil {
		if allowRetry && isBrokenConn(err) {
			s.dropSession()
			return s.invoke(ctx, interfaceIdx, functionIdx, argPayload, false)
		}
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Err != nil {
			if allowRetry && isBrokenConn(reply.Err) {
				s.dropSession()
				return s.invoke(ctx, interfaceIdx, functionIdx, argPayload, false)
			}
			return nil, reply.Err
		}
		return decodeReply(reply.MsgId, reply.Payload)
	case <-ctx.Done():
		if canceler, ok := sess.(callCanceler); ok {
			canceler.FailCall(reqId, nprpcerr.ErrTimeout)
		}
		return nil, nprpcerr.ErrTimeout
	}
}

// callCanceler is satisfied by every concrete orb.Session (each embeds
// *rpcsession.Session); it lets Invoke retire a pending call's table
// entry when ctx expires instead of leaking it until some other reply
// (which will never arrive) completes it.
type callCanceler interface {
	FailCall(requestID uint32, err error)
}

// Oneway sends a fire-and-forget FunctionCall (request_id == 0, no
// reply expected) — the send_datagram path of spec §4.6, usable over
// any transport, UDP included.
func (s *Stub) Oneway(interfaceIdx, functionIdx uint8, argPayload []byte) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	ch := wire.CallHeader{
		PoaIdx:      s.id.PoaIdx,
		InterfaceIx: interfaceIdx,
		FunctionIdx: functionIdx,
		ObjectId:    s.id.Oid,
	}
	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: 0}, &ch, argPayload)
	if err != nil {
		return err
	}
	return sess.Send(frame)
}

// Close tears down the stub's cached session, if any, returning the
// remote references it held.
func (s *Stub) Close() []rpcsession.RefKey {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// decodeReply maps a reply envelope's msg_id to Invoke's return value
// (spec §4.8): BlockResponse carries an out-argument payload,
// Success carries none, and any Error_* msg_id is mapped to the
// matching sentinel or, if the payload decodes as one, a typed
// *nprpcerr.Exception.
func decodeReply(msgId wire.MessageId, payload []byte) ([]byte, error) {
	switch msgId {
	case wire.BlockResponse:
		return payload, nil
	case wire.Success:
		return nil, nil
	default:
		if !msgId.IsError() {
			return nil, nprpcerr.ErrBadInput
		}
		return nil, mapErrorReply(msgId, payload)
	}
}

// mapErrorReply turns an Error_* reply into the matching sentinel,
// preferring a typed application exception when the payload decodes as
// one (spec §4.8: "a specially shaped exception payload → decode
// class-id and throw a typed application exception").
func mapErrorReply(msgId wire.MessageId, payload []byte) error {
	if classId, data, err := wire.DecodeException(payload); err == nil {
		return &nprpcerr.Exception{ClassId: classId, Data: data}
	}
	switch msgId {
	case wire.Error_PoaNotExist:
		return nprpcerr.ErrPoaNotExist
	case wire.Error_ObjectNotExist:
		return nprpcerr.ErrObjectNotExist
	case wire.Error_UnknownFunctionIdx:
		return nprpcerr.ErrUnknownFunctionIdx
	case wire.Error_UnknownMessageId:
		return nprpcerr.ErrUnknownMessageId
	case wire.Error_BadAccess:
		return nprpcerr.ErrBadAccess
	case wire.Error_CommFailure:
		return nprpcerr.ErrCommFailure
	case wire.Error_Timeout:
		return nprpcerr.ErrTimeout
	default:
		return nprpcerr.ErrBadInput
	}
}

// isBrokenConn reports whether err is the kind of failure spec §4.8
// says warrants the proxy's single retry ("A single retry on
// ConnectionReset or BrokenPipe is delegated to the session (§4.3)"):
// here that delegation surfaces as the session reporting CommFailure on
// the attempted send or the pending call being failed outright because
// the session tore down underneath it.
func isBrokenConn(err error) bool {
	return errors.Is(err, nprpcerr.ErrCommFailure)
}
