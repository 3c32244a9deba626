package dispatch_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nprpc/nprpc-go/dispatch"
	"github.com/nprpc/nprpc-go/metrics"
	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/transport/datagram"
	"github.com/nprpc/nprpc-go/wire"
	"github.com/stretchr/testify/require"
)

// fakeSession satisfies dispatch.ServerSession without any real
// transport, capturing every frame handed to Send.
type fakeSession struct {
	*rpcsession.Session
	mu    sync.Mutex
	sent  [][]byte
	notif chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		Session: rpcsession.NewSession("test://fake", nil),
		notif:   make(chan struct{}, 16),
	}
}

func (f *fakeSession) Send(frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	f.notif <- struct{}{}
	return nil
}

func (f *fakeSession) waitReply(t *testing.T) wire.Header {
	t.Helper()
	select {
	case <-f.notif:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never replied")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, _, _, err := wire.DecodeEnvelope(f.sent[len(f.sent)-1])
	require.NoError(t, err)
	return h
}

func (f *fakeSession) lastPayload(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _, payload, err := wire.DecodeEnvelope(f.sent[len(f.sent)-1])
	require.NoError(t, err)
	return payload
}

type echoServant struct{ class string }

func (s *echoServant) ClassId() string                              { return s.class }
func (s *echoServant) ValidateSession(ctx *rpcsession.Context) error { return nil }
func (s *echoServant) Dispatch(ctx *rpcsession.Context, fromParent bool, ifaceIdx, funcIdx uint8, req []byte) ([]byte, error) {
	return req, nil
}

type refusingServant struct{}

func (refusingServant) ClassId() string { return "Refusing" }
func (refusingServant) ValidateSession(ctx *rpcsession.Context) error {
	return nprpcerr.ErrBadAccess
}
func (refusingServant) Dispatch(ctx *rpcsession.Context, fromParent bool, ifaceIdx, funcIdx uint8, req []byte) ([]byte, error) {
	return nil, nil
}

type panickingServant struct{}

func (panickingServant) ClassId() string                              { return "Panicking" }
func (panickingServant) ValidateSession(ctx *rpcsession.Context) error { return nil }
func (panickingServant) Dispatch(ctx *rpcsession.Context, fromParent bool, ifaceIdx, funcIdx uint8, req []byte) ([]byte, error) {
	panic("boom")
}

type throwingServant struct{}

func (throwingServant) ClassId() string                              { return "Throwing" }
func (throwingServant) ValidateSession(ctx *rpcsession.Context) error { return nil }
func (throwingServant) Dispatch(ctx *rpcsession.Context, fromParent bool, ifaceIdx, funcIdx uint8, req []byte) ([]byte, error) {
	return nil, &nprpcerr.Exception{ClassId: "NotFound", Data: []byte("no widget")}
}

func newRuntimeWithPOA(t *testing.T) (*orb.Runtime, *poa.POA) {
	t.Helper()
	rt := orb.NewRuntime(nil)
	p := poa.New("test", 0, 4, poa.System, poa.Transient, nil)
	require.NoError(t, rt.RegisterPOA(p))
	return rt, p
}

func TestDispatchFunctionCallEcho(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(&echoServant{class: "Echo"}, "Echo")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: 1}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, []byte("hi"))
	require.NoError(t, err)
	h, ch, payload, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)

	d.HandleMessage(sess, h, ch, payload)

	reply := sess.waitReply(t)
	require.Equal(t, wire.BlockResponse, reply.MsgId)
	require.Equal(t, uint32(1), reply.RequestId)
	require.Equal(t, []byte("hi"), sess.lastPayload(t))
}

func TestDispatchRecordsMetrics(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(&echoServant{class: "Echo"}, "Echo")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()
	coll := metrics.NewCollector()
	d.Metrics = coll

	sess := newFakeSession()
	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: 1}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, []byte("hi"))
	require.NoError(t, err)
	h, ch, payload, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)

	d.HandleMessage(sess, h, ch, payload)
	sess.waitReply(t)

	snap := coll.Snapshot()
	require.Equal(t, uint64(1), snap.NumMessages)
	require.Equal(t, uint64(len(payload)), snap.InboundTraffic)
	require.Greater(t, snap.OutboundTraffic, uint64(0))
	require.Equal(t, uint64(0), snap.NumErrors)

	// A second call that fails lookup should bump the error counter.
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 2}, &wire.CallHeader{PoaIdx: 9, ObjectId: 1}, nil)
	sess.waitReply(t)
	require.Equal(t, uint64(1), coll.Snapshot().NumErrors)
}

func TestDispatchUnknownPoa(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 2}, &wire.CallHeader{PoaIdx: 9, ObjectId: 1}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_PoaNotExist, reply.MsgId)
}

func TestDispatchUnknownObject(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 3}, &wire.CallHeader{PoaIdx: 0, ObjectId: 999}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_ObjectNotExist, reply.MsgId)
}

func TestDispatchValidateSessionRefusal(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(refusingServant{}, "Refusing")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 4}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_BadAccess, reply.MsgId)
}

func TestDispatchServantPanicBecomesBadInput(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(panickingServant{}, "Panicking")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 5}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_BadInput, reply.MsgId)
	require.Equal(t, uint32(5), reply.RequestId)
}

func TestDispatchTypedExceptionEncoded(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(throwingServant{}, "Throwing")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.FunctionCall, RequestId: 6}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_BadInput, reply.MsgId)
	classId, data, err := wire.DecodeException(sess.lastPayload(t))
	require.NoError(t, err)
	require.Equal(t, "NotFound", classId)
	require.Equal(t, []byte("no widget"), data)
}

func TestDispatchAddReferenceAndReleaseObject(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.AddReference, RequestId: 7}, &wire.CallHeader{PoaIdx: 0, ObjectId: 42}, nil)
	reply := sess.waitReply(t)
	require.Equal(t, wire.Success, reply.MsgId)
	require.Equal(t, 1, sess.RefList().Len())

	d.HandleMessage(sess, wire.Header{MsgId: wire.ReleaseObject, RequestId: 8}, &wire.CallHeader{PoaIdx: 0, ObjectId: 42}, nil)
	reply = sess.waitReply(t)
	require.Equal(t, wire.Success, reply.MsgId)
	require.Equal(t, 0, sess.RefList().Len())

	d.HandleMessage(sess, wire.Header{MsgId: wire.ReleaseObject, RequestId: 9}, &wire.CallHeader{PoaIdx: 0, ObjectId: 42}, nil)
	reply = sess.waitReply(t)
	require.Equal(t, wire.Error_ObjectNotExist, reply.MsgId)
}

func TestDispatchUnknownMessageId(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.MessageId(999), RequestId: 10}, nil, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_UnknownMessageId, reply.MsgId)
}

func TestDispatchStreamInitWithoutHandlerRespondsBadInput(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.StreamInitialization, RequestId: 11}, &wire.CallHeader{}, nil)

	reply := sess.waitReply(t)
	require.Equal(t, wire.Error_BadInput, reply.MsgId)
}

type fakeStreamHandler struct {
	mu       sync.Mutex
	inits    int
	controls []wire.MessageId
}

func (f *fakeStreamHandler) HandleStreamInit(sess dispatch.ServerSession, h wire.Header, ch *wire.CallHeader, payload []byte) {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
}

func (f *fakeStreamHandler) HandleStreamControl(sess dispatch.ServerSession, h wire.Header, msgId wire.MessageId, payload []byte) {
	f.mu.Lock()
	f.controls = append(f.controls, msgId)
	f.mu.Unlock()
}

func TestDispatchStreamInitRoutesToHandler(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()
	fh := &fakeStreamHandler{}
	d.Streams = fh

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.StreamInitialization, RequestId: 12}, &wire.CallHeader{}, wire.EncodeStreamInit(wire.StreamInit{StreamId: 1}, nil))

	require.Eventually(t, func() bool {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return fh.inits == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchStreamControlRoutesAckAndCancelWithoutReply(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()
	fh := &fakeStreamHandler{}
	d.Streams = fh

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.StreamAck, RequestId: 13}, nil, wire.EncodeStreamAck(wire.StreamAck{StreamId: 1, UpToSequence: 2, WindowSize: 16}))
	d.HandleMessage(sess, wire.Header{MsgId: wire.StreamCancel, RequestId: 14}, nil, wire.EncodeStreamCancel(wire.StreamCancel{StreamId: 1}))

	require.Eventually(t, func() bool {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return len(fh.controls) == 2
	}, 2*time.Second, 10*time.Millisecond)
	fh.mu.Lock()
	require.ElementsMatch(t, []wire.MessageId{wire.StreamAck, wire.StreamCancel}, fh.controls)
	fh.mu.Unlock()

	select {
	case <-sess.notif:
		t.Fatal("stream control messages must not produce a reply")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchStreamControlWithoutHandlerIsDropped(t *testing.T) {
	rt, _ := newRuntimeWithPOA(t)
	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	sess := newFakeSession()
	d.HandleMessage(sess, wire.Header{MsgId: wire.StreamAck, RequestId: 15}, nil, wire.EncodeStreamAck(wire.StreamAck{StreamId: 1}))

	select {
	case <-sess.notif:
		t.Fatal("unconfigured streaming must drop, not reply")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDispatchOverRealUDPSessionRoutesReplyToSender exercises the exact
// server-mode-datagram.Session/dispatch.Dispatcher combination
// cmd/echoserver's serveUDP wires up: a shared, unconnected listening
// socket fielding requests from an arbitrary client, replying through a
// PeerSession (SendTo the sender) instead of the parent Session's plain
// Send (which has no default peer and cannot reach one).
func TestDispatchOverRealUDPSessionRoutesReplyToSender(t *testing.T) {
	rt, p := newRuntimeWithPOA(t)
	id, err := p.ActivateObject(&echoServant{class: "Echo"}, "Echo")
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	defer d.Close()

	var server *datagram.Session
	server, err = datagram.Listen("127.0.0.1:0", func(from *net.UDPAddr, h wire.Header, ch *wire.CallHeader, payload []byte) {
		d.HandleMessage(server.PeerFor(from), h, ch, payload)
	}, nil)
	require.NoError(t, err)
	defer server.Close()

	client, err := datagram.Dial(server.LocalAddr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	reqID := client.NextRequestID()
	replyCh, err := client.BeginCall(reqID)
	require.NoError(t, err)

	frame, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: reqID}, &wire.CallHeader{PoaIdx: 0, ObjectId: uint64(id)}, []byte("udp echo"))
	require.NoError(t, err)
	require.NoError(t, client.Send(frame))

	select {
	case r := <-replyCh:
		require.NoError(t, r.Err)
		require.Equal(t, []byte("udp echo"), r.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received correlated reply over UDP")
	}
}

func TestPoolSubmitAfterCloseFails(t *testing.T) {
	p := dispatch.NewPool(1, 1)
	p.Close()
	err := p.Submit(func() {})
	require.ErrorIs(t, err, nprpcerr.ErrCommFailure)
}

func TestPoolQueueFullReturnsNoBufferSpace(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	p := dispatch.NewPool(1, 1)
	defer func() {
		close(block)
		p.Close()
	}()

	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started // worker is now parked in block, tasks channel is guaranteed empty

	require.NoError(t, p.Submit(func() {}))
	err := p.Submit(func() {})
	require.True(t, errors.Is(err, nprpcerr.ErrNoBufferSpace))
}
