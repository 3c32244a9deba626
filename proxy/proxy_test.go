package proxy_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/proxy"
	"github.com/nprpc/nprpc-go/transport/stream"
	"github.com/nprpc/nprpc-go/wire"
	"github.com/stretchr/testify/require"
)

// startEchoServer accepts one TCP connection and answers every
// FunctionCall it sees with a BlockResponse echoing the request's
// payload back verbatim.
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := stream.AcceptTCP(conn, nil)
		srv.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
			reply, err := wire.EncodeEnvelope(wire.Header{MsgId: wire.BlockResponse, MsgType: wire.Answer, RequestId: h.RequestId}, nil, payload)
			if err != nil {
				return
			}
			_ = srv.Send(reply)
		})
	}()
	return ln
}

func newRuntime() *orb.Runtime { return orb.NewRuntime(nil) }

func TestStubInvokeEchoRoundTrip(t *testing.T) {
	ln := startEchoServer(t)
	defer ln.Close()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 7, ClassId: "Echo", Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Invoke(ctx, 0, 1, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)
}

func TestStubInvokeTimesOutWhenNoReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Accept but never reply.
		stream.AcceptTCP(conn, nil)
	}()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Invoke(ctx, 0, 0, nil)
	require.ErrorIs(t, err, nprpcerr.ErrTimeout)
}

func startErrorServer(t *testing.T, msgId wire.MessageId, payload []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := stream.AcceptTCP(conn, nil)
		srv.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, _ []byte) {
			reply, err := wire.EncodeEnvelope(wire.Header{MsgId: msgId, MsgType: wire.Answer, RequestId: h.RequestId}, nil, payload)
			if err != nil {
				return
			}
			_ = srv.Send(reply)
		})
	}()
	return ln
}

func TestStubInvokeMapsErrorReplyToSentinel(t *testing.T) {
	ln := startErrorServer(t, wire.Error_ObjectNotExist, []byte(nprpcerr.ErrObjectNotExist.Error()))
	defer ln.Close()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Invoke(ctx, 0, 0, nil)
	require.ErrorIs(t, err, nprpcerr.ErrObjectNotExist)
}

func TestStubInvokeDecodesTypedException(t *testing.T) {
	ln := startErrorServer(t, wire.Error_BadInput, wire.EncodeException("NotFound", []byte("no widget")))
	defer ln.Close()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Invoke(ctx, 0, 0, nil)
	ex, ok := nprpcerr.AsException(err)
	require.True(t, ok)
	require.Equal(t, "NotFound", ex.ClassId)
	require.Equal(t, []byte("no widget"), ex.Data)
}

func TestStubInvokeSuccessReturnsNilPayload(t *testing.T) {
	ln := startErrorServer(t, wire.Success, nil)
	defer ln.Close()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Invoke(ctx, 0, 0, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestStubSessionForUnreachableEndpointFails(t *testing.T) {
	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: nil}
	s := proxy.NewStub(rt, id, nil)

	_, err := s.Invoke(context.Background(), 0, 0, nil)
	require.ErrorIs(t, err, nprpcerr.ErrCommFailure)
}

func TestStubOnewaySendsRequestIdZero(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.Header, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := stream.AcceptTCP(conn, nil)
		srv.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
			received <- h
		})
	}()

	rt := newRuntime()
	id := objectid.ObjectId{PoaIdx: 0, Oid: 1, Endpoints: []string{"tcp://" + ln.Addr().String()}}
	s := proxy.NewStub(rt, id, nil)
	require.NoError(t, s.Oneway(0, 0, []byte("fire")))

	select {
	case h := <-received:
		require.Equal(t, uint32(0), h.RequestId)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the oneway call")
	}
}
