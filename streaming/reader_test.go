package streaming_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nprpc/nprpc-go/dispatch"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/streaming"
	"github.com/nprpc/nprpc-go/transport/stream"
	"github.com/nprpc/nprpc-go/wire"
	"github.com/stretchr/testify/require"
)

// rangeServant streams the bytes 0..n-1, one chunk each, grounded on
// dispatch_test.go's echoServant.
type rangeServant struct{ n int }

func (s *rangeServant) ClassId() string                              { return "Range" }
func (s *rangeServant) ValidateSession(ctx *rpcsession.Context) error { return nil }
func (s *rangeServant) Dispatch(ctx *rpcsession.Context, fromParent bool, interfaceIdx, functionIdx uint8, req []byte) ([]byte, error) {
	return nil, nil
}
func (s *rangeServant) DispatchStream(ctx *rpcsession.Context, w *streaming.Writer, interfaceIdx, functionIdx uint8, argPayload []byte) error {
	for i := 0; i < s.n; i++ {
		if err := w.Send(context.Background(), []byte{byte(i)}); err != nil {
			return err
		}
	}
	return nil
}

// startRangeServer wires a real dispatch.Dispatcher (with a
// streaming.Manager) onto one accepted TCP connection serving servant.
func startRangeServer(t *testing.T, servant *rangeServant) (net.Listener, objectid.ObjectId) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rt := orb.NewRuntime(nil)
	p := poa.New("test", 0, 4, poa.System, poa.Transient, nil)
	require.NoError(t, rt.RegisterPOA(p))
	oid, err := p.ActivateObject(servant, servant.ClassId())
	require.NoError(t, err)

	d := dispatch.NewDispatcher(rt, 2, 8, nil)
	d.Streams = streaming.NewManager(rt, nil)
	t.Cleanup(d.Close)

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		srv := stream.AcceptTCP(conn, nil)
		srv.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
			d.HandleMessage(srv, h, ch, payload)
		})
	}()

	id := objectid.ObjectId{PoaIdx: 0, Oid: uint64(oid), ClassId: servant.ClassId(), Endpoints: []string{"tcp://" + ln.Addr().String()}}
	return ln, id
}

func dialReader(t *testing.T, id objectid.ObjectId, interfaceIdx, functionIdx uint8, argPayload []byte) *streaming.Reader {
	t.Helper()
	rt := orb.NewRuntime(nil)
	sess, err := rt.SessionFor(id.Endpoints)
	require.NoError(t, err)
	demux := streaming.NewDemux(sess, nil)
	reader, err := streaming.OpenReader(rt, demux, id, interfaceIdx, functionIdx, argPayload)
	require.NoError(t, err)
	return reader
}

func TestStreamEndToEndDeliversChunksThenEOF(t *testing.T) {
	ln, id := startRangeServer(t, &rangeServant{n: 4})
	defer ln.Close()

	reader := dialReader(t, id, 0, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := reader.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0}, {1}, {2}, {3}}, got)

	_, err = reader.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamEndToEndWindowCreditThrottlesLargeStream(t *testing.T) {
	ln, id := startRangeServer(t, &rangeServant{n: int(streaming.DefaultWindowSize) + 10})
	defer ln.Close()

	reader := dialReader(t, id, 0, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := reader.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, int(streaming.DefaultWindowSize)+10)
	for i, chunk := range got {
		require.Equal(t, []byte{byte(i)}, chunk)
	}
}

func TestStreamEndToEndCancelStopsDelivery(t *testing.T) {
	ln, id := startRangeServer(t, &rangeServant{n: 1000})
	defer ln.Close()

	reader := dialReader(t, id, 0, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := reader.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, reader.Cancel())
}
