package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal orb.Session capturing every sent frame,
// grounded on dispatch_test.go's fakeSession.
type fakeSession struct {
	*rpcsession.Session
	mu   sync.Mutex
	sent [][]byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{Session: rpcsession.NewSession("test://fake", nil)}
}

func (f *fakeSession) Send(frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) frames(t *testing.T) []wire.Header {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Header, 0, len(f.sent))
	for _, frame := range f.sent {
		h, _, _, err := wire.DecodeEnvelope(frame)
		require.NoError(t, err)
		out = append(out, h)
	}
	return out
}

func (f *fakeSession) lastPayload(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	_, _, payload, err := wire.DecodeEnvelope(f.sent[len(f.sent)-1])
	require.NoError(t, err)
	return payload
}

func TestWriterSendConsumesCreditAndBlocksAtZero(t *testing.T) {
	sess := newFakeSession()
	w := newWriter(sess, 1, 1)

	require.NoError(t, w.Send(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Send(ctx, []byte("b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	headers := sess.frames(t)
	require.Len(t, headers, 1)
	require.Equal(t, wire.StreamChunk, headers[0].MsgId)
}

func TestWriterHandleAckWakesBlockedSend(t *testing.T) {
	sess := newFakeSession()
	w := newWriter(sess, 1, 0)

	done := make(chan error, 1)
	go func() {
		done <- w.Send(context.Background(), []byte("x"))
	}()

	time.Sleep(20 * time.Millisecond)
	w.handleAck(wire.StreamAck{StreamId: 1, WindowSize: 1})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send never unblocked after ack")
	}
	payload := sess.lastPayload(t)
	chunk, err := wire.DecodeStreamChunk(payload)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), chunk.Data)
}

func TestWriterHandleCancelFailsBlockedSend(t *testing.T) {
	sess := newFakeSession()
	w := newWriter(sess, 1, 0)

	done := make(chan error, 1)
	go func() {
		done <- w.Send(context.Background(), []byte("x"))
	}()

	time.Sleep(20 * time.Millisecond)
	w.handleCancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, nprpcerr.ErrCommFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("Send never unblocked after cancel")
	}
}

func TestWriterCompleteSendsFinalSequence(t *testing.T) {
	sess := newFakeSession()
	w := newWriter(sess, 7, 4)
	require.NoError(t, w.Send(context.Background(), []byte("a")))
	require.NoError(t, w.Send(context.Background(), []byte("b")))
	require.NoError(t, w.Complete())

	payload := sess.lastPayload(t)
	complete, err := wire.DecodeStreamComplete(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(7), complete.StreamId)
	require.Equal(t, uint64(1), complete.FinalSequence)

	require.ErrorIs(t, w.Complete(), nprpcerr.ErrBadInput)
	require.ErrorIs(t, w.Send(context.Background(), []byte("c")), nprpcerr.ErrBadInput)
}

func TestWriterFailSendsStreamError(t *testing.T) {
	sess := newFakeSession()
	w := newWriter(sess, 3, 4)
	require.NoError(t, w.Fail(StreamErrorCodeInternal, []byte("boom")))

	payload := sess.lastPayload(t)
	se, err := wire.DecodeStreamError(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(StreamErrorCodeInternal), se.ErrorCode)
	require.Equal(t, []byte("boom"), se.ErrorData)
}
