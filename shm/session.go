// Session wraps a Channel with the request/reply correlation state every
// other transport in this module shares (transport/stream.Session,
// transport/datagram.Session), so the orb package can dial a mem://
// endpoint through the same Session contract as TCP/WebSocket/UDP.
//
// Grounded on the same embedding shape used by transport/stream.Session
// and transport/datagram.Session: a *rpcsession.Session supplies pending-
// call correlation and the work queue, this file supplies only the
// shared-memory-specific read/send plumbing.
//
// License: Apache-2.0
package shm

import (
	"sync"

	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// Session is one shared-memory channel endpoint paired with the common
// session state.
type Session struct {
	*rpcsession.Session

	log *zap.SugaredLogger
	ch  *Channel

	mu        sync.Mutex
	isDead    bool
	onMessage func(h wire.Header, ch *wire.CallHeader, payload []byte)
}

// WrapChannel adopts an already-established Channel (client-Connect'd or
// server-accepted) into a Session and starts its read loop.
func WrapChannel(ch *Channel, remoteEndpoint string, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		Session: rpcsession.NewSession(remoteEndpoint, log),
		log:     log,
		ch:      ch,
	}
	ch.StartReadLoop(s.handleFrame)
	return s
}

// SetOnMessage installs the callback invoked for every inbound frame that
// is not a correlated Answer (i.e. server-side inbound requests).
func (s *Session) SetOnMessage(fn func(h wire.Header, ch *wire.CallHeader, payload []byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) handleFrame(buf []byte) {
	if len(buf) < wire.HeaderSize {
		s.log.Warnw("shm frame smaller than header, dropping", "len", len(buf))
		return
	}
	h, ch, payload, err := wire.DecodeEnvelope(buf)
	if err != nil {
		s.log.Warnw("shm envelope decode failed, dropping", "err", err)
		return
	}
	if h.MsgType == wire.Answer {
		s.CompleteCall(h.RequestId, h.MsgId, payload)
		return
	}
	s.mu.Lock()
	cb := s.onMessage
	s.mu.Unlock()
	if cb != nil {
		cb(h, ch, payload)
	}
}

// Send writes frame to the channel's send ring (spec §4.4/§6: the
// shared-memory transport carries the same envelope framing as every
// other scheme).
func (s *Session) Send(frame []byte) error {
	return s.ch.Send(frame)
}

// Close stops the channel's read loop, unmaps its rings, and drains the
// embedded session state.
func (s *Session) Close() []rpcsession.RefKey {
	s.mu.Lock()
	if s.isDead {
		s.mu.Unlock()
		return nil
	}
	s.isDead = true
	s.mu.Unlock()
	if err := s.ch.Close(); err != nil {
		s.log.Debugw("shm channel close error", "err", err)
	}
	return s.Session.Close()
}

// DialSession connects to listenerName as a client and wraps the
// resulting Channel in a Session.
func DialSession(listenerName string, ringCapacity int, log *zap.SugaredLogger) (*Session, error) {
	ch, err := Connect(listenerName, ringCapacity, log)
	if err != nil {
		return nil, err
	}
	return WrapChannel(ch, "mem://"+listenerName, log), nil
}

// ServeSessions runs a Listener on listenerName, wrapping every accepted
// Channel into a Session before invoking onAccept.
func ServeSessions(listenerName string, ringCapacity int, log *zap.SugaredLogger, onAccept func(*Session)) error {
	l, err := NewListener(listenerName, ringCapacity, log)
	if err != nil {
		return err
	}
	return l.Serve(func(ch *Channel) {
		onAccept(WrapChannel(ch, "mem://"+listenerName+"/"+ch.ChannelID(), log))
	})
}
