package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// MaxMessageSize bounds a single framed message (spec §4.3, §5 limits).
const MaxMessageSize = wire.MaxMessageSize

// Kind distinguishes the two framings a Session may use over the same
// read-pump/write-queue machinery.
type Kind int

const (
	KindTCP Kind = iota
	KindWebSocket
)

// DialFunc opens the underlying net.Conn for a (re)connect attempt;
// Session calls it again on the single permitted reconnect (spec §4.3
// "a client session attempts exactly one reconnect").
type DialFunc func() (net.Conn, error)

type writeRequest struct {
	frame []byte
	errCh chan error
}

// Session is the TCP/WebSocket transport session: it owns the
// rpcsession.Session state machine, a net.Conn, a read pump goroutine,
// and a single-in-flight write-queue goroutine (spec §4.3).
type Session struct {
	*rpcsession.Session

	log  *zap.SugaredLogger
	kind Kind

	mu      sync.Mutex
	conn    net.Conn
	dial    DialFunc // nil for server-accepted sessions (no reconnect)
	isDead  bool
	writeCh chan writeRequest

	// onMessage is invoked by the read pump for every decoded inbound
	// Request message (Answer replies are routed to CompleteCall
	// directly and never reach this callback); server sessions use it
	// to hand FunctionCall etc. to dispatch.
	onMessage func(h wire.Header, ch *wire.CallHeader, payload []byte)

	closeOnce sync.Once
	stopped   chan struct{}
}

func newSession(remoteEndpoint string, conn net.Conn, kind Kind, dial DialFunc, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		Session: rpcsession.NewSession(remoteEndpoint, log),
		log:     log,
		kind:    kind,
		conn:    conn,
		dial:    dial,
		writeCh: make(chan writeRequest, rpcsession.MaxQueuedOutbound),
		stopped: make(chan struct{}),
	}
	return s
}

// DialTCP connects to a tcp:// endpoint and returns a ready Session.
func DialTCP(addr string, log *zap.SugaredLogger) (*Session, error) {
	dial := func() (net.Conn, error) { return net.DialTimeout("tcp", addr, 10*time.Second) }
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("stream: dial tcp %s: %w", addr, err)
	}
	s := newSession("tcp://"+addr, conn, KindTCP, dial, log)
	s.startPumps()
	return s, nil
}

// DialWebSocket connects to a ws:// endpoint, performs the RFC6455
// upgrade, and returns a ready Session.
func DialWebSocket(rawURL string, cookie string, log *zap.SugaredLogger) (*Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stream: parse %s: %w", rawURL, err)
	}
	dial := func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", u.Host, 10*time.Second)
		if err != nil {
			return nil, err
		}
		key, err := writeUpgradeRequest(conn, u.Host, requestPath(u), cookie)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := readUpgradeResponse(conn, key); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	conn, err := dial()
	if err != nil {
		return nil, err
	}
	s := newSession(rawURL, conn, KindWebSocket, dial, log)
	s.startPumps()
	return s, nil
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// AcceptTCP wraps a net.Conn obtained from a net.Listener.Accept as a
// server-side Session (no reconnect: spec §4.3 reconnect is a
// client-only policy).
func AcceptTCP(conn net.Conn, log *zap.SugaredLogger) *Session {
	s := newSession(conn.RemoteAddr().String(), conn, KindTCP, nil, log)
	s.startPumps()
	return s
}

// AcceptWebSocket performs the server side of the RFC6455 upgrade on a
// freshly-accepted net.Conn and returns a ready Session, capturing the
// request's Cookie header (spec §3).
func AcceptWebSocket(conn net.Conn, log *zap.SugaredLogger) (*Session, error) {
	result, err := acceptUpgrade(conn)
	if err != nil {
		return nil, err
	}
	if err := writeUpgradeResponse(conn, result.responseHeaders, nil); err != nil {
		return nil, err
	}
	s := newSession(conn.RemoteAddr().String(), conn, KindWebSocket, nil, log)
	s.Cookie = result.cookie
	s.startPumps()
	return s, nil
}

// SetOnMessage installs the inbound-message callback. Must be called
// before any data is expected (accept callbacks run synchronously
// before the peer's first message can arrive, per spec §4.2's analogous
// shared-memory discipline).
func (s *Session) SetOnMessage(fn func(h wire.Header, ch *wire.CallHeader, payload []byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) startPumps() {
	go s.readPump()
	go s.writePump()
}

// readPump alternates ReadSize/ReadBody (spec §4.3) and hands each
// decoded envelope to onMessage.
func (s *Session) readPump() {
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}
		frame, err := s.readOneFrame(conn)
		if err != nil {
			s.handleConnError(err)
			if !s.tryReconnect() {
				return
			}
			continue
		}
		h, ch, payload, err := wire.DecodeEnvelope(frame)
		if err != nil {
			s.log.Warnw("stream: malformed envelope, dropping", "err", err)
			continue
		}
		if h.MsgType == wire.Answer {
			s.CompleteCall(h.RequestId, h.MsgId, payload)
			continue
		}
		s.mu.Lock()
		cb := s.onMessage
		s.mu.Unlock()
		if cb != nil {
			cb(h, ch, payload)
		}
	}
}

func (s *Session) readOneFrame(conn net.Conn) ([]byte, error) {
	switch s.kind {
	case KindWebSocket:
		for {
			f, err := readWSFrame(conn, MaxMessageSize)
			if err != nil {
				return nil, err
			}
			switch f.Opcode {
			case wsOpBinary, wsOpContinuation:
				return f.Payload, nil
			case wsOpClose:
				return nil, io.EOF
			case wsOpPing:
				_ = writeWSFrame(conn, wsOpPong, f.Payload, s.dial != nil)
				continue
			default:
				continue
			}
		}
	default:
		var sizeBuf [4]byte
		if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		if int(size) > MaxMessageSize {
			return nil, nprpcerr.ErrBadInput
		}
		body := make([]byte, 4+size)
		copy(body, sizeBuf[:])
		if _, err := io.ReadFull(conn, body[4:]); err != nil {
			return nil, err
		}
		return body, nil
	}
}

// writePump drains the write queue one item at a time (spec §4.3: "at
// most one write is in flight").
func (s *Session) writePump() {
	for {
		var req writeRequest
		select {
		case <-s.stopped:
			return
		case req = <-s.writeCh:
		}
		conn := s.currentConn()
		if conn == nil {
			req.errCh <- nprpcerr.ErrCommFailure
			continue
		}
		err := s.writeOneFrame(conn, req.frame)
		if err != nil {
			s.handleConnError(err)
			if s.tryReconnect() {
				conn = s.currentConn()
				if conn != nil {
					err = s.writeOneFrame(conn, req.frame)
				}
			}
		}
		req.errCh <- err
	}
}

func (s *Session) writeOneFrame(conn net.Conn, frame []byte) error {
	if s.kind == KindWebSocket {
		return writeWSFrame(conn, wsOpBinary, frame, s.dial != nil)
	}
	_, err := conn.Write(frame)
	return err
}

// Send enqueues frame (a complete wire.EncodeEnvelope output) for
// transmission and blocks until it has been written or failed.
func (s *Session) Send(frame []byte) error {
	errCh := make(chan error, 1)
	select {
	case <-s.stopped:
		return nprpcerr.ErrCommFailure
	case s.writeCh <- writeRequest{frame: frame, errCh: errCh}:
	default:
		return nprpcerr.ErrNoBufferSpace
	}
	select {
	case err := <-errCh:
		return err
	case <-s.stopped:
		return nprpcerr.ErrCommFailure
	}
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDead {
		return nil
	}
	return s.conn
}

func (s *Session) handleConnError(err error) {
	s.log.Debugw("stream session connection error", "endpoint", s.RemoteEndpoint(), "err", err)
	s.FailAllPending(nprpcerr.ErrCommFailure)
}

// tryReconnect performs the single permitted reconnect attempt (spec
// §4.3). Returns false if this session has no dial function (server
// side) or the attempt fails, in which case the session is torn down.
func (s *Session) tryReconnect() bool {
	s.mu.Lock()
	dial := s.dial
	s.mu.Unlock()
	if dial == nil {
		s.Shutdown()
		return false
	}
	conn, err := dial()
	if err != nil {
		s.log.Warnw("stream session reconnect failed", "endpoint", s.RemoteEndpoint(), "err", err)
		s.Shutdown()
		return false
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
	return true
}

// Shutdown tears down the session: marks it dead, closes the
// connection, stops the write pump, and drains rpcsession state,
// returning the remote references the caller must release.
func (s *Session) Shutdown() []rpcsession.RefKey {
	var refs []rpcsession.RefKey
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.isDead = true
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(s.stopped)
		refs = s.Session.Close()
	})
	return refs
}

// Close is Shutdown under the name the orb.Session contract expects.
func (s *Session) Close() []rpcsession.RefKey { return s.Shutdown() }
