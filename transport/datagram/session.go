// Package datagram implements the UDP transport described in spec.md
// §4.4: fire-and-forget sends for request_id == 0 and request-correlated
// round trips for request_id != 0, with no retransmission — the caller
// observes a timeout via the session's deadline timer.
//
// Grounded on the teacher's internal/transport/transport.go capability
// dispatch (a Session implementing the same send/receive contract as
// transport/stream.Session) and original_source's udp datagram listener
// (single socket, sender-endpoint-keyed reply routing).
//
// License: Apache-2.0
package datagram

import (
	"net"
	"sync"

	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// Session is one UDP endpoint: a single socket, the embedded
// rpcsession.Session state for request/response correlation, and a read
// loop that demultiplexes inbound datagrams by the sender's address.
type Session struct {
	*rpcsession.Session

	log  *zap.SugaredLogger
	conn *net.UDPConn

	mu      sync.Mutex
	isDead  bool
	onCall  func(from *net.UDPAddr, h wire.Header, ch *wire.CallHeader, payload []byte)
	stopped chan struct{}

	peersMu sync.Mutex
	peers   map[string]*PeerSession
}

// PeerSession is a per-remote-address view of a server-mode Session,
// used to route a reply back to the specific sender a request arrived
// from (spec §4.4) instead of through the parent Session's plain Send,
// which writes to the unconnected listening socket with no default
// peer and so can never reach an arbitrary client. It shares the
// parent's UDP socket but owns its own rpcsession.Session bookkeeping
// (pending-call table, reference list, deadline timer) since each
// remote peer is a logically distinct session — mirroring how
// shm.Listener hands each connecting client its own Channel/Session
// rather than multiplexing every client through one.
type PeerSession struct {
	*rpcsession.Session
	parent *Session
	peer   *net.UDPAddr
}

// Send routes frame back to this peer's address via the parent
// session's shared socket.
func (p *PeerSession) Send(frame []byte) error {
	return p.parent.SendTo(p.peer, frame)
}

// PeerFor returns the PeerSession for addr, creating one on first sight
// of that sender and caching it for subsequent datagrams from the same
// address (spec §4.4's sender-endpoint-keyed reply routing).
func (s *Session) PeerFor(addr *net.UDPAddr) *PeerSession {
	key := addr.String()
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if p, ok := s.peers[key]; ok {
		return p
	}
	p := &PeerSession{
		Session: rpcsession.NewSession("udp://"+key, s.log),
		parent:  s,
		peer:    addr,
	}
	s.peers[key] = p
	return p
}

// LocalAddr returns the socket's bound local address, useful for a
// server Listen'd on a `:0` ephemeral port.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Dial opens a UDP socket connected to addr, usable for both
// fire-and-forget sends and correlated round trips.
func Dial(addr string, log *zap.SugaredLogger) (*Session, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Session: rpcsession.NewSession("udp://"+addr, log),
		log:     log,
		conn:    conn,
		stopped: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Listen opens a UDP socket bound to addr for server-side use: it
// receives datagrams from arbitrary senders and dispatches them via
// onCall, which is responsible for routing replies back with SendTo or
// through PeerFor(from).Send.
func Listen(addr string, onCall func(from *net.UDPAddr, h wire.Header, ch *wire.CallHeader, payload []byte), log *zap.SugaredLogger) (*Session, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Session: rpcsession.NewSession("udp://"+addr, log),
		log:     log,
		conn:    conn,
		onCall:  onCall,
		stopped: make(chan struct{}),
		peers:   make(map[string]*PeerSession),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, wire.MaxMessageSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			s.log.Debugw("datagram read error", "err", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(from, datagram)
	}
}

// handleDatagram validates the datagram's framing (spec §4.4: "rejected
// if smaller than a Header or if size+4 != bytes_received") and routes
// it either to CompleteCall (client-side correlated reply) or onCall
// (server-side inbound request).
func (s *Session) handleDatagram(from *net.UDPAddr, buf []byte) {
	if len(buf) < wire.HeaderSize {
		s.log.Warnw("datagram smaller than header, dropping", "len", len(buf))
		return
	}
	h, err := wire.DecodeHeader(buf)
	if err != nil {
		s.log.Warnw("datagram header decode failed, dropping", "err", err)
		return
	}
	if uint32(len(buf)) != h.Size+4 {
		s.log.Warnw("datagram size mismatch, dropping", "declared", h.Size+4, "actual", len(buf))
		return
	}

	if h.MsgType == wire.Answer {
		_, _, payload, err := wire.DecodeEnvelope(buf)
		if err != nil {
			return
		}
		s.CompleteCall(h.RequestId, h.MsgId, payload)
		return
	}

	s.mu.Lock()
	cb := s.onCall
	s.mu.Unlock()
	if cb == nil {
		return
	}
	_, ch, payload, err := wire.DecodeEnvelope(buf)
	if err != nil {
		s.log.Warnw("datagram envelope decode failed, dropping", "err", err)
		return
	}
	cb(from, h, ch, payload)
}

// Send transmits frame to the peer this session was Dial'd to. Whether
// it is fire-and-forget or request-correlated is entirely up to the
// frame's request_id (spec §4.4); no retransmission is performed either
// way — the caller relies on the session's deadline timer for timeout.
func (s *Session) Send(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

// SendTo sends frame to a specific peer address; used by a server
// session replying to a datagram it received from an arbitrary sender.
func (s *Session) SendTo(to *net.UDPAddr, frame []byte) error {
	_, err := s.conn.WriteToUDP(frame, to)
	return err
}

// Close stops the read loop and closes the socket.
func (s *Session) Close() []rpcsession.RefKey {
	s.mu.Lock()
	if s.isDead {
		s.mu.Unlock()
		return nil
	}
	s.isDead = true
	s.mu.Unlock()
	close(s.stopped)
	s.conn.Close()
	return s.Session.Close()
}
