// Package rpcsession implements the per-connection session state shared
// by every transport: a cloneable context store, the in-flight work
// queue, the deadline timer, request/response correlation, and the
// client-side reference list described in spec.md §3 ("Session").
//
// Grounded on internal/session/cancel.go's sync.Once-guarded
// Cancel/Done and cloneable Context store, generalized to also own the
// work queue and request/response correlation table described in
// spec.md §4.6/§5.
//
// License: Apache-2.0
package rpcsession

import (
	"sync"
	"time"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// MaxPendingRequests bounds the number of outbound requests a session may
// have in flight awaiting a reply (spec §5 limits).
const MaxPendingRequests = 1000

// MaxQueuedOutbound bounds the number of messages queued for write before
// the previous one has drained (spec §5 limits).
const MaxQueuedOutbound = 100

type ctxEntry struct {
	val        any
	propagated bool
	expiry     time.Time
}

// Context is a thread-safe, cloneable key/value store bound to a
// session for the duration of one dispatch (spec §4.7: "bind the
// thread-local session context").
type Context struct {
	mu    sync.RWMutex
	store map[string]ctxEntry
}

// NewContext constructs an empty Context.
func NewContext() *Context {
	return &Context{store: make(map[string]ctxEntry)}
}

// Set assigns a value, optionally marking it for propagation to cloned
// contexts (e.g. nested dispatch from a parent servant).
func (c *Context) Set(key string, value any, propagated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = ctxEntry{val: value, propagated: propagated}
}

// Get fetches a value, returning (value, exists); an expired entry is
// treated as absent.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.store[key]
	if !ok || (!e.expiry.IsZero() && time.Now().After(e.expiry)) {
		return nil, false
	}
	return e.val, true
}

// Delete removes a key.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}

// Clone returns a shallow copy carrying only entries marked propagated,
// used when a dispatch invokes a nested call (spec §4.7 "from_parent").
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make(map[string]ctxEntry, len(c.store))
	for k, v := range c.store {
		if v.propagated {
			cp[k] = v
		}
	}
	return &Context{store: cp}
}

// pendingCall is one outstanding request awaiting its correlated reply.
type pendingCall struct {
	replyCh chan Reply
}

// Reply is the outcome delivered to a caller blocked on BeginCall's
// returned channel: either a reply envelope's payload or err on a
// transport-level failure (CommFailure or Timeout). Error_* replies,
// including encoded remote exceptions, arrive with a nil Err. MsgId carries
// the reply envelope's msg_id (BlockResponse/Success/Error_*) so a
// caller can branch on it exactly as spec §4.8 describes, without
// re-decoding the envelope.
type Reply struct {
	Payload []byte
	MsgId   wire.MessageId
	Err     error
}

// workItem is one entry of the per-session FIFO work queue (spec §5
// "Ordering": the work queue is drained in insertion order and one I/O
// operation is in flight at a time).
type workItem struct {
	requestID uint32
	payload   []byte
	deadline  time.Time
}

// Session is the transport-independent state every transport
// implementation (stream, datagram, shared-memory) embeds: remote
// endpoint identity, work queue, pending-call table, reference list,
// and deadline timer (spec §3 "Session").
type Session struct {
	log *zap.SugaredLogger

	remoteEndpoint string

	mu       sync.Mutex
	queue    []workItem
	pending  map[uint32]*pendingCall
	nextID   uint32
	closed   bool
	deadline *time.Timer

	Refs *RefList

	// Cookie is the HTTP Cookie header captured on a WebSocket-upgraded
	// session (spec §3); SetCookies accumulates an outbound Set-Cookie
	// list. Both are unused by non-HTTP transports.
	Cookie     string
	SetCookies []string

	done chan struct{}
	once sync.Once
}

// NewSession constructs a Session bound to remoteEndpoint.
func NewSession(remoteEndpoint string, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		log:            log,
		remoteEndpoint: remoteEndpoint,
		pending:        make(map[uint32]*pendingCall),
		Refs:           NewRefList(),
		done:           make(chan struct{}),
	}
}

// RemoteEndpoint returns the endpoint this session connects to or was
// accepted from.
func (s *Session) RemoteEndpoint() string { return s.remoteEndpoint }

// RefList returns the session's client-side remote-reference list (spec
// §3/§4.7 AddReference/ReleaseObject bookkeeping).
func (s *Session) RefList() *RefList { return s.Refs }

// Done returns a channel closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// NextRequestID allocates the next outbound request id (wrapping
// uint32, matching wire.Header.RequestId).
func (s *Session) NextRequestID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// BeginCall registers requestID as awaiting a reply, enforcing
// MaxPendingRequests (spec §5 limits), and returns the channel the
// eventual Complete/Fail publishes to.
func (s *Session) BeginCall(requestID uint32) (<-chan Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nprpcerr.ErrCommFailure
	}
	if len(s.pending) >= MaxPendingRequests {
		return nil, nprpcerr.ErrNoBufferSpace
	}
	pc := &pendingCall{replyCh: make(chan Reply, 1)}
	s.pending[requestID] = pc
	return pc.replyCh, nil
}

// CompleteCall delivers msgId/payload to the caller blocked on
// requestID, if still pending; it is a no-op (e.g. arrived after a
// timeout already fired) otherwise.
func (s *Session) CompleteCall(requestID uint32, msgId wire.MessageId, payload []byte) {
	s.mu.Lock()
	pc, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok {
		pc.replyCh <- Reply{MsgId: msgId, Payload: payload}
	}
}

// FailCall fails the pending call for requestID with err.
func (s *Session) FailCall(requestID uint32, err error) {
	s.mu.Lock()
	pc, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok {
		pc.replyCh <- Reply{Err: err}
	}
}

// FailAllPending fails every call still awaiting a reply with err; used
// on connection loss so no caller blocks forever (spec §4.3 reconnect
// policy terminates pending calls rather than leaving them hung).
func (s *Session) FailAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*pendingCall)
	s.mu.Unlock()
	for _, pc := range pending {
		pc.replyCh <- Reply{Err: err}
	}
}

// Enqueue appends a work item to the session's FIFO, enforcing
// MaxQueuedOutbound.
func (s *Session) Enqueue(requestID uint32, payload []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nprpcerr.ErrCommFailure
	}
	if len(s.queue) >= MaxQueuedOutbound {
		return nprpcerr.ErrNoBufferSpace
	}
	s.queue = append(s.queue, workItem{requestID: requestID, payload: payload, deadline: deadline})
	return nil
}

// DequeueNext pops the head of the work queue, preserving FIFO order.
func (s *Session) DequeueNext() (requestID uint32, payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, nil, false
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head.requestID, head.payload, true
}

// ArmDeadline starts (or restarts) the per-call timeout timer; on
// expiry it fails requestID's pending call with Timeout (spec §5
// "Cancellation and timeouts").
func (s *Session) ArmDeadline(requestID uint32, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = time.AfterFunc(d, func() {
		s.FailCall(requestID, nprpcerr.ErrTimeout)
	})
}

// DisarmDeadline cancels the currently-armed timeout timer, if any.
func (s *Session) DisarmDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

// Close tears the session down: it fails every in-flight call, drains
// the reference list (the caller is responsible for turning the
// drained keys into outbound ReleaseObject messages — spec §3
// Lifecycles), and closes Done().
func (s *Session) Close() []RefKey {
	s.mu.Lock()
	s.closed = true
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.mu.Unlock()

	s.FailAllPending(nprpcerr.ErrCommFailure)
	drained := s.Refs.Drain()

	s.once.Do(func() {
		close(s.done)
	})
	s.log.Debugw("session closed", "endpoint", s.remoteEndpoint, "released_refs", len(drained))
	return drained
}

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
