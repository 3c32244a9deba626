// Package orb implements the process-wide runtime described in spec.md
// §4.6 and §9: the POA vector, the nameserver bindings, and the table of
// active outbound sessions keyed by endpoint, selected per the local
// shared-memory > TCP > WebSocket > UDP preference ordering.
//
// Per spec §9 Design Notes ("Global state... Model them as an explicit
// Runtime value created by the application"), Runtime carries no package
// level state: every field lives on the value returned by NewRuntime,
// and the caller threads it through the dispatch path explicitly.
//
// Grounded on the teacher's internal/transport/transport.go
// TransportFactory: Create/CreateFromConn/CreateClient's runtime
// detection-then-switch-then-wrap shape becomes dial's
// parse-then-switch-then-cache shape below.
//
// License: Apache-2.0
package orb

import (
	"fmt"
	"sync"

	"github.com/nprpc/nprpc-go/metrics"
	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/shm"
	"github.com/nprpc/nprpc-go/slottable"
	"github.com/nprpc/nprpc-go/transport/datagram"
	"github.com/nprpc/nprpc-go/transport/stream"
	"github.com/nprpc/nprpc-go/wire"
	"go.uber.org/zap"
)

// Session is the capability every transport exposes to the ORB and to
// the proxy runtime (spec §4.6): send a framed request or reply, pair a
// request id with the channel its reply will arrive on, and tear the
// session down while reclaiming the remote references it held.
//
// send_receive/send_receive_async in spec §4.6 collapse onto the same
// primitive here: Send enqueues the frame on the session's transport,
// and BeginCall (inherited from the embedded rpcsession.Session in every
// concrete implementation) supplies the reply channel a caller selects
// on, synchronously or not, as it prefers. prepare_zero_copy_buffer is
// shm-specific (Channel.ReserveWrite) and is not part of this narrower
// contract; callers that want the zero-copy path type-assert for it.
type Session interface {
	RemoteEndpoint() string
	NextRequestID() uint32
	BeginCall(requestID uint32) (<-chan rpcsession.Reply, error)
	Send(frame []byte) error
	Close() []rpcsession.RefKey
}

var (
	_ Session = (*stream.Session)(nil)
	_ Session = (*datagram.Session)(nil)
	_ Session = (*datagram.PeerSession)(nil)
	_ Session = (*shm.Session)(nil)
)

// ShmRingCapacity is the ring size the ORB uses for outbound mem://
// sessions it dials itself.
const ShmRingCapacity = shm.DefaultRingCapacity

// Runtime is the explicit, application-owned replacement for the
// source's two process-wide singletons (spec §9): the ORB and the
// shared-memory UUID namespace collapse into this one value.
type Runtime struct {
	log *zap.SugaredLogger

	poaMu sync.RWMutex
	poas  []*poa.POA

	sessMu   sync.Mutex
	sessions map[string]Session

	nsMu       sync.RWMutex
	nameserver map[string]objectid.ObjectId

	metrics *metrics.Collector
}

// SetMetrics wires c into the Runtime so SessionFor/DropSession keep its
// active-session gauge current; nil (the zero value) disables tracking,
// which is also the default so constructing a Runtime never requires a
// Collector.
func (r *Runtime) SetMetrics(c *metrics.Collector) { r.metrics = c }

// NewRuntime constructs an empty Runtime ready to register POAs and
// dial/accept sessions.
func NewRuntime(log *zap.SugaredLogger) *Runtime {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runtime{
		log:        log,
		sessions:   make(map[string]Session),
		nameserver: make(map[string]objectid.ObjectId),
	}
}

// RegisterPOA adds p to the POA vector at its own Idx (spec §4.6: "the
// ORB owns... the POA vector"). The vector is append-only in practice —
// POAs are registered at startup before any session can dispatch into
// them — but nothing here forbids a later call; it simply was not an
// expected usage per spec §9.
func (r *Runtime) RegisterPOA(p *poa.POA) error {
	r.poaMu.Lock()
	defer r.poaMu.Unlock()
	idx := int(p.Idx)
	for len(r.poas) <= idx {
		r.poas = append(r.poas, nil)
	}
	if r.poas[idx] != nil {
		return fmt.Errorf("orb: poa index %d already registered", idx)
	}
	r.poas[idx] = p
	return nil
}

// POA looks up a registered POA by index.
func (r *Runtime) POA(idx uint16) (*poa.POA, bool) {
	r.poaMu.RLock()
	defer r.poaMu.RUnlock()
	i := int(idx)
	if i >= len(r.poas) || r.poas[i] == nil {
		return nil, false
	}
	return r.poas[i], true
}

// FindServant resolves a (poa_idx, object_id) pair to its servant,
// exactly the lookup the dispatch loop performs on every FunctionCall
// (spec §4.7): ErrPoaNotExist if poaIdx names no registered POA,
// ErrObjectNotExist if the slot is empty or stale.
func (r *Runtime) FindServant(poaIdx uint16, oid uint64) (poa.Servant, error) {
	p, ok := r.POA(poaIdx)
	if !ok {
		return nil, nprpcerr.ErrPoaNotExist
	}
	servant, _, ok := p.Find(slottable.Id(oid))
	if !ok {
		return nil, nprpcerr.ErrObjectNotExist
	}
	return servant, nil
}

// Bind registers id under name in the nameserver table (spec §8 scenario
// C).
func (r *Runtime) Bind(id objectid.ObjectId, name string) {
	r.nsMu.Lock()
	r.nameserver[name] = id
	r.nsMu.Unlock()
}

// Resolve looks up name in the nameserver table.
func (r *Runtime) Resolve(name string) (objectid.ObjectId, bool) {
	r.nsMu.RLock()
	defer r.nsMu.RUnlock()
	id, ok := r.nameserver[name]
	return id, ok
}

// Unbind removes name from the nameserver table.
func (r *Runtime) Unbind(name string) {
	r.nsMu.Lock()
	delete(r.nameserver, name)
	r.nsMu.Unlock()
}

// SessionFor resolves the preferred reachable endpoint among an
// ObjectId's endpoint URLs (spec §4.6: local shared memory first, then
// TCP, then WebSocket, then UDP) and returns the cached Session for it,
// dialing and caching a new one on first use. Selection does not know
// whether the caller will send fire-and-forget or correlated calls: a
// selected UDP session is returned for both kinds of traffic.
func (r *Runtime) SessionFor(rawEndpoints []string) (Session, error) {
	eps := make([]wire.Endpoint, 0, len(rawEndpoints))
	for _, raw := range rawEndpoints {
		ep, err := wire.ParseEndpoint(raw)
		if err != nil {
			continue
		}
		eps = append(eps, ep)
	}
	chosen, ok := selectEndpoint(eps)
	if !ok {
		return nil, nprpcerr.ErrCommFailure
	}

	key := chosen.Format()

	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	s, err := r.dial(chosen)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	if r.metrics != nil {
		r.metrics.IncSession()
	}
	return s, nil
}

// DropSession closes and forgets the cached session for key (an
// Endpoint.Format() string), returning the remote references it held so
// the caller can release them from the owning POA's ref lists.
func (r *Runtime) DropSession(key string) []rpcsession.RefKey {
	r.sessMu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.sessMu.Unlock()
	if !ok {
		return nil
	}
	if r.metrics != nil {
		r.metrics.DecSession()
	}
	return s.Close()
}

// selectEndpoint implements the endpoint-selection preference ordering
// of spec §4.6: mem:// (local shared memory) beats every other scheme
// outright, then tcp://, then ws://|wss://, then udp:// as a last
// resort. quic:// and any other parseable-but-unimplemented scheme is
// never selected (spec §6 EXPANSION: constructing a session over it
// fails at dial time, not at selection time, so this just deprioritizes
// it to "never chosen while any other scheme is present").
func selectEndpoint(eps []wire.Endpoint) (wire.Endpoint, bool) {
	var tcp, ws, udp *wire.Endpoint
	for i := range eps {
		ep := eps[i]
		if ep.IsLocal() {
			return ep, true
		}
		switch ep.Scheme {
		case wire.SchemeTCP:
			if tcp == nil {
				tcp = &eps[i]
			}
		case wire.SchemeWS, wire.SchemeWSS:
			if ws == nil {
				ws = &eps[i]
			}
		case wire.SchemeUDP:
			if udp == nil {
				udp = &eps[i]
			}
		}
	}
	switch {
	case tcp != nil:
		return *tcp, true
	case ws != nil:
		return *ws, true
	case udp != nil:
		return *udp, true
	}
	return wire.Endpoint{}, false
}

func (r *Runtime) dial(ep wire.Endpoint) (Session, error) {
	switch ep.Scheme {
	case wire.SchemeMem:
		return shm.DialSession(ep.ChannelId, ShmRingCapacity, r.log)
	case wire.SchemeTCP:
		return stream.DialTCP(fmt.Sprintf("%s:%d", ep.Host, ep.Port), r.log)
	case wire.SchemeWS:
		return stream.DialWebSocket(fmt.Sprintf("ws://%s:%d/", ep.Host, ep.Port), "", r.log)
	case wire.SchemeWSS:
		// TLS termination is a caller/reverse-proxy concern in this
		// runtime (spec §1 Non-goals); wss:// dials the same plaintext
		// upgrade as ws:// and relies on the peer already being behind TLS.
		return stream.DialWebSocket(fmt.Sprintf("wss://%s:%d/", ep.Host, ep.Port), "", r.log)
	case wire.SchemeUDP:
		return datagram.Dial(fmt.Sprintf("%s:%d", ep.Host, ep.Port), r.log)
	default:
		return nil, nprpcerr.ErrCommFailure
	}
}
