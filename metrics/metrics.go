// Package metrics implements the Control-style runtime statistics
// surface SPEC_FULL.md names as an ambient-stack EXPANSION alongside
// config: a process embedding this core should be able to report active
// session count, message/byte throughput, and error counts without
// reaching into orb.Runtime or dispatch.Dispatcher internals.
//
// Grounded on the teacher's api.Control interface (api/control.go) for
// the method set — GetConfig/SetConfig/Stats/OnReload/RegisterDebugProbe
// — and api.APIMetrics (api/types.go) for the fields a Snapshot reports
// (NumSessions, NumMessages, InboundTraffic, OutboundTraffic, StartedAt).
// Collector is this package's concrete implementation of that contract,
// generalized from WebSocket-session counting to every nprpc-go
// transport (TCP, WS, SHM, UDP) and to dispatch-level RPC/error counts,
// since this core has no single "session manager" the teacher's
// WebSocket-specific Control implementations were built against.
//
// License: Apache-2.0
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of a Collector's counters, matching
// api.APIMetrics's field layout plus the error/config fields this core's
// Control surface reports that the teacher's WebSocket-only APIMetrics
// did not need.
type Snapshot struct {
	NumSessions     int64
	NumMessages     uint64
	InboundTraffic  uint64
	OutboundTraffic uint64
	NumErrors       uint64
	StartedAt       time.Time
}

// Collector is the concrete api.Control-shaped runtime stats surface: an
// application constructs one with NewCollector, wires it into an
// orb.Runtime (session count, via Runtime.SetMetrics) and a
// dispatch.Dispatcher (message/byte/error counts, via its optional
// Metrics field), and reads Stats/
// Snapshot from wherever it exposes operational status (an HTTP
// endpoint, a periodic log line, a debug command).
type Collector struct {
	startedAt time.Time

	sessions atomic.Int64
	messages atomic.Uint64
	inbound  atomic.Uint64
	outbound atomic.Uint64
	errors   atomic.Uint64

	cfgMu sync.RWMutex
	cfg   map[string]any

	reloadMu sync.Mutex
	reload   []func()

	probesMu sync.RWMutex
	probes   map[string]func() any
}

// NewCollector returns a zeroed Collector stamped with the current time
// as StartedAt.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		cfg:       make(map[string]any),
		probes:    make(map[string]func() any),
	}
}

// IncSession records a newly established session (orb.Runtime.SessionFor
// caching a freshly dialed Session).
func (c *Collector) IncSession() { c.sessions.Add(1) }

// DecSession records a session torn down (orb.Runtime.DropSession).
func (c *Collector) DecSession() { c.sessions.Add(-1) }

// IncMessage records one dispatched inbound message (dispatch.Dispatcher.
// HandleMessage).
func (c *Collector) IncMessage() { c.messages.Add(1) }

// IncError records one dispatch-level error reply (Error_* msg_id).
func (c *Collector) IncError() { c.errors.Add(1) }

// AddInbound adds n bytes to the inbound traffic counter.
func (c *Collector) AddInbound(n uint64) { c.inbound.Add(n) }

// AddOutbound adds n bytes to the outbound traffic counter.
func (c *Collector) AddOutbound(n uint64) { c.outbound.Add(n) }

// Snapshot returns a consistent-enough point-in-time copy of the
// counters; individual fields may be updated between reads of different
// fields, same as the teacher's Stats() map construction.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		NumSessions:     c.sessions.Load(),
		NumMessages:     c.messages.Load(),
		InboundTraffic:  c.inbound.Load(),
		OutboundTraffic: c.outbound.Load(),
		NumErrors:       c.errors.Load(),
		StartedAt:       c.startedAt,
	}
}

// GetConfig returns a snapshot copy of the last config map set via
// SetConfig, matching api.Control.GetConfig's map[string]any contract.
func (c *Collector) GetConfig() map[string]any {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	out := make(map[string]any, len(c.cfg))
	for k, v := range c.cfg {
		out[k] = v
	}
	return out
}

// SetConfig merges cfg into the stored configuration map and runs every
// registered OnReload callback, matching api.Control.SetConfig's
// hot-reload contract. The merge never fails on this implementation, so
// the error return exists solely to satisfy callers written against the
// Control-shaped interface.
func (c *Collector) SetConfig(cfg map[string]any) error {
	c.cfgMu.Lock()
	for k, v := range cfg {
		c.cfg[k] = v
	}
	c.cfgMu.Unlock()

	c.reloadMu.Lock()
	callbacks := append([]func(){}, c.reload...)
	c.reloadMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Stats returns the current counters as a map[string]any, matching
// api.Control.Stats's loosely-typed reporting contract for callers that
// want to marshal it directly (a JSON debug endpoint, a log line) rather
// than work with the typed Snapshot.
func (c *Collector) Stats() map[string]any {
	s := c.Snapshot()
	return map[string]any{
		"num_sessions":     s.NumSessions,
		"num_messages":     s.NumMessages,
		"inbound_traffic":  s.InboundTraffic,
		"outbound_traffic": s.OutboundTraffic,
		"num_errors":       s.NumErrors,
		"started_at":       s.StartedAt,
		"uptime":           time.Since(s.StartedAt).String(),
	}
}

// OnReload registers fn to run every time SetConfig is called.
func (c *Collector) OnReload(fn func()) {
	c.reloadMu.Lock()
	c.reload = append(c.reload, fn)
	c.reloadMu.Unlock()
}

// RegisterDebugProbe registers a named probe invoked by DebugDump.
func (c *Collector) RegisterDebugProbe(name string, fn func() any) {
	c.probesMu.Lock()
	c.probes[name] = fn
	c.probesMu.Unlock()
}

// DebugDump runs every registered debug probe and returns their results
// keyed by name, the Stats()-level analogue of api.Control's
// RegisterDebugProbe contract ("invoked during debug dumps and health
// checks").
func (c *Collector) DebugDump() map[string]any {
	c.probesMu.RLock()
	defer c.probesMu.RUnlock()
	out := make(map[string]any, len(c.probes))
	for name, fn := range c.probes {
		out[name] = fn()
	}
	return out
}
