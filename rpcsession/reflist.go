// Package rpcsession implements the per-connection session state shared
// by every transport: the in-flight work queue, deadline timer, and
// client-side reference list described in spec.md §3 ("Session").
//
// Grounded on internal/session/cancel.go's sync.Once-guarded
// Cancel/Done and cloneable Context store, generalized to also own the
// reference list and request/response correlation table.
//
// License: Apache-2.0
package rpcsession

import (
	"sync"

	"github.com/nprpc/nprpc-go/nprpcerr"
)

// RefKey is the comparable identity of a referenced remote object —
// (poa_idx, oid) only, since objectid.ObjectId itself carries a slice
// field (Endpoints) and so cannot be used directly as a map key.
type RefKey struct {
	PoaIdx uint16
	Oid    uint64
}

// MaxReferences bounds the number of remote references a single session
// may hold (spec §5 limits). Exceeding it fails AddReference without
// terminating the session — this resolves spec.md's Open Question 1:
// the cap is enforced, not merely documented (see SPEC_FULL.md §5).
const MaxReferences = 10_000

// RefList tracks the set of remote objects whose refcount this session
// holds, so that session teardown can synthesise ReleaseObject messages
// to the peer and no references leak across a disconnect (spec §3
// Lifecycles, §8 property 6).
type RefList struct {
	mu   sync.Mutex
	refs map[RefKey]int
}

// NewRefList constructs an empty reference list.
func NewRefList() *RefList {
	return &RefList{refs: make(map[RefKey]int)}
}

// Add records one more reference to oid, enforcing MaxReferences.
func (r *RefList) Add(oid RefKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.refs[oid]; !exists && len(r.refs) >= MaxReferences {
		return nprpcerr.ErrNoBufferSpace
	}
	r.refs[oid]++
	return nil
}

// Release drops one reference to oid, removing it entirely once the
// count reaches zero. Reports whether oid was known.
func (r *RefList) Release(oid RefKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[oid]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.refs, oid)
	} else {
		r.refs[oid] = n - 1
	}
	return true
}

// Drain removes and returns every object currently referenced, used on
// session teardown to synthesise ReleaseObject messages to the peer so
// that no reference outlives the connection that held it.
func (r *RefList) Drain() []RefKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RefKey, 0, len(r.refs))
	for oid := range r.refs {
		out = append(out, oid)
	}
	r.refs = make(map[RefKey]int)
	return out
}

// Len reports the number of distinct objects currently referenced.
func (r *RefList) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}
