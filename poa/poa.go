// Package poa implements the Portable Object Adapter described in
// spec.md §3/§4.5/§4.6: a fixed-capacity container of servants backed
// by the lock-free generational slottable.Table, with an object-id
// allocation policy and a lifespan policy.
//
// Grounded on spec.md §9 Design Notes ("re-architect as a Servant
// capability... no inheritance required"): the C++ source's virtual
// `Object`/`ObjectServant` inheritance becomes the Servant interface
// below, and generated IDL types each implement it directly.
//
// License: Apache-2.0
package poa

import (
	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/slottable"
)

// Servant is the capability every server-side object implementation
// provides (spec §9: "a Servant capability... class_id(), dispatch(ctx,
// from_parent), validate_session(ctx)").
type Servant interface {
	ClassId() string
	ValidateSession(ctx *rpcsession.Context) error
	Dispatch(ctx *rpcsession.Context, fromParent bool, interfaceIdx, functionIdx uint8, request []byte) ([]byte, error)
}

// IdAllocation selects how an activated object's oid is produced.
type IdAllocation int

const (
	// System assigns the next free slot via the slottable free list.
	System IdAllocation = iota
	// UserSupplied requires the caller to name the slot index explicitly.
	UserSupplied
)

// Lifespan records whether a POA's objects are expected to survive a
// process restart (spec §3: "Transient... Persistent — the caller
// promises to rebuild the same (poa_idx, oid) on restart"). Persistence
// itself is out of scope (spec Non-goals); this flag is consumed only
// by the application, never by the core.
type Lifespan int

const (
	Transient Lifespan = iota
	Persistent
)

type slotEntry struct {
	servant Servant
	classId string
}

// POA is a fixed-capacity container of servants, identified within its
// process by Idx and keyed externally as ObjectId.PoaIdx.
type POA struct {
	Name      string
	Idx       uint16
	Alloc     IdAllocation
	Lifespan  Lifespan
	Endpoints []string

	slots *slottable.Table[slotEntry]
}

// New constructs a POA with room for capacity servants.
func New(name string, idx uint16, capacity int, alloc IdAllocation, lifespan Lifespan, endpoints []string) *POA {
	return &POA{
		Name:      name,
		Idx:       idx,
		Alloc:     alloc,
		Lifespan:  lifespan,
		Endpoints: endpoints,
		slots:     slottable.New[slotEntry](capacity),
	}
}

// ActivateObject registers servant under classId, returning the packed
// (index, generation) identifier — the oid half of an ObjectId (spec
// §3/§4.5). It is only valid on a System-allocation POA; UserSupplied
// POAs must name their slot explicitly via ActivateObjectWithId.
func (p *POA) ActivateObject(servant Servant, classId string) (slottable.Id, error) {
	if p.Alloc != System {
		return 0, nprpcerr.ErrBadInput
	}
	id := p.slots.Add(slotEntry{servant: servant, classId: classId})
	if id == slottable.SentinelId {
		return 0, nprpcerr.ErrNoBufferSpace
	}
	return id, nil
}

// ActivateObjectWithId registers servant at the caller-chosen slot index
// (spec §3/§4.5: the UserSupplied allocation policy — "caller-chosen"),
// for a well-known object that must keep the same oid across restarts —
// the same reason original_source/npnameserver.cpp's own nameserver
// object calls activate_object_with_id(0, &server, ...) against a POA
// built with ObjectIdPolicy::UserSupplied rather than letting the free
// list assign it one. It is only valid on a UserSupplied-allocation POA.
func (p *POA) ActivateObjectWithId(index uint32, servant Servant, classId string) (slottable.Id, error) {
	if p.Alloc != UserSupplied {
		return 0, nprpcerr.ErrBadInput
	}
	id, ok := p.slots.AddAt(index, slotEntry{servant: servant, classId: classId})
	if !ok {
		return 0, nprpcerr.ErrNoBufferSpace
	}
	return id, nil
}

// DeactivateObject removes the servant at id; its generation bumps so
// stale references observe ObjectNotExist (spec §3 Lifecycles).
func (p *POA) DeactivateObject(id slottable.Id) bool {
	return p.slots.Remove(id)
}

// Find looks up the servant registered at id, returning (nil, false) if
// the slot is empty or id's generation is stale.
func (p *POA) Find(id slottable.Id) (Servant, string, bool) {
	e, ok := p.slots.Get(id)
	if !ok {
		return nil, "", false
	}
	return e.servant, e.classId, true
}

// Cap returns the POA's fixed servant capacity.
func (p *POA) Cap() int { return p.slots.Cap() }

// Len returns the number of currently activated servants.
func (p *POA) Len() int { return p.slots.Len() }
