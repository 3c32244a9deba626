// Package objectid defines ObjectId, the globally routable identity of a
// servant activation: a (poa_idx, oid) pair plus a class-id string and a
// list of endpoint URLs (spec.md §3).
//
// License: Apache-2.0
package objectid

import (
	"strings"

	"github.com/nprpc/nprpc-go/wire"
)

// ObjectId identifies a servant activation within a hosting process and
// carries enough information (class id, endpoints) for any client to
// construct a proxy and invoke methods on it.
type ObjectId struct {
	PoaIdx    uint16
	Oid       uint64 // low32: slot index, high32: generation counter
	ClassId   string
	Endpoints []string
}

// SlotIndex extracts the low 32 bits of Oid (the slot table index).
func (o ObjectId) SlotIndex() uint32 {
	return uint32(o.Oid)
}

// Generation extracts the high 32 bits of Oid (the slot generation).
func (o ObjectId) Generation() uint32 {
	return uint32(o.Oid >> 32)
}

// PackOid combines a slot index and generation into the Oid encoding used
// on the wire and in CallHeader.ObjectId.
func PackOid(index, generation uint32) uint64 {
	return uint64(generation)<<32 | uint64(index)
}

// ParseEndpoints resolves every endpoint URL string attached to this
// ObjectId, skipping (and not failing on) any that do not parse — an
// ObjectId may carry endpoints for transports the local process cannot
// reach.
func (o ObjectId) ParseEndpoints() []wire.Endpoint {
	out := make([]wire.Endpoint, 0, len(o.Endpoints))
	for _, raw := range o.Endpoints {
		ep, err := wire.ParseEndpoint(raw)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// String renders a human-readable identifier for logging.
func (o ObjectId) String() string {
	var b strings.Builder
	b.WriteString(o.ClassId)
	b.WriteString("@poa")
	b.WriteString(itoa(uint64(o.PoaIdx)))
	b.WriteString("/oid")
	b.WriteString(itoa(o.Oid))
	return b.String()
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
