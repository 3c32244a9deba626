//go:build !linux

package ring

import "fmt"

// MappedRegion is unavailable on non-Linux platforms in this build; the
// shared-memory transport is Linux-only (/dev/shm), matching the scope
// of AlephTX-aleph-tx's feeder, which the ring/region_linux.go mmap path
// is grounded on.
type MappedRegion struct{}

func (m *MappedRegion) Bytes() []byte { return nil }
func (m *MappedRegion) Close() error  { return nil }

func MapRegion(name string, size int, create bool) (*MappedRegion, error) {
	return nil, fmt.Errorf("ring: shared memory regions are only supported on linux")
}

func Unlink(name string) error { return nil }

func MapRing(name string, bodyCapacity int, create bool) (*Ring, *MappedRegion, error) {
	return nil, nil, fmt.Errorf("ring: shared memory regions are only supported on linux")
}
