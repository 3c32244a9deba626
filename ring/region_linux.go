//go:build linux

package ring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRegion is a memory-mapped shared-memory region backing a Ring,
// named under /dev/shm so that a peer process can open the same file and
// attach its own Ring over the identical bytes. Grounded on
// AlephTX-aleph-tx/feeder/shm/ring.go's open-truncate-mmap sequence.
type MappedRegion struct {
	file *os.File
	data []byte
}

// shmPath maps a bare channel/ring name to its /dev/shm path.
func shmPath(name string) string {
	return "/dev/shm/" + name
}

// MapRegion opens (creating if necessary) a named shared-memory file of
// exactly size bytes and maps it into this process's address space.
// When create is true the file is truncated to size (initializing a
// fresh ring); when false the file must already exist at the requested
// size (attaching to a peer-created ring).
func MapRegion(name string, size int, create bool) (*MappedRegion, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(shmPath(name), flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("ring: open shared memory %q: %w", name, err)
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ring: truncate shared memory %q: %w", name, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: mmap shared memory %q: %w", name, err)
	}
	return &MappedRegion{file: f, data: data}, nil
}

// Bytes returns the mapped region's backing slice.
func (m *MappedRegion) Bytes() []byte { return m.data }

// Close unmaps the region and closes the backing file descriptor. It does
// not unlink the shared-memory file; callers that own the ring's lifetime
// (typically the listener/channel that created it) are responsible for
// that via Unlink.
func (m *MappedRegion) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		m.file.Close()
		return fmt.Errorf("ring: munmap: %w", err)
	}
	return m.file.Close()
}

// Unlink removes the named shared-memory file from /dev/shm.
func Unlink(name string) error {
	err := os.Remove(shmPath(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// MapRing creates or attaches a Ring over a named shared-memory region
// sized to hold HeaderSize()+bodyCapacity bytes.
func MapRing(name string, bodyCapacity int, create bool) (*Ring, *MappedRegion, error) {
	region, err := MapRegion(name, HeaderSize()+bodyCapacity, create)
	if err != nil {
		return nil, nil, err
	}
	return NewOverRegion(region.Bytes()), region, nil
}
