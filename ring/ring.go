// Package ring implements the lock-free single-producer/single-consumer
// byte ring buffer described in spec.md §4.1: a fixed-size byte ring
// located in a header-prefixed region (either a plain in-process []byte
// or a memory-mapped shared-memory file), with atomic read/write indices,
// variable-sized length-prefixed records, and zero-copy write-reservation
// / read-view APIs.
//
// The span-based reservation API (TryReserveWrite/CommitWrite,
// TryReadView/CommitRead) is grounded on
// other_examples/jangala-dev-devicecode-go's x/shmring package
// (WriteAcquire/WriteCommit, ReadAcquire/ReadRelease over atomic rd/wr
// indices). Cache-line padding around the hot indices is grounded on
// core/concurrency/ring.go's RingBuffer[T] struct layout.
//
// License: Apache-2.0
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"
)

// Sentinel errors (spec §4.1 Failures).
var (
	ErrBufferFull     = errors.New("ring: buffer full")
	ErrMessageTooLarge = errors.New("ring: message exceeds ring capacity")
	ErrTimeout        = errors.New("ring: read timed out")
	ErrRecordTooBig   = errors.New("ring: caller buffer too small for record")
	ErrClosed         = errors.New("ring: closed")
)

const (
	sizeFieldLen  = 4
	sentinelSize  = 0xFFFF_FFFF
	cacheLine     = 64
	headerMagicOff    = 0
	headerVersionOff  = 4
	headerCapacityOff = 8
	writeIdxOff       = cacheLine       // own cache line
	readIdxOff        = 2 * cacheLine   // own cache line
	bodyOff           = 3 * cacheLine   // body starts on a fresh cache line
	headerMagic       = 0x4e505242      // "NPRB"
)

// HeaderSize returns the number of bytes a Ring's header occupies ahead of
// its body — callers that allocate their own backing storage (e.g. a
// memory-mapped file) must reserve at least this many bytes plus the
// desired body capacity.
func HeaderSize() int { return bodyOff }

// Ring is a byte ring buffer over an externally supplied backing region.
// The region's first HeaderSize() bytes hold the atomic header; the rest
// is the record body. Exactly one goroutine (in this process or another,
// if the region is memory-mapped) may call the Try* write methods, and
// exactly one may call the Try* read methods — this is an SPSC structure,
// and any violation is a programming error.
type Ring struct {
	region []byte // header + body, as a single contiguous slice
	body   []byte // region[bodyOff:], capacity == cap
	cap    uint32

	// pollInterval bounds how long a blocking read sleeps between
	// poll attempts. This stands in for the C++ implementation's
	// process-shared condition variable: Go has no portable
	// cross-process condvar, so ReadWithTimeout instead polls the
	// atomic read/write indices at this cadence. Spec.md's own open
	// question flags the equivalent 100ms value as "should be treated
	// as a tuning knob" — this field makes that knob explicit.
	pollInterval time.Duration

	closed atomic.Bool
}

// DefaultPollInterval is the default blocking-read poll cadence.
const DefaultPollInterval = 100 * time.Millisecond

// New allocates an in-process ring buffer of the given body capacity
// (rounded to a cache-line multiple is not required; capacity is exact).
func New(capacity int) *Ring {
	return NewOverRegion(make([]byte, bodyOff+capacity))
}

// NewOverRegion constructs a Ring over caller-supplied backing storage
// (e.g. a memory-mapped shared-memory region). The region must be at
// least HeaderSize()+1 bytes. If the region's header is unwritten
// (magic == 0) it is initialized as an empty ring; if it already carries
// a matching magic, the existing indices are preserved (reattaching to
// an existing ring from a peer process).
func NewOverRegion(region []byte) *Ring {
	if len(region) <= bodyOff {
		panic("ring: region too small for header")
	}
	r := &Ring{
		region: region,
		body:   region[bodyOff:],
		cap:    uint32(len(region) - bodyOff),
		pollInterval: DefaultPollInterval,
	}
	existingMagic := binary.LittleEndian.Uint32(region[headerMagicOff:])
	if existingMagic != headerMagic {
		binary.LittleEndian.PutUint32(region[headerMagicOff:], headerMagic)
		binary.LittleEndian.PutUint32(region[headerVersionOff:], 1)
		binary.LittleEndian.PutUint32(region[headerCapacityOff:], r.cap)
		r.storeWriteIdx(0)
		r.storeReadIdx(0)
	}
	return r
}

// SetPollInterval overrides the blocking-read poll cadence.
func (r *Ring) SetPollInterval(d time.Duration) { r.pollInterval = d }

// Cap returns the body capacity in bytes.
func (r *Ring) Cap() int { return int(r.cap) }

func (r *Ring) writeIdxPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.region[writeIdxOff]))
}
func (r *Ring) readIdxPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.region[readIdxOff]))
}
func (r *Ring) loadWriteIdx() uint64 { return atomic.LoadUint64(r.writeIdxPtr()) }
func (r *Ring) loadReadIdx() uint64  { return atomic.LoadUint64(r.readIdxPtr()) }
func (r *Ring) storeWriteIdx(v uint64) { atomic.StoreUint64(r.writeIdxPtr(), v) }
func (r *Ring) storeReadIdx(v uint64)  { atomic.StoreUint64(r.readIdxPtr(), v) }

// Used returns the number of unread bytes currently occupying the ring.
func (r *Ring) Used() uint32 {
	return uint32(r.loadWriteIdx() - r.loadReadIdx())
}

// Free returns the number of bytes available for the next write.
func (r *Ring) Free() uint32 {
	return r.cap - r.Used()
}

// Close marks the ring closed; further TryRead/TryReadView calls return
// ErrClosed once drained, and ReadWithTimeout returns promptly. The write
// calls do not check the closed flag.
func (r *Ring) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *Ring) idx(pos uint64) uint32 { return uint32(pos % uint64(r.cap)) }

// TryWrite reserves n+4 bytes and copies data in, record-framed. It never
// blocks: if the free tail cannot hold the record it fails immediately
// with ErrBufferFull. A record that cannot fit in the ring at all (even
// empty) fails with ErrMessageTooLarge.
func (r *Ring) TryWrite(data []byte) error {
	n := uint32(len(data))
	if n+sizeFieldLen > r.cap {
		return ErrMessageTooLarge
	}
	wr := r.loadWriteIdx()
	rd := r.loadReadIdx()
	used := uint32(wr - rd)
	free := r.cap - used

	widx := r.idx(wr)
	tail := r.cap - widx
	need := n + sizeFieldLen

	if tail < need {
		// The record (or even its size prefix) does not fit in the
		// contiguous tail: emit a wrap sentinel and restart at offset
		// zero, provided there is enough total free space for both.
		if free < tail+need {
			return ErrBufferFull
		}
		r.writeSentinel(widx)
		wr += uint64(tail)
		widx = 0
	} else if free < need {
		return ErrBufferFull
	}

	binary.LittleEndian.PutUint32(r.body[widx:], n)
	copy(r.body[widx+sizeFieldLen:], data)
	atomic.StoreUint64(r.writeIdxPtr(), wr+uint64(need))
	return nil
}

// writeSentinel writes the wrap marker at offset widx, filling the
// remaining contiguous tail.
func (r *Ring) writeSentinel(widx uint32) {
	if r.cap-widx >= sizeFieldLen {
		binary.LittleEndian.PutUint32(r.body[widx:], sentinelSize)
	}
}

// WriteReservation is a write window returned by TryReserveWrite that the
// caller fills in place; CommitWrite publishes the actual size written.
type WriteReservation struct {
	Data     []byte // exactly MaxSize bytes, ready to be filled in [0:n)
	wr       uint64
	widx     uint32
	maxSize  uint32
	r        *Ring
}

// TryReserveWrite reserves up to max bytes (plus framing) for a zero-copy
// write: the marshaller fills WriteReservation.Data directly, then calls
// CommitWrite with the number of bytes actually written.
func (r *Ring) TryReserveWrite(max int) (*WriteReservation, error) {
	n := uint32(max)
	if n+sizeFieldLen > r.cap {
		return nil, ErrMessageTooLarge
	}
	wr := r.loadWriteIdx()
	rd := r.loadReadIdx()
	used := uint32(wr - rd)
	free := r.cap - used

	widx := r.idx(wr)
	tail := r.cap - widx
	need := n + sizeFieldLen

	if tail < need {
		if free < tail+need {
			return nil, ErrBufferFull
		}
		r.writeSentinel(widx)
		wr += uint64(tail)
		widx = 0
	} else if free < need {
		return nil, ErrBufferFull
	}

	return &WriteReservation{
		Data:    r.body[widx+sizeFieldLen : widx+sizeFieldLen+n],
		wr:      wr,
		widx:    widx,
		maxSize: n,
		r:       r,
	}, nil
}

// CommitWrite publishes actual bytes of the reservation as the record's
// size and advances the write index, making the record visible to the
// reader.
func (res *WriteReservation) CommitWrite(actual int) error {
	if actual < 0 || uint32(actual) > res.maxSize {
		return errors.New("ring: commit size out of reservation bounds")
	}
	r := res.r
	binary.LittleEndian.PutUint32(r.body[res.widx:], uint32(actual))
	atomic.StoreUint64(r.writeIdxPtr(), res.wr+uint64(sizeFieldLen+uint32(actual)))
	return nil
}

// TryRead copies the next record into buf, returning the number of bytes
// copied. Returns (0, nil) if the ring is empty. If the caller's buffer
// is smaller than the record, the record is abandoned (read index still
// advances past it) and ErrRecordTooBig is returned.
func (r *Ring) TryRead(buf []byte) (int, error) {
	rd := r.loadReadIdx()
	wr := r.loadWriteIdx()
	if rd == wr {
		if r.closed.Load() {
			return 0, ErrClosed
		}
		return 0, nil
	}
	ridx := r.idx(rd)
	if r.cap-ridx < sizeFieldLen {
		// Not even room for a size prefix before the physical end of
		// the body: the writer wrapped here without a marker.
		rd += uint64(r.cap - ridx)
		atomic.StoreUint64(r.readIdxPtr(), rd)
		return r.TryRead(buf)
	}
	size := binary.LittleEndian.Uint32(r.body[ridx:])
	if size == sentinelSize {
		rd += uint64(r.cap - ridx)
		atomic.StoreUint64(r.readIdxPtr(), rd)
		return r.TryRead(buf)
	}
	if int(size) > len(buf) {
		// Abandon the record: advance past it anyway.
		atomic.StoreUint64(r.readIdxPtr(), rd+uint64(sizeFieldLen+size))
		return 0, ErrRecordTooBig
	}
	n := copy(buf, r.body[ridx+sizeFieldLen:ridx+sizeFieldLen+size])
	atomic.StoreUint64(r.readIdxPtr(), rd+uint64(sizeFieldLen+size))
	return n, nil
}

// ReadView is a zero-copy read window into the ring; the reader must call
// CommitRead after deserialising to advance the ring's read index.
type ReadView struct {
	Data []byte
	r    *Ring
	next uint64
}

// TryReadView returns a view of the next record without copying it. The
// view aliases ring storage and is only valid until CommitRead is called
// (which may be done after deserialisation completes, enabling zero-copy
// receive directly into a flatbuf.Buffer).
func (r *Ring) TryReadView() (*ReadView, error) {
	rd := r.loadReadIdx()
	wr := r.loadWriteIdx()
	if rd == wr {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		return nil, nil
	}
	ridx := r.idx(rd)
	if r.cap-ridx < sizeFieldLen {
		rd += uint64(r.cap - ridx)
		atomic.StoreUint64(r.readIdxPtr(), rd)
		return r.TryReadView()
	}
	size := binary.LittleEndian.Uint32(r.body[ridx:])
	if size == sentinelSize {
		rd += uint64(r.cap - ridx)
		atomic.StoreUint64(r.readIdxPtr(), rd)
		return r.TryReadView()
	}
	return &ReadView{
		Data: r.body[ridx+sizeFieldLen : ridx+sizeFieldLen+size],
		r:    r,
		next: rd + uint64(sizeFieldLen+size),
	}, nil
}

// CommitRead advances the ring's read index past the viewed record.
func (v *ReadView) CommitRead() {
	atomic.StoreUint64(v.r.readIdxPtr(), v.next)
}

// ReadWithTimeout blocks (via bounded polling — see the pollInterval
// field doc) until a record is available or the deadline elapses,
// then attempts TryRead.
func (r *Ring) ReadWithTimeout(buf []byte, d time.Duration) (int, error) {
	deadline := time.Now().Add(d)
	for {
		n, err := r.TryRead(buf)
		if err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		sleep := r.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}
