// Package shm implements the shared-memory transport: a bidirectional
// Channel of two named rings (spec.md §4.2) plus a well-known accept-ring
// Listener that hands out fresh channels via a UUID handshake.
//
// Grounded on original_source/src/shm/shared_memory_channel.cpp's
// symmetrical client/server ring-naming convention and dedicated read
// thread, and on AlephTX-aleph-tx/feeder/shm/ring.go's mmap lifecycle
// (reused here via ring.MapRing). The accept loop is shaped like the
// teacher's internal/transport/websocket_listener.go Accept loop.
//
// License: Apache-2.0
package shm

import (
	"fmt"
	"sync"
	"time"

	"github.com/nprpc/nprpc-go/ring"
	"go.uber.org/zap"
)

// DefaultRingCapacity is the body size of each direction's ring, matching
// the teacher's tuning-knob pattern for fixed-size resources.
const DefaultRingCapacity = 1 << 20 // 1 MiB

// ReceiveFunc is invoked once per record read off the channel's recv
// ring. A zero-copy consumer should copy out of data before returning,
// since the backing ring slot is reused after the callback returns.
type ReceiveFunc func(data []byte)

// Channel owns the pair of rings for one shared-memory session: one
// ring carries client→server traffic, the other server→client. Naming
// and direction are symmetrical except for the server/client role
// (spec §4.2: "server writes <id>.s2c / reads <id>.c2s; client swaps").
type Channel struct {
	log *zap.SugaredLogger

	channelID string
	isServer  bool

	sendRing   *ring.Ring
	sendRegion *ring.MappedRegion
	recvRing   *ring.Ring
	recvRegion *ring.MappedRegion

	sendRingName string
	recvRingName string

	onReceive ReceiveFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func ringName(channelID, suffix string) string {
	return fmt.Sprintf("nprpc.%s.%s", channelID, suffix)
}

// NewChannel creates or attaches the two rings for channelID. createRings
// is true exactly on the server side of a fresh handshake; the client
// side attaches to rings the server has already created.
func NewChannel(channelID string, isServer, createRings bool, capacity int, log *zap.SugaredLogger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}

	sendSuffix, recvSuffix := "c2s", "s2c"
	if isServer {
		sendSuffix, recvSuffix = "s2c", "c2s"
	}
	sendRingName := ringName(channelID, sendSuffix)
	recvRingName := ringName(channelID, recvSuffix)

	sendRing, sendRegion, err := ring.MapRing(sendRingName, capacity, createRings)
	if err != nil {
		return nil, fmt.Errorf("shm: map send ring %q: %w", sendRingName, err)
	}
	recvRing, recvRegion, err := ring.MapRing(recvRingName, capacity, createRings)
	if err != nil {
		sendRegion.Close()
		if createRings {
			ring.Unlink(sendRingName)
		}
		return nil, fmt.Errorf("shm: map recv ring %q: %w", recvRingName, err)
	}

	return &Channel{
		log:          log,
		channelID:    channelID,
		isServer:     isServer,
		sendRing:     sendRing,
		sendRegion:   sendRegion,
		recvRing:     recvRing,
		recvRegion:   recvRegion,
		sendRingName: sendRingName,
		recvRingName: recvRingName,
		closed:       make(chan struct{}),
	}, nil
}

// ChannelID returns the UUID identifying this channel's ring pair.
func (c *Channel) ChannelID() string { return c.channelID }

// Send writes one framed record to the outbound ring.
func (c *Channel) Send(data []byte) error {
	return c.sendRing.TryWrite(data)
}

// ReserveWrite begins a zero-copy write of up to maxSize bytes directly
// into the outbound ring (spec §4.6 prepare_zero_copy_buffer).
func (c *Channel) ReserveWrite(maxSize int) (*ring.WriteReservation, error) {
	return c.sendRing.TryReserveWrite(maxSize)
}

// StartReadLoop spawns the dedicated OS thread (goroutine) that blocks
// on the recv ring and invokes onReceive for each record, honouring
// Close (spec §4.2: "read thread honours a shutdown flag and wakes on
// the header condvar, so teardown is bounded by the condvar notify
// period" — here, by ring.DefaultPollInterval).
func (c *Channel) StartReadLoop(onReceive ReceiveFunc) {
	c.onReceive = onReceive
	c.wg.Add(1)
	go c.readLoop()
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		view, err := c.recvRing.TryReadView()
		if err != nil {
			c.log.Debugw("shm channel read error", "channel", c.channelID, "err", err)
			time.Sleep(ring.DefaultPollInterval)
			continue
		}
		if view == nil {
			time.Sleep(ring.DefaultPollInterval)
			continue
		}
		if c.onReceive != nil {
			c.onReceive(view.Data)
		}
		view.CommitRead()
	}
}

// Close stops the read loop and unmaps (but does not unlink) both
// rings; the side that created them (server) is responsible for
// Unlink via Destroy.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()
	c.onReceive = nil
	err1 := c.sendRegion.Close()
	err2 := c.recvRegion.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Destroy closes the channel and unlinks both ring files from
// /dev/shm; only the server (createRings=true) side should call this.
func (c *Channel) Destroy() error {
	if err := c.Close(); err != nil {
		return err
	}
	if err := ring.Unlink(c.sendRingName); err != nil {
		return err
	}
	return ring.Unlink(c.recvRingName)
}
