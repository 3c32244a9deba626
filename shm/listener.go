package shm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/ring"
	"go.uber.org/zap"
)

// handshakeMagic and handshakeVersion match spec §6's
// SharedMemoryHandshake wire layout: { u32 magic, u32 version, char
// channel_id[64] }.
const (
	handshakeMagic     uint32 = 0x534D454D
	handshakeVersion   uint32 = 1
	channelIDFieldSize        = 64
	handshakeSize             = 4 + 4 + channelIDFieldSize

	// AcceptRingCapacity is small: it only ever carries handshake
	// records, never RPC payloads.
	AcceptRingCapacity = 4096

	// connectPollInterval and connectDeadline bound the client-side
	// poll-open loop in Connect (spec §4.2: "poll-open the rings with
	// a 5-second deadline").
	connectPollInterval = 20 * time.Millisecond
	connectDeadline     = 5 * time.Second
)

// AcceptFunc is invoked synchronously with each freshly-handshaken
// Channel; per spec §4.2 the callback must install its receive handler
// (via StartReadLoop) before returning, eliminating the race between
// channel creation and the first message arriving on it.
type AcceptFunc func(ch *Channel)

// Listener owns one well-known "accept" ring and hands out a new
// Channel for every valid handshake received on it.
type Listener struct {
	log *zap.SugaredLogger

	name         string
	acceptRing   *ring.Ring
	acceptRegion *ring.MappedRegion

	ringCapacity int
	onAccept     AcceptFunc

	closed chan struct{}
}

// NewListener creates the well-known accept ring named listenerName.
func NewListener(listenerName string, channelRingCapacity int, log *zap.SugaredLogger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	acceptRing, acceptRegion, err := ring.MapRing(ringName(listenerName, "accept"), AcceptRingCapacity, true)
	if err != nil {
		return nil, fmt.Errorf("shm: create accept ring %q: %w", listenerName, err)
	}
	if channelRingCapacity <= 0 {
		channelRingCapacity = DefaultRingCapacity
	}
	return &Listener{
		log:          log,
		name:         listenerName,
		acceptRing:   acceptRing,
		acceptRegion: acceptRegion,
		ringCapacity: channelRingCapacity,
		closed:       make(chan struct{}),
	}, nil
}

func encodeHandshake(channelID string) ([]byte, error) {
	if len(channelID) > channelIDFieldSize {
		return nil, nprpcerr.ErrBadInput
	}
	buf := make([]byte, handshakeSize)
	binary.LittleEndian.PutUint32(buf[0:4], handshakeMagic)
	binary.LittleEndian.PutUint32(buf[4:8], handshakeVersion)
	copy(buf[8:8+channelIDFieldSize], channelID)
	return buf, nil
}

func decodeHandshake(buf []byte) (string, error) {
	if len(buf) != handshakeSize {
		return "", nprpcerr.ErrBadInput
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != handshakeMagic {
		return "", nprpcerr.ErrBadInput
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != handshakeVersion {
		return "", nprpcerr.ErrBadInput
	}
	idBytes := buf[8 : 8+channelIDFieldSize]
	end := 0
	for end < len(idBytes) && idBytes[end] != 0 {
		end++
	}
	return string(idBytes[:end]), nil
}

// Serve blocks, polling the accept ring, and invokes onAccept once per
// valid handshake, until Close is called. Malformed handshake records
// are logged and skipped rather than terminating the listener.
func (l *Listener) Serve(onAccept AcceptFunc) error {
	l.onAccept = onAccept
	for {
		select {
		case <-l.closed:
			return nil
		default:
		}
		buf := make([]byte, handshakeSize)
		n, err := l.acceptRing.ReadWithTimeout(buf, ring.DefaultPollInterval)
		if err != nil {
			if err == ring.ErrTimeout {
				continue
			}
			return fmt.Errorf("shm: accept ring read: %w", err)
		}
		channelID, err := decodeHandshake(buf[:n])
		if err != nil {
			l.log.Warnw("shm listener: malformed handshake, skipping", "err", err)
			continue
		}
		ch, err := NewChannel(channelID, true, true, l.ringCapacity, l.log)
		if err != nil {
			l.log.Errorw("shm listener: channel creation failed", "channel", channelID, "err", err)
			continue
		}
		l.onAccept(ch)
	}
}

// Close stops Serve's poll loop and releases the accept ring.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	if err := l.acceptRegion.Close(); err != nil {
		return err
	}
	return ring.Unlink(ringName(l.name, "accept"))
}

// Connect implements the client side of spec §4.2's
// connect_to_shared_memory_listener: generate a UUID channel id, open
// the listener's accept ring, publish the handshake, then poll-open the
// client's two rings (which the server creates on handshake receipt)
// within connectDeadline.
func Connect(listenerName string, ringCapacity int, log *zap.SugaredLogger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	acceptRegion, err := ring.MapRegion(ringName(listenerName, "accept"), ring.HeaderSize()+AcceptRingCapacity, false)
	if err != nil {
		return nil, fmt.Errorf("shm: open accept ring %q: %w", listenerName, err)
	}
	defer acceptRegion.Close()
	acceptRing := ring.NewOverRegion(acceptRegion.Bytes())

	channelID := uuid.NewString()
	handshake, err := encodeHandshake(channelID)
	if err != nil {
		return nil, err
	}
	if err := acceptRing.TryWrite(handshake); err != nil {
		return nil, fmt.Errorf("shm: publish handshake: %w", err)
	}

	deadline := time.Now().Add(connectDeadline)
	for {
		ch, err := NewChannel(channelID, false, false, ringCapacity, log)
		if err == nil {
			return ch, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("shm: timed out waiting for server rings: %w", nprpcerr.ErrTimeout)
		}
		time.Sleep(connectPollInterval)
	}
}
