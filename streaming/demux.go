package streaming

import (
	"sync"

	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/wire"
)

// onMessageSetter is implemented by the transport sessions that expose
// an inbound-message hook (transport/stream.Session, shm.Session).
// transport/datagram.Session does not: spec §4.9's Ack/Cancel control
// traffic requires a connection to push pull requests back over, which
// is exactly the fire-and-forget restriction §4.6 already places on
// udp://.
type onMessageSetter interface {
	SetOnMessage(fn func(h wire.Header, ch *wire.CallHeader, payload []byte))
}

// Demux routes inbound StreamChunk/StreamComplete/StreamError pushes to
// the Reader registered for their stream_id, forwarding every other
// message to next unchanged — so a Demux can be layered in front of a
// dispatch.Dispatcher's HandleMessage without taking over normal
// FunctionCall routing on a session that both calls out and consumes
// streams.
type Demux struct {
	sess orb.Session
	next func(h wire.Header, ch *wire.CallHeader, payload []byte)

	mu      sync.Mutex
	readers map[uint64]*Reader
}

// NewDemux installs itself as sess's onMessage hook, if sess supports
// one, and returns the Demux so callers can Register/Forget readers on
// it. next receives every non-stream message, exactly as it would have
// without the Demux in front of it.
func NewDemux(sess orb.Session, next func(h wire.Header, ch *wire.CallHeader, payload []byte)) *Demux {
	d := &Demux{sess: sess, next: next, readers: make(map[uint64]*Reader)}
	if setter, ok := sess.(onMessageSetter); ok {
		setter.SetOnMessage(d.handleMessage)
	}
	return d
}

func (d *Demux) handleMessage(h wire.Header, ch *wire.CallHeader, payload []byte) {
	switch h.MsgId {
	case wire.StreamChunk:
		c, err := wire.DecodeStreamChunk(payload)
		if err != nil {
			return
		}
		if r := d.lookup(c.StreamId); r != nil {
			r.pushChunk(c)
		}
	case wire.StreamComplete:
		c, err := wire.DecodeStreamComplete(payload)
		if err != nil {
			return
		}
		if r := d.take(c.StreamId); r != nil {
			r.pushComplete(c.FinalSequence)
		}
	case wire.StreamError:
		e, err := wire.DecodeStreamError(payload)
		if err != nil {
			return
		}
		if r := d.take(e.StreamId); r != nil {
			r.pushError(e)
		}
	default:
		if d.next != nil {
			d.next(h, ch, payload)
		}
	}
}

// Register makes r the destination for streamId's pushes.
func (d *Demux) Register(streamId uint64, r *Reader) {
	d.mu.Lock()
	d.readers[streamId] = r
	d.mu.Unlock()
}

// Forget removes streamId's registration, e.g. after the caller gives up
// on a Reader without waiting for its natural termination.
func (d *Demux) Forget(streamId uint64) {
	d.mu.Lock()
	delete(d.readers, streamId)
	d.mu.Unlock()
}

func (d *Demux) lookup(streamId uint64) *Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readers[streamId]
}

func (d *Demux) take(streamId uint64) *Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.readers[streamId]
	delete(d.readers, streamId)
	return r
}
