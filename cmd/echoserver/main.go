// Command echoserver is the end-to-end demo server wiring every
// transport this core implements (TCP, WebSocket, shared memory, UDP)
// onto a single trivial Echo servant, grounded on the teacher's
// examples/lowlevel/echo (flag parsing, debug probes registered on a
// Control surface, periodic stats ticker, signal-driven shutdown) and
// examples/stest/server (per-transport listener goroutines reporting
// into shared counters).
//
// License: Apache-2.0
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nprpc/nprpc-go/config"
	"github.com/nprpc/nprpc-go/dispatch"
	"github.com/nprpc/nprpc-go/metrics"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/nprpc/nprpc-go/shm"
	"github.com/nprpc/nprpc-go/streaming"
	"github.com/nprpc/nprpc-go/transport/datagram"
	"github.com/nprpc/nprpc-go/transport/stream"
	"github.com/nprpc/nprpc-go/wire"
)

// echoServant answers every FunctionCall with its request payload
// verbatim, grounded on dispatch_test.go's echoServant.
type echoServant struct{}

func (echoServant) ClassId() string                              { return "Echo" }
func (echoServant) ValidateSession(ctx *rpcsession.Context) error { return nil }
func (echoServant) Dispatch(ctx *rpcsession.Context, fromParent bool, interfaceIdx, functionIdx uint8, req []byte) ([]byte, error) {
	return req, nil
}

func main() {
	hostname := flag.String("hostname", "localhost", "advertised hostname")
	tcpPort := flag.Int("tcp-port", 9000, "TCP listen port")
	wsPort := flag.Int("ws-port", 9002, "WebSocket listen port")
	udpPort := flag.Int("udp-port", 9001, "UDP listen port")
	shmChannel := flag.String("shm-channel", "nprpc-echo", "shared-memory channel name (empty disables it)")
	debug := flag.Int("debug", int(config.DebugEveryCall), "debug level: 0=none 1=critical 2=every_call 3=every_message_content")
	workers := flag.Int("workers", 0, "dispatch worker count (0 = default of 8)")
	flag.Parse()

	if *workers <= 0 {
		*workers = 8
	}

	cfg := config.NewRpcBuilder().Apply(
		config.WithHostname(*hostname),
		config.WithTCPPort(*tcpPort),
		config.WithWSPort(*wsPort),
		config.WithUDPPort(*udpPort),
		config.WithDebugLevel(config.DebugLevel(*debug)),
		config.WithTransports(config.TransportTCP|config.TransportWS|config.TransportUDP|config.TransportSHM),
	).Build()

	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoserver: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	coll := metrics.NewCollector()
	rt := orb.NewRuntime(log)
	rt.SetMetrics(coll)

	p := poa.New("echo", 0, 256, poa.System, poa.Transient, nil)
	if err := rt.RegisterPOA(p); err != nil {
		log.Fatalw("register poa failed", "err", err)
	}
	oid, err := p.ActivateObject(echoServant{}, "Echo")
	if err != nil {
		log.Fatalw("activate object failed", "err", err)
	}

	endpoints := []string{
		fmt.Sprintf("tcp://%s:%d", cfg.Hostname, cfg.TCPPort),
		fmt.Sprintf("ws://%s:%d", cfg.Hostname, cfg.WSPort),
		fmt.Sprintf("udp://%s:%d", cfg.Hostname, cfg.UDPPort),
	}
	if *shmChannel != "" {
		endpoints = append(endpoints, "mem://"+*shmChannel)
	}
	id := objectid.ObjectId{PoaIdx: 0, Oid: uint64(oid), ClassId: "Echo", Endpoints: endpoints}
	log.Infow("echo object ready", "object_id", id.String(), "endpoints", endpoints)

	d := dispatch.NewDispatcher(rt, *workers, 64, log)
	d.Metrics = coll
	d.Streams = streaming.NewManager(rt, log)
	defer d.Close()

	coll.RegisterDebugProbe("poa_active_objects", func() any { return p.Len() })

	if err := serveTCP(cfg.TCPPort, d, log); err != nil {
		log.Fatalw("tcp listener failed", "err", err)
	}
	if err := serveWebSocket(cfg.WSPort, d, log); err != nil {
		log.Fatalw("ws listener failed", "err", err)
	}
	if err := serveUDP(cfg.UDPPort, d, log); err != nil {
		log.Fatalw("udp listener failed", "err", err)
	}
	if *shmChannel != "" {
		if err := serveSHM(*shmChannel, d, log); err != nil {
			log.Fatalw("shm listener failed", "err", err)
		}
	}

	stopStats := make(chan struct{})
	go reportStats(coll, log, stopStats)
	defer close(stopStats)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("echoserver: shutting down")
}

func serveTCP(port int, d *dispatch.Dispatcher, log interface {
	Infow(string, ...any)
	Errorw(string, ...any)
}) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			sess := stream.AcceptTCP(conn, nil)
			sess.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
				d.HandleMessage(sess, h, ch, payload)
			})
		}
	}()
	log.Infow("tcp listener started", "addr", ln.Addr().String())
	return nil
}

func serveWebSocket(port int, d *dispatch.Dispatcher, log interface {
	Infow(string, ...any)
	Warnw(string, ...any)
}) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sess, err := stream.AcceptWebSocket(conn, nil)
				if err != nil {
					log.Warnw("ws upgrade failed", "err", err)
					conn.Close()
					return
				}
				sess.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
					d.HandleMessage(sess, h, ch, payload)
				})
			}()
		}
	}()
	log.Infow("websocket listener started", "addr", ln.Addr().String())
	return nil
}

func serveUDP(port int, d *dispatch.Dispatcher, log interface{ Infow(string, ...any) }) error {
	var sess *datagram.Session
	s, err := datagram.Listen(fmt.Sprintf(":%d", port), func(from *net.UDPAddr, h wire.Header, ch *wire.CallHeader, payload []byte) {
		d.HandleMessage(sess.PeerFor(from), h, ch, payload)
	}, nil)
	if err != nil {
		return err
	}
	sess = s
	log.Infow("udp listener started", "addr", sess.LocalAddr().String())
	return nil
}

func serveSHM(channel string, d *dispatch.Dispatcher, log interface{ Infow(string, ...any) }) error {
	go func() {
		err := shm.ServeSessions(channel, orb.ShmRingCapacity, nil, func(sess *shm.Session) {
			sess.SetOnMessage(func(h wire.Header, ch *wire.CallHeader, payload []byte) {
				d.HandleMessage(sess, h, ch, payload)
			})
		})
		if err != nil {
			log.Infow("shm listener stopped", "err", err)
		}
	}()
	log.Infow("shm listener started", "channel", channel)
	return nil
}

func reportStats(coll *metrics.Collector, log interface{ Infow(string, ...any) }, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := coll.Snapshot()
			log.Infow("echoserver stats",
				"sessions", s.NumSessions,
				"messages", s.NumMessages,
				"inbound_bytes", s.InboundTraffic,
				"outbound_bytes", s.OutboundTraffic,
				"errors", s.NumErrors,
			)
		}
	}
}
