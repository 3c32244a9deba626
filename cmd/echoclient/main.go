// Command echoclient is the companion demo client to cmd/echoserver: it
// resolves an Echo object over one of the server's transports and has a
// configurable number of workers (-concurrency) send FunctionCall round
// trips until interrupted, reporting RPS,
// grounded on the teacher's examples/stest/client (flag-driven
// concurrency, a metrics-reporting ticker goroutine, signal-driven
// shutdown) adapted from its WebSocket-only client.WebSocketClient to
// this core's orb.Runtime/proxy.Stub call path.
//
// License: Apache-2.0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/proxy"
)

func main() {
	endpoint := flag.String("endpoint", "tcp://127.0.0.1:9000", "Echo object endpoint URL (tcp://, ws://, udp://, or mem://)")
	concurrency := flag.Int("concurrency", 1, "number of concurrent callers")
	payloadLen := flag.Int("payload", 32, "bytes per call")
	callTimeout := flag.Duration("timeout", 2*time.Second, "per-call timeout")
	flag.Parse()

	id := objectid.ObjectId{PoaIdx: 0, Oid: 0, ClassId: "Echo", Endpoints: []string{*endpoint}}
	rt := orb.NewRuntime(nil)

	var totalCalls, totalErrors, rpsCount int64

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rps := atomic.SwapInt64(&rpsCount, 0)
				fmt.Printf("calls=%d errors=%d RPS=%d\n",
					atomic.LoadInt64(&totalCalls), atomic.LoadInt64(&totalErrors), rps)
			}
		}
	}()

	for i := 0; i < *concurrency; i++ {
		go worker(ctx, rt, id, *payloadLen, *callTimeout, &totalCalls, &totalErrors, &rpsCount)
	}

	<-ctx.Done()
	fmt.Println("echoclient: shutting down")
	time.Sleep(200 * time.Millisecond)
}

// worker repeatedly invokes the Echo object through its own proxy.Stub
// until ctx is cancelled, counting successes, errors, and per-second
// throughput.
func worker(
	ctx context.Context,
	rt *orb.Runtime,
	id objectid.ObjectId,
	payloadLen int,
	timeout time.Duration,
	totalCalls, totalErrors, rpsCount *int64,
) {
	stub := proxy.NewStub(rt, id, nil)
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := stub.Invoke(callCtx, 0, 1, payload)
		cancel()

		atomic.AddInt64(totalCalls, 1)
		if err != nil {
			atomic.AddInt64(totalErrors, 1)
			continue
		}
		atomic.AddInt64(rpsCount, 1)
	}
}
