// Package dispatch implements the server-side dispatch loop of spec.md
// §4.7: the msg_id switch, the POA/servant lookup, validate_session
// gating, and the worker pool that runs servant invocations off a
// session's read pump (spec §5: "Servant methods... must not hold a
// session's work queue").
//
// License: Apache-2.0
package dispatch

import (
	"sync"

	"github.com/nprpc/nprpc-go/nprpcerr"
)

// Task is one unit of dispatch work submitted to a Pool.
type Task func()

// Pool is a fixed-size worker pool. It is a deliberately simplified
// cousin of the teacher's internal/concurrency.Executor: that executor's
// per-worker lock-free local queues and dynamic Resize exist to balance
// NUMA-pinned batch I/O workers, a concern that does not apply to
// decoding-and-invoking one RPC at a time, so this pool keeps only the
// part spec §5 actually asks for — bounded concurrency so dispatch never
// blocks a session's read pump — behind a single shared channel.
type Pool struct {
	tasks  chan Task
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

// NewPool starts a pool of numWorkers goroutines, each pulling from a
// shared queue of capacity queueSize.
func NewPool(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 4
	}
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		closed: make(chan struct{}),
	}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case t := <-p.tasks:
			t()
		}
	}
}

// Submit enqueues t, returning ErrNoBufferSpace if the queue is full and
// ErrCommFailure if the pool has been closed.
func (p *Pool) Submit(t Task) error {
	select {
	case <-p.closed:
		return nprpcerr.ErrCommFailure
	default:
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return nprpcerr.ErrNoBufferSpace
	}
}

// Close stops accepting new work and waits for in-flight tasks to drain.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}
