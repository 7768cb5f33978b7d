package pools

import (
	"sync"

	"github.com/eapache/queue"
)

// Task represents a unit of work.
type Task func()

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 8

// WorkerPool runs a fixed set of long-lived workers over a shared FIFO
// queue. Tasks are dequeued in submission order but completion order is not
// guaranteed; any two tasks touching shared state must be serialized by the
// caller.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
}

// NewWorkerPool creates a pool with n workers, or DefaultWorkers when
// n <= 0. Workers run until Shutdown and the queue drains.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = DefaultWorkers
	}
	p := &WorkerPool{tasks: queue.New()}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues a task and wakes one waiting worker. It returns false
// after Shutdown; the task is dropped.
func (p *WorkerPool) Submit(t Task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.tasks.Add(t)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Shutdown marks the pool closed and wakes all waiters. Already-dequeued
// tasks run to completion; queued tasks still drain; workers are not joined.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Pending returns the number of queued tasks.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

func (p *WorkerPool) run() {
	p.mu.Lock()
	for {
		if p.tasks.Length() > 0 {
			t := p.tasks.Remove().(Task)
			p.mu.Unlock()
			t()
			p.mu.Lock()
			continue
		}
		if p.closed {
			break
		}
		p.cond.Wait()
	}
	p.mu.Unlock()
}
