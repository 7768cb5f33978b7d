// Package observability reports periodic server health snapshots through the
// structured log, covering both engine counters and Go runtime memory state.
package observability

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is one sample of engine counters.
type Snapshot struct {
	LiveConnections int64
	Accepted        uint64
	GuardViolations uint64
	PendingTasks    int
}

// SampleFunc produces the current counters. It must be safe to call from the
// monitor goroutine.
type SampleFunc func() Snapshot

// Monitor logs a Snapshot plus runtime memory statistics at a fixed
// interval.
type Monitor struct {
	interval time.Duration
	sample   SampleFunc
	log      zerolog.Logger
	stopped  atomic.Bool
	done     chan struct{}
}

// NewMonitor builds a monitor; Start launches it.
func NewMonitor(interval time.Duration, sample SampleFunc, log zerolog.Logger) *Monitor {
	return &Monitor{
		interval: interval,
		sample:   sample,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the sampling goroutine. Idempotent; safe from any
// goroutine.
func (m *Monitor) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.done)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last Snapshot
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		s := m.sample()
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		m.log.Info().
			Int64("live_connections", s.LiveConnections).
			Uint64("accepted", s.Accepted).
			Uint64("accepted_delta", s.Accepted-last.Accepted).
			Int("pending_tasks", s.PendingTasks).
			Uint64("heap_bytes", mem.HeapAlloc).
			Uint32("gc_cycles", mem.NumGC).
			Int("goroutines", runtime.NumGoroutine()).
			Msg("server stats")

		if s.GuardViolations > last.GuardViolations {
			m.log.Error().
				Uint64("guard_violations", s.GuardViolations).
				Msg("connection ownership violations detected")
		}
		last = s
	}
}
