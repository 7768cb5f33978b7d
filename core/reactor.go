//go:build linux

// Package core runs the event-driven networking engine: a single dispatch
// loop turns epoll readiness into accept/close/enqueue decisions while a
// bounded worker pool executes the per-connection I/O off the reactor
// thread. Oneshot edge-triggered registrations guarantee at most one task is
// in flight per descriptor.
package core

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/netreactor/webserv/core/http"
	"github.com/netreactor/webserv/core/poller"
	"github.com/netreactor/webserv/core/pools"
)

// Config holds the reactor's construction parameters.
type Config struct {
	// Port is the TCP listening port, 1024-65535.
	Port int
	// Root is the static file root directory.
	Root string
	// Workers is the worker pool size; 0 selects the default.
	Workers int
	// MaxEvents caps ready descriptors reported per wait; 0 selects the
	// default.
	MaxEvents int
	// IdleTimeout closes connections idle past this duration; 0 disables
	// the reaper.
	IdleTimeout time.Duration
	// MaxRequestBytes closes connections that buffer this much input
	// without forming a complete request; 0 disables the limit.
	MaxRequestBytes int
	// Body receives each parsed request before the response is built.
	Body http.BodyHandler
	// Logger is the reactor logger.
	Logger zerolog.Logger
}

// ErrInvalidPort is returned when the configured port is outside 1024-65535.
var ErrInvalidPort = errors.New("port must be in range 1024-65535")

const connInterest = poller.EdgeTriggered | poller.OneShot

type connEntry struct {
	conn *http.Conn
	gen  uint64
}

// Stats is an observability snapshot. The counters never drive control flow.
type Stats struct {
	LiveConnections int64
	Accepted        uint64
	GuardViolations uint64
	PendingTasks    int
}

// Reactor owns the listening socket, the epoll instance, the worker pool
// and the descriptor-to-connection table.
type Reactor struct {
	cfg Config
	log zerolog.Logger

	listenFd int
	wakeFd   int
	poller   *poller.Epoller
	workers  *pools.WorkerPool

	mu      sync.RWMutex
	conns   map[int]*connEntry
	nextGen uint64

	etags *http.ETagCache

	users      atomic.Int64
	accepted   atomic.Uint64
	violations atomic.Uint64
	closed     atomic.Bool
	done       chan struct{}
}

// NewReactor validates the configuration and assembles the reactor. No
// sockets are opened until Run.
func NewReactor(cfg Config) (*Reactor, error) {
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	return &Reactor{
		cfg:      cfg,
		log:      cfg.Logger,
		listenFd: -1,
		wakeFd:   -1,
		conns:    make(map[int]*connEntry),
		etags:    http.NewETagCache(),
		done:     make(chan struct{}),
	}, nil
}

// Run opens the listening socket and drives the dispatch loop until
// Shutdown. Startup failures (socket, bind, listen, epoll) are returned;
// after that the loop only ever exits on Shutdown.
func (r *Reactor) Run() error {
	if err := r.initSocket(); err != nil {
		return err
	}

	p, err := poller.NewEpoller(r.cfg.MaxEvents)
	if err != nil {
		unix.Close(r.listenFd)
		return fmt.Errorf("epoll create: %w", err)
	}
	r.poller = p

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.Close()
		unix.Close(r.listenFd)
		return fmt.Errorf("eventfd: %w", err)
	}
	r.wakeFd = wake

	if err := p.Add(r.listenFd, poller.Read|poller.EdgeTriggered); err != nil {
		r.cleanup()
		return fmt.Errorf("register listener: %w", err)
	}
	if err := p.Add(r.wakeFd, poller.Read); err != nil {
		r.cleanup()
		return fmt.Errorf("register wakeup: %w", err)
	}

	r.workers = pools.NewWorkerPool(r.cfg.Workers)
	if r.cfg.IdleTimeout > 0 {
		go r.reap()
	}

	r.log.Info().
		Int("port", r.cfg.Port).
		Str("root", r.cfg.Root).
		Int("workers", r.cfg.Workers).
		Msg("server listening")

	r.loop()
	r.cleanup()
	return nil
}

// loop is the only place that waits on the poller and the only place that
// mutates the listener's interest set.
func (r *Reactor) loop() {
	for {
		n, err := r.poller.Wait(-1)
		if err != nil {
			if r.closed.Load() {
				return
			}
			r.log.Error().Err(err).Msg("poller wait")
			continue
		}
		for i := 0; i < n; i++ {
			fd := r.poller.EventFd(i)
			ev := r.poller.Events(i)
			switch {
			case fd == r.listenFd:
				r.acceptLoop()
			case fd == r.wakeFd:
				r.drainWake()
			case ev&poller.Hangup != 0:
				r.closeFd(fd)
			case ev&poller.Read != 0:
				r.submitRead(fd)
			case ev&poller.Write != 0:
				r.submitWrite(fd)
			}
		}
		if r.closed.Load() {
			return
		}
	}
}

func (r *Reactor) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: r.cfg.Port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", r.cfg.Port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	r.listenFd = fd
	return nil
}

// acceptLoop drains the accept queue; edge-triggered listener interest
// means every pending connection must be taken now.
func (r *Reactor) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			r.log.Warn().Err(err).Msg("accept")
			return
		}

		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		peer := sockaddrString(sa)
		conn := http.NewConn(nfd, peer, http.ConnOptions{
			Root:   r.cfg.Root,
			Body:   r.cfg.Body,
			ETags:  r.etags,
			Users:  &r.users,
			Logger: r.log,
		})

		r.mu.Lock()
		r.nextGen++
		gen := r.nextGen
		r.conns[nfd] = &connEntry{conn: conn, gen: gen}
		r.mu.Unlock()

		if err := r.poller.Add(nfd, poller.Read|connInterest); err != nil {
			r.log.Warn().Err(err).Int("fd", nfd).Msg("register connection")
			r.closeConn(nfd, gen)
			continue
		}
		r.accepted.Add(1)
		r.log.Debug().Int("fd", nfd).Str("peer", peer).Msg("connection accepted")
	}
}

// lookup revalidates a task's (fd, generation) pair against the table, so a
// task outliving its connection detects staleness instead of touching a
// reused slot.
func (r *Reactor) lookup(fd int, gen uint64) (*http.Conn, bool) {
	r.mu.RLock()
	e, ok := r.conns[fd]
	r.mu.RUnlock()
	if !ok || e.gen != gen {
		return nil, false
	}
	return e.conn, true
}

func (r *Reactor) submitRead(fd int) {
	gen, ok := r.currentGen(fd)
	if !ok {
		return
	}
	r.workers.Submit(func() { r.readTask(fd, gen) })
}

func (r *Reactor) submitWrite(fd int) {
	gen, ok := r.currentGen(fd)
	if !ok {
		return
	}
	r.workers.Submit(func() { r.writeTask(fd, gen) })
}

func (r *Reactor) currentGen(fd int) (uint64, bool) {
	r.mu.RLock()
	e, ok := r.conns[fd]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return e.gen, true
}

// readTask drains the socket, runs the request state machine and re-arms
// the descriptor. The re-arm, not the worker, is what makes the connection
// visible to the reactor again.
func (r *Reactor) readTask(fd int, gen uint64) {
	c, ok := r.lookup(fd, gen)
	if !ok {
		return
	}
	if !c.Enter() {
		r.noteEnterFailure(fd, c)
		return
	}
	c.Touch()

	if _, err := c.Read(); err != nil {
		r.closeConn(fd, gen)
		c.Leave()
		return
	}
	r.finish(fd, gen, c)
}

// finish runs the parser under the token, releases the token, then re-arms
// for write interest when a response was produced, read interest otherwise.
// The token must be free before the Mod: a oneshot event can be delivered
// the instant the re-arm lands (a writable socket reports EPOLLOUT at
// once), and the task it dispatches has to be able to claim the token.
func (r *Reactor) finish(fd int, gen uint64, c *http.Conn) {
	produced := c.Process()
	if !produced && r.cfg.MaxRequestBytes > 0 && c.BufferedBytes() > r.cfg.MaxRequestBytes {
		r.log.Warn().Int("fd", fd).Int("buffered", c.BufferedBytes()).Msg("request too large")
		r.closeConn(fd, gen)
		c.Leave()
		return
	}
	c.Leave()
	if produced {
		r.rearm(fd, gen, poller.Write)
		return
	}
	r.rearm(fd, gen, poller.Read)
}

func (r *Reactor) writeTask(fd int, gen uint64) {
	c, ok := r.lookup(fd, gen)
	if !ok {
		return
	}
	if !c.Enter() {
		r.noteEnterFailure(fd, c)
		return
	}
	c.Touch()

	_, err := c.Write()
	if c.ToWriteBytes() == 0 {
		if c.KeepAlive() {
			r.finish(fd, gen, c)
			return
		}
		r.closeConn(fd, gen)
		c.Leave()
		return
	}
	if err == unix.EAGAIN {
		c.Leave()
		r.rearm(fd, gen, poller.Write)
		return
	}
	r.closeConn(fd, gen)
	c.Leave()
}

// noteEnterFailure records a failed token claim. Failing against a closed
// connection is the normal reap/shutdown race and a correct drop; against a
// live connection it is an invariant violation.
func (r *Reactor) noteEnterFailure(fd int, c *http.Conn) {
	if c.Closed() {
		return
	}
	r.violations.Add(1)
	r.log.Error().Int("fd", fd).Msg("concurrent task on connection")
}

// rearm re-enables oneshot interest. A failed re-arm abandons the
// descriptor: it is logged and the connection closed, since no further
// events would ever surface for it.
func (r *Reactor) rearm(fd int, gen uint64, ev poller.Event) {
	if err := r.poller.Mod(fd, ev|connInterest); err != nil {
		r.log.Warn().Err(err).Int("fd", fd).Msg("rearm failed, abandoning descriptor")
		r.closeConn(fd, gen)
	}
}

// closeFd closes whatever connection currently owns fd. Only called from
// the reactor thread on hangup/error events, which cannot race an in-flight
// task thanks to oneshot interest.
func (r *Reactor) closeFd(fd int) {
	if gen, ok := r.currentGen(fd); ok {
		r.closeConn(fd, gen)
	}
}

// closeConn removes the table entry and closes the connection, once.
func (r *Reactor) closeConn(fd int, gen uint64) {
	r.mu.Lock()
	e, ok := r.conns[fd]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.conns, fd)
	r.mu.Unlock()

	if err := r.poller.Del(fd); err != nil {
		r.log.Debug().Err(err).Int("fd", fd).Msg("poller del")
	}
	e.conn.Close()
	r.log.Debug().Int("fd", fd).Str("peer", e.conn.Peer()).Msg("connection closed")
}

// reap sweeps for idle connections. A connection is only reaped when its
// ownership token can be claimed, so the sweep never races a running task.
func (r *Reactor) reap() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-r.cfg.IdleTimeout)
		type victim struct {
			fd  int
			gen uint64
			c   *http.Conn
		}
		var victims []victim

		r.mu.RLock()
		for fd, e := range r.conns {
			if e.conn.IdleSince().Before(cutoff) {
				victims = append(victims, victim{fd, e.gen, e.conn})
			}
		}
		r.mu.RUnlock()

		for _, v := range victims {
			if !v.c.Enter() {
				continue
			}
			r.closeConn(v.fd, v.gen)
			v.c.Leave()
			r.log.Debug().Int("fd", v.fd).Msg("idle connection reaped")
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	unix.Read(r.wakeFd, buf[:])
}

// Shutdown stops the dispatch loop. Idempotent; safe from any goroutine.
func (r *Reactor) Shutdown() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.done)
	if r.wakeFd >= 0 {
		var one = [8]byte{7: 1}
		unix.Write(r.wakeFd, one[:])
	}
}

func (r *Reactor) cleanup() {
	if r.workers != nil {
		r.workers.Shutdown()
	}

	r.mu.Lock()
	entries := r.conns
	r.conns = make(map[int]*connEntry)
	r.mu.Unlock()
	// Close defers teardown to any worker still holding a connection's
	// token, so racing the tail of the drained task queue is safe.
	for fd, e := range entries {
		r.poller.Del(fd)
		e.conn.Close()
	}

	if r.poller != nil {
		r.poller.Close()
	}
	if r.wakeFd >= 0 {
		unix.Close(r.wakeFd)
		r.wakeFd = -1
	}
	if r.listenFd >= 0 {
		unix.Close(r.listenFd)
		r.listenFd = -1
	}
	r.log.Info().Msg("server stopped")
}

// Stats returns an observability snapshot.
func (r *Reactor) Stats() Stats {
	s := Stats{
		LiveConnections: r.users.Load(),
		Accepted:        r.accepted.Load(),
		GuardViolations: r.violations.Load(),
	}
	if r.workers != nil {
		s.PendingTasks = r.workers.Pending()
	}
	return s
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return "unknown"
	}
}
