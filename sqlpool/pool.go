// Package sqlpool provides the fixed-size, semaphore-gated connection pool
// the login route checks database handles out of. The wire protocol is the
// driver's concern; the pool only manages checkout, release and lifetime.
package sqlpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config holds the parameters the pool is initialized with once at startup.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Size     int
}

// Conn is one pooled database connection handle.
type Conn interface {
	Close() error
}

// Dialer establishes one connection. The pool dials its full size eagerly
// at construction; any dial failure fails startup.
type Dialer func(cfg Config) (Conn, error)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("sqlpool: closed")

// Pool is a fixed-size connection pool. Exhaustion blocks the caller on a
// weighted semaphore until a handle is released.
type Pool struct {
	cfg Config
	log zerolog.Logger

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// New dials cfg.Size connections and returns the pool. Connections dialed
// before a failure are closed again.
func New(cfg Config, dial Dialer, log zerolog.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("sqlpool: size must be positive")
	}
	p := &Pool{
		cfg: cfg,
		log: log,
		sem: semaphore.NewWeighted(int64(cfg.Size)),
	}
	for i := 0; i < cfg.Size; i++ {
		c, err := dial(cfg)
		if err != nil {
			for _, open := range p.idle {
				open.Close()
			}
			return nil, fmt.Errorf("sqlpool: dial %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		p.idle = append(p.idle, c)
	}
	log.Info().Int("size", cfg.Size).Str("host", cfg.Host).Str("database", cfg.Database).Msg("sql pool ready")
	return p, nil
}

// Acquire checks a connection out, blocking while the pool is exhausted.
// The context bounds the wait.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrClosed
	}
	c := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return c, nil
}

// Release returns a connection to the pool and wakes one blocked Acquire.
// After Close the handle is torn down instead.
func (p *Pool) Release(c Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.sem.Release(1)
}

// With checks a connection out for the duration of fn and guarantees its
// release on every path.
func (p *Pool) With(ctx context.Context, fn func(Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Free returns the number of idle connections.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close tears down all idle connections; checked-out handles are closed as
// they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
}
