/*
Package webserv is a single-process, multi-threaded HTTP file server built
around a readiness-based I/O multiplexing reactor.

One thread multiplexes readiness notifications for every connection on an
epoll instance; a bounded worker pool executes the actual parse/read/write
work; static files are transmitted zero-copy from read-only memory mappings
through scatter/gather writes. Oneshot edge-triggered registrations
guarantee at most one task ever runs per descriptor, so connection state
moves between threads without locks.

Layout

  - config:      flag/env configuration
  - app:         service wiring, signal handling
  - core:        the reactor dispatch loop
  - core/buffer: growable byte buffer backing all socket I/O
  - core/poller: epoll wrapper with portable interest masks
  - core/pools:  fixed-size FIFO worker pool
  - core/http:   per-connection request/response state machine
  - core/observability: periodic stats logging
  - sqlpool:     semaphore-gated database connection pool
  - infer:       startup-loaded inference engine (off the hot path)

Basic usage:

	cfg := config.New()
	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	application.Run()
*/
package webserv
