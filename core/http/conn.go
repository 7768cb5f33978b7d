// Package http implements the per-connection request/response state machine:
// buffered socket reads, a resumable request parser, and a two-segment
// scatter/gather write path serving files from a read-only memory mapping.
package http

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/netreactor/webserv/core/buffer"
	"github.com/netreactor/webserv/core/pools"
)

// ConnOptions carries the shared collaborators a connection needs.
type ConnOptions struct {
	// Root is the filesystem directory static files are served from.
	Root string
	// Body receives each parsed request before the response is built.
	Body BodyHandler
	// ETags, when non-nil, adds ETag headers to 200 responses.
	ETags *ETagCache
	// Users is the process-wide live-connection counter.
	Users *atomic.Int64
	// Logger is the connection-scoped logger.
	Logger zerolog.Logger
}

// Conn is the state for one client descriptor. The reactor's oneshot re-arm
// discipline guarantees at most one task touches a Conn at a time; the
// ownership token (Enter/Leave) makes that invariant checkable.
type Conn struct {
	fd   int
	peer string

	input  *buffer.Buffer
	output *buffer.Buffer
	parser parser

	// Two-segment scatter/gather descriptor: segs[0] points at unsent
	// header bytes in the output buffer, segs[1] at unsent file bytes in
	// the mapping.
	segs    [2][]byte
	segCnt  int
	mapping *Mapping

	keepAlive bool
	root      string
	body      BodyHandler
	etags     *ETagCache

	users      *atomic.Int64
	closed     atomic.Bool
	guard      atomic.Int32
	lastActive atomic.Int64

	log zerolog.Logger
}

// NewConn wraps an accepted, nonblocking descriptor. The live-connection
// counter is incremented here and decremented exactly once on Close. The I/O
// buffers come from the shared pool and return to it on Close.
func NewConn(fd int, peer string, o ConnOptions) *Conn {
	c := &Conn{
		fd:     fd,
		peer:   peer,
		input:  pools.AcquireBuffer(),
		output: pools.AcquireBuffer(),
		root:   o.Root,
		body:   o.Body,
		etags:  o.ETags,
		users:  o.Users,
		log:    o.Logger,
	}
	if c.users != nil {
		c.users.Add(1)
	}
	c.Touch()
	return c
}

// Fd returns the underlying descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the remote address.
func (c *Conn) Peer() string { return c.peer }

// KeepAlive reports whether the current exchange keeps the connection open.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// BufferedBytes returns how much input the in-progress request occupies,
// counting both unconsumed buffer bytes and already-parsed lines.
func (c *Conn) BufferedBytes() int { return c.input.ReadableBytes() + c.parser.consumed }

// ToWriteBytes returns how many response bytes remain unsent.
func (c *Conn) ToWriteBytes() int { return len(c.segs[0]) + len(c.segs[1]) }

// Ownership token states. Retired is terminal: a closed connection's token
// can never be claimed again.
const (
	guardFree    int32 = 0
	guardHeld    int32 = 1
	guardRetired int32 = -1
)

// Enter claims exclusive ownership of the connection for one task. It
// returns false when another holder is active or the connection is closed.
// Under the oneshot re-arm discipline a failure against a live connection
// indicates an invariant violation.
func (c *Conn) Enter() bool { return c.guard.CompareAndSwap(guardFree, guardHeld) }

// Leave releases ownership. When Close ran while the token was held, the
// resource teardown was handed off to the holder and happens here, retiring
// the token instead of freeing it. The second closed check covers a Close
// racing between the first check and the release.
func (c *Conn) Leave() {
	if c.closed.Load() && c.guard.CompareAndSwap(guardHeld, guardRetired) {
		c.teardown()
		return
	}
	c.guard.CompareAndSwap(guardHeld, guardFree)
	if c.closed.Load() && c.guard.CompareAndSwap(guardFree, guardRetired) {
		c.teardown()
	}
}

// Touch stamps the connection as active now.
func (c *Conn) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// IdleSince returns the last activity time.
func (c *Conn) IdleSince() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Read drains the socket into the input buffer: repeated scatter reads
// until the call would block. Interrupted reads are retried. The returned
// error is fatal to the connection; io.EOF reports an orderly peer close
// with nothing buffered.
func (c *Conn) Read() (int, error) {
	total := 0
	for {
		n, err := c.input.ReadFd(c.fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			if total == 0 {
				return -1, err
			}
			break
		}
		if n == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			break
		}
		total += n
	}
	return total, nil
}

// Process parses whatever is buffered and, once a full request is
// available, builds the response. It returns false when nothing is buffered,
// the request is still incomplete, or only malformed input was found; in all
// three cases no response bytes are queued. A malformed line is discarded and
// parsing resumes on the next one, so garbage does not wedge the connection.
func (c *Conn) Process() bool {
	for c.input.ReadableBytes() > 0 {
		done, err := c.parser.parse(c.input)
		if err != nil {
			c.log.Debug().Err(err).Str("peer", c.peer).Msg("request rejected")
			c.parser.reset()
			continue
		}
		if !done {
			return false
		}

		req := c.parser.req
		c.parser.reset()
		c.keepAlive = req.KeepAlive
		if c.body != nil {
			c.body(&req)
		}
		c.makeResponse(&req)
		return true
	}
	return false
}

// makeResponse resolves the request path under the root directory and
// assembles the header (and file mapping) into the scatter/gather segments.
func (c *Conn) makeResponse(req *Request) {
	// Any mapping from a previous exchange on this connection is done with.
	c.mapping.Close()
	c.mapping = nil

	// Clean confines the lookup to the root directory.
	target := filepath.Join(c.root, filepath.Clean("/"+req.Path))

	st, err := os.Stat(target)
	if err != nil || st.IsDir() {
		c.output.AppendString("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
		c.setSegments(nil)
		return
	}

	var m *Mapping
	if st.Size() > 0 {
		m, err = MapFile(target, st.Size())
		if err != nil {
			c.output.RetrieveAll()
			c.output.AppendString("HTTP/1.1 403 Forbidden\r\n\r\n")
			c.setSegments(nil)
			return
		}
	}

	c.output.AppendString("HTTP/1.1 200 OK\r\n")
	if c.keepAlive {
		c.output.AppendString("Connection: keep-alive\r\n")
	} else {
		c.output.AppendString("Connection: close\r\n")
	}
	c.output.AppendString("Content-Type: " + contentType(target) + "\r\n")
	if c.etags != nil && m != nil {
		c.output.AppendString("ETag: " + c.etags.Tag(target, st, m.Data()) + "\r\n")
	}
	c.output.AppendString("Content-Length: " + strconv.FormatInt(st.Size(), 10) + "\r\n\r\n")

	c.mapping = m
	c.setSegments(m.Data())
}

func (c *Conn) setSegments(file []byte) {
	c.segs[0] = c.output.Peek()
	c.segs[1] = file
	if len(file) > 0 {
		c.segCnt = 2
	} else {
		c.segCnt = 1
	}
}

// Write issues scatter/gather writes until both segments drain or the call
// would block. A partial count is subtracted from segment 0 first, then
// segment 1; the output-buffer bytes are marked consumed exactly once, when
// segment 0 empties. unix.EAGAIN is returned when blocked so the caller can
// re-arm for write interest; any other error is fatal.
func (c *Conn) Write() (int, error) {
	total := 0
	for c.ToWriteBytes() > 0 {
		n, err := unix.Writev(c.fd, c.iovecs())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return total, unix.EAGAIN
			}
			if total == 0 {
				return -1, err
			}
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		c.consume(n)
	}
	return total, nil
}

func (c *Conn) iovecs() [][]byte {
	iov := make([][]byte, 0, 2)
	for i := 0; i < c.segCnt; i++ {
		if len(c.segs[i]) > 0 {
			iov = append(iov, c.segs[i])
		}
	}
	return iov
}

// consume shrinks the segments after n bytes were written.
func (c *Conn) consume(n int) {
	if n > len(c.segs[0]) {
		rem := n - len(c.segs[0])
		if len(c.segs[0]) > 0 {
			c.segs[0] = nil
			c.output.RetrieveAll()
		}
		c.segs[1] = c.segs[1][rem:]
		return
	}
	c.segs[0] = c.segs[0][n:]
	c.output.Retrieve(n)
}

// Close marks the connection closed and retires the ownership token.
// Resources are released immediately when the token is free; when a task
// still holds it, teardown is handed off to that task's Leave so the holder
// never observes freed state. Idempotent.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.guard.CompareAndSwap(guardFree, guardRetired) {
		c.teardown()
	}
}

// teardown runs exactly once, on the side that wins the token retirement.
func (c *Conn) teardown() {
	c.mapping.Close()
	c.mapping = nil
	c.segs[0], c.segs[1] = nil, nil
	c.segCnt = 0
	unix.Close(c.fd)
	pools.ReleaseBuffer(c.input)
	pools.ReleaseBuffer(c.output)
	c.input, c.output = nil, nil
	if c.users != nil {
		c.users.Add(-1)
	}
}

// Closed reports whether Close ran.
func (c *Conn) Closed() bool { return c.closed.Load() }
