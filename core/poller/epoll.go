//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// Epoller owns one epoll instance and a fixed-capacity event array reused
// across Wait calls.
type Epoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  int
}

// NewEpoller creates an epoll instance sized to report at most maxEvents
// ready descriptors per Wait. maxEvents <= 0 selects DefaultMaxEvents.
func NewEpoller(maxEvents int) (*Epoller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toEpollEvents(ev Event) uint32 {
	// Peer-shutdown detection is always requested.
	out := uint32(unix.EPOLLRDHUP)
	if ev&Read != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Write != 0 {
		out |= unix.EPOLLOUT
	}
	if ev&EdgeTriggered != 0 {
		out |= unix.EPOLLET
	}
	if ev&OneShot != 0 {
		out |= unix.EPOLLONESHOT
	}
	return out
}

func fromEpollEvents(ev uint32) Event {
	var out Event
	if ev&unix.EPOLLIN != 0 {
		out |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= Write
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		out |= Hangup
	}
	return out
}

// Add registers fd with the given interest mask.
func (p *Epoller) Add(fd int, ev Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

// Mod replaces the interest mask of a registered fd. This is the re-arm
// path for oneshot registrations.
func (p *Epoller) Mod(fd int, ev Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

// Del removes fd from the interest list.
func (p *Epoller) Del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout elapses, and returns the ready count. timeoutMs < 0 blocks
// indefinitely. Interrupted waits are retried.
func (p *Epoller) Wait(timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.ready = 0
			return 0, err
		}
		p.ready = n
		return n, nil
	}
}

// EventFd returns the descriptor of the i-th ready event from the most
// recent Wait. Indices beyond the last ready count are undefined.
func (p *Epoller) EventFd(i int) int { return int(p.events[i].Fd) }

// Events returns the readiness mask of the i-th ready event.
func (p *Epoller) Events(i int) Event { return fromEpollEvents(p.events[i].Events) }

// Close releases the epoll descriptor.
func (p *Epoller) Close() error { return unix.Close(p.epfd) }
