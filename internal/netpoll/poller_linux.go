//go:build linux
// +build linux

// Package netpoll wraps epoll as the edge-triggered readiness registry the
// forwarding engine drives: register/modify/unregister an fd's interest set,
// and wait for a batch of ready events carrying back an opaque token.
//
// Grounded on the teacher pack's epoll-based reactors — the polling loop
// shape mirrors other_examples' rcproxy eventloop and evio pollers, both of
// which layer a small token/attachment abstraction over raw
// EpollCtl/EpollWait the same way this package does.
package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interest is a subset of {Readable, Writable} a registration cares about.
// Error and peer-hangup conditions are always delivered regardless of
// Interest.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// EventFlags reports which conditions fired for one ready fd.
type EventFlags uint8

const (
	EventReadable EventFlags = 1 << iota
	EventWritable
	EventPeerClosed
	EventHangUp
	EventError
)

func (f EventFlags) Has(flag EventFlags) bool { return f&flag != 0 }

// Event is one readiness notification: the token the registration was made
// with, and the flags that fired.
type Event struct {
	Token int32
	Flags EventFlags
}

// Poller is an edge-triggered readiness registry backed by epoll.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates an epoll instance sized to deliver up to maxEvents per Wait.
func New(maxEvents int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Close releases the epoll instance. Idempotent in the sense that a second
// call simply reports the close(2) error from an already-closed fd; callers
// only call it once, from Proxy.Run after the loop exits (or from proxy.New
// when engine construction fails).
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func interestToEvents(i Interest) uint32 {
	var ev uint32 = unix.EPOLLET | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the epoll set with the given interest and token.
func (p *Poller) Register(fd int, interest Interest, token int32) error {
	ev := &unix.EpollEvent{Events: interestToEvents(interest), Fd: token}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(ADD, fd=%d)", fd)
	}
	return nil
}

// Modify replaces fd's interest set. Must be called every time wants_read /
// wants_write changes, or the edge-triggered contract silently stops
// delivering events the caller still thinks it's subscribed to.
func (p *Poller) Modify(fd int, interest Interest, token int32) error {
	ev := &unix.EpollEvent{Events: interestToEvents(interest), Fd: token}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(MOD, fd=%d)", fd)
	}
	return nil
}

// Unregister removes fd from the epoll set. Tolerant of fds that are
// already closed or unregistered: ENOENT and EBADF are swallowed since the
// caller is very often racing its own close_connection against a fd the
// kernel has already torn down.
func (p *Poller) Unregister(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrapf(err, "epoll_ctl(DEL, fd=%d)", fd)
	}
	return nil
}

// Wait blocks up to timeoutMs for ready events, returning up to maxEvents of
// them. A timeout with no ready fds returns a nil/empty slice, not an error.
// Interruption by signal (EINTR) is retried internally rather than surfaced
// as an error, matching the spec's "interruption by signal is not an error".
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, errors.Wrap(err, "epoll_wait")
		}
		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			e := p.events[i]
			var flags EventFlags
			if e.Events&unix.EPOLLIN != 0 {
				flags |= EventReadable
			}
			if e.Events&unix.EPOLLOUT != 0 {
				flags |= EventWritable
			}
			if e.Events&unix.EPOLLRDHUP != 0 {
				flags |= EventPeerClosed
			}
			if e.Events&unix.EPOLLHUP != 0 {
				flags |= EventHangUp
			}
			if e.Events&unix.EPOLLERR != 0 {
				flags |= EventError
			}
			out = append(out, Event{Token: e.Fd, Flags: flags})
		}
		return out, nil
	}
}
