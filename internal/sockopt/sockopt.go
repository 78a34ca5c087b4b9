//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

// Package sockopt creates and configures the non-blocking IPv4 TCP sockets
// the proxy uses for its listener, accepted clients, and backend dials.
// Every descriptor this package hands back is already non-blocking before
// any I/O is attempted on it, per the readiness registry's edge-triggered
// contract.
package sockopt

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ListenBacklog is the fixed backlog passed to listen(2).
const ListenBacklog = 511

// DialOutcome classifies the synchronous result of an async TCP connect.
type DialOutcome int

const (
	// DialConnected means the connect() completed synchronously (rare, but
	// possible for loopback dials).
	DialConnected DialOutcome = iota
	// DialConnecting means connect() is in progress (EINPROGRESS); the
	// caller must watch for writability and then read SO_ERROR.
	DialConnecting
	// DialFailed means connect() failed outright.
	DialFailed
)

// applyCommonOptions applies options in the fixed order the spec prescribes:
// SO_REUSEADDR, SO_REUSEPORT (best-effort), SO_KEEPALIVE, TCP_NODELAY.
func applyCommonOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errors.Wrap(err, "SO_REUSEADDR")
	}
	// SO_REUSEPORT is not available on every platform/kernel; failure here
	// is tolerated since it is an optional optimization, not a correctness
	// requirement.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, soReusePort, 1)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return errors.Wrap(err, "SO_KEEPALIVE")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return errors.Wrap(err, "TCP_NODELAY")
	}
	return nil
}

// NewListener creates, binds, and listens on an IPv4 TCP socket at
// host:port, applying socket options in the spec-mandated order and setting
// TCP_DEFER_ACCEPT where supported. The returned fd is non-blocking.
func NewListener(ip [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set listener non-blocking")
	}

	if err := applyCommonOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	applyDeferAccept(fd)

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// Accept accepts one pending connection from a non-blocking listener fd,
// returning the new fd already set non-blocking with the common socket
// options applied. unix.EAGAIN is returned unwrapped so callers can detect
// "no more connections pending" without string-matching.
func Accept(listenFd int) (int, error) {
	connFd, _, err := unix.Accept(listenFd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		unix.Close(connFd)
		return -1, errors.Wrap(err, "set accepted conn non-blocking")
	}
	if err := applyCommonOptions(connFd); err != nil {
		unix.Close(connFd)
		return -1, err
	}
	return connFd, nil
}

// Dial creates a non-blocking TCP socket and initiates an asynchronous
// connect to ip:port. A synchronous success is reported as DialConnected,
// EINPROGRESS as DialConnecting, any other error as DialFailed.
func Dial(ip [4]byte, port int) (fd int, outcome DialOutcome, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, DialFailed, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, DialFailed, errors.Wrap(err, "set dial non-blocking")
	}
	if err := applyCommonOptions(fd); err != nil {
		unix.Close(fd)
		return -1, DialFailed, err
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		return fd, DialConnected, nil
	case unix.EINPROGRESS:
		return fd, DialConnecting, nil
	default:
		unix.Close(fd)
		return -1, DialFailed, err
	}
}

// SOError reads and clears SO_ERROR on fd, the canonical way to learn
// whether an asynchronous connect succeeded once the fd reports writable.
func SOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// ParseIPv4 parses a dotted-quad IPv4 address into the 4-byte form the
// syscall sockaddr structs require.
func ParseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, errors.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, errors.Errorf("%q is not an IPv4 address", s)
	}
	copy(out[:], v4)
	return out, nil
}
