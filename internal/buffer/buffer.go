//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

// Package buffer implements the fixed-capacity byte window used on both
// sides of every connection: an append-at-tail, drain-from-head span with
// lazy compaction, sized so a full socket drain almost never needs a memmove.
package buffer

import (
	"golang.org/x/sys/unix"
)

// compactThreshold is the writable-tail floor below which Append and ReadFrom
// compact a buffer with head > 0 before using the tail (ReadFrom reports
// ErrNoSpace if there is still no room afterwards).
const compactThreshold = 1024

// Outcome classifies the result of a socket-facing Buffer operation so
// callers can tell transient EAGAIN apart from EOF and hard errors without
// inspecting raw syscall return values themselves.
type Outcome int

const (
	// OutcomeBytes means n>0 bytes were moved; n is reported separately.
	OutcomeBytes Outcome = iota
	// OutcomeEOF means the peer performed an orderly shutdown (read() == 0).
	OutcomeEOF
	// OutcomeWouldBlock means the non-blocking socket had no more data/room.
	OutcomeWouldBlock
	// OutcomeError means a non-transient syscall error occurred.
	OutcomeError
)

// Buffer is a fixed-capacity byte window. The zero value is not usable;
// construct with New. Not safe for concurrent use — every Buffer is owned
// by exactly one Connection on the single event-loop thread.
type Buffer struct {
	data []byte
	head int
	tail int
}

// New allocates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Reset clears the buffer for reuse, avoiding a fresh allocation across
// keep-alive request cycles and pool alloc/free cycles alike.
func (b *Buffer) Reset() {
	b.head = 0
	b.tail = 0
}

// Cap reports the fixed capacity B.
func (b *Buffer) Cap() int { return len(b.data) }

// IsEmpty reports whether the readable span is empty.
func (b *Buffer) IsEmpty() bool { return b.head == b.tail }

// IsFull reports whether the writable tail is exhausted.
func (b *Buffer) IsFull() bool { return b.tail == len(b.data) }

// ReadableLen returns the number of bytes available to drain.
func (b *Buffer) ReadableLen() int { return b.tail - b.head }

// WritableLen returns the number of bytes of tail space left to append into.
func (b *Buffer) WritableLen() int { return len(b.data) - b.tail }

// Readable returns the current readable span [head, tail). The slice aliases
// the Buffer's backing array and is only valid until the next mutation.
func (b *Buffer) Readable() []byte { return b.data[b.head:b.tail] }

// Bytes is an alias of Readable kept for call sites that read more naturally
// asking for "the bytes in the buffer" than "the readable span".
func (b *Buffer) Bytes() []byte { return b.Readable() }

// Compact shifts the readable span down to offset 0, reclaiming head space.
// No-op if head is already 0.
func (b *Buffer) Compact() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:b.tail])
	b.head = 0
	b.tail = n
}

// Advance moves head forward by n bytes after a caller has consumed them
// from Readable() directly (e.g. the HTTP parser skipping a parsed head).
// If the buffer becomes empty, both cursors reset to 0, mirroring the
// full-drain reset that WriteTo performs.
func (b *Buffer) Advance(n int) {
	b.head += n
	if b.head > b.tail {
		b.head = b.tail
	}
	if b.head == b.tail {
		b.head, b.tail = 0, 0
	}
}

// Append copies p into the writable tail, compacting first if head > 0 and
// writable space is low. Returns the number of bytes copied, which may be
// less than len(p) if the buffer fills; the caller must check.
func (b *Buffer) Append(p []byte) int {
	if b.WritableLen() < compactThreshold && b.head > 0 {
		b.Compact()
	}
	n := copy(b.data[b.tail:], p)
	b.tail += n
	return n
}

// ErrNoSpace is returned by ReadFrom when the writable tail is zero and the
// caller has not compacted or applied backpressure first.
var ErrNoSpace = errNoSpace{}

type errNoSpace struct{}

func (errNoSpace) Error() string { return "buffer: no writable space" }

// ReadFrom fills the writable tail from a non-blocking socket fd. It never
// loops internally — callers drive the edge-triggered drain loop and call
// ReadFrom repeatedly until OutcomeWouldBlock, per the edge-triggered
// contract in the readiness registry.
func (b *Buffer) ReadFrom(fd int) (Outcome, int, error) {
	if b.WritableLen() < compactThreshold && b.head > 0 {
		b.Compact()
	}
	if b.WritableLen() == 0 {
		return OutcomeError, 0, ErrNoSpace
	}

	n, err := unix.Read(fd, b.data[b.tail:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return OutcomeWouldBlock, 0, nil
		}
		return OutcomeError, 0, err
	}
	if n == 0 {
		return OutcomeEOF, 0, nil
	}
	b.tail += n
	return OutcomeBytes, n, nil
}

// WriteTo drains the readable span to a non-blocking socket fd. On a full
// drain both cursors reset to 0 — the primary space-reclamation path, since
// under edge-triggered readiness most writes drain completely. A partial
// write only advances head.
func (b *Buffer) WriteTo(fd int) (Outcome, int, error) {
	if b.IsEmpty() {
		return OutcomeBytes, 0, nil
	}

	n, err := unix.Write(fd, b.data[b.head:b.tail])
	if n > 0 {
		b.head += n
		if b.head == b.tail {
			b.head, b.tail = 0, 0
		}
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return OutcomeWouldBlock, n, nil
		}
		return OutcomeError, n, err
	}
	return OutcomeBytes, n, nil
}
