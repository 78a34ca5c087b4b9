// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package conn defines the per-socket Connection record and its state
// machine. Connections live inside the fixed-capacity pool (package pool)
// and are mutated only by handlers running on the single event-loop thread.
package conn

import (
	"github.com/xtaci/reverseproxy/internal/buffer"
	"github.com/xtaci/reverseproxy/internal/httpparse"
	"github.com/xtaci/reverseproxy/internal/pool"
)

// Role distinguishes the small number of behaviors that differ between the
// client side and the backend side of a pair: HTTP parsing and
// error-response emission only ever happen on the client. Modeled as a tag
// plus dispatch, per spec.md §9 ("Role polymorphism"), not as separate
// interface implementations.
type Role uint8

const (
	RoleClient Role = iota
	RoleBackend
)

// State enumerates the Connection lifecycle from spec.md §4.5.
type State uint8

const (
	Closed State = iota
	Connecting
	Connected
	ReadingRequest   // HTTP client only
	RequestComplete  // HTTP client only
	WritingResponse  // HTTP client only
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReadingRequest:
		return "reading-request"
	case RequestComplete:
		return "request-complete"
	case WritingResponse:
		return "writing-response"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is one per-socket record: descriptor, role, state, paired-peer link,
// the two Buffers, activity tracking, and the HTTP-mode-only fields.
type Conn struct {
	ID   pool.ConnID
	FD   int
	Role Role

	State State
	Peer  pool.ConnID
	HasPeer bool

	ReadBuf  *buffer.Buffer
	WriteBuf *buffer.Buffer

	LastActiveMs int64

	// HTTP-only fields. Zero/empty when the engine runs in TCP mode.
	Request         *httpparse.Request
	KeepAlive       bool
	RequestsHandled uint32
}

// Init (re)initializes a freshly allocated slot. bufSize is the fixed
// Buffer capacity (BUFFER_SIZE). Called by pool.Alloc's caller, not by the
// pool itself, since only the engine knows the fd/role at alloc time.
func (c *Conn) Init(id pool.ConnID, fd int, role Role, bufSize int) {
	c.ID = id
	c.FD = fd
	c.Role = role
	c.State = Closed
	c.HasPeer = false
	if c.ReadBuf == nil {
		c.ReadBuf = buffer.New(bufSize)
	} else {
		c.ReadBuf.Reset()
	}
	if c.WriteBuf == nil {
		c.WriteBuf = buffer.New(bufSize)
	} else {
		c.WriteBuf.Reset()
	}
	c.Request = nil
	c.KeepAlive = false
	c.RequestsHandled = 0
}

// Pair bidirectionally links c and other: c.Peer = other, other.Peer = c.
func Pair(c, other *Conn) {
	c.Peer, c.HasPeer = other.ID, true
	other.Peer, other.HasPeer = c.ID, true
}

// Unpair breaks the link from c's side only; the caller is responsible for
// also unpairing the peer (close_connection does this after snapshotting
// the peer id, per spec.md §9).
func (c *Conn) Unpair() {
	c.HasPeer = false
}

// ResetForKeepAlive clears both buffers and re-initializes the HTTP parser
// for request re-entry (WritingResponse -> ReadingRequest), per spec.md
// §4.5's keep-alive transition row.
func (c *Conn) ResetForKeepAlive() {
	c.ReadBuf.Reset()
	c.WriteBuf.Reset()
	if c.Request == nil {
		c.Request = httpparse.New()
	} else {
		c.Request.Reset()
	}
	c.State = ReadingRequest
	c.RequestsHandled++
}

// WantsRead implements spec.md §4.5's wants_read predicate. peerWriteFull
// reports whether the paired connection's write buffer is currently full;
// it's supplied by the caller (the engine), which is the only place that
// can see both sides of a pair at once.
func (c *Conn) WantsRead(peerWriteFull bool) bool {
	switch c.State {
	case Connected, ReadingRequest:
		// An HTTP client awaiting its request head with no peer yet is
		// still allowed to read (it hasn't been paired with a backend).
		if !c.HasPeer {
			return c.Role == RoleClient && c.State == ReadingRequest
		}
		return !peerWriteFull
	default:
		return false
	}
}

// WantsWrite implements spec.md §4.5's wants_write predicate.
func (c *Conn) WantsWrite() bool {
	if c.State == Connecting {
		return true
	}
	return !c.WriteBuf.IsEmpty()
}
