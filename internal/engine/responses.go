//go:build linux
// +build linux

package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xtaci/reverseproxy/internal/conn"
)

var errPoolExhausted = errors.New("connection pool exhausted")

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func unixClose(fd int) error {
	return unix.Close(fd)
}

const (
	body400 = "Bad Request\n"
	body413 = "Request Entity Too Large\n"
	body502 = "Bad Gateway\n"
	body503 = "Service Unavailable\n"
)

// errResponse renders a canned response: status line, a text/plain body,
// and the headers needed to frame it on a connection that's closing.
func errResponse(statusLine, body string) string {
	return fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		statusLine, len(body), body)
}

// Canned error responses, spec.md §7's "synthesized responses" — fixed
// byte strings rather than anything built through the forwarding path,
// since the connection that needs one may have no working peer at all.
var (
	status400 = errResponse("400 Bad Request", body400)
	status413 = errResponse("413 Request Entity Too Large", body413)
	status502 = errResponse("502 Bad Gateway", body502)
	status503 = errResponse("503 Service Unavailable", body503)

	// statusFallback is used when a canned response can't fit in the
	// client's write buffer at all (spec.md §9's decision: don't truncate a
	// status line, fall back to a bare close).
	statusFallback = "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\n\r\n"
)

// queueError writes a canned response into c's write buffer and arms it for
// a close-after-drain, per spec.md §4.7's error-response handling. If force
// is true the write buffer is reset first, discarding anything already
// queued (used when abandoning a request mid-stream).
func (e *Engine) queueError(c *conn.Conn, body string, force bool) {
	e.stats.IncErrors()

	if force {
		c.WriteBuf.Reset()
	}
	if c.WriteBuf.WritableLen() < len(body) {
		c.WriteBuf.Reset()
	}
	switch {
	case c.WriteBuf.WritableLen() >= len(body):
		c.WriteBuf.Append([]byte(body))
	case c.WriteBuf.WritableLen() >= len(statusFallback):
		c.WriteBuf.Append([]byte(statusFallback))
	default:
		e.closeConn(c)
		return
	}

	c.KeepAlive = false
	c.State = conn.WritingResponse
	e.recomputeInterest(c)
}
