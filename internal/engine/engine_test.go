//go:build linux
// +build linux

package engine

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/reverseproxy/internal/logging"
	"github.com/xtaci/reverseproxy/internal/netpoll"
	"github.com/xtaci/reverseproxy/internal/sockopt"
	"github.com/xtaci/reverseproxy/internal/stats"
)

// boundPort reads back the ephemeral port the kernel assigned a
// listener/dial socket created with port 0.
func boundPort(t *testing.T, fd int) int {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}
	return addr.Port
}

func newTestEngine(t *testing.T, mode Mode, backendPort int) (*Engine, *netpoll.Poller) {
	t.Helper()
	loopback := [4]byte{127, 0, 0, 1}

	listenFD, err := sockopt.NewListener(loopback, 0)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { unix.Close(listenFD) })

	poller, err := netpoll.New(64)
	if err != nil {
		t.Fatalf("netpoll.New: %v", err)
	}
	t.Cleanup(func() { poller.Close() })

	cfg := Config{
		Mode:               mode,
		MaxConnections:      64,
		MaxEventsPerWait:    64,
		BufferSize:          4096,
		ConnectTimeout:      time.Second,
		IdleTimeout:         time.Minute,
		MaxRequestsPerConn:  100,
		MaxRequestSize:      1 << 20,
		BackendIP:           loopback,
		BackendPort:         backendPort,
	}

	e, err := New(cfg, poller, listenFD, logging.Nop{}, stats.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.listenPort = boundPort(t, listenFD)
	return e, poller
}

// pump drives RunOnce in a loop until deadline, giving the engine a chance
// to process readiness events produced by the test's real sockets.
func pump(e *Engine, deadline time.Time) {
	for time.Now().Before(deadline) {
		e.RunOnce(10)
	}
}

func startEchoBackend(t *testing.T) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

func startHTTPBackend(t *testing.T, body string) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					req, err := readRequestLineAndHeaders(r)
					if err != nil {
						return
					}
					_ = req
					resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
					if _, err := c.Write([]byte(resp)); err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

// readRequestLineAndHeaders drains one HTTP/1.x request head from r,
// enough for the stub backend to know where the next request begins.
func readRequestLineAndHeaders(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if h == "\r\n" {
			break
		}
	}
	return line, nil
}

func TestTCPModeForwardsBothDirections(t *testing.T) {
	backendPort, stopBackend := startEchoBackend(t)
	defer stopBackend()

	e, _ := newTestEngine(t, ModeTCP, backendPort)
	defer e.Shutdown()

	client, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", e.listenPort))
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	go pump(e, deadline)

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("echoed = %q, want %q", buf[:n], "ping")
	}
}

func TestHTTPModeKeepAliveReusesConnection(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	e, _ := newTestEngine(t, ModeHTTP, backendPort)
	defer e.Shutdown()

	client, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", e.listenPort))
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(3 * time.Second)
	go pump(e, deadline)

	reader := bufio.NewReader(client)
	for i := 0; i < 2; i++ {
		if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatalf("request %d write: %v", i, err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		status, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("request %d read status line: %v", i, err)
		}
		if status != "HTTP/1.1 200 OK\r\n" {
			t.Fatalf("request %d status = %q", i, status)
		}
		for {
			h, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("request %d read headers: %v", i, err)
			}
			if h == "\r\n" {
				break
			}
		}
		body := make([]byte, len("hello"))
		if _, err := readFull(reader, body); err != nil {
			t.Fatalf("request %d read body: %v", i, err)
		}
		if string(body) != "hello" {
			t.Fatalf("request %d body = %q, want hello", i, body)
		}
	}
}

// newTestEngineWithConfig is like newTestEngine but lets a test override the
// tunables that matter to it (pool capacity, idle timeout) instead of always
// taking the defaults.
func newTestEngineWithConfig(t *testing.T, mode Mode, backendPort, maxConnections int, idleTimeout time.Duration) (*Engine, *netpoll.Poller) {
	t.Helper()
	loopback := [4]byte{127, 0, 0, 1}

	listenFD, err := sockopt.NewListener(loopback, 0)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { unix.Close(listenFD) })

	poller, err := netpoll.New(64)
	if err != nil {
		t.Fatalf("netpoll.New: %v", err)
	}
	t.Cleanup(func() { poller.Close() })

	cfg := Config{
		Mode:               mode,
		MaxConnections:     maxConnections,
		MaxEventsPerWait:   64,
		BufferSize:         4096,
		ConnectTimeout:     time.Second,
		IdleTimeout:        idleTimeout,
		MaxRequestsPerConn: 100,
		MaxRequestSize:     1 << 20,
		BackendIP:          loopback,
		BackendPort:        backendPort,
	}

	e, err := New(cfg, poller, listenFD, logging.Nop{}, stats.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.listenPort = boundPort(t, listenFD)
	return e, poller
}

func dialListener(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", e.listenPort))
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	return c
}

func TestMalformedRequestGets400(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	e, _ := newTestEngine(t, ModeHTTP, backendPort)
	defer e.Shutdown()

	client := dialListener(t, e)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	go pump(e, deadline)

	if _, err := client.Write([]byte("GET / HTTP/9.9\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("status = %q, want 400", status)
	}
}

func TestOversizeRequestGets413(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	e, _ := newTestEngineWithConfig(t, ModeHTTP, backendPort, 64, time.Minute)
	e.cfg.MaxRequestSize = 16
	defer e.Shutdown()

	client := dialListener(t, e)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	go pump(e, deadline)

	if _, err := client.Write([]byte("GET /way-too-long-a-path-for-the-limit HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 413 Request Entity Too Large\r\n" {
		t.Fatalf("status = %q, want 413", status)
	}
}

func TestBackendDownGets502(t *testing.T) {
	// A port nothing is listening on: dial will fail outright.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e, _ := newTestEngine(t, ModeHTTP, deadPort)
	defer e.Shutdown()

	client := dialListener(t, e)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	go pump(e, deadline)

	if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 502 Bad Gateway\r\n" {
		t.Fatalf("status = %q, want 502", status)
	}
}

func TestPoolExhaustionGets503(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	// Two pool slots total. One is consumed by an idle ballast client that
	// never sends a request, leaving no slot free for the backend Conn the
	// second client's request needs to allocate.
	e, _ := newTestEngineWithConfig(t, ModeHTTP, backendPort, 2, time.Minute)
	defer e.Shutdown()

	ballast := dialListener(t, e)
	defer ballast.Close()

	client := dialListener(t, e)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	go pump(e, deadline)
	time.Sleep(50 * time.Millisecond) // let both accepts land first

	if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 503 Service Unavailable\r\n" {
		t.Fatalf("status = %q, want 503", status)
	}
}

func TestIdleConnectionIsSweptAfterTimeout(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	e, _ := newTestEngineWithConfig(t, ModeHTTP, backendPort, 64, 50*time.Millisecond)
	defer e.Shutdown()

	client := dialListener(t, e)
	defer client.Close()

	// maintenance() only runs at most once per second, so the sweep needs
	// more than one second of pumping even though the idle threshold is 50ms.
	deadline := time.Now().Add(2500 * time.Millisecond)
	pump(e, deadline)

	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	if err == nil {
		t.Fatalf("expected idle-swept connection to be closed")
	}
}

func TestMaxConnectionsBoundary(t *testing.T) {
	backendPort, stopBackend := startHTTPBackend(t, "hello")
	defer stopBackend()

	e, _ := newTestEngineWithConfig(t, ModeHTTP, backendPort, 2, time.Minute)
	defer e.Shutdown()

	c1 := dialListener(t, e)
	defer c1.Close()
	c2 := dialListener(t, e)
	defer c2.Close()

	deadline := time.Now().Add(300 * time.Millisecond)
	pump(e, deadline)

	// Both slots are taken; a third accepted connection must be dropped.
	c3 := dialListener(t, e)
	defer c3.Close()

	deadline = time.Now().Add(300 * time.Millisecond)
	pump(e, deadline)

	c3.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := c3.Read(buf); err == nil {
		t.Fatalf("expected the over-capacity connection to be closed")
	}

	// The first two connections must be unaffected: still open, just idle.
	c1.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := c1.Read(buf); err == nil {
		t.Fatalf("c1 unexpectedly received data")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("c1 read error = %v, want a timeout (connection should still be open)", err)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
