//go:build linux
// +build linux

// Package engine implements the forwarding engine: the event dispatcher,
// per-event handlers (accept / readable / writable / connect-completion /
// error), the forward() primitive, and epoll interest-mask recomputation.
// This is the core of the proxy (spec.md §4.7) and the single busiest
// package in the module.
package engine

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/reverseproxy/internal/buffer"
	"github.com/xtaci/reverseproxy/internal/conn"
	"github.com/xtaci/reverseproxy/internal/httpparse"
	"github.com/xtaci/reverseproxy/internal/logging"
	"github.com/xtaci/reverseproxy/internal/netpoll"
	"github.com/xtaci/reverseproxy/internal/pool"
	"github.com/xtaci/reverseproxy/internal/sockopt"
	"github.com/xtaci/reverseproxy/internal/stats"
)

// Mode selects TCP byte-transparent forwarding or HTTP/1.x request-aware
// forwarding. Resolved once at construction and never changed: spec.md §9
// calls out the original C proxy's "tcp silently becomes http" bug and requires the
// selected mode stay authoritative for the engine's whole lifetime.
type Mode uint8

const (
	ModeTCP Mode = iota
	ModeHTTP
)

// Config bundles the tunable constants from spec.md §6.
type Config struct {
	Mode Mode

	MaxConnections     int
	MaxEventsPerWait   int
	BufferSize         int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxRequestsPerConn uint32
	MaxRequestSize     int64

	BackendIP   [4]byte
	BackendPort int
}

// listenToken is the distinguished token the listener fd is registered
// under, per spec.md §4.3 ("the listener is registered with a distinguished
// 'no-connection' token"). Valid ConnIDs are always >= 0, so -1 can never
// collide with one.
const listenToken int32 = -1

// Engine owns the poller, the connection pool, and all per-wakeup
// dispatch. It has no goroutines and no locks: every method here runs on
// the single event-loop thread.
type Engine struct {
	cfg    Config
	poller *netpoll.Poller
	pool   *pool.Pool[conn.Conn]
	log    logging.Logger
	stats  *stats.Stats

	listenFD   int
	listenPort int

	nextMaintenance time.Time
}

// ListenPort reports the listener's bound port, useful for logging when the
// configured port was 0 (OS-assigned, mainly exercised by tests).
func (e *Engine) ListenPort() int { return e.listenPort }

// New constructs an Engine bound to an already-listening, non-blocking
// listenFD. The caller (package proxy) owns creating the listener socket
// and the poller instance.
func New(cfg Config, poller *netpoll.Poller, listenFD int, log logging.Logger, st *stats.Stats) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		poller:   poller,
		pool:     pool.New[conn.Conn](cfg.MaxConnections),
		log:      log,
		stats:    st,
		listenFD: listenFD,
	}
	if err := e.poller.Register(listenFD, netpoll.Readable, listenToken); err != nil {
		return nil, err
	}
	if sa, err := unix.Getsockname(listenFD); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			e.listenPort = in4.Port
		}
	}
	return e, nil
}

// RunOnce waits for one batch of readiness events with the given timeout
// (milliseconds) and dispatches all of them. Returns the number of events
// processed. Package proxy's Run loop calls this repeatedly until shutdown.
func (e *Engine) RunOnce(timeoutMs int) (int, error) {
	events, err := e.poller.Wait(timeoutMs)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		e.dispatch(ev)
	}
	e.maintenance()
	return len(events), nil
}

func (e *Engine) dispatch(ev netpoll.Event) {
	if ev.Token == listenToken {
		e.handleAccept()
		return
	}

	id := pool.ConnID(ev.Token)
	if !e.pool.InUse(id) {
		// Stale event for an fd the engine already closed this wakeup
		// (e.g. the peer side of a pair closed earlier in the same batch).
		return
	}
	c := e.pool.Get(id)

	if ev.Flags.Has(netpoll.EventError) || ev.Flags.Has(netpoll.EventHangUp) {
		e.handleErrorOrHangup(c)
		return
	}

	c.LastActiveMs = nowMs()

	// Writable-before-readable within one wakeup (spec.md §5 "Ordering"):
	// draining outbound buffers first reduces memory pressure and can
	// unblock the peer's backpressure predicate before we decide whether
	// the peer's own readable processing should resume this iteration.
	if ev.Flags.Has(netpoll.EventWritable) {
		e.handleWritable(c)
		if c.State == conn.Closed {
			return
		}
	}

	if ev.Flags.Has(netpoll.EventReadable) || ev.Flags.Has(netpoll.EventPeerClosed) {
		e.handleReadable(c)
	}
}

// --- Accept -----------------------------------------------------------

func (e *Engine) handleAccept() {
	for {
		fd, err := sockopt.Accept(e.listenFD)
		if err != nil {
			break // EAGAIN or a hard accept error both just stop the loop
		}
		e.acceptOne(fd)
	}
}

func (e *Engine) acceptOne(fd int) {
	id, c, ok := e.pool.Alloc()
	if !ok {
		e.log.Warnf("pool exhausted, dropping accepted connection fd=%d", fd)
		closeFD(fd)
		return
	}
	c.Init(id, fd, conn.RoleClient, e.cfg.BufferSize)
	e.stats.IncTotalConnections()
	e.stats.SetActiveConnections(e.pool.ActiveConnections())

	if e.cfg.Mode == ModeHTTP {
		c.State = conn.ReadingRequest
		c.Request = httpparse.New()
		if err := e.poller.Register(fd, netpoll.Readable, int32(id)); err != nil {
			e.log.Warnf("register accepted client fd=%d: %v", fd, err)
			e.closeConn(c)
			return
		}
		return
	}

	// TCP mode: register the client, then dial the backend immediately and
	// pair the two sides before registering the backend with the poller.
	c.State = conn.Connected
	if err := e.poller.Register(fd, netpoll.Readable, int32(id)); err != nil {
		e.log.Warnf("register accepted client fd=%d: %v", fd, err)
		e.closeConn(c)
		return
	}

	bid, backend, err := e.dialBackend()
	if err != nil {
		e.log.Warnf("backend dial failed: %v", err)
		e.closeConn(c)
		return
	}
	conn.Pair(c, backend)
	interest := netpoll.Readable
	if backend.State == conn.Connecting {
		interest = netpoll.Writable
	}
	if err := e.poller.Register(backend.FD, interest, int32(bid)); err != nil {
		e.log.Warnf("register backend fd=%d: %v", backend.FD, err)
		e.closePair(c)
		return
	}
}

// dialBackend allocates a backend Conn and initiates a non-blocking connect.
func (e *Engine) dialBackend() (pool.ConnID, *conn.Conn, error) {
	fd, outcome, err := sockopt.Dial(e.cfg.BackendIP, e.cfg.BackendPort)
	if err != nil {
		return 0, nil, err
	}
	id, b, ok := e.pool.Alloc()
	if !ok {
		closeFD(fd)
		return 0, nil, errPoolExhausted
	}
	b.Init(id, fd, conn.RoleBackend, e.cfg.BufferSize)
	e.stats.IncTotalConnections()
	e.stats.SetActiveConnections(e.pool.ActiveConnections())
	if outcome == sockopt.DialConnected {
		b.State = conn.Connected
	} else {
		b.State = conn.Connecting
	}
	b.LastActiveMs = nowMs()
	return id, b, nil
}

// --- Readable -----------------------------------------------------------

func (e *Engine) handleReadable(c *conn.Conn) {
	for {
		outcome, n, err := c.ReadBuf.ReadFrom(c.FD)
		switch outcome {
		case buffer.OutcomeWouldBlock:
			e.recomputeInterest(c)
			return
		case buffer.OutcomeEOF:
			e.onPeerClosed(c)
			return
		case buffer.OutcomeError:
			e.log.Debugf("read error fd=%d: %v", c.FD, err)
			e.onConnError(c)
			return
		}

		_ = n
		if c.Role == conn.RoleClient && e.cfg.Mode == ModeHTTP {
			if !e.handleHTTPClientRead(c) {
				return // connection was closed or re-dispatched already
			}
			continue
		}

		if !e.forwardFromPeer(c) {
			return
		}
	}
}

// forwardFromPeer calls forward(c -> c.peer) if a peer exists, and reports
// whether the caller should keep looping on c's readable drain. Returns
// false if c was closed as a side effect (e.g. no peer in an unexpected
// state).
func (e *Engine) forwardFromPeer(c *conn.Conn) bool {
	if !c.HasPeer {
		return true
	}
	peer := e.pool.Get(c.Peer)
	n := e.forward(c, peer)
	if c.State == conn.Closed {
		return false
	}
	e.recomputeInterest(peer)
	if n == 0 && !c.ReadBuf.IsEmpty() {
		// peer's write buffer is full: stop draining c until it drains,
		// rather than spinning ReadFrom against a destination that can't
		// accept any more (and eventually overflowing c's own read buffer).
		e.recomputeInterest(c)
		return false
	}
	return true
}

// forward copies up to min(src.read_buf.readable, dst.write_buf.writable)
// bytes from src's read buffer into dst's write buffer, compacting dst
// first if needed. Implements spec.md §4.7 "Forward(src -> dst)".
func (e *Engine) forward(src, dst *conn.Conn) int {
	if dst.WriteBuf.WritableLen() == 0 {
		return 0
	}
	n := dst.WriteBuf.Append(src.ReadBuf.Readable())
	if n > 0 {
		src.ReadBuf.Advance(n)
		e.stats.AddBytesForwarded(n)
	}
	return n
}

// onPeerClosed handles a clean EOF on c's socket: close the pair in TCP
// mode and for an HTTP backend, or close just the client in HTTP mode.
func (e *Engine) onPeerClosed(c *conn.Conn) {
	if e.cfg.Mode == ModeTCP || c.Role == conn.RoleBackend {
		e.closePair(c)
		return
	}
	e.closeConn(c)
}

// onConnError handles a non-WouldBlock I/O error the same way as a clean
// peer close, except it also increments the error counter. Callers log the
// error only at Debug level, since peer-originated resets/broken pipes are
// expected noise (spec.md §7).
func (e *Engine) onConnError(c *conn.Conn) {
	e.stats.IncErrors()
	e.onPeerClosed(c)
}

// --- HTTP client specialization ------------------------------------------

// handleHTTPClientRead runs the streaming head parser against the client's
// accumulated read buffer and reacts to NeedMore/Complete/Invalid, per
// spec.md §4.7's "HTTP client specialization". Returns false if the caller
// should stop draining c this round (connection closed, or the backend
// dial/registration already happened and control moved elsewhere).
func (e *Engine) handleHTTPClientRead(c *conn.Conn) bool {
	if int64(c.ReadBuf.ReadableLen()) > e.cfg.MaxRequestSize {
		e.queueError(c, status413, false)
		return false
	}

	result := httpparse.Parse(c.ReadBuf.Readable(), c.Request)
	switch result {
	case httpparse.NeedMore:
		return true
	case httpparse.Invalid:
		e.queueError(c, status400, false)
		return false
	}

	if !c.Request.IsValid() {
		e.queueError(c, status400, false)
		return false
	}

	c.KeepAlive = c.Request.KeepAlive
	c.State = conn.RequestComplete

	bid, backend, err := e.dialBackend()
	if err != nil {
		if err == errPoolExhausted {
			e.queueError(c, status503, false)
		} else {
			e.queueError(c, status502, false)
		}
		return false
	}
	conn.Pair(c, backend)

	total := int(c.Request.TotalLength)
	if total > c.ReadBuf.ReadableLen() {
		total = c.ReadBuf.ReadableLen()
	}
	backend.WriteBuf.Append(c.ReadBuf.Readable()[:total])
	c.ReadBuf.Advance(total)

	c.State = conn.WritingResponse
	interest := netpoll.Writable
	if err := e.poller.Register(backend.FD, interest, int32(bid)); err != nil {
		e.log.Warnf("register backend fd=%d: %v", backend.FD, err)
		c.Unpair()
		backend.Unpair()
		e.closeConn(backend)
		e.queueError(c, status502, true)
		return false
	}
	e.recomputeInterest(c)
	return false
}

// --- Writable -----------------------------------------------------------

func (e *Engine) handleWritable(c *conn.Conn) {
	if c.State == conn.Connecting {
		e.handleConnectCompletion(c)
		return
	}

	for {
		outcome, _, err := c.WriteBuf.WriteTo(c.FD)
		switch outcome {
		case buffer.OutcomeWouldBlock:
			e.recomputeInterest(c)
			return
		case buffer.OutcomeError:
			e.log.Debugf("write error fd=%d: %v", c.FD, err)
			e.onConnError(c)
			return
		}
		if !c.WriteBuf.IsEmpty() {
			continue
		}
		break
	}

	// c's write buffer just drained (fully or partially); the peer may have
	// been holding off reading because c's write buffer was full, so its
	// wants_read predicate needs re-evaluating too.
	if c.HasPeer {
		e.recomputeInterest(e.pool.Get(c.Peer))
	}

	e.afterWriteDrained(c)
}

// afterWriteDrained applies the post-drain decisions from spec.md §4.7's
// "Writable handler": for an HTTP client, close or recycle the connection
// for keep-alive; otherwise just recompute interest.
func (e *Engine) afterWriteDrained(c *conn.Conn) {
	if e.cfg.Mode == ModeHTTP && c.Role == conn.RoleClient && c.State == conn.WritingResponse {
		if !c.KeepAlive || c.RequestsHandled+1 >= e.cfg.MaxRequestsPerConn {
			e.closeConn(c)
			return
		}
		c.ResetForKeepAlive()
		e.stats.IncKeepAliveReused()
		e.recomputeInterest(c)
		return
	}
	e.recomputeInterest(c)
}

// handleConnectCompletion resolves an in-progress connect() once the
// backend fd reports writable, per spec.md §4.5's Connecting transitions.
func (e *Engine) handleConnectCompletion(c *conn.Conn) {
	err := sockopt.SOError(c.FD)
	if err != nil {
		e.log.Debugf("backend connect failed fd=%d: %v", c.FD, err)
		if e.cfg.Mode == ModeHTTP && c.HasPeer {
			// Leave the client connected so its queued 502 can actually
			// drain to the socket; queueError arms it to close on its own
			// once written. Only the failed backend side closes here.
			client := e.pool.Get(c.Peer)
			c.Unpair()
			client.Unpair()
			e.closeConn(c)
			e.queueError(client, status502, true)
			return
		}
		e.closePair(c)
		return
	}
	c.State = conn.Connected
	if e.cfg.Mode == ModeTCP && c.HasPeer {
		// The client side may have accumulated bytes while we were
		// connecting; flush them now that the backend is writable.
		client := e.pool.Get(c.Peer)
		e.forward(client, c)
	}
	e.recomputeInterest(c)
	if c.HasPeer {
		e.recomputeInterest(e.pool.Get(c.Peer))
	}
}

// --- Error / hangup -------------------------------------------------------

func (e *Engine) handleErrorOrHangup(c *conn.Conn) {
	_ = sockopt.SOError(c.FD) // best-effort, for logging only
	e.stats.IncErrors()
	if e.cfg.Mode == ModeTCP || c.Role == conn.RoleBackend {
		e.closePair(c)
		return
	}
	e.closeConn(c)
}

// --- Interest recomputation -----------------------------------------------

// recomputeInterest applies spec.md §4.5's wants_read/wants_write
// predicates and calls Modify if the connection is still open. If neither
// predicate holds but the connection is alive, interest falls back to
// Readable-only so errors and remote close are still delivered.
func (e *Engine) recomputeInterest(c *conn.Conn) {
	if c.State == conn.Closed {
		return
	}

	peerWriteFull := false
	if c.HasPeer {
		peer := e.pool.Get(c.Peer)
		peerWriteFull = peer.WriteBuf.IsFull()
	}

	wantsRead := c.WantsRead(peerWriteFull)
	wantsWrite := c.WantsWrite()

	var interest netpoll.Interest
	switch {
	case wantsRead && wantsWrite:
		interest = netpoll.Readable | netpoll.Writable
	case wantsWrite:
		interest = netpoll.Writable
	case wantsRead:
		interest = netpoll.Readable
	default:
		interest = netpoll.Readable
	}

	if err := e.poller.Modify(c.FD, interest, int32(c.ID)); err != nil {
		e.log.Debugf("modify fd=%d: %v", c.FD, err)
	}
}

// --- Close semantics -------------------------------------------------------

// closeConn unregisters fd, closes it, breaks pairing on both sides, and
// returns the slot to the pool. Per spec.md §4.7, it must snapshot the peer
// reference before closing, since the first close unpairs.
func (e *Engine) closeConn(c *conn.Conn) {
	if c.State == conn.Closed {
		return
	}

	if c.HasPeer {
		peer := e.pool.Get(c.Peer)
		peer.Unpair()
		e.recomputeInterest(peer)
	}
	c.Unpair()

	_ = e.poller.Unregister(c.FD)
	closeFD(c.FD)
	c.State = conn.Closed

	if !e.pool.Free(c.ID) {
		e.log.Errorf("double free detected on slot %d (fatal invariant violation)", c.ID)
	}
	e.stats.SetActiveConnections(e.pool.ActiveConnections())
}

// closePair closes both sides of a pair. It snapshots the peer reference
// first since closing c unpairs it.
func (e *Engine) closePair(c *conn.Conn) {
	var peer *conn.Conn
	if c.HasPeer {
		peer = e.pool.Get(c.Peer)
	}
	e.closeConn(c)
	if peer != nil {
		e.closeConn(peer)
	}
}

// --- Periodic maintenance --------------------------------------------------

// maintenance runs at most once per second (driven by the 1000ms Wait
// timeout in package proxy), sweeping idle connections per spec.md §4.7.
func (e *Engine) maintenance() {
	now := time.Now()
	if now.Before(e.nextMaintenance) {
		return
	}
	e.nextMaintenance = now.Add(time.Second)

	nowMillis := nowMs()
	idleMs := e.cfg.IdleTimeout.Milliseconds()
	if idleMs <= 0 {
		return
	}

	var toClose []pool.ConnID
	for id := pool.ConnID(0); int(id) < e.pool.Capacity(); id++ {
		if !e.pool.InUse(id) {
			continue
		}
		c := e.pool.Get(id)
		if nowMillis-c.LastActiveMs > idleMs {
			toClose = append(toClose, id)
		}
	}
	for _, id := range toClose {
		if !e.pool.InUse(id) {
			continue // may have been closed already via its peer
		}
		c := e.pool.Get(id)
		if e.cfg.Mode == ModeTCP {
			e.closePair(c)
		} else {
			e.closeConn(c)
		}
	}
}

// Shutdown closes every non-Closed slot, for package proxy's Shutdown.
func (e *Engine) Shutdown() {
	for id := pool.ConnID(0); int(id) < e.pool.Capacity(); id++ {
		if e.pool.InUse(id) {
			e.closeConn(e.pool.Get(id))
		}
	}
}

func closeFD(fd int) {
	_ = unixClose(fd)
}
