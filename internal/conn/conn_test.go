package conn

import "testing"

func TestInitClearsStateAndAllocatesBuffers(t *testing.T) {
	var c Conn
	c.Init(3, 42, RoleClient, 256)

	if c.ID != 3 || c.FD != 42 || c.Role != RoleClient {
		t.Fatalf("Init did not set identity fields: %+v", c)
	}
	if c.State != Closed {
		t.Fatalf("State = %v, want Closed after Init", c.State)
	}
	if c.HasPeer {
		t.Fatalf("HasPeer should be false after Init")
	}
	if c.ReadBuf == nil || c.WriteBuf == nil {
		t.Fatalf("Init should allocate both buffers")
	}
	if c.ReadBuf.Cap() != 256 || c.WriteBuf.Cap() != 256 {
		t.Fatalf("buffers allocated with wrong capacity")
	}
}

func TestInitReusesExistingBuffers(t *testing.T) {
	var c Conn
	c.Init(1, 10, RoleClient, 64)
	rb, wb := c.ReadBuf, c.WriteBuf
	rb.Append([]byte("hello"))

	c.Init(2, 11, RoleBackend, 64)
	if c.ReadBuf != rb || c.WriteBuf != wb {
		t.Fatalf("Init should reuse the slot's existing buffers rather than reallocate")
	}
	if c.ReadBuf.ReadableLen() != 0 {
		t.Fatalf("Init should reset buffers, found %d readable bytes", c.ReadBuf.ReadableLen())
	}
}

func TestPairIsBidirectional(t *testing.T) {
	var a, b Conn
	a.Init(1, 1, RoleClient, 64)
	b.Init(2, 2, RoleBackend, 64)

	Pair(&a, &b)

	if !a.HasPeer || a.Peer != b.ID {
		t.Fatalf("a should be paired with b")
	}
	if !b.HasPeer || b.Peer != a.ID {
		t.Fatalf("b should be paired with a")
	}
}

func TestUnpairOnlyAffectsOneSide(t *testing.T) {
	var a, b Conn
	a.Init(1, 1, RoleClient, 64)
	b.Init(2, 2, RoleBackend, 64)
	Pair(&a, &b)

	a.Unpair()

	if a.HasPeer {
		t.Fatalf("a.Unpair() should clear a.HasPeer")
	}
	if !b.HasPeer {
		t.Fatalf("a.Unpair() must not affect b; caller is responsible for unpairing both sides")
	}
}

func TestResetForKeepAliveClearsBuffersAndReentersReadingRequest(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleClient, 64)
	c.State = WritingResponse
	c.ReadBuf.Append([]byte("leftover"))
	c.WriteBuf.Append([]byte("leftover"))
	c.RequestsHandled = 2

	c.ResetForKeepAlive()

	if c.State != ReadingRequest {
		t.Fatalf("State = %v, want ReadingRequest", c.State)
	}
	if c.ReadBuf.ReadableLen() != 0 || c.WriteBuf.ReadableLen() != 0 {
		t.Fatalf("ResetForKeepAlive should clear both buffers")
	}
	if c.RequestsHandled != 3 {
		t.Fatalf("RequestsHandled = %d, want 3", c.RequestsHandled)
	}
	if c.Request == nil || c.Request.HeadEndOffset != 0 {
		t.Fatalf("Request parser should be freshly reset")
	}
}

func TestWantsReadConnectedWithoutBackpressure(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleClient, 64)
	c.State = Connected
	c.HasPeer = true

	if !c.WantsRead(false) {
		t.Fatalf("Connected conn with a non-full peer write buffer should want to read")
	}
	if c.WantsRead(true) {
		t.Fatalf("Connected conn with a full peer write buffer should not want to read (backpressure)")
	}
}

func TestWantsReadClientAwaitingRequestWithNoPeerYet(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleClient, 64)
	c.State = ReadingRequest
	c.HasPeer = false

	if !c.WantsRead(false) {
		t.Fatalf("an unpaired client still reading its request head should want to read")
	}
}

func TestWantsReadClosedNeverWants(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleClient, 64)
	c.State = Closed

	if c.WantsRead(false) {
		t.Fatalf("a Closed conn must never want to read")
	}
}

func TestWantsWriteWhileConnecting(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleBackend, 64)
	c.State = Connecting

	if !c.WantsWrite() {
		t.Fatalf("a Connecting conn must want to write, to learn of connect completion")
	}
}

func TestWantsWriteReflectsPendingOutput(t *testing.T) {
	var c Conn
	c.Init(1, 1, RoleClient, 64)
	c.State = WritingResponse

	if c.WantsWrite() {
		t.Fatalf("an empty write buffer should not want to write")
	}
	c.WriteBuf.Append([]byte("data"))
	if !c.WantsWrite() {
		t.Fatalf("a non-empty write buffer should want to write")
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	states := []State{Closed, Connecting, Connected, ReadingRequest, RequestComplete, WritingResponse, Closing}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if str == "unknown" {
			t.Fatalf("State %d stringified as unknown", s)
		}
		if seen[str] {
			t.Fatalf("duplicate String() output %q", str)
		}
		seen[str] = true
	}
}
