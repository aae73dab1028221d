package stdtier

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
)

type fakeMemory struct {
	mu    sync.Mutex
	pages map[pageno.Number][]byte
	// stall, when non-nil, holds every ReadPage until it is closed.
	stall chan struct{}
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pages: make(map[pageno.Number][]byte)}
}

func (f *fakeMemory) ReadPage(p pageno.Number) ([]byte, error) {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall != nil {
		<-stall
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.pages[p]; ok {
		return b, nil
	}
	return make([]byte, pageno.Size), nil
}

func (f *fakeMemory) WritePage(p pageno.Number, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.pages[p] = cp
	return nil
}

type fakeDirectory struct {
	mu     sync.Mutex
	marked map[pageno.Number]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{marked: make(map[pageno.Number]bool)}
}

func (f *fakeDirectory) MarkLocal(p pageno.Number) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[p] = true
	return nil
}

func newPair(t *testing.T) (server *Transport, client *Transport, serverMem *fakeMemory) {
	t.Helper()

	serverMem = newFakeMemory()
	serverDir := newFakeDirectory()
	server = New(Config{NodeID: 1, PortRangeLow: 0, PortRangeHigh: 0}, serverMem, serverDir, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}

	clientMem := newFakeMemory()
	clientDir := newFakeDirectory()
	client = New(Config{NodeID: 2, PortRangeLow: 0, PortRangeHigh: 0}, clientMem, clientDir, nil)
	if err := client.Start(); err != nil {
		t.Fatalf("client start: %v", err)
	}

	ep := transportEndpoint(server)
	if err := client.Connect(1, ep); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return server, client, serverMem
}

func transportEndpoint(t *Transport) transport.Endpoint {
	le := t.LocalEndpoint()
	le.Addr = t.Addr()
	return le
}

func TestFetchRoundTrip(t *testing.T) {
	server, client, serverMem := newPair(t)
	defer server.Close()
	defer client.Close()

	want := bytes.Repeat([]byte{0x42}, pageno.Size)
	serverMem.WritePage(5, want) //nolint:errcheck

	got, _, err := client.Fetch(1, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("fetched page content mismatch")
	}
}

func TestPushAppliesAndMarksLocal(t *testing.T) {
	server, client, serverMem := newPair(t)
	defer server.Close()
	defer client.Close()

	payload := bytes.Repeat([]byte{0x7}, pageno.Size)
	if _, err := client.Push(1, 9, payload); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := serverMem.ReadPage(9)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("pushed page not applied on server")
	}

	serverDir := server.dir.(*fakeDirectory)
	serverDir.mu.Lock()
	marked := serverDir.marked[9]
	serverDir.mu.Unlock()
	if !marked {
		t.Fatal("pushed page not marked Local on server")
	}
}

func TestFetchFromUnconnectedPeerIsPeerUnreachable(t *testing.T) {
	mem := newFakeMemory()
	dir := newFakeDirectory()
	client := New(Config{NodeID: 3, PortRangeLow: 0, PortRangeHigh: 0}, mem, dir, nil)
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, _, err := client.Fetch(99, 0)
	if !pagererr.IsKind(err, pagererr.PeerUnreachable) {
		t.Fatalf("got %v, want PeerUnreachable", err)
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	server, client, serverMem := newPair(t)
	defer server.Close()

	// Hold the server's reply so the fetch is still outstanding at Close.
	stall := make(chan struct{})
	serverMem.mu.Lock()
	serverMem.stall = stall
	serverMem.mu.Unlock()
	defer close(stall)

	done := make(chan error, 1)
	go func() {
		_, _, err := client.Fetch(1, 123456)
		done <- err
	}()

	// Give the request a moment to register before tearing the client down.
	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after close, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after close")
	}
}

func TestReconnectNotifierFiresAfterRepeatedFailures(t *testing.T) {
	serverMem := newFakeMemory()
	serverDir := newFakeDirectory()
	server := New(Config{NodeID: 1, PortRangeLow: 0, PortRangeHigh: 0}, serverMem, serverDir, nil)
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}

	var staleCalls int
	var mu sync.Mutex
	notify := func(peerID uint32) {
		mu.Lock()
		staleCalls++
		mu.Unlock()
	}

	clientMem := newFakeMemory()
	clientDir := newFakeDirectory()
	client := New(Config{NodeID: 2, PortRangeLow: 0, PortRangeHigh: 0, MaxReconnectFailures: 1}, clientMem, clientDir, notify)
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ep := transportEndpoint(server)
	if err := client.Connect(1, ep); err != nil {
		t.Fatal(err)
	}

	server.Close()

	// Force the client to notice the broken connection.
	client.Fetch(1, 0) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := staleCalls
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reconnect notifier never fired")
}
