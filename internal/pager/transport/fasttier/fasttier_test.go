package fasttier

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

type fakeMemory struct {
	mu    sync.Mutex
	pages map[pageno.Number][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{pages: make(map[pageno.Number][]byte)} }

func (f *fakeMemory) ReadPage(p pageno.Number) ([]byte, error) {
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

func newFakeDirectory() *fakeDirectory { return &fakeDirectory{marked: make(map[pageno.Number]bool)} }

func (f *fakeDirectory) MarkLocal(p pageno.Number) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[p] = true
	return nil
}

func TestFastTierFetchRoundTrip(t *testing.T) {
	serverMem := newFakeMemory()
	server, err := New(Config{NodeID: 1}, serverMem, newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Close()

	client, err := New(Config{NodeID: 2}, newFakeMemory(), newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer client.Close()

	ep := server.LocalEndpoint()
	ep.Addr = server.Addr()
	if err := client.Connect(1, ep); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := bytes.Repeat([]byte{0x9}, pageno.Size)
	serverMem.WritePage(11, want) //nolint:errcheck

	got, _, err := client.Fetch(1, 11)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("fetched content mismatch")
	}
}

func TestFastTierPushApplies(t *testing.T) {
	serverMem := newFakeMemory()
	server, err := New(Config{NodeID: 1}, serverMem, newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := New(Config{NodeID: 2}, newFakeMemory(), newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ep := server.LocalEndpoint()
	ep.Addr = server.Addr()
	if err := client.Connect(1, ep); err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0x3}, pageno.Size)
	if _, err := client.Push(1, 2, payload); err != nil {
		t.Fatalf("push: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, _ := serverMem.ReadPage(2)
	if !bytes.Equal(got, payload) {
		t.Fatal("pushed content not applied on server")
	}
}

func TestFastTierFetchFromUnconnectedPeer(t *testing.T) {
	client, err := New(Config{NodeID: 3}, newFakeMemory(), newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, _, err = client.Fetch(42, 0)
	if !pagererr.IsKind(err, pagererr.PeerUnreachable) {
		t.Fatalf("got %v, want PeerUnreachable", err)
	}
}

func TestFastTierConnectIsIdempotent(t *testing.T) {
	server, err := New(Config{NodeID: 1}, newFakeMemory(), newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := New(Config{NodeID: 2}, newFakeMemory(), newFakeDirectory())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ep := server.LocalEndpoint()
	ep.Addr = server.Addr()
	if err := client.Connect(1, ep); err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(1, ep); err != nil {
		t.Fatalf("second connect should be a no-op, got %v", err)
	}
}
