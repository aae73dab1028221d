package coordclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
)

func TestRegisterEndpoint(t *testing.T) {
	var gotBody endpointDTO
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes/1/endpoint" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, NodeID: 1})
	err := c.RegisterEndpoint(context.Background(), transport.Endpoint{NodeID: 1, Kind: "standard", Addr: "10.0.0.1:9000"})
	if err != nil {
		t.Fatal(err)
	}
	if gotBody.TransportType != "standard" || gotBody.TCPAddr != "10.0.0.1" || gotBody.TCPPort != 9000 {
		t.Fatalf("got %+v", gotBody)
	}
}

func TestResolveEndpointNotRegisteredYet(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(endpointDTO{TransportType: "standard", TCPAddr: "10.0.0.2", TCPPort: 9000}) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, NodeID: 1, RetryInitialDelay: time.Millisecond, RetryMaxAttempts: 5})
	ep, err := c.ResolveEndpoint(context.Background(), 2)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if ep.Addr != "10.0.0.2:9000" {
		t.Fatalf("got %+v", ep)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestResolveEndpointExhaustsRetriesWithCoordinatorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, NodeID: 1, RetryInitialDelay: time.Millisecond, RetryMaxAttempts: 2})
	_, err := c.ResolveEndpoint(context.Background(), 2)
	if !pagererr.IsKind(err, pagererr.CoordinatorUnreachable) {
		t.Fatalf("got %v, want CoordinatorUnreachable", err)
	}
}

func TestResolveEndpointUsesCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]endpointDTO{ //nolint:errcheck
			"3": {TransportType: "fast", TCPAddr: "10.0.0.3", TCPPort: 9001},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.RefreshAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	ep, err := c.ResolveEndpoint(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Addr != "10.0.0.3:9001" {
		t.Fatalf("got %+v", ep)
	}
	if calls != 1 {
		t.Fatalf("expected resolve to be served from cache, got %d calls", calls)
	}
}

// TestEndpointDTOMatchesLiteralWireSchema proves the DTO round-trips
// against the exact field names spec §6.2 documents, including the
// RDMA fields this implementation never populates, rather than just
// against its own Go types.
func TestEndpointDTOMatchesLiteralWireSchema(t *testing.T) {
	const wire = `{
		"transport_type": "standard",
		"tcp_addr": "10.0.0.9",
		"tcp_port": 9500,
		"rdma_qpn": 42,
		"rdma_lid": 7,
		"rdma_gid": "fe80::1",
		"rdma_psn": 99
	}`
	var dto endpointDTO
	if err := json.Unmarshal([]byte(wire), &dto); err != nil {
		t.Fatalf("decode literal wire schema: %v", err)
	}
	ep := dtoToEndpoint(9, dto)
	if ep.Kind != "standard" || ep.Addr != "10.0.0.9:9500" || ep.NodeID != 9 {
		t.Fatalf("got %+v", ep)
	}

	out, err := endpointToDTO(transport.Endpoint{NodeID: 9, Kind: "standard", Addr: "10.0.0.9:9500"})
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	var roundtrip map[string]interface{}
	if err := json.Unmarshal(encoded, &roundtrip); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"transport_type", "tcp_addr", "tcp_port"} {
		if _, ok := roundtrip[field]; !ok {
			t.Fatalf("encoded endpoint missing literal field %q: %s", field, encoded)
		}
	}
	if _, ok := roundtrip["node_id"]; ok {
		t.Fatalf("encoded endpoint must not carry node_id in the body: %s", encoded)
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if !c.Healthy(context.Background()) {
		t.Fatal("expected healthy coordinator")
	}
}
