// Package transport implements the peer-to-peer channel that carries
// page requests and page data (spec §4.3). The Transport capability is
// uniform across tiers; the resolver never branches on tier (spec §9
// "Pluggable transport tiers").
package transport

import (
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
)

// Tier reports the observed performance class of a transport
// implementation, informational only (spec §4.3).
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierBasic    Tier = "basic"
)

// Endpoint is the opaque address a peer is reachable at (spec §3).
type Endpoint struct {
	NodeID uint32
	Kind   string // "standard" | "fast"
	Addr   string // host:port for the standard/basic tier
}

// Transport is the capability the resolver consumes. Implementations
// must support fetch() running in parallel across distinct page
// numbers (spec §4.3).
type Transport interface {
	// LocalEndpoint returns the address this node is reachable on.
	LocalEndpoint() Endpoint
	// Connect idempotently establishes the channel to peer if absent.
	Connect(peerID uint32, ep Endpoint) error
	// Fetch retrieves page bytes from peer, synchronous from the
	// caller's perspective; duration is the measured service time.
	Fetch(peerID uint32, page pageno.Number) ([]byte, time.Duration, error)
	// Push sends page bytes to peer (migration, first-touch-on-remote).
	Push(peerID uint32, page pageno.Number, bytes []byte) (time.Duration, error)
	// Tier reports this transport's performance class.
	Tier() Tier
	// Close tears down all peer connections.
	Close() error
}

// Server is the inbound half of a standard/basic tier transport: it
// serves FETCH_REQ/PUSH from peers against local guest memory. Separated
// from Transport because the fast tier's server side (remote-memory
// exposure) differs structurally from a framed-stream server.
type Server interface {
	Start() error
	Stop() error
	Addr() string
}

// GuestMemory is the narrow capability the transport server needs
// against local guest-physical memory: read a page to serve a fetch,
// write a page to apply a push. The fault package's Interceptor
// implements this.
type GuestMemory interface {
	ReadPage(page pageno.Number) ([]byte, error)
	WritePage(page pageno.Number, data []byte) error
}

// DirectoryUpdater is the narrow capability the transport server needs
// against the page directory when it applies an inbound PUSH.
type DirectoryUpdater interface {
	MarkLocal(page pageno.Number) error
}
