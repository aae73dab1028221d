// Package coordclient is the HTTP/JSON client for the external
// coordinator service (spec §4.4). It registers this node's transport
// endpoint, resolves peer endpoints, and probes coordinator health,
// tolerating a not-yet-registered peer with backoff rather than ever
// blocking the fault path.
//
// The retry/backoff shape is modeled on
// internal/runtime/remote.RemoteSystem.sendWithRetry; the Discovery
// surface generalizes internal/runtime/remote.Discovery from a name/addr
// map to a coordinator-backed node_id/endpoint lookup.
package coordclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
)

// Config configures the coordinator client.
type Config struct {
	BaseURL           string
	NodeID            uint32
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	HTTPTimeout       time.Duration
	Logger            *zap.Logger
}

func (c *Config) setDefaults() {
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 6
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 50 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// endpointDTO is the literal Endpoint JSON schema from spec §6.2. The
// node_id is never carried inside this body: single-endpoint calls carry
// it in the URL path, and /endpoints carries it as the object key.
//
// This implementation only has a TCP-addressed standard tier and a
// QUIC/UDP-addressed fast tier, never an RDMA transport, so the rdma_*
// fields are always omitted on marshal and ignored on unmarshal.
type endpointDTO struct {
	TransportType string `json:"transport_type"`
	TCPAddr       string `json:"tcp_addr,omitempty"`
	TCPPort       uint16 `json:"tcp_port,omitempty"`
	RDMAQPN       uint32 `json:"rdma_qpn,omitempty"`
	RDMALID       uint16 `json:"rdma_lid,omitempty"`
	RDMAGID       string `json:"rdma_gid,omitempty"`
	RDMAPSN       uint32 `json:"rdma_psn,omitempty"`
}

// endpointToDTO splits ep.Addr's host:port into the spec's discrete
// tcp_addr/tcp_port fields.
func endpointToDTO(ep transport.Endpoint) (endpointDTO, error) {
	host, portStr, err := net.SplitHostPort(ep.Addr)
	if err != nil {
		return endpointDTO{}, fmt.Errorf("split endpoint addr %q: %w", ep.Addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpointDTO{}, fmt.Errorf("parse endpoint port %q: %w", portStr, err)
	}
	return endpointDTO{
		TransportType: ep.Kind,
		TCPAddr:       host,
		TCPPort:       uint16(port),
	}, nil
}

// dtoToEndpoint rejoins the spec's discrete tcp_addr/tcp_port fields into
// the internal Endpoint's host:port Addr for nodeID.
func dtoToEndpoint(nodeID uint32, dto endpointDTO) transport.Endpoint {
	return transport.Endpoint{
		NodeID: nodeID,
		Kind:   dto.TransportType,
		Addr:   net.JoinHostPort(dto.TCPAddr, strconv.Itoa(int(dto.TCPPort))),
	}
}

// Client talks to the coordinator and caches the last-known peer map so
// that reads never block on network I/O (spec §4.4 "never blocks the
// fault path").
type Client struct {
	cfg Config
	hc  *http.Client

	cache atomic.Pointer[map[uint32]transport.Endpoint]

	mu sync.Mutex
}

// New creates a coordinator client. cfg.BaseURL must already include the
// scheme, e.g. "http://coordinator:9000".
func New(cfg Config) *Client {
	cfg.setDefaults()
	c := &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.HTTPTimeout}}
	empty := map[uint32]transport.Endpoint{}
	c.cache.Store(&empty)
	return c
}

// RegisterEndpoint publishes this node's reachable address to the
// coordinator, retrying with exponential backoff on transient failure.
// Never returns FaultFacilityUnavailable; a coordinator outage at
// startup is CoordinatorUnreachable, recoverable by retrying later
// (spec §7).
func (c *Client) RegisterEndpoint(ctx context.Context, ep transport.Endpoint) error {
	dto, err := endpointToDTO(ep)
	if err != nil {
		return pagererr.Wrap(pagererr.ProtocolViolation, err, "build endpoint dto")
	}
	body, err := json.Marshal(dto)
	if err != nil {
		return pagererr.Wrap(pagererr.ProtocolViolation, err, "marshal endpoint")
	}

	url := fmt.Sprintf("%s/nodes/%d/endpoint", c.cfg.BaseURL, ep.NodeID)
	err = c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("register endpoint: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return pagererr.Wrap(pagererr.CoordinatorUnreachable, err, "register endpoint for node %d", ep.NodeID)
	}
	return nil
}

// ResolveEndpoint returns the endpoint for peerID, first consulting the
// local cache (populated by RefreshAll) and falling back to a direct
// coordinator query. A 404 ("not yet registered") is tolerated and
// surfaced as CoordinatorUnreachable so callers can back off and retry
// rather than treat it as fatal (spec §4.4).
func (c *Client) ResolveEndpoint(ctx context.Context, peerID uint32) (transport.Endpoint, error) {
	if cache := c.cache.Load(); cache != nil {
		if ep, ok := (*cache)[peerID]; ok {
			return ep, nil
		}
	}

	url := fmt.Sprintf("%s/nodes/%d/endpoint", c.cfg.BaseURL, peerID)
	var ep transport.Endpoint
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return errNotRegistered
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("resolve endpoint: unexpected status %d", resp.StatusCode)
		}
		var dto endpointDTO
		if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
			return err
		}
		ep = dtoToEndpoint(peerID, dto)
		return nil
	})
	if err != nil {
		if err == errNotRegistered {
			return transport.Endpoint{}, pagererr.New(pagererr.CoordinatorUnreachable, "peer %d not yet registered", peerID)
		}
		return transport.Endpoint{}, pagererr.Wrap(pagererr.CoordinatorUnreachable, err, "resolve endpoint for peer %d", peerID)
	}
	return ep, nil
}

var errNotRegistered = fmt.Errorf("peer not yet registered")

// RefreshAll fetches the full set of registered endpoints and swaps the
// cache atomically, used by a background refresh loop and by the
// resolver when it has exhausted reconnect attempts against a peer.
func (c *Client) RefreshAll(ctx context.Context) error {
	url := fmt.Sprintf("%s/endpoints", c.cfg.BaseURL)
	var out map[uint32]transport.Endpoint
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("refresh endpoints: unexpected status %d", resp.StatusCode)
		}
		var dtos map[string]endpointDTO
		if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
			return err
		}
		out = make(map[uint32]transport.Endpoint, len(dtos))
		for idStr, d := range dtos {
			id, perr := strconv.ParseUint(idStr, 10, 32)
			if perr != nil {
				return fmt.Errorf("refresh endpoints: bad node_id key %q: %w", idStr, perr)
			}
			out[uint32(id)] = dtoToEndpoint(uint32(id), d)
		}
		return nil
	})
	if err != nil {
		return pagererr.Wrap(pagererr.CoordinatorUnreachable, err, "refresh endpoints")
	}
	c.cache.Store(&out)
	return nil
}

// Healthy probes the coordinator's /health endpoint once, with no retry;
// intended for a periodic background check, not the fault path.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	delay := c.cfg.RetryInitialDelay
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryMaxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if err == errNotRegistered {
				// Not-yet-registered is expected during cluster
				// bring-up; still worth backing off, but log at
				// debug rather than warn.
				c.cfg.Logger.Debug("coordinator: peer not yet registered", zap.Int("attempt", attempt))
			} else {
				c.cfg.Logger.Warn("coordinator request failed", zap.Int("attempt", attempt), zap.Error(err))
			}
		} else {
			return nil
		}

		if attempt < c.cfg.RetryMaxAttempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}
		}
	}
	return lastErr
}
