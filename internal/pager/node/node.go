// Package node wires the fault interceptor, page directory, transport,
// coordinator client, resolver, and statistics tracker into the single
// top-level type a binary constructs. Its Start/Stop lifecycle is
// modeled on internal/runtime/remote.RemoteSystem: Start returns an
// error if the node is already started, and returns only once the fault
// interceptor is polling; Stop tears everything down in reverse order.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/coordclient"
	"github.com/orizon-lang/fabricmem/internal/pager/config"
	"github.com/orizon-lang/fabricmem/internal/pager/directory"
	"github.com/orizon-lang/fabricmem/internal/pager/fault"
	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/resolver"
	"github.com/orizon-lang/fabricmem/internal/pager/stats"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
	"github.com/orizon-lang/fabricmem/internal/pager/transport/fasttier"
	"github.com/orizon-lang/fabricmem/internal/pager/transport/stdtier"
)

// startableTransport is what both tier implementations satisfy: the
// resolver-facing transport.Transport capability plus the Start method
// neither tier exposes through that interface, since Transport alone
// says nothing about how a tier binds its listener.
type startableTransport interface {
	transport.Transport
	Start() error
}

// Node is the assembled per-host instance of the paging core.
type Node struct {
	cfg    *config.NodeConfig
	logger *zap.Logger

	dir     *directory.Directory
	fi      fault.Interceptor
	trans   startableTransport
	coord   *coordclient.Client
	tracker *stats.Tracker
	res     *resolver.Resolver

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metricsStop func(context.Context) error
}

// New assembles a Node from cfg but does not start any goroutines or
// touch the kernel fault facility; that happens in Start.
func New(cfg *config.NodeConfig, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	space := pageno.NewSpace(uintptr(cfg.GuestMemoryBase), cfg.GuestMemoryLen)
	dir := directory.New(space)
	tracker := stats.NewTracker(4)

	return &Node{
		cfg:     cfg,
		logger:  logger,
		dir:     dir,
		tracker: tracker,
	}, nil
}

// Start registers the fault facility, brings up the transport, joins the
// cluster via the coordinator client, and starts the resolver. It
// guarantees the fault facility is registered and the event consumer is
// running before it returns (spec §9 "the core guarantees that the fault
// facility is registered and the event consumer is running before
// returning").
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("node already started")
	}

	fi, err := fault.New(fault.Region{Base: uintptr(n.cfg.GuestMemoryBase), Len: n.cfg.GuestMemoryLen}, n.logger)
	if err != nil {
		return err
	}
	n.fi = fi

	trans, err := n.newTransport()
	if err != nil {
		fi.Close() //nolint:errcheck
		return err
	}
	if err := trans.Start(); err != nil {
		fi.Close() //nolint:errcheck
		return err
	}
	n.trans = trans

	n.coord = coordclient.New(coordclient.Config{
		BaseURL: n.cfg.CoordinatorURL,
		NodeID:  n.cfg.NodeID,
		Logger:  n.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.runInterceptor(runCtx)

	if err := n.coord.RegisterEndpoint(runCtx, trans.LocalEndpoint()); err != nil {
		n.logger.Warn("initial coordinator registration failed, will keep retrying", zap.Error(err))
	}
	n.wg.Add(1)
	go n.coordinatorRefreshLoop(runCtx)

	n.res = resolver.New(resolver.Config{
		Workers:    4,
		TotalNodes: n.cfg.TotalNodes,
		Migration: resolver.MigrationPolicy{
			Enabled:      n.cfg.Reloadable.MigrationEnabled,
			HitThreshold: n.cfg.Reloadable.MigrationHitThreshold,
		},
		Logger: n.logger,
	}, n.dir, n.fi, n.trans, n.tracker, n.resolveEndpoint)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.res.Run(runCtx); err != nil && runCtx.Err() == nil {
			n.logger.Error("resolver exited", zap.Error(err))
		}
	}()

	n.started = true
	return nil
}

// runInterceptor launches the fault interceptor's poll loop in its own
// goroutine and blocks until it has actually started polling, via
// fi.Ready(). Without this barrier Start could return before the
// goroutine is ever scheduled, violating the guarantee it documents
// (spec §9 "the event consumer is running before returning").
func (n *Node) runInterceptor(runCtx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.fi.Serve(runCtx); err != nil && runCtx.Err() == nil {
			n.logger.Error("fault interceptor serve loop exited", zap.Error(err))
		}
	}()
	<-n.fi.Ready()
}

// StartMetrics binds the Prometheus-text exposition endpoint (spec
// §6.4). Separate from Start because a node may run headless in tests.
func (n *Node) StartMetrics(addr string) (string, error) {
	bound, stop, err := stats.StartExpositionServer(addr, n.tracker)
	if err != nil {
		return "", err
	}
	n.metricsStop = stop
	return bound, nil
}

func (n *Node) newTransport() (startableTransport, error) {
	switch n.cfg.TransportTier {
	case "fast":
		return fasttier.New(fasttier.Config{
			NodeID:        n.cfg.NodeID,
			PortRangeLow:  n.cfg.TransportPortRangeLow,
			PortRangeHigh: n.cfg.TransportPortRangeHigh,
			Logger:        n.logger,
		}, n.fi, n.dir)
	default:
		return stdtier.New(stdtier.Config{
			NodeID:        n.cfg.NodeID,
			PortRangeLow:  n.cfg.TransportPortRangeLow,
			PortRangeHigh: n.cfg.TransportPortRangeHigh,
			Basic:         n.cfg.TransportTier == "basic",
			Logger:        n.logger,
		}, n.fi, n.dir, n.onPeerStale), nil
	}
}

func (n *Node) onPeerStale(peerID uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.coord.RefreshAll(ctx); err != nil {
		n.logger.Warn("endpoint refresh after reconnect failures did not complete", zap.Uint32("peer", peerID), zap.Error(err))
	}
}

func (n *Node) resolveEndpoint(peerID uint32) (transport.Endpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.coord.ResolveEndpoint(ctx, peerID)
}

// coordinatorRefreshLoop periodically snapshots the peer endpoint map
// and connects to every peer, tolerating "not yet registered" peers with
// the coordinator client's own backoff (spec §4.4 "Snapshot peers").
func (n *Node) coordinatorRefreshLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	n.connectAllPeers(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.connectAllPeers(ctx)
		}
	}
}

func (n *Node) connectAllPeers(ctx context.Context) {
	if err := n.coord.RefreshAll(ctx); err != nil {
		n.logger.Debug("coordinator refresh did not complete this round", zap.Error(err))
		return
	}
	for peer := uint32(0); peer < n.cfg.TotalNodes; peer++ {
		if peer == n.cfg.NodeID {
			continue
		}
		ep, err := n.coord.ResolveEndpoint(ctx, peer)
		if err != nil {
			continue
		}
		if err := n.trans.Connect(peer, ep); err != nil {
			n.logger.Debug("peer connect deferred", zap.Uint32("peer", peer), zap.Error(err))
		}
	}
}

// Stop drains the resolver and fault consumer, then tears down transport
// and fault facility resources, matching remote.RemoteSystem.Stop's
// reverse-order teardown.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false

	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if n.metricsStop != nil {
		n.metricsStop(ctx) //nolint:errcheck
	}
	if n.trans != nil {
		n.trans.Close() //nolint:errcheck
	}
	if n.fi != nil {
		n.fi.Close() //nolint:errcheck
	}
	return nil
}

// Directory exposes the page directory for diagnostics and tests.
func (n *Node) Directory() *directory.Directory { return n.dir }

// Stats exposes the statistics tracker for diagnostics and tests.
func (n *Node) Stats() *stats.Tracker { return n.tracker }
