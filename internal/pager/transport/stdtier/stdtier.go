// Package stdtier implements the standard and basic transport tiers:
// one reliable TCP stream per peer carrying the framed wire protocol
// from spec §4.3. Connection accept/backoff is modeled directly on the
// teacher's internal/runtime/netstack.TCPServer accept loop. Fetch and
// Push make a single attempt; a lost connection is dropped from the
// peer table and is only re-established by a later Connect call.
package stdtier

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
	"github.com/orizon-lang/fabricmem/internal/pager/wire"
)

// DefaultFetchTimeout is the per-request deadline from spec §5.
const DefaultFetchTimeout = 5 * time.Second

// Basic reports TierBasic instead of TierStandard; used only for
// development configurations per spec §4.3's tier table. Everything
// else about the two is identical.
type Config struct {
	// PortRange is the [low, high] inclusive range to bind the listener
	// within (spec §6.3 transport_port_range). Port 0 means "any".
	PortRangeLow, PortRangeHigh int
	NodeID                      uint32
	Basic                       bool
	Logger                      *zap.Logger
	// MaxReconnectFailures is K in spec §4.3: after this many
	// consecutive reconnect failures the caller should re-query the
	// coordinator for a fresh endpoint.
	MaxReconnectFailures int
}

// ReconnectNotifier is invoked when a peer has failed to reconnect
// MaxReconnectFailures times in a row, so the coordinator client can
// refresh its endpoint (spec §4.4 "Refresh on demand").
type ReconnectNotifier func(peerID uint32)

// Transport is the standard/basic tier implementation.
type Transport struct {
	cfg    Config
	mem    transport.GuestMemory
	dir    transport.DirectoryUpdater
	onStale ReconnectNotifier

	ln       net.Listener
	localEp  transport.Endpoint
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool

	mu    sync.RWMutex
	peers map[uint32]*peerConn

	nextRequestID atomic.Uint64
}

type peerConn struct {
	mu       sync.Mutex
	conn     net.Conn
	w        *bufio.Writer
	ep       transport.Endpoint
	failures int

	outstanding sync.Map // requestID -> chan fetchResult
}

type fetchResult struct {
	payload []byte
	err     error
}

// New creates a standard/basic tier transport bound to guest memory mem
// and a directory updater, used to serve inbound FETCH_REQ/PUSH.
func New(cfg Config, mem transport.GuestMemory, dir transport.DirectoryUpdater, onStale ReconnectNotifier) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxReconnectFailures <= 0 {
		cfg.MaxReconnectFailures = 5
	}
	return &Transport{
		cfg:      cfg,
		mem:      mem,
		dir:      dir,
		onStale:  onStale,
		shutdown: make(chan struct{}),
		peers:    make(map[uint32]*peerConn),
	}
}

// Start binds the listener to the first free port in the configured
// range and begins accepting peer connections.
func (t *Transport) Start() error {
	ln, port, err := bindFirstFreePort(t.cfg.PortRangeLow, t.cfg.PortRangeHigh)
	if err != nil {
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "no free port in range [%d,%d]", t.cfg.PortRangeLow, t.cfg.PortRangeHigh)
	}
	t.ln = ln
	t.localEp = transport.Endpoint{NodeID: t.cfg.NodeID, Kind: "standard", Addr: fmt.Sprintf("0.0.0.0:%d", port)}

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func bindFirstFreePort(low, high int) (net.Listener, int, error) {
	if low <= 0 || high < low {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	for p := low; p <= high; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d]", low, high)
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	var backoff time.Duration
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck // matches teacher's accept-loop pattern
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
					if backoff > 500*time.Millisecond {
						backoff = 500 * time.Millisecond
					}
				}
				time.Sleep(backoff)
				continue
			}
			return
		}
		backoff = 0
		t.wg.Add(1)
		go t.serveConn(c)
	}
}

// serveConn is the per-connection reader loop described in spec §4.3
// "Server side" for an accepted connection. It dispatches FETCH_REQ/PUSH
// and hands FETCH_RESP/PUSH_ACK/ERROR frames to completeOutstanding,
// which completes a request only when c is a connection in the peer
// table; dialed connections are read by readLoop.
func (t *Transport) serveConn(c net.Conn) {
	defer t.wg.Done()
	defer c.Close()

	// Close the accepted connection on shutdown so Close does not wait
	// forever on a reader blocked by a peer that stays connected.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-t.shutdown:
			c.Close()
		case <-connDone:
		}
	}()

	r := bufio.NewReader(c)
	if _, err := wire.ReadAndVerifyHandshake(r); err != nil {
		t.cfg.Logger.Warn("rejecting peer with incompatible handshake", zap.Error(err))
		return
	}
	if err := wire.WriteHandshake(c); err != nil {
		return
	}

	w := bufio.NewWriter(c)
	var writeMu sync.Mutex

	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}

		switch f.Op {
		case wire.OpFetchReq:
			t.handleFetchReq(f, w, &writeMu)
		case wire.OpPush:
			t.handlePush(f, w, &writeMu)
		case wire.OpPing:
			writeMu.Lock()
			wire.Frame{RequestID: f.RequestID, Op: wire.OpPong, Page: f.Page}.WriteTo(w) //nolint:errcheck
			w.Flush()                                                                   //nolint:errcheck
			writeMu.Unlock()
		case wire.OpFetchResp, wire.OpPushAck, wire.OpError:
			t.completeOutstanding(c, f)
		}
	}
}

func (t *Transport) handleFetchReq(f wire.Frame, w *bufio.Writer, writeMu *sync.Mutex) {
	data, err := t.mem.ReadPage(f.Page)
	writeMu.Lock()
	defer writeMu.Unlock()
	if err != nil {
		wire.Frame{RequestID: f.RequestID, Op: wire.OpError, Page: f.Page}.WriteTo(w) //nolint:errcheck
	} else {
		wire.Frame{RequestID: f.RequestID, Op: wire.OpFetchResp, Page: f.Page, Payload: data}.WriteTo(w) //nolint:errcheck
	}
	w.Flush() //nolint:errcheck
}

func (t *Transport) handlePush(f wire.Frame, w *bufio.Writer, writeMu *sync.Mutex) {
	err := t.mem.WritePage(f.Page, f.Payload)
	if err == nil {
		err = t.dir.MarkLocal(f.Page)
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err != nil {
		wire.Frame{RequestID: f.RequestID, Op: wire.OpError, Page: f.Page}.WriteTo(w) //nolint:errcheck
	} else {
		wire.Frame{RequestID: f.RequestID, Op: wire.OpPushAck, Page: f.Page}.WriteTo(w) //nolint:errcheck
	}
	w.Flush() //nolint:errcheck
}

func (t *Transport) completeOutstanding(c net.Conn, f wire.Frame) {
	t.mu.RLock()
	var pc *peerConn
	for _, p := range t.peers {
		p.mu.Lock()
		same := p.conn == c
		p.mu.Unlock()
		if same {
			pc = p
			break
		}
	}
	t.mu.RUnlock()
	if pc == nil {
		return
	}
	if ch, ok := pc.outstanding.LoadAndDelete(f.RequestID); ok {
		ch.(chan fetchResult) <- fetchResult{payload: f.Payload, err: frameErr(f)}
	}
}

func frameErr(f wire.Frame) error {
	if f.Op == wire.OpError {
		return pagererr.New(pagererr.ProtocolViolation, "peer returned ERROR for page %d", uint64(f.Page))
	}
	return nil
}

// LocalEndpoint implements transport.Transport.
func (t *Transport) LocalEndpoint() transport.Endpoint { return t.localEp }

// Connect implements transport.Transport. Idempotent: repeated calls
// with the same (peerID, endpoint) do not create additional connections
// (spec §8 "Idempotence of connect").
func (t *Transport) Connect(peerID uint32, ep transport.Endpoint) error {
	t.mu.RLock()
	_, exists := t.peers[peerID]
	t.mu.RUnlock()
	if exists {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[peerID]; exists {
		return nil
	}

	pc, err := t.dial(ep)
	if err != nil {
		if pagererr.IsKind(err, pagererr.ProtocolViolation) {
			return pagererr.Wrap(pagererr.ProtocolViolation, err, "handshake with peer %d at %s", peerID, ep.Addr)
		}
		return pagererr.Wrap(pagererr.PeerUnreachable, err, "connect to peer %d at %s", peerID, ep.Addr)
	}
	t.peers[peerID] = pc
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(peerID, pc)
	}()
	return nil
}

func (t *Transport) dial(ep transport.Endpoint) (*peerConn, error) {
	c, err := net.DialTimeout("tcp", ep.Addr, DefaultFetchTimeout)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteHandshake(c); err != nil {
		c.Close()
		return nil, err
	}
	r := bufio.NewReader(c)
	if _, err := wire.ReadAndVerifyHandshake(r); err != nil {
		c.Close()
		return nil, err
	}
	return &peerConn{conn: c, w: bufio.NewWriter(c), ep: ep}, nil
}

// readLoop is the client-side reader for a dialed connection: it parses
// FETCH_RESP/PUSH_ACK frames and completes the outstanding-requests table
// (spec §4.3 "Client side").
func (t *Transport) readLoop(peerID uint32, pc *peerConn) {
	r := bufio.NewReader(pc.conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			t.failPeer(peerID, pc, err)
			return
		}
		if ch, ok := pc.outstanding.LoadAndDelete(f.RequestID); ok {
			ch.(chan fetchResult) <- fetchResult{payload: f.Payload, err: frameErr(f)}
		}
	}
}

func (t *Transport) failPeer(peerID uint32, pc *peerConn, cause error) {
	pc.outstanding.Range(func(key, value interface{}) bool {
		value.(chan fetchResult) <- fetchResult{err: pagererr.Wrap(pagererr.PeerUnreachable, cause, "connection to peer %d lost", peerID)}
		pc.outstanding.Delete(key)
		return true
	})

	pc.mu.Lock()
	pc.failures++
	failures := pc.failures
	pc.conn.Close()
	pc.mu.Unlock()

	t.mu.Lock()
	delete(t.peers, peerID)
	t.mu.Unlock()

	if failures >= t.cfg.MaxReconnectFailures && t.onStale != nil {
		t.onStale(peerID)
	}
}

// Fetch implements transport.Transport.
func (t *Transport) Fetch(peerID uint32, page pageno.Number) ([]byte, time.Duration, error) {
	start := time.Now()
	resp, err := t.roundTrip(peerID, wire.OpFetchReq, page, nil)
	return resp, time.Since(start), err
}

// Push implements transport.Transport.
func (t *Transport) Push(peerID uint32, page pageno.Number, bytes []byte) (time.Duration, error) {
	start := time.Now()
	_, err := t.roundTrip(peerID, wire.OpPush, page, bytes)
	return time.Since(start), err
}

func (t *Transport) roundTrip(peerID uint32, op wire.Op, page pageno.Number, payload []byte) ([]byte, error) {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return nil, pagererr.New(pagererr.PeerUnreachable, "no connection to peer %d", peerID)
	}

	reqID := t.nextRequestID.Add(1)
	ch := make(chan fetchResult, 1)
	pc.outstanding.Store(reqID, ch)

	pc.mu.Lock()
	_, werr := wire.Frame{RequestID: reqID, Op: op, Page: page, Payload: payload}.WriteTo(pc.w)
	if werr == nil {
		werr = pc.w.Flush()
	}
	pc.mu.Unlock()
	if werr != nil {
		pc.outstanding.Delete(reqID)
		return nil, pagererr.Wrap(pagererr.PeerUnreachable, werr, "send to peer %d", peerID)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-time.After(DefaultFetchTimeout):
		pc.outstanding.Delete(reqID)
		return nil, pagererr.New(pagererr.Timeout, "fetch page %d from peer %d timed out", uint64(page), peerID)
	case <-t.shutdown:
		pc.outstanding.Delete(reqID)
		return nil, pagererr.New(pagererr.Shutdown, "node shutting down")
	}
}

// Tier implements transport.Transport.
func (t *Transport) Tier() transport.Tier {
	if t.cfg.Basic {
		return transport.TierBasic
	}
	return transport.TierStandard
}

// Close implements transport.Transport; it drains outstanding requests
// (failing them with Shutdown), closes every dialed peer connection and,
// through serveConn, every accepted one, similar
// to the teacher's netstack.TCPServer.StopContext graceful-drain pattern.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdown)
	if t.ln != nil {
		t.ln.Close()
	}

	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[uint32]*peerConn)
	t.mu.Unlock()

	for _, p := range peers {
		p.outstanding.Range(func(key, value interface{}) bool {
			value.(chan fetchResult) <- fetchResult{err: pagererr.New(pagererr.Shutdown, "node shutting down")}
			return true
		})
		p.conn.Close()
	}

	t.wg.Wait()
	return nil
}

// Addr returns the listener's bound address, or "" before Start.
func (t *Transport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// drainWithDeadline is exposed for callers (the node lifecycle) that want
// a bounded-time graceful shutdown, using an errgroup the way the
// teacher's uffd servicing code bounds concurrent goroutine completion.
func drainWithDeadline(ctx context.Context, t *Transport) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.Close()
	})
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainWithDeadline closes the transport but aborts waiting past ctx's
// deadline, returning ctx.Err() if the drain does not finish in time.
func DrainWithDeadline(ctx context.Context, t *Transport) error {
	return drainWithDeadline(ctx, t)
}
