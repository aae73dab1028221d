// Package fasttier implements the "fast" transport tier: a QUIC
// connection per peer with one bidirectional stream per request. This
// stands in for the one-sided remote-memory upgrade path described in
// spec §4.3 — streams are multiplexed over a single UDP flow so one slow
// fetch never head-of-line-blocks another, the property that tier exists
// for. Modeled on the teacher's internal/runtime/netstack.HTTP3Server,
// generalized from HTTP/3 request/response to the raw framed protocol.
package fasttier

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
	"github.com/orizon-lang/fabricmem/internal/pager/wire"
)

// DefaultRequestTimeout bounds a single fetch/push over a QUIC stream.
const DefaultRequestTimeout = 5 * time.Second

type Config struct {
	NodeID       uint32
	PortRangeLow int
	PortRangeHigh int
	Logger       *zap.Logger
}

// Transport is the fast tier implementation over github.com/quic-go/quic-go.
type Transport struct {
	cfg     Config
	mem     transport.GuestMemory
	dir     transport.DirectoryUpdater
	tlsConf *tls.Config

	ln      *quic.Listener
	pc      net.PacketConn
	localEp transport.Endpoint

	shutdown chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu    sync.RWMutex
	conns map[uint32]quic.Connection

	nextRequestID atomic.Uint64
}

func New(cfg Config, mem transport.GuestMemory, dir transport.DirectoryUpdater) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "generate fast tier TLS identity")
	}
	return &Transport{
		cfg:      cfg,
		mem:      mem,
		dir:      dir,
		tlsConf:  tlsConf,
		shutdown: make(chan struct{}),
		conns:    make(map[uint32]quic.Connection),
	}, nil
}

// selfSignedTLSConfig mints an ephemeral self-signed certificate. Peer
// identity in fabricmem is established by the coordinator (spec §4.4),
// not by the TLS certificate chain, so a fresh cert per process start is
// sufficient; QUIC requires TLS 1.3 regardless.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fabricmem-fasttier"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"fabricmem-fast/1"},
		MinVersion:   tls.VersionTLS13,
		InsecureSkipVerify: true, //nolint:gosec // peer identity is authenticated by the coordinator, not the cert chain
	}, nil
}

func (t *Transport) Start() error {
	pc, port, err := bindFirstFreeUDPPort(t.cfg.PortRangeLow, t.cfg.PortRangeHigh)
	if err != nil {
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "no free udp port in range [%d,%d]", t.cfg.PortRangeLow, t.cfg.PortRangeHigh)
	}
	t.pc = pc

	ln, err := quic.Listen(pc, t.tlsConf, &quic.Config{MaxIdleTimeout: 60 * time.Second, KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		pc.Close()
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "listen quic")
	}
	t.ln = ln
	t.localEp = transport.Endpoint{NodeID: t.cfg.NodeID, Kind: "fast", Addr: fmt.Sprintf("0.0.0.0:%d", port)}

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func bindFirstFreeUDPPort(low, high int) (net.PacketConn, int, error) {
	if low <= 0 || high < low {
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, 0, err
		}
		return pc, pc.LocalAddr().(*net.UDPAddr).Port, nil
	}
	for p := low; p <= high; p++ {
		pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", p))
		if err == nil {
			return pc, p, nil
		}
	}
	return nil, 0, fmt.Errorf("no free udp port in [%d,%d]", low, high)
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				t.cfg.Logger.Warn("fast tier accept failed", zap.Error(err))
				return
			}
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn handles one dialed-in QUIC connection. The first stream the
// peer opens is always the handshake stream (spec §4.3's protocol
// version gate, generalized from stdtier's per-connection handshake to
// fasttier's per-connection-not-per-stream QUIC model); every later
// stream is a request/response round trip dispatched by serveStream.
func (t *Transport) serveConn(conn quic.Connection) {
	defer t.wg.Done()

	hs, err := conn.AcceptStream(context.Background())
	if err != nil {
		return
	}
	if _, err := wire.ReadAndVerifyHandshake(bufReaderFor(hs)); err != nil {
		t.cfg.Logger.Warn("rejecting fast tier peer with incompatible handshake", zap.Error(err))
		hs.Close()
		return
	}
	if err := wire.WriteHandshake(hs); err != nil {
		hs.Close()
		return
	}
	hs.Close()

	for {
		s, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.serveStream(s)
	}
}

func (t *Transport) serveStream(s quic.Stream) {
	defer t.wg.Done()
	defer s.Close()

	f, err := wire.ReadFrame(bufReaderFor(s))
	if err != nil {
		return
	}

	switch f.Op {
	case wire.OpFetchReq:
		data, err := t.mem.ReadPage(f.Page)
		if err != nil {
			wire.Frame{RequestID: f.RequestID, Op: wire.OpError, Page: f.Page}.WriteTo(s) //nolint:errcheck
			return
		}
		wire.Frame{RequestID: f.RequestID, Op: wire.OpFetchResp, Page: f.Page, Payload: data}.WriteTo(s) //nolint:errcheck
	case wire.OpPush:
		err := t.mem.WritePage(f.Page, f.Payload)
		if err == nil {
			err = t.dir.MarkLocal(f.Page)
		}
		if err != nil {
			wire.Frame{RequestID: f.RequestID, Op: wire.OpError, Page: f.Page}.WriteTo(s) //nolint:errcheck
			return
		}
		wire.Frame{RequestID: f.RequestID, Op: wire.OpPushAck, Page: f.Page}.WriteTo(s) //nolint:errcheck
	}
}

func (t *Transport) LocalEndpoint() transport.Endpoint { return t.localEp }

func (t *Transport) Connect(peerID uint32, ep transport.Endpoint) error {
	t.mu.RLock()
	_, ok := t.conns[peerID]
	t.mu.RUnlock()
	if ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[peerID]; ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, ep.Addr, &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"fabricmem-fast/1"}, MinVersion: tls.VersionTLS13}, nil) //nolint:gosec
	if err != nil {
		return pagererr.Wrap(pagererr.PeerUnreachable, err, "dial fast tier peer %d at %s", peerID, ep.Addr)
	}
	if err := t.handshake(ctx, conn); err != nil {
		conn.CloseWithError(0, "handshake failed")
		return pagererr.Wrap(pagererr.ProtocolViolation, err, "fast tier handshake with peer %d", peerID)
	}
	t.conns[peerID] = conn
	return nil
}

// handshake opens the dedicated handshake stream serveConn expects as the
// first stream on a new connection and exchanges protocol versions over
// it, gating the connection the same way stdtier gates a dialed TCP
// socket before any FETCH_REQ/PUSH can cross it.
func (t *Transport) handshake(ctx context.Context, conn quic.Connection) error {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := wire.WriteHandshake(s); err != nil {
		return err
	}
	if _, err := wire.ReadAndVerifyHandshake(bufReaderFor(s)); err != nil {
		return err
	}
	return nil
}

func (t *Transport) Fetch(peerID uint32, page pageno.Number) ([]byte, time.Duration, error) {
	start := time.Now()
	resp, err := t.roundTrip(peerID, wire.OpFetchReq, page, nil)
	return resp, time.Since(start), err
}

func (t *Transport) Push(peerID uint32, page pageno.Number, data []byte) (time.Duration, error) {
	start := time.Now()
	_, err := t.roundTrip(peerID, wire.OpPush, page, data)
	return time.Since(start), err
}

func (t *Transport) roundTrip(peerID uint32, op wire.Op, page pageno.Number, payload []byte) ([]byte, error) {
	t.mu.RLock()
	conn, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return nil, pagererr.New(pagererr.PeerUnreachable, "no connection to peer %d", peerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.dropConn(peerID)
		return nil, pagererr.Wrap(pagererr.PeerUnreachable, err, "open stream to peer %d", peerID)
	}
	defer s.Close()

	reqID := t.nextRequestID.Add(1)
	if _, err := (wire.Frame{RequestID: reqID, Op: op, Page: page, Payload: payload}).WriteTo(s); err != nil {
		return nil, pagererr.Wrap(pagererr.PeerUnreachable, err, "send to peer %d", peerID)
	}

	type result struct {
		f   wire.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := wire.ReadFrame(bufReaderFor(s))
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, pagererr.Wrap(pagererr.PeerUnreachable, r.err, "read response from peer %d", peerID)
		}
		if r.f.Op == wire.OpError {
			return nil, pagererr.New(pagererr.ProtocolViolation, "peer %d returned ERROR for page %d", peerID, uint64(page))
		}
		return r.f.Payload, nil
	case <-ctx.Done():
		return nil, pagererr.New(pagererr.Timeout, "fast tier request to peer %d timed out", peerID)
	case <-t.shutdown:
		return nil, pagererr.New(pagererr.Shutdown, "node shutting down")
	}
}

func (t *Transport) dropConn(peerID uint32) {
	t.mu.Lock()
	delete(t.conns, peerID)
	t.mu.Unlock()
}

func (t *Transport) Tier() transport.Tier { return transport.TierFast }

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdown)

	t.mu.Lock()
	for id, c := range t.conns {
		c.CloseWithError(0, "shutdown")
		delete(t.conns, id)
	}
	t.mu.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.pc != nil {
		t.pc.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// bufReaderFor wraps a QUIC stream (or anything else implementing
// io.Reader) in a bufio.Reader, as wire.ReadFrame requires.
func bufReaderFor(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}
