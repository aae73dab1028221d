package node

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/config"
	"github.com/orizon-lang/fabricmem/internal/pager/fault"
	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/transport"
	"github.com/orizon-lang/fabricmem/internal/pager/transport/fasttier"
	"github.com/orizon-lang/fabricmem/internal/pager/transport/stdtier"
	"go.uber.org/zap"
)

// slowStartInterceptor is a fault.Interceptor whose Serve loop takes a
// while to actually begin polling, used to prove runInterceptor waits
// for Ready rather than assuming the goroutine has been scheduled.
type slowStartInterceptor struct {
	events  chan fault.Event
	ready   chan struct{}
	polling atomic.Bool
}

func newSlowStartInterceptor() *slowStartInterceptor {
	return &slowStartInterceptor{events: make(chan fault.Event), ready: make(chan struct{})}
}

func (s *slowStartInterceptor) Events() <-chan fault.Event { return s.events }
func (s *slowStartInterceptor) Ready() <-chan struct{}     { return s.ready }

func (s *slowStartInterceptor) Serve(ctx context.Context) error {
	time.Sleep(20 * time.Millisecond)
	s.polling.Store(true)
	close(s.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (s *slowStartInterceptor) CopyIntoPage(pageno.Number, []byte) error  { return nil }
func (s *slowStartInterceptor) ZeroPage(pageno.Number) error             { return nil }
func (s *slowStartInterceptor) WakeWithoutCopy(pageno.Number) error      { return nil }
func (s *slowStartInterceptor) ReadPage(pageno.Number) ([]byte, error)   { return nil, nil }
func (s *slowStartInterceptor) WritePage(pageno.Number, []byte) error    { return nil }
func (s *slowStartInterceptor) Close() error                            { return nil }

func baseCfg() *config.NodeConfig {
	return &config.NodeConfig{
		NodeID:                                 0,
		TotalNodes:                             2,
		GuestMemoryLen:                         16 * 1024 * 1024,
		CoordinatorURL:                         "http://coordinator:9000",
		TransportPortRangeLow:                  0,
		TransportPortRangeHigh:                 0,
		KernelUnprivilegedFaultFacilityEnabled: true,
	}
}

func TestNewBuildsDirectoryAndTracker(t *testing.T) {
	n, err := New(baseCfg(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if n.Directory() == nil {
		t.Fatal("expected a non-nil directory")
	}
	if n.Stats() == nil {
		t.Fatal("expected a non-nil stats tracker")
	}
}

func TestNewTransportSelectsStandardByDefault(t *testing.T) {
	cfg := baseCfg()
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	trans, err := n.newTransport()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := trans.(*stdtier.Transport); !ok {
		t.Fatalf("got %T, want *stdtier.Transport", trans)
	}
}

func TestNewTransportSelectsBasicTier(t *testing.T) {
	cfg := baseCfg()
	cfg.TransportTier = "basic"
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	trans, err := n.newTransport()
	if err != nil {
		t.Fatal(err)
	}
	st, ok := trans.(*stdtier.Transport)
	if !ok {
		t.Fatalf("got %T, want *stdtier.Transport", trans)
	}
	if st.Tier() != transport.TierBasic {
		t.Fatalf("got tier %v, want basic", st.Tier())
	}
}

func TestNewTransportSelectsFastTier(t *testing.T) {
	cfg := baseCfg()
	cfg.TransportTier = "fast"
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	trans, err := n.newTransport()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := trans.(*fasttier.Transport); !ok {
		t.Fatalf("got %T, want *fasttier.Transport", trans)
	}
}

func TestRunInterceptorBlocksUntilServeIsPolling(t *testing.T) {
	n, err := New(baseCfg(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	fi := newSlowStartInterceptor()
	n.fi = fi

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.runInterceptor(ctx)
	if !fi.polling.Load() {
		t.Fatal("runInterceptor returned before the fault interceptor started polling")
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	n, err := New(baseCfg(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Stop(nil); err != nil { //nolint:staticcheck // explicit nil ctx: Stop never starts a deadline when not started
		t.Fatal(err)
	}
}
