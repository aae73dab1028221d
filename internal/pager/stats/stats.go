// Package stats implements per-fault latency and hit tracking (spec
// §4.6) and its Prometheus-text exposition (spec §6.4). The ring
// structure and percentile computation are grounded on
// internal/runtime.MetricsCollector's LatencyMetrics/calculatePercentiles
// (sort-then-index, recomputed on demand rather than maintained
// incrementally); the /metrics handler is grounded on
// internal/runtime.StartMetricsServer's sorted-name text exposition.
package stats

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
)

// Classification labels a single fault sample (spec §3).
type Classification string

const (
	LocalFirstTouch Classification = "local_first_touch"
	RemoteFetch     Classification = "remote_fetch"
)

// Sample is one fault's recorded outcome.
type Sample struct {
	Page           pageno.Number
	Classification Classification
	ServiceTimeUs  uint64
}

// ringSize bounds memory use per worker ring; old samples are overwritten.
const ringSize = 8192

// ring is a bounded sample buffer. The write index is claimed
// atomically, but each push stores its sample under a short-held mutex,
// and the reader (exposition) takes a snapshot copy under the same
// mutex; the ring is not lock-free.
type ring struct {
	mu      sync.Mutex
	buf     [ringSize]Sample
	next    atomic.Uint64
	filled  atomic.Uint64
}

func (r *ring) push(s Sample) {
	idx := r.next.Add(1) - 1
	r.mu.Lock()
	r.buf[idx%ringSize] = s
	r.mu.Unlock()
	if f := r.filled.Load(); f < ringSize {
		r.filled.Store(f + 1)
	}
}

func (r *ring) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.filled.Load()
	out := make([]Sample, n)
	copy(out, r.buf[:n])
	return out
}

// Tracker aggregates fault statistics across one or more resolver
// workers and exposes rollups on demand (spec §4.6, §6.4).
type Tracker struct {
	rings []*ring

	totalFaults    atomic.Uint64
	remoteFaults   atomic.Uint64
	localFaults    atomic.Uint64
	transportOps   sync.Map // opKey{op, peer} -> *atomic.Uint64
	transportErrs  sync.Map // errKey{kind, peer} -> *atomic.Uint64
	peerHitsByPage sync.Map // page number -> *sync.Map (owner -> *atomic.Uint64)

	peerConnsUp atomic.Int64
	pagesLocal  atomic.Uint64
	pagesRemote atomic.Uint64
}

// NewTracker allocates workers independent per-worker rings, avoiding
// any cross-worker write contention on the hot fault path.
func NewTracker(workers int) *Tracker {
	if workers < 1 {
		workers = 1
	}
	t := &Tracker{rings: make([]*ring, workers)}
	for i := range t.rings {
		t.rings[i] = &ring{}
	}
	return t
}

// RecordFault appends a fault sample to worker's ring and updates the
// running counters used by Summary/Exposition.
func (t *Tracker) RecordFault(worker int, s Sample) {
	t.rings[worker%len(t.rings)].push(s)
	t.totalFaults.Add(1)
	switch s.Classification {
	case RemoteFetch:
		t.remoteFaults.Add(1)
	case LocalFirstTouch:
		t.localFaults.Add(1)
	}
}

// opKey identifies one transport_ops_total{op,peer} series (spec §6.4).
type opKey struct {
	Op   string
	Peer uint32
}

// errKey identifies one transport_errors_total{kind,peer} series (spec
// §6.4).
type errKey struct {
	Kind string
	Peer uint32
}

// RecordTransportOp increments the transport_ops_total{op,peer} counter.
func (t *Tracker) RecordTransportOp(op string, peer uint32) {
	counterInc(&t.transportOps, opKey{Op: op, Peer: peer})
}

// RecordTransportError increments the transport_errors_total{kind,peer}
// counter.
func (t *Tracker) RecordTransportError(kind string, peer uint32) {
	counterInc(&t.transportErrs, errKey{Kind: kind, Peer: peer})
}

// RecordPeerHit records a remote_fetch attributed to owner for page, used
// by the migration policy hook to decide when a page has accrued enough
// hits from one peer to be worth pushing (spec §4.5 "Migration").
func (t *Tracker) RecordPeerHit(page pageno.Number, owner uint32) {
	v, _ := t.peerHitsByPage.LoadOrStore(page, &sync.Map{})
	byOwner := v.(*sync.Map)
	counterInc(byOwner, fmt.Sprintf("%d", owner))
}

// PeerHits returns the number of remote_fetch hits recorded for page
// attributed to owner.
func (t *Tracker) PeerHits(page pageno.Number, owner uint32) uint64 {
	v, ok := t.peerHitsByPage.Load(page)
	if !ok {
		return 0
	}
	c, ok := v.(*sync.Map).Load(fmt.Sprintf("%d", owner))
	if !ok {
		return 0
	}
	return c.(*atomic.Uint64).Load()
}

func counterInc(m *sync.Map, key interface{}) {
	v, _ := m.LoadOrStore(key, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(1)
}

// SetPeerConnectionsUp sets the peer_connections_up gauge.
func (t *Tracker) SetPeerConnectionsUp(n int64) { t.peerConnsUp.Store(n) }

// SetPageCounts sets the pages_local/pages_remote gauges, typically fed
// from directory.Counts.
func (t *Tracker) SetPageCounts(local, remote uint64) {
	t.pagesLocal.Store(local)
	t.pagesRemote.Store(remote)
}

// Summary is the on-demand rollup described in spec §4.6.
type Summary struct {
	TotalFaults       uint64
	RemoteMissRatio   float64
	MedianServiceUs   uint64
	P99ServiceUs      uint64
}

// Summarize merges every worker ring's current contents and computes the
// percentiles the same way the teacher computes LatencyMetrics: copy,
// sort, index. Recomputed on each call rather than maintained
// incrementally, matching the teacher's calculatePercentiles.
func (t *Tracker) Summarize() Summary {
	var all []uint64
	for _, r := range t.rings {
		for _, s := range r.snapshot() {
			all = append(all, s.ServiceTimeUs)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	total := t.totalFaults.Load()
	remote := t.remoteFaults.Load()
	var ratio float64
	if total > 0 {
		ratio = float64(remote) / float64(total)
	}

	sum := Summary{TotalFaults: total, RemoteMissRatio: ratio}
	if n := len(all); n > 0 {
		sum.MedianServiceUs = all[n/2]
		idx := int(float64(n) * 0.99)
		if idx >= n {
			idx = n - 1
		}
		sum.P99ServiceUs = all[idx]
	}
	return sum
}

// Exposition returns the Prometheus-text rendering of every counter/gauge
// in spec §6.4, in the style of internal/runtime.StartMetricsServer:
// metric names sorted for deterministic output, one line per metric.
func (t *Tracker) Exposition() string {
	var b strings.Builder
	sum := t.Summarize()

	lines := map[string]float64{
		"faults_total_local_first_touch": float64(t.localFaults.Load()),
		"faults_total_remote_fetch":      float64(t.remoteFaults.Load()),
		"faults_total":                   float64(sum.TotalFaults),
		"remote_miss_ratio":              sum.RemoteMissRatio,
		"fault_service_time_us_median":   float64(sum.MedianServiceUs),
		"fault_service_time_us_p99":      float64(sum.P99ServiceUs),
		"peer_connections_up":            float64(t.peerConnsUp.Load()),
		"pages_local":                    float64(t.pagesLocal.Load()),
		"pages_remote":                   float64(t.pagesRemote.Load()),
	}
	t.transportOps.Range(func(k, v interface{}) bool {
		key := k.(opKey)
		name := fmt.Sprintf("transport_ops_total_%s_peer_%d", sanitizeToken(key.Op), key.Peer)
		lines[name] = float64(v.(*atomic.Uint64).Load())
		return true
	})
	t.transportErrs.Range(func(k, v interface{}) bool {
		key := k.(errKey)
		name := fmt.Sprintf("transport_errors_total_%s_peer_%d", sanitizeToken(key.Kind), key.Peer)
		lines[name] = float64(v.(*atomic.Uint64).Load())
		return true
	})

	names := make([]string, 0, len(lines))
	for name := range lines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s %g\n", name, lines[name])
	}
	return b.String()
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, s)
}

// StartExpositionServer binds a minimal HTTP /metrics endpoint on addr,
// returning the bound address and a shutdown function, mirroring
// internal/runtime.StartMetricsServer's signature.
func StartExpositionServer(addr string, t *Tracker) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, t.Exposition()) //nolint:errcheck
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	bound := ln.Addr().String()
	go func() {
		_ = srv.Serve(ln)
	}()
	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
	return bound, stop, nil
}
