package stats

import (
	"strings"
	"testing"
)

func TestRecordFaultUpdatesCounters(t *testing.T) {
	tr := NewTracker(2)
	tr.RecordFault(0, Sample{Page: 1, Classification: LocalFirstTouch, ServiceTimeUs: 10})
	tr.RecordFault(1, Sample{Page: 2, Classification: RemoteFetch, ServiceTimeUs: 200})
	tr.RecordFault(0, Sample{Page: 3, Classification: RemoteFetch, ServiceTimeUs: 100})

	sum := tr.Summarize()
	if sum.TotalFaults != 3 {
		t.Fatalf("got %d, want 3", sum.TotalFaults)
	}
	want := 2.0 / 3.0
	if sum.RemoteMissRatio != want {
		t.Fatalf("got %v, want %v", sum.RemoteMissRatio, want)
	}
	if sum.MedianServiceUs == 0 {
		t.Fatal("expected nonzero median")
	}
}

func TestPeerHitsAccumulatePerOwner(t *testing.T) {
	tr := NewTracker(1)
	tr.RecordPeerHit(5, 1)
	tr.RecordPeerHit(5, 1)
	tr.RecordPeerHit(5, 2)

	if got := tr.PeerHits(5, 1); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := tr.PeerHits(5, 2); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := tr.PeerHits(6, 1); got != 0 {
		t.Fatalf("got %d, want 0 for untouched page", got)
	}
}

func TestExpositionIsDeterministicallySorted(t *testing.T) {
	tr := NewTracker(1)
	tr.RecordTransportOp("fetch", 1)
	tr.RecordTransportOp("push", 2)
	tr.RecordTransportError("peer_unreachable", 1)
	tr.SetPeerConnectionsUp(3)
	tr.SetPageCounts(10, 5)

	out := tr.Exposition()
	if !strings.Contains(out, "pages_local 10") {
		t.Fatalf("missing pages_local line: %q", out)
	}
	if !strings.Contains(out, "peer_connections_up 3") {
		t.Fatalf("missing peer_connections_up line: %q", out)
	}
	if !strings.Contains(out, "transport_ops_total_fetch_peer_1") {
		t.Fatalf("missing per-peer transport_ops_total line: %q", out)
	}
	if !strings.Contains(out, "transport_errors_total_peer_unreachable_peer_1") {
		t.Fatalf("missing per-peer transport_errors_total line: %q", out)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i-1] > lines[i] {
			t.Fatalf("exposition not sorted: %q before %q", lines[i-1], lines[i])
		}
	}
}

func TestRingWrapsWithoutPanicking(t *testing.T) {
	tr := NewTracker(1)
	for i := 0; i < ringSize*2+7; i++ {
		tr.RecordFault(0, Sample{Page: 1, Classification: LocalFirstTouch, ServiceTimeUs: uint64(i)})
	}
	sum := tr.Summarize()
	if sum.TotalFaults != uint64(ringSize*2+7) {
		t.Fatalf("got %d", sum.TotalFaults)
	}
}
