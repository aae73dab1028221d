// Package fault intercepts guest-physical page faults and turns them
// into FaultEvent values the resolver consumes (spec §4.1). On Linux
// this is backed by userfaultfd(2) in missing-page mode; on any other
// platform the facility reports itself unavailable at construction time,
// the FaultFacilityUnavailable case from spec §7.
//
// Modeled on the e2b-dev-infra orchestrator's userfaultfd.Userfaultfd:
// a poll loop reads UFFD_EVENT_PAGEFAULT messages and dispatches each to
// its own goroutine, bounded by an errgroup limit, mirroring
// internal/runtime/kernel.PageFaultInfo for the fields carried per fault.
package fault

import (
	"context"
	"sync"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
)

// Event is one intercepted page fault.
type Event struct {
	Page  pageno.Number
	Write bool
}

// Region describes the guest-physical address range registered with the
// fault facility.
type Region struct {
	Base uintptr
	Len  uint64
}

// Interceptor is the capability the resolver and node lifecycle need
// against the underlying fault-notification facility.
type Interceptor interface {
	// Events returns the channel of incoming fault events. Closed once
	// Serve returns.
	Events() <-chan Event
	// Serve runs the poll/read loop until ctx is cancelled or Close is
	// called; safe to run in its own goroutine. Closes the channel
	// returned by Ready once the loop has actually begun polling.
	Serve(ctx context.Context) error
	// Ready returns a channel that closes once Serve has started polling
	// for events, letting a caller that launched Serve in its own
	// goroutine block until the event consumer is actually running
	// (spec §9) instead of assuming the goroutine has been scheduled.
	Ready() <-chan struct{}
	// CopyIntoPage installs data (exactly pageno.Size bytes) at page and
	// wakes any threads blocked on the fault, resolving it.
	CopyIntoPage(page pageno.Number, data []byte) error
	// ZeroPage installs a zero-filled page and wakes waiters; used for
	// a page this node is the first to touch when no peer owns it.
	ZeroPage(page pageno.Number) error
	// WakeWithoutCopy resumes faulting threads without altering page
	// contents, used when the page is already installed (a coalesced
	// fault, or a spurious fault on a Local page).
	WakeWithoutCopy(page pageno.Number) error
	// ReadPage reads the current content of page from guest memory,
	// used to serve an outbound FETCH_REQ.
	ReadPage(page pageno.Number) ([]byte, error)
	// WritePage overwrites page, used to apply an inbound PUSH.
	WritePage(page pageno.Number, data []byte) error
	// Close tears down the facility and unblocks Serve.
	Close() error
}

// eventBroker is the shared channel-management plumbing used by both the
// Linux and stub implementations, factored out so only the syscall-facing
// code differs per platform.
type eventBroker struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventBroker(buf int) *eventBroker {
	return &eventBroker{ch: make(chan Event, buf)}
}

func (b *eventBroker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		// Backpressure: the resolver is falling behind. Dropping here
		// would lose a fault permanently, so block instead; the Linux
		// interceptor's New sizes buf at 4096 events.
		b.mu.Unlock()
		b.ch <- e
		b.mu.Lock()
	}
}

func (b *eventBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
