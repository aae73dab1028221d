// Package directory implements the per-node page directory: the
// authoritative ownership map described in spec §4.2. Lookups are
// wait-free; claim and fetch transitions are lock-free compare-and-swap
// retry loops over one atomic word per page, in the spirit of the
// teacher's internal/runtime/concurrency.LockFreeMap bucket CAS loop.
package directory

import (
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

// State is the ownership tag for a page, matching spec §3.
type State uint8

const (
	Unclaimed State = iota
	Local
	Remote
	InFlight
)

func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Local:
		return "local"
	case Remote:
		return "remote"
	case InFlight:
		return "inflight"
	default:
		return "invalid"
	}
}

// Entry is a snapshot of a page's ownership state.
type Entry struct {
	State State
	Owner uint32 // meaningful for Remote and InFlight
}

// Each page's ownership state is packed into a single atomic.Uint64:
// bits[1:0] = state tag, bits[33:2] = owner node id. This mirrors the
// teacher's page-table-entry bit-packing in
// internal/runtime/kernel/vmm.go (PTE flags in the low bits, physical
// address in the high bits), adapted to ownership state instead of
// protection flags.
type cell = atomic.Uint64

const (
	stateMask = 0x3
	ownerShift = 2
)

func encode(s State, owner uint32) uint64 {
	return uint64(s) | (uint64(owner) << ownerShift)
}

func decode(v uint64) (State, uint32) {
	return State(v & stateMask), uint32(v >> ownerShift)
}

// Directory holds the ownership map for every page of the guest-physical
// address space registered on this node.
type Directory struct {
	space pageno.Space
	cells []cell
	group singleflight.Group // coalesces concurrent fetches per page
}

// New allocates a directory sized for space. All pages start Unclaimed,
// per §3 lifecycle: "Directory entries are created at cluster formation".
func New(space pageno.Space) *Directory {
	return &Directory{
		space: space,
		cells: make([]cell, space.Count),
	}
}

// Lookup is an O(1) wait-free read of the current ownership state.
func (d *Directory) Lookup(page pageno.Number) (Entry, error) {
	if err := d.space.Validate(page); err != nil {
		return Entry{}, err
	}
	s, owner := decode(d.cells[page].Load())
	return Entry{State: s, Owner: owner}, nil
}

// TryClaimLocal atomically transitions Unclaimed -> Local. Used for
// first-touch allocation (§4.5 Unclaimed case).
func (d *Directory) TryClaimLocal(page pageno.Number) (claimed bool, alreadyOwnedBy uint32, err error) {
	if err = d.space.Validate(page); err != nil {
		return false, 0, err
	}
	c := &d.cells[page]
	for {
		cur := c.Load()
		s, owner := decode(cur)
		if s != Unclaimed {
			return false, owner, nil
		}
		if c.CompareAndSwap(cur, encode(Local, 0)) {
			return true, 0, nil
		}
	}
}

// MarkRemote unconditionally sets a page to Remote(owner). Used by the
// transport server after this node pushes a page to another node
// (migration, §4.2).
func (d *Directory) MarkRemote(page pageno.Number, owner uint32) error {
	if err := d.space.Validate(page); err != nil {
		return err
	}
	d.cells[page].Store(encode(Remote, owner))
	return nil
}

// MarkLocal unconditionally sets a page to Local. Used by the transport
// server when it receives a PUSH (§4.3 server side).
func (d *Directory) MarkLocal(page pageno.Number) error {
	if err := d.space.Validate(page); err != nil {
		return err
	}
	d.cells[page].Store(encode(Local, 0))
	return nil
}

// FetchResult is what FetchOrJoin returns to every caller sharing a
// coalesced fetch.
type FetchResult struct {
	Bytes    []byte
	Shared   bool // true if this caller did not issue the network request
}

// FetchOrJoin drives a Remote(owner) -> InFlight(owner) -> {Local,Remote}
// transition around a caller-supplied fetch function, coalescing
// concurrent callers for the same page onto a single invocation of
// fetchFn via golang.org/x/sync/singleflight — the corpus's dependency
// that matches spec §9's "coalescing waiters on an in-flight page"
// primitive most directly. Only the leader (Shared=false) actually
// transitions directory state and calls fetchFn; followers block until
// the leader's fetch settles and observe the same outcome (§8
// "Coalescing" testable property).
func (d *Directory) FetchOrJoin(page pageno.Number, owner uint32, fetchFn func() ([]byte, error)) (FetchResult, error) {
	if err := d.space.Validate(page); err != nil {
		return FetchResult{}, err
	}
	key := strconv.FormatUint(uint64(page), 10)
	// singleflight's own shared flag is also true for the caller that ran
	// the function whenever others joined it, so leadership is tracked
	// here: only the caller whose closure runs sets leader.
	leader := false
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		leader = true
		if !d.beginFetchCAS(page, owner) {
			// Lost the race to a concurrent installer (e.g. a PUSH
			// landed first); re-read state instead of failing.
			s, _ := decode(d.cells[page].Load())
			if s == Local {
				return []byte(nil), nil
			}
			return nil, pagererr.New(pagererr.ProtocolViolation,
				"page %d changed state unexpectedly before fetch", uint64(page))
		}
		bytes, ferr := fetchFn()
		if ferr != nil {
			d.cells[page].Store(encode(Remote, owner))
			return nil, ferr
		}
		d.cells[page].Store(encode(Local, 0))
		return bytes, nil
	})
	if err != nil {
		return FetchResult{Shared: !leader}, err
	}
	b, _ := v.([]byte)
	return FetchResult{Bytes: b, Shared: !leader}, nil
}

func (d *Directory) beginFetchCAS(page pageno.Number, owner uint32) bool {
	c := &d.cells[page]
	for {
		cur := c.Load()
		s, curOwner := decode(cur)
		switch s {
		case Remote:
			if c.CompareAndSwap(cur, encode(InFlight, owner)) {
				return true
			}
		case InFlight:
			if curOwner == owner {
				// Another path already has this in flight; singleflight
				// already dedupes same-key callers, so this should not
				// normally be reached, but treat as success-to-wait.
				return false
			}
			return false
		default:
			return false
		}
	}
}

// IterateLocal calls fn for every page currently owned Local by this
// node. Used by migration and diagnostics (§4.2).
func (d *Directory) IterateLocal(fn func(pageno.Number)) {
	for i := pageno.Number(0); i < d.space.Count; i++ {
		s, _ := decode(d.cells[i].Load())
		if s == Local {
			fn(i)
		}
	}
}

// Counts returns the number of pages in each state, for telemetry
// gauges (§6.4 pages_local/pages_remote).
func (d *Directory) Counts() (local, remoteCount, unclaimed, inFlight uint64) {
	for i := pageno.Number(0); i < d.space.Count; i++ {
		s, _ := decode(d.cells[i].Load())
		switch s {
		case Local:
			local++
		case Remote:
			remoteCount++
		case Unclaimed:
			unclaimed++
		case InFlight:
			inFlight++
		}
	}
	return
}
