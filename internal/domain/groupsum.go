package domain

import (
	"sync"

	"github.com/netperfx/perfx/internal/stats"
)

// GroupSumInfo is the reference-counted aggregate over all flows that
// share an identity (e.g. all client threads of one -P N test). The
// reporter is the sole mutator of the Welford/byte totals; the mutex
// here only protects the reference count and the shared start-time
// seed, matching the "single-writer steady state" concurrency model.
//
// Invariant: slotUpCount - slotDownCount equals the number of member
// flows that have advanced past the current interval boundary but not
// yet entered the next one. When the two counts are equal again, every
// member has contributed exactly once and the summed row may be
// emitted.
type GroupSumInfo struct {
	mu sync.Mutex

	refCount int

	Bytes     ByteCounter
	Datagrams int64
	Lost      int64

	Transit stats.Welford

	slotUpCount   int
	slotDownCount int

	startTimeSeeded bool
}

// NewGroupSumInfo returns a GroupSumInfo with refCount 1 (the first
// member that creates it).
func NewGroupSumInfo() *GroupSumInfo {
	return &GroupSumInfo{refCount: 1, Transit: stats.New()}
}

// AddRef increments the reference count when an additional flow joins
// this group-sum identity.
func (g *GroupSumInfo) AddRef() {
	g.mu.Lock()
	g.refCount++
	g.mu.Unlock()
}

// Release decrements the reference count and reports whether this was
// the last reference (the caller should free the GroupSumInfo).
func (g *GroupSumInfo) Release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refCount--
	return g.refCount == 0
}

// SeedStartTimeOnce runs fn exactly once across all members, used to
// pick the group's shared interval-start epoch from whichever member
// publishes first.
func (g *GroupSumInfo) SeedStartTimeOnce(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startTimeSeeded {
		return
	}
	g.startTimeSeeded = true
	fn()
}

// EnterInterval marks that a member has advanced into a new interval
// slot (slotUpCount++). Returns true if every known member is now in
// the slot (upCount == downCount + refCount), meaning all flows have
// reported and the row is complete -- mirrors the "up/down toggle"
// design note.
func (g *GroupSumInfo) EnterInterval() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slotUpCount++
	return g.slotUpCount-g.slotDownCount == g.refCount
}

// LeaveInterval marks a member as having consumed/emitted the current
// completed slot (slotDownCount++), resetting the toggle pair.
func (g *GroupSumInfo) LeaveInterval() {
	g.mu.Lock()
	g.slotDownCount++
	g.mu.Unlock()
}
