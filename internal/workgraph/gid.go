package workgraph

import (
	"fmt"
	"sync"
	"time"
)

// gidAllocator issues globally unique resource identifiers. GIDs are fixed
// width decimal strings so lexicographic order matches creation order: a
// millisecond timestamp prefix plus a per-millisecond counter suffix.
type gidAllocator struct {
	mu       sync.Mutex
	lastUnit int64
	counter  uint64
	clock    func() time.Time
}

func newGIDAllocator(clock func() time.Time) *gidAllocator {
	if clock == nil {
		clock = time.Now
	}
	return &gidAllocator{clock: clock}
}

func (a *gidAllocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	unit := a.clock().UnixMilli()
	if unit <= a.lastUnit {
		unit = a.lastUnit
		a.counter++
	} else {
		a.lastUnit = unit
		a.counter = 0
	}
	if a.counter > 999999 {
		// Counter exhausted within one millisecond; borrow from the future.
		a.lastUnit++
		unit = a.lastUnit
		a.counter = 0
	}
	return fmt.Sprintf("%013d%06d", unit, a.counter)
}

// seed advances the allocator past every identifier already present in a
// loaded snapshot so restarts never reissue a GID.
func (a *gidAllocator) seed(existing string) {
	if len(existing) != 19 {
		return
	}
	var unit int64
	var counter uint64
	if _, err := fmt.Sscanf(existing, "%13d%6d", &unit, &counter); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if unit > a.lastUnit || (unit == a.lastUnit && counter >= a.counter) {
		a.lastUnit = unit
		a.counter = counter
	}
}
