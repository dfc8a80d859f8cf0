// Package routetable holds the set of destinations with a verified route.
//
// Storage is a fixed array of slots scanned linearly. A never-used slot is
// (0, 0) and terminates every scan. A slot vacated by Delete is set to
// (0, 255.255.255.255) so it is skipped but does not stop the scan.
package routetable

import (
	"iter"
	"sync"

	"firestige.xyz/rom/internal/core"
)

// DefaultCapacity is the number of slots when none is configured.
const DefaultCapacity = 256

var (
	terminator = core.AddressMask{}
	cleared    = core.AddressMask{Addr: 0, Mask: core.AllOnes}
)

// Table is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	slots []core.AddressMask
}

// New returns an empty table with room for capacity destinations.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]core.AddressMask, capacity)}
}

// HasRoute reports whether some entry covers addr.
func (t *Table) HasRoute(addr core.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(addr) >= 0
}

func (t *Table) find(addr core.Addr) int {
	for i, s := range t.slots {
		if s == terminator {
			break
		}
		if s == cleared {
			continue
		}
		if s.Matches(addr) {
			return i
		}
	}
	return -1
}

// Add inserts dest. Adding 0.0.0.0 or a destination that is already covered
// succeeds without inserting. core.ErrFull is returned when no slot is free.
func (t *Table) Add(dest core.AddressMask) error {
	if dest.Addr == core.ExternalAddr {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.find(dest.Addr) >= 0 || t.find(dest.Reduced()) >= 0 {
		return nil
	}
	for i, s := range t.slots {
		if s == terminator || s == cleared {
			t.slots[i] = dest
			return nil
		}
	}
	return core.ErrFull
}

// Delete removes the entry whose address equals dest.Addr and moves the last
// live entry into the hole. core.ErrNotFound is returned on a miss.
func (t *Table) Delete(dest core.AddressMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	hit, last := -1, -1
	for i, s := range t.slots {
		if s == terminator {
			break
		}
		if s == cleared {
			continue
		}
		if hit < 0 && s.Addr == dest.Addr {
			hit = i
		}
		last = i
	}
	if hit < 0 {
		return core.ErrNotFound
	}
	if hit != last {
		t.slots[hit] = t.slots[last]
	}
	t.slots[last] = cleared
	return nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	n := 0
	for range t.Dump() {
		n++
	}
	return n
}

// Cap returns the slot count.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Dump yields the live entries. Each iteration works on a fresh snapshot.
func (t *Table) Dump() iter.Seq[core.AddressMask] {
	return func(yield func(core.AddressMask) bool) {
		t.mu.RLock()
		snap := make([]core.AddressMask, 0, len(t.slots))
		for _, s := range t.slots {
			if s == terminator {
				break
			}
			if s != cleared {
				snap = append(snap, s)
			}
		}
		t.mu.RUnlock()

		for _, s := range snap {
			if !yield(s) {
				return
			}
		}
	}
}

// Slots returns a copy of the raw slot array including both sentinels.
func (t *Table) Slots() []core.AddressMask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.AddressMask, len(t.slots))
	copy(out, t.slots)
	return out
}
