// Package queue holds packets that wait for a route, one bounded FIFO per
// destination.
//
// The FIFO for the external key (0.0.0.0) always exists. FIFOs for specific
// destinations are created on first enqueue and removed when released.
package queue

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
)

// EntryOverhead is the accounted size of one queued entry: a packet
// reference and a continuation reference.
const EntryOverhead = int(2 * unsafe.Sizeof(uintptr(0)))

// DropPolicy selects what happens when a FIFO is full.
type DropPolicy int

const (
	// DropHead evicts the oldest entry to make room (replace).
	DropHead DropPolicy = iota
	// DropTail discards the new packet.
	DropTail
)

// ParseDropPolicy accepts "head" (or "replace") and "tail" (or "drop").
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "head", "replace":
		return DropHead, nil
	case "tail", "drop":
		return DropTail, nil
	}
	return DropHead, fmt.Errorf("unknown drop policy %q", s)
}

func (p DropPolicy) String() string {
	if p == DropTail {
		return "tail"
	}
	return "head"
}

// Config configures every FIFO in a Queue.
type Config struct {
	CapacityBytes int // per destination; 0 means one page
	Policy        DropPolicy
}

type entry struct {
	pkt  core.Packet
	cont core.Continuation
}

type fifo struct {
	dest    core.Addr
	entries []entry
}

func (f *fifo) len() int { return len(f.entries) }

func (f *fifo) push(e entry) { f.entries = append(f.entries, e) }

func (f *fifo) popFront() entry {
	e := f.entries[0]
	f.entries[0] = entry{}
	f.entries = f.entries[1:]
	return e
}

// drain removes every entry in FIFO order.
func (f *fifo) drain() []entry {
	out := f.entries
	f.entries = nil
	return out
}

// Queue is the keyed collection of FIFOs. It is safe for concurrent use.
type Queue struct {
	capacityBytes int
	maxEntries    int
	policy        DropPolicy

	mu     sync.Mutex
	fifos  map[core.Addr]*fifo
	closed bool
}

// New creates a Queue holding only the external FIFO.
func New(cfg Config) *Queue {
	capBytes := cfg.CapacityBytes
	if capBytes <= 0 {
		capBytes = unix.Getpagesize()
	}
	maxEntries := capBytes / EntryOverhead
	if maxEntries < 1 {
		maxEntries = 1
	}
	q := &Queue{
		capacityBytes: capBytes,
		maxEntries:    maxEntries,
		policy:        cfg.Policy,
		fifos:         make(map[core.Addr]*fifo),
	}
	q.fifos[core.ExternalAddr] = q.newFifo(core.ExternalAddr)
	return q
}

func (q *Queue) newFifo(dest core.Addr) *fifo {
	return &fifo{dest: dest}
}

// MaxEntries returns how many packets one FIFO holds.
func (q *Queue) MaxEntries() int { return q.maxEntries }

// Enqueue stores a private copy of pkt under dest. A nil cont forwards the
// copy on release. wasEmpty reports whether dest had no FIFO, or an empty
// one, before this call.
//
// The caller keeps ownership of pkt. When the copy cannot be made the packet
// is not queued and core.ErrAllocation is returned. With the DropTail policy
// a full FIFO rejects the packet with core.ErrFull.
func (q *Queue) Enqueue(dest core.Addr, pkt core.Packet, cont core.Continuation) (wasEmpty bool, err error) {
	cp, err := pkt.Copy()
	if err != nil || cp == nil {
		metrics.QueueDropsTotal.WithLabelValues("allocation").Inc()
		log.GetLogger().WithField("dst", dest.String()).Warnf("dropping packet: %v", err)
		return false, fmt.Errorf("copy packet for %s: %w", dest, core.ErrAllocation)
	}
	if cont == nil {
		cont = forward
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cp.Discard()
		metrics.QueueDropsTotal.WithLabelValues("closed").Inc()
		return false, core.ErrQueueClosed
	}

	f, ok := q.fifos[dest]
	if !ok {
		f = q.newFifo(dest)
		q.fifos[dest] = f
	}
	wasEmpty = f.len() == 0

	var evicted core.Packet
	if f.len() >= q.maxEntries {
		if q.policy == DropTail {
			q.mu.Unlock()
			cp.Discard()
			metrics.QueueDropsTotal.WithLabelValues("overflow").Inc()
			log.GetLogger().WithField("dst", dest.String()).Warn("pending queue full, dropping newest packet")
			return false, fmt.Errorf("queue for %s: %w", dest, core.ErrFull)
		}
		evicted = f.popFront().pkt
	}
	f.push(entry{pkt: cp, cont: cont})
	q.mu.Unlock()

	if evicted != nil {
		evicted.Discard()
		metrics.QueueDropsTotal.WithLabelValues("overflow").Inc()
		log.GetLogger().WithField("dst", dest.String()).Debug("pending queue full, replaced oldest packet")
	} else {
		metrics.QueuePackets.Inc()
	}
	return wasEmpty, nil
}

func forward(pkt core.Packet) error { return pkt.Forward() }

// Len returns the number of packets queued for dest.
func (q *Queue) Len(dest core.Addr) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f, ok := q.fifos[dest]; ok {
		return f.len()
	}
	return 0
}

// Exists reports whether a FIFO exists for dest.
func (q *Queue) Exists(dest core.Addr) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.fifos[dest]
	return ok
}

// ForwardError records a continuation failure during a release.
type ForwardError struct {
	Dest core.Addr
	Err  error
}

// ReleaseResult summarizes one Release call.
type ReleaseResult struct {
	Released int            // continuations invoked
	Failed   []ForwardError // continuations that returned an error
}

type detached struct {
	dest    core.Addr
	entries []entry
}

// Matches reports whether a FIFO keyed by dest is selected by a release of
// am. Only address 0.0.0.0 selects the external FIFO, whatever the mask; any
// other FIFO is selected by the mask-reduced comparison.
func Matches(am core.AddressMask, dest core.Addr) bool {
	if dest == core.ExternalAddr {
		return am.Addr == core.ExternalAddr
	}
	return am.Matches(dest)
}

// Release drains every FIFO selected by am and invokes each continuation in
// enqueue order, outside the queue lock. Released FIFOs are removed except
// the external one. Continuation errors are collected, not fatal.
//
// An entry with a missing packet or continuation aborts the release with
// core.ErrStructuralMismatch; the remaining detached packets are discarded.
func (q *Queue) Release(am core.AddressMask) (ReleaseResult, error) {
	var res ReleaseResult

	q.mu.Lock()
	var work []detached
	for dest, f := range q.fifos {
		if !Matches(am, dest) {
			continue
		}
		if entries := f.drain(); len(entries) > 0 {
			work = append(work, detached{dest: dest, entries: entries})
		}
		if dest != core.ExternalAddr {
			delete(q.fifos, dest)
		}
	}
	q.mu.Unlock()

	slices.SortFunc(work, func(a, b detached) int { return cmp.Compare(a.dest, b.dest) })

	for wi, w := range work {
		for ei, e := range w.entries {
			if e.pkt == nil || e.cont == nil {
				discarded := discardRest(work[wi:], ei)
				metrics.QueuePackets.Sub(float64(res.Released + discarded))
				metrics.QueueDropsTotal.WithLabelValues("mismatch").Add(float64(discarded))
				return res, fmt.Errorf("release %s: entry %d of %s: %w", am, ei, w.dest, core.ErrStructuralMismatch)
			}
			if err := e.cont(e.pkt); err != nil {
				res.Failed = append(res.Failed, ForwardError{Dest: w.dest, Err: err})
			}
			res.Released++
		}
	}
	metrics.QueuePackets.Sub(float64(res.Released))
	return res, nil
}

// discardRest frees every packet from work[0].entries[from:] onwards.
func discardRest(work []detached, from int) int {
	n := 0
	for i, w := range work {
		start := 0
		if i == 0 {
			start = from
		}
		for _, e := range w.entries[start:] {
			if e.pkt != nil {
				e.pkt.Discard()
			}
			n++
		}
	}
	return n
}

// Stat describes one FIFO for diagnostics.
type Stat struct {
	Dest     core.Addr
	Used     int // bytes accounted
	Capacity int // bytes
	Len      int // packets
}

// Dump yields one Stat per FIFO, ordered by destination. Each iteration
// takes a fresh snapshot.
func (q *Queue) Dump() iter.Seq[Stat] {
	return func(yield func(Stat) bool) {
		q.mu.Lock()
		snap := make([]Stat, 0, len(q.fifos))
		for dest, f := range q.fifos {
			n := f.len()
			snap = append(snap, Stat{
				Dest:     dest,
				Used:     n * EntryOverhead,
				Capacity: q.capacityBytes,
				Len:      n,
			})
		}
		q.mu.Unlock()

		slices.SortFunc(snap, func(a, b Stat) int { return cmp.Compare(a.Dest, b.Dest) })
		for _, s := range snap {
			if !yield(s) {
				return
			}
		}
	}
}

// DestroyAll discards every queued packet without invoking continuations
// and closes the queue. It returns the number of packets freed.
func (q *Queue) DestroyAll() int {
	q.mu.Lock()
	var pending []entry
	for dest, f := range q.fifos {
		pending = append(pending, f.drain()...)
		delete(q.fifos, dest)
	}
	q.closed = true
	q.mu.Unlock()

	for _, e := range pending {
		if e.pkt != nil {
			e.pkt.Discard()
		}
	}
	metrics.QueuePackets.Sub(float64(len(pending)))
	return len(pending)
}

