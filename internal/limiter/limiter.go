// Package limiter throttles per-destination notifications.
package limiter

import (
	"sync"
	"time"

	"firestige.xyz/rom/internal/core"
)

// Liveness lets one notification per destination through per wall-clock
// second.
type Liveness struct {
	mu       sync.Mutex
	lastSeen map[core.Addr]int64
}

func NewLiveness() *Liveness {
	return &Liveness{lastSeen: make(map[core.Addr]int64)}
}

// ShouldNotify reports whether a liveness notification for dest may be sent
// at now.
func (l *Liveness) ShouldNotify(dest core.Addr, now time.Time) bool {
	sec := now.Unix()

	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastSeen[dest]
	if ok && last == sec {
		return false
	}
	l.lastSeen[dest] = sec
	return true
}

// Len returns the number of tracked destinations.
func (l *Liveness) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastSeen)
}

// Clear forgets every destination.
func (l *Liveness) Clear() {
	l.mu.Lock()
	l.lastSeen = make(map[core.Addr]int64)
	l.mu.Unlock()
}

// DefaultFailureInterval is the failure window when none is configured.
const DefaultFailureInterval = time.Second

// FailureConfig configures the failure limiter.
type FailureConfig struct {
	Enabled   bool          // link-layer feedback on/off
	Threshold int           // failures per interval before one is let through
	Interval  time.Duration // window length (default 1s)
}

type failureEntry struct {
	lastSeen time.Time
	count    int
}

// Failure throttles route-error notifications.
//
// The first failure after a quiet period (longer than Interval) only opens a
// new window and is swallowed. Later failures inside the window are counted,
// and the one that brings the count to Threshold is let through and starts a
// fresh window. With feedback disabled nothing is let through; with a
// threshold below 2 everything is.
type Failure struct {
	cfg FailureConfig

	mu      sync.Mutex
	entries map[core.Addr]*failureEntry
}

func NewFailure(cfg FailureConfig) *Failure {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFailureInterval
	}
	return &Failure{cfg: cfg, entries: make(map[core.Addr]*failureEntry)}
}

// Active reports whether the windowed algorithm is in effect.
func (f *Failure) Active() bool {
	return f.cfg.Enabled && f.cfg.Threshold >= 2
}

// ShouldNotify reports whether a route-error notification for dest may be
// sent at now.
func (f *Failure) ShouldNotify(dest core.Addr, now time.Time) bool {
	if !f.cfg.Enabled {
		return false
	}
	if f.cfg.Threshold < 2 {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[dest]
	if !ok || now.Sub(e.lastSeen) > f.cfg.Interval {
		f.entries[dest] = &failureEntry{lastSeen: now}
		return false
	}
	e.count++
	if e.count >= f.cfg.Threshold {
		e.count = 0
		e.lastSeen = now
		return true
	}
	return false
}

// Len returns the number of tracked destinations.
func (f *Failure) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Clear forgets every destination.
func (f *Failure) Clear() {
	f.mu.Lock()
	f.entries = make(map[core.Addr]*failureEntry)
	f.mu.Unlock()
}
