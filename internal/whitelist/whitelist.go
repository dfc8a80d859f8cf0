// Package whitelist holds the locally owned addresses that never need route
// discovery.
package whitelist

import (
	"fmt"
	"net/netip"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
)

// DefaultCapacity is the entry limit when none is configured.
const DefaultCapacity = 32

// InterfaceAddr is one address found on a non-loopback interface.
type InterfaceAddr struct {
	Iface     string
	Addr      netip.Addr
	Broadcast netip.Addr // invalid when the interface has none
}

// InterfaceSource enumerates local interface addresses.
type InterfaceSource interface {
	InterfaceAddrs() ([]InterfaceAddr, error)
}

// Config configures Build.
type Config struct {
	Capacity int
	Subnets  []core.AddressMask
}

// Whitelist is immutable once built and safe for concurrent reads.
type Whitelist struct {
	entries []core.AddressMask
	cap     int
}

// Build collects interface and broadcast addresses from src as host entries,
// then appends the configured subnets. Entries past the capacity are dropped
// with a warning. A nil src uses the system interfaces.
func Build(cfg Config, src InterfaceSource) (*Whitelist, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if src == nil {
		src = SystemInterfaces{}
	}
	addrs, err := src.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	wl := &Whitelist{entries: make([]core.AddressMask, 0, cfg.Capacity), cap: cfg.Capacity}
	seen := make(map[core.AddressMask]struct{})
	logger := log.GetLogger()

	for _, ia := range addrs {
		for _, ip := range []netip.Addr{ia.Addr, ia.Broadcast} {
			a, ok := core.AddrFromNetip(ip)
			if !ok {
				continue
			}
			if !wl.add(core.Host(a), seen) {
				logger.WithField("iface", ia.Iface).Warnf("whitelist full, skipping %s", a)
			}
		}
	}
	for _, sn := range cfg.Subnets {
		if !wl.add(sn, seen) {
			logger.Warnf("whitelist full, skipping subnet %s", sn)
		}
	}
	logger.Debugf("whitelist built with %d entries", len(wl.entries))
	return wl, nil
}

// New builds a Whitelist from explicit entries only.
func New(capacity int, entries ...core.AddressMask) *Whitelist {
	wl, _ := Build(Config{Capacity: capacity, Subnets: entries}, staticSource(nil))
	return wl
}

func (w *Whitelist) add(am core.AddressMask, seen map[core.AddressMask]struct{}) bool {
	if am.IsZero() {
		return true
	}
	if _, dup := seen[am]; dup {
		return true
	}
	if len(w.entries) >= w.cap {
		return false
	}
	seen[am] = struct{}{}
	w.entries = append(w.entries, am)
	return true
}

// Matches reports whether addr is covered by any entry.
func (w *Whitelist) Matches(addr core.Addr) bool {
	for _, e := range w.entries {
		if e.Matches(addr) {
			return true
		}
	}
	return false
}

// Entries returns a copy of the entries in insertion order.
func (w *Whitelist) Entries() []core.AddressMask {
	out := make([]core.AddressMask, len(w.entries))
	copy(out, w.entries)
	return out
}

type staticSource []InterfaceAddr

func (s staticSource) InterfaceAddrs() ([]InterfaceAddr, error) { return s, nil }

// StaticSource returns an InterfaceSource that reports addrs.
func StaticSource(addrs ...InterfaceAddr) InterfaceSource {
	return staticSource(addrs)
}
