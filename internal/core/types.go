// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Addr is an IPv4 address read as a big-endian integer, so 10.0.0.1 is
// 0x0a000001. The numeric value equals the network-order wire bytes.
type Addr uint32

// AllOnes is the host mask 255.255.255.255.
const AllOnes uint32 = 0xffffffff

// ExternalAddr is the shared key used for non-local, non-whitelisted traffic
// while no gateway path is known (0.0.0.0).
const ExternalAddr Addr = 0

// AddrFrom4 builds an Addr from four octets in network order.
func AddrFrom4(b [4]byte) Addr {
	return Addr(binary.BigEndian.Uint32(b[:]))
}

// AddrFromNetip converts an IPv4 (or IPv4-mapped) netip.Addr. ok is false
// for anything else.
func AddrFromNetip(ip netip.Addr) (addr Addr, ok bool) {
	ip = ip.Unmap()
	if !ip.Is4() {
		return 0, false
	}
	return AddrFrom4(ip.As4()), true
}

// ParseAddr parses a dotted-quad IPv4 address.
func ParseAddr(s string) (Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	addr, ok := AddrFromNetip(ip)
	if !ok {
		return 0, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return addr, nil
}

// As4 returns the address octets in network order.
func (a Addr) As4() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

// Netip returns the address as a netip.Addr.
func (a Addr) Netip() netip.Addr {
	return netip.AddrFrom4(a.As4())
}

// LowByte returns the last octet (the .255 of x.y.z.255).
func (a Addr) LowByte() uint8 {
	return uint8(a & 0xff)
}

func (a Addr) String() string {
	return a.Netip().String()
}

// AddressMask is a destination address together with its mask.
type AddressMask struct {
	Addr Addr
	Mask uint32
}

// Host returns an AddressMask covering exactly addr.
func Host(addr Addr) AddressMask {
	return AddressMask{Addr: addr, Mask: AllOnes}
}

// Matches reports whether candidate falls inside am:
// (candidate & mask) == (address & mask).
func (am AddressMask) Matches(candidate Addr) bool {
	return uint32(candidate)&am.Mask == uint32(am.Addr)&am.Mask
}

// Reduced returns the address with the mask applied.
func (am AddressMask) Reduced() Addr {
	return Addr(uint32(am.Addr) & am.Mask)
}

// IsZero reports whether am is the zero/zero terminator.
func (am AddressMask) IsZero() bool {
	return am.Addr == 0 && am.Mask == 0
}

func (am AddressMask) String() string {
	return am.Addr.String() + "/" + Addr(am.Mask).String()
}

// ParseAddressMask accepts "a.b.c.d", "a.b.c.d/len" and "a.b.c.d/m.m.m.m".
// A bare address gets an all-ones mask.
func ParseAddressMask(s string) (AddressMask, error) {
	addrPart, maskPart, hasMask := strings.Cut(strings.TrimSpace(s), "/")
	addr, err := ParseAddr(addrPart)
	if err != nil {
		return AddressMask{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !hasMask {
		return Host(addr), nil
	}
	if strings.Contains(maskPart, ".") {
		mask, err := ParseAddr(maskPart)
		if err != nil {
			return AddressMask{}, fmt.Errorf("invalid mask %q: %w", s, err)
		}
		return AddressMask{Addr: addr, Mask: uint32(mask)}, nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return AddressMask{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	return AddressMask{Addr: addr, Mask: PrefixMask(prefix.Bits())}, nil
}

// PrefixMask returns the mask for a prefix length in [0, 32].
func PrefixMask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return AllOnes
	}
	return AllOnes << (32 - bits)
}

// HookPoint identifies where a packet was intercepted.
type HookPoint uint8

const (
	// HookPreRouting sees packets arriving from a link.
	HookPreRouting HookPoint = iota
	// HookLocalOut sees packets generated on this node.
	HookLocalOut
)

func (h HookPoint) String() string {
	switch h {
	case HookPreRouting:
		return "pre_routing"
	case HookLocalOut:
		return "local_out"
	default:
		return "unknown"
	}
}

// Verdict is the classifier decision for one packet.
type Verdict uint8

const (
	// VerdictAccept lets the packet continue on its normal path.
	VerdictAccept Verdict = iota
	// VerdictStolen means the packet was taken over by the queue (or dropped)
	// and must not be forwarded by the caller.
	VerdictStolen
)

func (v Verdict) String() string {
	if v == VerdictStolen {
		return "stolen"
	}
	return "accept"
}

// NotificationKind selects one of the broadcast notification classes.
type NotificationKind uint8

const (
	// RouteRequest asks a peer to discover a route to Addr.
	RouteRequest NotificationKind = iota + 1
	// RouteLife reports that the route to Addr was just used.
	RouteLife
	// RouteError reports that Addr failed and its route must be invalidated.
	RouteError
)

func (k NotificationKind) String() string {
	switch k {
	case RouteRequest:
		return "RREQ"
	case RouteLife:
		return "RLIFE"
	case RouteError:
		return "RERR"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Notification is a broadcast event for subscribed peers.
type Notification struct {
	Kind NotificationKind
	Addr Addr
}

// Notifier publishes notifications. Implementations must not block the
// caller and treat a missing listener as success.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }
