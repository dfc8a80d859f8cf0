//go:build linux

package whitelist

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go4.org/netipx"
)

// SystemInterfaces reads interface addresses over rtnetlink.
type SystemInterfaces struct{}

func (SystemInterfaces) InterfaceAddrs() ([]InterfaceAddr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var out []InterfaceAddr
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("list addresses of %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			ia := InterfaceAddr{Iface: attrs.Name, Addr: ip.Unmap()}
			if bc, ok := netip.AddrFromSlice(a.Broadcast); ok && !bc.Unmap().IsUnspecified() {
				ia.Broadcast = bc.Unmap()
			} else {
				ia.Broadcast = broadcastOf(a.IPNet)
			}
			out = append(out, ia)
		}
	}
	return out, nil
}

// broadcastOf returns the last address of ipn, or an invalid Addr for
// host and point-to-point prefixes.
func broadcastOf(ipn *net.IPNet) netip.Addr {
	prefix, ok := netipx.FromStdIPNet(ipn)
	if !ok || prefix.Bits() >= 31 {
		return netip.Addr{}
	}
	return netipx.PrefixLastIP(prefix.Masked())
}
