//go:build !linux

package whitelist

import (
	"net"

	"go4.org/netipx"
)

// SystemInterfaces reads interface addresses through the net package.
type SystemInterfaces struct{}

func (SystemInterfaces) InterfaceAddrs() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []InterfaceAddr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			prefix, ok := netipx.FromStdIPNet(ipn)
			if !ok || !prefix.Addr().Is4() {
				continue
			}
			ia := InterfaceAddr{Iface: ifc.Name, Addr: prefix.Addr()}
			if ifc.Flags&net.FlagBroadcast != 0 && prefix.Bits() < 31 {
				ia.Broadcast = netipx.PrefixLastIP(prefix.Masked())
			}
			out = append(out, ia)
		}
	}
	return out, nil
}
