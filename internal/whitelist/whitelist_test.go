package whitelist

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rom/internal/core"
)

func addr(t *testing.T, s string) core.Addr {
	t.Helper()
	a, err := core.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestBuildFromInterfaces(t *testing.T) {
	src := StaticSource(
		InterfaceAddr{Iface: "eth0", Addr: netip.MustParseAddr("192.168.1.10"), Broadcast: netip.MustParseAddr("192.168.1.255")},
		InterfaceAddr{Iface: "eth1", Addr: netip.MustParseAddr("10.0.0.1")},
		InterfaceAddr{Iface: "eth2", Addr: netip.MustParseAddr("192.168.1.10"), Broadcast: netip.MustParseAddr("192.168.1.255")},
		InterfaceAddr{Iface: "eth3", Addr: netip.MustParseAddr("fe80::1")},
	)
	subnet, err := core.ParseAddressMask("172.16.0.0/16")
	require.NoError(t, err)

	wl, err := Build(Config{Capacity: 8, Subnets: []core.AddressMask{subnet}}, src)
	require.NoError(t, err)

	assert.Equal(t, []core.AddressMask{
		core.Host(addr(t, "192.168.1.10")),
		core.Host(addr(t, "192.168.1.255")),
		core.Host(addr(t, "10.0.0.1")),
		subnet,
	}, wl.Entries())

	assert.True(t, wl.Matches(addr(t, "192.168.1.10")))
	assert.True(t, wl.Matches(addr(t, "192.168.1.255")))
	assert.True(t, wl.Matches(addr(t, "172.16.4.4")))
	assert.False(t, wl.Matches(addr(t, "192.168.1.11")))
	assert.False(t, wl.Matches(addr(t, "172.17.0.1")))
}

func TestBuildCapacityOverflow(t *testing.T) {
	src := StaticSource(
		InterfaceAddr{Iface: "eth0", Addr: netip.MustParseAddr("10.0.0.1"), Broadcast: netip.MustParseAddr("10.0.0.255")},
	)
	subnet, err := core.ParseAddressMask("172.16.0.0/16")
	require.NoError(t, err)

	wl, err := Build(Config{Capacity: 2, Subnets: []core.AddressMask{subnet}}, src)
	require.NoError(t, err, "overflow is not fatal")
	assert.Len(t, wl.Entries(), 2)
	assert.False(t, wl.Matches(addr(t, "172.16.0.1")))
}

type failingSource struct{}

func (failingSource) InterfaceAddrs() ([]InterfaceAddr, error) {
	return nil, errors.New("netlink unavailable")
}

func TestBuildSourceError(t *testing.T) {
	_, err := Build(Config{}, failingSource{})
	assert.Error(t, err)
}

func TestNewStatic(t *testing.T) {
	wl := New(4, core.Host(addr(t, "10.9.9.9")), core.AddressMask{})
	assert.True(t, wl.Matches(addr(t, "10.9.9.9")))
	assert.False(t, wl.Matches(addr(t, "1.2.3.4")), "zero entries are skipped")
	assert.Len(t, wl.Entries(), 1)
}
