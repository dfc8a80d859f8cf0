package core

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrConversions(t *testing.T) {
	addr, err := ParseAddr("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, Addr(0x0a000001), addr)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, addr.As4())
	assert.Equal(t, "10.0.0.1", addr.String())
	assert.Equal(t, uint8(1), addr.LowByte())

	mapped := netip.MustParseAddr("::ffff:192.168.1.255")
	got, ok := AddrFromNetip(mapped)
	require.True(t, ok)
	assert.Equal(t, uint8(0xff), got.LowByte())

	_, ok = AddrFromNetip(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)

	_, err = ParseAddr("2001:db8::1")
	assert.Error(t, err)
}

func TestAddressMaskMatches(t *testing.T) {
	subnet := AddressMask{Addr: mustAddr(t, "198.51.100.0"), Mask: PrefixMask(24)}

	assert.True(t, subnet.Matches(mustAddr(t, "198.51.100.5")))
	assert.True(t, subnet.Matches(mustAddr(t, "198.51.100.255")))
	assert.False(t, subnet.Matches(mustAddr(t, "198.51.101.5")))

	host := Host(mustAddr(t, "10.0.0.7"))
	assert.True(t, host.Matches(mustAddr(t, "10.0.0.7")))
	assert.False(t, host.Matches(mustAddr(t, "10.0.0.8")))

	assert.True(t, AddressMask{}.IsZero())
	assert.True(t, AddressMask{}.Matches(mustAddr(t, "1.2.3.4")))
}

func TestParseAddressMask(t *testing.T) {
	tests := []struct {
		in   string
		want AddressMask
	}{
		{"10.1.0.0/16", AddressMask{Addr: 0x0a010000, Mask: 0xffff0000}},
		{"10.1.0.0/255.255.0.0", AddressMask{Addr: 0x0a010000, Mask: 0xffff0000}},
		{"192.0.2.9", AddressMask{Addr: 0xc0000209, Mask: AllOnes}},
		{"0.0.0.0/0", AddressMask{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddressMask(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAddressMask("10.1.0.0/33")
	assert.Error(t, err)
	_, err = ParseAddressMask("nope/8")
	assert.Error(t, err)
}

func TestBufferPacket(t *testing.T) {
	var sent [][]byte
	orig := NewBufferPacket([]byte{1, 2, 3}, func(data []byte) error {
		sent = append(sent, data)
		return nil
	})

	cp, err := orig.Copy()
	require.NoError(t, err)
	orig.Data()[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, cp.Data(), "copy must not alias the original")

	require.NoError(t, cp.Forward())
	assert.Equal(t, [][]byte{{1, 2, 3}}, sent)
	assert.True(t, errors.Is(cp.Forward(), ErrPacketConsumed))

	orig.Discard()
	assert.True(t, orig.Discarded())
	_, err = orig.Copy()
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestNotificationKindString(t *testing.T) {
	assert.Equal(t, "RREQ", RouteRequest.String())
	assert.Equal(t, "RLIFE", RouteLife.String())
	assert.Equal(t, "RERR", RouteError.String())
	assert.Equal(t, "kind(9)", NotificationKind(9).String())
}

func mustAddr(t *testing.T, s string) Addr {
	t.Helper()
	a, err := ParseAddr(s)
	require.NoError(t, err)
	return a
}
