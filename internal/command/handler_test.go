package command

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/engine"
	"firestige.xyz/rom/internal/protocol"
	"firestige.xyz/rom/internal/whitelist"
)

func mustAM(t *testing.T, s string) core.AddressMask {
	t.Helper()
	am, err := core.ParseAddressMask(s)
	require.NoError(t, err)
	return am
}

func packetTo(t *testing.T, dst string, sink func([]byte) error) *core.BufferPacket {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 1, 1, 1).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, gopacket.Payload([]byte("payload"))))
	return core.NewBufferPacket(buf.Bytes(), sink)
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{}, whitelist.New(4), core.NotifierFunc(func(core.Notification) {}))
	t.Cleanup(e.Close)
	return e
}

type membership struct {
	joined bool
}

func (m *membership) Join(uint32) error  { m.joined = true; return nil }
func (m *membership) Leave(uint32) error { m.joined = false; return nil }

func request(t *testing.T, cmd uint8, flags netlink.HeaderFlags, attrs protocol.Attrs) netlink.Message {
	t.Helper()
	m, err := protocol.Request(cmd, 7, flags, attrs)
	require.NoError(t, err)
	return m
}

func errnoOf(t *testing.T, msgs []netlink.Message) unix.Errno {
	t.Helper()
	require.Len(t, msgs, 1)
	require.Equal(t, netlink.Error, msgs[0].Header.Type)
	assert.Equal(t, uint32(7), msgs[0].Header.Sequence)
	return protocol.Errno(protocol.ParseError(msgs[0], 0))
}

func TestRouteAddReleasesBeforeAck(t *testing.T) {
	e := newTestEngine(t)
	h := NewCommandHandler(e)

	var sent atomic.Int32
	sink := func([]byte) error { sent.Add(1); return nil }
	e.Classify(core.HookLocalOut, packetTo(t, "10.2.0.5", sink), nil)
	e.Classify(core.HookLocalOut, packetTo(t, "10.2.0.6", sink), nil)

	am := mustAM(t, "10.2.0.0/16")
	msgs := h.Handle(request(t, protocol.CmdRouteAdd, netlink.Acknowledge, destMask(am)), nil)
	assert.Equal(t, unix.Errno(0), errnoOf(t, msgs))
	assert.Equal(t, int32(2), sent.Load())
	assert.True(t, e.HasRoute(mustAM(t, "10.2.0.5").Addr))
}

func TestNoAckWithoutFlag(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))
	msgs := h.Handle(request(t, protocol.CmdRouteAdd, 0, destMask(mustAM(t, "10.3.0.1"))), nil)
	assert.Empty(t, msgs)
}

func TestMissingAttributes(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))
	for _, cmd := range []uint8{protocol.CmdRouteAdd, protocol.CmdRouteDel, protocol.CmdQueueRelease} {
		msgs := h.Handle(request(t, cmd, 0, protocol.Attrs{Dst: protocol.Ptr(core.Addr(1))}), nil)
		assert.Equal(t, unix.EINVAL, errnoOf(t, msgs), protocol.CommandName(cmd))
	}
	msgs := h.Handle(request(t, protocol.CmdSetGateway, 0, protocol.Attrs{}), nil)
	assert.Equal(t, unix.EINVAL, errnoOf(t, msgs))
}

func TestRouteDelMissing(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))
	msgs := h.Handle(request(t, protocol.CmdRouteDel, netlink.Acknowledge, destMask(mustAM(t, "10.9.9.9"))), nil)
	assert.Equal(t, unix.ENOENT, errnoOf(t, msgs))
}

func TestRouteTableFull(t *testing.T) {
	e := engine.New(engine.Config{RouteCapacity: 1}, whitelist.New(1), core.NotifierFunc(func(core.Notification) {}))
	defer e.Close()
	h := NewCommandHandler(e)

	assert.Empty(t, h.Handle(request(t, protocol.CmdRouteAdd, 0, destMask(mustAM(t, "10.0.0.1"))), nil))
	msgs := h.Handle(request(t, protocol.CmdRouteAdd, 0, destMask(mustAM(t, "10.0.0.2"))), nil)
	assert.Equal(t, unix.ENOSPC, errnoOf(t, msgs))
}

func TestRouteDump(t *testing.T) {
	e := newTestEngine(t)
	h := NewCommandHandler(e)
	_, err := e.AddRoute(mustAM(t, "10.0.0.1"))
	require.NoError(t, err)
	_, err = e.AddRoute(mustAM(t, "10.1.0.0/16"))
	require.NoError(t, err)

	msgs := h.Handle(request(t, protocol.CmdRouteDump, netlink.Dump, protocol.Attrs{}), nil)
	require.Len(t, msgs, 3)
	assert.Equal(t, netlink.Done, msgs[2].Header.Type)

	var got []core.AddressMask
	for _, m := range msgs[:2] {
		assert.NotZero(t, m.Header.Flags&netlink.Multi)
		a, err := decodeItem(m)
		require.NoError(t, err)
		am, err := a.DestMask()
		require.NoError(t, err)
		got = append(got, am)
	}
	assert.Equal(t, []core.AddressMask{mustAM(t, "10.0.0.1"), mustAM(t, "10.1.0.0/16")}, got)
}

func TestEmptyRouteDumpIsDoneOnly(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))
	msgs := h.Handle(request(t, protocol.CmdRouteDump, netlink.Dump, protocol.Attrs{}), nil)
	require.Len(t, msgs, 1)
	assert.Equal(t, netlink.Done, msgs[0].Header.Type)
}

func TestQueueDumpAndRelease(t *testing.T) {
	e := newTestEngine(t)
	h := NewCommandHandler(e)

	var sent atomic.Int32
	sink := func([]byte) error { sent.Add(1); return nil }
	for range 3 {
		e.Classify(core.HookPreRouting, packetTo(t, "192.168.7.9", sink), nil)
	}

	// the external queue always exists and sorts first
	msgs := h.Handle(request(t, protocol.CmdQueueDump, netlink.Dump, protocol.Attrs{}), nil)
	require.Len(t, msgs, 3)
	a, err := decodeItem(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, core.ExternalAddr, *a.Dst)
	assert.Zero(t, *a.QLen)

	a, err = decodeItem(msgs[1])
	require.NoError(t, err)
	assert.Equal(t, mustAM(t, "192.168.7.9").Addr, *a.Dst)
	assert.Equal(t, uint32(3), *a.QLen)
	assert.NotZero(t, *a.QCap)

	msgs = h.Handle(request(t, protocol.CmdQueueRelease, netlink.Acknowledge, destMask(mustAM(t, "192.168.7.9"))), nil)
	assert.Equal(t, unix.Errno(0), errnoOf(t, msgs))
	assert.Equal(t, int32(3), sent.Load())
	assert.False(t, e.HasRoute(mustAM(t, "192.168.7.9").Addr))
}

func TestSetGateway(t *testing.T) {
	e := newTestEngine(t)
	h := NewCommandHandler(e)

	msgs := h.Handle(request(t, protocol.CmdSetGateway, netlink.Acknowledge, protocol.Attrs{GWState: protocol.Ptr(uint8(1))}), nil)
	assert.Equal(t, unix.Errno(0), errnoOf(t, msgs))
	assert.True(t, e.Gateway())

	msgs = h.Handle(request(t, protocol.CmdSetGateway, 0, protocol.Attrs{GWState: protocol.Ptr(uint8(3))}), nil)
	assert.Equal(t, unix.EINVAL, errnoOf(t, msgs))
	assert.True(t, e.Gateway())
}

func TestSetGatewayOutOfRangeKeepsFlag(t *testing.T) {
	for _, start := range []bool{false, true} {
		e := newTestEngine(t)
		e.SetGateway(start)
		h := NewCommandHandler(e)

		msgs := h.Handle(request(t, protocol.CmdSetGateway, netlink.Acknowledge, protocol.Attrs{GWState: protocol.Ptr(uint8(2))}), nil)
		assert.Equal(t, unix.EINVAL, errnoOf(t, msgs), "start=%t", start)
		assert.Equal(t, start, e.Gateway(), "start=%t", start)

		msgs = h.Handle(request(t, protocol.CmdSetGateway, netlink.Acknowledge, protocol.Attrs{}), nil)
		assert.Equal(t, unix.EINVAL, errnoOf(t, msgs), "start=%t", start)
		assert.Equal(t, start, e.Gateway(), "start=%t", start)
	}
}

func TestUnknownCommands(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))

	msgs := h.Handle(request(t, protocol.CmdRouteRequest, 0, destMask(mustAM(t, "10.0.0.1"))), nil)
	assert.Equal(t, unix.EOPNOTSUPP, errnoOf(t, msgs))

	msgs = h.Handle(protocol.NewMessage(0x33, netlink.Request, 7, 1, nil), nil)
	assert.Equal(t, unix.EOPNOTSUPP, errnoOf(t, msgs))

	short := netlink.Message{Header: netlink.Header{Type: protocol.FamilyID, Sequence: 7}, Data: []byte{1}}
	msgs = h.Handle(short, nil)
	assert.Equal(t, unix.EINVAL, errnoOf(t, msgs))
}

func TestController(t *testing.T) {
	h := NewCommandHandler(newTestEngine(t))

	req, err := protocol.FamilyRequest(7, protocol.FamilyName)
	require.NoError(t, err)
	msgs := h.Handle(req, nil)
	require.Len(t, msgs, 1)
	fam, err := protocol.ParseFamily(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.MulticastGroupID, fam.Groups[protocol.MulticastGroup])

	req, err = protocol.FamilyRequest(7, "nl80211")
	require.NoError(t, err)
	assert.Equal(t, unix.ENOENT, errnoOf(t, h.Handle(req, nil)))

	mem := &membership{}
	req, err = protocol.GroupRequest(7, protocol.MulticastGroupID, true)
	require.NoError(t, err)
	assert.Equal(t, unix.Errno(0), errnoOf(t, h.Handle(req, mem)))
	assert.True(t, mem.joined)

	req, err = protocol.GroupRequest(7, protocol.MulticastGroupID, false)
	require.NoError(t, err)
	assert.Equal(t, unix.Errno(0), errnoOf(t, h.Handle(req, mem)))
	assert.False(t, mem.joined)

	req, err = protocol.GroupRequest(7, 9, true)
	require.NoError(t, err)
	assert.Equal(t, unix.ENOENT, errnoOf(t, h.Handle(req, mem)))
}
