package replay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rom/internal/core"
)

func ipv4(t *testing.T, dst string) []gopacket.SerializableLayer {
	t.Helper()
	return []gopacket.SerializableLayer{
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 1, 1, 1).To4(),
			DstIP:    net.ParseIP(dst).To4(),
		},
		gopacket.Payload([]byte("replay")),
	}
}

func frame(t *testing.T, lt layers.LinkType, dst string) []byte {
	t.Helper()
	ls := ipv4(t, dst)
	if lt == layers.LinkTypeEthernet {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ls = append([]gopacket.SerializableLayer{eth}, ls...)
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return buf.Bytes()
}

func capture(t *testing.T, lt layers.LinkType, dsts ...string) *bytes.Buffer {
	t.Helper()
	var b bytes.Buffer
	w := pcapgo.NewWriter(&b)
	require.NoError(t, w.WriteFileHeader(65535, lt))
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, dst := range dsts {
		data := frame(t, lt, dst)
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &b
}

func mustAM(t *testing.T, s string) core.AddressMask {
	t.Helper()
	am, err := core.ParseAddressMask(s)
	require.NoError(t, err)
	return am
}

func destinations(t *testing.T, r io.Reader) []string {
	t.Helper()
	pr, err := pcapgo.NewReader(r)
	require.NoError(t, err)
	var out []string
	for {
		data, _, err := pr.ReadPacketData()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		p := gopacket.NewPacket(data, pr.LinkType(), gopacket.Default)
		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		out = append(out, ip.DstIP.String())
	}
}

func TestReplayEthernet(t *testing.T) {
	in := capture(t, layers.LinkTypeEthernet, "10.2.0.5", "10.2.0.5", "127.0.0.1", "10.3.0.9")
	var out bytes.Buffer

	sum, err := Run(context.Background(), Config{
		Hook:   core.HookLocalOut,
		Routes: []core.AddressMask{mustAM(t, "10.2.0.0/16")},
	}, in, &out)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Read)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 3, sum.Stolen)
	assert.Equal(t, 2, sum.Released)
	assert.Equal(t, 3, sum.Written)
	assert.Equal(t, 1, sum.Discarded)
	assert.Equal(t, map[string]int{"loopback": 1, "queued": 3}, sum.Reasons)
	assert.Equal(t, map[string]int{"RREQ": 2}, sum.Notifications)

	assert.Equal(t, []string{"127.0.0.1", "10.2.0.5", "10.2.0.5"}, destinations(t, &out))
}

func TestReplayRawWithoutOutput(t *testing.T) {
	in := capture(t, layers.LinkTypeRaw, "192.168.1.255", "10.0.0.7")
	sum, err := Run(context.Background(), Config{}, in, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Read)
	assert.Equal(t, 1, sum.Reasons["broadcast"])
	assert.Equal(t, 1, sum.Written)
	assert.Equal(t, 1, sum.Discarded)
}

func TestReplayUnsupportedLinkType(t *testing.T) {
	var b bytes.Buffer
	w := pcapgo.NewWriter(&b)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeNull))
	_, err := Run(context.Background(), Config{}, &b, nil)
	assert.ErrorContains(t, err, "unsupported link type")
}

func TestReplayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Config{}, capture(t, layers.LinkTypeRaw, "10.0.0.7"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayVLANTagged(t *testing.T) {
	ls := ipv4(t, "127.0.0.1")
	ls = append([]gopacket.SerializableLayer{
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeDot1Q,
		},
		&layers.Dot1Q{VLANIdentifier: 7, Type: layers.EthernetTypeIPv4},
	}, ls...)
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))

	var in bytes.Buffer
	w := pcapgo.NewWriter(&in)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	data := buf.Bytes()
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp: time.Unix(1700000000, 0), CaptureLength: len(data), Length: len(data),
	}, data))

	var out bytes.Buffer
	sum, err := Run(context.Background(), Config{}, &in, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, map[string]int{"loopback": 1}, sum.Reasons)
	assert.Equal(t, []string{"127.0.0.1"}, destinations(t, &out))
}

func TestReplayTruncatedFrameSkipped(t *testing.T) {
	var in bytes.Buffer
	w := pcapgo.NewWriter(&in)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	short := []byte{0, 1, 2, 3}
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp: time.Unix(1700000000, 0), CaptureLength: len(short), Length: len(short),
	}, short))

	sum, err := Run(context.Background(), Config{}, &in, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Read)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Accepted+sum.Stolen)
}
