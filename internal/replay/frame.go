package replay

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// frameDecoder splits captured frames into link header and network part.
// Raw captures have no link header. Ethernet captures may carry 802.1Q tags.
type frameDecoder struct {
	linkType layers.LinkType
	parser   *gopacket.DecodingLayerParser
	eth      layers.Ethernet
	dot1q    layers.Dot1Q
	decoded  []gopacket.LayerType
}

func newFrameDecoder(lt layers.LinkType) *frameDecoder {
	d := &frameDecoder{linkType: lt}
	if lt == layers.LinkTypeEthernet {
		d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &d.eth, &d.dot1q)
		d.parser.IgnoreUnsupported = true
	}
	return d
}

func (d *frameDecoder) split(frame []byte) (header, network []byte, err error) {
	if d.parser == nil {
		return nil, frame, nil
	}
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return nil, nil, err
	}
	network = d.eth.Payload
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeDot1Q {
			network = d.dot1q.Payload
		}
	}
	return frame[:len(frame)-len(network)], network, nil
}
