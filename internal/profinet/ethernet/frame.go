package ethernet

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EtherTypeProfinet is the RT EtherType
const EtherTypeProfinet layers.EthernetType = 0x8892

// Frame is one decoded RT Ethernet frame.
type Frame struct {
	Dst     net.HardwareAddr
	Src     net.HardwareAddr
	VLANID  uint16
	Tagged  bool
	Payload []byte
}

// BuildFrame wraps an RT payload (starting at the FrameID) into an
// Ethernet II frame padded to the minimum frame size.
func BuildFrame(src, dst net.HardwareAddr, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: EtherTypeProfinet,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Parser decodes Ethernet and optional 802.1Q headers. Not safe for
// concurrent use; one parser per reader.
type Parser struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q)
	p.parser.IgnoreUnsupported = true
	p.decoded = make([]gopacket.LayerType, 0, 2)
	return p
}

// Parse returns the frame if it carries EtherType 0x8892. ok is false
// for any other EtherType. The payload aliases data.
func (p *Parser) Parse(data []byte) (f Frame, ok bool, err error) {
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return f, false, fmt.Errorf("decode ethernet: %w", err)
	}

	etherType := p.eth.EthernetType
	payload := p.eth.Payload
	for _, lt := range p.decoded {
		if lt == layers.LayerTypeDot1Q {
			etherType = p.dot1q.Type
			payload = p.dot1q.Payload
			f.Tagged = true
			f.VLANID = p.dot1q.VLANIdentifier
		}
	}
	if etherType != EtherTypeProfinet {
		return f, false, nil
	}
	f.Dst = p.eth.DstMAC
	f.Src = p.eth.SrcMAC
	f.Payload = payload
	return f, true, nil
}
