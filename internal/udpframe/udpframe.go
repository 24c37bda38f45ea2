// Package udpframe builds and checks the sequence-numbered Ethernet/IPv4/UDP
// test frames exchanged by the nmsend and nmrecv commands.
package udpframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// HeaderLen is the Ethernet+IPv4+UDP header length of a test frame.
const HeaderLen = 14 + 20 + 8

// MinSize is the smallest frame that still carries a sequence number.
const MinSize = HeaderLen + 4

var ErrNotTestFrame = errors.New("not a test frame")

type Params struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     netip.Addr
	SrcPort, DstPort uint16
	// Size is the total frame length; raised to MinSize if smaller.
	Size int
}

// Template serializes a frame for s with sequence number 0.
// The UDP checksum is left zero so SetSeq can patch frames in place.
func Template(s Params) ([]byte, error) {
	if !s.SrcIP.Is4() || !s.DstIP.Is4() {
		return nil, fmt.Errorf("udpframe: IPv4 addresses required, got %s -> %s", s.SrcIP, s.DstIP)
	}
	size := max(s.Size, MinSize)

	eth := &layers.Ethernet{
		SrcMAC:       s.SrcMAC,
		DstMAC:       s.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    s.SrcIP.AsSlice(),
		DstIP:    s.DstIP.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(s.SrcPort),
		DstPort: layers.UDPPort(s.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("udpframe: %w", err)
	}
	payload := gopacket.Payload(make([]byte, size-HeaderLen))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
		return nil, fmt.Errorf("udpframe: serializing: %w", err)
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint16(frame[14+20+6:], 0)
	return frame, nil
}

// SetSeq writes seq into the payload of a frame built from Template.
func SetSeq(frame []byte, seq uint32) {
	binary.BigEndian.PutUint32(frame[HeaderLen:], seq)
}

// Parser decodes test frames without allocating per frame.
// Not safe for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip, &p.udp, &p.payload)
	p.parser.IgnoreUnsupported = true
	return p
}

// Seq returns the sequence number of frame if it is a UDP test frame
// for dstPort.
func (p *Parser) Seq(frame []byte, dstPort uint16) (uint32, error) {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotTestFrame, err)
	}
	if len(p.decoded) < 3 || p.decoded[2] != layers.LayerTypeUDP {
		return 0, ErrNotTestFrame
	}
	if uint16(p.udp.DstPort) != dstPort || len(p.udp.Payload) < 4 {
		return 0, ErrNotTestFrame
	}
	return binary.BigEndian.Uint32(p.udp.Payload), nil
}
