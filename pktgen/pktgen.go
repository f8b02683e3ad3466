// Package pktgen builds Ethernet frames for the traffic generator and for
// ring tests.
package pktgen

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/gvnic/pktbuf"
)

const (
	ethHeaderLen  = 14
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	tcpHeaderLen  = 20
	udpHeaderLen  = 8

	tcpCsumOffset = 16
	udpCsumOffset = 6
)

// Flow identifies the endpoints of generated frames.
type Flow struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// NewFlow returns the i-th flow between two fixed hosts. IPv6 flows are
// returned when v6 is set.
func NewFlow(i int, v6 bool) Flow {
	f := Flow{
		SrcMAC:  net.HardwareAddr{0x42, 0x01, 0x0a, 0x00, 0x00, 0x01},
		DstMAC:  net.HardwareAddr{0x42, 0x01, 0x0a, 0x00, 0x00, 0x02},
		SrcPort: uint16(10000 + i),
		DstPort: 5201,
	}
	if v6 {
		f.SrcIP = net.ParseIP("fd00::1")
		f.DstIP = net.ParseIP("fd00::2")
	} else {
		f.SrcIP = net.IPv4(10, 0, 0, 1).To4()
		f.DstIP = net.IPv4(10, 0, 0, 2).To4()
	}
	return f
}

func (f Flow) IPv6() bool { return f.SrcIP.To4() == nil }

func (f Flow) network(proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer, layers.EthernetType) {
	if f.IPv6() {
		ip := &layers.IPv6{
			Version:    6,
			NextHeader: proto,
			HopLimit:   64,
			SrcIP:      f.SrcIP,
			DstIP:      f.DstIP,
		}
		return ip, ip, layers.EthernetTypeIPv6
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    f.SrcIP,
		DstIP:    f.DstIP,
	}
	return ip, ip, layers.EthernetTypeIPv4
}

func (f Flow) serialize(proto layers.IPProtocol, l4 gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	ip, nl, etype := f.network(proto)
	switch l := l4.(type) {
	case *layers.TCP:
		if err := l.SetNetworkLayerForChecksum(nl); err != nil {
			return nil, err
		}
	case *layers.UDP:
		if err := l.SetNetworkLayerForChecksum(nl); err != nil {
			return nil, err
		}
	}
	eth := &layers.Ethernet{SrcMAC: f.SrcMAC, DstMAC: f.DstMAC, EthernetType: etype}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return buf.Bytes(), nil
}

// TCP returns an ACK segment carrying payload at sequence number seq.
func (f Flow) TCP(seq uint32, payload []byte) ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     seq,
		Ack:     1,
		ACK:     true,
		Window:  65535,
	}
	return f.serialize(layers.IPProtocolTCP, tcp, payload)
}

// UDP returns a datagram carrying payload.
func (f Flow) UDP(payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	return f.serialize(layers.IPProtocolUDP, udp, payload)
}

func (f Flow) l3Len() int {
	if f.IPv6() {
		return ipv6HeaderLen
	}
	return ipv4HeaderLen
}

// TCPOffload returns the checksum offload request for frames built by TCP.
// A non-zero mss additionally requests segmentation.
func (f Flow) TCPOffload(mss int) pktbuf.Offload {
	return pktbuf.Offload{
		L3Offset:    ethHeaderLen,
		L4Offset:    ethHeaderLen + f.l3Len(),
		L4HeaderLen: tcpHeaderLen,
		IPv6:        f.IPv6(),
		CsumOffset:  tcpCsumOffset,
		NeedsCsum:   true,
		MSS:         mss,
	}
}

// UDPOffload returns the checksum offload request for frames built by UDP.
func (f Flow) UDPOffload() pktbuf.Offload {
	return pktbuf.Offload{
		L3Offset:    ethHeaderLen,
		L4Offset:    ethHeaderLen + f.l3Len(),
		L4HeaderLen: udpHeaderLen,
		IPv6:        f.IPv6(),
		CsumOffset:  udpCsumOffset,
		NeedsCsum:   true,
	}
}

// HeaderLen returns the length of all headers of a TCP frame of f.
func (f Flow) HeaderLen() int { return ethHeaderLen + f.l3Len() + tcpHeaderLen }

// Payload returns n bytes of a repeating pattern starting at off, so that
// reassembled data can be checked for order.
func Payload(off, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((off + i) % 251)
	}
	return b
}
