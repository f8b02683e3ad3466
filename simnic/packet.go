//go:build linux

package simnic

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/desc"
)

const (
	protoSCTP = 132
	protoFrag = 44

	tcpCsumOff = 16
	udpCsumOff = 6
)

// headers is what the device's parser learns about a frame.
type headers struct {
	l3Off, l4Off int
	// end is the end of the IP packet, before any Ethernet padding.
	end int

	l3    desc.L3Type
	l4    desc.L4Type
	proto uint8
	v6    bool
	frag  bool
	// ext is set for IPv6 packets whose next header is not a transport
	// header.
	ext bool

	ipOK      bool
	l4Checked bool
	l4OK      bool
	hash      uint32
}

func parse(frame []byte) headers {
	h := headers{l3Off: header.EthernetMinimumSize}
	if len(frame) < header.EthernetMinimumSize {
		return h
	}
	h.l3 = desc.L3Other
	h.end = len(frame)
	ip := frame[h.l3Off:]
	switch header.Ethernet(frame).Type() {
	case header.IPv4ProtocolNumber:
		if len(ip) < header.IPv4MinimumSize {
			return h
		}
		v4 := header.IPv4(ip)
		hl := int(v4.HeaderLength())
		tl := int(v4.TotalLength())
		if hl < header.IPv4MinimumSize || tl < hl || tl > len(ip) {
			return h
		}
		h.l3 = desc.L3IPv4
		h.ipOK = checksum.Checksum(ip[:hl], 0) == 0xffff
		h.proto = v4.Protocol()
		h.frag = v4.FragmentOffset() != 0 || v4.Flags()&header.IPv4FlagMoreFragments != 0
		h.l4Off = h.l3Off + hl
		h.end = h.l3Off + tl
	case header.IPv6ProtocolNumber:
		if len(ip) < header.IPv6MinimumSize {
			return h
		}
		v6 := header.IPv6(ip)
		pl := int(v6.PayloadLength())
		if header.IPv6MinimumSize+pl > len(ip) {
			return h
		}
		h.l3 = desc.L3IPv6
		h.v6 = true
		h.ipOK = true
		h.proto = v6.NextHeader()
		h.frag = h.proto == protoFrag
		h.l4Off = h.l3Off + header.IPv6MinimumSize
		h.end = h.l4Off + pl
	default:
		return h
	}

	switch {
	case h.frag:
		h.l4 = desc.L4Other
	case h.proto == uint8(header.TCPProtocolNumber):
		h.l4 = desc.L4TCP
	case h.proto == uint8(header.UDPProtocolNumber):
		h.l4 = desc.L4UDP
	case h.proto == uint8(header.ICMPv4ProtocolNumber) && !h.v6,
		h.proto == uint8(header.ICMPv6ProtocolNumber) && h.v6:
		h.l4 = desc.L4ICMP
	case h.proto == protoSCTP:
		h.l4 = desc.L4SCTP
	default:
		h.l4 = desc.L4Other
		h.ext = h.v6
	}

	l4 := frame[h.l4Off:h.end]
	switch h.l4 {
	case desc.L4TCP:
		h.l4Checked = len(l4) >= header.TCPMinimumSize
	case desc.L4UDP:
		h.l4Checked = len(l4) >= header.UDPMinimumSize
	}
	if h.l4Checked {
		h.l4OK = l4Valid(frame, h, l4)
	}

	in := append([]byte(nil), addrs(frame, h)...)
	if h.l4Checked {
		in = append(in, l4[:4]...)
	}
	h.hash = toeplitz(rssKey[:], in)
	return h
}

// addrs returns the source and destination addresses of the IP header.
func addrs(frame []byte, h headers) []byte {
	ip := frame[h.l3Off:]
	if h.v6 {
		return ip[8:40]
	}
	return ip[12:20]
}

// gqiFlags returns the GQI receive descriptor flags for h.
func (h headers) gqiFlags() uint16 {
	var f uint16
	switch h.l3 {
	case desc.L3IPv4:
		f |= desc.RxFlagIPv4
		if !h.ipOK {
			f |= desc.RxFlagErr
		}
	case desc.L3IPv6:
		f |= desc.RxFlagIPv6
	}
	if h.frag {
		f |= desc.RxFlagFrag
	}
	switch h.l4 {
	case desc.L4TCP:
		f |= desc.RxFlagTCP
	case desc.L4UDP:
		f |= desc.RxFlagUDP
	}
	return f
}

func pseudoChecksum(frame []byte, h headers, length int) uint16 {
	xsum := checksum.Checksum(addrs(frame, h), 0)
	xsum = checksum.Combine(xsum, uint16(h.proto))
	return checksum.Combine(xsum, uint16(length))
}

func csumOff(h headers) int {
	if h.l4 == desc.L4UDP {
		return udpCsumOff
	}
	return tcpCsumOff
}

func l4Valid(frame []byte, h headers, l4 []byte) bool {
	if h.l4 == desc.L4UDP && !h.v6 && binary.BigEndian.Uint16(l4[udpCsumOff:]) == 0 {
		return true
	}
	return checksum.Checksum(l4, pseudoChecksum(frame, h, len(l4))) == 0xffff
}

// fillChecksum computes the TCP or UDP checksum of the transport segment
// l4 of frame.
func fillChecksum(frame []byte, h headers, l4 []byte) {
	off := csumOff(h)
	binary.BigEndian.PutUint16(l4[off:], 0)
	xsum := ^checksum.Checksum(l4, pseudoChecksum(frame, h, len(l4)))
	if h.l4 == desc.L4UDP && xsum == 0 {
		xsum = 0xffff
	}
	binary.BigEndian.PutUint16(l4[off:], xsum)
}

func tcpHeaderLen(b []byte) int {
	if len(b) < header.TCPMinimumSize {
		return len(b)
	}
	return int(header.TCP(b).DataOffset())
}

// segment splits the TCP packet frame into frames carrying at most mss
// payload bytes each, replicating the first hdrLen bytes.
func segment(frame []byte, h headers, hdrLen, mss int) [][]byte {
	if hdrLen <= h.l4Off || hdrLen > h.end {
		return nil
	}
	hdr := frame[:hdrLen]
	payload := frame[hdrLen:h.end]
	if len(payload) == 0 {
		payload = nil
	}
	tcp := header.TCP(frame[h.l4Off:])
	seq := tcp.SequenceNumber()
	var id uint16
	if !h.v6 {
		id = header.IPv4(frame[h.l3Off:]).ID()
	}

	var segs [][]byte
	for i, off := 0, 0; off < len(payload) || i == 0; i++ {
		n := min(mss, len(payload)-off)
		s := make([]byte, 0, hdrLen+n)
		s = append(s, hdr...)
		s = append(s, payload[off:off+n]...)
		last := off+n == len(payload)

		ip := s[h.l3Off:]
		if h.v6 {
			header.IPv6(ip).SetPayloadLength(uint16(len(ip) - header.IPv6MinimumSize))
		} else {
			v4 := header.IPv4(ip)
			v4.SetTotalLength(uint16(len(ip)))
			v4.SetID(id + uint16(i))
			v4.SetChecksum(0)
			v4.SetChecksum(^v4.CalculateChecksum())
		}
		t := header.TCP(s[h.l4Off:])
		t.SetSequenceNumber(seq + uint32(off))
		if !last {
			t.SetFlags(uint8(t.Flags() &^ (header.TCPFlagFin | header.TCPFlagPsh)))
		}
		fillChecksum(s, h, s[h.l4Off:])
		segs = append(segs, s)
		off += n
	}
	return segs
}
