// Package lro merges consecutive in-order TCP segments of a flow into a
// single packet before delivery. Only segments whose checksum the device
// already verified are considered; the merged packet's TCP checksum is not
// recomputed.
package lro

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/pktbuf"
)

const (
	DefaultMaxFlows    = 8
	DefaultMaxSegments = 44
	// maxIPLen bounds the merged packet by the 16-bit IP length fields.
	maxIPLen = 0xFFFF
)

type Config struct {
	MaxFlows    int `yaml:"max_flows"`
	MaxSegments int `yaml:"max_segments"`
}

func (c *Config) setDefaults() {
	if c.MaxFlows <= 0 {
		c.MaxFlows = DefaultMaxFlows
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = DefaultMaxSegments
	}
}

type flowKey struct {
	src, dst     [16]byte
	sport, dport uint16
}

// segment is what Receive learns from a packet's headers.
type segment struct {
	key     flowKey
	v6      bool
	hdrLen  int
	l4Off   int
	seq     uint32
	push    bool
	payload int
	tsOff   int // 0 without a timestamp option
}

type flow struct {
	seg     segment
	pkt     *pktbuf.Packet
	nextSeq uint32
	segs    int
}

type Stats struct {
	Merged    uint64
	Delivered uint64
}

// Coalescer is used from a single goroutine, the receive ring's poll loop.
type Coalescer struct {
	conf    Config
	deliver func(*pktbuf.Packet)
	flows   []*flow

	merged    atomic.Uint64
	delivered atomic.Uint64
}

// New creates a coalescer handing packets to deliver.
func New(conf Config, deliver func(*pktbuf.Packet)) *Coalescer {
	conf.setDefaults()
	return &Coalescer{conf: conf, deliver: deliver}
}

func (c *Coalescer) Stats() Stats {
	return Stats{Merged: c.merged.Load(), Delivered: c.delivered.Load()}
}

// Held returns the number of flows with a packet waiting to be flushed.
func (c *Coalescer) Held() int { return len(c.flows) }

// Receive takes ownership of p. It is either merged into a held packet of
// the same flow, held itself, or delivered right away together with
// anything held for its flow.
func (c *Coalescer) Receive(p *pktbuf.Packet) {
	s, ok := parse(p)
	if !ok {
		c.send(p)
		return
	}
	if i := c.find(s.key); i >= 0 {
		f := c.flows[i]
		if s.payload > 0 && f.nextSeq == s.seq && f.segs < c.conf.MaxSegments &&
			f.pkt.Len()-header.EthernetMinimumSize+s.payload <= maxIPLen &&
			f.seg.tsOff == s.tsOff {
			c.merge(f, p, s)
			if s.push {
				c.flush(i)
			}
			return
		}
		c.flush(i)
	}
	if s.payload == 0 || s.push {
		c.send(p)
		return
	}
	if len(c.flows) == c.conf.MaxFlows {
		c.flush(0)
	}
	c.flows = append(c.flows, &flow{seg: s, pkt: p, nextSeq: s.seq + uint32(s.payload), segs: 1})
}

// Flush delivers every held packet.
func (c *Coalescer) Flush() {
	for len(c.flows) > 0 {
		c.flush(len(c.flows) - 1)
	}
}

func (c *Coalescer) find(k flowKey) int {
	for i, f := range c.flows {
		if f.seg.key == k {
			return i
		}
	}
	return -1
}

func (c *Coalescer) merge(f *flow, p *pktbuf.Packet, s segment) {
	hdr := f.pkt.Frags[0].Data
	tcp := header.TCP(hdr[f.seg.l4Off:])
	newTCP := header.TCP(p.Frags[0].Data[s.l4Off:])
	// The latest ack, window and timestamps win.
	copy(tcp[4:8], newTCP[4:8])
	copy(tcp[14:16], newTCP[14:16])
	if s.tsOff != 0 {
		copy(hdr[f.seg.tsOff:f.seg.tsOff+8], p.Frags[0].Data[s.tsOff:s.tsOff+8])
	}
	if s.push {
		hdr[f.seg.l4Off+13] |= uint8(header.TCPFlagPsh)
	}
	f.pkt.Splice(p, s.hdrLen)
	f.nextSeq += uint32(s.payload)
	f.segs++
	c.merged.Add(1)
}

func (c *Coalescer) flush(i int) {
	f := c.flows[i]
	c.flows = append(c.flows[:i], c.flows[i+1:]...)
	if f.segs > 1 {
		hdr := f.pkt.Frags[0].Data
		l3 := hdr[header.EthernetMinimumSize:]
		if f.seg.v6 {
			header.IPv6(l3).SetPayloadLength(uint16(f.pkt.Len() - header.EthernetMinimumSize - header.IPv6MinimumSize))
		} else {
			ip := header.IPv4(l3)
			ip.SetTotalLength(uint16(f.pkt.Len() - header.EthernetMinimumSize))
			ip.SetChecksum(0)
			ip.SetChecksum(^ip.CalculateChecksum())
		}
	}
	f.pkt.Segments = f.segs
	c.send(f.pkt)
}

func (c *Coalescer) send(p *pktbuf.Packet) {
	c.delivered.Add(1)
	c.deliver(p)
}

// parse accepts plain TCP segments carrying only ACK or PSH, with either no
// TCP options or just a timestamp option, no IP options or extension
// headers, and all headers within the first fragment.
func parse(p *pktbuf.Packet) (segment, bool) {
	var s segment
	if !p.CsumVerified || len(p.Frags) == 0 {
		return s, false
	}
	b := p.Frags[0].Data
	if len(b) < header.EthernetMinimumSize {
		return s, false
	}
	l3 := b[header.EthernetMinimumSize:]
	var ipLen int
	switch header.Ethernet(b).Type() {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(l3)
		if len(l3) < header.IPv4MinimumSize ||
			int(ip.HeaderLength()) != header.IPv4MinimumSize ||
			ip.Protocol() != uint8(header.TCPProtocolNumber) ||
			ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0 {
			return s, false
		}
		copy(s.key.src[:], l3[12:16])
		copy(s.key.dst[:], l3[16:20])
		ipLen = int(ip.TotalLength())
		s.l4Off = header.EthernetMinimumSize + header.IPv4MinimumSize
	case header.IPv6ProtocolNumber:
		ip := header.IPv6(l3)
		if len(l3) < header.IPv6MinimumSize ||
			ip.NextHeader() != uint8(header.TCPProtocolNumber) {
			return s, false
		}
		copy(s.key.src[:], l3[8:24])
		copy(s.key.dst[:], l3[24:40])
		ipLen = header.IPv6MinimumSize + int(ip.PayloadLength())
		s.l4Off = header.EthernetMinimumSize + header.IPv6MinimumSize
		s.v6 = true
	default:
		return s, false
	}
	// Ethernet padding or truncation.
	if header.EthernetMinimumSize+ipLen != p.Len() {
		return s, false
	}

	if len(b) < s.l4Off+header.TCPMinimumSize {
		return s, false
	}
	tcp := header.TCP(b[s.l4Off:])
	flags := tcp.Flags()
	if flags&header.TCPFlagAck == 0 || flags&^(header.TCPFlagAck|header.TCPFlagPsh) != 0 {
		return s, false
	}
	dataOff := int(tcp.DataOffset())
	s.hdrLen = s.l4Off + dataOff
	if dataOff < header.TCPMinimumSize || len(b) < s.hdrLen {
		return s, false
	}
	switch opts := b[s.l4Off+header.TCPMinimumSize : s.hdrLen]; {
	case len(opts) == 0:
	case len(opts) == 12 && opts[0] == header.TCPOptionNOP && opts[1] == header.TCPOptionNOP &&
		opts[2] == header.TCPOptionTS && opts[3] == header.TCPOptionTSLength:
		s.tsOff = s.l4Off + header.TCPMinimumSize + 4
	default:
		return s, false
	}

	s.key.sport = tcp.SourcePort()
	s.key.dport = tcp.DestinationPort()
	s.seq = tcp.SequenceNumber()
	s.push = flags&header.TCPFlagPsh != 0
	s.payload = p.Len() - s.hdrLen
	return s, true
}
