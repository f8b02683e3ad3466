// Package pktbuf is the packet abstraction exchanged between the rings and
// the network stack: a chain of fragments, each optionally pinning the
// memory it points into, plus offload metadata.
package pktbuf

import (
	"github.com/romshark/gvnic/desc"
)

// Ref pins the memory behind a fragment. Pages of a receive page list and
// network stack buffers both satisfy it.
type Ref interface {
	DecRef()
}

type Frag struct {
	Data []byte
	ref  Ref
}

type HashType uint8

const (
	HashNone HashType = iota
	HashL3
	HashL4
)

// Offload describes the transmit offloads requested for a packet.
type Offload struct {
	// L3Offset and L4Offset locate the network and transport headers.
	L3Offset int
	L4Offset int
	// L4HeaderLen is the transport header length, required for TSO.
	L4HeaderLen int
	IPv6        bool

	// CsumOffset is the checksum field offset relative to L4Offset.
	// Only meaningful with NeedsCsum.
	CsumOffset int
	NeedsCsum  bool

	// MSS enables TCP segmentation when non-zero.
	MSS int
}

// TSO reports whether the packet must be segmented by the device.
func (o *Offload) TSO() bool { return o.MSS > 0 }

// HeaderLen is the length of all headers of a TSO packet.
func (o *Offload) HeaderLen() int { return o.L4Offset + o.L4HeaderLen }

// Packet is a chain of fragments. A packet owns the references of its
// fragments until Release is called.
type Packet struct {
	Frags []Frag

	Offload Offload

	Hash     uint32
	HashType HashType

	// Receive side classification.
	L3 desc.L3Type
	L4 desc.L4Type
	// CsumVerified is set when the device validated the L4 checksum.
	CsumVerified bool
	// Segments is the number of wire segments coalesced into the packet.
	Segments int

	length int
	onDone func()
}

// New returns a packet wrapping data, which the packet does not own.
func New(data []byte) *Packet {
	p := &Packet{}
	p.Append(data, nil)
	return p
}

// Append adds a fragment. ref, if not nil, is dropped on Release.
func (p *Packet) Append(data []byte, ref Ref) {
	p.Frags = append(p.Frags, Frag{Data: data, ref: ref})
	p.length += len(data)
}

// OnDone registers f to run after Release dropped every fragment reference.
func (p *Packet) OnDone(f func()) { p.onDone = f }

func (p *Packet) Len() int { return p.length }

// Release drops every fragment reference. The packet must not be used
// afterwards.
func (p *Packet) Release() {
	for i := range p.Frags {
		if r := p.Frags[i].ref; r != nil {
			p.Frags[i].ref = nil
			r.DecRef()
		}
		p.Frags[i].Data = nil
	}
	p.Frags = p.Frags[:0]
	p.length = 0
	if f := p.onDone; f != nil {
		p.onDone = nil
		f()
	}
}

// CopyTo copies bytes starting at off into dst and returns the number of
// bytes copied.
func (p *Packet) CopyTo(dst []byte, off int) int {
	n := 0
	for _, f := range p.Frags {
		if off >= len(f.Data) {
			off -= len(f.Data)
			continue
		}
		c := copy(dst[n:], f.Data[off:])
		n += c
		off = 0
		if n == len(dst) {
			break
		}
	}
	return n
}

// Bytes returns the packet contents as one slice. A single fragment is
// returned as is; otherwise the fragments are copied.
func (p *Packet) Bytes() []byte {
	if len(p.Frags) == 1 {
		return p.Frags[0].Data
	}
	b := make([]byte, p.length)
	p.CopyTo(b, 0)
	return b
}

// Linearize replaces the fragment chain by a single owned copy and drops
// the references of the old fragments.
func (p *Packet) Linearize() {
	if len(p.Frags) <= 1 {
		return
	}
	b := make([]byte, p.length)
	p.CopyTo(b, 0)
	for i := range p.Frags {
		if r := p.Frags[i].ref; r != nil {
			r.DecRef()
		}
	}
	p.Frags = append(p.Frags[:0], Frag{Data: b})
}

// Header returns the first n bytes. It avoids a copy when the first
// fragment holds them.
func (p *Packet) Header(n int) []byte {
	n = min(n, p.length)
	if len(p.Frags) > 0 && len(p.Frags[0].Data) >= n {
		return p.Frags[0].Data[:n]
	}
	b := make([]byte, n)
	p.CopyTo(b, 0)
	return b
}

// Splice moves the fragments of q past its first skip bytes to the end of
// p, together with their references. Fragments entirely within the skipped
// bytes are released. q is left empty; its done callback now runs after
// p's own.
func (p *Packet) Splice(q *Packet, skip int) {
	for i := range q.Frags {
		f := q.Frags[i]
		q.Frags[i] = Frag{}
		if skip >= len(f.Data) {
			skip -= len(f.Data)
			if f.ref != nil {
				f.ref.DecRef()
			}
			continue
		}
		f.Data = f.Data[skip:]
		skip = 0
		p.Frags = append(p.Frags, f)
		p.length += len(f.Data)
	}
	if qd := q.onDone; qd != nil {
		pd := p.onDone
		p.onDone = func() {
			if pd != nil {
				pd()
			}
			qd()
		}
	}
	q.Frags = q.Frags[:0]
	q.length = 0
	q.onDone = nil
}
