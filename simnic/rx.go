//go:build linux

package simnic

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/desc"
)

type rxQueue struct {
	d       *Device
	id      uint32
	format  desc.QueueFormat
	notify  uint32
	qpl     *pageList
	dbIdx   uint32
	bufSize int

	// backlog holds frames steered here that wait for buffers.
	backlog [][]byte

	// GQI
	descRing, dataRing []byte
	size               uint32
	fill, cnt          uint32
	seq                uint8

	// DQO
	bufq             []byte
	bufqSize         uint32
	bufHead, bufTail uint32
	compl            []byte
	complTail        uint32
	gen              bool
}

func (q *rxQueue) name() string { return fmt.Sprintf("rx%d", q.id) }

func (q *rxQueue) release() {
	if q.qpl != nil {
		q.qpl.users--
	}
	delete(q.d.doorbells, q.dbIdx)
}

func (q *rxQueue) doorbell(v uint32) {
	if q.format.IsDQO() {
		q.bufTail = v & (q.bufqSize - 1)
		return
	}
	if v-q.cnt > q.size {
		q.d.protocolError(q.name(), "Fill count beyond ring")
		return
	}
	q.fill = v
}

// process writes waiting frames to the ring while buffers last.
func (q *rxQueue) process() int {
	d := q.d
	n := 0
	for len(q.backlog) > 0 {
		frame := q.backlog[0]
		if len(frame) > d.mtu+header.EthernetMinimumSize {
			d.stats.RxDropped++
			q.backlog = q.backlog[1:]
			continue
		}
		var ok bool
		if q.format.IsDQO() {
			ok = q.deliverDQO(frame)
		} else {
			ok = q.deliverGQI(frame)
		}
		if !ok {
			break
		}
		q.backlog = q.backlog[1:]
		d.stats.RxPackets++
		d.stats.RxBytes += uint64(len(frame))
		n++
	}
	if len(q.backlog) == 0 {
		q.backlog = nil
	}
	if n > 0 {
		d.raise(q.notify)
	}
	return n
}

// fragments splits a frame of n bytes into buffer sized pieces, the first
// one shortened by pad.
func fragments(n, bufSize, pad int) []int {
	var out []int
	room := bufSize - pad
	for n > room {
		out = append(out, room)
		n -= room
		room = bufSize
	}
	return append(out, n)
}

func (q *rxQueue) deliverGQI(frame []byte) bool {
	d := q.d
	frags := fragments(len(frame), q.bufSize, desc.RxPad)
	if q.fill-q.cnt < uint32(len(frags)) {
		return false
	}
	h := parse(frame)
	flags := h.gqiFlags()
	var csum uint16
	if h.l4Checked && h.l4OK && !h.frag {
		csum = 0xffff
	}
	mask := q.size - 1
	off := 0
	for i, n := range frags {
		idx := q.cnt & mask
		data := frame[off : off+n]
		if i == 0 {
			data = append(make([]byte, desc.RxPad, desc.RxPad+n), data...)
		}
		off += n
		dst := desc.RxDataSlot(q.dataRing[int(idx)*desc.RxDataSlotSize:])
		if !d.writeList(q.qpl, dst, data) {
			flags |= desc.RxFlagErr
		}
		fs := flags | uint16(q.seq)
		if i < len(frags)-1 {
			fs |= desc.RxFlagPktCont
		}
		rd := desc.RxDesc{
			RSSHash:  h.hash,
			Csum:     csum,
			Len:      uint16(len(data)),
			FlagsSeq: fs,
		}
		var b [desc.RxDescSize]byte
		rd.Encode(b[:])
		slot := q.descRing[int(idx)*desc.RxDescSize:][:desc.RxDescSize]
		desc.Publish(slot, b[:], desc.RxDescWordOff)
		q.seq = desc.NextSeqNo(q.seq)
		q.cnt++
	}
	return true
}

func (q *rxQueue) deliverDQO(frame []byte) bool {
	d := q.d
	frags := fragments(len(frame), q.bufSize, 0)
	mask := q.bufqSize - 1
	if (q.bufTail-q.bufHead)&mask < uint32(len(frags)) {
		return false
	}
	h := parse(frame)
	ip := h.l3 == desc.L3IPv4 || h.l3 == desc.L3IPv6
	off := 0
	for i, n := range frags {
		var bd desc.RxDescDQO
		bd.Decode(q.bufq[int(q.bufHead)*desc.RxDescSizeDQO:])
		q.bufHead = (q.bufHead + 1) & mask

		buf, ok := d.readBuf(q.qpl, bd.BufAddr, n)
		if ok {
			copy(buf, frame[off:off+n])
		}
		off += n
		c := desc.RxComplDescDQO{
			RxError:       !ok,
			Ipv6ExtAdd:    h.ext,
			PacketType:    ptypeOf(h.l3, h.l4),
			PacketLen:     uint16(n),
			Generation:    q.gen,
			EndOfPacket:   i == len(frags)-1,
			L3L4Processed: ip && !h.frag,
			CsumIPErr:     ip && !h.ipOK,
			CsumL4Err:     h.l4Checked && !h.l4OK,
			BufID:         bd.BufID,
			Hash:          h.hash,
		}
		var b [desc.RxComplDescSizeDQO]byte
		c.Encode(b[:])
		slot := q.compl[int(q.complTail)*desc.RxComplDescSizeDQO:][:desc.RxComplDescSizeDQO]
		desc.Publish(slot, b[:], desc.RxComplWordOff)
		q.complTail++
		if q.complTail == q.size {
			q.complTail = 0
			q.gen = !q.gen
		}
	}
	return true
}
