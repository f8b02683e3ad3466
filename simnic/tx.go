//go:build linux

package simnic

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
)

// pageList is a registered queue page list.
type pageList struct {
	id    uint32
	pages []uint64
	index map[uint64]int
	users int
}

// covers reports whether n bytes at bus lie within one page of l.
func (l *pageList) covers(bus uint64, n int) bool {
	page := bus &^ (desc.PageSize - 1)
	if _, ok := l.index[page]; !ok {
		return false
	}
	return bus-page+uint64(n) <= desc.PageSize
}

// readList copies n bytes at offset off of l. Offsets address the pages of
// the list back to back.
func (d *Device) readList(l *pageList, off uint64, n int) ([]byte, bool) {
	out := make([]byte, 0, n)
	for n > 0 {
		i, in := off/desc.PageSize, off%desc.PageSize
		if i >= uint64(len(l.pages)) {
			d.stats.DMAErrors++
			return nil, false
		}
		c := min(n, int(desc.PageSize-in))
		b, ok := d.resolve(l.pages[i]+in, c)
		if !ok {
			return nil, false
		}
		out = append(out, b...)
		off += uint64(c)
		n -= c
	}
	return out, true
}

// writeList is the write side of readList.
func (d *Device) writeList(l *pageList, off uint64, data []byte) bool {
	for len(data) > 0 {
		i, in := off/desc.PageSize, off%desc.PageSize
		if i >= uint64(len(l.pages)) {
			d.stats.DMAErrors++
			return false
		}
		c := min(len(data), int(desc.PageSize-in))
		b, ok := d.resolve(l.pages[i]+in, c)
		if !ok {
			return false
		}
		copy(b, data[:c])
		data = data[c:]
		off += uint64(c)
	}
	return true
}

// readBuf returns n bytes at a bus address named by a descriptor. Buffers
// of page list queues must lie within the list.
func (d *Device) readBuf(l *pageList, bus uint64, n int) ([]byte, bool) {
	if l != nil && !l.covers(bus, n) {
		d.stats.DMAErrors++
		return nil, false
	}
	return d.resolve(bus, n)
}

func (d *Device) protocolError(q string, msg string) {
	d.stats.ProtocolErrors++
	d.log.WithField("queue", q).Warn(msg)
}

// txOffload is what a transmit descriptor chain asked the device to do.
type txOffload struct {
	csum   bool
	mss    int
	hdrLen int
}

type txQueue struct {
	d      *Device
	id     uint32
	format desc.QueueFormat
	notify uint32
	qpl    *pageList
	dbIdx  uint32

	ring []byte
	size uint32
	// GQI: free running descriptor counts. DQO: masked ring indices.
	head, tail uint32
	counter    uint32

	compl     []byte
	complSize uint32
	complTail uint32
	gen       bool
}

func (q *txQueue) name() string { return fmt.Sprintf("tx%d", q.id) }

func (q *txQueue) release() {
	if q.qpl != nil {
		q.qpl.users--
	}
	delete(q.d.doorbells, q.dbIdx)
}

// process sends every packet the driver made available.
func (q *txQueue) process() int {
	var n int
	if q.format.IsDQO() {
		n = q.processDQO()
	} else {
		n = q.processGQI()
	}
	if n > 0 {
		q.d.raise(q.notify)
	}
	return n
}

func (q *txQueue) slotGQI(i uint32) []byte {
	return q.ring[int(i&(q.size-1))*desc.TxDescSize:][:desc.TxDescSize]
}

func (q *txQueue) processGQI() int {
	d := q.d
	n := 0
	for q.head != q.tail {
		if avail := q.tail - q.head; avail > q.size {
			d.protocolError(q.name(), "Doorbell beyond ring")
			q.head = q.tail
			break
		}
		var pd desc.TxPktDesc
		pd.Decode(q.slotGQI(q.head))
		typ := pd.TypeFlags & desc.TxDescTypeMask
		if (typ != desc.TxDescStd && typ != desc.TxDescTSO) ||
			pd.DescCnt == 0 || uint32(pd.DescCnt) > q.tail-q.head {
			d.protocolError(q.name(), "Malformed packet descriptor")
			q.head++
			continue
		}

		frame, ok := d.readList(q.qpl, pd.SegAddr, int(pd.SegLen))
		o := txOffload{csum: pd.TypeFlags&desc.TxFlagL4Csum != 0}
		for i := uint32(1); i < uint32(pd.DescCnt); i++ {
			slot := q.slotGQI(q.head + i)
			switch desc.TxDescType(slot) {
			case desc.TxDescMtd:
			case desc.TxDescSeg:
				var sd desc.TxSegDesc
				sd.Decode(slot)
				seg, segOK := d.readList(q.qpl, sd.SegAddr, int(sd.SegLen))
				frame = append(frame, seg...)
				ok = ok && segOK
				if typ == desc.TxDescTSO {
					o.mss = int(sd.MSS)
				}
			default:
				ok = false
			}
		}
		q.head += uint32(pd.DescCnt)
		desc.PutEventCounter(d.counters[q.counter*4:], q.head)
		n++

		if !ok || len(frame) != int(pd.Len) {
			d.protocolError(q.name(), "Dropping malformed packet")
			continue
		}
		d.transmit(frame, o)
	}
	return n
}

func (q *txQueue) slotDQO(i uint32) []byte {
	return q.ring[int(i)*desc.TxDescSizeDQO:][:desc.TxDescSizeDQO]
}

func (q *txQueue) processDQO() int {
	d := q.d
	mask := q.size - 1
	n := 0
	for q.head != q.tail&mask {
		idx := q.head
		var (
			frame       []byte
			o           txOffload
			tag         uint16
			eop, re, ok = false, false, true
			reHead      uint32
		)
		for idx != q.tail&mask && !eop {
			slot := q.slotDQO(idx)
			idx = (idx + 1) & mask
			switch desc.TxDescDtype(slot) {
			case desc.TxDtypeTSOCtxDQO:
				var c desc.TxTSOContextDescDQO
				c.Decode(slot)
				o.mss, o.hdrLen = int(c.MSS), int(c.HeaderLen)
			case desc.TxDtypeGeneralCtxDQO:
			case desc.TxDtypePktDQO:
				var pd desc.TxPktDescDQO
				pd.Decode(slot)
				b, bufOK := d.readBuf(q.qpl, pd.BufAddr, int(pd.BufSize))
				frame = append(frame, b...)
				ok = ok && bufOK
				o.csum = o.csum || pd.CsumEnable
				tag, eop = pd.ComplTag, pd.EndOfPacket
				if pd.ReportEvent {
					re, reHead = true, idx
				}
			default:
				ok = false
			}
		}
		if !eop {
			// The rest of the packet is not posted yet.
			break
		}
		q.head = idx
		n++
		if re {
			q.complete(desc.ComplTypeDescDQO, uint16(reHead))
		}
		q.complete(desc.ComplTypePktDQO, tag)
		if !ok {
			d.protocolError(q.name(), "Dropping malformed packet")
			continue
		}
		d.transmit(frame, o)
	}
	return n
}

// complete writes a DQO transmit completion.
func (q *txQueue) complete(t desc.ComplType, v uint16) {
	c := desc.TxComplDescDQO{Type: t, Generation: q.gen, TxHeadOrTag: v}
	var b [desc.TxComplDescSizeDQO]byte
	c.Encode(b[:])
	off := int(q.complTail) * desc.TxComplDescSizeDQO
	desc.Publish(q.compl[off:off+desc.TxComplDescSizeDQO], b[:], desc.TxComplWordOff)
	q.complTail++
	if q.complTail == q.complSize {
		q.complTail = 0
		q.gen = !q.gen
	}
}

// transmit applies the requested offloads and puts the result on the wire.
func (d *Device) transmit(frame []byte, o txOffload) {
	h := parse(frame)
	segs := [][]byte{frame}
	switch {
	case o.mss > 0:
		if h.l4 != desc.L4TCP || h.frag {
			d.protocolError("tx", "Segmentation requested for a non-TCP packet")
			return
		}
		hdrLen := o.hdrLen
		if hdrLen == 0 {
			hdrLen = h.l4Off + tcpHeaderLen(frame[h.l4Off:])
		}
		if segs = segment(frame, h, hdrLen, o.mss); segs == nil {
			d.protocolError("tx", "Invalid segmentation header length")
			return
		}
		d.stats.TxSegments += uint64(len(segs))
	case o.csum && h.l4Checked:
		fillChecksum(frame, h, frame[h.l4Off:h.end])
	}
	if !d.linkUp {
		return
	}
	for _, s := range segs {
		d.stats.TxPackets++
		d.stats.TxBytes += uint64(len(s))
		d.transmitted = append(d.transmitted, s)
	}
	d.log.WithFields(logrus.Fields{
		"bytes":    len(frame),
		"segments": len(segs),
	}).Trace("Frame transmitted")
}
