package rx

import (
	"fmt"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
)

type GQIConfig struct {
	Config
	// QPL holds one page per descriptor.
	QPL *qpl.QPL
}

// GQI is a receive ring of the GQI-QPL format. Slot i always receives into
// page i of the ring's page list, alternating between the two halves of the
// page when the previous half was handed to the stack.
type GQI struct {
	common

	qpl      *qpl.QPL
	descRing *dma.Region
	dataRing *dma.Region
	mask     uint32

	cnt     uint32 // completions consumed
	fillCnt uint32 // buffers handed to the device
	seq     uint8  // expected sequence number at cnt
	// lastSeq is the sequence number last consumed from each slot: what a
	// slot the device has not rewritten yet still holds.
	lastSeq []uint8
	offsets []uint32 // current half of each slot's page

	first desc.RxDesc
}

func NewGQI(conf GQIConfig) (*GQI, error) {
	r := &GQI{qpl: conf.QPL, seq: 1}
	if err := r.init(conf.Config, desc.QueueFormatGQIQPL); err != nil {
		return nil, err
	}
	if conf.QPL == nil || conf.QPL.NumPages() != conf.DescCnt {
		r.freeCommon()
		return nil, fmt.Errorf("rx ring %d: needs a page list of %d pages", conf.ID, conf.DescCnt)
	}
	var err error
	if r.descRing, err = conf.DMA.Alloc(conf.DescCnt * desc.RxDescSize); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating rx ring %d: %w", conf.ID, err)
	}
	if r.dataRing, err = conf.DMA.Alloc(conf.DescCnt * desc.RxDataSlotSize); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating rx data ring %d: %w", conf.ID, err)
	}
	r.mask = uint32(conf.DescCnt - 1)
	r.lastSeq = make([]uint8, conf.DescCnt)
	r.offsets = make([]uint32, conf.DescCnt)
	return r, nil
}

func (r *GQI) Format() desc.QueueFormat { return desc.QueueFormatGQIQPL }

func (r *GQI) CreateCommand(notifyID uint32) *desc.CreateRxQueue {
	return &desc.CreateRxQueue{
		QueueID:            uint32(r.conf.ID),
		Index:              uint32(r.conf.ID),
		NotifyID:           notifyID,
		QueueResourcesAddr: r.res.Bus,
		RxDescRingAddr:     r.descRing.Bus,
		RxDataRingAddr:     r.dataRing.Bus,
		QPLID:              r.qpl.ID,
		RxRingSize:         uint16(r.conf.DescCnt),
		PacketBufferSize:   BufSize,
	}
}

func (r *GQI) Start() error {
	r.start()
	for i := range r.offsets {
		r.offsets[i] = 0
		r.setDataSlot(uint32(i))
	}
	r.fillCnt = r.mask + 1
	r.stats.postedBufs.Add(uint64(r.fillCnt))
	r.dataRing.Sync(dma.SyncForDevice)
	r.conf.Doorbell.WriteBE32(r.dbOff, r.fillCnt)
	return nil
}

func (r *GQI) descSlot(i uint32) []byte {
	return r.descRing.Slice(int(i)*desc.RxDescSize, desc.RxDescSize)
}

func (r *GQI) setDataSlot(i uint32) {
	desc.PutRxDataSlot(r.dataRing.Slice(int(i)*desc.RxDataSlotSize, desc.RxDataSlotSize),
		uint64(i)*qpl.PageSize+uint64(r.offsets[i]))
}

func (r *GQI) HasWork() bool {
	return desc.RxSeqNo(r.descSlot(r.cnt&r.mask)) == r.seq
}

// Poll processes up to budget fragments; zero means no limit. A packet
// already started is always completed.
func (r *GQI) Poll(budget int) int {
	work := 0
	for budget <= 0 || work < budget || r.ctx.inProgress() {
		idx := r.cnt & r.mask
		slot := r.descSlot(idx)
		s := desc.RxSeqNo(slot)
		if s != r.seq {
			if s != r.lastSeq[idx] {
				r.protocolViolation(fmt.Errorf("%w: slot %d has sequence number %d, expected %d",
					ErrProtocol, idx, s, r.seq))
				return work
			}
			break
		}
		r.descRing.Sync(dma.SyncForCPU)
		var d desc.RxDesc
		d.Decode(slot)
		if err := r.processFrag(idx, &d); err != nil {
			r.protocolViolation(err)
			return work
		}
		r.lastSeq[idx] = s
		r.cnt++
		r.seq = desc.NextSeqNo(r.seq)
		work++
	}
	// The device writes whole packets.
	if r.ctx.inProgress() {
		r.protocolViolation(fmt.Errorf("%w: packet incomplete after %d fragments",
			ErrProtocol, r.ctx.frags))
		return work
	}
	r.flushLRO()

	if work > 0 {
		r.fillCnt += uint32(work)
		r.stats.postedBufs.Add(uint64(work))
		r.dataRing.Sync(dma.SyncForDevice)
		r.conf.Doorbell.WriteBE32(r.dbOff, r.fillCnt)
	}
	return work
}

func (r *GQI) processFrag(idx uint32, d *desc.RxDesc) error {
	first := !r.ctx.inProgress()
	pad := 0
	if first {
		pad = desc.RxPad
		r.first = *d
		if d.FlagsSeq&desc.RxFlagErr != 0 {
			r.ctx.dropped = true
		}
	}
	n := int(d.Len) - pad
	if n < 0 || int(d.Len) > BufSize {
		return fmt.Errorf("%w: fragment of %d bytes in slot %d", ErrProtocol, d.Len, idx)
	}
	last := d.FlagsSeq&desc.RxFlagPktCont == 0
	r.ctx.frags++

	page := r.qpl.Page(int(idx))
	off := int(r.offsets[idx]) + pad
	data := page.Mem[off : off+n : off+n]

	switch {
	case r.ctx.dropped:
	case first && last && n <= r.conf.Copybreak:
		r.ctx.add(copyOut(data), nil)
		r.stats.copybreak.Add(1)
	case page.Refs() == 1:
		// Only the list holds the page, so the other half is free.
		page.IncRef()
		r.ctx.add(data, page)
		r.offsets[idx] ^= BufSize
		r.setDataSlot(idx)
		r.stats.flips.Add(1)
	default:
		r.ctx.add(copyOut(data), nil)
		r.stats.copies.Add(1)
	}

	if last {
		r.finish()
	}
	return nil
}

func (r *GQI) finish() {
	p, dropped := r.ctx.take()
	if dropped {
		if p != nil {
			p.Release()
		}
		r.stats.dropped.Add(1)
		return
	}
	flags := r.first.FlagsSeq
	switch {
	case flags&desc.RxFlagIPv4 != 0:
		p.L3 = desc.L3IPv4
	case flags&desc.RxFlagIPv6 != 0:
		p.L3 = desc.L3IPv6
	}
	switch {
	case flags&desc.RxFlagTCP != 0:
		p.L4 = desc.L4TCP
	case flags&desc.RxFlagUDP != 0:
		p.L4 = desc.L4UDP
	}
	if p.L3 != desc.L3Unknown && flags&desc.RxFlagFrag == 0 {
		p.Hash = r.first.RSSHash
		p.HashType = pktbuf.HashL3
		if p.L4 != desc.L4Unknown {
			p.HashType = pktbuf.HashL4
		}
	}
	p.CsumVerified = r.first.Csum != 0 && flags&desc.RxFlagFrag == 0
	r.deliver(p)
}

func (r *GQI) Free() {
	r.freeCommon()
	if r.descRing != nil {
		_ = r.conf.DMA.Free(r.descRing)
		r.descRing = nil
	}
	if r.dataRing != nil {
		_ = r.conf.DMA.Free(r.dataRing)
		r.dataRing = nil
	}
}
