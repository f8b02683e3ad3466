package tx

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
)

// iovec is a region of the FIFO. pad is the alignment gap following it,
// released together with it.
type iovec struct {
	off int
	len int
	pad int
}

// fifo is a byte ring over the single mapping of a queue page list.
// head is only moved by Xmit; available is returned by Reap.
type fifo struct {
	base      []byte
	size      int
	head      int
	available atomic.Int64
}

func (f *fifo) init(base []byte) {
	f.base = base
	f.size = len(base)
	f.head = 0
	f.available.Store(int64(len(base)))
}

func (f *fifo) canAlloc(n int) bool { return f.available.Load() >= int64(n) }

// padOneFrag returns the bytes to skip so that n bytes are contiguous.
func (f *fifo) padOneFrag(n int) int {
	if f.head+n < f.size {
		return 0
	}
	return f.size - f.head
}

// alloc reserves n bytes at the head, splitting them in two when they wrap,
// and realigns the head to a cache line. It returns the number of iovecs
// used.
func (f *fifo) alloc(n int, iov []iovec) int {
	if n == 0 {
		return 0
	}
	nfrags := 1
	iov[0] = iovec{off: f.head, len: n}
	f.head += n
	if f.head > f.size {
		nfrags++
		overflow := f.head - f.size
		iov[0].len -= overflow
		iov[1] = iovec{off: 0, len: overflow}
		f.head = overflow
	}
	aligned := alignUp(f.head, desc.CacheLineSize)
	iov[nfrags-1].pad = aligned - f.head
	f.available.Add(-int64(n + aligned - f.head))
	f.head = aligned
	if f.head == f.size {
		f.head = 0
	}
	return nfrags
}

func (f *fifo) free(n int) { f.available.Add(int64(n)) }

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

type gqiPktInfo struct {
	pkt  *pktbuf.Packet
	iov  [4]iovec
	sent atomic.Int64
}

type GQIConfig struct {
	Config
	// QPL must be a single mapping. Its pages form the FIFO.
	QPL *qpl.QPL
	// Counters is the device event counter array.
	Counters []byte
}

// GQI is a transmit ring of the GQI-QPL format. Packets are copied into a
// FIFO over the ring's page list and described by offsets into it.
type GQI struct {
	common

	qpl      *qpl.QPL
	counters []byte
	ring     *dma.Region
	mask     uint32
	info     []gqiPktInfo
	fifo     fifo

	req  uint32 // Xmit side
	done atomic.Uint32
}

func NewGQI(conf GQIConfig) (*GQI, error) {
	r := &GQI{qpl: conf.QPL, counters: conf.Counters}
	if err := r.init(conf.Config, desc.QueueFormatGQIQPL); err != nil {
		return nil, err
	}
	if conf.QPL == nil || !conf.QPL.SingleMapping() {
		r.freeCommon()
		return nil, fmt.Errorf("tx ring %d: fifo needs a single mapping qpl", conf.ID)
	}
	ring, err := conf.DMA.Alloc(conf.DescCnt * desc.TxDescSize)
	if err != nil {
		r.freeCommon()
		return nil, fmt.Errorf("allocating tx ring %d: %w", conf.ID, err)
	}
	r.ring = ring
	r.mask = uint32(conf.DescCnt - 1)
	r.info = make([]gqiPktInfo, conf.DescCnt)
	r.fifo.init(conf.QPL.Bytes())
	return r, nil
}

func (r *GQI) Format() desc.QueueFormat { return desc.QueueFormatGQIQPL }

func (r *GQI) CreateCommand(notifyID uint32) *desc.CreateTxQueue {
	return &desc.CreateTxQueue{
		QueueID:            uint32(r.conf.ID),
		QueueResourcesAddr: r.res.Bus,
		TxRingAddr:         r.ring.Bus,
		QPLID:              r.qpl.ID,
		NotifyID:           notifyID,
		TxRingSize:         uint16(r.conf.DescCnt),
	}
}

func (r *GQI) Start() error {
	r.start()
	if int(r.cntIdx)*4+4 > len(r.counters) {
		return fmt.Errorf("tx ring %d: counter index %d outside counter array",
			r.conf.ID, r.cntIdx)
	}
	return nil
}

func (r *GQI) counter() []byte {
	return r.counters[r.cntIdx*4 : r.cntIdx*4+4]
}

func (r *GQI) descRoom() bool {
	return int(r.mask+1)-int(r.req-r.done.Load()) >= desc.MaxTxDescsPerPktGQI+1
}

// bytesRequired is the FIFO space a packet with an hlen header segment
// consumes, including the header alignment and the wrap padding.
func (r *GQI) bytesRequired(hlen, total int) int {
	return alignUp(hlen, desc.CacheLineSize) - hlen + r.fifo.padOneFrag(hlen) + total
}

func (r *GQI) Xmit(p *pktbuf.Packet) error {
	if err := validateOffload(p); err != nil {
		r.stats.invalid.Add(1)
		return err
	}
	o := &p.Offload
	hlen := min(desc.MinPktDescBytesGQI, p.Len())
	if o.TSO() {
		hlen = o.HeaderLen()
	}
	if p.Len() > math.MaxUint16 {
		r.stats.invalid.Add(1)
		return fmt.Errorf("%w: %d bytes exceed the gqi packet length", ErrInvalidPacket, p.Len())
	}

	r.xmitLock.Lock()
	defer r.xmitLock.Unlock()

	need := r.bytesRequired(hlen, p.Len())
	if need > r.fifo.size {
		r.stats.invalid.Add(1)
		return fmt.Errorf("%w: %d bytes exceed the fifo", ErrInvalidPacket, need)
	}
	if !r.descRoom() {
		if r.deferXmit(r.descRoom) {
			r.stats.deferredNoDescs.Add(1)
			return ErrDeferred
		}
	}
	if !r.fifo.canAlloc(need) {
		if r.deferXmit(func() bool { return r.fifo.canAlloc(need) }) {
			r.stats.deferredNoBufs.Add(1)
			return ErrDeferred
		}
	}

	mtd := 0
	if p.HashType == pktbuf.HashL4 {
		mtd = 1
	}

	idx := r.req & r.mask
	info := &r.info[idx]
	info.iov = [4]iovec{}

	// The header is never split: pad up to the end of the FIFO and place
	// it at the start instead.
	pad := r.fifo.padOneFrag(hlen)
	hdrFrags := r.fifo.alloc(hlen+pad, info.iov[0:2])
	payFrags := r.fifo.alloc(p.Len()-hlen, info.iov[2:4])
	hdrOff := info.iov[hdrFrags-1].off

	pd := desc.TxPktDesc{
		TypeFlags: desc.TxDescStd,
		DescCnt:   uint8(1 + mtd + payFrags),
		Len:       uint16(p.Len()),
		SegLen:    uint16(hlen),
		SegAddr:   uint64(hdrOff),
	}
	switch {
	case o.TSO():
		pd.TypeFlags = desc.TxDescTSO | desc.TxFlagL4Csum
		pd.L4CsumOffset = uint8(o.CsumOffset >> 1)
		pd.L4HdrOffset = uint8(o.L4Offset >> 1)
	case o.NeedsCsum:
		pd.TypeFlags = desc.TxDescStd | desc.TxFlagL4Csum
		pd.L4CsumOffset = uint8(o.CsumOffset >> 1)
		pd.L4HdrOffset = uint8(o.L4Offset >> 1)
	}
	pd.Encode(r.slot(r.req))
	p.CopyTo(r.fifo.base[hdrOff:hdrOff+hlen], 0)

	if mtd > 0 {
		md := desc.TxMtdDesc{
			TypeFlags: desc.TxDescMtd | desc.MtdSubtypePath,
			PathState: desc.MtdPathStateDefault | desc.MtdPathHashL4,
			PathHash:  p.Hash,
		}
		md.Encode(r.slot(r.req + 1))
	}

	copyOff := hlen
	for i := range payFrags {
		v := info.iov[2+i]
		sd := desc.TxSegDesc{
			TypeFlags: desc.TxDescSeg,
			SegLen:    uint16(v.len),
			SegAddr:   uint64(v.off),
		}
		if o.TSO() {
			if o.IPv6 {
				sd.TypeFlags |= desc.TxSegFlagIPv6
			}
			sd.L3Offset = uint8(o.L3Offset >> 1)
			sd.MSS = uint16(o.MSS)
		}
		sd.Encode(r.slot(r.req + 1 + uint32(mtd+i)))
		p.CopyTo(r.fifo.base[v.off:v.off+v.len], copyOff)
		copyOff += v.len
	}

	info.pkt = p
	info.sent.Store(time.Now().UnixNano())
	r.req += uint32(1 + mtd + payFrags)

	r.stats.packets.Add(1)
	r.stats.bytes.Add(uint64(p.Len()))
	if o.TSO() {
		r.stats.tso.Add(1)
	}

	r.ring.Sync(dma.SyncForDevice)
	r.conf.Doorbell.WriteBE32(r.dbOff, r.req)
	return nil
}

func (r *GQI) slot(i uint32) []byte {
	return r.ring.Slice(int(i&r.mask)*desc.TxDescSize, desc.TxDescSize)
}

// Reap frees the packets of every descriptor the device reported done.
// budget limits the descriptors consumed; zero means no limit.
func (r *GQI) Reap(budget int) int {
	done := r.done.Load()
	todo := int(desc.EventCounter(r.counter()) - done)
	if budget > 0 && todo > budget {
		todo = budget
	}

	freed := 0
	for range todo {
		info := &r.info[done&r.mask]
		done++
		if info.pkt == nil {
			continue
		}
		info.sent.Store(0)
		info.pkt.Release()
		info.pkt = nil
		r.stats.completed.Add(1)
		for i := range info.iov {
			freed += info.iov[i].len + info.iov[i].pad
			info.iov[i] = iovec{}
		}
	}

	r.done.Store(done)
	r.fifo.free(freed)
	r.wakeIfStopped(todo > 0)
	return todo
}

func (r *GQI) HasWork() bool {
	return desc.EventCounter(r.counter()) != r.done.Load()
}

func (r *GQI) Overdue(now time.Time, timeout time.Duration) int {
	n := 0
	limit := now.Add(-timeout).UnixNano()
	for i := range r.info {
		if s := r.info[i].sent.Load(); s != 0 && s < limit {
			n++
		}
	}
	return n
}

func (r *GQI) Kick() {
	r.xmitLock.Lock()
	defer r.xmitLock.Unlock()
	r.stats.kicks.Add(1)
	r.conf.Doorbell.WriteBE32(r.dbOff, r.req)
}

// FIFOAvailable returns the free bytes of the FIFO.
func (r *GQI) FIFOAvailable() int { return int(r.fifo.available.Load()) }

func (r *GQI) Free() {
	for i := range r.info {
		if p := r.info[i].pkt; p != nil {
			r.info[i].pkt = nil
			p.Release()
		}
		r.info[i].sent.Store(0)
	}
	if r.ring != nil {
		_ = r.conf.DMA.Free(r.ring)
		r.ring = nil
	}
	r.freeCommon()
}
