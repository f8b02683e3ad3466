package tx

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
)

const (
	// BufSizeDQO is the size of the QPL buffers packets are copied into.
	BufSizeDQO     = 2048
	bufsPerPageDQO = qpl.PageSize / BufSizeDQO

	// Ring slots never handed out so that producer and hardware head do
	// not share a cache line.
	minDescPreventCacheOverlap = 4
)

type pendingState uint8

const (
	pendingFree pendingState = iota
	pendingDataCompl
)

// pendingPkt owns an in-flight packet. Its index is the completion tag.
type pendingPkt struct {
	state pendingState
	// next links free slots; -1 ends the list.
	next int32

	len int
	pkt *pktbuf.Packet
	// Raw addressing: one mapping per fragment.
	maps []dma.Mapping
	// QPL: chain of buffers linked through DQO.bufNext.
	bufHead int32
	numBufs int

	sent atomic.Int64
}

type DQOConfig struct {
	Config
	// ComplCnt is the completion ring size; zero means DescCnt.
	ComplCnt int
	// QPL selects the QPL flavor. Without it packet memory is mapped with
	// Mapper, or bounced through a pool of BufSizeDQO slots per descriptor
	// the ring allocates itself.
	QPL    *qpl.QPL
	Mapper dma.Mapper
}

// DQO is a transmit ring of the DQO format. Every packet holds a pending
// slot whose index the device returns in the packet completion. Descriptor
// space is returned separately by descriptor completions.
type DQO struct {
	common
	format desc.QueueFormat

	ring   *dma.Region
	mask   uint32
	tail   uint32 // Xmit side, masked
	head   uint32 // Xmit side cache of hwHead
	lastRE uint32
	hwHead atomic.Uint32

	compl     *dma.Region
	complMask uint32
	complHead uint32 // Reap side
	curGen    bool

	// Pending slots: the consumer list is private to Xmit, Reap pushes to
	// the producer list and Xmit steals it whole when its own runs dry.
	pending []pendingPkt
	freeCsm int32
	freePrd atomic.Int32

	mapper dma.Mapper
	bounce *dma.Bounce

	qpl                *qpl.QPL
	bufNext            []int32
	freeBufsCsm        int32
	freeBufsPrd        atomic.Int32
	bufsProduced       atomic.Uint32
	bufsProducedCached uint32
	bufsConsumed       uint32
}

// NumPendingDQO returns how many packets may be in flight with a completion
// ring of complCnt entries. Room is kept for the descriptor completions and
// for a miss and a reinjection completion per packet.
func NumPendingDQO(complCnt int) int {
	n := complCnt - complCnt/desc.TxMinREInterval
	return min(n/2, math.MaxInt16)
}

func NewDQO(conf DQOConfig) (*DQO, error) {
	format := desc.QueueFormatDQORDA
	if conf.QPL != nil {
		format = desc.QueueFormatDQOQPL
	}
	r := &DQO{format: format, qpl: conf.QPL, mapper: conf.Mapper}
	if err := r.init(conf.Config, format); err != nil {
		return nil, err
	}
	if conf.ComplCnt == 0 {
		conf.ComplCnt = conf.DescCnt
	}
	if conf.ComplCnt < conf.DescCnt || conf.ComplCnt&(conf.ComplCnt-1) != 0 {
		r.freeCommon()
		return nil, fmt.Errorf("tx ring %d: completion ring of %d entries for %d descriptors",
			conf.ID, conf.ComplCnt, conf.DescCnt)
	}

	var err error
	if conf.QPL == nil && conf.Mapper == nil {
		if r.bounce, err = dma.NewBounce(conf.DMA, conf.DescCnt*BufSizeDQO, BufSizeDQO); err != nil {
			r.freeCommon()
			return nil, fmt.Errorf("allocating tx bounce pool %d: %w", conf.ID, err)
		}
		r.mapper = r.bounce
	}
	if r.ring, err = conf.DMA.Alloc(conf.DescCnt * desc.TxDescSizeDQO); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating tx ring %d: %w", conf.ID, err)
	}
	if r.compl, err = conf.DMA.Alloc(conf.ComplCnt * desc.TxComplDescSizeDQO); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating tx completion ring %d: %w", conf.ID, err)
	}
	r.mask = uint32(conf.DescCnt - 1)
	r.complMask = uint32(conf.ComplCnt - 1)

	r.pending = make([]pendingPkt, NumPendingDQO(conf.ComplCnt))
	r.resetLists()
	return r, nil
}

// resetLists puts every pending slot and QPL buffer on the consumer lists.
func (r *DQO) resetLists() {
	for i := range r.pending {
		r.pending[i].next = int32(i + 1)
		r.pending[i].state = pendingFree
		r.pending[i].bufHead = -1
	}
	r.pending[len(r.pending)-1].next = -1
	r.freeCsm = 0
	r.freePrd.Store(-1)

	if r.qpl == nil {
		return
	}
	n := r.qpl.NumPages() * bufsPerPageDQO
	r.bufNext = make([]int32, n)
	for i := range r.bufNext {
		r.bufNext[i] = int32(i + 1)
	}
	r.bufNext[n-1] = -1
	r.freeBufsCsm = 0
	r.freeBufsPrd.Store(-1)
	r.bufsProduced.Store(uint32(n))
	r.bufsProducedCached = uint32(n)
	r.bufsConsumed = 0
}

func (r *DQO) Format() desc.QueueFormat { return r.format }

// NumPending returns the size of the pending packet table.
func (r *DQO) NumPending() int { return len(r.pending) }

func (r *DQO) CreateCommand(notifyID uint32) *desc.CreateTxQueue {
	qplID := uint32(desc.RawAddressingQPLID)
	if r.qpl != nil {
		qplID = r.qpl.ID
	}
	return &desc.CreateTxQueue{
		QueueID:            uint32(r.conf.ID),
		QueueResourcesAddr: r.res.Bus,
		TxRingAddr:         r.ring.Bus,
		QPLID:              qplID,
		NotifyID:           notifyID,
		TxCompRingAddr:     r.compl.Bus,
		TxRingSize:         uint16(r.conf.DescCnt),
		TxCompRingSize:     uint16(r.complMask + 1),
	}
}

func (r *DQO) Start() error {
	r.start()
	return nil
}

func (r *DQO) slot(i uint32) []byte {
	return r.ring.Slice(int(i&r.mask)*desc.TxDescSizeDQO, desc.TxDescSizeDQO)
}

func (r *DQO) complSlot(i uint32) []byte {
	return r.compl.Slice(int(i)*desc.TxComplDescSizeDQO, desc.TxComplDescSizeDQO)
}

func (r *DQO) hasDescRoom(n int) bool {
	avail := r.mask - (r.tail-r.head)&r.mask
	if int(avail) >= n {
		return true
	}
	r.head = r.hwHead.Load()
	avail = r.mask - (r.tail-r.head)&r.mask
	return int(avail) >= n
}

func (r *DQO) havePending() bool {
	return r.freeCsm != -1 || r.freePrd.Load() != -1
}

// allocPending takes a slot off the consumer list, stealing the producer
// list when the consumer list is empty. It returns -1 when both are empty.
func (r *DQO) allocPending() int32 {
	i := r.freeCsm
	if i == -1 {
		i = r.freePrd.Swap(-1)
		if i == -1 {
			return -1
		}
	}
	pp := &r.pending[i]
	r.freeCsm = pp.next
	pp.state = pendingDataCompl
	return i
}

// freePending pushes slot i onto the producer list.
func (r *DQO) freePending(i int32) {
	pp := &r.pending[i]
	pp.state = pendingFree
	for {
		old := r.freePrd.Load()
		pp.next = old
		if r.freePrd.CompareAndSwap(old, i) {
			return
		}
	}
}

func (r *DQO) haveBufs(n int) bool {
	if int(r.bufsProducedCached-r.bufsConsumed) >= n {
		return true
	}
	r.bufsProducedCached = r.bufsProduced.Load()
	return int(r.bufsProducedCached-r.bufsConsumed) >= n
}

func (r *DQO) allocBuf() int32 {
	b := r.freeBufsCsm
	if b == -1 {
		b = r.freeBufsPrd.Swap(-1)
		if b == -1 {
			return -1
		}
	}
	r.freeBufsCsm = r.bufNext[b]
	r.bufsConsumed++
	return b
}

// reapBufs returns the buffer chain of pp to the producer list.
func (r *DQO) reapBufs(pp *pendingPkt) {
	if pp.numBufs == 0 {
		return
	}
	tail := pp.bufHead
	for range pp.numBufs - 1 {
		tail = r.bufNext[tail]
	}
	for {
		old := r.freeBufsPrd.Load()
		r.bufNext[tail] = old
		if r.freeBufsPrd.CompareAndSwap(old, pp.bufHead) {
			break
		}
	}
	r.bufsProduced.Add(uint32(pp.numBufs))
	pp.bufHead = -1
	pp.numBufs = 0
}

func (r *DQO) bufAddr(b int32) ([]byte, uint64) {
	page := r.qpl.Page(int(b) / bufsPerPageDQO)
	off := int(b) % bufsPerPageDQO * BufSizeDQO
	return page.Mem[off : off+BufSizeDQO], page.Bus + uint64(off)
}

// room reports whether the resources for a packet are available and marks
// the ring stopped if they are not.
func (r *DQO) room(descs, bufs int) bool {
	if !r.hasDescRoom(descs) {
		if r.deferXmit(func() bool { return r.hasDescRoom(descs) }) {
			r.stats.deferredNoDescs.Add(1)
			return false
		}
	}
	if bufs > 0 && !r.haveBufs(bufs) {
		if r.deferXmit(func() bool { return r.haveBufs(bufs) }) {
			r.stats.deferredNoBufs.Add(1)
			return false
		}
	}
	if !r.havePending() {
		if r.deferXmit(r.havePending) {
			r.stats.deferredNoTags.Add(1)
			return false
		}
	}
	return true
}

func (r *DQO) Xmit(p *pktbuf.Packet) error {
	if err := validateOffload(p); err != nil {
		r.stats.invalid.Add(1)
		return err
	}
	o := &p.Offload
	if o.TSO() {
		switch {
		case o.MSS < desc.TxMinTSOMSSDQO:
			r.stats.invalid.Add(1)
			return fmt.Errorf("%w: mss %d below %d", ErrInvalidPacket, o.MSS, desc.TxMinTSOMSSDQO)
		case o.HeaderLen() > desc.TxMaxHdrSizeDQO:
			r.stats.invalid.Add(1)
			return fmt.Errorf("%w: tso header of %d bytes", ErrInvalidPacket, o.HeaderLen())
		case p.Len()-o.HeaderLen() > desc.TxMaxTSOTotalLen:
			r.stats.invalid.Add(1)
			return fmt.Errorf("%w: tso payload of %d bytes", ErrInvalidPacket, p.Len()-o.HeaderLen())
		}
	}

	r.xmitLock.Lock()
	defer r.xmitLock.Unlock()

	var err error
	if r.qpl != nil {
		err = r.xmitQPL(p)
	} else {
		err = r.xmitRDA(p)
	}
	if err != nil {
		return err
	}

	r.stats.packets.Add(1)
	if o.TSO() {
		r.stats.tso.Add(1)
	}
	r.ring.Sync(dma.SyncForDevice)
	r.conf.Doorbell.WriteLE32(r.dbOff, r.tail)
	return nil
}

// writeContext writes the optional TSO context and the general context
// descriptors and returns the index following them.
func (r *DQO) writeContext(p *pktbuf.Packet, idx uint32) uint32 {
	o := &p.Offload
	md := desc.TxMetadataDQO{
		Version:  desc.TxMetadataVersionDQO,
		PathHash: desc.PathHash(pathHash(p)),
	}
	if o.TSO() {
		tso := desc.TxTSOContextDescDQO{
			TSOTotalLen: uint32(p.Len() - o.HeaderLen()),
			MSS:         uint16(o.MSS),
			HeaderLen:   uint8(o.HeaderLen()),
			Metadata:    md,
		}
		tso.Encode(r.slot(idx))
		idx = (idx + 1) & r.mask
	}
	gen := desc.TxGeneralContextDescDQO{Metadata: md}
	gen.Encode(r.slot(idx))
	return (idx + 1) & r.mask
}

// writeData writes packet descriptors for n bytes at bus, split at the
// descriptor buffer size limit.
func (r *DQO) writeData(idx uint32, bus uint64, n int, tag int32, eop, csum bool) uint32 {
	for n > 0 {
		l := min(n, desc.TxMaxBufSizeDQO)
		d := desc.TxPktDescDQO{
			BufAddr:     bus,
			EndOfPacket: eop && l == n,
			CsumEnable:  csum,
			ComplTag:    uint16(tag),
			BufSize:     uint16(l),
		}
		d.Encode(r.slot(idx))
		idx = (idx + 1) & r.mask
		bus += uint64(l)
		n -= l
	}
	return idx
}

// requestDescCompl sets the report-event bit on the last descriptor
// written when enough descriptors passed since the previous one.
func (r *DQO) requestDescCompl() {
	last := (r.tail - 1) & r.mask
	if (last-r.lastRE)&r.mask >= desc.TxMinREInterval {
		desc.SetReportEvent(r.slot(last))
		r.lastRE = last
	}
}

func dataDescs(n int) int {
	return (n + desc.TxMaxBufSizeDQO - 1) / desc.TxMaxBufSizeDQO
}

func (r *DQO) xmitQPL(p *pktbuf.Packet) error {
	o := &p.Offload
	nbufs := (p.Len() + BufSizeDQO - 1) / BufSizeDQO
	ctx := 1
	if o.TSO() {
		ctx++
	}
	if nbufs > len(r.bufNext) {
		r.stats.invalid.Add(1)
		return fmt.Errorf("%w: %d buffers exceed the page list", ErrInvalidPacket, nbufs)
	}
	if !r.room(ctx+nbufs+minDescPreventCacheOverlap, nbufs) {
		return ErrDeferred
	}

	tag := r.allocPending()
	pp := &r.pending[tag]
	idx := r.writeContext(p, r.tail)
	csum := o.NeedsCsum || o.TSO()

	prev := int32(-1)
	for off := 0; off < p.Len(); {
		b := r.allocBuf()
		if prev == -1 {
			pp.bufHead = b
		} else {
			r.bufNext[prev] = b
		}
		prev = b
		pp.numBufs++

		mem, bus := r.bufAddr(b)
		n := p.CopyTo(mem[:min(BufSizeDQO, p.Len()-off)], off)
		if off == 0 && o.TSO() {
			setTSOPseudoChecksum(mem, o)
		}
		off += n
		idx = r.writeData(idx, bus, n, tag, off == p.Len(), csum)
	}
	r.bufNext[prev] = -1

	pp.len = p.Len()
	pp.sent.Store(time.Now().UnixNano())
	r.stats.bytes.Add(uint64(p.Len()))
	// The data lives in the page list now.
	p.Release()

	r.tail = idx
	r.requestDescCompl()
	return nil
}

func (r *DQO) xmitRDA(p *pktbuf.Packet) error {
	o := &p.Offload
	// Packets the device cannot take as they are go out as one fragment.
	linearize := !o.TSO() && len(p.Frags) > desc.TxMaxDataDescsDQO ||
		o.TSO() && len(p.Frags[0].Data) < o.HeaderLen()
	descs := dataDescs(p.Len())
	if !linearize {
		descs = 0
		for _, f := range p.Frags {
			descs += dataDescs(len(f.Data))
		}
	}
	if !o.TSO() && descs > desc.TxMaxDataDescsDQO {
		r.stats.invalid.Add(1)
		return fmt.Errorf("%w: %d data descriptors", ErrInvalidPacket, descs)
	}
	if r.bounce != nil {
		slots := r.bounce.Slots(p.Len())
		if !linearize {
			slots = 0
			for _, f := range p.Frags {
				slots += r.bounce.Slots(len(f.Data))
			}
		}
		if slots > r.bounce.Cap() {
			r.stats.invalid.Add(1)
			return fmt.Errorf("%w: %d bytes exceed the bounce pool", ErrInvalidPacket, p.Len())
		}
	}
	ctx := 1
	if o.TSO() {
		ctx++
	}
	if !r.room(ctx+descs+minDescPreventCacheOverlap, 0) {
		return ErrDeferred
	}
	if linearize {
		p.Linearize()
		r.stats.linearized.Add(1)
	}

	maps, err := r.mapFrags(p)
	if errors.Is(err, dma.ErrExhausted) && r.deferXmit(func() bool {
		maps, err = r.mapFrags(p)
		return err == nil
	}) {
		r.stats.deferredNoBufs.Add(1)
		return ErrDeferred
	}
	if err != nil {
		r.stats.invalid.Add(1)
		return err
	}

	tag := r.allocPending()
	pp := &r.pending[tag]
	idx := r.writeContext(p, r.tail)
	csum := o.NeedsCsum || o.TSO()
	for i, m := range maps {
		idx = r.writeData(idx, m.Bus, m.Len, tag, i == len(maps)-1, csum)
	}

	pp.pkt = p
	pp.maps = maps
	pp.len = p.Len()
	pp.sent.Store(time.Now().UnixNano())
	r.stats.bytes.Add(uint64(p.Len()))

	r.tail = idx
	r.requestDescCompl()
	return nil
}

// mapFrags maps every non-empty fragment of p. On failure nothing stays
// mapped.
func (r *DQO) mapFrags(p *pktbuf.Packet) ([]dma.Mapping, error) {
	o := &p.Offload
	maps := make([]dma.Mapping, 0, len(p.Frags))
	for i, f := range p.Frags {
		if len(f.Data) == 0 {
			continue
		}
		m, err := r.mapper.Map(f.Data)
		if err != nil {
			for _, m := range maps {
				r.mapper.Unmap(m)
			}
			return nil, fmt.Errorf("mapping fragment %d: %w", i, err)
		}
		if i == 0 && o.TSO() {
			if mem := m.Mem(); mem != nil {
				setTSOPseudoChecksum(mem, o)
			}
		}
		maps = append(maps, m)
	}
	return maps, nil
}

// Reap processes up to budget completions; zero means no limit.
func (r *DQO) Reap(budget int) int {
	work := 0
	for budget <= 0 || work < budget {
		b := r.complSlot(r.complHead)
		if desc.TxComplGeneration(b) == r.curGen {
			break
		}
		var c desc.TxComplDescDQO
		c.Decode(b)

		switch c.Type {
		case desc.ComplTypeDescDQO:
			// Last descriptor fetched by the device plus one.
			r.hwHead.Store(uint32(c.TxHeadOrTag) & r.mask)
		case desc.ComplTypePktDQO:
			r.completePacket(c.TxHeadOrTag)
		default:
			r.log.WithField("type", c.Type).Debug("Ignoring completion")
		}

		r.complHead = (r.complHead + 1) & r.complMask
		if r.complHead == 0 {
			r.curGen = !r.curGen
		}
		work++
	}
	r.wakeIfStopped(work > 0)
	return work
}

func (r *DQO) completePacket(tag uint16) {
	if int(tag) >= len(r.pending) {
		r.protocolViolation(fmt.Errorf("%w: completion tag %d out of range", ErrProtocol, tag))
		return
	}
	pp := &r.pending[tag]
	if pp.state != pendingDataCompl {
		r.protocolViolation(fmt.Errorf("%w: completion for idle tag %d", ErrProtocol, tag))
		return
	}
	pp.sent.Store(0)
	r.releasePending(pp)
	r.stats.completed.Add(1)
	r.freePending(int32(tag))
}

func (r *DQO) releasePending(pp *pendingPkt) {
	if r.qpl != nil {
		r.reapBufs(pp)
	}
	for _, m := range pp.maps {
		r.mapper.Unmap(m)
	}
	pp.maps = nil
	if pp.pkt != nil {
		pp.pkt.Release()
		pp.pkt = nil
	}
}

func (r *DQO) HasWork() bool {
	return desc.TxComplGeneration(r.complSlot(r.complHead)) != r.curGen
}

func (r *DQO) Overdue(now time.Time, timeout time.Duration) int {
	n := 0
	limit := now.Add(-timeout).UnixNano()
	for i := range r.pending {
		if s := r.pending[i].sent.Load(); s != 0 && s < limit {
			n++
		}
	}
	return n
}

func (r *DQO) Kick() {
	r.xmitLock.Lock()
	defer r.xmitLock.Unlock()
	r.stats.kicks.Add(1)
	r.conf.Doorbell.WriteLE32(r.dbOff, r.tail)
}

// InFlight returns the number of packets awaiting completion.
func (r *DQO) InFlight() int {
	n := 0
	for i := range r.pending {
		if r.pending[i].sent.Load() != 0 {
			n++
		}
	}
	return n
}

func (r *DQO) Free() {
	for i := range r.pending {
		pp := &r.pending[i]
		if pp.state == pendingDataCompl {
			pp.sent.Store(0)
			r.releasePending(pp)
		}
	}
	if r.pending != nil {
		r.resetLists()
	}
	if r.ring != nil {
		_ = r.conf.DMA.Free(r.ring)
		r.ring = nil
	}
	if r.compl != nil {
		_ = r.conf.DMA.Free(r.compl)
		r.compl = nil
	}
	if r.bounce != nil {
		_ = r.bounce.Close()
		r.bounce = nil
	}
	r.freeCommon()
}
