package rx

import (
	"fmt"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
)

const (
	// MinPendingBufsDQO is the number of posted buffers at or below which a
	// ring that cannot recycle a buffer copies packets out instead of giving
	// its pages to the stack.
	MinPendingBufsDQO = 128

	// bufqDoorbellBatch is how many buffers are posted between doorbells.
	bufqDoorbellBatch = 32
	fragsPerPage      = qpl.PageSize / BufSize
)

type DQOConfig struct {
	Config
	// Pages backs the receive buffers, two per page. An unregistered list
	// selects raw addressing.
	Pages *qpl.QPL
	// Ptypes classifies completions. A nil map leaves packets unclassified.
	Ptypes *desc.PtypeMap
	// RSC lets the device coalesce TCP segments itself.
	RSC bool
}

// bufState tracks one page of the ring.
type bufState struct {
	page   *qpl.Page
	frag   uint16 // half to post next
	posted bool
	next   int32
}

type bufList struct{ head, tail int32 }

var emptyList = bufList{head: -1, tail: -1}

// DQO is a receive ring of either DQO format: the driver posts buffers on a
// buffer queue and the device reports them filled on a completion queue,
// in any order.
type DQO struct {
	common

	format desc.QueueFormat
	pages  *qpl.QPL
	ptypes *desc.PtypeMap
	rsc    bool

	states []bufState
	// free holds pages with a half ready to post; used holds pages whose
	// both halves went to the stack, waiting for it to let go.
	free, used bufList
	posted     int

	bufq     *dma.Region
	bufMask  uint32
	bufHead  uint32
	bufTail  uint32
	compl    *dma.Region
	complMsk uint32
	complHd  uint32
	curGen   bool
}

func NewDQO(conf DQOConfig) (*DQO, error) {
	if conf.Pages == nil || conf.Pages.NumPages() == 0 {
		return nil, fmt.Errorf("rx ring %d: no buffer pages", conf.ID)
	}
	format := desc.QueueFormatDQOQPL
	if conf.Pages.ID == desc.RawAddressingQPLID {
		format = desc.QueueFormatDQORDA
	} else if n := conf.Pages.NumPages(); n > desc.RxMaxBufIDDQO+1 {
		return nil, fmt.Errorf("rx ring %d: %d pages exceed buffer id space", conf.ID, n)
	}
	r := &DQO{format: format, pages: conf.Pages, ptypes: conf.Ptypes, rsc: conf.RSC, free: emptyList, used: emptyList}
	if err := r.init(conf.Config, format); err != nil {
		return nil, err
	}

	var err error
	if r.bufq, err = conf.DMA.Alloc(conf.DescCnt * desc.RxDescSizeDQO); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating rx buffer queue %d: %w", conf.ID, err)
	}
	if r.compl, err = conf.DMA.Alloc(conf.DescCnt * desc.RxComplDescSizeDQO); err != nil {
		r.Free()
		return nil, fmt.Errorf("allocating rx completion queue %d: %w", conf.ID, err)
	}
	r.bufMask = uint32(conf.DescCnt - 1)
	r.complMsk = uint32(conf.DescCnt - 1)

	r.states = make([]bufState, conf.Pages.NumPages())
	for i, p := range conf.Pages.Pages() {
		r.states[i] = bufState{page: p, next: -1}
		r.push(&r.free, int32(i))
	}
	return r, nil
}

func (r *DQO) Format() desc.QueueFormat { return r.format }

func (r *DQO) CreateCommand(notifyID uint32) *desc.CreateRxQueue {
	return &desc.CreateRxQueue{
		QueueID:            uint32(r.conf.ID),
		Index:              uint32(r.conf.ID),
		NotifyID:           notifyID,
		QueueResourcesAddr: r.res.Bus,
		RxDescRingAddr:     r.compl.Bus,
		RxDataRingAddr:     r.bufq.Bus,
		QPLID:              r.pages.ID,
		RxRingSize:         uint16(r.conf.DescCnt),
		PacketBufferSize:   BufSize,
		RxBuffRingSize:     uint16(r.conf.DescCnt),
		EnableRSC:          r.rsc,
	}
}

func (r *DQO) Start() error {
	r.start()
	r.post()
	return nil
}

func (r *DQO) push(l *bufList, i int32) {
	r.states[i].next = -1
	if l.tail < 0 {
		l.head = i
	} else {
		r.states[l.tail].next = i
	}
	l.tail = i
}

func (r *DQO) pop(l *bufList) int32 {
	i := l.head
	if i < 0 {
		return -1
	}
	l.head = r.states[i].next
	if l.head < 0 {
		l.tail = -1
	}
	r.states[i].next = -1
	return i
}

// recyclable reports whether the stack let go of a used page.
func (r *DQO) recyclable(i int32) bool { return r.states[i].page.Refs() == 1 }

// getState returns a page to post from. A used page still held by the stack
// is moved behind the next one so that a single slow consumer does not
// block recycling.
func (r *DQO) getState() int32 {
	if i := r.pop(&r.free); i >= 0 {
		return i
	}
	for range 2 {
		i := r.pop(&r.used)
		if i < 0 {
			return -1
		}
		if r.recyclable(i) {
			r.states[i].frag = 0
			return i
		}
		r.push(&r.used, i)
	}
	return -1
}

func (r *DQO) canPost() bool {
	return r.free.head >= 0 || (r.used.head >= 0 && r.recyclable(r.used.head))
}

func (r *DQO) bufSlot(i uint32) []byte {
	return r.bufq.Slice(int(i)*desc.RxDescSizeDQO, desc.RxDescSizeDQO)
}

func (r *DQO) complSlot(i uint32) []byte {
	return r.compl.Slice(int(i)*desc.RxComplDescSizeDQO, desc.RxComplDescSizeDQO)
}

// post fills the buffer queue as far as pages are available.
func (r *DQO) post() {
	n := r.bufMask - (r.bufTail-r.bufHead)&r.bufMask
	for range n {
		i := r.getState()
		if i < 0 {
			break
		}
		s := &r.states[i]
		s.posted = true
		d := desc.RxDescDQO{BufID: uint16(i), BufAddr: s.page.Bus + uint64(s.frag)*BufSize}
		if r.format == desc.QueueFormatDQOQPL {
			d.BufID = desc.ComposeRxBufID(uint16(i), s.frag)
		}
		d.Encode(r.bufSlot(r.bufTail))
		r.bufTail = (r.bufTail + 1) & r.bufMask
		r.posted++
		r.stats.postedBufs.Add(1)

		if r.bufTail%bufqDoorbellBatch == 0 {
			r.bufq.Sync(dma.SyncForDevice)
			r.conf.Doorbell.WriteLE32(r.dbOff, r.bufTail)
		}
	}
}

func (r *DQO) HasWork() bool {
	return desc.RxComplGeneration(r.complSlot(r.complHd)) != r.curGen
}

// Poll processes up to budget completions; zero means no limit.
func (r *DQO) Poll(budget int) int {
	work := 0
	for budget <= 0 || work < budget {
		slot := r.complSlot(r.complHd)
		if desc.RxComplGeneration(slot) == r.curGen {
			break
		}
		r.compl.Sync(dma.SyncForCPU)
		var c desc.RxComplDescDQO
		c.Decode(slot)

		r.bufHead = (r.bufHead + 1) & r.bufMask
		r.complHd = (r.complHd + 1) & r.complMsk
		if r.complHd == 0 {
			r.curGen = !r.curGen
		}
		work++

		if err := r.complete(&c); err != nil {
			r.protocolViolation(err)
			return work
		}
	}
	r.post()
	r.flushLRO()
	return work
}

func (r *DQO) lookup(id uint16) (int32, uint16, error) {
	i, frag := id, uint16(0)
	if r.format == desc.QueueFormatDQOQPL {
		i, frag = desc.SplitRxBufID(id)
	}
	if int(i) >= len(r.states) {
		return -1, 0, fmt.Errorf("%w: completion for unknown buffer %d", ErrProtocol, id)
	}
	s := &r.states[i]
	if r.format == desc.QueueFormatDQORDA {
		frag = s.frag
	}
	if !s.posted || s.frag != frag {
		return -1, 0, fmt.Errorf("%w: completion for buffer %d which is not posted", ErrProtocol, id)
	}
	return int32(i), frag, nil
}

// recycle returns a posted half to the free list to be posted again.
func (r *DQO) recycle(i int32) { r.push(&r.free, i) }

// handOff moves a page past a half given to the stack.
func (r *DQO) handOff(i int32) {
	s := &r.states[i]
	s.page.IncRef()
	s.frag++
	if s.frag == fragsPerPage {
		s.frag = 0
		r.push(&r.used, i)
		return
	}
	r.push(&r.free, i)
}

func (r *DQO) complete(c *desc.RxComplDescDQO) error {
	i, frag, err := r.lookup(c.BufID)
	if err != nil {
		return err
	}
	s := &r.states[i]
	s.posted = false
	r.posted--

	n := int(c.PacketLen)
	if n > BufSize {
		return fmt.Errorf("%w: buffer %d completed with %d bytes", ErrProtocol, c.BufID, n)
	}
	first := !r.ctx.inProgress()
	r.ctx.frags++
	if c.RxError {
		r.ctx.dropped = true
	}

	off := int(frag) * BufSize
	data := s.page.Mem[off : off+n : off+n]
	switch {
	case r.ctx.dropped:
		r.recycle(i)
	case first && c.EndOfPacket && n <= r.conf.Copybreak:
		r.ctx.add(copyOut(data), nil)
		r.recycle(i)
		r.stats.copybreak.Add(1)
	case !r.canPost() && r.posted <= MinPendingBufsDQO:
		r.ctx.add(copyOut(data), nil)
		r.recycle(i)
		r.stats.copies.Add(1)
	default:
		r.ctx.add(data, s.page)
		r.handOff(i)
		r.stats.flips.Add(1)
	}

	if c.EndOfPacket {
		r.finish(c)
	}
	return nil
}

func (r *DQO) finish(c *desc.RxComplDescDQO) {
	p, dropped := r.ctx.take()
	if dropped {
		if p != nil {
			p.Release()
		}
		r.stats.dropped.Add(1)
		return
	}
	var pt desc.Ptype
	if r.ptypes != nil {
		pt = r.ptypes[c.PacketType]
	}
	p.L3, p.L4 = pt.L3, pt.L4
	switch {
	case pt.L4 == desc.L4TCP || pt.L4 == desc.L4UDP || pt.L4 == desc.L4SCTP:
		p.Hash, p.HashType = c.Hash, pktbuf.HashL4
	case pt.L3 == desc.L3IPv4 || pt.L3 == desc.L3IPv6:
		p.Hash, p.HashType = c.Hash, pktbuf.HashL3
	}
	p.CsumVerified = checksumOK(c, pt)
	if c.RSC && c.RSCSegLen > 0 {
		seg := int(c.RSCSegLen)
		p.Segments = (p.Len() + seg - 1) / seg
	}
	r.deliver(p)
}

func checksumOK(c *desc.RxComplDescDQO, pt desc.Ptype) bool {
	if !c.L3L4Processed || c.CsumL4Err || c.Ipv6ExtAdd {
		return false
	}
	if pt.L3 == desc.L3IPv4 && c.CsumIPErr {
		return false
	}
	switch pt.L4 {
	case desc.L4TCP, desc.L4UDP, desc.L4SCTP:
		return true
	}
	return false
}

func (r *DQO) Free() {
	r.freeCommon()
	if r.bufq != nil {
		_ = r.conf.DMA.Free(r.bufq)
		r.bufq = nil
	}
	if r.compl != nil {
		_ = r.conf.DMA.Free(r.compl)
		r.compl = nil
	}
	r.states = nil
}
