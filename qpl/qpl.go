// Package qpl implements queue page lists: sets of device-registered pages
// that back a ring's bounce buffers or receive buffers.
//
// Every page starts with one reference held by its list. Receive paths take
// an extra reference before handing page memory to the network stack and
// the stack drops it when done with the packet. A page's memory is only
// returned to the DMA allocator once all references, including the list's
// own, are gone.
package qpl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
)

// PageSize is the size of every page in a list.
const PageSize = desc.PageSize

var (
	ErrBudgetExceeded = errors.New("registered page budget exceeded")
	ErrInvalidCount   = errors.New("page count must be positive")
)

// Page is a reference-counted page of a queue page list.
type Page struct {
	Mem []byte
	Bus uint64

	index  int
	refs   atomic.Int32
	list   *QPL
	region *dma.Region // nil for pages of a single mapping
}

// Index returns the position of p in its list.
func (p *Page) Index() int { return p.index }

// Refs returns the current reference count. One means only the list
// holds the page.
func (p *Page) Refs() int32 { return p.refs.Load() }

// IncRef takes an additional reference on the page.
func (p *Page) IncRef() {
	if p.refs.Add(1) <= 1 {
		panic("qpl: IncRef on released page")
	}
}

// DecRef drops a reference. The page memory is released with the last one.
func (p *Page) DecRef() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		p.list.release(p)
	case n < 0:
		panic("qpl: page reference count below zero")
	}
}

// QPL is a registered page list.
type QPL struct {
	ID uint32

	pages  []*Page
	region *dma.Region // set for single mappings
	alloc  *Allocator

	live  atomic.Int32
	freed atomic.Bool
	// unregistered lists back raw addressing rings and are not counted
	// against the budget.
	unregistered bool
}

func (q *QPL) NumPages() int       { return len(q.pages) }
func (q *QPL) Page(i int) *Page    { return q.pages[i] }
func (q *QPL) Pages() []*Page      { return q.pages }
func (q *QPL) SingleMapping() bool { return q.region != nil }

// Bytes returns the whole list as one contiguous slice. It is only
// available for single mappings.
func (q *QPL) Bytes() []byte {
	if q.region == nil {
		return nil
	}
	return q.region.Mem
}

// Live returns the number of pages whose memory has not been released yet.
func (q *QPL) Live() int { return int(q.live.Load()) }

func (q *QPL) release(p *Page) {
	if p.region != nil {
		if err := q.alloc.dma.Free(p.region); err != nil {
			q.alloc.log.WithError(err).WithField("qpl", q.ID).Warn("Freeing page")
		}
		p.Mem = nil
	}
	if q.live.Add(-1) == 0 && q.region != nil {
		if err := q.alloc.dma.Free(q.region); err != nil {
			q.alloc.log.WithError(err).WithField("qpl", q.ID).Warn("Freeing page list mapping")
		}
	}
}

// Allocator creates page lists within the device's registered page budget.
type Allocator struct {
	dma dma.Allocator
	log logrus.FieldLogger

	lock       sync.Mutex
	maxPages   int
	registered int
}

// NewAllocator creates an allocator. maxPages is the budget advertised by
// the device; zero means no budget has been negotiated and every allocation
// fails.
func NewAllocator(a dma.Allocator, maxPages int, log logrus.FieldLogger) *Allocator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Allocator{dma: a, maxPages: maxPages, log: log}
}

// Registered returns the number of pages currently accounted to lists.
func (a *Allocator) Registered() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.registered
}

// Alloc creates a list of n pages. With single set, the pages are carved out
// of one contiguous mapping. On failure nothing stays allocated.
func (a *Allocator) Alloc(id uint32, n int, single bool) (*QPL, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}

	a.lock.Lock()
	if a.registered+n > a.maxPages {
		a.lock.Unlock()
		return nil, fmt.Errorf("%w: %d + %d > %d",
			ErrBudgetExceeded, a.registered, n, a.maxPages)
	}
	a.registered += n
	a.lock.Unlock()

	q := &QPL{ID: id, alloc: a, pages: make([]*Page, 0, n)}
	if err := q.populate(n, single); err != nil {
		q.unwind()
		a.lock.Lock()
		a.registered -= n
		a.lock.Unlock()
		return nil, fmt.Errorf("allocating qpl %d: %w", id, err)
	}

	a.log.WithField("qpl", id).Debugf("Allocated %d pages (%s), %d of %d registered",
		n, humanize.IBytes(uint64(n*PageSize)), a.Registered(), a.maxPages)
	return q, nil
}

// AllocUnregistered creates a list of n pages that is never registered
// with the device. Raw addressing rings use it to recycle their buffers.
func (a *Allocator) AllocUnregistered(n int) (*QPL, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}
	q := &QPL{ID: desc.RawAddressingQPLID, alloc: a, pages: make([]*Page, 0, n), unregistered: true}
	if err := q.populate(n, false); err != nil {
		q.unwind()
		return nil, fmt.Errorf("allocating raw addressing pages: %w", err)
	}
	return q, nil
}

func (q *QPL) populate(n int, single bool) error {
	if single {
		r, err := q.alloc.dma.Alloc(n * PageSize)
		if err != nil {
			return err
		}
		q.region = r
		for i := range n {
			q.addPage(&Page{
				Mem: r.Slice(i*PageSize, PageSize),
				Bus: r.BusAt(i * PageSize),
			})
		}
		return nil
	}
	for range n {
		r, err := q.alloc.dma.Alloc(PageSize)
		if err != nil {
			return err
		}
		q.addPage(&Page{Mem: r.Mem, Bus: r.Bus, region: r})
	}
	return nil
}

func (q *QPL) addPage(p *Page) {
	p.index = len(q.pages)
	p.list = q
	p.refs.Store(1)
	q.pages = append(q.pages, p)
	q.live.Add(1)
}

// unwind releases a partially populated list. No page has been handed out
// yet, so every reference is the list's own.
func (q *QPL) unwind() {
	for _, p := range q.pages {
		p.DecRef()
	}
	if len(q.pages) == 0 && q.region != nil {
		_ = q.alloc.dma.Free(q.region)
	}
	q.pages = nil
	q.freed.Store(true)
}

// Free drops the list's reference on every page and returns the pages to
// the budget. Pages still referenced elsewhere are released when their last
// reference is dropped. Freeing an already freed list is a no-op.
func (a *Allocator) Free(q *QPL) {
	if q == nil || !q.freed.CompareAndSwap(false, true) {
		return
	}
	for _, p := range q.pages {
		p.DecRef()
	}

	if !q.unregistered {
		a.lock.Lock()
		a.registered -= len(q.pages)
		a.lock.Unlock()
	}

	if l := q.Live(); l > 0 {
		a.log.WithField("qpl", q.ID).Debugf("Deferring release of %d pages still in use", l)
	}
}
