package dma

import (
	"fmt"
	"sync"
)

// Mapping is a device-visible view of CPU memory created by a Mapper.
type Mapping struct {
	Bus uint64
	Len int

	mem   []byte
	first int
	slots int
}

// Mapper makes arbitrary CPU memory readable by the device. It serves the
// raw addressing queue formats, which point descriptors straight at packet
// memory instead of at registered page lists.
type Mapper interface {
	Map(b []byte) (Mapping, error)
	Unmap(m Mapping)
}

// Bounce maps memory by copying it into one region allocated up front,
// the way a software IOTLB bounces buffers the device cannot reach. The
// region is carved into fixed slots and a mapping takes a run of
// consecutive ones, so mapping never calls into the allocator. Mappings
// are for device reads only.
type Bounce struct {
	alloc  Allocator
	region *Region
	slot   int

	lock  sync.Mutex
	used  []bool
	inUse int
	next  int
}

// NewBounce allocates a pool of size bytes in slots of slot bytes.
func NewBounce(a Allocator, size, slot int) (*Bounce, error) {
	if slot <= 0 || size < slot {
		return nil, fmt.Errorf("%w: %d byte pool of %d byte slots", ErrInvalidSize, size, slot)
	}
	r, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Bounce{alloc: a, region: r, slot: slot, used: make([]bool, size/slot)}, nil
}

// Slots returns how many slots a mapping of n bytes takes.
func (b *Bounce) Slots(n int) int { return (n + b.slot - 1) / b.slot }

// Cap returns the number of slots in the pool. Mappings taking Cap slots
// in total always fit an empty pool.
func (b *Bounce) Cap() int { return len(b.used) }

// Map copies p into free slots. It returns ErrExhausted while the pool
// has no run long enough, which frees up as mappings are unmapped.
func (b *Bounce) Map(p []byte) (Mapping, error) {
	n := b.Slots(len(p))
	if n == 0 || n > len(b.used) {
		return Mapping{}, fmt.Errorf("%w: %d bytes", ErrInvalidSize, len(p))
	}

	b.lock.Lock()
	first := b.find(n)
	if first < 0 {
		b.lock.Unlock()
		return Mapping{}, ErrExhausted
	}
	for i := first; i < first+n; i++ {
		b.used[i] = true
	}
	b.inUse += n
	b.next = (first + n) % len(b.used)
	b.lock.Unlock()

	off := first * b.slot
	mem := b.region.Slice(off, len(p))
	copy(mem, p)
	b.region.Sync(SyncForDevice)
	return Mapping{Bus: b.region.BusAt(off), Len: len(p), mem: mem, first: first, slots: n}, nil
}

// find returns the first slot of a free run of n slots or -1. The search
// starts behind the previous mapping. Must be called with b.lock held.
func (b *Bounce) find(n int) int {
	total := len(b.used)
	run := 0
	for k := range total + n - 1 {
		i := (b.next + k) % total
		if i == 0 {
			run = 0
		}
		if b.used[i] {
			run = 0
			continue
		}
		if run++; run == n {
			return i - n + 1
		}
	}
	return -1
}

func (b *Bounce) Unmap(m Mapping) {
	if m.slots == 0 {
		return
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for i := m.first; i < m.first+m.slots; i++ {
		b.used[i] = false
	}
	b.inUse -= m.slots
	if b.inUse == 0 {
		b.next = 0
	}
}

// InUse returns the number of slots held by mappings.
func (b *Bounce) InUse() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.inUse
}

// Close frees the pool. Outstanding mappings become invalid.
func (b *Bounce) Close() error {
	if b.region == nil {
		return nil
	}
	err := b.alloc.Free(b.region)
	b.region = nil
	return err
}

// Mem returns the device-visible bytes of m, if the mapper exposes them.
func (m Mapping) Mem() []byte { return m.mem }
