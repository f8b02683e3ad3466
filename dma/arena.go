//go:build linux

package dma

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena allocates regions from anonymous, populated and locked mmap
// mappings. Bus addresses are handed out from a private I/O virtual address
// space, the way an IOMMU-backed userspace driver programs its DMA map, and
// are never reused within an arena.
type Arena struct {
	limit int

	lock    sync.RWMutex
	used    int
	nextBus uint64
	regions []*Region // sorted by Bus
}

// iovaBase is the first bus address of an arena. Addresses stay below 2^44
// so page frame numbers fit the device's 32-bit registers.
const iovaBase = 1 << 32

// NewArena creates an arena that refuses to map more than limit bytes in
// total. A limit of 0 means unlimited.
func NewArena(limit int) *Arena {
	return &Arena{limit: limit, nextBus: iovaBase}
}

var pageSize = unix.Getpagesize()

func (a *Arena) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	n := (size + pageSize - 1) &^ (pageSize - 1)

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.limit > 0 && a.used+n > a.limit {
		return nil, ErrExhausted
	}

	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	// Best effort: without CAP_IPC_LOCK the region still works for an
	// in-process device.
	_ = unix.Mlock(mem)

	r := &Region{
		Bus:     a.nextBus,
		Mem:     mem[:size:size],
		mapping: mem,
	}
	// One unmapped guard page between regions.
	a.nextBus += uint64(n + pageSize)
	a.regions = append(a.regions, r)
	a.used += n
	return r, nil
}

func (a *Arena) Free(r *Region) error {
	if r == nil {
		return nil
	}
	if !r.freed.CompareAndSwap(false, true) {
		return ErrFreed
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	i := a.find(r.Bus)
	if i < 0 || a.regions[i] != r {
		return ErrNotMapped
	}
	a.regions = slices.Delete(a.regions, i, i+1)

	a.used -= len(r.mapping)
	return r.unmap()
}

// find returns the index of the region containing bus or -1.
// Must be called with a.lock held.
func (a *Arena) find(bus uint64) int {
	i, found := slices.BinarySearchFunc(a.regions, bus, func(x *Region, bus uint64) int {
		switch {
		case x.Bus+uint64(len(x.mapping)) <= bus:
			return -1
		case x.Bus > bus:
			return 1
		}
		return 0
	})
	if !found {
		return -1
	}
	return i
}

func (a *Arena) Resolve(bus uint64, n int) ([]byte, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	i := a.find(bus)
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrNotMapped, bus)
	}
	r := a.regions[i]
	off := int(bus - r.Bus)
	if off+n > len(r.Mem) {
		return nil, fmt.Errorf("%w: %#x+%d exceeds region", ErrNotMapped, bus, n)
	}
	return r.Mem[off : off+n : off+n], nil
}

// InUse returns the number of mapped bytes.
func (a *Arena) InUse() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.used
}

// Close unmaps every region still allocated.
func (a *Arena) Close() error {
	a.lock.Lock()
	regions := a.regions
	a.regions = nil
	a.used = 0
	a.lock.Unlock()

	var errs []error
	for _, r := range regions {
		if !r.freed.CompareAndSwap(false, true) {
			continue
		}
		if err := r.unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Region) unmap() error {
	_ = unix.Munlock(r.mapping)
	err := unix.Munmap(r.mapping)
	r.Mem, r.mapping = nil, nil
	if err != nil {
		return fmt.Errorf("munmap %#x: %w", r.Bus, err)
	}
	return nil
}
