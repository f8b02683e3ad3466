// Package dma provides device-addressable memory.
//
// A Region is a zeroed, page-aligned mapping shared with the device. Its bus
// address is what gets written into descriptors and admin commands; Mem is
// the CPU view of the same bytes. The driver never assumes anything about
// how bus addresses relate to CPU addresses.
package dma

import (
	"errors"
	"sync/atomic"
)

var (
	ErrExhausted   = errors.New("dma memory limit exhausted")
	ErrInvalidSize = errors.New("invalid allocation size")
	ErrNotMapped   = errors.New("bus address not mapped")
	ErrFreed       = errors.New("region already freed")
)

// Allocator hands out device-addressable regions.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes, aligned to the
	// host page size.
	Alloc(size int) (*Region, error)
	// Free unmaps r. Freeing twice returns ErrFreed.
	Free(r *Region) error
}

// Region is a mapping visible to both the CPU and the device.
type Region struct {
	Bus uint64
	Mem []byte

	mapping []byte
	fence   atomic.Uint64
	freed   atomic.Bool
}

func (r *Region) Len() int { return len(r.Mem) }

// Slice returns n bytes at off.
func (r *Region) Slice(off, n int) []byte { return r.Mem[off : off+n : off+n] }

// BusAt returns the bus address of the byte at off.
func (r *Region) BusAt(off int) uint64 { return r.Bus + uint64(off) }

type SyncOp int

const (
	// SyncForDevice publishes CPU writes before the device is told about them.
	SyncForDevice SyncOp = iota
	// SyncForCPU orders device writes before subsequent CPU reads.
	SyncForCPU
)

// Sync orders accesses to r between the CPU and the device. On coherent
// platforms this is a full memory barrier.
func (r *Region) Sync(SyncOp) {
	r.fence.Add(1)
}
