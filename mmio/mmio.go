// Package mmio provides 32-bit access to memory-mapped device registers.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrOutOfRange = errors.New("register offset out of range")

// Registers is a window of device registers.
type Registers interface {
	ReadBE32(off uint32) uint32
	WriteBE32(off uint32, v uint32)
	WriteLE32(off uint32, v uint32)
	Write8(off uint32, v uint8)
}

// Mapped is a register window backed by a shared mapping of a PCI
// resource file such as /sys/bus/pci/devices/0000:00:04.0/resource0.
type Mapped struct {
	mem []byte
}

// Map maps the whole resource file at path.
func Map(path string) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", path, err)
	}
	return &Mapped{mem: mem}, nil
}

// FromBytes wraps an existing mapping.
func FromBytes(mem []byte) *Mapped { return &Mapped{mem: mem} }

func (m *Mapped) word(off uint32) *uint32 {
	if int(off)+4 > len(m.mem) || off%4 != 0 {
		panic(fmt.Errorf("%w: %#x", ErrOutOfRange, off))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *Mapped) ReadBE32(off uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(m.word(off)))
	return binary.BigEndian.Uint32(b[:])
}

func (m *Mapped) WriteBE32(off uint32, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	atomic.StoreUint32(m.word(off), binary.NativeEndian.Uint32(b[:]))
}

func (m *Mapped) WriteLE32(off uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	atomic.StoreUint32(m.word(off), binary.NativeEndian.Uint32(b[:]))
}

func (m *Mapped) Write8(off uint32, v uint8) {
	if int(off) >= len(m.mem) {
		panic(fmt.Errorf("%w: %#x", ErrOutOfRange, off))
	}
	m.mem[off] = v
}

// Close unmaps the window.
func (m *Mapped) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
