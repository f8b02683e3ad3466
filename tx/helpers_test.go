//go:build linux

package tx_test

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/qpl"
	"github.com/romshark/gvnic/tx"
)

// doorbells records the last value written to every register.
type doorbells struct {
	lock sync.Mutex
	be   map[uint32]uint32
	le   map[uint32]uint32
}

func newDoorbells() *doorbells {
	return &doorbells{be: map[uint32]uint32{}, le: map[uint32]uint32{}}
}

func (d *doorbells) ReadBE32(off uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.be[off]
}

func (d *doorbells) WriteBE32(off, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.be[off] = v
}

func (d *doorbells) WriteLE32(off, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.le[off] = v
}

func (d *doorbells) Write8(uint32, uint8) {}

func (d *doorbells) lastLE(off uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.le[off]
}

func (d *doorbells) lastBE(off uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.be[off]
}

type env struct {
	arena  *dma.Arena
	qpls   *qpl.Allocator
	db     *doorbells
	wakes  int
	resets []error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log, _ := test.NewNullLogger()
	a := dma.NewArena(0)
	t.Cleanup(func() { _ = a.Close() })
	return &env{
		arena: a,
		qpls:  qpl.NewAllocator(a, 4096, log),
		db:    newDoorbells(),
	}
}

func (e *env) config(descCnt int) tx.Config {
	log, _ := test.NewNullLogger()
	return tx.Config{
		ID:            0,
		DescCnt:       descCnt,
		Doorbell:      e.db,
		DMA:           e.arena,
		Log:           log,
		Wake:          func() { e.wakes++ },
		ScheduleReset: func(err error) { e.resets = append(e.resets, err) },
	}
}

func (e *env) resolve(t *testing.T, bus uint64, n int) []byte {
	t.Helper()
	b, err := e.arena.Resolve(bus, n)
	require.NoError(t, err)
	return b
}
