//go:build linux

package rx_test

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/pktgen"
	"github.com/romshark/gvnic/qpl"
	"github.com/romshark/gvnic/rx"
)

// doorbells records the last value written to every register.
type doorbells struct {
	lock  sync.Mutex
	be    map[uint32]uint32
	le    map[uint32]uint32
	count int
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
	d.count++
}

func (d *doorbells) WriteLE32(off, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.le[off] = v
	d.count++
}

func (d *doorbells) Write8(uint32, uint8) {}

type env struct {
	arena  *dma.Arena
	qpls   *qpl.Allocator
	db     *doorbells
	got    []*pktbuf.Packet
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
		db:    &doorbells{be: map[uint32]uint32{}, le: map[uint32]uint32{}},
	}
}

func (e *env) config(descCnt int) rx.Config {
	log, _ := test.NewNullLogger()
	return rx.Config{
		DescCnt:       descCnt,
		Doorbell:      e.db,
		DMA:           e.arena,
		Log:           log,
		Deliver:       func(p *pktbuf.Packet) { e.got = append(e.got, p) },
		ScheduleReset: func(err error) { e.resets = append(e.resets, err) },
	}
}

func (e *env) resolve(t *testing.T, bus uint64, n int) []byte {
	t.Helper()
	b, err := e.arena.Resolve(bus, n)
	require.NoError(t, err)
	return b
}

// frame returns an IPv4 UDP frame of exactly n bytes.
func frame(t *testing.T, n int) []byte {
	t.Helper()
	b, err := pktgen.NewFlow(0, false).UDP(pktgen.Payload(0, n-42))
	require.NoError(t, err)
	require.Len(t, b, n)
	return b
}
