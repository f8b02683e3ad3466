//go:build linux

package rx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
	"github.com/romshark/gvnic/rx"
)

const (
	ptypeTCP4 = 5
	ptypeUDP6 = 9
)

func ptypes() *desc.PtypeMap {
	var m desc.PtypeMap
	m[ptypeTCP4] = desc.Ptype{L3: desc.L3IPv4, L4: desc.L4TCP}
	m[ptypeUDP6] = desc.Ptype{L3: desc.L3IPv6, L4: desc.L4UDP}
	return &m
}

// dqoDevice plays the device side of a DQO receive ring.
type dqoDevice struct {
	t     *testing.T
	e     *env
	r     *rx.DQO
	pages *qpl.QPL
	bufq  []byte
	compl []byte
	n     int
	head  int
	tail  int
	gen   bool
}

func newDQO(t *testing.T, e *env, descCnt int, pages *qpl.QPL) *dqoDevice {
	t.Helper()
	r, err := rx.NewDQO(rx.DQOConfig{Config: e.config(descCnt), Pages: pages, Ptypes: ptypes()})
	require.NoError(t, err)
	t.Cleanup(r.Free)

	cmd := r.CreateCommand(0)
	assert.Equal(t, uint16(descCnt), cmd.RxBuffRingSize)
	require.NoError(t, r.Start())

	return &dqoDevice{
		t:     t,
		e:     e,
		r:     r,
		pages: pages,
		bufq:  e.resolve(t, cmd.RxDataRingAddr, descCnt*desc.RxDescSizeDQO),
		compl: e.resolve(t, cmd.RxDescRingAddr, descCnt*desc.RxComplDescSizeDQO),
		n:     descCnt,
		gen:   true,
	}
}

func qplPages(t *testing.T, e *env, n int) *qpl.QPL {
	t.Helper()
	q, err := e.qpls.Alloc(7, n, false)
	require.NoError(t, err)
	t.Cleanup(func() { e.qpls.Free(q) })
	return q
}

// posted returns the buffer queue entry at i.
func (d *dqoDevice) posted(i int) desc.RxDescDQO {
	var b desc.RxDescDQO
	b.Decode(d.bufq[i*desc.RxDescSizeDQO:])
	return b
}

// take consumes the next posted buffer.
func (d *dqoDevice) take() desc.RxDescDQO {
	b := d.posted(d.head)
	d.head = (d.head + 1) % d.n
	return b
}

// complete fills b with data and reports it.
func (d *dqoDevice) complete(b desc.RxDescDQO, data []byte, c desc.RxComplDescDQO) {
	copy(d.e.resolve(d.t, b.BufAddr, len(data)), data)
	c.BufID = b.BufID
	c.PacketLen = uint16(len(data))
	c.Generation = d.gen

	var raw [desc.RxComplDescSizeDQO]byte
	c.Encode(raw[:])
	off := d.tail * desc.RxComplDescSizeDQO
	desc.Publish(d.compl[off:off+desc.RxComplDescSizeDQO], raw[:], desc.RxComplWordOff)
	d.tail++
	if d.tail == d.n {
		d.tail = 0
		d.gen = !d.gen
	}
}

// eop describes a last fragment of a checksummed IPv4 TCP packet.
func eop() desc.RxComplDescDQO {
	return desc.RxComplDescDQO{
		EndOfPacket:   true,
		L3L4Processed: true,
		PacketType:    ptypeTCP4,
		Hash:          0x5eed,
	}
}

func TestDQOStartPostsBuffers(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	assert.Equal(t, desc.QueueFormatDQOQPL, d.r.Format())
	for i := range 63 {
		b := d.posted(i)
		assert.Equal(t, uint16(i), b.BufID)
		assert.Equal(t, d.pages.Page(i).Bus, b.BufAddr)
	}
	assert.Equal(t, uint32(32), e.db.le[0], "doorbell rung per batch")
	assert.Equal(t, uint64(63), d.r.Stats().PostedBufs)
	assert.False(t, d.r.HasWork())
}

func TestDQOReassemblesTwoCompletions(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	f := frame(t, 2200)
	d.complete(d.take(), f[:1500], desc.RxComplDescDQO{})
	d.complete(d.take(), f[1500:], eop())
	require.True(t, d.r.HasWork())
	assert.Equal(t, 2, d.r.Poll(64))

	require.Len(t, e.got, 1)
	p := e.got[0]
	assert.Equal(t, 2200, p.Len())
	assert.Equal(t, f, p.Bytes())
	assert.Len(t, p.Frags, 2)
	assert.Equal(t, desc.L3IPv4, p.L3)
	assert.Equal(t, desc.L4TCP, p.L4)
	assert.Equal(t, pktbuf.HashL4, p.HashType)
	assert.Equal(t, uint32(0x5eed), p.Hash)
	assert.True(t, p.CsumVerified)
	assert.Equal(t, int32(2), d.pages.Page(0).Refs())
	assert.Equal(t, int32(2), d.pages.Page(1).Refs())

	// The unused page goes out first, then the second half of page 0.
	assert.Equal(t, uint16(63), d.posted(63).BufID)
	b := d.posted(0)
	assert.Equal(t, desc.ComposeRxBufID(0, 1), b.BufID)
	assert.Equal(t, d.pages.Page(0).Bus+rx.BufSize, b.BufAddr)
	assert.Equal(t, uint64(65), d.r.Stats().PostedBufs)

	p.Release()
	assert.Equal(t, int32(1), d.pages.Page(0).Refs())
}

func TestDQOCopybreak(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	b := d.take()
	d.complete(b, frame(t, 200), eop())
	assert.Equal(t, 1, d.r.Poll(0))

	require.Len(t, e.got, 1)
	assert.Equal(t, int32(1), d.pages.Page(0).Refs())
	assert.Equal(t, uint64(1), d.r.Stats().Copybreak)
}

func TestDQORecyclesUsedPages(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 2, qplPages(t, e, 2))

	for i := range 3 {
		d.complete(d.take(), frame(t, 1000), eop())
		require.Equal(t, 1, d.r.Poll(0), "packet %d", i)
	}
	require.Len(t, e.got, 3)
	// Packets 0 and 2 used both halves of page 0.
	assert.Equal(t, int32(3), d.pages.Page(0).Refs())
	e.got[0].Release()
	e.got[2].Release()

	assert.Equal(t, desc.ComposeRxBufID(1, 1), d.posted(1).BufID)
	d.complete(d.take(), frame(t, 1000), eop())
	require.Equal(t, 1, d.r.Poll(0))
	assert.Equal(t, desc.ComposeRxBufID(0, 0), d.posted(0).BufID, "page 0 recycled")
	assert.Equal(t, uint64(4), d.r.Stats().Flips)

	// Page 1 is still held by the stack and nothing else is free, so the
	// next packet is copied out and its buffer reposted.
	d.complete(d.take(), frame(t, 1000), eop())
	require.Equal(t, 1, d.r.Poll(0))
	require.Len(t, e.got, 5)
	assert.Equal(t, uint64(1), d.r.Stats().Copies)
	assert.Equal(t, int32(1), d.pages.Page(0).Refs())
	assert.Equal(t, desc.ComposeRxBufID(0, 0), d.posted(1).BufID)
}

func TestDQOErrorDropsPacket(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	d.complete(d.take(), frame(t, 1000), desc.RxComplDescDQO{})
	c := eop()
	c.RxError = true
	d.complete(d.take(), frame(t, 1000), c)
	assert.Equal(t, 2, d.r.Poll(0))

	assert.Empty(t, e.got)
	assert.Equal(t, uint64(1), d.r.Stats().Dropped)
	assert.Equal(t, int32(1), d.pages.Page(0).Refs())
	assert.Equal(t, int32(1), d.pages.Page(1).Refs())
}

func TestDQOUnknownBufferSchedulesReset(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	d.complete(desc.RxDescDQO{BufID: 2000, BufAddr: d.pages.Page(0).Bus}, frame(t, 64), eop())
	d.r.Poll(0)
	require.Len(t, e.resets, 1)
	assert.ErrorIs(t, e.resets[0], rx.ErrProtocol)
}

func TestDQODuplicateCompletionSchedulesReset(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	b := d.take()
	d.complete(b, frame(t, 64), eop())
	d.complete(desc.RxDescDQO{BufID: b.BufID, BufAddr: b.BufAddr}, frame(t, 64), eop())
	assert.Equal(t, 2, d.r.Poll(0))
	assert.Len(t, e.got, 1)
	require.Len(t, e.resets, 1)
	assert.Equal(t, uint64(1), d.r.Stats().ProtocolErrors)
}

func TestDQOCompletionGenerationWraps(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 4, qplPages(t, e, 8))

	for i := range 10 {
		d.complete(d.take(), frame(t, 100), eop())
		require.Equal(t, 1, d.r.Poll(0), "completion %d", i)
		assert.False(t, d.r.HasWork())
	}
	assert.Len(t, e.got, 10)
	assert.Empty(t, e.resets)
}

func TestDQORawAddressing(t *testing.T) {
	e := newEnv(t)
	pages, err := e.qpls.AllocUnregistered(4)
	require.NoError(t, err)
	t.Cleanup(func() { e.qpls.Free(pages) })
	d := newDQO(t, e, 4, pages)

	assert.Equal(t, desc.QueueFormatDQORDA, d.r.Format())
	assert.Equal(t, uint32(desc.RawAddressingQPLID), d.r.CreateCommand(0).QPLID)
	for i := range 3 {
		assert.Equal(t, uint16(i), d.posted(i).BufID)
	}

	f := frame(t, 1500)
	c := eop()
	c.PacketType = ptypeUDP6
	d.complete(d.take(), f, c)
	require.Equal(t, 1, d.r.Poll(0))
	require.Len(t, e.got, 1)
	assert.Equal(t, f, e.got[0].Bytes())
	assert.Equal(t, desc.L4UDP, e.got[0].L4)
	assert.Equal(t, int32(2), pages.Page(0).Refs())

	// Page 3 was still free; page 0 follows with its second half.
	assert.Equal(t, uint16(3), d.posted(3).BufID)
	d.complete(d.take(), frame(t, 64), eop())
	require.Equal(t, 1, d.r.Poll(0))
	b := d.posted(0)
	assert.Equal(t, uint16(0), b.BufID)
	assert.Equal(t, pages.Page(0).Bus+rx.BufSize, b.BufAddr)
}

func TestDQOHardwareCoalescing(t *testing.T) {
	e := newEnv(t)
	d := newDQO(t, e, 64, qplPages(t, e, 64))

	c := eop()
	c.RSC = true
	c.RSCSegLen = 500
	d.complete(d.take(), frame(t, 1800), c)
	require.Equal(t, 1, d.r.Poll(0))
	require.Len(t, e.got, 1)
	assert.Equal(t, 4, e.got[0].Segments)
}

func TestDQORejectsEmptyPageList(t *testing.T) {
	e := newEnv(t)
	_, err := rx.NewDQO(rx.DQOConfig{Config: e.config(64)})
	assert.Error(t, err)
}
