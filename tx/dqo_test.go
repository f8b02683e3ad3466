//go:build linux

package tx_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/pktgen"
	"github.com/romshark/gvnic/tx"
)

type dqoRing struct {
	*tx.DQO
	ring []byte

	compl     []byte
	complHead int
	complGen  bool
}

func newDQO(t *testing.T, e *env, conf tx.DQOConfig) *dqoRing {
	t.Helper()
	r, err := tx.NewDQO(conf)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Free)

	cmd := r.CreateCommand(0)
	return &dqoRing{
		DQO:      r,
		ring:     e.resolve(t, cmd.TxRingAddr, int(cmd.TxRingSize)*desc.TxDescSizeDQO),
		compl:    e.resolve(t, cmd.TxCompRingAddr, int(cmd.TxCompRingSize)*desc.TxComplDescSizeDQO),
		complGen: true,
	}
}

func newDQOQPL(t *testing.T, e *env, descCnt, pages int) *dqoRing {
	t.Helper()
	q, err := e.qpls.Alloc(0, pages, false)
	require.NoError(t, err)
	return newDQO(t, e, tx.DQOConfig{Config: e.config(descCnt), QPL: q})
}

func (r *dqoRing) slot(i int) []byte { return r.ring[i*desc.TxDescSizeDQO:][:desc.TxDescSizeDQO] }

func (r *dqoRing) pktDesc(i int) desc.TxPktDescDQO {
	var d desc.TxPktDescDQO
	d.Decode(r.slot(i))
	return d
}

// post writes a completion the way the device does, flipping the
// generation bit on every wrap.
func (r *dqoRing) post(typ desc.ComplType, v uint16) {
	d := desc.TxComplDescDQO{Type: typ, Generation: r.complGen, TxHeadOrTag: v}
	var b [desc.TxComplDescSizeDQO]byte
	d.Encode(b[:])
	desc.Publish(r.compl[r.complHead*desc.TxComplDescSizeDQO:], b[:], desc.TxComplWordOff)
	r.complHead++
	if r.complHead*desc.TxComplDescSizeDQO == len(r.compl) {
		r.complHead = 0
		r.complGen = !r.complGen
	}
}

func TestDQOPendingSizing(t *testing.T) {
	assert.Equal(t, 124, tx.NumPendingDQO(256))
	assert.Equal(t, 32767, tx.NumPendingDQO(1<<17))
}

func TestDQOTSOOverQPL(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 256, 8)

	f := pktgen.NewFlow(0, false)
	hlen := f.HeaderLen()
	frame, err := f.TCP(1, pktgen.Payload(0, 9000-hlen))
	require.NoError(t, err)
	require.Len(t, frame, 9000)
	p := pktbuf.New(frame)
	p.Offload = f.TCPOffload(1460)
	require.NoError(t, r.Xmit(p))

	require.Equal(t, uint8(desc.TxDtypeTSOCtxDQO), desc.TxDescDtype(r.slot(0)))
	var tso desc.TxTSOContextDescDQO
	tso.Decode(r.slot(0))
	assert.Equal(t, uint32(9000-hlen), tso.TSOTotalLen)
	assert.Equal(t, uint16(1460), tso.MSS)
	assert.Equal(t, uint8(hlen), tso.HeaderLen)

	require.Equal(t, uint8(desc.TxDtypeGeneralCtxDQO), desc.TxDescDtype(r.slot(1)))

	// One packet descriptor per 2KB buffer.
	nbufs := (9000 + tx.BufSizeDQO - 1) / tx.BufSizeDQO
	var data []byte
	tag := r.pktDesc(2).ComplTag
	for i := range nbufs {
		s := 2 + i
		require.Equal(t, uint8(desc.TxDtypePktDQO), desc.TxDescDtype(r.slot(s)))
		d := r.pktDesc(s)
		assert.Equal(t, i == nbufs-1, d.EndOfPacket, "slot %d", s)
		assert.True(t, d.CsumEnable)
		assert.Equal(t, tag, d.ComplTag)
		data = append(data, e.resolve(t, d.BufAddr, int(d.BufSize))...)
	}
	assert.Equal(t, uint32(2+nbufs), e.db.lastLE(0))
	require.Len(t, data, 9000)

	// The TCP checksum carries the pseudo header sum without the length.
	csumOff := 34 + 16
	assert.Equal(t, frame[:csumOff], data[:csumOff])
	assert.Equal(t, frame[csumOff+2:], data[csumOff+2:])
	var sum uint32
	for i := 26; i < 34; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(frame[i:]))
	}
	sum += 6
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	assert.Equal(t, uint16(sum), binary.BigEndian.Uint16(data[csumOff:]))

	assert.Equal(t, 1, r.InFlight())
	r.post(desc.ComplTypeDescDQO, uint16(2+nbufs))
	r.post(desc.ComplTypePktDQO, tag)
	assert.Equal(t, 2, r.Reap(0))
	assert.Equal(t, 0, r.InFlight())
	s := r.Stats()
	assert.Equal(t, uint64(1), s.TSO)
	assert.Equal(t, uint64(1), s.Completed)
	assert.Empty(t, e.resets)
}

func TestDQOReportEventInterval(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 256, 32)

	for range 40 {
		require.NoError(t, r.Xmit(pktbuf.New(pktgen.Payload(0, 60))))
	}
	var marked []int
	for i := 1; i < 80; i += 2 {
		if r.pktDesc(i).ReportEvent {
			marked = append(marked, i)
		}
	}
	assert.Equal(t, []int{33, 65}, marked)
}

func TestDQOPendingSlotReusedAfterOneCompletion(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 256, 64)
	require.Equal(t, 124, r.NumPending())

	tags := map[uint16]bool{}
	send := func() error {
		err := r.Xmit(pktbuf.New(pktgen.Payload(0, 60)))
		return err
	}
	for i := range r.NumPending() {
		if i == 100 {
			// Hand the descriptors back, keep every packet pending.
			r.post(desc.ComplTypeDescDQO, 200)
			require.Equal(t, 1, r.Reap(0))
		}
		require.NoError(t, send(), "packet %d", i)
		tag := r.pktDesc(2*i + 1).ComplTag
		require.False(t, tags[tag], "tag %d reused while pending", tag)
		tags[tag] = true
	}

	require.ErrorIs(t, send(), tx.ErrDeferred)
	assert.True(t, r.Stopped())
	assert.Equal(t, uint64(1), r.Stats().DeferredNoTags)

	r.post(desc.ComplTypePktDQO, 5)
	require.Equal(t, 1, r.Reap(0))
	assert.False(t, r.Stopped())
	assert.Equal(t, 1, e.wakes)

	require.NoError(t, send())
	assert.Equal(t, uint16(5), r.pktDesc(2*r.NumPending()+1).ComplTag)
}

func TestDQOSpuriousCompletionSchedulesReset(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 64, 4)

	r.post(desc.ComplTypePktDQO, 1000)
	r.post(desc.ComplTypePktDQO, 3)
	assert.Equal(t, 2, r.Reap(0))
	require.Len(t, e.resets, 2)
	for _, err := range e.resets {
		assert.ErrorIs(t, err, tx.ErrProtocol)
	}
	assert.Equal(t, uint64(2), r.Stats().Spurious)
}

func TestDQOCompletionGenerationWraps(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 32, 4)

	// Completions for 40 packets cross the end of the 32 entry ring.
	for i := range 40 {
		require.NoError(t, r.Xmit(pktbuf.New(pktgen.Payload(0, 60))))
		tag := r.pktDesc((2*i + 1) % 32).ComplTag
		r.post(desc.ComplTypeDescDQO, uint16((2*i+2)%32))
		r.post(desc.ComplTypePktDQO, tag)
		require.Equal(t, 2, r.Reap(0), "packet %d", i)
		assert.False(t, r.HasWork())
	}
	assert.Equal(t, uint64(40), r.Stats().Completed)
	assert.Empty(t, e.resets)
}

func TestDQORawAddressingLinearizes(t *testing.T) {
	e := newEnv(t)
	r := newDQO(t, e, tx.DQOConfig{Config: e.config(64)})
	inUse := e.arena.InUse()

	var want []byte
	p := &pktbuf.Packet{}
	for i := range 12 {
		b := pktgen.Payload(i*100, 100)
		p.Append(b, nil)
		want = append(want, b...)
	}
	released := false
	p.OnDone(func() { released = true })
	require.NoError(t, r.Xmit(p))
	assert.Equal(t, uint64(1), r.Stats().Linearized)

	d := r.pktDesc(1)
	assert.True(t, d.EndOfPacket)
	assert.False(t, d.CsumEnable)
	assert.Equal(t, uint16(1200), d.BufSize)
	assert.Equal(t, want, e.resolve(t, d.BufAddr, 1200))
	assert.Equal(t, inUse, e.arena.InUse(), "packets are bounced through the ring's pool")
	assert.False(t, released)

	r.post(desc.ComplTypePktDQO, d.ComplTag)
	assert.Equal(t, 1, r.Reap(0))
	assert.True(t, released)
	assert.Equal(t, inUse, e.arena.InUse())
}

func TestDQORejectsInvalidTSO(t *testing.T) {
	e := newEnv(t)
	r := newDQOQPL(t, e, 64, 4)

	f := pktgen.NewFlow(0, false)
	frame, err := f.TCP(1, pktgen.Payload(0, 1000))
	require.NoError(t, err)
	p := pktbuf.New(frame)
	p.Offload = f.TCPOffload(desc.TxMinTSOMSSDQO - 1)
	require.ErrorIs(t, r.Xmit(p), tx.ErrInvalidPacket)
	assert.Equal(t, uint64(1), r.Stats().Invalid)
}

func TestDQORawAddressingDefersBeforeLinearizing(t *testing.T) {
	e := newEnv(t)
	r := newDQO(t, e, tx.DQOConfig{Config: e.config(32)})

	deferred := false
	for range 32 {
		err := r.Xmit(pktbuf.New(pktgen.Payload(0, 60)))
		if errors.Is(err, tx.ErrDeferred) {
			deferred = true
			break
		}
		require.NoError(t, err)
	}
	require.True(t, deferred, "ring never filled")

	p := &pktbuf.Packet{}
	for i := range desc.TxMaxDataDescsDQO + 2 {
		p.Append(pktgen.Payload(i*100, 100), nil)
	}
	require.ErrorIs(t, r.Xmit(p), tx.ErrDeferred)
	assert.Len(t, p.Frags, desc.TxMaxDataDescsDQO+2, "the caller keeps the packet as it was")
	assert.Zero(t, r.Stats().Linearized)
}

func TestDQORawAddressingDefersOnFullPool(t *testing.T) {
	e := newEnv(t)
	r := newDQO(t, e, tx.DQOConfig{Config: e.config(64)})
	inUse := e.arena.InUse()

	// Ten fragments of five pool slots each, the pool has 64.
	big := func() *pktbuf.Packet {
		p := &pktbuf.Packet{}
		for i := range desc.TxMaxDataDescsDQO {
			p.Append(pktgen.Payload(i*9000, 9000), nil)
		}
		return p
	}
	require.NoError(t, r.Xmit(big()))
	tag := r.pktDesc(desc.TxMaxDataDescsDQO).ComplTag

	p := big()
	require.ErrorIs(t, r.Xmit(p), tx.ErrDeferred)
	assert.True(t, r.Stopped())
	assert.Equal(t, uint64(1), r.Stats().DeferredNoBufs)
	assert.Zero(t, r.Stats().Invalid)

	r.post(desc.ComplTypePktDQO, tag)
	assert.Equal(t, 1, r.Reap(0))
	assert.Equal(t, 1, e.wakes)
	require.NoError(t, r.Xmit(p))
	assert.Equal(t, inUse, e.arena.InUse())

	// Even an empty pool could never hold this one.
	huge := &pktbuf.Packet{}
	for i := range 5 {
		huge.Append(pktgen.Payload(i*30000, 30000), nil)
	}
	require.ErrorIs(t, r.Xmit(huge), tx.ErrInvalidPacket)
	assert.Equal(t, uint64(1), r.Stats().Invalid)
}

func TestDQOOverdueKickAndFree(t *testing.T) {
	e := newEnv(t)
	r := newDQO(t, e, tx.DQOConfig{Config: e.config(64)})

	released := 0
	for range 3 {
		p := pktbuf.New(pktgen.Payload(0, 64))
		p.OnDone(func() { released++ })
		require.NoError(t, r.Xmit(p))
	}
	now := time.Now()
	assert.Equal(t, 0, r.Overdue(now, 5*time.Second))
	assert.Equal(t, 3, r.Overdue(now.Add(6*time.Second), 5*time.Second))

	e.db.WriteLE32(0, 0)
	r.Kick()
	assert.Equal(t, uint32(6), e.db.lastLE(0))

	r.Free()
	assert.Equal(t, 3, released)
}
