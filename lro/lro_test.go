package lro_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/lro"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/pktgen"
)

type sink struct{ pkts []*pktbuf.Packet }

func (s *sink) deliver(p *pktbuf.Packet) { s.pkts = append(s.pkts, p) }

func segment(t *testing.T, f pktgen.Flow, seq uint32, off, n int) *pktbuf.Packet {
	t.Helper()
	frame, err := f.TCP(seq, pktgen.Payload(off, n))
	require.NoError(t, err)
	p := pktbuf.New(frame)
	p.L4 = desc.L4TCP
	p.CsumVerified = true
	return p
}

func TestMergesInOrderSegments(t *testing.T) {
	var s sink
	c := lro.New(lro.Config{}, s.deliver)
	f := pktgen.NewFlow(0, false)

	for i := range 3 {
		c.Receive(segment(t, f, uint32(1+i*100), i*100, 100))
	}
	assert.Empty(t, s.pkts)
	assert.Equal(t, 1, c.Held())

	c.Flush()
	require.Len(t, s.pkts, 1)
	p := s.pkts[0]
	assert.Equal(t, 3, p.Segments)
	assert.Equal(t, f.HeaderLen()+300, p.Len())

	b := p.Bytes()
	ip := header.IPv4(b[header.EthernetMinimumSize:])
	assert.Equal(t, uint16(p.Len()-header.EthernetMinimumSize), ip.TotalLength())
	assert.Equal(t, uint16(0xffff), ip.CalculateChecksum())
	assert.Equal(t, pktgen.Payload(0, 300), b[f.HeaderLen():])
	assert.Equal(t, uint64(2), c.Stats().Merged)
}

func TestMergesIPv6(t *testing.T) {
	var s sink
	c := lro.New(lro.Config{}, s.deliver)
	f := pktgen.NewFlow(0, true)

	c.Receive(segment(t, f, 1, 0, 500))
	c.Receive(segment(t, f, 501, 500, 500))
	c.Flush()

	require.Len(t, s.pkts, 1)
	b := s.pkts[0].Bytes()
	ip := header.IPv6(b[header.EthernetMinimumSize:])
	assert.Equal(t, uint16(20+1000), ip.PayloadLength())
	assert.Equal(t, pktgen.Payload(0, 1000), b[f.HeaderLen():])
}

func TestGapFlushesHeldPacket(t *testing.T) {
	var s sink
	c := lro.New(lro.Config{}, s.deliver)
	f := pktgen.NewFlow(0, false)

	c.Receive(segment(t, f, 1, 0, 100))
	c.Receive(segment(t, f, 501, 500, 100))
	require.Len(t, s.pkts, 1)
	assert.Equal(t, 1, s.pkts[0].Segments)

	c.Flush()
	require.Len(t, s.pkts, 2)
	assert.Zero(t, c.Stats().Merged)
}

func TestUnverifiedAndFlowLimit(t *testing.T) {
	var s sink
	c := lro.New(lro.Config{MaxFlows: 2}, s.deliver)

	p := segment(t, pktgen.NewFlow(0, false), 1, 0, 100)
	p.CsumVerified = false
	c.Receive(p)
	require.Len(t, s.pkts, 1, "unverified packets pass through")

	for i := range 3 {
		c.Receive(segment(t, pktgen.NewFlow(i, false), 1, 0, 100))
	}
	assert.Len(t, s.pkts, 2, "oldest flow evicted")
	assert.Equal(t, 2, c.Held())
}

func TestMaxSegments(t *testing.T) {
	var s sink
	c := lro.New(lro.Config{MaxSegments: 2}, s.deliver)
	f := pktgen.NewFlow(0, false)

	for i := range 3 {
		c.Receive(segment(t, f, uint32(1+i*10), i*10, 10))
	}
	c.Flush()
	require.Len(t, s.pkts, 2)
	assert.Equal(t, 2, s.pkts[0].Segments)
	assert.Equal(t, 1, s.pkts[1].Segments)
}
