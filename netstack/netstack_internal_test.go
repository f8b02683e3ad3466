package netstack

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/pktgen"
)

type sink struct {
	offloads []pktbuf.Offload
	lens     []int
}

func (s *sink) SelectQueue(uint32) int { return 0 }
func (s *sink) MTU() int               { return 1500 }

func (s *sink) Xmit(_ int, p *pktbuf.Packet) error {
	s.offloads = append(s.offloads, p.Offload)
	s.lens = append(s.lens, p.Len())
	p.Release()
	return nil
}

// gsoPacket wraps an IPv4 TCP frame the way the stack hands it to a GSO
// capable link, with the Ethernet header stripped.
func gsoPacket(t *testing.T, payload []byte) *stack.PacketBuffer {
	t.Helper()
	frame, err := pktgen.NewFlow(0, false).TCP(1, payload)
	require.NoError(t, err)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame[header.EthernetMinimumSize:]),
	})
	pkt.NetworkProtocolNumber = header.IPv4ProtocolNumber
	pkt.GSOOptions = stack.GSO{
		Type:       stack.GSOTCPv4,
		NeedsCsum:  true,
		CsumOffset: 16,
		MSS:        1448,
		L3HdrLen:   header.IPv4MinimumSize,
		MaxSize:    1 << 15,
	}
	return pkt
}

func TestTransmitSmallGSOPacketsUseChecksumOffload(t *testing.T) {
	log, _ := test.NewNullLogger()
	l, err := New(Config{MTU: 1500}, log)
	require.NoError(t, err)
	defer l.Close()
	drv := &sink{}

	for _, n := range []int{0, 1, 1448} {
		pkt := gsoPacket(t, pktgen.Payload(0, n))
		require.NoError(t, l.transmit(context.Background(), drv, pkt))
		pkt.DecRef()
	}

	require.Len(t, drv.offloads, 3, "bare ack, one byte and one full segment")
	for i, o := range drv.offloads {
		assert.False(t, o.TSO(), "packet %d", i)
		assert.True(t, o.NeedsCsum, "packet %d", i)
		assert.Equal(t, 16, o.CsumOffset)
		assert.Equal(t, header.EthernetMinimumSize+header.IPv4MinimumSize, o.L4Offset)
		assert.Equal(t, header.TCPMinimumSize, o.L4HeaderLen)
	}
	assert.Equal(t, 14+20+20, drv.lens[0])
	st := l.Stats()
	assert.Equal(t, uint64(3), st.TxSent)
	assert.Zero(t, st.TxDropped)
	assert.Zero(t, st.TxGSO)
}

func TestTransmitSegmentsLargeGSOPackets(t *testing.T) {
	log, _ := test.NewNullLogger()
	l, err := New(Config{MTU: 1500}, log)
	require.NoError(t, err)
	defer l.Close()
	drv := &sink{}

	pkt := gsoPacket(t, pktgen.Payload(0, 1449))
	require.NoError(t, l.transmit(context.Background(), drv, pkt))
	pkt.DecRef()

	require.Len(t, drv.offloads, 1)
	assert.Equal(t, 1448, drv.offloads[0].MSS)
	assert.Equal(t, uint64(1), l.Stats().TxGSO)
}
