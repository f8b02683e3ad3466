//go:build linux

package simnic

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/pktgen"
)

func TestToeplitzVerificationSuite(t *testing.T) {
	addrs := []byte{66, 9, 149, 187, 161, 142, 100, 80}
	ports := []byte{0x0a, 0xea, 0x06, 0xe6}

	assert.Equal(t, uint32(0x323e8fc2), toeplitz(rssKey[:], addrs))
	assert.Equal(t, uint32(0x51ccc178), toeplitz(rssKey[:], append(addrs, ports...)))
}

func TestParse(t *testing.T) {
	for _, v6 := range []bool{false, true} {
		f := pktgen.NewFlow(1, v6)
		tcp, err := f.TCP(100, pktgen.Payload(0, 64))
		require.NoError(t, err)
		udp, err := f.UDP(pktgen.Payload(0, 32))
		require.NoError(t, err)

		l3, flag := desc.L3IPv4, uint16(desc.RxFlagIPv4)
		if v6 {
			l3, flag = desc.L3IPv6, desc.RxFlagIPv6
		}

		h := parse(tcp)
		assert.Equal(t, l3, h.l3)
		assert.Equal(t, desc.L4TCP, h.l4)
		assert.True(t, h.ipOK)
		assert.True(t, h.l4Checked)
		assert.True(t, h.l4OK)
		assert.Equal(t, f.HeaderLen()-20, h.l4Off)
		assert.Equal(t, len(tcp), h.end)
		assert.Equal(t, flag|desc.RxFlagTCP, h.gqiFlags())

		h = parse(udp)
		assert.Equal(t, desc.L4UDP, h.l4)
		assert.True(t, h.l4OK)
		assert.Equal(t, flag|desc.RxFlagUDP, h.gqiFlags())

		// Same addresses and ports, same hash.
		other, err := f.TCP(200, nil)
		require.NoError(t, err)
		assert.Equal(t, parse(tcp).hash, parse(other).hash)
	}
}

func TestParseDetectsBadChecksums(t *testing.T) {
	f := pktgen.NewFlow(0, false)
	frame, err := f.TCP(1, pktgen.Payload(0, 100))
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xff
	h := parse(frame)
	assert.True(t, h.ipOK)
	assert.False(t, h.l4OK)

	frame[header.EthernetMinimumSize+8] ^= 0xff // TTL
	h = parse(frame)
	assert.False(t, h.ipOK)
	assert.NotZero(t, h.gqiFlags()&desc.RxFlagErr)
}

func TestParseUDPv4WithoutChecksum(t *testing.T) {
	f := pktgen.NewFlow(0, false)
	frame, err := f.UDP(pktgen.Payload(0, 10))
	require.NoError(t, err)
	l4 := frame[header.EthernetMinimumSize+header.IPv4MinimumSize:]
	binary.BigEndian.PutUint16(l4[udpCsumOff:], 0)
	assert.True(t, parse(frame).l4OK)
}

func TestParseFragment(t *testing.T) {
	f := pktgen.NewFlow(0, false)
	frame, err := f.UDP(pktgen.Payload(0, 10))
	require.NoError(t, err)
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.SetFlagsFragmentOffset(header.IPv4FlagMoreFragments, 0)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	h := parse(frame)
	assert.True(t, h.frag)
	assert.Equal(t, desc.L4Other, h.l4)
	assert.False(t, h.l4Checked)
	assert.Equal(t, uint16(desc.RxFlagIPv4|desc.RxFlagFrag), h.gqiFlags())
}

func TestParseRunt(t *testing.T) {
	h := parse(make([]byte, 10))
	assert.Equal(t, desc.L3Unknown, h.l3)
	assert.Equal(t, uint16(0), ptypeOf(h.l3, h.l4))

	arp := make([]byte, 60)
	binary.BigEndian.PutUint16(arp[12:], 0x0806)
	h = parse(arp)
	assert.Equal(t, desc.L3Other, h.l3)
	assert.Equal(t, desc.L4Unknown, h.l4)
}

func TestFillChecksum(t *testing.T) {
	for _, v6 := range []bool{false, true} {
		f := pktgen.NewFlow(3, v6)
		want, err := f.UDP(pktgen.Payload(0, 77))
		require.NoError(t, err)
		frame := bytes.Clone(want)
		h := parse(frame)
		l4 := frame[h.l4Off:h.end]
		binary.BigEndian.PutUint16(l4[udpCsumOff:], 0x1234)

		fillChecksum(frame, h, l4)
		assert.Equal(t, want, frame)
	}
}

func TestSegment(t *testing.T) {
	for _, v6 := range []bool{false, true} {
		f := pktgen.NewFlow(2, v6)
		payload := pktgen.Payload(0, 2500)
		frame, err := f.TCP(1000, payload)
		require.NoError(t, err)
		tcp := header.TCP(frame[f.HeaderLen()-20:])
		tcp.SetFlags(uint8(tcp.Flags() | header.TCPFlagPsh | header.TCPFlagFin))

		h := parse(frame)
		segs := segment(frame, h, f.HeaderLen(), 1000)
		require.Len(t, segs, 3)

		var got []byte
		for i, s := range segs {
			sh := parse(s)
			assert.True(t, sh.ipOK, "segment %d", i)
			assert.True(t, sh.l4OK, "segment %d", i)
			assert.Equal(t, len(s), sh.end)

			st := header.TCP(s[sh.l4Off:])
			assert.Equal(t, uint32(1000+1000*i), st.SequenceNumber())
			fin := st.Flags()&header.TCPFlagFin != 0
			assert.Equal(t, i == 2, fin, "segment %d", i)
			got = append(got, s[f.HeaderLen():]...)
		}
		assert.Equal(t, payload, got)
		assert.Len(t, segs[2], f.HeaderLen()+500)
	}
}

func TestSegmentRejectsBadHeaderLength(t *testing.T) {
	f := pktgen.NewFlow(0, false)
	frame, err := f.TCP(0, pktgen.Payload(0, 10))
	require.NoError(t, err)
	h := parse(frame)
	assert.Nil(t, segment(frame, h, h.l4Off, 100))
	assert.Nil(t, segment(frame, h, len(frame)+1, 100))
}

func TestFragments(t *testing.T) {
	assert.Equal(t, []int{100}, fragments(100, 2048, 2))
	assert.Equal(t, []int{2046, 2048, 6}, fragments(4100, 2048, 2))
	assert.Equal(t, []int{2048, 2}, fragments(2050, 2048, 0))
}

func TestPtypeMapCoversParsedTypes(t *testing.T) {
	m := ptypeMap()
	for _, l3 := range []desc.L3Type{desc.L3Other, desc.L3IPv4, desc.L3IPv6} {
		for _, l4 := range []desc.L4Type{desc.L4Unknown, desc.L4TCP, desc.L4UDP, desc.L4SCTP} {
			assert.Equal(t, desc.Ptype{L3: l3, L4: l4}, m[ptypeOf(l3, l4)])
		}
	}
	assert.Equal(t, desc.Ptype{}, m[0])
}
