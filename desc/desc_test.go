package desc_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/desc"
)

func TestCommandLayout(t *testing.T) {
	c := desc.NewCommand(&desc.RegisterPageList{
		ID:                  7,
		NumPages:            16,
		PageAddressListAddr: 0x1122334455667788,
		PageSize:            desc.PageSize,
	})
	b := make([]byte, desc.CommandSize)
	c.Encode(b)

	assert.Equal(t, uint32(desc.OpRegisterPageList), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(desc.StatusUnset), binary.BigEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(b[12:16]))
	assert.Equal(t, uint64(0x1122334455667788), binary.BigEndian.Uint64(b[16:24]))
	assert.Equal(t, uint64(desc.PageSize), binary.BigEndian.Uint64(b[24:32]))

	desc.PutSlotStatus(b, desc.StatusPassed)
	var got desc.Command
	got.Decode(b)
	assert.Equal(t, desc.OpRegisterPageList, got.Opcode)
	assert.Equal(t, desc.StatusPassed, got.Status)

	var r desc.RegisterPageList
	r.Decode(got.Payload[:])
	assert.Equal(t, uint32(16), r.NumPages)
}

func TestCreateRxQueueFitsPayload(t *testing.T) {
	c := desc.CreateRxQueue{
		QueueID:          3,
		RxBuffRingSize:   512,
		EnableRSC:        true,
		PacketBufferSize: 2048,
	}
	p := make([]byte, desc.CommandPayloadSize)
	c.Encode(p)

	var d desc.CreateRxQueue
	d.Decode(p)
	assert.Equal(t, c, d)
}

func TestDeviceDescriptorLayout(t *testing.T) {
	d := desc.DeviceDescriptor{
		MaxRegisteredPages: 1 << 20,
		TxQueueEntries:     256,
		RxQueueEntries:     512,
		DefaultNumQueues:   4,
		MTU:                1460,
		Counters:           32,
		RxPagesPerQPL:      512,
		MAC:                [6]byte{0x42, 0x01, 0x0a, 0x00, 0x00, 0x02},
		NumDeviceOptions:   2,
		TotalLength:        60,
	}
	b := make([]byte, desc.DeviceDescriptorSize)
	d.Encode(b)

	assert.Equal(t, uint16(256), binary.BigEndian.Uint16(b[10:12]))
	assert.Equal(t, uint16(1460), binary.BigEndian.Uint16(b[16:18]))
	assert.Equal(t, []byte{0x42, 0x01, 0x0a, 0x00, 0x00, 0x02}, b[24:30])
	assert.Equal(t, uint16(60), binary.BigEndian.Uint16(b[32:34]))

	var got desc.DeviceDescriptor
	require.NoError(t, got.Decode(b))
	assert.Equal(t, d, got)
	assert.ErrorIs(t, got.Decode(b[:20]), desc.ErrShortBuffer)
}

func TestGQITxPktDescLayout(t *testing.T) {
	b := make([]byte, desc.TxDescSize)
	(&desc.TxPktDesc{
		TypeFlags:    desc.TxDescTSO | desc.TxFlagL4Csum,
		L4CsumOffset: 16 >> 1,
		L4HdrOffset:  34 >> 1,
		DescCnt:      3,
		Len:          9000,
		SegLen:       66,
		SegAddr:      0x40,
	}).Encode(b)

	assert.Equal(t, uint8(desc.TxDescTSO), desc.TxDescType(b))
	assert.Equal(t, byte(0x11), b[0])
	assert.Equal(t, byte(8), b[1])
	assert.Equal(t, byte(17), b[2])
	assert.Equal(t, byte(3), b[3])
	assert.Equal(t, uint16(9000), binary.BigEndian.Uint16(b[4:6]))
	assert.Equal(t, uint16(66), binary.BigEndian.Uint16(b[6:8]))
	assert.Equal(t, uint64(0x40), binary.BigEndian.Uint64(b[8:16]))
}

func TestGQIRxDescSeqNo(t *testing.T) {
	b := make([]byte, desc.RxDescSize)
	(&desc.RxDesc{
		RSSHash:  0xdeadbeef,
		Len:      1502,
		FlagsSeq: desc.RxFlagTCP | desc.RxFlagPktCont | 5,
	}).Encode(b)

	assert.Equal(t, uint8(5), desc.RxSeqNo(b))
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(b[48:52]))

	var d desc.RxDesc
	d.Decode(b)
	assert.Equal(t, uint16(1502), d.Len)
	assert.NotZero(t, d.FlagsSeq&desc.RxFlagPktCont)
}

func TestNextSeqNoSkipsZero(t *testing.T) {
	s := uint8(1)
	seen := make([]uint8, 0, 14)
	for range 14 {
		seen = append(seen, s)
		s = desc.NextSeqNo(s)
	}
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2, 3, 4, 5, 6, 7}, seen)
}

func TestDQOTxPktDescLayout(t *testing.T) {
	b := make([]byte, desc.TxDescSizeDQO)
	(&desc.TxPktDescDQO{
		BufAddr:     0x1000,
		EndOfPacket: true,
		CsumEnable:  true,
		ComplTag:    0x1234,
		BufSize:     2048,
	}).Encode(b)

	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(b[0:8]))
	assert.Equal(t, uint8(desc.TxDtypePktDQO), desc.TxDescDtype(b))
	assert.Equal(t, byte(0x0C|1<<5|1<<6), b[8])
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[12:14]))
	assert.Equal(t, uint16(2048), binary.LittleEndian.Uint16(b[14:16]))

	desc.SetReportEvent(b)
	var d desc.TxPktDescDQO
	d.Decode(b)
	assert.True(t, d.ReportEvent)
	assert.True(t, d.EndOfPacket)
}

func TestDQOContextDescsCarryMetadata(t *testing.T) {
	md := desc.TxMetadataDQO{PathHash: desc.PathHash(0xabcd1234)}

	b := make([]byte, desc.TxDescSizeDQO)
	(&desc.TxGeneralContextDescDQO{Metadata: md}).Encode(b)
	assert.Equal(t, uint8(desc.TxDtypeGeneralCtxDQO), desc.TxDescDtype(b))
	var g desc.TxGeneralContextDescDQO
	g.Decode(b)
	assert.Equal(t, md, g.Metadata)

	(&desc.TxTSOContextDescDQO{
		TSOTotalLen: 8946,
		MSS:         1460,
		HeaderLen:   54,
	}).Encode(b)
	assert.Equal(t, uint8(desc.TxDtypeTSOCtxDQO), desc.TxDescDtype(b))
	assert.NotZero(t, b[8]&(1<<5), "tso bit")
	var c desc.TxTSOContextDescDQO
	c.Decode(b)
	assert.Equal(t, uint32(8946), c.TSOTotalLen)
	assert.Equal(t, uint16(1460), c.MSS)
	assert.Equal(t, uint8(54), c.HeaderLen)
}

func TestPathHashNeverZero(t *testing.T) {
	assert.Equal(t, uint16(0), desc.PathHash(0))
	assert.Equal(t, uint16(0x7FFF), desc.PathHash(0x00010001))
	assert.LessOrEqual(t, desc.PathHash(0xFFFFFFFF), uint16(0x7FFF))
}

func TestDQOTxComplGeneration(t *testing.T) {
	b := make([]byte, desc.TxComplDescSizeDQO)
	(&desc.TxComplDescDQO{
		Type:        desc.ComplTypePktDQO,
		Generation:  true,
		TxHeadOrTag: 42,
	}).Encode(b)
	assert.True(t, desc.TxComplGeneration(b))

	var d desc.TxComplDescDQO
	d.Decode(b)
	assert.Equal(t, desc.ComplTypePktDQO, d.Type)
	assert.Equal(t, uint16(42), d.TxHeadOrTag)
}

func TestDQORxComplLayout(t *testing.T) {
	src := make([]byte, desc.RxComplDescSizeDQO)
	(&desc.RxComplDescDQO{
		PacketType:    17,
		PacketLen:     9000,
		Generation:    true,
		EndOfPacket:   true,
		L3L4Processed: true,
		BufID:         desc.ComposeRxBufID(1000, 1),
		Hash:          0x01020304,
	}).Encode(src)

	dst := make([]byte, desc.RxComplDescSizeDQO)
	desc.Publish(dst, src, desc.RxComplWordOff)
	assert.Equal(t, src, dst)
	assert.True(t, desc.RxComplGeneration(dst))

	var d desc.RxComplDescDQO
	d.Decode(dst)
	assert.Equal(t, uint16(9000), d.PacketLen)
	assert.True(t, d.EndOfPacket)
	assert.False(t, d.CsumL4Err)
	buf, frag := desc.SplitRxBufID(d.BufID)
	assert.Equal(t, uint16(1000), buf)
	assert.Equal(t, uint16(1), frag)
}

func TestQueueFormatText(t *testing.T) {
	for _, f := range []desc.QueueFormat{desc.QueueFormatGQIQPL, desc.QueueFormatDQORDA, desc.QueueFormatDQOQPL} {
		b, err := f.MarshalText()
		require.NoError(t, err)
		var got desc.QueueFormat
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, f, got)
	}
	f, err := desc.ParseQueueFormat("dqo-qpl")
	require.NoError(t, err)
	assert.Equal(t, desc.QueueFormatDQOQPL, f)
	_, err = desc.ParseQueueFormat("rdma")
	assert.Error(t, err)
}
