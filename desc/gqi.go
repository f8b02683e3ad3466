package desc

// GQI transmit descriptors share one 16-byte slot; the upper nibble of the
// first byte selects the variant.
const TxDescSize = 16

const (
	TxDescStd = 0x0 << 4
	TxDescTSO = 0x1 << 4
	TxDescSeg = 0x2 << 4
	TxDescMtd = 0x3 << 4
)

// Packet descriptor flags (low nibble).
const (
	TxFlagL4Csum = 1 << 0
	TxFlagTstamp = 1 << 2
)

// Segment descriptor flags.
const TxSegFlagIPv6 = 1 << 1

// Metadata descriptor subtype and path state.
const (
	MtdSubtypePath      = 0
	MtdPathStateDefault = 0 << 4
	MtdPathHashL4       = 1
)

const (
	// MinPktDescBytesGQI is the number of leading bytes the device wants in
	// the packet descriptor's segment when the packet is not TSO.
	MinPktDescBytesGQI = 182
	// MaxTxDescsPerPktGQI bounds the slots one packet can use: packet,
	// metadata and up to two segments when the payload wraps the FIFO.
	MaxTxDescsPerPktGQI = 4

	TxDescTypeMask = 0xF0
)

// TxPktDesc starts every GQI packet. Offsets are in 2-byte units.
type TxPktDesc struct {
	TypeFlags    uint8
	L4CsumOffset uint8
	L4HdrOffset  uint8
	DescCnt      uint8
	Len          uint16
	SegLen       uint16
	SegAddr      uint64
}

func (d *TxPktDesc) Encode(b []byte) {
	_ = b[TxDescSize-1]
	b[0] = d.TypeFlags
	b[1] = d.L4CsumOffset
	b[2] = d.L4HdrOffset
	b[3] = d.DescCnt
	be.PutUint16(b[4:6], d.Len)
	be.PutUint16(b[6:8], d.SegLen)
	be.PutUint64(b[8:16], d.SegAddr)
}

func (d *TxPktDesc) Decode(b []byte) {
	_ = b[TxDescSize-1]
	d.TypeFlags = b[0]
	d.L4CsumOffset = b[1]
	d.L4HdrOffset = b[2]
	d.DescCnt = b[3]
	d.Len = be.Uint16(b[4:6])
	d.SegLen = be.Uint16(b[6:8])
	d.SegAddr = be.Uint64(b[8:16])
}

// TxMtdDesc carries the flow hash of the packet it follows.
type TxMtdDesc struct {
	TypeFlags uint8
	PathState uint8
	PathHash  uint32
}

func (d *TxMtdDesc) Encode(b []byte) {
	_ = b[TxDescSize-1]
	clear(b[:TxDescSize])
	b[0] = d.TypeFlags
	b[1] = d.PathState
	be.PutUint32(b[4:8], d.PathHash)
}

func (d *TxMtdDesc) Decode(b []byte) {
	d.TypeFlags = b[0]
	d.PathState = b[1]
	d.PathHash = be.Uint32(b[4:8])
}

// TxSegDesc describes payload bytes beyond the first segment.
type TxSegDesc struct {
	TypeFlags uint8
	L3Offset  uint8
	MSS       uint16
	SegLen    uint16
	SegAddr   uint64
}

func (d *TxSegDesc) Encode(b []byte) {
	_ = b[TxDescSize-1]
	b[0] = d.TypeFlags
	b[1] = d.L3Offset
	b[2], b[3] = 0, 0
	be.PutUint16(b[4:6], d.MSS)
	be.PutUint16(b[6:8], d.SegLen)
	be.PutUint64(b[8:16], d.SegAddr)
}

func (d *TxSegDesc) Decode(b []byte) {
	d.TypeFlags = b[0]
	d.L3Offset = b[1]
	d.MSS = be.Uint16(b[4:6])
	d.SegLen = be.Uint16(b[6:8])
	d.SegAddr = be.Uint64(b[8:16])
}

// TxDescType returns the variant of an encoded GQI transmit slot.
func TxDescType(b []byte) uint8 { return b[0] & TxDescTypeMask }

// RxDescSize is the size of a GQI receive descriptor.
const RxDescSize = 64

// GQI receive flags, as they appear in the host-order flags_seq value.
const (
	RxFlagFrag    = 1 << 3
	RxFlagIPv4    = 1 << 4
	RxFlagIPv6    = 1 << 5
	RxFlagTCP     = 1 << 6
	RxFlagUDP     = 1 << 7
	RxFlagErr     = 1 << 8
	RxFlagPktCont = 1 << 10
	RxSeqMask     = 0x7
)

// RxPad is prepended by the device to the first fragment of every packet.
const RxPad = 2

type RxDesc struct {
	RSSHash  uint32
	MSS      uint16
	HdrLen   uint8
	HdrOff   uint8
	Csum     uint16
	Len      uint16
	FlagsSeq uint16
}

func (d *RxDesc) Decode(b []byte) {
	_ = b[RxDescSize-1]
	d.RSSHash = be.Uint32(b[48:52])
	d.MSS = be.Uint16(b[52:54])
	d.HdrLen = b[56]
	d.HdrOff = b[57]
	d.Csum = be.Uint16(b[58:60])
	d.Len = be.Uint16(b[60:62])
	d.FlagsSeq = be.Uint16(b[62:64])
}

func (d *RxDesc) Encode(b []byte) {
	_ = b[RxDescSize-1]
	clear(b[:48])
	be.PutUint32(b[48:52], d.RSSHash)
	be.PutUint16(b[52:54], d.MSS)
	b[54], b[55] = 0, 0
	b[56] = d.HdrLen
	b[57] = d.HdrOff
	be.PutUint16(b[58:60], d.Csum)
	be.PutUint16(b[60:62], d.Len)
	be.PutUint16(b[62:64], d.FlagsSeq)
}

// RxDescWordOff is the offset of the 32-bit word holding len and flags_seq.
const RxDescWordOff = 60

// RxSeqNo extracts the sequence number of an encoded GQI receive descriptor
// with an atomic read of its valid word.
func RxSeqNo(b []byte) uint8 {
	w := LoadWord(b[RxDescWordOff:])
	return uint8(be.Uint16(w[2:4]) & RxSeqMask)
}

// NextSeqNo returns the sequence number expected after s. Sequence numbers
// cycle through 1..7; zero marks a slot the device never wrote.
func NextSeqNo(s uint8) uint8 {
	if s+1 == 8 {
		return 1
	}
	return s + 1
}

// RxDataSlotSize is the size of a GQI receive data ring entry: the QPL
// offset (or bus address) the device writes the next fragment to.
const RxDataSlotSize = 8

func RxDataSlot(b []byte) uint64       { return be.Uint64(b[0:8]) }
func PutRxDataSlot(b []byte, v uint64) { be.PutUint64(b[0:8], v) }

// EventCounter atomically reads a big-endian entry of the device event
// counter array.
func EventCounter(b []byte) uint32 {
	w := LoadWord(b)
	return be.Uint32(w[:])
}

// PutEventCounter is the device side of EventCounter.
func PutEventCounter(b []byte, v uint32) {
	var w [4]byte
	be.PutUint32(w[:], v)
	StoreWord(b, w)
}
