package desc

// DQO descriptors are little-endian. Transmit descriptors share one 16-byte
// slot; the low five bits of byte 8 select the variant.
const TxDescSizeDQO = 16

const (
	TxDtypePktDQO        = 0xC
	TxDtypeTSOCtxDQO     = 0x5
	TxDtypeGeneralCtxDQO = 0x4
	txDtypeMask          = 0x1F
)

const (
	// TxMaxBufSizeDQO is the largest buf_size a packet descriptor can carry.
	TxMaxBufSizeDQO = 16*1024 - 1
	// TxMaxDataDescsDQO bounds the packet descriptors of a non-TSO packet.
	TxMaxDataDescsDQO = 10
	// TxMinTSOMSSDQO is the smallest MSS the device segments with.
	TxMinTSOMSSDQO = 88
	// TxMaxHdrSizeDQO bounds the TSO header length.
	TxMaxHdrSizeDQO = 255
	// TxMinREInterval is the minimum number of descriptors between two
	// descriptors carrying the report-event bit.
	TxMinREInterval = 32
	// TxMaxTSOTotalLen bounds tso_total_len (24 bits).
	TxMaxTSOTotalLen = 1<<24 - 1
)

// TxDescDtype returns the variant of an encoded DQO transmit slot.
func TxDescDtype(b []byte) uint8 { return b[8] & txDtypeMask }

type TxPktDescDQO struct {
	BufAddr     uint64
	EndOfPacket bool
	CsumEnable  bool
	ReportEvent bool
	ComplTag    uint16
	BufSize     uint16
}

func (d *TxPktDescDQO) Encode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	le.PutUint64(b[0:8], d.BufAddr)
	f := uint8(TxDtypePktDQO)
	if d.EndOfPacket {
		f |= 1 << 5
	}
	if d.CsumEnable {
		f |= 1 << 6
	}
	if d.ReportEvent {
		f |= 1 << 7
	}
	b[8] = f
	b[9] = 0
	le.PutUint16(b[10:12], 0)
	le.PutUint16(b[12:14], d.ComplTag)
	le.PutUint16(b[14:16], d.BufSize&0x3FFF)
}

func (d *TxPktDescDQO) Decode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	d.BufAddr = le.Uint64(b[0:8])
	d.EndOfPacket = b[8]&(1<<5) != 0
	d.CsumEnable = b[8]&(1<<6) != 0
	d.ReportEvent = b[8]&(1<<7) != 0
	d.ComplTag = le.Uint16(b[12:14])
	d.BufSize = le.Uint16(b[14:16]) & 0x3FFF
}

// SetReportEvent sets the report-event bit of an encoded packet descriptor.
func SetReportEvent(b []byte) { b[8] |= 1 << 7 }

// TxMetadataDQO is carried in the flex bytes of the context descriptors.
type TxMetadataDQO struct {
	Version     uint8
	PathHash    uint16
	RehashEvent bool
}

const TxMetadataVersionDQO = 0

func (m *TxMetadataDQO) bytes() (b [12]byte) {
	b[0] = m.Version
	v := m.PathHash & 0x7FFF
	if m.RehashEvent {
		v |= 1 << 15
	}
	le.PutUint16(b[1:3], v)
	return b
}

func (m *TxMetadataDQO) fromBytes(b [12]byte) {
	m.Version = b[0]
	v := le.Uint16(b[1:3])
	m.PathHash = v & 0x7FFF
	m.RehashEvent = v&(1<<15) != 0
}

// PathHash folds a 32-bit flow hash into the 15-bit path hash, never zero
// for a non-zero input.
func PathHash(h uint32) uint16 {
	if h == 0 {
		return 0
	}
	p := uint16(h^(h>>16)) & 0x7FFF
	if p == 0 {
		p = 0x7FFF
	}
	return p
}

type TxTSOContextDescDQO struct {
	TSOTotalLen uint32
	MSS         uint16
	HeaderLen   uint8
	Metadata    TxMetadataDQO
}

func (d *TxTSOContextDescDQO) Encode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	md := d.Metadata.bytes()
	le.PutUint32(b[0:4], d.TSOTotalLen&0xFFFFFF|uint32(md[10])<<24)
	le.PutUint16(b[4:6], d.MSS&0x3FFF)
	b[6] = d.HeaderLen
	b[7] = md[11]
	b[8] = TxDtypeTSOCtxDQO | 1<<5
	b[9] = 0
	b[10] = md[0]
	copy(b[11:16], md[5:10])
}

func (d *TxTSOContextDescDQO) Decode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	v := le.Uint32(b[0:4])
	d.TSOTotalLen = v & 0xFFFFFF
	d.MSS = le.Uint16(b[4:6]) & 0x3FFF
	d.HeaderLen = b[6]
	var md [12]byte
	md[10] = byte(v >> 24)
	md[11] = b[7]
	md[0] = b[10]
	copy(md[5:10], b[11:16])
	d.Metadata.fromBytes(md)
}

type TxGeneralContextDescDQO struct {
	Metadata TxMetadataDQO
}

func (d *TxGeneralContextDescDQO) Encode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	md := d.Metadata.bytes()
	copy(b[0:8], md[4:12])
	b[8] = TxDtypeGeneralCtxDQO
	b[9] = 0
	b[10], b[11] = 0, 0
	copy(b[12:16], md[0:4])
}

func (d *TxGeneralContextDescDQO) Decode(b []byte) {
	_ = b[TxDescSizeDQO-1]
	var md [12]byte
	copy(md[4:12], b[0:8])
	copy(md[0:4], b[12:16])
	d.Metadata.fromBytes(md)
}

// TxComplDescSizeDQO is the size of a DQO transmit completion.
const TxComplDescSizeDQO = 8

type ComplType uint8

const (
	ComplTypeMissDQO        ComplType = 0x1
	ComplTypePktDQO         ComplType = 0x2
	ComplTypeReinjectionDQO ComplType = 0x3
	ComplTypeDescDQO        ComplType = 0x4
)

type TxComplDescDQO struct {
	ID         uint16
	Type       ComplType
	Generation bool
	// TxHead for descriptor completions, completion tag for packet completions.
	TxHeadOrTag uint16
}

func (d *TxComplDescDQO) Encode(b []byte) {
	_ = b[TxComplDescSizeDQO-1]
	le.PutUint16(b[0:2], d.ID)
	v := uint16(d.Type) & 0x7
	if d.Generation {
		v |= 1 << 15
	}
	le.PutUint16(b[2:4], v)
	le.PutUint16(b[4:6], d.TxHeadOrTag)
	le.PutUint16(b[6:8], 0)
}

func (d *TxComplDescDQO) Decode(b []byte) {
	_ = b[TxComplDescSizeDQO-1]
	d.ID = le.Uint16(b[0:2])
	v := le.Uint16(b[2:4])
	d.Type = ComplType(v & 0x7)
	d.Generation = v&(1<<15) != 0
	d.TxHeadOrTag = le.Uint16(b[4:6])
}

// TxComplGeneration atomically reads the generation bit of an encoded
// transmit completion.
func TxComplGeneration(b []byte) bool {
	w := LoadWord(b)
	return le.Uint16(w[2:4])&(1<<15) != 0
}

// TxComplWordOff is the offset of the word carrying the generation bit.
const TxComplWordOff = 0

// RxDescSizeDQO is the size of a DQO buffer queue entry.
const RxDescSizeDQO = 32

type RxDescDQO struct {
	BufID         uint16
	BufAddr       uint64
	HeaderBufAddr uint64
}

func (d *RxDescDQO) Encode(b []byte) {
	_ = b[RxDescSizeDQO-1]
	clear(b[:RxDescSizeDQO])
	le.PutUint16(b[0:2], d.BufID)
	le.PutUint64(b[8:16], d.BufAddr)
	le.PutUint64(b[16:24], d.HeaderBufAddr)
}

func (d *RxDescDQO) Decode(b []byte) {
	_ = b[RxDescSizeDQO-1]
	d.BufID = le.Uint16(b[0:2])
	d.BufAddr = le.Uint64(b[8:16])
	d.HeaderBufAddr = le.Uint64(b[16:24])
}

// RxComplDescSizeDQO is the size of a DQO receive completion.
const RxComplDescSizeDQO = 32

type RxComplDescDQO struct {
	RxError     bool
	Ipv6ExtAdd  bool
	PacketType  uint16
	PacketLen   uint16
	Generation  bool
	HeaderLen   uint16
	RSC         bool
	SplitHeader bool

	DescriptorDone bool
	EndOfPacket    bool
	L3L4Processed  bool
	CsumIPErr      bool
	CsumL4Err      bool

	BufID     uint16
	RSCSegLen uint16
	Hash      uint32
}

func (d *RxComplDescDQO) Encode(b []byte) {
	_ = b[RxComplDescSizeDQO-1]
	clear(b[:RxComplDescSizeDQO])
	var f1 uint8
	if d.Ipv6ExtAdd {
		f1 |= 1 << 1
	}
	if d.RxError {
		f1 |= 1 << 2
	}
	b[1] = f1
	le.PutUint16(b[2:4], d.PacketType&0x3FF)
	v := d.PacketLen & 0x3FFF
	if d.Generation {
		v |= 1 << 14
	}
	le.PutUint16(b[4:6], v)
	h := d.HeaderLen & 0x3FF
	if d.RSC {
		h |= 1 << 10
	}
	if d.SplitHeader {
		h |= 1 << 11
	}
	le.PutUint16(b[6:8], h)
	var s uint8
	if d.DescriptorDone {
		s |= 1 << 0
	}
	if d.EndOfPacket {
		s |= 1 << 1
	}
	if d.L3L4Processed {
		s |= 1 << 3
	}
	if d.CsumIPErr {
		s |= 1 << 4
	}
	if d.CsumL4Err {
		s |= 1 << 5
	}
	b[8] = s
	le.PutUint16(b[12:14], d.BufID)
	le.PutUint16(b[14:16], d.RSCSegLen)
	le.PutUint32(b[16:20], d.Hash)
}

func (d *RxComplDescDQO) Decode(b []byte) {
	_ = b[RxComplDescSizeDQO-1]
	d.Ipv6ExtAdd = b[1]&(1<<1) != 0
	d.RxError = b[1]&(1<<2) != 0
	d.PacketType = le.Uint16(b[2:4]) & 0x3FF
	v := le.Uint16(b[4:6])
	d.PacketLen = v & 0x3FFF
	d.Generation = v&(1<<14) != 0
	h := le.Uint16(b[6:8])
	d.HeaderLen = h & 0x3FF
	d.RSC = h&(1<<10) != 0
	d.SplitHeader = h&(1<<11) != 0
	d.DescriptorDone = b[8]&(1<<0) != 0
	d.EndOfPacket = b[8]&(1<<1) != 0
	d.L3L4Processed = b[8]&(1<<3) != 0
	d.CsumIPErr = b[8]&(1<<4) != 0
	d.CsumL4Err = b[8]&(1<<5) != 0
	d.BufID = le.Uint16(b[12:14])
	d.RSCSegLen = le.Uint16(b[14:16])
	d.Hash = le.Uint32(b[16:20])
}

// RxComplWordOff is the offset of the word carrying the generation bit.
const RxComplWordOff = 4

// RxComplGeneration atomically reads the generation bit of an encoded
// receive completion.
func RxComplGeneration(b []byte) bool {
	w := LoadWord(b[RxComplWordOff:])
	return le.Uint16(w[0:2])&(1<<14) != 0
}

// QPL-backed DQO receive buffers identify both the page and the fragment
// inside it: 11 bits of buffer index and 5 bits of fragment number.
const (
	rxBufIDBits    = 11
	RxMaxBufIDDQO  = 1<<rxBufIDBits - 1
	RxMaxFragNoDQO = 1<<5 - 1
)

func ComposeRxBufID(buf, frag uint16) uint16 {
	return buf&RxMaxBufIDDQO | frag<<rxBufIDBits
}

func SplitRxBufID(id uint16) (buf, frag uint16) {
	return id & RxMaxBufIDDQO, id >> rxBufIDBits
}
