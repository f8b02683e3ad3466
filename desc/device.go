package desc

import "fmt"

// DeviceDescriptorSize is the fixed header of the describe-device response.
// Device options follow it back to back.
const DeviceDescriptorSize = 40

type DeviceDescriptor struct {
	MaxRegisteredPages uint64
	TxQueueEntries     uint16
	RxQueueEntries     uint16
	DefaultNumQueues   uint16
	MTU                uint16
	Counters           uint16
	RxPagesPerQPL      uint16
	MAC                [6]byte
	NumDeviceOptions   uint16
	TotalLength        uint16
}

func (d *DeviceDescriptor) Decode(b []byte) error {
	if len(b) < DeviceDescriptorSize {
		return ErrShortBuffer
	}
	d.MaxRegisteredPages = be.Uint64(b[0:8])
	d.TxQueueEntries = be.Uint16(b[10:12])
	d.RxQueueEntries = be.Uint16(b[12:14])
	d.DefaultNumQueues = be.Uint16(b[14:16])
	d.MTU = be.Uint16(b[16:18])
	d.Counters = be.Uint16(b[18:20])
	d.RxPagesPerQPL = be.Uint16(b[22:24])
	copy(d.MAC[:], b[24:30])
	d.NumDeviceOptions = be.Uint16(b[30:32])
	d.TotalLength = be.Uint16(b[32:34])
	return nil
}

func (d *DeviceDescriptor) Encode(b []byte) {
	clear(b[:DeviceDescriptorSize])
	be.PutUint64(b[0:8], d.MaxRegisteredPages)
	be.PutUint16(b[10:12], d.TxQueueEntries)
	be.PutUint16(b[12:14], d.RxQueueEntries)
	be.PutUint16(b[14:16], d.DefaultNumQueues)
	be.PutUint16(b[16:18], d.MTU)
	be.PutUint16(b[18:20], d.Counters)
	be.PutUint16(b[22:24], d.RxPagesPerQPL)
	copy(b[24:30], d.MAC[:])
	be.PutUint16(b[30:32], d.NumDeviceOptions)
	be.PutUint16(b[32:34], d.TotalLength)
}

type OptionID uint16

const (
	OptGQIRawAddressing OptionID = 0x1
	OptGQIRDA           OptionID = 0x2
	OptGQIQPL           OptionID = 0x3
	OptDQORDA           OptionID = 0x4
	OptModifyRing       OptionID = 0x6
	OptDQOQPL           OptionID = 0x7
	OptJumboFrames      OptionID = 0x8
)

// Required feature masks the driver expects for each option it understands.
const (
	ReqFeatMaskGQIRawAddressing = 0x0
	ReqFeatMaskGQIRDA           = 0x0
	ReqFeatMaskGQIQPL           = 0x0
	ReqFeatMaskDQORDA           = 0x0
	ReqFeatMaskModifyRing       = 0x0
	ReqFeatMaskDQOQPL           = 0x0
	ReqFeatMaskJumboFrames      = 0x0
)

// DeviceOptionHeaderSize is the TLV header preceding every option payload.
const DeviceOptionHeaderSize = 8

type DeviceOption struct {
	ID                   OptionID
	Length               uint16
	RequiredFeaturesMask uint32
}

func (o *DeviceOption) Decode(b []byte) {
	o.ID = OptionID(be.Uint16(b[0:2]))
	o.Length = be.Uint16(b[2:4])
	o.RequiredFeaturesMask = be.Uint32(b[4:8])
}

func (o *DeviceOption) Encode(b []byte) {
	be.PutUint16(b[0:2], uint16(o.ID))
	be.PutUint16(b[2:4], o.Length)
	be.PutUint32(b[4:8], o.RequiredFeaturesMask)
}

// Option payload sizes.
const (
	OptGQIQPLSize      = 4
	OptDQORDASize      = 8
	OptDQOQPLSize      = 8
	OptModifyRingSize  = 12
	OptJumboFramesSize = 8
)

type OptionGQIQPL struct {
	SupportedFeaturesMask uint32
}

func (o *OptionGQIQPL) Decode(b []byte) { o.SupportedFeaturesMask = be.Uint32(b[0:4]) }
func (o *OptionGQIQPL) Encode(b []byte) { be.PutUint32(b[0:4], o.SupportedFeaturesMask) }

type OptionDQORDA struct {
	SupportedFeaturesMask uint32
}

func (o *OptionDQORDA) Decode(b []byte) { o.SupportedFeaturesMask = be.Uint32(b[0:4]) }

func (o *OptionDQORDA) Encode(b []byte) {
	be.PutUint32(b[0:4], o.SupportedFeaturesMask)
	be.PutUint32(b[4:8], 0)
}

type OptionDQOQPL struct {
	SupportedFeaturesMask uint32
	TxCompRingEntries     uint16
	RxBuffRingEntries     uint16
}

func (o *OptionDQOQPL) Decode(b []byte) {
	o.SupportedFeaturesMask = be.Uint32(b[0:4])
	o.TxCompRingEntries = be.Uint16(b[4:6])
	o.RxBuffRingEntries = be.Uint16(b[6:8])
}

func (o *OptionDQOQPL) Encode(b []byte) {
	be.PutUint32(b[0:4], o.SupportedFeaturesMask)
	be.PutUint16(b[4:6], o.TxCompRingEntries)
	be.PutUint16(b[6:8], o.RxBuffRingEntries)
}

type OptionModifyRing struct {
	SupportedFeaturesMask uint32
	MaxRxRingSize         uint16
	MaxTxRingSize         uint16
	MinRxRingSize         uint16
	MinTxRingSize         uint16
}

func (o *OptionModifyRing) Decode(b []byte) {
	o.SupportedFeaturesMask = be.Uint32(b[0:4])
	o.MaxRxRingSize = be.Uint16(b[4:6])
	o.MaxTxRingSize = be.Uint16(b[6:8])
	o.MinRxRingSize = be.Uint16(b[8:10])
	o.MinTxRingSize = be.Uint16(b[10:12])
}

func (o *OptionModifyRing) Encode(b []byte) {
	be.PutUint32(b[0:4], o.SupportedFeaturesMask)
	be.PutUint16(b[4:6], o.MaxRxRingSize)
	be.PutUint16(b[6:8], o.MaxTxRingSize)
	be.PutUint16(b[8:10], o.MinRxRingSize)
	be.PutUint16(b[10:12], o.MinTxRingSize)
}

type OptionJumboFrames struct {
	SupportedFeaturesMask uint32
	MaxMTU                uint16
}

func (o *OptionJumboFrames) Decode(b []byte) {
	o.SupportedFeaturesMask = be.Uint32(b[0:4])
	o.MaxMTU = be.Uint16(b[4:6])
}

func (o *OptionJumboFrames) Encode(b []byte) {
	be.PutUint32(b[0:4], o.SupportedFeaturesMask)
	be.PutUint16(b[4:6], o.MaxMTU)
	be.PutUint16(b[6:8], 0)
}

// Packet type lookup table returned by get_ptype_map (DQO only).
const NumPtypes = 1024

// PtypeMapSize is the byte size of the table: {l3_type, l4_type} per entry.
const PtypeMapSize = NumPtypes * 2

type L3Type uint8

const (
	L3Unknown L3Type = 0
	L3Other   L3Type = 1
	L3IPv4    L3Type = 2
	L3IPv6    L3Type = 3
)

type L4Type uint8

const (
	L4Unknown L4Type = 0
	L4Other   L4Type = 1
	L4TCP     L4Type = 2
	L4UDP     L4Type = 3
	L4ICMP    L4Type = 4
	L4SCTP    L4Type = 5
)

func (t L4Type) String() string {
	switch t {
	case L4Unknown:
		return "unknown"
	case L4Other:
		return "other"
	case L4TCP:
		return "tcp"
	case L4UDP:
		return "udp"
	case L4ICMP:
		return "icmp"
	case L4SCTP:
		return "sctp"
	}
	return fmt.Sprintf("l4(%d)", uint8(t))
}

type Ptype struct {
	L3 L3Type
	L4 L4Type
}

type PtypeMap [NumPtypes]Ptype

func (m *PtypeMap) Decode(b []byte) {
	for i := range m {
		m[i] = Ptype{L3: L3Type(b[2*i]), L4: L4Type(b[2*i+1])}
	}
}

func (m *PtypeMap) Encode(b []byte) {
	for i, p := range m {
		b[2*i] = byte(p.L3)
		b[2*i+1] = byte(p.L4)
	}
}
