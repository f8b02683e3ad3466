package desc

import "fmt"

// CommandSize is the size of one admin queue slot.
const CommandSize = 64

// CommandPayloadSize is the opcode-specific part of a slot.
const CommandPayloadSize = CommandSize - 8

type Opcode uint32

const (
	OpDescribeDevice             Opcode = 0x1
	OpConfigureDeviceResources   Opcode = 0x2
	OpRegisterPageList           Opcode = 0x3
	OpUnregisterPageList         Opcode = 0x4
	OpCreateTxQueue              Opcode = 0x5
	OpCreateRxQueue              Opcode = 0x6
	OpDestroyTxQueue             Opcode = 0x7
	OpDestroyRxQueue             Opcode = 0x8
	OpDeconfigureDeviceResources Opcode = 0x9
	OpSetDriverParameter         Opcode = 0xB
	OpReportStats                Opcode = 0xC
	OpReportLinkSpeed            Opcode = 0xD
	OpGetPtypeMap                Opcode = 0xE
)

func (o Opcode) String() string {
	switch o {
	case OpDescribeDevice:
		return "describe_device"
	case OpConfigureDeviceResources:
		return "configure_device_resources"
	case OpRegisterPageList:
		return "register_page_list"
	case OpUnregisterPageList:
		return "unregister_page_list"
	case OpCreateTxQueue:
		return "create_tx_queue"
	case OpCreateRxQueue:
		return "create_rx_queue"
	case OpDestroyTxQueue:
		return "destroy_tx_queue"
	case OpDestroyRxQueue:
		return "destroy_rx_queue"
	case OpDeconfigureDeviceResources:
		return "deconfigure_device_resources"
	case OpSetDriverParameter:
		return "set_driver_parameter"
	case OpReportStats:
		return "report_stats"
	case OpReportLinkSpeed:
		return "report_link_speed"
	case OpGetPtypeMap:
		return "get_ptype_map"
	}
	return fmt.Sprintf("opcode(%#x)", uint32(o))
}

// Status is the device-written completion code of an admin command.
type Status uint32

const (
	StatusUnset              Status = 0x0
	StatusPassed             Status = 0x1
	StatusAborted            Status = 0xFFFFFFF0
	StatusAlreadyExists      Status = 0xFFFFFFF1
	StatusCancelled          Status = 0xFFFFFFF2
	StatusDataLoss           Status = 0xFFFFFFF3
	StatusDeadlineExceeded   Status = 0xFFFFFFF4
	StatusFailedPrecondition Status = 0xFFFFFFF5
	StatusInternalError      Status = 0xFFFFFFF6
	StatusInvalidArgument    Status = 0xFFFFFFF7
	StatusNotFound           Status = 0xFFFFFFF8
	StatusOutOfRange         Status = 0xFFFFFFF9
	StatusPermissionDenied   Status = 0xFFFFFFFA
	StatusUnauthenticated    Status = 0xFFFFFFFB
	StatusResourceExhausted  Status = 0xFFFFFFFC
	StatusUnavailable        Status = 0xFFFFFFFD
	StatusUnimplemented      Status = 0xFFFFFFFE
	StatusUnknownError       Status = 0xFFFFFFFF
)

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusPassed:
		return "passed"
	case StatusAborted:
		return "aborted"
	case StatusAlreadyExists:
		return "already exists"
	case StatusCancelled:
		return "cancelled"
	case StatusDataLoss:
		return "data loss"
	case StatusDeadlineExceeded:
		return "deadline exceeded"
	case StatusFailedPrecondition:
		return "failed precondition"
	case StatusInternalError:
		return "internal error"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusNotFound:
		return "not found"
	case StatusOutOfRange:
		return "out of range"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusResourceExhausted:
		return "resource exhausted"
	case StatusUnavailable:
		return "unavailable"
	case StatusUnimplemented:
		return "unimplemented"
	case StatusUnknownError:
		return "unknown error"
	}
	return fmt.Sprintf("status(%#x)", uint32(s))
}

// Command is one admin queue slot.
type Command struct {
	Opcode  Opcode
	Status  Status
	Payload [CommandPayloadSize]byte
}

// Payload is implemented by every admin command body.
type Payload interface {
	Opcode() Opcode
	Encode(p []byte)
}

// NewCommand builds a slot for p with an unset status.
func NewCommand(p Payload) Command {
	c := Command{Opcode: p.Opcode()}
	p.Encode(c.Payload[:])
	return c
}

func (c *Command) Encode(b []byte) {
	_ = b[CommandSize-1]
	be.PutUint32(b[0:4], uint32(c.Opcode))
	be.PutUint32(b[4:8], uint32(c.Status))
	copy(b[8:CommandSize], c.Payload[:])
}

func (c *Command) Decode(b []byte) {
	_ = b[CommandSize-1]
	c.Opcode = Opcode(be.Uint32(b[0:4]))
	c.Status = Status(be.Uint32(b[4:8]))
	copy(c.Payload[:], b[8:CommandSize])
}

// SlotStatus reads only the status field of an encoded slot.
func SlotStatus(b []byte) Status { return Status(be.Uint32(b[4:8])) }

// SlotOpcode reads only the opcode field of an encoded slot.
func SlotOpcode(b []byte) Opcode { return Opcode(be.Uint32(b[0:4])) }

// PutSlotStatus is used by the device side to complete a slot.
func PutSlotStatus(b []byte, s Status) { be.PutUint32(b[4:8], uint32(s)) }

type DescribeDevice struct {
	DescriptorAddr  uint64
	Version         uint32
	AvailableLength uint32
}

// DeviceDescriptorVersion is the describe-device layout version understood here.
const DeviceDescriptorVersion = 1

func (*DescribeDevice) Opcode() Opcode { return OpDescribeDevice }

func (c *DescribeDevice) Encode(p []byte) {
	be.PutUint64(p[0:8], c.DescriptorAddr)
	be.PutUint32(p[8:12], c.Version)
	be.PutUint32(p[12:16], c.AvailableLength)
}

func (c *DescribeDevice) Decode(p []byte) {
	c.DescriptorAddr = be.Uint64(p[0:8])
	c.Version = be.Uint32(p[8:12])
	c.AvailableLength = be.Uint32(p[12:16])
}

type ConfigureDeviceResources struct {
	CounterArrayAddr    uint64
	IRQDoorbellAddr     uint64
	NumCounters         uint32
	NumIRQDoorbells     uint32
	IRQDoorbellStride   uint32
	NotifyBlockMSIXBase uint32
	QueueFormat         QueueFormat
}

func (*ConfigureDeviceResources) Opcode() Opcode { return OpConfigureDeviceResources }

func (c *ConfigureDeviceResources) Encode(p []byte) {
	be.PutUint64(p[0:8], c.CounterArrayAddr)
	be.PutUint64(p[8:16], c.IRQDoorbellAddr)
	be.PutUint32(p[16:20], c.NumCounters)
	be.PutUint32(p[20:24], c.NumIRQDoorbells)
	be.PutUint32(p[24:28], c.IRQDoorbellStride)
	be.PutUint32(p[28:32], c.NotifyBlockMSIXBase)
	p[32] = byte(c.QueueFormat)
}

func (c *ConfigureDeviceResources) Decode(p []byte) {
	c.CounterArrayAddr = be.Uint64(p[0:8])
	c.IRQDoorbellAddr = be.Uint64(p[8:16])
	c.NumCounters = be.Uint32(p[16:20])
	c.NumIRQDoorbells = be.Uint32(p[20:24])
	c.IRQDoorbellStride = be.Uint32(p[24:28])
	c.NotifyBlockMSIXBase = be.Uint32(p[28:32])
	c.QueueFormat = QueueFormat(p[32])
}

type DeconfigureDeviceResources struct{}

func (*DeconfigureDeviceResources) Opcode() Opcode { return OpDeconfigureDeviceResources }
func (*DeconfigureDeviceResources) Encode([]byte)  {}

type RegisterPageList struct {
	ID                  uint32
	NumPages            uint32
	PageAddressListAddr uint64
	PageSize            uint64
}

func (*RegisterPageList) Opcode() Opcode { return OpRegisterPageList }

func (c *RegisterPageList) Encode(p []byte) {
	be.PutUint32(p[0:4], c.ID)
	be.PutUint32(p[4:8], c.NumPages)
	be.PutUint64(p[8:16], c.PageAddressListAddr)
	be.PutUint64(p[16:24], c.PageSize)
}

func (c *RegisterPageList) Decode(p []byte) {
	c.ID = be.Uint32(p[0:4])
	c.NumPages = be.Uint32(p[4:8])
	c.PageAddressListAddr = be.Uint64(p[8:16])
	c.PageSize = be.Uint64(p[16:24])
}

type UnregisterPageList struct {
	ID uint32
}

func (*UnregisterPageList) Opcode() Opcode    { return OpUnregisterPageList }
func (c *UnregisterPageList) Encode(p []byte) { be.PutUint32(p[0:4], c.ID) }
func (c *UnregisterPageList) Decode(p []byte) { c.ID = be.Uint32(p[0:4]) }

type CreateTxQueue struct {
	QueueID            uint32
	QueueResourcesAddr uint64
	TxRingAddr         uint64
	QPLID              uint32
	NotifyID           uint32
	TxCompRingAddr     uint64
	TxRingSize         uint16
	TxCompRingSize     uint16
}

func (*CreateTxQueue) Opcode() Opcode { return OpCreateTxQueue }

func (c *CreateTxQueue) Encode(p []byte) {
	be.PutUint32(p[0:4], c.QueueID)
	be.PutUint64(p[8:16], c.QueueResourcesAddr)
	be.PutUint64(p[16:24], c.TxRingAddr)
	be.PutUint32(p[24:28], c.QPLID)
	be.PutUint32(p[28:32], c.NotifyID)
	be.PutUint64(p[32:40], c.TxCompRingAddr)
	be.PutUint16(p[40:42], c.TxRingSize)
	be.PutUint16(p[42:44], c.TxCompRingSize)
}

func (c *CreateTxQueue) Decode(p []byte) {
	c.QueueID = be.Uint32(p[0:4])
	c.QueueResourcesAddr = be.Uint64(p[8:16])
	c.TxRingAddr = be.Uint64(p[16:24])
	c.QPLID = be.Uint32(p[24:28])
	c.NotifyID = be.Uint32(p[28:32])
	c.TxCompRingAddr = be.Uint64(p[32:40])
	c.TxRingSize = be.Uint16(p[40:42])
	c.TxCompRingSize = be.Uint16(p[42:44])
}

type CreateRxQueue struct {
	QueueID            uint32
	Index              uint32
	NotifyID           uint32
	QueueResourcesAddr uint64
	RxDescRingAddr     uint64
	RxDataRingAddr     uint64
	QPLID              uint32
	RxRingSize         uint16
	PacketBufferSize   uint16
	RxBuffRingSize     uint16
	EnableRSC          bool
}

func (*CreateRxQueue) Opcode() Opcode { return OpCreateRxQueue }

func (c *CreateRxQueue) Encode(p []byte) {
	be.PutUint32(p[0:4], c.QueueID)
	be.PutUint32(p[4:8], c.Index)
	be.PutUint32(p[12:16], c.NotifyID)
	be.PutUint64(p[16:24], c.QueueResourcesAddr)
	be.PutUint64(p[24:32], c.RxDescRingAddr)
	be.PutUint64(p[32:40], c.RxDataRingAddr)
	be.PutUint32(p[40:44], c.QPLID)
	be.PutUint16(p[44:46], c.RxRingSize)
	be.PutUint16(p[46:48], c.PacketBufferSize)
	be.PutUint16(p[48:50], c.RxBuffRingSize)
	if c.EnableRSC {
		p[50] = 1
	}
}

func (c *CreateRxQueue) Decode(p []byte) {
	c.QueueID = be.Uint32(p[0:4])
	c.Index = be.Uint32(p[4:8])
	c.NotifyID = be.Uint32(p[12:16])
	c.QueueResourcesAddr = be.Uint64(p[16:24])
	c.RxDescRingAddr = be.Uint64(p[24:32])
	c.RxDataRingAddr = be.Uint64(p[32:40])
	c.QPLID = be.Uint32(p[40:44])
	c.RxRingSize = be.Uint16(p[44:46])
	c.PacketBufferSize = be.Uint16(p[46:48])
	c.RxBuffRingSize = be.Uint16(p[48:50])
	c.EnableRSC = p[50] != 0
}

type DestroyTxQueue struct {
	QueueID uint32
}

func (*DestroyTxQueue) Opcode() Opcode    { return OpDestroyTxQueue }
func (c *DestroyTxQueue) Encode(p []byte) { be.PutUint32(p[0:4], c.QueueID) }
func (c *DestroyTxQueue) Decode(p []byte) { c.QueueID = be.Uint32(p[0:4]) }

type DestroyRxQueue struct {
	QueueID uint32
}

func (*DestroyRxQueue) Opcode() Opcode    { return OpDestroyRxQueue }
func (c *DestroyRxQueue) Encode(p []byte) { be.PutUint32(p[0:4], c.QueueID) }
func (c *DestroyRxQueue) Decode(p []byte) { c.QueueID = be.Uint32(p[0:4]) }

// Driver parameter types for SetDriverParameter.
const (
	ParamMTU = 0x1
)

type SetDriverParameter struct {
	Type  uint32
	Value uint64
}

func (*SetDriverParameter) Opcode() Opcode { return OpSetDriverParameter }

func (c *SetDriverParameter) Encode(p []byte) {
	be.PutUint32(p[0:4], c.Type)
	be.PutUint64(p[8:16], c.Value)
}

func (c *SetDriverParameter) Decode(p []byte) {
	c.Type = be.Uint32(p[0:4])
	c.Value = be.Uint64(p[8:16])
}

type ReportLinkSpeed struct {
	Addr uint64
}

func (*ReportLinkSpeed) Opcode() Opcode    { return OpReportLinkSpeed }
func (c *ReportLinkSpeed) Encode(p []byte) { be.PutUint64(p[0:8], c.Addr) }
func (c *ReportLinkSpeed) Decode(p []byte) { c.Addr = be.Uint64(p[0:8]) }

type GetPtypeMap struct {
	Len     uint32
	Version uint32
	Addr    uint64
}

func (*GetPtypeMap) Opcode() Opcode { return OpGetPtypeMap }

func (c *GetPtypeMap) Encode(p []byte) {
	be.PutUint32(p[0:4], c.Len)
	be.PutUint32(p[4:8], c.Version)
	be.PutUint64(p[8:16], c.Addr)
}

func (c *GetPtypeMap) Decode(p []byte) {
	c.Len = be.Uint32(p[0:4])
	c.Version = be.Uint32(p[4:8])
	c.Addr = be.Uint64(p[8:16])
}
