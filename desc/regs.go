package desc

// BAR0 register offsets. All registers are big-endian.
const (
	RegDeviceStatus       = 0x00
	RegDriverStatus       = 0x04
	RegMaxQueuePairs      = 0x08
	RegLinkSpeed          = 0x0C
	RegAdminQueuePFN      = 0x10
	RegAdminQueueDoorbell = 0x14
	RegAdminQueueCounter  = 0x18
	RegDriverVersion      = 0x1F
)

// Device status bits.
const (
	DeviceStatusReset      = 1 << 1
	DeviceStatusLinkStatus = 1 << 2
)

// Driver status bits.
const (
	DriverStatusRun   = 1 << 0
	DriverStatusReset = 1 << 1
)

// GQI notify block doorbell bits (BAR2, big-endian).
const (
	IRQAck   = 1 << 31
	IRQMask  = 1 << 30
	IRQEvent = 1 << 29
)

// DQO notify block doorbell values (BAR2, little-endian).
const (
	ITREnableBitDQO = 1 << 0
	ITRNoUpdateDQO  = 3 << 3
)

// IRQDoorbellStride is the spacing of entries in the notify block index
// array handed to the device with configure_device_resources.
const IRQDoorbellStride = CacheLineSize

// IRQDoorbellIndex reads the BAR2 doorbell index the device assigned to a
// notify block. b is the block's entry in the index array.
func IRQDoorbellIndex(b []byte) uint32 {
	return be.Uint32(b[0:4])
}

// PutIRQDoorbellIndex is the device side of IRQDoorbellIndex.
func PutIRQDoorbellIndex(b []byte, idx uint32) {
	be.PutUint32(b[0:4], idx)
}

// QueueResourcesSize is the size of the per-queue area the device fills in
// when a queue is created.
const QueueResourcesSize = 64

// QueueResources is the device-written outcome of queue creation.
type QueueResources struct {
	DoorbellIndex uint32
	CounterIndex  uint32
}

func (r *QueueResources) Decode(b []byte) {
	r.DoorbellIndex = be.Uint32(b[0:4])
	r.CounterIndex = be.Uint32(b[4:8])
}

func (r *QueueResources) Encode(b []byte) {
	clear(b[:QueueResourcesSize])
	be.PutUint32(b[0:4], r.DoorbellIndex)
	be.PutUint32(b[4:8], r.CounterIndex)
}
