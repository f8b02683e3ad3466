//go:build linux

// Package simnic is a software model of a gVNIC device.
//
// It exposes the two register windows of the real device, services the
// admin queue against memory handed out by its own DMA arena, consumes
// transmit rings, fills receive rings and raises interrupts through a
// callback. Device-side processing only happens in Step, so tests drive it
// deterministically; Run steps it on a ticker for tools.
package simnic

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/mmio"
)

const (
	DefaultMaxQueues          = 4
	DefaultTxDescCnt          = 256
	DefaultRxDescCnt          = 256
	DefaultMTU                = 1460
	DefaultMaxRegisteredPages = 16384
	DefaultLinkSpeed          = 100000
	DefaultBacklog            = 1024

	// Ring bounds advertised with the modify-ring option.
	minRingSize = 64
	maxRingSize = 4096
)

var defaultMAC = net.HardwareAddr{0x42, 0x01, 0x0a, 0x80, 0x00, 0x02}

type Config struct {
	// Format is the queue format advertised next to GQI-QPL, which every
	// device supports.
	Format    desc.QueueFormat `yaml:"format"`
	MAC       net.HardwareAddr `yaml:"-"`
	MaxQueues int              `yaml:"max_queues"`
	TxDescCnt int              `yaml:"tx_desc_count"`
	RxDescCnt int              `yaml:"rx_desc_count"`
	MTU       int              `yaml:"mtu"`
	// MaxMTU above MTU advertises jumbo frames.
	MaxMTU             int  `yaml:"max_mtu"`
	ModifyRing         bool `yaml:"modify_ring"`
	MaxRegisteredPages int  `yaml:"max_registered_pages"`
	// LinkSpeed is reported in Mbit/s.
	LinkSpeed uint64 `yaml:"link_speed"`
	// Loopback feeds transmitted frames back to the receive queues.
	Loopback bool `yaml:"loopback"`
	// Backlog bounds the frames waiting per receive queue for buffers.
	Backlog int `yaml:"backlog"`
	// DMALimit bounds the device arena; zero means unlimited.
	DMALimit int `yaml:"dma_limit"`
}

func (c *Config) ValidateAndSetDefaults() error {
	switch c.Format {
	case desc.QueueFormatUnspecified:
		c.Format = desc.QueueFormatGQIQPL
	case desc.QueueFormatGQIQPL, desc.QueueFormatDQORDA, desc.QueueFormatDQOQPL:
	default:
		return fmt.Errorf("unsupported queue format: %s", c.Format)
	}
	if c.MAC == nil {
		c.MAC = defaultMAC
	}
	if len(c.MAC) != 6 {
		return fmt.Errorf("invalid mac address: %s", c.MAC)
	}
	if c.MaxQueues == 0 {
		c.MaxQueues = DefaultMaxQueues
	}
	if c.TxDescCnt == 0 {
		c.TxDescCnt = DefaultTxDescCnt
	}
	if c.RxDescCnt == 0 {
		c.RxDescCnt = DefaultRxDescCnt
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MaxMTU < c.MTU {
		c.MaxMTU = c.MTU
	}
	if c.MaxRegisteredPages == 0 {
		c.MaxRegisteredPages = DefaultMaxRegisteredPages
	}
	if c.LinkSpeed == 0 {
		c.LinkSpeed = DefaultLinkSpeed
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	for _, n := range []int{c.TxDescCnt, c.RxDescCnt} {
		if n < minRingSize || n > maxRingSize || n&(n-1) != 0 {
			return fmt.Errorf("invalid ring size: %d", n)
		}
	}
	if c.MaxQueues < 0 || c.MTU < 576 || c.MaxMTU > 9216 {
		return fmt.Errorf("invalid queue count %d or mtu %d/%d", c.MaxQueues, c.MTU, c.MaxMTU)
	}
	return nil
}

// Stats are the device-side counters.
type Stats struct {
	AdminCommands  uint64
	TxPackets      uint64
	TxBytes        uint64
	TxSegments     uint64
	RxPackets      uint64
	RxBytes        uint64
	RxDropped      uint64
	Interrupts     uint64
	DMAErrors      uint64
	ProtocolErrors uint64
	Resets         uint64
}

// notifyBlock is the interrupt state of one notify block.
type notifyBlock struct {
	armed   bool
	pending bool
}

type Device struct {
	conf  Config
	log   logrus.FieldLogger
	arena *dma.Arena

	lock sync.Mutex

	// BAR0
	driverStatus uint32
	resetReq     bool
	linkUp       bool
	aqPFN        uint32
	aqCounter    uint32
	aqProd       uint32
	version      []byte
	versionDone  bool

	// Resources of configure_device_resources.
	configured  bool
	format      desc.QueueFormat
	counters    []byte
	blocks      []notifyBlock
	doorbells   map[uint32]doorbell
	nextDB      uint32
	mtu         int
	qpls        map[uint32]*pageList
	registered  int
	txq         map[uint32]*txQueue
	rxq         map[uint32]*rxQueue
	transmitted [][]byte

	faults faults
	stats  Stats

	onIRQ func(vector int)
	onTx  func(frame []byte)
}

// doorbell resolves a BAR2 queue doorbell to its ring.
type doorbell struct {
	tx *txQueue
	rx *rxQueue
}

type faults struct {
	stallAdmin bool
	status     map[desc.Opcode]desc.Status
	pauseTx    bool
}

// New creates a device with its own DMA arena. The link starts up.
func New(conf Config, log logrus.FieldLogger) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Device{
		conf:   conf,
		log:    log.WithField("device", "simnic"),
		arena:  dma.NewArena(conf.DMALimit),
		linkUp: true,
		onIRQ:  func(int) {},
	}
	d.faults.status = make(map[desc.Opcode]desc.Status)
	d.resetResources()
	return d, nil
}

// Close unmaps all device memory. The driver must be gone.
func (d *Device) Close() error { return d.arena.Close() }

// DMA is the allocator drivers of this device allocate shared memory from.
func (d *Device) DMA() dma.Allocator { return d.arena }

// Arena exposes the device memory for inspection.
func (d *Device) Arena() *dma.Arena { return d.arena }

// BAR0 returns the configuration register window.
func (d *Device) BAR0() mmio.Registers { return bar0{d} }

// BAR2 returns the doorbell window.
func (d *Device) BAR2() mmio.Registers { return bar2{d} }

// SetInterruptHandler installs f to be called with the notify block index
// of every interrupt. It is called from Step without device locks held.
func (d *Device) SetInterruptHandler(f func(vector int)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if f == nil {
		f = func(int) {}
	}
	d.onIRQ = f
}

// SetTransmitHandler installs f to receive every frame put on the wire.
// Like interrupts it runs from Step without device locks held.
func (d *Device) SetTransmitHandler(f func(frame []byte)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onTx = f
}

func (d *Device) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

// DriverVersion returns the version string written by the driver.
func (d *Device) DriverVersion() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return string(d.version)
}

// Format returns the queue format the driver configured.
func (d *Device) Format() desc.QueueFormat {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.format
}

// MTU returns the MTU set by the driver.
func (d *Device) MTU() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.mtu
}

// Queues returns the number of live transmit and receive queues.
func (d *Device) Queues() (tx, rx int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.txq), len(d.rxq)
}

// RegisteredPages returns the number of pages of registered lists.
func (d *Device) RegisteredPages() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.registered
}

// SetLink changes the link status bit.
func (d *Device) SetLink(up bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.linkUp = up
}

// RequestReset sets the reset bit of the device status register until the
// driver resets the device.
func (d *Device) RequestReset() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.resetReq = true
}

// StallAdmin makes the device ignore admin doorbells while set.
// Unstalling processes what was rung in the meantime.
func (d *Device) StallAdmin(stall bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.faults.stallAdmin = stall
	d.processAdmin()
}

// FailCommand makes every command with opcode op complete with st without
// effect. StatusPassed removes the fault.
func (d *Device) FailCommand(op desc.Opcode, st desc.Status) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if st == desc.StatusPassed {
		delete(d.faults.status, op)
		return
	}
	d.faults.status[op] = st
}

// PauseTx stops the device from fetching transmit descriptors.
func (d *Device) PauseTx(pause bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.faults.pauseTx = pause
}

// InjectSpuriousTxCompletion writes a packet completion for a tag that was
// never submitted to DQO transmit queue id.
func (d *Device) InjectSpuriousTxCompletion(id uint32, tag uint16) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	q, ok := d.txq[id]
	if !ok || !q.format.IsDQO() {
		return fmt.Errorf("no dqo tx queue %d", id)
	}
	q.complete(desc.ComplTypePktDQO, tag)
	d.raise(q.notify)
	return nil
}

// Inject queues frame for reception as if it arrived from the wire. It
// returns false if the frame was dropped.
func (d *Device) Inject(frame []byte) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.receive(append([]byte(nil), frame...))
}

// Step runs one round of device processing: transmit rings are drained,
// waiting frames are written to receive rings and pending interrupts are
// raised. It returns the number of frames moved in either direction.
func (d *Device) Step() int {
	d.lock.Lock()
	work := 0
	if !d.faults.pauseTx {
		for _, id := range sortedKeys(d.txq) {
			work += d.txq[id].process()
		}
	}
	out := d.transmitted
	d.transmitted = nil
	if d.conf.Loopback {
		for _, f := range out {
			d.receive(f)
		}
	}
	for _, id := range sortedKeys(d.rxq) {
		work += d.rxq[id].process()
	}
	var vectors []int
	for i := range d.blocks {
		b := &d.blocks[i]
		if b.pending && b.armed {
			b.pending, b.armed = false, false
			vectors = append(vectors, i)
		}
	}
	d.stats.Interrupts += uint64(len(vectors))
	onIRQ, onTx := d.onIRQ, d.onTx
	d.lock.Unlock()

	if onTx != nil {
		for _, f := range out {
			onTx(f)
		}
	}
	for _, v := range vectors {
		onIRQ(v)
	}
	return work
}

// Run steps the device every interval until ctx is canceled.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for d.Step() > 0 {
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// raise marks a notify block as having events.
func (d *Device) raise(block uint32) {
	if int(block) < len(d.blocks) {
		d.blocks[block].pending = true
	}
}

// receive steers a frame to a receive queue by its flow hash.
func (d *Device) receive(frame []byte) bool {
	ids := sortedKeys(d.rxq)
	if len(ids) == 0 || !d.linkUp {
		d.stats.RxDropped++
		return false
	}
	h := parse(frame)
	q := d.rxq[ids[int(h.hash%uint32(len(ids)))]]
	if len(q.backlog) >= d.conf.Backlog {
		d.stats.RxDropped++
		return false
	}
	q.backlog = append(q.backlog, frame)
	return true
}

// resetResources returns the device to its state before
// configure_device_resources.
func (d *Device) resetResources() {
	d.configured = false
	d.format = desc.QueueFormatUnspecified
	d.counters = nil
	d.blocks = nil
	d.doorbells = make(map[uint32]doorbell)
	d.nextDB = 0
	d.mtu = d.conf.MTU
	d.qpls = make(map[uint32]*pageList)
	d.registered = 0
	d.txq = make(map[uint32]*txQueue)
	d.rxq = make(map[uint32]*rxQueue)
	d.transmitted = nil
}

// resolve returns device memory at bus or counts a DMA error.
func (d *Device) resolve(bus uint64, n int) ([]byte, bool) {
	b, err := d.arena.Resolve(bus, n)
	if err != nil {
		d.stats.DMAErrors++
		d.log.WithError(err).WithField("bus", fmt.Sprintf("%#x", bus)).Warn("DMA access failed")
		return nil, false
	}
	return b, true
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
