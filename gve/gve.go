// Package gve is a gVNIC driver instance.
//
// A Device brings the NIC up through its admin queue, runs one cleanup
// task per notify block and a service task that follows the link, serves
// reset requests and watches transmit queues for stalls. Packets are sent
// with Xmit and received through Handlers.Deliver.
package gve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/lro"
	"github.com/romshark/gvnic/mmio"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/qpl"
	"github.com/romshark/gvnic/rx"
	"github.com/romshark/gvnic/tx"
	"github.com/romshark/gvnic/workq"
)

// Version is written to the device at bring-up.
const Version = "gvnic-go/1.0.0"

// ErrTxTimeout is the reset reason of a transmit queue that stayed stuck
// after being kicked.
var ErrTxTimeout = errors.New("tx timeout")

// Bus is how the driver reaches the device: its two register windows, DMA
// memory and interrupts.
type Bus interface {
	BAR0() mmio.Registers
	BAR2() mmio.Registers
	DMA() dma.Allocator
	// SetInterruptHandler installs f to be called with the vector of every
	// interrupt.
	SetInterruptHandler(f func(vector int))
}

type Handlers struct {
	// Deliver receives every packet of receive queue queue. It owns p and
	// must Release it.
	Deliver func(queue int, p *pktbuf.Packet)
	// Wake is called when a transmit queue that returned tx.ErrDeferred
	// has room again.
	Wake func(queue int)
	// Link is called on every link status change.
	Link func(up bool)
}

type Device struct {
	bus  Bus
	bar0 mmio.Registers
	bar2 mmio.Registers
	conf Config
	log  logrus.FieldLogger
	h    Handlers
	aq   *adminq.AdminQueue
	now  func() time.Time

	// ctl serializes bring-up, teardown and the service task.
	ctl    sync.Mutex
	wantUp bool
	up     bool
	res    resources

	// data guards the rings against Xmit and Stats during teardown.
	data    sync.RWMutex
	retired retired

	blocks atomic.Pointer[[]*block]

	service       *workq.Task
	stopService   context.CancelFunc
	serviceDone   chan struct{}
	resetPending  atomic.Bool
	adminTimedOut atomic.Bool
	linkUp        atomic.Bool
	resets        atomic.Uint64
	txTimeouts    atomic.Uint64
	txOversize    atomic.Uint64

	// Service task state.
	lastTimeoutCheck time.Time
	nextTimeoutQueue int
	lastKick         []time.Time
}

// resources is everything a bring-up acquires.
type resources struct {
	info   *adminq.DeviceInfo
	ntx    int
	nrx    int
	txDesc int
	rxDesc int
	mtu    int
	ptypes *desc.PtypeMap

	counters *dma.Region
	irqs     *dma.Region

	qpls       *qpl.Allocator
	txQPLs     []*qpl.QPL
	rxQPLs     []*qpl.QPL
	registered []uint32
	configured bool

	tx        []tx.Ring
	rx        []rx.Ring
	lro       []*lro.Coalescer
	txCreated []uint32
	rxCreated []uint32

	blocks []*block
	tasks  *workq.Group
}

// New creates a driver instance for the device behind bus and starts its
// service task. The device stays down until Up.
func New(bus Bus, conf Config, h Handlers, log logrus.FieldLogger) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if h.Deliver == nil {
		h.Deliver = func(_ int, p *pktbuf.Packet) { p.Release() }
	}
	if h.Wake == nil {
		h.Wake = func(int) {}
	}
	if h.Link == nil {
		h.Link = func(bool) {}
	}
	d := &Device{
		bus:  bus,
		bar0: bus.BAR0(),
		bar2: bus.BAR2(),
		conf: conf,
		log:  log,
		h:    h,
		now:  time.Now,
	}
	aq, err := adminq.New(d.bar0, bus.DMA(), conf.AdminQueue, log, d.onAdminTimeout)
	if err != nil {
		return nil, err
	}
	d.aq = aq
	bus.SetInterruptHandler(d.interrupt)
	d.startService()
	return d, nil
}

// Up brings the device up. Calling Up on a running device is a no-op.
func (d *Device) Up(ctx context.Context) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	d.wantUp = true
	if d.up {
		return nil
	}
	return d.bringUp(ctx)
}

// Down tears the device down, destroying queues and unregistering page
// lists through the admin queue. It is safe to call on a device that is
// already down.
func (d *Device) Down(ctx context.Context) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	d.wantUp = false
	return d.teardown(ctx, !d.adminTimedOut.Load())
}

// Close takes the device down and stops the service task.
func (d *Device) Close() error {
	err := d.Down(context.Background())
	d.stopService()
	<-d.serviceDone
	d.bus.SetInterruptHandler(nil)
	return err
}

// Reset tears the device down without talking to it and brings it back up
// if it was up.
func (d *Device) Reset(ctx context.Context) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	return d.reset(ctx)
}

// ScheduleReset requests a reset from the service task.
func (d *Device) ScheduleReset(err error) {
	if d.resetPending.CompareAndSwap(false, true) {
		d.log.WithError(err).Warn("Reset scheduled")
	}
	d.service.Enqueue()
}

func (d *Device) onAdminTimeout() {
	d.adminTimedOut.Store(true)
	d.ScheduleReset(adminq.ErrFlushTimeout)
}

// IsUp reports whether the queues are running.
func (d *Device) IsUp() bool {
	d.data.RLock()
	defer d.data.RUnlock()
	return d.up
}

func (d *Device) LinkUp() bool { return d.linkUp.Load() }

// Info returns what the device described at the last bring-up.
func (d *Device) Info() *adminq.DeviceInfo {
	d.data.RLock()
	defer d.data.RUnlock()
	return d.res.info
}

// MTU returns the MTU the running queues were set up with, 0 while down.
func (d *Device) MTU() int {
	d.data.RLock()
	defer d.data.RUnlock()
	if !d.up {
		return 0
	}
	return d.res.mtu
}

// NumQueues returns the number of running transmit and receive queues.
func (d *Device) NumQueues() (ntx, nrx int) {
	d.data.RLock()
	defer d.data.RUnlock()
	return len(d.res.tx), len(d.res.rx)
}

// Xmit sends p on transmit queue queue. On tx.ErrDeferred the caller keeps
// p and retries after Handlers.Wake. On any other error p was not sent and
// is still owned by the caller.
func (d *Device) Xmit(queue int, p *pktbuf.Packet) error {
	d.data.RLock()
	defer d.data.RUnlock()
	if !d.up {
		return ErrDown
	}
	if queue < 0 || queue >= len(d.res.tx) {
		return fmt.Errorf("%w: tx %d", ErrNoSuchQueue, queue)
	}
	if limit := d.res.mtu + ethHdrLen; !p.Offload.TSO() && p.Len() > limit {
		d.txOversize.Add(1)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLong, p.Len(), limit)
	}
	return d.res.tx[queue].Xmit(p)
}

// SelectQueue picks the transmit queue for a flow hash.
func (d *Device) SelectQueue(hash uint32) int {
	d.data.RLock()
	defer d.data.RUnlock()
	if len(d.res.tx) == 0 {
		return 0
	}
	return int(hash % uint32(len(d.res.tx)))
}

// SetMTU changes the MTU of a running device.
func (d *Device) SetMTU(ctx context.Context, mtu int) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	if !d.up {
		return ErrDown
	}
	if mtu > d.res.info.MaxMTU {
		return fmt.Errorf("%w: mtu %d above device maximum %d", ErrInvalidConfig, mtu, d.res.info.MaxMTU)
	}
	if err := d.aq.SetMTU(ctx, mtu); err != nil {
		return err
	}
	d.data.Lock()
	d.res.mtu = mtu
	d.data.Unlock()
	d.conf.MTU = mtu
	return nil
}

func (d *Device) bringUp(ctx context.Context) error {
	log := d.log
	if err := d.aq.Alloc(); err != nil {
		return err
	}
	for _, c := range []byte(Version + "\n") {
		d.bar0.Write8(desc.RegDriverVersion, c)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"describing device", d.describe},
		{"configuring device resources", d.configure},
		{"allocating page lists", d.allocPageLists},
		{"registering page lists", d.registerPageLists},
		{"creating rx queues", d.createRx},
		{"creating tx queues", d.createTx},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			log.WithError(err).Error("Bring-up failed while " + s.name)
			if terr := d.teardown(ctx, !d.adminTimedOut.Load()); terr != nil {
				log.WithError(terr).Error("Tearing down after failed bring-up")
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	d.turnUp()

	log.WithFields(logrus.Fields{
		"format":    d.res.info.Format,
		"tx_queues": d.res.ntx,
		"rx_queues": d.res.nrx,
		"tx_ring":   d.res.txDesc,
		"rx_ring":   d.res.rxDesc,
		"mtu":       d.res.mtu,
		"mac":       d.res.info.MAC,
	}).Info("Device up")
	return nil
}

func (d *Device) describe(ctx context.Context) error {
	info, err := d.aq.DescribeDevice(ctx)
	if err != nil {
		return err
	}
	r := &d.res
	d.data.Lock()
	r.info = info
	d.data.Unlock()

	maxQueues := int(d.bar0.ReadBE32(desc.RegMaxQueuePairs))
	if maxQueues == 0 {
		maxQueues = info.DefaultNumQueues
	}
	r.ntx = queueCount(d.conf.NumTxQueues, info.DefaultNumQueues, maxQueues)
	r.nrx = queueCount(d.conf.NumRxQueues, info.DefaultNumQueues, maxQueues)
	if r.ntx == 0 || r.nrx == 0 {
		return fmt.Errorf("device offers no queues")
	}
	if !info.Format.IsDQO() && info.NumEventCounters < r.ntx {
		return fmt.Errorf("%d event counters for %d tx queues", info.NumEventCounters, r.ntx)
	}
	r.txDesc = ringSize(d.conf.TxDescCnt, info.TxDescCount, info.MinTxDescCount, info.MaxTxDescCount)
	r.rxDesc = ringSize(d.conf.RxDescCnt, info.RxDescCount, info.MinRxDescCount, info.MaxRxDescCount)
	r.mtu = info.MTU
	return nil
}

func queueCount(want, def, limit int) int {
	if want == 0 {
		want = def
	}
	return min(want, limit)
}

func ringSize(want, def, lo, hi int) int {
	if want == 0 {
		return def
	}
	if lo > 0 {
		want = max(want, lo)
	}
	if hi > 0 {
		want = min(want, hi)
	}
	return want
}

func (d *Device) configure(ctx context.Context) error {
	r := &d.res
	alloc := d.bus.DMA()
	var err error
	if r.counters, err = alloc.Alloc(max(r.info.NumEventCounters, 1) * 4); err != nil {
		return err
	}
	nblocks := r.ntx + r.nrx
	if r.irqs, err = alloc.Alloc(nblocks * desc.IRQDoorbellStride); err != nil {
		return err
	}
	err = d.aq.ConfigureDeviceResources(ctx, &desc.ConfigureDeviceResources{
		CounterArrayAddr:  r.counters.Bus,
		IRQDoorbellAddr:   r.irqs.Bus,
		NumCounters:       uint32(r.info.NumEventCounters),
		NumIRQDoorbells:   uint32(nblocks),
		IRQDoorbellStride: desc.IRQDoorbellStride,
		QueueFormat:       r.info.Format,
	})
	if err != nil {
		return err
	}
	r.configured = true
	r.irqs.Sync(dma.SyncForCPU)

	if r.info.Format.IsDQO() {
		if r.ptypes, err = d.aq.GetPtypeMap(ctx); err != nil {
			return err
		}
	}
	if speed, err := d.aq.ReportLinkSpeed(ctx); err != nil {
		d.log.WithError(err).Warn("Reading link speed")
	} else {
		d.log.WithField("speed", humanize.SI(float64(speed)*1e6, "bit/s")).Debug("Link speed")
	}
	if d.conf.MTU != 0 && d.conf.MTU != r.mtu {
		if err := d.aq.SetMTU(ctx, d.conf.MTU); err != nil {
			return err
		}
		r.mtu = d.conf.MTU
	}
	return nil
}

// allocPageLists allocates one page list per queue: transmit queue i uses
// id i, receive queue i uses id ntx+i.
func (d *Device) allocPageLists(context.Context) error {
	r := &d.res
	r.qpls = qpl.NewAllocator(d.bus.DMA(), int(r.info.MaxRegisteredPages), d.log)
	r.txQPLs = make([]*qpl.QPL, r.ntx)
	r.rxQPLs = make([]*qpl.QPL, r.nrx)

	var txPages, rxPages int
	single := false
	switch r.info.Format {
	case desc.QueueFormatGQIQPL:
		txPages, rxPages, single = d.conf.TxPagesGQI, r.rxDesc, true
	case desc.QueueFormatDQOQPL:
		txPages, rxPages = d.conf.TxPagesDQO, d.conf.RxPagesDQO
	case desc.QueueFormatDQORDA:
		for i := range r.rxQPLs {
			l, err := r.qpls.AllocUnregistered(2 * r.rxDesc)
			if err != nil {
				return err
			}
			r.rxQPLs[i] = l
		}
		return nil
	}
	for i := range r.txQPLs {
		l, err := r.qpls.Alloc(uint32(i), txPages, single)
		if err != nil {
			return err
		}
		r.txQPLs[i] = l
	}
	for i := range r.rxQPLs {
		l, err := r.qpls.Alloc(uint32(r.ntx+i), rxPages, false)
		if err != nil {
			return err
		}
		r.rxQPLs[i] = l
	}
	return nil
}

func (d *Device) registerPageLists(ctx context.Context) error {
	r := &d.res
	for _, l := range append(append([]*qpl.QPL{}, r.txQPLs...), r.rxQPLs...) {
		if l == nil || l.ID == desc.RawAddressingQPLID {
			continue
		}
		if err := d.aq.RegisterPageList(ctx, l); err != nil {
			return fmt.Errorf("qpl %d: %w", l.ID, err)
		}
		r.registered = append(r.registered, l.ID)
	}
	if len(r.registered) > 0 {
		d.log.WithFields(logrus.Fields{
			"lists": len(r.registered),
			"pages": humanize.Comma(int64(r.qpls.Registered())),
		}).Debug("Page lists registered")
	}
	return nil
}

func (d *Device) createRx(ctx context.Context) error {
	r := &d.res
	var (
		rings []rx.Ring
		lros  []*lro.Coalescer
	)
	defer func() {
		d.data.Lock()
		r.rx, r.lro = rings, lros
		d.data.Unlock()
	}()
	cmds := make([]*desc.CreateRxQueue, 0, r.nrx)
	for i := range r.nrx {
		conf := rx.Config{
			ID:            i,
			DescCnt:       r.rxDesc,
			Doorbell:      d.bar2,
			DMA:           d.bus.DMA(),
			Log:           d.log.WithField("queue", fmt.Sprintf("rx%d", i)),
			Copybreak:     d.conf.Copybreak,
			Deliver:       func(p *pktbuf.Packet) { d.h.Deliver(i, p) },
			ScheduleReset: d.ScheduleReset,
		}
		if d.conf.LRO {
			c := lro.New(d.conf.LROConfig, conf.Deliver)
			lros = append(lros, c)
			conf.LRO = c
		}
		var (
			ring rx.Ring
			err  error
		)
		if r.info.Format.IsDQO() {
			ring, err = rx.NewDQO(rx.DQOConfig{Config: conf, Pages: r.rxQPLs[i], Ptypes: r.ptypes})
		} else {
			ring, err = rx.NewGQI(rx.GQIConfig{Config: conf, QPL: r.rxQPLs[i]})
		}
		if err != nil {
			return err
		}
		rings = append(rings, ring)
		cmds = append(cmds, ring.CreateCommand(uint32(r.ntx+i)))
	}
	if err := d.aq.CreateRxQueues(ctx, cmds); err != nil {
		return err
	}
	for i, ring := range rings {
		r.rxCreated = append(r.rxCreated, uint32(i))
		if err := ring.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) createTx(ctx context.Context) error {
	r := &d.res
	var rings []tx.Ring
	defer func() {
		d.data.Lock()
		r.tx = rings
		d.data.Unlock()
	}()
	cmds := make([]*desc.CreateTxQueue, 0, r.ntx)
	for i := range r.ntx {
		conf := tx.Config{
			ID:            i,
			DescCnt:       r.txDesc,
			Doorbell:      d.bar2,
			DMA:           d.bus.DMA(),
			Log:           d.log.WithField("queue", fmt.Sprintf("tx%d", i)),
			Wake:          func() { d.h.Wake(i) },
			ScheduleReset: d.ScheduleReset,
		}
		var (
			ring tx.Ring
			err  error
		)
		switch r.info.Format {
		case desc.QueueFormatGQIQPL:
			ring, err = tx.NewGQI(tx.GQIConfig{Config: conf, QPL: r.txQPLs[i], Counters: r.counters.Mem})
		case desc.QueueFormatDQOQPL:
			ring, err = tx.NewDQO(tx.DQOConfig{
				Config:   conf,
				ComplCnt: r.info.TxCompRingEntries,
				QPL:      r.txQPLs[i],
			})
		default:
			ring, err = tx.NewDQO(tx.DQOConfig{Config: conf})
		}
		if err != nil {
			return err
		}
		rings = append(rings, ring)
		cmds = append(cmds, ring.CreateCommand(uint32(i)))
	}
	if err := d.aq.CreateTxQueues(ctx, cmds); err != nil {
		return err
	}
	for i, ring := range rings {
		r.txCreated = append(r.txCreated, uint32(i))
		if err := ring.Start(); err != nil {
			return err
		}
	}
	return nil
}

// turnUp starts the cleanup tasks, unmasks interrupts and opens the
// device to Xmit.
func (d *Device) turnUp() {
	r := &d.res
	dqo := r.info.Format.IsDQO()
	r.blocks = make([]*block, 0, r.ntx+r.nrx)
	tasks := make([]*workq.Task, 0, r.ntx+r.nrx)
	for i := range r.ntx + r.nrx {
		b := &block{
			index:  i,
			irqOff: 4 * desc.IRQDoorbellIndex(r.irqs.Mem[i*desc.IRQDoorbellStride:]),
			dqo:    dqo,
			bar2:   d.bar2,
			budget: d.conf.Budget,
		}
		if i < r.ntx {
			b.tx = r.tx[i]
		} else {
			b.rx = r.rx[i-r.ntx]
		}
		b.task = workq.New(b.name(), d.conf.LockOSThread, b.poll)
		r.blocks = append(r.blocks, b)
		tasks = append(tasks, b.task)
	}
	r.tasks = workq.Start(context.Background(), tasks...)
	d.blocks.Store(&r.blocks)
	for _, b := range r.blocks {
		b.unmask()
		b.task.Enqueue()
	}

	d.bar0.WriteBE32(desc.RegDriverStatus, desc.DriverStatusRun)
	d.lastKick = make([]time.Time, r.ntx)
	d.nextTimeoutQueue = 0
	d.data.Lock()
	d.up = true
	d.data.Unlock()
	d.setLink(d.bar0.ReadBE32(desc.RegDeviceStatus)&desc.DeviceStatusLinkStatus != 0)
}

func (d *Device) setLink(up bool) {
	if d.linkUp.Swap(up) == up {
		return
	}
	if up {
		d.log.Info("Link up")
	} else {
		d.log.Info("Link down")
	}
	d.h.Link(up)
}

// interrupt is the handler of every notify block vector.
func (d *Device) interrupt(vector int) {
	bs := d.blocks.Load()
	if bs == nil || vector < 0 || vector >= len(*bs) {
		return
	}
	(*bs)[vector].interrupt()
}

func (d *Device) reset(ctx context.Context) error {
	d.resets.Add(1)
	d.log.Info("Resetting device")
	d.setLink(false)
	if err := d.teardown(ctx, false); err != nil {
		d.log.WithError(err).Error("Teardown during reset")
	}
	d.resetPending.Store(false)
	if !d.wantUp {
		return nil
	}
	if err := d.bringUp(ctx); err != nil {
		return fmt.Errorf("restoring device after reset: %w", err)
	}
	d.log.Info("Device restored after reset")
	return nil
}
