// Package tx implements the transmit ring engines of both queue formats.
//
// A ring has two sides running concurrently: Xmit, called by the transmit
// context, writes descriptors and advances the producer index; Reap, called
// by the queue's cleanup task, consumes completions and frees resources.
// Each index is only advanced by its own side. Resources flow back from Reap
// to Xmit through atomics only.
package tx

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/mmio"
	"github.com/romshark/gvnic/pktbuf"
)

var (
	// ErrDeferred means the ring is out of descriptors or buffer space. The
	// ring is marked stopped and Wake is called once Reap freed resources.
	ErrDeferred = errors.New("tx ring full")
	// ErrInvalidPacket means the packet can never be sent on this ring.
	ErrInvalidPacket = errors.New("invalid packet")
	// ErrProtocol is reported to the reset handler when the device
	// completes something that was never submitted.
	ErrProtocol = errors.New("tx protocol violation")
)

// Ring is the format independent view of a transmit ring.
type Ring interface {
	ID() int
	Format() desc.QueueFormat

	// CreateCommand returns the admin command creating the ring on the
	// device.
	CreateCommand(notifyID uint32) *desc.CreateTxQueue
	// Start reads the resources the device assigned at creation.
	Start() error

	Xmit(p *pktbuf.Packet) error
	// Reap processes up to budget completions and returns how many it did.
	Reap(budget int) int
	// HasWork reports whether completions are waiting to be reaped.
	HasWork() bool
	Stopped() bool

	// Overdue returns the number of packets submitted longer than timeout
	// before now and still not completed.
	Overdue(now time.Time, timeout time.Duration) int
	// Kick rings the doorbell again with the current producer index.
	Kick()

	Stats() Stats
	// Free releases every outstanding packet and the ring memory. The
	// device must no longer access the ring.
	Free()
}

// Config is shared by both ring formats.
type Config struct {
	ID       int
	DescCnt  int
	Doorbell mmio.Registers
	DMA      dma.Allocator
	Log      logrus.FieldLogger

	// Wake is called when a stopped ring has room again.
	Wake func()
	// ScheduleReset is called on protocol violations.
	ScheduleReset func(error)
}

func (c *Config) validate() error {
	if c.DescCnt < desc.TxMinREInterval || bits.OnesCount(uint(c.DescCnt)) != 1 {
		return fmt.Errorf("tx ring %d: descriptor count %d not a power of two >= %d",
			c.ID, c.DescCnt, desc.TxMinREInterval)
	}
	if c.Doorbell == nil || c.DMA == nil {
		return fmt.Errorf("tx ring %d: missing doorbell or dma allocator", c.ID)
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Wake == nil {
		c.Wake = func() {}
	}
	if c.ScheduleReset == nil {
		c.ScheduleReset = func(error) {}
	}
	return nil
}

// Stats is a snapshot of a ring's counters.
type Stats struct {
	Packets         uint64
	Bytes           uint64
	Completed       uint64
	DeferredNoDescs uint64
	DeferredNoBufs  uint64
	DeferredNoTags  uint64
	Invalid         uint64
	Linearized      uint64
	TSO             uint64
	Kicks           uint64
	Spurious        uint64
}

type counters struct {
	packets         atomic.Uint64
	bytes           atomic.Uint64
	completed       atomic.Uint64
	deferredNoDescs atomic.Uint64
	deferredNoBufs  atomic.Uint64
	deferredNoTags  atomic.Uint64
	invalid         atomic.Uint64
	linearized      atomic.Uint64
	tso             atomic.Uint64
	kicks           atomic.Uint64
	spurious        atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets:         c.packets.Load(),
		Bytes:           c.bytes.Load(),
		Completed:       c.completed.Load(),
		DeferredNoDescs: c.deferredNoDescs.Load(),
		DeferredNoBufs:  c.deferredNoBufs.Load(),
		DeferredNoTags:  c.deferredNoTags.Load(),
		Invalid:         c.invalid.Load(),
		Linearized:      c.linearized.Load(),
		TSO:             c.tso.Load(),
		Kicks:           c.kicks.Load(),
		Spurious:        c.spurious.Load(),
	}
}

// common holds what both formats need.
type common struct {
	conf Config
	log  logrus.FieldLogger

	// res is where the device reports the doorbell assigned at creation.
	res    *dma.Region
	dbOff  uint32
	cntIdx uint32

	// xmitLock serializes transmit contexts.
	xmitLock sync.Mutex
	stopped  atomic.Bool

	stats counters
}

func (c *common) init(conf Config, format desc.QueueFormat) error {
	if err := conf.validate(); err != nil {
		return err
	}
	c.conf = conf
	c.log = conf.Log.WithFields(logrus.Fields{
		"queue":  fmt.Sprintf("tx%d", conf.ID),
		"format": format,
	})
	r, err := conf.DMA.Alloc(desc.QueueResourcesSize)
	if err != nil {
		return fmt.Errorf("allocating tx queue resources: %w", err)
	}
	c.res = r
	return nil
}

func (c *common) ID() int       { return c.conf.ID }
func (c *common) Stopped() bool { return c.stopped.Load() }
func (c *common) Stats() Stats  { return c.stats.snapshot() }

func (c *common) start() {
	c.res.Sync(dma.SyncForCPU)
	var qr desc.QueueResources
	qr.Decode(c.res.Mem)
	c.dbOff = qr.DoorbellIndex * 4
	c.cntIdx = qr.CounterIndex
	c.stopped.Store(false)
	c.log.WithFields(logrus.Fields{
		"doorbell": qr.DoorbellIndex,
		"counter":  qr.CounterIndex,
	}).Debug("Ring started")
}

// deferXmit marks the ring stopped and re-checks room so that a Reap which
// freed resources between the failed check and the store is not missed.
func (c *common) deferXmit(hasRoom func() bool) bool {
	c.stopped.Store(true)
	if hasRoom() {
		c.stopped.Store(false)
		return false
	}
	return true
}

// wakeIfStopped runs at the end of Reap after resources were released.
func (c *common) wakeIfStopped(freed bool) {
	if freed && c.stopped.CompareAndSwap(true, false) {
		c.conf.Wake()
	}
}

func (c *common) protocolViolation(err error) {
	c.stats.spurious.Add(1)
	c.log.WithError(err).Warn("Scheduling reset")
	c.conf.ScheduleReset(err)
}

func (c *common) freeCommon() {
	if c.res != nil {
		_ = c.conf.DMA.Free(c.res)
		c.res = nil
	}
}

// validateOffload checks the parts of the offload request every format
// depends on.
func validateOffload(p *pktbuf.Packet) error {
	o := &p.Offload
	switch {
	case p.Len() == 0:
		return fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	case o.NeedsCsum && (o.L4Offset <= 0 || o.L4Offset+o.CsumOffset+2 > p.Len()):
		return fmt.Errorf("%w: checksum offset %d+%d outside packet of %d bytes",
			ErrInvalidPacket, o.L4Offset, o.CsumOffset, p.Len())
	case o.TSO() && (o.L4HeaderLen <= 0 || o.HeaderLen() >= p.Len()):
		return fmt.Errorf("%w: tso header length %d for packet of %d bytes",
			ErrInvalidPacket, o.HeaderLen(), p.Len())
	}
	return nil
}

// pathHash returns the flow hash to place in metadata, zero when the
// packet has no L4 hash.
func pathHash(p *pktbuf.Packet) uint32 {
	if p.HashType != pktbuf.HashL4 {
		return 0
	}
	return p.Hash
}
