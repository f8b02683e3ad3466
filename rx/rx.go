// Package rx implements the receive ring engines of both queue formats.
//
// A ring is driven by its queue's cleanup task only: Poll consumes device
// completions, assembles packets and hands them to the network stack, then
// returns buffers to the device. The stack releases the page references it
// was given from any goroutine.
package rx

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/lro"
	"github.com/romshark/gvnic/mmio"
	"github.com/romshark/gvnic/pktbuf"
)

// ErrProtocol is reported to the reset handler when a completion cannot
// belong to anything the ring posted.
var ErrProtocol = errors.New("rx protocol violation")

const (
	// BufSize is the size of a receive buffer: half a page.
	BufSize = desc.PageSize / 2

	DefaultCopybreak = 256
)

type Ring interface {
	ID() int
	Format() desc.QueueFormat

	CreateCommand(notifyID uint32) *desc.CreateRxQueue
	// Start reads the resources assigned at creation and hands the initial
	// buffers to the device.
	Start() error

	// Poll processes up to budget completions and returns how many it did.
	Poll(budget int) int
	HasWork() bool

	Stats() Stats
	// Free drops the ring's state. Pages handed to the stack stay alive
	// until the stack releases them.
	Free()
}

type Config struct {
	ID int
	// DescCnt is the completion ring size. For DQO it is also the buffer
	// queue size.
	DescCnt  int
	Doorbell mmio.Registers
	DMA      dma.Allocator
	Log      logrus.FieldLogger

	// Copybreak is the largest single-fragment packet that is copied out
	// instead of handed over by reference. Negative disables copying.
	Copybreak int
	// Deliver receives every assembled packet. It owns the packet and must
	// Release it.
	Deliver func(*pktbuf.Packet)
	// LRO, if set, receives verified TCP packets instead of Deliver.
	LRO *lro.Coalescer
	// ScheduleReset is called on protocol violations.
	ScheduleReset func(error)
}

func (c *Config) validate() error {
	if c.DescCnt <= 0 || bits.OnesCount(uint(c.DescCnt)) != 1 {
		return fmt.Errorf("rx ring %d: descriptor count %d not a power of two", c.ID, c.DescCnt)
	}
	if c.Doorbell == nil || c.DMA == nil || c.Deliver == nil {
		return fmt.Errorf("rx ring %d: missing doorbell, dma allocator or deliver func", c.ID)
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Copybreak == 0 {
		c.Copybreak = DefaultCopybreak
	}
	if c.ScheduleReset == nil {
		c.ScheduleReset = func(error) {}
	}
	return nil
}

type Stats struct {
	Packets   uint64
	Bytes     uint64
	Copybreak uint64
	// Flips counts fragments handed over by reference.
	Flips  uint64
	Copies uint64
	// Dropped counts packets the device flagged as erroneous.
	Dropped        uint64
	ChecksumOK     uint64
	ProtocolErrors uint64
	PostedBufs     uint64
}

type counters struct {
	packets        atomic.Uint64
	bytes          atomic.Uint64
	copybreak      atomic.Uint64
	flips          atomic.Uint64
	copies         atomic.Uint64
	dropped        atomic.Uint64
	csumOK         atomic.Uint64
	protocolErrors atomic.Uint64
	postedBufs     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets:        c.packets.Load(),
		Bytes:          c.bytes.Load(),
		Copybreak:      c.copybreak.Load(),
		Flips:          c.flips.Load(),
		Copies:         c.copies.Load(),
		Dropped:        c.dropped.Load(),
		ChecksumOK:     c.csumOK.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		PostedBufs:     c.postedBufs.Load(),
	}
}

// reassembly is the packet being built from a chain of fragments. It is
// empty between packets.
type reassembly struct {
	pkt     *pktbuf.Packet
	frags   int
	dropped bool
}

func (r *reassembly) inProgress() bool { return r.frags > 0 }

// take returns the packet and clears the context.
func (r *reassembly) take() (*pktbuf.Packet, bool) {
	p, dropped := r.pkt, r.dropped
	*r = reassembly{}
	return p, dropped
}

func (r *reassembly) add(data []byte, ref pktbuf.Ref) {
	if r.pkt == nil {
		r.pkt = &pktbuf.Packet{}
	}
	r.pkt.Append(data, ref)
}

type common struct {
	conf Config
	log  logrus.FieldLogger

	res   *dma.Region
	dbOff uint32

	ctx   reassembly
	stats counters
}

func (c *common) init(conf Config, format desc.QueueFormat) error {
	if err := conf.validate(); err != nil {
		return err
	}
	c.conf = conf
	c.log = conf.Log.WithFields(logrus.Fields{
		"queue":  fmt.Sprintf("rx%d", conf.ID),
		"format": format,
	})
	r, err := conf.DMA.Alloc(desc.QueueResourcesSize)
	if err != nil {
		return fmt.Errorf("allocating rx queue resources: %w", err)
	}
	c.res = r
	return nil
}

func (c *common) ID() int      { return c.conf.ID }
func (c *common) Stats() Stats { return c.stats.snapshot() }

func (c *common) start() {
	c.res.Sync(dma.SyncForCPU)
	var qr desc.QueueResources
	qr.Decode(c.res.Mem)
	c.dbOff = qr.DoorbellIndex * 4
	c.log.WithField("doorbell", qr.DoorbellIndex).Debug("Ring started")
}

// copyOut returns a private copy of data.
func copyOut(data []byte) []byte {
	b := make([]byte, len(data))
	copy(b, data)
	return b
}

// deliver hands a completed packet to LRO or straight to the stack.
func (c *common) deliver(p *pktbuf.Packet) {
	c.stats.packets.Add(1)
	c.stats.bytes.Add(uint64(p.Len()))
	if p.CsumVerified {
		c.stats.csumOK.Add(1)
	}
	if c.conf.LRO != nil && p.L4 == desc.L4TCP && p.CsumVerified {
		c.conf.LRO.Receive(p)
		return
	}
	c.conf.Deliver(p)
}

func (c *common) flushLRO() {
	if c.conf.LRO != nil {
		c.conf.LRO.Flush()
	}
}

// protocolViolation abandons the packet in progress and asks for a reset.
func (c *common) protocolViolation(err error) {
	c.dropContext()
	c.stats.protocolErrors.Add(1)
	c.log.WithError(err).Warn("Scheduling reset")
	c.conf.ScheduleReset(err)
}

// dropContext releases a partially assembled packet.
func (c *common) dropContext() {
	if p, _ := c.ctx.take(); p != nil {
		p.Release()
	}
}

func (c *common) freeCommon() {
	c.dropContext()
	if c.res != nil {
		_ = c.conf.DMA.Free(c.res)
		c.res = nil
	}
}
