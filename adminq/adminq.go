// Package adminq implements the gVNIC admin queue: a single page of 64-byte
// command slots shared with the device, a driver-side producer counter and a
// device-side event counter exposed through BAR0.
//
// The admin queue is used only from the control plane. An AdminQueue must
// not be used from more than one goroutine at a time.
package adminq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/mmio"
)

// Capacity is the number of command slots in the ring.
const Capacity = desc.PageSize / desc.CommandSize

const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultMaxPolls     = 500
)

type Config struct {
	// PollInterval is the delay between event counter reads while waiting
	// for the device.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPolls bounds the number of event counter reads per flush.
	MaxPolls int `yaml:"max_polls"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("invalid admin queue poll interval: %s", c.PollInterval)
	}
	if c.MaxPolls < 0 {
		return fmt.Errorf("invalid admin queue max polls: %d", c.MaxPolls)
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPolls == 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	return nil
}

// opcodeSlots covers every opcode value defined by the device.
const opcodeSlots = 16

type AdminQueue struct {
	regs mmio.Registers
	dma  dma.Allocator
	conf Config
	log  logrus.FieldLogger

	// onTimeout is called after a flush timed out.
	onTimeout func()

	ring *dma.Region
	mask uint32
	prod uint32

	issued   [opcodeSlots]atomic.Uint64
	failed   [opcodeSlots]atomic.Uint64
	timeouts atomic.Uint64
}

// New creates an admin queue on top of the device's BAR0 registers. The ring
// is not allocated until Alloc is called. onTimeout may be nil.
func New(
	regs mmio.Registers,
	alloc dma.Allocator,
	conf Config,
	log logrus.FieldLogger,
	onTimeout func(),
) (*AdminQueue, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AdminQueue{
		regs:      regs,
		dma:       alloc,
		conf:      conf,
		log:       log,
		onTimeout: onTimeout,
		mask:      Capacity - 1,
	}, nil
}

// Allocated reports whether the ring is currently handed to the device.
func (q *AdminQueue) Allocated() bool { return q.ring != nil }

// Alloc allocates the command ring and hands its page frame number to the
// device. Calling Alloc on an allocated queue is a no-op.
func (q *AdminQueue) Alloc() error {
	if q.ring != nil {
		return nil
	}
	r, err := q.dma.Alloc(desc.PageSize)
	if err != nil {
		return fmt.Errorf("allocating admin queue ring: %w", err)
	}
	q.ring = r
	q.prod = 0
	r.Sync(dma.SyncForDevice)
	q.regs.WriteBE32(desc.RegAdminQueuePFN, uint32(r.Bus/desc.PageSize))
	q.log.WithField("pfn", r.Bus/desc.PageSize).Debug("Admin queue allocated")
	return nil
}

// Release takes the ring away from the device and waits until the device
// acknowledges by clearing the page frame number. Releasing a released queue
// is a no-op.
func (q *AdminQueue) Release(ctx context.Context) error {
	if q.ring == nil {
		return nil
	}
	q.regs.WriteBE32(desc.RegAdminQueuePFN, 0)
	err := q.poll(ctx, func() bool {
		return q.regs.ReadBE32(desc.RegAdminQueuePFN) == 0
	})
	if err != nil {
		// The device still owns the page. Leak it rather than hand memory
		// the device may write to back to the allocator.
		q.ring = nil
		return fmt.Errorf("releasing admin queue: %w", err)
	}
	if err := q.dma.Free(q.ring); err != nil {
		q.log.WithError(err).Warn("Freeing admin queue ring")
	}
	q.ring = nil
	q.log.Debug("Admin queue released")
	return nil
}

func (q *AdminQueue) eventCounter() uint32 {
	return q.regs.ReadBE32(desc.RegAdminQueueCounter)
}

// Outstanding returns the number of issued commands the device has not
// consumed yet.
func (q *AdminQueue) Outstanding() int {
	return int(q.prod - q.eventCounter())
}

// Issue writes p into the next free slot without notifying the device.
// If the ring is full, all outstanding commands are flushed first.
func (q *AdminQueue) Issue(ctx context.Context, p desc.Payload) error {
	if q.ring == nil {
		return ErrNotAllocated
	}
	if q.prod-q.eventCounter() > q.mask {
		if err := q.Flush(ctx); err != nil {
			return err
		}
	}

	cmd := desc.NewCommand(p)
	cmd.Encode(q.slot(q.prod))
	q.prod++
	q.count(&q.issued, cmd.Opcode)
	q.log.WithField("opcode", cmd.Opcode).Debug("Admin command issued")
	return nil
}

// Execute issues p and waits for its completion. It refuses to run while
// other commands are queued so that the returned status belongs to p.
func (q *AdminQueue) Execute(ctx context.Context, p desc.Payload) error {
	if q.ring == nil {
		return ErrNotAllocated
	}
	if tail := q.eventCounter(); tail != q.prod {
		return fmt.Errorf("%w: %d admin commands already queued",
			ErrInvalid, q.prod-tail)
	}
	if err := q.Issue(ctx, p); err != nil {
		return err
	}
	return q.Flush(ctx)
}

// Flush rings the doorbell and waits until the device has consumed every
// issued command. The status of every consumed slot is checked in order;
// the first failure is returned. A flush with nothing outstanding is a
// no-op.
func (q *AdminQueue) Flush(ctx context.Context) error {
	if q.ring == nil {
		return ErrNotAllocated
	}
	tail, head := q.eventCounter(), q.prod
	if tail == head {
		return nil
	}

	q.ring.Sync(dma.SyncForDevice)
	q.regs.WriteBE32(desc.RegAdminQueueDoorbell, head)

	err := q.poll(ctx, func() bool { return q.eventCounter() == head })
	if err != nil {
		q.timeouts.Add(1)
		q.log.WithFields(logrus.Fields{
			"head": head,
			"tail": q.eventCounter(),
		}).Error("Admin queue timed out, scheduling reset")
		if q.onTimeout != nil {
			q.onTimeout()
		}
		return err
	}

	q.ring.Sync(dma.SyncForCPU)
	var first error
	for i := tail; i != head; i++ {
		if err := q.complete(q.slot(i)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (q *AdminQueue) complete(slot []byte) error {
	op, st := desc.SlotOpcode(slot), desc.SlotStatus(slot)
	if st == desc.StatusPassed {
		return nil
	}
	q.count(&q.failed, op)
	err := &StatusError{Opcode: op, Status: st}
	q.log.WithField("opcode", op).WithError(err).Warn("Admin command failed")
	return err
}

var errPending = errors.New("pending")

// poll evaluates done up to MaxPolls times, PollInterval apart.
func (q *AdminQueue) poll(ctx context.Context, done func() bool) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(q.conf.PollInterval),
			uint64(q.conf.MaxPolls-1),
		),
		ctx,
	)
	err := backoff.Retry(func() error {
		if done() {
			return nil
		}
		return errPending
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrFlushTimeout, ctx.Err())
	}
	return ErrFlushTimeout
}

func (q *AdminQueue) slot(i uint32) []byte {
	return q.ring.Slice(int(i&q.mask)*desc.CommandSize, desc.CommandSize)
}

func (q *AdminQueue) count(c *[opcodeSlots]atomic.Uint64, op desc.Opcode) {
	if int(op) < len(c) {
		c[op].Add(1)
	}
}

// Stats are the admin queue counters.
type Stats struct {
	Issued   map[desc.Opcode]uint64
	Failed   map[desc.Opcode]uint64
	Timeouts uint64
}

// Stats returns a snapshot of the counters. It is safe to call
// concurrently with commands being issued.
func (q *AdminQueue) Stats() Stats {
	s := Stats{
		Issued:   make(map[desc.Opcode]uint64),
		Failed:   make(map[desc.Opcode]uint64),
		Timeouts: q.timeouts.Load(),
	}
	for op := range opcodeSlots {
		if n := q.issued[op].Load(); n > 0 {
			s.Issued[desc.Opcode(op)] = n
		}
		if n := q.failed[op].Load(); n > 0 {
			s.Failed[desc.Opcode(op)] = n
		}
	}
	return s
}
