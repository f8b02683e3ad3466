package gve

import (
	"fmt"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/mmio"
	"github.com/romshark/gvnic/rx"
	"github.com/romshark/gvnic/tx"
	"github.com/romshark/gvnic/workq"
)

// block is a notify block: one interrupt vector and the cleanup task of
// the queue it serves.
type block struct {
	index  int
	irqOff uint32
	dqo    bool
	bar2   mmio.Registers
	budget int

	tx   tx.Ring
	rx   rx.Ring
	task *workq.Task
}

func (b *block) name() string {
	if b.tx != nil {
		return fmt.Sprintf("tx%d", b.tx.ID())
	}
	return fmt.Sprintf("rx%d", b.rx.ID())
}

// interrupt masks the vector and leaves the work to the cleanup task.
// DQO vectors mask themselves when they fire.
func (b *block) interrupt() {
	if !b.dqo {
		b.bar2.WriteBE32(b.irqOff, desc.IRQMask)
	}
	b.task.Enqueue()
}

func (b *block) unmask() {
	if b.dqo {
		b.bar2.WriteLE32(b.irqOff, desc.ITREnableBitDQO|desc.ITRNoUpdateDQO)
		return
	}
	b.bar2.WriteBE32(b.irqOff, 0)
}

// rearm acknowledges the interrupt and unmasks it again.
func (b *block) rearm() {
	if b.dqo {
		b.unmask()
		return
	}
	b.bar2.WriteBE32(b.irqOff, desc.IRQAck|desc.IRQEvent)
}

func (b *block) hasWork() bool {
	if b.tx != nil {
		return b.tx.HasWork()
	}
	return b.rx.HasWork()
}

// poll is the cleanup task. It reruns itself while the budget is used up
// and re-enables the interrupt once the queue is drained. Work that
// arrived between the last poll and the rearm is caught by the recheck.
func (b *block) poll() {
	var n int
	if b.tx != nil {
		n = b.tx.Reap(b.budget)
	} else {
		n = b.rx.Poll(b.budget)
	}
	if n >= b.budget {
		b.task.Enqueue()
		return
	}
	b.rearm()
	if b.hasWork() {
		b.task.Enqueue()
	}
}
