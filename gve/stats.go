package gve

import (
	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/lro"
	"github.com/romshark/gvnic/rx"
	"github.com/romshark/gvnic/tx"
)

// Stats are the driver counters. Queue counters survive resets: they
// include what the queue's previous incarnations counted.
type Stats struct {
	Up     bool
	LinkUp bool
	Format desc.QueueFormat
	MTU    int

	Tx  []tx.Stats
	Rx  []rx.Stats
	LRO lro.Stats

	AdminQueue adminq.Stats
	Resets     uint64
	TxTimeouts uint64
	// TxOversize counts frames Xmit refused for exceeding the MTU.
	TxOversize uint64
}

// TxTotal sums the counters of all transmit queues.
func (s Stats) TxTotal() tx.Stats {
	var t tx.Stats
	for _, q := range s.Tx {
		t = addTx(t, q)
	}
	return t
}

// RxTotal sums the counters of all receive queues.
func (s Stats) RxTotal() rx.Stats {
	var t rx.Stats
	for _, q := range s.Rx {
		t = addRx(t, q)
	}
	return t
}

func (d *Device) Stats() Stats {
	d.data.RLock()
	defer d.data.RUnlock()
	s := Stats{
		Up:         d.up,
		LinkUp:     d.linkUp.Load(),
		MTU:        d.res.mtu,
		LRO:        d.retired.lro,
		AdminQueue: d.aq.Stats(),
		Resets:     d.resets.Load(),
		TxTimeouts: d.txTimeouts.Load(),
		TxOversize: d.txOversize.Load(),
	}
	if d.res.info != nil {
		s.Format = d.res.info.Format
	}
	s.Tx = make([]tx.Stats, max(len(d.res.tx), len(d.retired.tx)))
	copy(s.Tx, d.retired.tx)
	for i, r := range d.res.tx {
		s.Tx[i] = addTx(s.Tx[i], r.Stats())
	}
	s.Rx = make([]rx.Stats, max(len(d.res.rx), len(d.retired.rx)))
	copy(s.Rx, d.retired.rx)
	for i, r := range d.res.rx {
		s.Rx[i] = addRx(s.Rx[i], r.Stats())
	}
	for _, c := range d.res.lro {
		l := c.Stats()
		s.LRO.Merged += l.Merged
		s.LRO.Delivered += l.Delivered
	}
	return s
}

// retired holds the final counters of torn down queues.
type retired struct {
	tx  []tx.Stats
	rx  []rx.Stats
	lro lro.Stats
}

func (t *retired) add(r *resources) {
	for i, q := range r.tx {
		if i == len(t.tx) {
			t.tx = append(t.tx, tx.Stats{})
		}
		t.tx[i] = addTx(t.tx[i], q.Stats())
	}
	for i, q := range r.rx {
		if i == len(t.rx) {
			t.rx = append(t.rx, rx.Stats{})
		}
		t.rx[i] = addRx(t.rx[i], q.Stats())
	}
	for _, c := range r.lro {
		l := c.Stats()
		t.lro.Merged += l.Merged
		t.lro.Delivered += l.Delivered
	}
}

func addTx(a, b tx.Stats) tx.Stats {
	a.Packets += b.Packets
	a.Bytes += b.Bytes
	a.Completed += b.Completed
	a.DeferredNoDescs += b.DeferredNoDescs
	a.DeferredNoBufs += b.DeferredNoBufs
	a.DeferredNoTags += b.DeferredNoTags
	a.Invalid += b.Invalid
	a.Linearized += b.Linearized
	a.TSO += b.TSO
	a.Kicks += b.Kicks
	a.Spurious += b.Spurious
	return a
}

func addRx(a, b rx.Stats) rx.Stats {
	a.Packets += b.Packets
	a.Bytes += b.Bytes
	a.Copybreak += b.Copybreak
	a.Flips += b.Flips
	a.Copies += b.Copies
	a.Dropped += b.Dropped
	a.ChecksumOK += b.ChecksumOK
	a.ProtocolErrors += b.ProtocolErrors
	a.PostedBufs += b.PostedBufs
	return a
}
