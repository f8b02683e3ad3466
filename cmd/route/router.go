//go:build linux

package main

import (
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/tx"
)

const (
	ethHdrLen = 14
	ipHdrMin  = 20
	udpHdrLen = 8

	// retryInterval bounds the wait for a stopped output queue.
	retryInterval = time.Millisecond
)

// Transmitter is the transmit side of a port.
type Transmitter interface {
	Xmit(queue int, p *pktbuf.Packet) error
	SelectQueue(hash uint32) int
}

// hop is an output port and the neighbor behind it. wake is signaled by
// the port's Wake handler.
type hop struct {
	out      Transmitter
	mac      net.HardwareAddr
	neighbor net.HardwareAddr
	wake     chan struct{}
}

// router forwards between two ports:
//   - 10.0.1.x -> out port1
//   - 10.0.2.x -> out port2
//   - else     -> drop
//
// Forwarded frames get the output port as source and its neighbor as
// destination MAC. Received buffers are handed to the output port as is.
// A full output queue holds up forwarding until it has room again or done
// is closed.
type router struct {
	hops [2]hop
	done <-chan struct{}

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	deferred  atomic.Uint64
}

func newRouter(done <-chan struct{}) *router {
	r := &router{done: done}
	for i := range r.hops {
		r.hops[i].wake = make(chan struct{}, 1)
	}
	return r
}

// wakeHandler is the Wake handler of the output port of hop i.
func (r *router) wakeHandler(i int) func(int) {
	return func(int) {
		select {
		case r.hops[i].wake <- struct{}{}:
		default:
		}
	}
}

// route returns the output hop for frame, or nil to drop it.
func (r *router) route(frame []byte) *hop {
	if len(frame) < ethHdrLen+ipHdrMin {
		return nil
	}
	if binary.BigEndian.Uint16(frame[12:14]) != 0x0800 { // IPv4
		return nil
	}
	ip := frame[ethHdrLen:]
	if ip[0]>>4 != 4 {
		return nil
	}
	dst := binary.BigEndian.Uint32(ip[16:20])
	if dst&0xFFFF0000 != 0x0A000000 {
		return nil
	}
	switch byte(dst >> 8) {
	case 1:
		return &r.hops[0]
	case 2:
		return &r.hops[1]
	}
	return nil
}

// forward is the Deliver handler of both ports.
func (r *router) forward(_ int, p *pktbuf.Packet) {
	// Headers are rewritten in place, so they must be in the first
	// fragment.
	if len(p.Frags) == 0 || len(p.Frags[0].Data) < ethHdrLen+ipHdrMin {
		r.dropped.Add(1)
		p.Release()
		return
	}
	frame := p.Frags[0].Data
	h := r.route(frame)
	if h == nil {
		r.dropped.Add(1)
		p.Release()
		return
	}
	copy(frame[0:6], h.neighbor)
	copy(frame[6:12], h.mac)

	// Checksums are intact, nothing to offload.
	p.Offload = pktbuf.Offload{}
	q := h.out.SelectQueue(p.Hash)
	for {
		err := h.out.Xmit(q, p)
		if err == nil {
			r.forwarded.Add(1)
			return
		}
		if !errors.Is(err, tx.ErrDeferred) || !r.waitRoom(h) {
			r.failed.Add(1)
			p.Release()
			return
		}
		r.deferred.Add(1)
	}
}

// waitRoom waits for the output queue of h to wake up or for the retry
// interval. It reports false once done is closed.
func (r *router) waitRoom(h *hop) bool {
	t := time.NewTimer(retryInterval)
	defer t.Stop()
	select {
	case <-r.done:
		return false
	case <-h.wake:
	case <-t.C:
	}
	return true
}
