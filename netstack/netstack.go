// Package netstack connects a gve.Device to a gVisor network stack through
// a channel link endpoint.
//
// Frames received by the driver have their Ethernet header stripped and are
// injected into the endpoint. Packets the stack writes to the endpoint are
// drained by pumps, framed, and transmitted on the queue their hash selects.
// The endpoint reports the MTU of the driver it is bound to.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/romshark/gvnic/gve"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/tx"
)

const (
	DefaultQueueLen      = 1024
	DefaultPumps         = 1
	DefaultRetryInterval = 10 * time.Millisecond
)

var (
	ErrInvalidConfig = errors.New("invalid netstack config")
	ErrNotBound      = errors.New("link not bound to a driver")
)

// Driver is the transmit side of a gve.Device.
type Driver interface {
	Xmit(queue int, p *pktbuf.Packet) error
	SelectQueue(hash uint32) int
	// MTU is the MTU of the running device, 0 while it is down.
	MTU() int
}

type Config struct {
	// MTU of the endpoint, without the Ethernet header. Zero takes the
	// MTU of the driver at Bind; a larger MTU than the driver's is
	// rejected there.
	MTU uint32 `yaml:"mtu"`
	// LinkAddr is the source address of transmitted frames.
	LinkAddr tcpip.LinkAddress `yaml:"-"`
	// Peer is the destination address of transmitted frames. Broadcast
	// when empty.
	Peer tcpip.LinkAddress `yaml:"-"`
	// QueueLen bounds the packets the stack may queue for transmission.
	QueueLen int `yaml:"queue_len"`
	// Pumps is the number of goroutines draining the endpoint.
	Pumps int `yaml:"pumps"`
	// GSO lets the stack hand TCP packets up to the GSO size to the
	// driver, which has the device segment them.
	GSO bool `yaml:"gso"`
	// RetryInterval bounds the wait for a stopped queue to wake up.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.QueueLen < 0 || c.Pumps < 0 || c.RetryInterval < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidConfig)
	}
	if c.QueueLen == 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.Pumps == 0 {
		c.Pumps = DefaultPumps
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Peer == "" {
		c.Peer = header.EthernetBroadcastAddress
	}
	return nil
}

// Stats are the counters of a Link.
type Stats struct {
	RxInjected uint64
	RxDropped  uint64
	TxSent     uint64
	TxDropped  uint64
	TxDeferred uint64
	// TxGSO counts packets handed to the device for segmentation.
	TxGSO uint64
}

// endpoint is a channel endpoint whose MTU is set after construction.
type endpoint struct {
	*channel.Endpoint
	mtu atomic.Uint32
}

func (e *endpoint) MTU() uint32 { return e.mtu.Load() }

// Link is the glue between a driver and a stack.
type Link struct {
	ep   *endpoint
	conf Config
	log  logrus.FieldLogger
	wake chan struct{}
	drv  Driver

	rxInjected, rxDropped atomic.Uint64
	txSent, txDropped     atomic.Uint64
	txDeferred, txGSO     atomic.Uint64
}

func New(conf Config, log logrus.FieldLogger) (*Link, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ep := &endpoint{Endpoint: channel.New(conf.QueueLen, conf.MTU, conf.LinkAddr)}
	ep.mtu.Store(conf.MTU)
	ep.LinkEPCapabilities |= stack.CapabilityRXChecksumOffload
	if conf.GSO {
		ep.SupportedGSOKind = stack.HostGSOSupported
	}
	return &Link{
		ep:   ep,
		conf: conf,
		log:  log.WithField("component", "netstack"),
		wake: make(chan struct{}, 1),
	}, nil
}

// Endpoint is the link endpoint to create the stack's NIC with.
func (l *Link) Endpoint() stack.LinkEndpoint { return l.ep }

// Bind makes drv the transmit side of the link and takes over its MTU
// unless one is configured. drv must be up. Bind before Run and before
// the stack opens connections over the link.
func (l *Link) Bind(drv Driver) error {
	mtu := drv.MTU()
	switch {
	case mtu <= 0:
		return fmt.Errorf("%w: driver is down", ErrInvalidConfig)
	case l.conf.MTU > uint32(mtu):
		return fmt.Errorf("%w: mtu %d above driver mtu %d", ErrInvalidConfig, l.conf.MTU, mtu)
	case l.conf.MTU != 0:
		mtu = int(l.conf.MTU)
	}
	l.ep.mtu.Store(uint32(mtu))
	l.drv = drv
	return nil
}

// MTU is the MTU the endpoint reports to the stack.
func (l *Link) MTU() uint32 { return l.ep.MTU() }

// Handlers returns the driver callbacks feeding this link.
func (l *Link) Handlers() gve.Handlers {
	return gve.Handlers{
		Deliver: l.Deliver,
		Wake:    l.Wake,
		Link: func(up bool) {
			l.log.WithField("up", up).Info("Link changed")
		},
	}
}

// Deliver injects a received frame into the stack and releases p.
func (l *Link) Deliver(queue int, p *pktbuf.Packet) {
	defer p.Release()
	if p.Len() < header.EthernetMinimumSize {
		l.rxDropped.Add(1)
		return
	}
	frame := p.Bytes()
	proto := header.Ethernet(frame).Type()
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame[header.EthernetMinimumSize:]),
	})
	pkt.RXChecksumValidated = p.CsumVerified
	pkt.Hash = p.Hash
	l.ep.InjectInbound(proto, pkt)
	pkt.DecRef()
	l.rxInjected.Add(1)
}

// Wake signals the pumps that a stopped queue has room again.
func (l *Link) Wake(int) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the endpoint into the bound driver until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	drv := l.drv
	if drv == nil {
		return ErrNotBound
	}
	g, ctx := errgroup.WithContext(ctx)
	for range l.conf.Pumps {
		g.Go(func() error { return l.pump(ctx, drv) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Link) pump(ctx context.Context, drv Driver) error {
	for {
		pkt := l.ep.ReadContext(ctx)
		if pkt == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		err := l.transmit(ctx, drv, pkt)
		pkt.DecRef()
		if err != nil {
			return err
		}
	}
}

// transmit frames pkt and sends it, waiting while the queue is stopped.
// Packets the driver rejects are dropped.
func (l *Link) transmit(ctx context.Context, drv Driver, pkt *stack.PacketBuffer) error {
	eth := make([]byte, header.EthernetMinimumSize)
	header.Ethernet(eth).Encode(&header.EthernetFields{
		SrcAddr: l.conf.LinkAddr,
		DstAddr: l.conf.Peer,
		Type:    pkt.NetworkProtocolNumber,
	})
	p := pktbuf.New(eth)
	for _, s := range pkt.AsSlices() {
		p.Append(s, pkt.IncRef())
	}
	p.Hash = pkt.Hash
	if err := l.offload(p, pkt.GSOOptions); err != nil {
		l.drop(p, err)
		return nil
	}

	q := drv.SelectQueue(pkt.Hash)
	for {
		err := drv.Xmit(q, p)
		switch {
		case err == nil:
			l.txSent.Add(1)
			return nil
		case errors.Is(err, tx.ErrDeferred):
			l.txDeferred.Add(1)
			if err := l.waitWake(ctx); err != nil {
				p.Release()
				return err
			}
		default:
			l.drop(p, err)
			return nil
		}
	}
}

// offload translates the stack's segmentation request. The stack marks
// every TCP packet of a GSO connection, SYNs and bare ACKs included, and
// leaves a partial checksum in them. Only packets with more than one
// segment of payload are segmented, the rest get checksum offload.
func (l *Link) offload(p *pktbuf.Packet, gso stack.GSO) error {
	var v6 bool
	switch gso.Type {
	case stack.GSOTCPv4:
	case stack.GSOTCPv6:
		v6 = true
	default:
		return nil
	}
	l4 := header.EthernetMinimumSize + int(gso.L3HdrLen)
	h := p.Header(l4 + header.TCPMinimumSize)
	if len(h) < l4+header.TCPMinimumSize {
		return fmt.Errorf("gso packet of %d bytes", p.Len())
	}
	o := pktbuf.Offload{
		L3Offset:    header.EthernetMinimumSize,
		L4Offset:    l4,
		L4HeaderLen: int(header.TCP(h[l4:]).DataOffset()),
		IPv6:        v6,
		CsumOffset:  int(gso.CsumOffset),
		NeedsCsum:   gso.NeedsCsum,
	}
	if gso.MSS > 0 && p.Len()-o.HeaderLen() > int(gso.MSS) {
		o.MSS = int(gso.MSS)
		l.txGSO.Add(1)
	}
	p.Offload = o
	return nil
}

func (l *Link) waitWake(ctx context.Context) error {
	t := time.NewTimer(l.conf.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.wake:
	case <-t.C:
	}
	return nil
}

func (l *Link) drop(p *pktbuf.Packet, err error) {
	l.txDropped.Add(1)
	l.log.WithError(err).WithField("len", p.Len()).Debug("Dropping packet")
	p.Release()
}

func (l *Link) Stats() Stats {
	return Stats{
		RxInjected: l.rxInjected.Load(),
		RxDropped:  l.rxDropped.Load(),
		TxSent:     l.txSent.Load(),
		TxDropped:  l.txDropped.Load(),
		TxDeferred: l.txDeferred.Load(),
		TxGSO:      l.txGSO.Load(),
	}
}

// Close stops the endpoint. Queued packets are dropped.
func (l *Link) Close() {
	l.ep.Close()
}
