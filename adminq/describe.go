package adminq

import (
	"context"
	"fmt"
	"math/bits"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
)

// DeviceInfo is the outcome of the describe-device handshake.
type DeviceInfo struct {
	Format desc.QueueFormat
	MAC    net.HardwareAddr

	MaxRegisteredPages uint64
	DefaultNumQueues   int
	NumEventCounters   int
	RxPagesPerQPL      int

	// Default ring sizes.
	TxDescCount int
	RxDescCount int

	// Ring size bounds. Without the modify-ring option both equal the
	// defaults.
	MinTxDescCount int
	MaxTxDescCount int
	MinRxDescCount int
	MaxRxDescCount int

	MTU    int
	MaxMTU int

	// Only set for DQO-QPL; zero means the ring sizes above apply.
	TxCompRingEntries int
	RxBuffRingEntries int
}

// DescribeDevice asks the device for its descriptor and negotiates the queue
// format from the options it advertises.
func (q *AdminQueue) DescribeDevice(ctx context.Context) (*DeviceInfo, error) {
	r, err := q.dma.Alloc(desc.PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating device descriptor: %w", err)
	}
	defer func() {
		if err := q.dma.Free(r); err != nil {
			q.log.WithError(err).Warn("Freeing device descriptor")
		}
	}()

	err = q.Execute(ctx, &desc.DescribeDevice{
		DescriptorAddr:  r.Bus,
		Version:         desc.DeviceDescriptorVersion,
		AvailableLength: desc.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("describing device: %w", err)
	}
	r.Sync(dma.SyncForCPU)

	info, err := ParseDeviceDescriptor(r.Mem, q.log)
	if err != nil {
		return nil, err
	}
	q.log.WithFields(logrus.Fields{
		"format": info.Format,
		"mac":    info.MAC,
		"mtu":    info.MTU,
		"tx":     info.TxDescCount,
		"rx":     info.RxDescCount,
		"pages":  info.MaxRegisteredPages,
	}).Info("Device described")
	return info, nil
}

// deviceOptions collects the options accepted while walking the list.
type deviceOptions struct {
	gqiQPL     *desc.OptionGQIQPL
	dqoRDA     *desc.OptionDQORDA
	dqoQPL     *desc.OptionDQOQPL
	modifyRing *desc.OptionModifyRing
	jumbo      *desc.OptionJumboFrames
}

// ParseDeviceDescriptor decodes a describe-device response. Options are
// bounds-checked against the declared total length, which itself must fit
// in b. Options with an unexpected feature mask or a short payload are
// ignored.
func ParseDeviceDescriptor(b []byte, log logrus.FieldLogger) (*DeviceInfo, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var d desc.DeviceDescriptor
	if err := d.Decode(b); err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrInvalid, err)
	}
	end := int(d.TotalLength)
	if end > len(b) {
		return nil, fmt.Errorf("%w: device descriptor length %d exceeds buffer of %d bytes",
			ErrInvalid, end, len(b))
	}
	if end < desc.DeviceDescriptorSize {
		return nil, fmt.Errorf("%w: device descriptor length %d below header size",
			ErrInvalid, end)
	}

	var opts deviceOptions
	off := desc.DeviceDescriptorSize
	for i := range int(d.NumDeviceOptions) {
		if off+desc.DeviceOptionHeaderSize > end {
			return nil, fmt.Errorf("%w: device option %d header exceeds descriptor",
				ErrInvalid, i)
		}
		var o desc.DeviceOption
		o.Decode(b[off:])
		body := off + desc.DeviceOptionHeaderSize
		if body+int(o.Length) > end {
			return nil, fmt.Errorf("%w: device option %d (id %d, %d bytes) exceeds descriptor",
				ErrInvalid, i, o.ID, o.Length)
		}
		opts.parse(&o, b[body:body+int(o.Length)], log)
		off = body + int(o.Length)
	}

	info := &DeviceInfo{
		MAC:                net.HardwareAddr(append([]byte(nil), d.MAC[:]...)),
		MaxRegisteredPages: d.MaxRegisteredPages,
		DefaultNumQueues:   int(d.DefaultNumQueues),
		NumEventCounters:   int(d.Counters),
		RxPagesPerQPL:      int(d.RxPagesPerQPL),
		TxDescCount:        int(d.TxQueueEntries),
		RxDescCount:        int(d.RxQueueEntries),
		MTU:                int(d.MTU),
		MaxMTU:             int(d.MTU),
	}
	if err := opts.apply(info); err != nil {
		return nil, err
	}
	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// accept reports whether an option can be used. Longer payloads than
// expected are accepted since newer devices may append fields.
func accept(log logrus.FieldLogger, o *desc.DeviceOption, name string, size int, mask uint32) bool {
	l := log.WithFields(logrus.Fields{
		"option":   name,
		"length":   o.Length,
		"features": fmt.Sprintf("%#x", o.RequiredFeaturesMask),
	})
	if int(o.Length) < size || o.RequiredFeaturesMask != mask {
		l.Warnf("Device option length or required features mismatch "+
			"(expected %d bytes, features %#x), ignoring", size, mask)
		return false
	}
	if int(o.Length) > size {
		l.Warnf("Device option longer than expected %d bytes", size)
	}
	return true
}

func (p *deviceOptions) parse(o *desc.DeviceOption, body []byte, log logrus.FieldLogger) {
	switch o.ID {
	case desc.OptGQIQPL:
		if accept(log, o, "gqi-qpl", desc.OptGQIQPLSize, desc.ReqFeatMaskGQIQPL) {
			p.gqiQPL = new(desc.OptionGQIQPL)
			p.gqiQPL.Decode(body)
		}
	case desc.OptDQORDA:
		if accept(log, o, "dqo-rda", desc.OptDQORDASize, desc.ReqFeatMaskDQORDA) {
			p.dqoRDA = new(desc.OptionDQORDA)
			p.dqoRDA.Decode(body)
		}
	case desc.OptDQOQPL:
		if accept(log, o, "dqo-qpl", desc.OptDQOQPLSize, desc.ReqFeatMaskDQOQPL) {
			p.dqoQPL = new(desc.OptionDQOQPL)
			p.dqoQPL.Decode(body)
		}
	case desc.OptModifyRing:
		if accept(log, o, "modify-ring", desc.OptModifyRingSize, desc.ReqFeatMaskModifyRing) {
			p.modifyRing = new(desc.OptionModifyRing)
			p.modifyRing.Decode(body)
		}
	case desc.OptJumboFrames:
		if accept(log, o, "jumbo-frames", desc.OptJumboFramesSize, desc.ReqFeatMaskJumboFrames) {
			p.jumbo = new(desc.OptionJumboFrames)
			p.jumbo.Decode(body)
		}
	case desc.OptGQIRawAddressing, desc.OptGQIRDA:
		log.WithField("id", o.ID).Debug("Ignoring raw addressing GQI option")
	default:
		log.WithField("id", o.ID).Debug("Unrecognized device option")
	}
}

func (p *deviceOptions) apply(info *DeviceInfo) error {
	switch {
	case p.dqoRDA != nil:
		info.Format = desc.QueueFormatDQORDA
	case p.dqoQPL != nil:
		info.Format = desc.QueueFormatDQOQPL
		info.TxCompRingEntries = int(p.dqoQPL.TxCompRingEntries)
		info.RxBuffRingEntries = int(p.dqoQPL.RxBuffRingEntries)
	case p.gqiQPL != nil:
		info.Format = desc.QueueFormatGQIQPL
	default:
		return fmt.Errorf("%w: device advertises no compatible queue format", ErrUnsupported)
	}

	info.MinTxDescCount, info.MaxTxDescCount = info.TxDescCount, info.TxDescCount
	info.MinRxDescCount, info.MaxRxDescCount = info.RxDescCount, info.RxDescCount
	if m := p.modifyRing; m != nil {
		info.MinTxDescCount = int(m.MinTxRingSize)
		info.MaxTxDescCount = int(m.MaxTxRingSize)
		info.MinRxDescCount = int(m.MinRxRingSize)
		info.MaxRxDescCount = int(m.MaxRxRingSize)
	}
	if p.jumbo != nil && int(p.jumbo.MaxMTU) > info.MTU {
		info.MaxMTU = int(p.jumbo.MaxMTU)
	}
	return nil
}

func (info *DeviceInfo) validate() error {
	for _, c := range []struct {
		name string
		n    int
	}{
		{"tx queue entries", info.TxDescCount},
		{"rx queue entries", info.RxDescCount},
	} {
		if c.n == 0 || bits.OnesCount(uint(c.n)) != 1 {
			return fmt.Errorf("%w: %s %d not a power of two", ErrInvalid, c.name, c.n)
		}
	}
	if info.MinTxDescCount > info.TxDescCount || info.TxDescCount > info.MaxTxDescCount ||
		info.MinRxDescCount > info.RxDescCount || info.RxDescCount > info.MaxRxDescCount {
		return fmt.Errorf("%w: default ring sizes outside advertised bounds", ErrInvalid)
	}
	if info.Format == desc.QueueFormatGQIQPL && info.RxDescCount != info.RxPagesPerQPL {
		return fmt.Errorf("%w: rx ring of %d entries needs %d pages per qpl, device offers %d",
			ErrInvalid, info.RxDescCount, info.RxDescCount, info.RxPagesPerQPL)
	}
	if info.MTU == 0 {
		return fmt.Errorf("%w: device reports zero mtu", ErrInvalid)
	}
	return nil
}
