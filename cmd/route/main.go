//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/gve"
	"github.com/romshark/gvnic/ifacestat"
	"github.com/romshark/gvnic/logging"
	"github.com/romshark/gvnic/pktbuf"
	"github.com/romshark/gvnic/pktgen"
	"github.com/romshark/gvnic/ratelimit"
	"github.com/romshark/gvnic/simnic"
	"github.com/romshark/gvnic/tx"
)

// Topology, every link a pair of simulated gVNICs wired back to back:
//
// sender  <->  router.port1
// router.port2 <->  receiver

var macs = map[string]net.HardwareAddr{
	"sender":   {0x42, 0x01, 0x0a, 0x00, 0x01, 0x01},
	"router1":  {0x42, 0x01, 0x0a, 0x00, 0x01, 0xfe},
	"router2":  {0x42, 0x01, 0x0a, 0x00, 0x02, 0xfe},
	"receiver": {0x42, 0x01, 0x0a, 0x00, 0x02, 0x02},
}

type Config struct {
	Logging logging.Config `yaml:"logging"`
	Device  simnic.Config  `yaml:"device"`
	Driver  gve.Config     `yaml:"driver"`

	Sender struct {
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		SrcPort uint16 `yaml:"src-port"`
		DstPort uint16 `yaml:"dst-port"`
		RatePPS uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	// MTU is the IP size of sent packets, the ports' MTU when 0.
	MTU   int    `yaml:"mtu"`
	Count uint64 `yaml:"count"`
	// Test verifies that every packet arrives in order and intact.
	Test bool `yaml:"test"`

	StepInterval time.Duration `yaml:"step-interval"`
	Settle       time.Duration `yaml:"settle"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fFormat := flag.String("f", "", "queue format of all ports")
	fRate := flag.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
	fMTU := flag.Int("l", 0, "IP packet size override (0 = port MTU)")
	fTest := flag.Bool("test", false, "enable test mode (override)")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fFormat != "" {
		f, err := desc.ParseQueueFormat(*fFormat)
		if err != nil {
			return nil, err
		}
		conf.Device.Format = f
	}
	if *fRate >= 0 {
		conf.Sender.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMTU != 0 {
		conf.MTU = *fMTU
	}
	if *fTest {
		conf.Test = true
	}
	return &conf, conf.validateAndSetDefaults()
}

func (c *Config) validateAndSetDefaults() error {
	if c.Sender.SrcIP == "" {
		c.Sender.SrcIP = "10.0.1.1"
	}
	if c.Sender.DstIP == "" {
		c.Sender.DstIP = "10.0.2.2"
	}
	if c.Sender.SrcPort == 0 {
		c.Sender.SrcPort = 10000
	}
	if c.Sender.DstPort == 0 {
		c.Sender.DstPort = 5201
	}
	if c.Count == 0 {
		c.Count = 100_000
	}
	if c.StepInterval == 0 {
		c.StepInterval = 50 * time.Microsecond
	}
	if c.Settle == 0 {
		c.Settle = time.Second
	}
	// Coalesced frames would exceed the mtu of the output port.
	c.Driver.LRO = false
	c.Device.Loopback = false

	if ip := net.ParseIP(c.Sender.SrcIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid sender.src-ip %q", c.Sender.SrcIP)
	}
	if ip := net.ParseIP(c.Sender.DstIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid sender.dst-ip %q", c.Sender.DstIP)
	}
	if c.MTU != 0 && c.MTU < minMTU {
		return fmt.Errorf("mtu %d below %d", c.MTU, minMTU)
	}
	if err := c.Device.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	return c.Driver.ValidateAndSetDefaults()
}

// minMTU leaves room for the sequence number after the UDP header.
const minMTU = ipHdrMin + udpHdrLen + 4

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxBytes     atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

type TestResult struct {
	Received atomic.Uint64
	Errors   atomic.Uint64
}

// port is one simulated gVNIC with its driver.
type port struct {
	name string
	mac  net.HardwareAddr
	dev  *simnic.Device
	drv  *gve.Device
}

func openPort(ctx context.Context, name string, conf *Config, h gve.Handlers, log *logrus.Logger) (*port, error) {
	dc := conf.Device
	dc.MAC = macs[name]
	dev, err := simnic.New(dc, log.WithField("port", name))
	if err != nil {
		return nil, fmt.Errorf("%s device: %w", name, err)
	}
	drv, err := gve.New(dev, conf.Driver, h, log.WithField("port", name))
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("%s driver: %w", name, err)
	}
	if err := drv.Up(ctx); err != nil {
		_ = drv.Close()
		_ = dev.Close()
		return nil, fmt.Errorf("%s up: %w", name, err)
	}
	return &port{name: name, mac: dc.MAC, dev: dev, drv: drv}, nil
}

func (p *port) close() {
	_ = p.drv.Close()
	_ = p.dev.Close()
}

// wire connects two ports back to back.
func wire(a, b *port) {
	a.dev.SetTransmitHandler(func(f []byte) { b.dev.Inject(f) })
	b.dev.SetTransmitHandler(func(f []byte) { a.dev.Inject(f) })
}

// Result is the outcome of one run.
type Result struct {
	Stats     *Stats
	Test      *TestResult
	MTU       int
	Forwarded uint64
	Deferred  uint64
	Dropped   uint64
	Counters  ifacestat.Stats
}

// receiver counts what arrives at the last port and, in test mode,
// checks that the sequence numbers written by the sender arrive in order.
type receiver struct {
	conf    *Config
	stats   *Stats
	result  *TestResult
	srcMAC  net.HardwareAddr
	dstMAC  net.HardwareAddr
	nextSeq uint64
	log     logrus.FieldLogger
}

func (r *receiver) deliver(_ int, p *pktbuf.Packet) {
	defer p.Release()
	r.stats.RxPackets.Add(1)
	r.stats.RxBytes.Add(uint64(p.Len()))
	if !r.conf.Test {
		return
	}
	const hdrLen = ethHdrLen + ipHdrMin + udpHdrLen
	buf := p.Header(hdrLen + 4)
	if len(buf) < hdrLen+4 ||
		!bytes.Equal(buf[0:6], r.dstMAC) || !bytes.Equal(buf[6:12], r.srcMAC) {
		r.result.Errors.Add(1)
		r.log.Error("TEST ERROR: unexpected frame")
		return
	}
	// Only the sender's queue feeds this port, so order is preserved.
	seq := uint64(binary.BigEndian.Uint32(buf[hdrLen:]))
	if seq != r.nextSeq {
		r.result.Errors.Add(1)
		r.log.Errorf("TEST ERROR: out-of-order seq: got %d want %d", seq, r.nextSeq)
	}
	r.nextSeq = seq + 1
	r.result.Received.Add(1)
}

// send transmits conf.Count datagrams of mtu bytes of one flow with
// increasing sequence numbers in the first payload bytes.
func send(ctx context.Context, conf *Config, mtu int, s *port, dst net.HardwareAddr, stats *Stats, wake <-chan struct{}) error {
	f := pktgen.NewFlow(0, false)
	f.SrcMAC, f.DstMAC = s.mac, dst
	f.SrcIP = net.ParseIP(conf.Sender.SrcIP).To4()
	f.DstIP = net.ParseIP(conf.Sender.DstIP).To4()
	f.SrcPort, f.DstPort = conf.Sender.SrcPort, conf.Sender.DstPort

	const hdrLen = ethHdrLen + ipHdrMin + udpHdrLen
	template, err := f.UDP(pktgen.Payload(0, mtu-ipHdrMin-udpHdrLen))
	if err != nil {
		return err
	}
	offload := f.UDPOffload()
	limiter := ratelimit.New(conf.Sender.RatePPS)

	start := time.Now()
	for seq := range conf.Count {
		if err := limiter.ThrottleN(ctx, 1); err != nil {
			return err
		}
		frame := bytes.Clone(template)
		binary.BigEndian.PutUint32(frame[hdrLen:], uint32(seq))
		p := pktbuf.New(frame)
		p.Offload = offload
		p.OnDone(func() { stats.TxCompleted.Add(1) })
		for {
			err := s.drv.Xmit(0, p)
			if err == nil {
				break
			}
			if !errors.Is(err, tx.ErrDeferred) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			case <-time.After(time.Millisecond):
			}
		}
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(len(frame)))
	}
	for stats.TxCompleted.Load() < stats.TxPackets.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

// run builds the topology, sends conf.Count packets through the router and
// tears everything down again.
func run(ctx context.Context, conf *Config, log *logrus.Logger) (*Result, error) {
	res := &Result{Stats: &Stats{}, Test: &TestResult{}}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt := newRouter(runCtx.Done())
	recv := &receiver{
		conf: conf, stats: res.Stats, result: res.Test,
		srcMAC: macs["router2"], dstMAC: macs["receiver"],
		log: log,
	}
	wake := make(chan struct{}, 1)

	ports := make(map[string]*port, 4)
	defer func() {
		for _, p := range ports {
			p.close()
		}
	}()
	for _, o := range []struct {
		name string
		h    gve.Handlers
	}{
		{"sender", gve.Handlers{Wake: func(int) {
			select {
			case wake <- struct{}{}:
			default:
			}
		}}},
		{"router1", gve.Handlers{Deliver: rt.forward, Wake: rt.wakeHandler(0)}},
		{"router2", gve.Handlers{Deliver: rt.forward, Wake: rt.wakeHandler(1)}},
		{"receiver", gve.Handlers{Deliver: recv.deliver}},
	} {
		p, err := openPort(ctx, o.name, conf, o.h, log)
		if err != nil {
			return nil, err
		}
		ports[o.name] = p
	}
	for i, name := range []string{"router1", "router2"} {
		rt.hops[i].out = ports[name].drv
		rt.hops[i].mac = macs[name]
	}
	rt.hops[0].neighbor, rt.hops[1].neighbor = macs["sender"], macs["receiver"]

	// Frames must fit every port on the path.
	mtu := conf.MTU
	for name, p := range ports {
		if m := p.drv.MTU(); mtu == 0 || mtu > m {
			if conf.MTU != 0 {
				return nil, fmt.Errorf("mtu %d above the %d of port %s", conf.MTU, m, name)
			}
			mtu = m
		}
	}
	res.MTU = mtu
	wire(ports["sender"], ports["router1"])
	wire(ports["router2"], ports["receiver"])

	ifaces := make(map[string]ifacestat.Source, len(ports))
	for name, p := range ports {
		ifaces[name] = p.drv
	}
	before := ifacestat.Snapshot(ifaces, ifacestat.Counters...)

	devsDone := make(chan struct{})
	go func() {
		defer close(devsDone)
		t := time.NewTicker(conf.StepInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
			}
			// Step all ports in one loop so frames cross a wire within
			// a round.
			for moved := 1; moved > 0; {
				moved = 0
				for _, p := range ports {
					moved += p.dev.Step()
				}
			}
		}
	}()

	err := send(runCtx, conf, mtu, ports["sender"], macs["router1"], res.Stats, wake)
	if err == nil {
		deadline := time.Now().Add(conf.Settle)
		for res.Stats.RxPackets.Load() < conf.Count && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-devsDone

	res.Forwarded = rt.forwarded.Load()
	res.Deferred = rt.deferred.Load()
	res.Dropped = rt.dropped.Load() + rt.failed.Load()
	res.Counters = ifacestat.Snapshot(ifaces, ifacestat.Counters...).Since(before)
	return res, err
}

func printFinalReport(w io.Writer, res *Result) {
	s := res.Stats
	txPackets := s.TxPackets.Load()
	rxPackets := s.RxPackets.Load()
	txBytes := s.TxBytes.Load()
	rxBytes := s.RxBytes.Load()

	drops := txPackets - min(rxPackets, txPackets)
	elapsed := max(float64(s.Elapsed.Load())/1e9, 1e-9)

	p := message.NewPrinter(language.English)
	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " TX:                %d packets\n", txPackets)
	p.Fprintf(w, " RX:                %d packets\n", rxPackets)
	p.Fprintf(w, " MTU:               %d\n", res.MTU)
	p.Fprintf(w, " Forwarded:         %d packets\n", res.Forwarded)
	p.Fprintf(w, " Router deferrals:  %d\n", res.Deferred)
	p.Fprintf(w, " TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Fprintf(w, " TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Fprintf(w, " Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(max(txPackets, 1))*100)
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	fatalIf(conf.Logging.Apply(log), "configuring logging")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	res, err := run(context.Background(), conf, log)
	fatalIf(err, "running")

	printFinalReport(os.Stdout, res)

	fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
	err = ifacestat.Print(os.Stderr, res.Counters, nil)
	fatalIf(err, "printing interface stats diff")
	fmt.Fprintln(os.Stderr)

	if conf.Test {
		if n := res.Test.Errors.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "TEST FAILED: %d errors\n", n)
			os.Exit(1)
		}
		if received := res.Test.Received.Load(); received != conf.Count {
			fmt.Fprintf(os.Stderr, "TEST FAILED: received %d of %d\n", received, conf.Count)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "TEST PASSED: received all %d packets in order\n", conf.Count)
	}
}
