//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
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

const ifaceName = "gve0"

type Config struct {
	Logging logging.Config `yaml:"logging"`
	Device  simnic.Config  `yaml:"device"`
	Driver  gve.Config     `yaml:"driver"`

	Traffic struct {
		Count uint64 `yaml:"count"`
		// Size is the frame size including the Ethernet header.
		Size  int    `yaml:"size"`
		Flows int    `yaml:"flows"`
		PPS   uint64 `yaml:"pps"`
		Batch uint64 `yaml:"batch"`
		// MSS > 0 sends TCP frames of Size bytes segmented by the device.
		MSS  int  `yaml:"mss"`
		IPv6 bool `yaml:"ipv6"`
	} `yaml:"traffic"`

	// StepInterval paces the simulated device.
	StepInterval time.Duration `yaml:"step-interval"`
	// Settle is how long to wait for frames still in flight at the end.
	Settle time.Duration `yaml:"settle"`

	Metrics struct {
		Listen string `yaml:"listen"`
		Path   string `yaml:"path"`
	} `yaml:"metrics"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fFormat := flag.String("f", "", "queue format (GQI-QPL, DQO-RDA, DQO-QPL)")
	fQueues := flag.Int("q", 0, "queue pairs")
	fCount := flag.Uint64("n", 0, "packet count")
	fSize := flag.Int("l", 0, "frame size")
	fFlows := flag.Int("flows", 0, "number of flows")
	fPPS := flag.Uint64("pps", 0, "packets per second (0 = unlimited)")
	fMSS := flag.Int("mss", 0, "send TSO frames segmented at mss")
	fV6 := flag.Bool("6", false, "send IPv6 frames")
	fLRO := flag.Bool("lro", false, "coalesce received TCP segments")
	fMetrics := flag.String("metrics", "", "serve prometheus metrics on this address")

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

	// Apply CLI overrides if necessary.
	if *fFormat != "" {
		f, err := desc.ParseQueueFormat(*fFormat)
		if err != nil {
			return nil, err
		}
		conf.Device.Format = f
	}
	if *fQueues != 0 {
		conf.Device.MaxQueues = *fQueues
		conf.Driver.NumTxQueues, conf.Driver.NumRxQueues = *fQueues, *fQueues
	}
	if *fCount != 0 {
		conf.Traffic.Count = *fCount
	}
	if *fSize != 0 {
		conf.Traffic.Size = *fSize
	}
	if *fFlows != 0 {
		conf.Traffic.Flows = *fFlows
	}
	if *fPPS != 0 {
		conf.Traffic.PPS = *fPPS
	}
	if *fMSS != 0 {
		conf.Traffic.MSS = *fMSS
	}
	if *fV6 {
		conf.Traffic.IPv6 = true
	}
	if *fLRO {
		conf.Driver.LRO = true
	}
	if *fMetrics != "" {
		conf.Metrics.Listen = *fMetrics
	}

	// Defaults

	conf.Device.Loopback = true
	if conf.Traffic.Count == 0 {
		conf.Traffic.Count = 100_000
	}
	if conf.Traffic.Size == 0 {
		conf.Traffic.Size = 1500
	}
	if conf.Traffic.Flows == 0 {
		conf.Traffic.Flows = 64
	}
	if conf.Traffic.Batch == 0 {
		conf.Traffic.Batch = 32
	}
	if conf.StepInterval == 0 {
		conf.StepInterval = 50 * time.Microsecond
	}
	if conf.Settle == 0 {
		conf.Settle = time.Second
	}
	if conf.Metrics.Path == "" {
		conf.Metrics.Path = "/metrics"
	}

	// Validate

	if err := conf.Device.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if err := conf.Driver.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	minSize := pktgen.NewFlow(0, conf.Traffic.IPv6).HeaderLen()
	if conf.Traffic.Size < minSize || conf.Traffic.Size > 1<<16-1 {
		return nil, fmt.Errorf("traffic.size must be between %d and 65535", minSize)
	}
	if conf.Traffic.MSS == 0 && conf.Traffic.Size > conf.Device.MaxMTU+14 {
		return nil, fmt.Errorf("traffic.size %d exceeds the device mtu without traffic.mss", conf.Traffic.Size)
	}
	if conf.Traffic.MSS < 0 || conf.Traffic.Flows < 0 {
		return nil, errors.New("traffic.mss and traffic.flows must not be negative")
	}

	return &conf, nil
}

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
	TxRetries   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

// frames builds one frame per flow, all of the configured size.
func frames(conf *Config) ([][]byte, []pktbuf.Offload, error) {
	out := make([][]byte, conf.Traffic.Flows)
	offloads := make([]pktbuf.Offload, conf.Traffic.Flows)
	for i := range out {
		f := pktgen.NewFlow(i, conf.Traffic.IPv6)
		var err error
		if conf.Traffic.MSS > 0 {
			out[i], err = f.TCP(1, pktgen.Payload(i, conf.Traffic.Size-f.HeaderLen()))
			offloads[i] = f.TCPOffload(conf.Traffic.MSS)
		} else {
			udpSize := f.HeaderLen() - 12 // UDP header is 12 bytes shorter than TCP's.
			out[i], err = f.UDP(pktgen.Payload(i, conf.Traffic.Size-udpSize))
			offloads[i] = f.UDPOffload()
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return out, offloads, nil
}

type sender struct {
	drv   *gve.Device
	stats *Stats
	wake  chan struct{}
	count uint64
	batch uint64

	frames   [][]byte
	offloads []pktbuf.Offload
}

// run transmits count frames on queue q, round robin over the flows.
func (s *sender) run(ctx context.Context, q int, count uint64, lim *ratelimit.Throttle) error {
	var i int
	for sent := uint64(0); sent < count; {
		n := min(s.batch, count-sent)
		if err := lim.ThrottleN(ctx, n); err != nil {
			return err
		}
		for range n {
			frame := s.frames[i%len(s.frames)]
			p := pktbuf.New(frame)
			p.Offload = s.offloads[i%len(s.frames)]
			p.OnDone(func() { s.stats.TxCompleted.Add(1) })
			for {
				err := s.drv.Xmit(q, p)
				if err == nil {
					break
				}
				if !errors.Is(err, tx.ErrDeferred) {
					return fmt.Errorf("xmit on queue %d: %w", q, err)
				}
				s.stats.TxRetries.Add(1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.wake:
				case <-time.After(time.Millisecond):
				}
			}
			s.stats.TxPackets.Add(1)
			s.stats.TxBytes.Add(uint64(len(frame)))
			i++
		}
		sent += n
	}
	return nil
}

func serveMetrics(log *logrus.Logger, conf *Config, drv *gve.Device) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(ifacestat.NewCollector("bench", map[string]ifacestat.Source{ifaceName: drv}))
	go func() {
		log.Infof("Prometheus stats listening on %s at %s", conf.Metrics.Listen, conf.Metrics.Path)
		mux := http.NewServeMux()
		mux.Handle(conf.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: log}))
		if err := http.ListenAndServe(conf.Metrics.Listen, mux); err != nil {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	fatalIf(conf.Logging.Apply(log), "configuring logging")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	dev, err := simnic.New(conf.Device, log)
	fatalIf(err, "creating device")
	defer dev.Close()

	var stats Stats
	wake := make(chan struct{}, 1)
	drv, err := gve.New(dev, conf.Driver, gve.Handlers{
		Deliver: func(_ int, p *pktbuf.Packet) {
			stats.RxPackets.Add(uint64(max(p.Segments, 1)))
			stats.RxBytes.Add(uint64(p.Len()))
			p.Release()
		},
		Wake: func(int) {
			select {
			case wake <- struct{}{}:
			default:
			}
		},
	}, log)
	fatalIf(err, "creating driver")
	defer drv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devDone := make(chan error, 1)
	go func() { devDone <- dev.Run(ctx, conf.StepInterval) }()

	fatalIf(drv.Up(ctx), "bringing up %s", ifaceName)
	info := drv.Info()
	ntx, nrx := drv.NumQueues()
	fmt.Fprintf(os.Stderr, "%s up: format=%s mac=%s mtu=%d tx=%d rx=%d\n",
		ifaceName, info.Format, info.MAC, info.MTU, ntx, nrx)

	if conf.Metrics.Listen != "" {
		serveMetrics(log, conf, drv)
	}

	ifaces := map[string]ifacestat.Source{ifaceName: drv}
	statsBefore := ifacestat.Snapshot(ifaces, ifacestat.Counters...)

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes uint64
		var lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			txPkts := stats.TxPackets.Load()
			rxPkts := stats.RxPackets.Load()
			txBytes := stats.TxBytes.Load()
			rxBytes := stats.RxBytes.Load()

			dTxPkts := txPkts - lastTxPkts
			dRxPkts := rxPkts - lastRxPkts
			dTxBytes := txBytes - lastTxBytes
			dRxBytes := rxBytes - lastRxBytes

			lastTxPkts = txPkts
			lastTxBytes = txBytes
			lastRxPkts = rxPkts
			lastRxBytes = rxBytes

			txPPS := uint64(float64(dTxPkts) / dt)
			rxPPS := uint64(float64(dRxPkts) / dt)
			txMbps := float64(dTxBytes*8) / 1e6 / dt
			rxMbps := float64(dRxBytes*8) / 1e6 / dt

			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
				txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
			)
		}
	}()

	fs, offloads, err := frames(conf)
	fatalIf(err, "building frames")
	s := &sender{
		drv: drv, stats: &stats, wake: wake,
		batch: conf.Traffic.Batch, frames: fs, offloads: offloads,
	}

	// Split the packets and the rate over the transmit queues.
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	per := conf.Traffic.Count / uint64(ntx)
	for q := range ntx {
		n := per
		if q == 0 {
			n += conf.Traffic.Count % uint64(ntx)
		}
		lim := ratelimit.New(conf.Traffic.PPS / uint64(ntx))
		g.Go(func() error { return s.run(gctx, q, n, lim) })
	}
	fatalIf(g.Wait(), "sending")

	for stats.TxCompleted.Load() < stats.TxPackets.Load() {
		time.Sleep(time.Millisecond)
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())

	{
		fmt.Fprintf(os.Stderr, "waiting up to %s for reception...\n", conf.Settle)
		deadline := time.Now().Add(conf.Settle)
		for stats.RxPackets.Load() < stats.TxPackets.Load() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	diff := ifacestat.Snapshot(ifaces, ifacestat.Counters...).Since(statsBefore)
	fatalIf(drv.Down(ctx), "bringing down %s", ifaceName)
	cancel()
	<-devDone

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()
	if conf.Traffic.MSS > 0 {
		// Every TSO frame leaves the device as several segments.
		txPackets = dev.Stats().TxPackets
	}

	drops := txPackets - min(rxPackets, txPackets)
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Format:            %s\n", info.Format)
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" TX Retries:        %d\n", stats.TxRetries.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
	p.Print("\nDRIVER COUNTERS\n")
	fatalIf(ifacestat.Print(os.Stdout, diff, map[string]string{ifaceName: info.Format.String()}), "printing counters")
}
