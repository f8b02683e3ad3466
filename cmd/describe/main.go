//go:build linux

// Command describe runs the describe-device handshake against a simulated
// gVNIC and prints what the driver would negotiate.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/logging"
	"github.com/romshark/gvnic/simnic"
)

type Config struct {
	Logging    logging.Config `yaml:"logging"`
	Device     simnic.Config  `yaml:"device"`
	AdminQueue adminq.Config  `yaml:"admin-queue"`
	Output     string         `yaml:"output"`
	Timeout    time.Duration  `yaml:"timeout"`
}

// Report is what describe prints.
type Report struct {
	Format             string `yaml:"format"`
	MAC                string `yaml:"mac"`
	MTU                int    `yaml:"mtu"`
	MaxMTU             int    `yaml:"max-mtu"`
	LinkSpeedMbps      uint64 `yaml:"link-speed-mbps"`
	DefaultQueues      int    `yaml:"default-queues"`
	MaxQueuePairs      uint32 `yaml:"max-queue-pairs"`
	EventCounters      int    `yaml:"event-counters"`
	MaxRegisteredPages uint64 `yaml:"max-registered-pages"`
	RxPagesPerQPL      int    `yaml:"rx-pages-per-qpl"`

	TxRing Ring `yaml:"tx-ring"`
	RxRing Ring `yaml:"rx-ring"`

	TxCompRingEntries int `yaml:"tx-completion-ring-entries,omitempty"`
	RxBuffRingEntries int `yaml:"rx-buffer-ring-entries,omitempty"`

	// Ptypes counts the packet types per L4 protocol, DQO only.
	Ptypes map[string]int `yaml:"ptypes,omitempty"`
}

type Ring struct {
	Default int `yaml:"default"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fFormat := flag.String("f", "", "advertised queue format (GQI-QPL, DQO-RDA, DQO-QPL)")
	fModify := flag.Bool("modify-ring", false, "advertise ring size bounds")
	fMaxMTU := flag.Int("max-mtu", 0, "advertise jumbo frames up to this mtu")
	fOutput := flag.String("o", "", "output format (text, yaml)")

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
	if *fModify {
		conf.Device.ModifyRing = true
	}
	if *fMaxMTU != 0 {
		conf.Device.MaxMTU = *fMaxMTU
	}
	if *fOutput != "" {
		conf.Output = *fOutput
	}
	if conf.Output == "" {
		conf.Output = "text"
	}
	if conf.Timeout == 0 {
		conf.Timeout = 5 * time.Second
	}

	if conf.Output != "text" && conf.Output != "yaml" {
		return nil, fmt.Errorf("unsupported output %q", conf.Output)
	}
	if err := conf.Device.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if err := conf.AdminQueue.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("admin-queue: %w", err)
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// describe negotiates with dev the way bring-up does, without configuring
// any resources.
func describe(ctx context.Context, dev *simnic.Device, conf adminq.Config, log logrus.FieldLogger) (*Report, error) {
	aq, err := adminq.New(dev.BAR0(), dev.DMA(), conf, log, nil)
	if err != nil {
		return nil, err
	}
	if err := aq.Alloc(); err != nil {
		return nil, err
	}
	defer func() {
		if err := aq.Release(ctx); err != nil {
			log.WithError(err).Warn("Releasing admin queue")
		}
	}()

	info, err := aq.DescribeDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("describing device: %w", err)
	}
	speed, err := aq.ReportLinkSpeed(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading link speed: %w", err)
	}
	r := &Report{
		Format:             info.Format.String(),
		MAC:                info.MAC.String(),
		MTU:                info.MTU,
		MaxMTU:             info.MaxMTU,
		LinkSpeedMbps:      speed,
		DefaultQueues:      info.DefaultNumQueues,
		MaxQueuePairs:      dev.BAR0().ReadBE32(desc.RegMaxQueuePairs),
		EventCounters:      info.NumEventCounters,
		MaxRegisteredPages: info.MaxRegisteredPages,
		RxPagesPerQPL:      info.RxPagesPerQPL,
		TxRing:             Ring{info.TxDescCount, info.MinTxDescCount, info.MaxTxDescCount},
		RxRing:             Ring{info.RxDescCount, info.MinRxDescCount, info.MaxRxDescCount},
		TxCompRingEntries:  info.TxCompRingEntries,
		RxBuffRingEntries:  info.RxBuffRingEntries,
	}
	if info.Format.IsDQO() {
		m, err := aq.GetPtypeMap(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading ptype map: %w", err)
		}
		r.Ptypes = make(map[string]int)
		for _, p := range m {
			if p.L4 != desc.L4Unknown {
				r.Ptypes[p.L4.String()]++
			}
		}
	}
	return r, nil
}

func printText(w io.Writer, r *Report) {
	fmt.Fprintf(w, "format:          %s\n", r.Format)
	fmt.Fprintf(w, "mac:             %s\n", r.MAC)
	fmt.Fprintf(w, "mtu:             %d (max %d)\n", r.MTU, r.MaxMTU)
	fmt.Fprintf(w, "link speed:      %s\n", humanize.SI(float64(r.LinkSpeedMbps)*1e6, "bit/s"))
	fmt.Fprintf(w, "queues:          %d default, %d max\n", r.DefaultQueues, r.MaxQueuePairs)
	fmt.Fprintf(w, "event counters:  %d\n", r.EventCounters)
	fmt.Fprintf(w, "page budget:     %s pages (%s)\n",
		humanize.Comma(int64(r.MaxRegisteredPages)),
		humanize.IBytes(r.MaxRegisteredPages*desc.PageSize))
	fmt.Fprintf(w, "tx ring:         %d [%d, %d]\n", r.TxRing.Default, r.TxRing.Min, r.TxRing.Max)
	fmt.Fprintf(w, "rx ring:         %d [%d, %d]\n", r.RxRing.Default, r.RxRing.Min, r.RxRing.Max)
	if r.TxCompRingEntries > 0 {
		fmt.Fprintf(w, "tx completions:  %d\n", r.TxCompRingEntries)
		fmt.Fprintf(w, "rx buffers:      %d\n", r.RxBuffRingEntries)
	}
	for l4, n := range r.Ptypes {
		fmt.Fprintf(w, "ptypes %-8s %d\n", l4+":", n)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	fatalIf(conf.Logging.Apply(log), "configuring logging")

	dev, err := simnic.New(conf.Device, log)
	fatalIf(err, "creating device")
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
	defer cancel()

	r, err := describe(ctx, dev, conf.AdminQueue, log)
	fatalIf(err, "describe")

	switch conf.Output {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		fatalIf(enc.Encode(r), "encoding report")
		fatalIf(enc.Close(), "encoding report")
	default:
		printText(os.Stdout, r)
	}
}
