package ifacestat

import (
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports per-queue driver counters to Prometheus.
type Collector struct {
	ifaces map[string]Source

	up, linkUp, mtu             *prometheus.Desc
	resets, txTimeouts          *prometheus.Desc
	txOversize                  *prometheus.Desc
	txPackets, txBytes          *prometheus.Desc
	txDeferred, txKicks, txTSO  *prometheus.Desc
	rxPackets, rxBytes          *prometheus.Desc
	rxDropped, rxProtocolErrors *prometheus.Desc
	lroMerged, adminTimeouts    *prometheus.Desc
	adminCommands, adminFailed  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over the named interfaces.
func NewCollector(namespace string, ifaces map[string]Source) *Collector {
	iface := []string{"interface"}
	queue := []string{"interface", "queue"}
	opcode := []string{"interface", "opcode"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "gve", name), help, labels, nil)
	}
	return &Collector{
		ifaces: maps.Clone(ifaces),

		up:               desc("up", "Whether the interface is up.", iface),
		linkUp:           desc("link_up", "Whether the device reports link.", iface),
		mtu:              desc("mtu", "Negotiated MTU.", iface),
		resets:           desc("resets_total", "Device resets.", iface),
		txTimeouts:       desc("tx_timeouts_total", "Transmit queues found overdue.", iface),
		txOversize:       desc("tx_oversize_total", "Frames refused for exceeding the MTU.", iface),
		txPackets:        desc("tx_packets_total", "Transmitted packets.", queue),
		txBytes:          desc("tx_bytes_total", "Transmitted bytes.", queue),
		txDeferred:       desc("tx_deferred_total", "Transmissions deferred for lack of resources.", queue),
		txKicks:          desc("tx_kicks_total", "Doorbell kicks by the timeout service.", queue),
		txTSO:            desc("tx_tso_total", "Segmentation offload packets.", queue),
		rxPackets:        desc("rx_packets_total", "Received packets.", queue),
		rxBytes:          desc("rx_bytes_total", "Received bytes.", queue),
		rxDropped:        desc("rx_dropped_total", "Dropped receive completions.", queue),
		rxProtocolErrors: desc("rx_protocol_errors_total", "Malformed receive completions.", queue),
		lroMerged:        desc("lro_merged_total", "Segments merged by receive coalescing.", iface),
		adminTimeouts:    desc("admin_timeouts_total", "Admin queue flushes the device never completed.", iface),
		adminCommands:    desc("admin_commands_total", "Issued admin queue commands.", opcode),
		adminFailed:      desc("admin_failed_total", "Admin queue commands the device failed.", opcode),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.linkUp, c.mtu, c.resets, c.txTimeouts, c.txOversize,
		c.txPackets, c.txBytes, c.txDeferred, c.txKicks, c.txTSO,
		c.rxPackets, c.rxBytes, c.rxDropped, c.rxProtocolErrors,
		c.lroMerged, c.adminTimeouts, c.adminCommands, c.adminFailed,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, name := range slices.Sorted(maps.Keys(c.ifaces)) {
		st := c.ifaces[name].Stats()
		gauge(c.up, boolFloat(st.Up), name)
		gauge(c.linkUp, boolFloat(st.LinkUp), name)
		gauge(c.mtu, float64(st.MTU), name)
		counter(c.resets, st.Resets, name)
		counter(c.txTimeouts, st.TxTimeouts, name)
		counter(c.txOversize, st.TxOversize, name)
		counter(c.lroMerged, st.LRO.Merged, name)
		counter(c.adminTimeouts, st.AdminQueue.Timeouts, name)
		for op, n := range st.AdminQueue.Issued {
			counter(c.adminCommands, n, name, op.String())
		}
		for op, n := range st.AdminQueue.Failed {
			counter(c.adminFailed, n, name, op.String())
		}

		for i, q := range st.Tx {
			id := fmt.Sprint(i)
			counter(c.txPackets, q.Packets, name, id)
			counter(c.txBytes, q.Bytes, name, id)
			counter(c.txDeferred, q.DeferredNoDescs+q.DeferredNoBufs+q.DeferredNoTags, name, id)
			counter(c.txKicks, q.Kicks, name, id)
			counter(c.txTSO, q.TSO, name, id)
		}
		for i, q := range st.Rx {
			id := fmt.Sprint(i)
			counter(c.rxPackets, q.Packets, name, id)
			counter(c.rxBytes, q.Bytes, name, id)
			counter(c.rxDropped, q.Dropped, name, id)
			counter(c.rxProtocolErrors, q.ProtocolErrors, name, id)
		}
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
