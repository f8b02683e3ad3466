package ifacestat_test

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/gve"
	"github.com/romshark/gvnic/ifacestat"
	"github.com/romshark/gvnic/lro"
	"github.com/romshark/gvnic/rx"
	"github.com/romshark/gvnic/tx"
)

type fixed gve.Stats

func (f *fixed) Stats() gve.Stats { return gve.Stats(*f) }

func sample() *fixed {
	return &fixed{
		Up:     true,
		LinkUp: true,
		MTU:    1460,
		Tx: []tx.Stats{
			{Packets: 10, Bytes: 1000, DeferredNoDescs: 1},
			{Packets: 5, Bytes: 2000, DeferredNoTags: 2, Kicks: 1},
		},
		Rx: []rx.Stats{
			{Packets: 7, Bytes: 700, Dropped: 1},
		},
		LRO:        lro.Stats{Merged: 3},
		AdminQueue: adminq.Stats{Issued: map[desc.Opcode]uint64{desc.OpCreateTxQueue: 2}},
		Resets:     1,
		TxOversize: 4,
	}
}

func TestSnapshotSince(t *testing.T) {
	src := sample()
	ifaces := map[string]ifacestat.Source{"gve0": src}

	before := ifacestat.Snapshot(ifaces, ifacestat.Counters...)
	assert.Equal(t, uint64(15), before["gve0"][ifacestat.TxPackets])
	assert.Equal(t, uint64(3000), before["gve0"][ifacestat.TxBytes])
	assert.Equal(t, uint64(3), before["gve0"][ifacestat.TxDeferred])
	assert.Equal(t, uint64(7), before["gve0"][ifacestat.RxPackets])
	assert.Equal(t, uint64(1), before["gve0"][ifacestat.RxDropped])
	assert.Equal(t, uint64(3), before["gve0"][ifacestat.LROMerged])

	src.Tx[0].Packets += 100
	src.Rx[0].Bytes += 50
	diff := ifacestat.Snapshot(ifaces, ifacestat.Counters...).Since(before)
	assert.Equal(t, uint64(100), diff["gve0"][ifacestat.TxPackets])
	assert.Equal(t, uint64(50), diff["gve0"][ifacestat.RxBytes])
	assert.Zero(t, diff["gve0"][ifacestat.Resets])
}

func TestValuesOnlyRequested(t *testing.T) {
	v := ifacestat.Values(gve.Stats(*sample()), ifacestat.RxPackets)
	assert.Len(t, v, 1)
	assert.Equal(t, uint64(7), v[ifacestat.RxPackets])
}

func TestPrint(t *testing.T) {
	s := ifacestat.Snapshot(map[string]ifacestat.Source{"gve0": sample()}, ifacestat.Counters...)
	var b bytes.Buffer
	require.NoError(t, ifacestat.Print(&b, s, map[string]string{"gve0": "sim"}))
	out := b.String()
	assert.Contains(t, out, "gve0 (sim):")
	assert.Contains(t, out, "3.0 kB")
	assert.Contains(t, out, "rx_dropped")
	assert.NotContains(t, out, "rx_protocol_errors")
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(ifacestat.NewCollector("test", map[string]ifacestat.Source{"gve0": sample()}))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				if l.GetName() != "interface" {
					key += "/" + l.GetValue()
				}
			}
			if c := m.GetCounter(); c != nil {
				values[key] = c.GetValue()
			} else {
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["test_gve_up"])
	assert.Equal(t, float64(1460), values["test_gve_mtu"])
	assert.Equal(t, float64(10), values["test_gve_tx_packets_total/0"])
	assert.Equal(t, float64(2000), values["test_gve_tx_bytes_total/1"])
	assert.Equal(t, float64(2), values["test_gve_tx_deferred_total/1"])
	assert.Equal(t, float64(1), values["test_gve_rx_dropped_total/0"])
	assert.Equal(t, float64(2), values["test_gve_admin_commands_total/"+desc.OpCreateTxQueue.String()])
	assert.Equal(t, float64(1), values["test_gve_resets_total"])
	assert.Equal(t, float64(4), values["test_gve_tx_oversize_total"])
}
