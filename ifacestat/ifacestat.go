// Package ifacestat snapshots and exports driver counters.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/gvnic/gve"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	TxDeferred
	TxTimeouts
	RxDropped
	RxProtocolErrors
	RxCopybreak
	LROMerged
	Resets
)

// Counters lists every counter.
var Counters = []Counter{
	TxPackets, TxBytes, RxPackets, RxBytes,
	TxDeferred, TxTimeouts,
	RxDropped, RxProtocolErrors, RxCopybreak,
	LROMerged, Resets,
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case TxDeferred:
		return "tx_deferred"
	case TxTimeouts:
		return "tx_timeouts"
	case RxDropped:
		return "rx_dropped"
	case RxProtocolErrors:
		return "rx_protocol_errors"
	case RxCopybreak:
		return "rx_copybreak"
	case LROMerged:
		return "lro_merged"
	case Resets:
		return "resets"
	}
	return ""
}

// Source is anything reporting driver statistics, a *gve.Device usually.
type Source interface {
	Stats() gve.Stats
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads the given counters of all interfaces.
func Snapshot(ifaces map[string]Source, counters ...Counter) Stats {
	s := make(Stats, len(ifaces))
	for name, src := range ifaces {
		s[name] = Values(src.Stats(), counters...)
	}
	return s
}

// Values extracts counters from driver statistics. Counters that are not
// asked for are absent.
func Values(st gve.Stats, counters ...Counter) IfaceStats {
	tx, rx := st.TxTotal(), st.RxTotal()
	out := make(IfaceStats, len(counters))
	for _, c := range counters {
		var v uint64
		switch c {
		case TxPackets:
			v = tx.Packets
		case TxBytes:
			v = tx.Bytes
		case RxPackets:
			v = rx.Packets
		case RxBytes:
			v = rx.Bytes
		case TxDeferred:
			v = tx.DeferredNoDescs + tx.DeferredNoBufs + tx.DeferredNoTags
		case TxTimeouts:
			v = st.TxTimeouts
		case RxDropped:
			v = rx.Dropped
		case RxProtocolErrors:
			v = rx.ProtocolErrors
		case RxCopybreak:
			v = rx.Copybreak
		case LROMerged:
			v = st.LRO.Merged
		case Resets:
			v = st.Resets
		}
		out[c] = v
	}
	return out
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)

		// Anomalies only when there are any.
		for _, c := range []Counter{TxDeferred, TxTimeouts, RxDropped, RxProtocolErrors, Resets} {
			if v := stats[c]; v > 0 {
				fmt.Fprintf(w, "  %-20s %s\n", c.String(), humanize.Comma(int64(v)))
			}
		}
	}

	return nil
}
