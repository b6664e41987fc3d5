// Package metrics exposes the current ledger and collector health to Prometheus.
package metrics

import (
	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vpnledger"

// Source is what the exporter reads on every scrape.
type Source interface {
	Current() stats.DayLedger
	Counters() stats.Counters
}

// ConnectionCounter reports live connections per virtual address.
type ConnectionCounter interface {
	Count(virtualIPs []string) (map[string]int, error)
}

type Exporter struct {
	src    Source
	conns  ConnectionCounter
	logger hclog.Logger

	clientRecv     *prometheus.Desc
	clientSent     *prometheus.Desc
	clientSessions *prometheus.Desc
	clientConns    *prometheus.Desc
	clients        *prometheus.Desc

	ticks        *prometheus.Desc
	failures     *prometheus.Desc
	overlaps     *prometheus.Desc
	skippedLines *prometheus.Desc
	duplicates   *prometheus.Desc
	reconnects   *prometheus.Desc
	lastSuccess  *prometheus.Desc
	lastDuration *prometheus.Desc
}

func NewExporter(src Source, logger hclog.Logger) *Exporter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Exporter{
		src:    src,
		logger: logger,

		clientRecv:     desc("client_received_bytes", "Bytes received from the client today, across sessions", "day", "cn"),
		clientSent:     desc("client_sent_bytes", "Bytes sent to the client today, across sessions", "day", "cn"),
		clientSessions: desc("client_sessions", "Sessions seen for the client today", "day", "cn"),
		clientConns:    desc("client_active_connections", "Live conntrack flows originated by the client", "cn"),
		clients:        desc("ledger_clients", "Clients in today's ledger", "day"),

		ticks:        desc("ticks_total", "Collector ticks run"),
		failures:     desc("tick_failures_total", "Collector ticks that failed"),
		overlaps:     desc("tick_overlaps_total", "Ticks refused because the previous one was still running"),
		skippedLines: desc("skipped_lines_total", "Malformed status lines skipped"),
		duplicates:   desc("duplicate_snapshots_total", "Clients listed more than once in a single read"),
		reconnects:   desc("reconnects_total", "Session rollovers detected"),
		lastSuccess:  desc("last_success_timestamp_seconds", "Unix time of the last successful tick"),
		lastDuration: desc("last_tick_duration_seconds", "Duration of the last tick"),
	}
}

// SetConnectionCounter enables the per-client live connection gauge.
func (e *Exporter) SetConnectionCounter(c ConnectionCounter) {
	e.conns = c
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.clientRecv
	ch <- e.clientSent
	ch <- e.clientSessions
	ch <- e.clientConns
	ch <- e.clients
	ch <- e.ticks
	ch <- e.failures
	ch <- e.overlaps
	ch <- e.skippedLines
	ch <- e.duplicates
	ch <- e.reconnects
	ch <- e.lastSuccess
	ch <- e.lastDuration
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	cur := e.src.Current()
	day := cur.Day.String()

	if day != "" {
		ch <- prometheus.MustNewConstMetric(e.clients, prometheus.GaugeValue, float64(len(cur.Ledger)), day)
	}

	virtual := make([]string, 0, len(cur.Ledger))
	for _, r := range cur.Ledger.Records() {
		// Day totals restart at midnight, so these are gauges.
		ch <- prometheus.MustNewConstMetric(e.clientRecv, prometheus.GaugeValue, float64(r.BytesReceived), day, r.CN)
		ch <- prometheus.MustNewConstMetric(e.clientSent, prometheus.GaugeValue, float64(r.BytesSent), day, r.CN)
		ch <- prometheus.MustNewConstMetric(e.clientSessions, prometheus.GaugeValue, float64(r.Sessions), day, r.CN)
		virtual = append(virtual, r.VirtualAddress)
	}

	if e.conns != nil && len(virtual) > 0 {
		counts, err := e.conns.Count(virtual)
		if err != nil {
			e.logger.Warn("count live connections", "error", err)
		} else {
			for _, r := range cur.Ledger.Records() {
				if n, ok := counts[r.VirtualAddress]; ok {
					ch <- prometheus.MustNewConstMetric(e.clientConns, prometheus.GaugeValue, float64(n), r.CN)
				}
			}
		}
	}

	c := e.src.Counters()
	ch <- prometheus.MustNewConstMetric(e.ticks, prometheus.CounterValue, float64(c.Ticks))
	ch <- prometheus.MustNewConstMetric(e.failures, prometheus.CounterValue, float64(c.Failures))
	ch <- prometheus.MustNewConstMetric(e.overlaps, prometheus.CounterValue, float64(c.Overlaps))
	ch <- prometheus.MustNewConstMetric(e.skippedLines, prometheus.CounterValue, float64(c.SkippedLines))
	ch <- prometheus.MustNewConstMetric(e.duplicates, prometheus.CounterValue, float64(c.Duplicates))
	ch <- prometheus.MustNewConstMetric(e.reconnects, prometheus.CounterValue, float64(c.Reconnects))
	if !c.LastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(e.lastSuccess, prometheus.GaugeValue, float64(c.LastSuccess.Unix()))
	}
	ch <- prometheus.MustNewConstMetric(e.lastDuration, prometheus.GaugeValue, c.LastDuration.Seconds())
}
