package corenet

import "github.com/prometheus/client_golang/prometheus"

// metrics is one loop's Prometheus counters, registered once per
// Transport (SPEC_FULL.md's AMBIENT STACK). A nil-safe zero value is
// never used: newMetrics always constructs real collectors so dispatch
// code can call them unconditionally.
type metrics struct {
	acceptsTotal        prometheus.Counter
	bytesReceivedTotal  prometheus.Counter
	bytesSentTotal      prometheus.Counter
	eagainTotal         prometheus.Counter
	cleanupsTotal       prometheus.Counter
	activeConnections   prometheus.Gauge
}

func newMetrics(loopID string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"loop": loopID}
	m := &metrics{
		acceptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "corenet_accepts_total",
			Help:        "Connections accepted by this loop.",
			ConstLabels: labels,
		}),
		bytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "corenet_bytes_received_total",
			Help:        "Bytes read from client sockets by this loop.",
			ConstLabels: labels,
		}),
		bytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "corenet_bytes_sent_total",
			Help:        "Bytes written to client sockets by this loop.",
			ConstLabels: labels,
		}),
		eagainTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "corenet_eagain_total",
			Help:        "EAGAIN outcomes observed on readv/writev by this loop.",
			ConstLabels: labels,
		}),
		cleanupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "corenet_cleanups_total",
			Help:        "Completed CleanupSocket calls (both directions) by this loop.",
			ConstLabels: labels,
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "corenet_active_connections",
			Help:        "Client connections currently registered on this loop.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.acceptsTotal, m.bytesReceivedTotal, m.bytesSentTotal,
			m.eagainTotal, m.cleanupsTotal, m.activeConnections)
	}
	return m
}
