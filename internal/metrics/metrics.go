// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus instrumentation for the packet
// pipeline and the control plane. One Metrics value is shared by the
// queue workers, the injector and the rule engine; the api package
// serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all slipwire Prometheus metrics.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	BytesProcessed   prometheus.Counter
	DecodeErrors     prometheus.Counter

	// Verdicts by outcome: accept, drop, fail_open
	Verdicts *prometheus.CounterVec

	// DesyncApplied by method: fake, multisplit, fooling
	DesyncApplied *prometheus.CounterVec

	InjectedPackets prometheus.Counter
	InjectErrors    prometheus.Counter
	EnqueueTimeouts prometheus.Counter
	QueueDepth      prometheus.Gauge

	Connections     prometheus.Gauge
	Classifications *prometheus.CounterVec

	HostlistEntries *prometheus.GaugeVec
	AutoAdds        prometheus.Counter

	Reloads       prometheus.Counter
	ReloadErrors  prometheus.Counter
	TTLCalibrated prometheus.Counter
}

// New creates the slipwire metrics set, unregistered.
func New() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_packets_processed_total",
			Help: "Total number of packets taken off the queue",
		}),
		BytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_bytes_processed_total",
			Help: "Total payload bytes of processed packets",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_decode_errors_total",
			Help: "Total number of packets that failed header decoding",
		}),

		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipwire_verdicts_total",
			Help: "Total number of verdicts issued",
		}, []string{"verdict"}),

		DesyncApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipwire_desync_applied_total",
			Help: "Total number of desync applications by method",
		}, []string{"method"}),

		InjectedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_injected_packets_total",
			Help: "Total number of crafted packets sent on raw sockets",
		}),
		InjectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_inject_errors_total",
			Help: "Total number of raw socket send failures",
		}),
		EnqueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_enqueue_timeouts_total",
			Help: "Total number of injector enqueues that timed out and failed open",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slipwire_inject_queue_depth",
			Help: "Number of injection batches waiting in the injector queue",
		}),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slipwire_tracked_connections",
			Help: "Number of connections currently tracked by the pipeline",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipwire_classifications_total",
			Help: "Total number of settled protocol classifications",
		}, []string{"kind"}),

		HostlistEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slipwire_hostlist_entries",
			Help: "Number of entries per loaded hostlist",
		}, []string{"list"}),
		AutoAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_autohostlist_adds_total",
			Help: "Total number of domains promoted to the auto hostlist",
		}),

		Reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_config_reloads_total",
			Help: "Total number of completed configuration reloads",
		}),
		ReloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_config_reload_errors_total",
			Help: "Total number of configuration reloads rejected",
		}),
		TTLCalibrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipwire_autottl_calibrations_total",
			Help: "Total number of active TTL calibrations performed",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsProcessed.Describe(ch)
	m.BytesProcessed.Describe(ch)
	m.DecodeErrors.Describe(ch)
	m.Verdicts.Describe(ch)
	m.DesyncApplied.Describe(ch)
	m.InjectedPackets.Describe(ch)
	m.InjectErrors.Describe(ch)
	m.EnqueueTimeouts.Describe(ch)
	m.QueueDepth.Describe(ch)
	m.Connections.Describe(ch)
	m.Classifications.Describe(ch)
	m.HostlistEntries.Describe(ch)
	m.AutoAdds.Describe(ch)
	m.Reloads.Describe(ch)
	m.ReloadErrors.Describe(ch)
	m.TTLCalibrated.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsProcessed.Collect(ch)
	m.BytesProcessed.Collect(ch)
	m.DecodeErrors.Collect(ch)
	m.Verdicts.Collect(ch)
	m.DesyncApplied.Collect(ch)
	m.InjectedPackets.Collect(ch)
	m.InjectErrors.Collect(ch)
	m.EnqueueTimeouts.Collect(ch)
	m.QueueDepth.Collect(ch)
	m.Connections.Collect(ch)
	m.Classifications.Collect(ch)
	m.HostlistEntries.Collect(ch)
	m.AutoAdds.Collect(ch)
	m.Reloads.Collect(ch)
	m.ReloadErrors.Collect(ch)
	m.TTLCalibrated.Collect(ch)
}

// Register adds the metrics set to reg. Call once at startup.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}
