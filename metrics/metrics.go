// Package metrics collects pipeline counters and histograms, exposed on the
// host's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	CommandsReceived *prometheus.CounterVec
	CommandsDropped  prometheus.Counter
	DocumentsParsed  prometheus.Counter
	DocumentsChunked prometheus.Counter
	ParseErrors      prometheus.Counter
	FanOuts          prometheus.Counter
	FanOutParts      prometheus.Counter
	FanIns           prometheus.Counter
	ParseDuration    prometheus.Histogram
	ReceiveErrors    prometheus.Counter
}

// New creates the collectors.
func New() *Metrics {
	return &Metrics{
		CommandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "docproc", Name: "commands_received_total", Help: "Commands received from the processing queue by type."},
			[]string{"command"},
		),
		CommandsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "commands_dropped_total", Help: "Commands dropped without processing: undecodable, invalid or of unknown type."},
		),
		DocumentsParsed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "documents_parsed_total", Help: "Documents (or document parts) parsed successfully."},
		),
		DocumentsChunked: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "documents_chunked_total", Help: "Documents chunked for indexing."},
		),
		ParseErrors: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "parse_errors_total", Help: "Documents that reached a terminal parse error."},
		),
		FanOuts: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "fanouts_total", Help: "Documents partitioned into page batches."},
		),
		FanOutParts: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "fanout_parts_total", Help: "Page batches produced by partitioning."},
		),
		FanIns: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "fanins_total", Help: "Partitioned documents reassembled from parts."},
		),
		ParseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: "docproc", Name: "parse_duration_seconds", Help: "Wall time of parser worker dispatches.", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)},
		),
		ReceiveErrors: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "docproc", Name: "receive_errors_total", Help: "Failed queue polls."},
		),
	}
}

// Register registers every collector on the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CommandsReceived,
		m.CommandsDropped,
		m.DocumentsParsed,
		m.DocumentsChunked,
		m.ParseErrors,
		m.FanOuts,
		m.FanOutParts,
		m.FanIns,
		m.ParseDuration,
		m.ReceiveErrors,
	)
}

// ObserveParse records one parser dispatch duration.
func (m *Metrics) ObserveParse(d time.Duration) {
	m.ParseDuration.Observe(d.Seconds())
}
