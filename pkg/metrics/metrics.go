// Package metrics defines the Prometheus instrumentation for the connector
// and archiver. Everything registers on a private registry exposed through
// the health server, never on the global default.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry backs the /metrics endpoint.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer stamps every metric with the service label.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "ssmd"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds every collector used by the capture and archive paths.
type Metrics struct {
	// Connector ingest path
	MessagesTotal      *prometheus.CounterVec // feed, message_type
	ParseErrorsTotal   *prometheus.CounterVec // feed
	RingDroppedTotal   *prometheus.CounterVec // feed
	RingDepth          *prometheus.GaugeVec   // feed
	WebsocketConnected *prometheus.GaugeVec   // feed
	ReconnectsTotal    *prometheus.CounterVec // feed
	IdleSeconds        *prometheus.GaugeVec   // feed
	MarketsSubscribed  *prometheus.GaugeVec   // feed

	// Flusher and publisher
	FlushedTotal       *prometheus.CounterVec   // feed
	FlushBatchSize     *prometheus.HistogramVec // feed
	PublishedTotal     *prometheus.CounterVec   // feed
	PublishErrorsTotal *prometheus.CounterVec   // feed

	// Archiver
	ArchivedRecordsTotal *prometheus.CounterVec // feed
	ArchivedBytesTotal   *prometheus.CounterVec // feed
	GapsTotal            *prometheus.CounterVec // feed
	FilesFinalizedTotal  *prometheus.CounterVec // feed
	InjectSkippedTotal   *prometheus.CounterVec // feed
	IndexErrorsTotal     *prometheus.CounterVec // feed
}

// Get returns the process-wide metrics instance on the default registerer.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegisterer)
	})
	return metrics
}

// New creates a metrics collection on the given registerer. Tests pass their
// own registry to avoid duplicate registration.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		MessagesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_connector_messages_total",
				Help: "Data messages captured from the exchange",
			},
			[]string{"feed", "message_type"},
		),
		ParseErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_connector_parse_errors_total",
				Help: "Frames that could not be classified",
			},
			[]string{"feed"},
		),
		RingDroppedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_ring_dropped_total",
				Help: "Records dropped because the ring buffer was full",
			},
			[]string{"feed"},
		),
		RingDepth: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssmd_ring_depth",
				Help: "Records currently buffered in the ring",
			},
			[]string{"feed"},
		),
		WebsocketConnected: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssmd_websocket_connected",
				Help: "1 when the exchange websocket is live",
			},
			[]string{"feed"},
		),
		ReconnectsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_websocket_reconnects_total",
				Help: "Websocket reconnect attempts",
			},
			[]string{"feed"},
		),
		IdleSeconds: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssmd_websocket_idle_seconds",
				Help: "Seconds since the last websocket activity",
			},
			[]string{"feed"},
		),
		MarketsSubscribed: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ssmd_markets_subscribed",
				Help: "Markets currently subscribed",
			},
			[]string{"feed"},
		),
		FlushedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_flusher_records_total",
				Help: "Records drained from the ring by the flusher",
			},
			[]string{"feed"},
		),
		FlushBatchSize: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ssmd_flusher_batch_size",
				Help:    "Records drained per flush pass",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
			[]string{"feed"},
		),
		PublishedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_publisher_messages_total",
				Help: "Messages published to the bus",
			},
			[]string{"feed"},
		),
		PublishErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_publisher_errors_total",
				Help: "Bus publish failures",
			},
			[]string{"feed"},
		),
		ArchivedRecordsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_records_total",
				Help: "Records written to archive files",
			},
			[]string{"feed"},
		),
		ArchivedBytesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_bytes_total",
				Help: "Uncompressed bytes written to archive files",
			},
			[]string{"feed"},
		),
		GapsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_gaps_total",
				Help: "Sequence gaps detected in the archived stream",
			},
			[]string{"feed"},
		),
		FilesFinalizedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_files_finalized_total",
				Help: "Archive files rotated and renamed into place",
			},
			[]string{"feed"},
		),
		InjectSkippedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_inject_skipped_total",
				Help: "Payloads archived without trailer injection",
			},
			[]string{"feed"},
		),
		IndexErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssmd_archiver_index_errors_total",
				Help: "Manifest index write failures",
			},
			[]string{"feed"},
		),
	}
}
