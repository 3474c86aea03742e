package statesync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "statesync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	SessionsStarted    metrics.Counter
	SessionsSuperseded metrics.Counter
	SessionsAborted    metrics.Counter
	SessionsCompleted  metrics.Counter
	ChunksFetched      metrics.Counter
	ChunksRefetched    metrics.Counter
	ChunksReused       metrics.Counter
	ManifestsServed    metrics.Counter
	ChunksServed       metrics.Counter
	SyncHeight         metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		SessionsStarted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions_started",
			Help:      "Number of state sync sessions started.",
		}, labels).With(labelsAndValues...),
		SessionsSuperseded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions_superseded",
			Help:      "Number of sessions canceled in favor of a higher target.",
		}, labels).With(labelsAndValues...),
		SessionsAborted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions_aborted",
			Help:      "Number of sessions aborted due to errors or exhausted retries.",
		}, labels).With(labelsAndValues...),
		SessionsCompleted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions_completed",
			Help:      "Number of sessions that produced a verified checkpoint.",
		}, labels).With(labelsAndValues...),
		ChunksFetched: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunks_fetched",
			Help:      "Number of chunks fetched and verified.",
		}, labels).With(labelsAndValues...),
		ChunksRefetched: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunks_refetched",
			Help:      "Number of chunk fetches retried after a failure.",
		}, labels).With(labelsAndValues...),
		ChunksReused: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunks_reused",
			Help:      "Number of chunks reused from the previous checkpoint.",
		}, labels).With(labelsAndValues...),
		ManifestsServed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "manifests_served",
			Help:      "Number of manifests served to peers.",
		}, labels).With(labelsAndValues...),
		ChunksServed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunks_served",
			Help:      "Number of chunks served to peers.",
		}, labels).With(labelsAndValues...),
		SyncHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_height",
			Help:      "Height of the latest local checkpoint.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		SessionsStarted:    discard.NewCounter(),
		SessionsSuperseded: discard.NewCounter(),
		SessionsAborted:    discard.NewCounter(),
		SessionsCompleted:  discard.NewCounter(),
		ChunksFetched:      discard.NewCounter(),
		ChunksRefetched:    discard.NewCounter(),
		ChunksReused:       discard.NewCounter(),
		ManifestsServed:    discard.NewCounter(),
		ChunksServed:       discard.NewCounter(),
		SyncHeight:         discard.NewGauge(),
	}
}
