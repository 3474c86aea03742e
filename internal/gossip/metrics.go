package gossip

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "gossip"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	AdvertsReceived    metrics.Counter
	AdvertsDropped     metrics.Counter
	DownloadsInFlight  metrics.Gauge
	DownloadsValidated metrics.Counter
	DownloadsRejected  metrics.Counter
	DownloadsTimedOut  metrics.Counter
	DownloadsAbandoned metrics.Counter
	ArtifactsServed    metrics.Counter
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
		AdvertsReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "adverts_received",
			Help:      "Number of artifact adverts received from peers.",
		}, labels).With(labelsAndValues...),
		AdvertsDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "adverts_dropped",
			Help:      "Number of inbound adverts dropped due to a full pending queue.",
		}, labels).With(labelsAndValues...),
		DownloadsInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloads_in_flight",
			Help:      "Number of artifact downloads currently in flight.",
		}, labels).With(labelsAndValues...),
		DownloadsValidated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloads_validated",
			Help:      "Number of downloaded artifacts that passed validation.",
		}, labels).With(labelsAndValues...),
		DownloadsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloads_rejected",
			Help:      "Number of downloaded artifacts that failed validation.",
		}, labels).With(labelsAndValues...),
		DownloadsTimedOut: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloads_timed_out",
			Help:      "Number of artifact downloads that timed out.",
		}, labels).With(labelsAndValues...),
		DownloadsAbandoned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloads_abandoned",
			Help:      "Number of artifact downloads abandoned after exhausting retries.",
		}, labels).With(labelsAndValues...),
		ArtifactsServed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "artifacts_served",
			Help:      "Number of artifact payloads served to peers.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		AdvertsReceived:    discard.NewCounter(),
		AdvertsDropped:     discard.NewCounter(),
		DownloadsInFlight:  discard.NewGauge(),
		DownloadsValidated: discard.NewCounter(),
		DownloadsRejected:  discard.NewCounter(),
		DownloadsTimedOut:  discard.NewCounter(),
		DownloadsAbandoned: discard.NewCounter(),
		ArtifactsServed:    discard.NewCounter(),
	}
}
