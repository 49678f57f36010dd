package monitoring

import (
	"time"

	"camrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	grantsCreated    prometheus.Counter
	admissions       *prometheus.CounterVec
	grantsRetired    *prometheus.CounterVec
	viewersActive    prometheus.Gauge
	sweepDuration    prometheus.Histogram
	sweepRetired     prometheus.Counter
	relayStarts      *prometheus.CounterVec
	relayStops       *prometheus.CounterVec
	relayRestarts    *prometheus.CounterVec
	relayFailures    *prometheus.CounterVec
	relayBytes       *prometheus.CounterVec
	subscribers      *prometheus.GaugeVec
	subscriberEvicts *prometheus.CounterVec
	controlClients   prometheus.Gauge
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		grantsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_grants_created_total",
			Help: "Access grants created",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_admissions_total",
			Help: "Viewer admission attempts by result",
		}, []string{"result"}),
		grantsRetired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_grants_retired_total",
			Help: "Grants that left the active state, by cause",
		}, []string{"cause"}),
		viewersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_viewers_active",
			Help: "Viewer slots currently held across all grants",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_sweep_duration_seconds",
			Help:    "Duration of expiry sweeps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		sweepRetired: f.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sweep_expired_total",
			Help: "Grants expired by the sweeper",
		}),
		relayStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_relay_starts_total",
			Help: "Transcoder processes started",
		}, []string{"source_id"}),
		relayStops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_relay_stops_total",
			Help: "Transcoder processes stopped on release",
		}, []string{"source_id"}),
		relayRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_relay_restarts_total",
			Help: "Transcoder restarts after an unexpected exit",
		}, []string{"source_id"}),
		relayFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_relay_failures_total",
			Help: "Sources marked unavailable after repeated failures",
		}, []string{"source_id"}),
		relayBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_relay_bytes_total",
			Help: "Bytes read from transcoder output",
		}, []string{"source_id"}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camrelay_subscribers",
			Help: "Viewers subscribed per source",
		}, []string{"source_id"}),
		subscriberEvicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_subscriber_evictions_total",
			Help: "Viewers dropped for being too slow or failing writes",
		}, []string{"source_id"}),
		controlClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_control_clients",
			Help: "Connected control channels",
		}),
	}
}

func (p *PrometheusCollector) GrantCreated() { p.grantsCreated.Inc() }

func (p *PrometheusCollector) AdmissionResult(result string) {
	p.admissions.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) GrantRetired(cause domain.RetireCause) {
	p.grantsRetired.WithLabelValues(string(cause)).Inc()
}

func (p *PrometheusCollector) ViewersChanged(delta int) { p.viewersActive.Add(float64(delta)) }

func (p *PrometheusCollector) SweepCompleted(d time.Duration, retired int) {
	p.sweepDuration.Observe(d.Seconds())
	p.sweepRetired.Add(float64(retired))
}

func (p *PrometheusCollector) RelayStarted(sourceID domain.SourceID) {
	p.relayStarts.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) RelayStopped(sourceID domain.SourceID) {
	p.relayStops.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) RelayRestarted(sourceID domain.SourceID) {
	p.relayRestarts.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) RelayFailed(sourceID domain.SourceID) {
	p.relayFailures.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) RelayBytes(sourceID domain.SourceID, n int) {
	p.relayBytes.WithLabelValues(string(sourceID)).Add(float64(n))
}

func (p *PrometheusCollector) SubscriberAdded(sourceID domain.SourceID) {
	p.subscribers.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) SubscriberRemoved(sourceID domain.SourceID) {
	p.subscribers.WithLabelValues(string(sourceID)).Dec()
}

func (p *PrometheusCollector) SubscriberEvicted(sourceID domain.SourceID) {
	p.subscriberEvicts.WithLabelValues(string(sourceID)).Inc()
}

func (p *PrometheusCollector) ControlClients(n int) { p.controlClients.Set(float64(n)) }
