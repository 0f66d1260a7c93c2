package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control plane and agents.
type Metrics struct {
	config MetricsConfig

	// Instrument lifecycle metrics
	instrumentsAdded   *prometheus.CounterVec
	instrumentsRemoved *prometheus.CounterVec
	instrumentsByState *prometheus.GaugeVec
	applyLatency       prometheus.Histogram

	// Hit metrics
	hits        *prometheus.CounterVec
	hitOutcomes *prometheus.CounterVec

	// Bridge metrics
	bridgeConnections  prometheus.Gauge
	bridgeFrames       *prometheus.CounterVec
	bridgeRejections   *prometheus.CounterVec
	bridgeSendTimeouts prometheus.Counter

	// Subscription metrics
	subscriptionsActive prometheus.Gauge
	subscriptionEvents  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// API metrics
	apiDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; every Record method checks for nil collectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instrumentsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instruments_added_total",
				Help:      "Total number of instruments accepted by the control registry",
			},
			[]string{"kind"},
		),
		instrumentsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instruments_removed_total",
				Help:      "Total number of instruments removed, by cause",
			},
			[]string{"kind", "cause"},
		),
		instrumentsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instruments",
				Help:      "Current number of instruments by status",
			},
			[]string{"status"},
		),
		applyLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instrument_apply_latency_seconds",
				Help:      "Time from submission to the first applied acknowledgement",
				Buckets:   buckets,
			},
		),

		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instrument_hits_total",
				Help:      "Total number of hit records received or emitted",
			},
			[]string{"kind"},
		),
		hitOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instrument_hit_outcomes_total",
				Help:      "Candidate hits by gate outcome",
			},
			[]string{"outcome"},
		),

		bridgeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridge_connections",
				Help:      "Current number of open bridge connections",
			},
		),
		bridgeFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_frames_total",
				Help:      "Total number of bridge frames by direction and type",
			},
			[]string{"direction", "type"},
		),
		bridgeRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_rejections_total",
				Help:      "Total number of frames rejected by the bridge",
			},
			[]string{"reason"},
		),
		bridgeSendTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_send_timeouts_total",
				Help:      "Total number of outbound frames dropped on a full send queue",
			},
		),

		subscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions",
				Help:      "Current number of live subscriptions",
			},
		),
		subscriptionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_events_total",
				Help:      "Events routed to subscribers by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),

		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of API requests",
				Buckets:   buckets,
			},
			[]string{"route", "status"},
		),
	}

	registry.MustRegister(
		m.instrumentsAdded,
		m.instrumentsRemoved,
		m.instrumentsByState,
		m.applyLatency,
		m.hits,
		m.hitOutcomes,
		m.bridgeConnections,
		m.bridgeFrames,
		m.bridgeRejections,
		m.bridgeSendTimeouts,
		m.subscriptionsActive,
		m.subscriptionEvents,
		m.errorsByClass,
		m.errorsByCode,
		m.apiDuration,
	)

	return m, nil
}

// Instrument Metrics

// RecordInstrumentAdded increments the counter for accepted instruments.
func (m *Metrics) RecordInstrumentAdded(kind string) {
	if m == nil || m.instrumentsAdded == nil {
		return
	}
	m.instrumentsAdded.WithLabelValues(kind).Inc()
}

// RecordInstrumentRemoved records a removal with its cause.
func (m *Metrics) RecordInstrumentRemoved(kind, cause string) {
	if m == nil || m.instrumentsRemoved == nil {
		return
	}
	m.instrumentsRemoved.WithLabelValues(kind, cause).Inc()
}

// SetInstrumentCounts sets the pending and active gauges.
func (m *Metrics) SetInstrumentCounts(pending, active int) {
	if m == nil || m.instrumentsByState == nil {
		return
	}
	m.instrumentsByState.WithLabelValues("pending").Set(float64(pending))
	m.instrumentsByState.WithLabelValues("active").Set(float64(active))
}

// RecordApplyLatency observes the time between submission and first acknowledgement.
func (m *Metrics) RecordApplyLatency(d time.Duration) {
	if m == nil || m.applyLatency == nil {
		return
	}
	m.applyLatency.Observe(d.Seconds())
}

// Hit Metrics

// RecordHit increments the hit counter for an instrument kind.
func (m *Metrics) RecordHit(kind string) {
	if m == nil || m.hits == nil {
		return
	}
	m.hits.WithLabelValues(kind).Inc()
}

// RecordHitOutcome counts a gate decision (fire, condition_false, throttled, condition_failed).
func (m *Metrics) RecordHitOutcome(outcome string) {
	if m == nil || m.hitOutcomes == nil {
		return
	}
	m.hitOutcomes.WithLabelValues(outcome).Inc()
}

// Bridge Metrics

// SetBridgeConnections sets the current number of open connections.
func (m *Metrics) SetBridgeConnections(count int) {
	if m == nil || m.bridgeConnections == nil {
		return
	}
	m.bridgeConnections.Set(float64(count))
}

// RecordBridgeFrame counts a frame in the given direction (in, out).
func (m *Metrics) RecordBridgeFrame(direction, frameType string) {
	if m == nil || m.bridgeFrames == nil {
		return
	}
	m.bridgeFrames.WithLabelValues(direction, frameType).Inc()
}

// RecordBridgeRejection counts a rejected frame.
func (m *Metrics) RecordBridgeRejection(reason string) {
	if m == nil || m.bridgeRejections == nil {
		return
	}
	m.bridgeRejections.WithLabelValues(reason).Inc()
}

// RecordBridgeSendTimeout counts an outbound frame dropped after the send timeout.
func (m *Metrics) RecordBridgeSendTimeout() {
	if m == nil || m.bridgeSendTimeouts == nil {
		return
	}
	m.bridgeSendTimeouts.Inc()
}

// Subscription Metrics

// SetSubscriptions sets the current number of subscriptions.
func (m *Metrics) SetSubscriptions(count int) {
	if m == nil || m.subscriptionsActive == nil {
		return
	}
	m.subscriptionsActive.Set(float64(count))
}

// RecordSubscriptionEvent counts a routed event (delivered, buffered, dropped).
func (m *Metrics) RecordSubscriptionEvent(result string) {
	if m == nil || m.subscriptionEvents == nil {
		return
	}
	m.subscriptionEvents.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// API Metrics

// RecordAPIRequest observes an API request duration.
func (m *Metrics) RecordAPIRequest(route string, status int, d time.Duration) {
	if m == nil || m.apiDuration == nil {
		return
	}
	m.apiDuration.WithLabelValues(route, http.StatusText(status)).Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
