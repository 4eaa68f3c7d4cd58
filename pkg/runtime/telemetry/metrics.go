// Package telemetry provides the in-process metrics pipeline and log sinks.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus instruments for the avatar runtime.
type Metrics struct {
	registry *prometheus.Registry

	// Connectivity metrics
	MessagesTotal   *prometheus.CounterVec
	ReconnectsTotal prometheus.Counter
	QueueDepth      prometheus.Gauge
	SendDuration    prometheus.Histogram

	// Asset cache metrics
	AssetLoadsTotal *prometheus.CounterVec
	CacheReady      prometheus.Gauge
	EvictionsTotal  prometheus.Counter

	// Animation metrics
	VisemeTickDuration  prometheus.Histogram
	EmotionChangesTotal *prometheus.CounterVec

	// Lifecycle metrics
	StateTransitionsTotal *prometheus.CounterVec
	ErrorsTotal           *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all instruments registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avatar"
	}

	registry := prometheus.NewRegistry()

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total messages exchanged with the backend",
		},
		[]string{"direction", "type"},
	)

	reconnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts",
		},
	)

	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting for the streaming connection",
		},
	)

	sendDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Outbound send duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	assetLoadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_loads_total",
			Help:      "Total avatar asset loads",
		},
		[]string{"outcome"},
	)

	cacheReady := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asset_cache_ready",
			Help:      "Number of Ready assets currently cached",
		},
	)

	evictionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_evictions_total",
			Help:      "Total LRU evictions from the asset cache",
		},
	)

	visemeTickDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "viseme_tick_duration_seconds",
			Help:      "Per-frame lip-sync tick duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	emotionChangesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_changes_total",
			Help:      "Total emotion preset transitions",
		},
		[]string{"preset"},
	)

	stateTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total session state transitions",
		},
		[]string{"from", "to"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(
		messagesTotal,
		reconnectsTotal,
		queueDepth,
		sendDuration,
		assetLoadsTotal,
		cacheReady,
		evictionsTotal,
		visemeTickDuration,
		emotionChangesTotal,
		stateTransitionsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:              registry,
		MessagesTotal:         messagesTotal,
		ReconnectsTotal:       reconnectsTotal,
		QueueDepth:            queueDepth,
		SendDuration:          sendDuration,
		AssetLoadsTotal:       assetLoadsTotal,
		CacheReady:            cacheReady,
		EvictionsTotal:        evictionsTotal,
		VisemeTickDuration:    visemeTickDuration,
		EmotionChangesTotal:   emotionChangesTotal,
		StateTransitionsTotal: stateTransitionsTotal,
		ErrorsTotal:           errorsTotal,
	}
}

// Registry exposes the private registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordMessage records one exchanged message.
func (m *Metrics) RecordMessage(direction, typ string) {
	m.MessagesTotal.WithLabelValues(direction, typ).Inc()
}

// RecordSend records a completed outbound send.
func (m *Metrics) RecordSend(duration time.Duration) {
	m.SendDuration.Observe(duration.Seconds())
}

// RecordAssetLoad records one asset load by outcome (ready, failed, fallback).
func (m *Metrics) RecordAssetLoad(outcome string) {
	m.AssetLoadsTotal.WithLabelValues(outcome).Inc()
}

// RecordStateTransition records one lifecycle transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordError records an error by taxonomy kind.
func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
