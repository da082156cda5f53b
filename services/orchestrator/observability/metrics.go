// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics of the learn server
// and client services.
//
// Call sites use DefaultMetrics with a nil check, so packages work without
// metrics in tests:
//
//	if m := observability.DefaultMetrics; m != nil {
//	    m.RecordEvent(endpoint, "metadata")
//	}
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian_learn"

const (
	streamingSubsystem  = "streaming"
	generatorSubsystem  = "generator"
	optimisticSubsystem = "optimistic"
	cacheSubsystem      = "cache"
	syncSubsystem       = "sync"
)

// Metrics groups every collector the module exports.
type Metrics struct {
	// Streaming (server)
	RequestsTotal          *prometheus.CounterVec
	StreamDurationSeconds  *prometheus.HistogramVec
	ActiveStreams          *prometheus.GaugeVec
	EventsTotal            *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	KeepAlivesTotal        *prometheus.CounterVec
	ClientDisconnectsTotal *prometheus.CounterVec

	// Generator backend calls
	GeneratorCallsTotal     *prometheus.CounterVec
	GeneratorLatencySeconds *prometheus.HistogramVec

	// Optimistic mutation engine (client)
	OperationsTotal *prometheus.CounterVec
	InFlight        prometheus.Gauge

	// Content cache (client)
	CacheEntries   prometheus.Gauge
	CacheEvictions *prometheus.CounterVec

	// Background sync (client)
	SyncPassesTotal *prometheus.CounterVec
	SyncUnitsTotal  *prometheus.CounterVec
	SyncPending     prometheus.Gauge
}

// DefaultMetrics is set by InitMetrics. Nil until then.
var DefaultMetrics *Metrics

// InitMetrics registers the collectors on the default registry and sets
// DefaultMetrics. Call once at process start.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "requests_total", Help: "Generation stream requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "stream_duration_seconds", Help: "Generation stream duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint", "status"}),
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "active_streams", Help: "Open generation streams",
		}, []string{"endpoint"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "events_total", Help: "Stream events emitted by endpoint and event type",
		}, []string{"endpoint", "type"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "errors_total", Help: "Stream errors by endpoint and error code",
		}, []string{"endpoint", "error_code"}),
		KeepAlivesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "keepalives_total", Help: "Keepalive comments sent",
		}, []string{"endpoint"}),
		ClientDisconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: streamingSubsystem,
			Name: "client_disconnects_total", Help: "Streams abandoned by the client",
		}, []string{"endpoint"}),

		GeneratorCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: generatorSubsystem,
			Name: "calls_total", Help: "Generator calls by kind and status",
		}, []string{"call", "status"}),
		GeneratorLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: generatorSubsystem,
			Name: "latency_seconds", Help: "Generator call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"call"}),

		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: optimisticSubsystem,
			Name: "operations_total", Help: "Optimistic operations by outcome",
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: optimisticSubsystem,
			Name: "in_flight", Help: "Registered optimistic operations",
		}),

		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: cacheSubsystem,
			Name: "entries", Help: "Topics held in the content cache",
		}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: cacheSubsystem,
			Name: "evictions_total", Help: "Topics evicted by reason (expired, capacity, capacity_unsynced)",
		}, []string{"reason"}),

		SyncPassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: syncSubsystem,
			Name: "passes_total", Help: "Sync passes by result (ok, partial, skipped_offline)",
		}, []string{"result"}),
		SyncUnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: syncSubsystem,
			Name: "units_total", Help: "Paragraph units processed by result (written, existed, failed)",
		}, []string{"result"}),
		SyncPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: syncSubsystem,
			Name: "pending_topics", Help: "Topics waiting in the sync queue",
		}),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Endpoint labels a streaming route.
type Endpoint string

const (
	EndpointTopicStream   Endpoint = "topic_stream"
	EndpointChapterStream Endpoint = "chapter_stream"
)

// ErrorCode labels a stream failure.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeGenerator        ErrorCode = "generator"
	ErrorCodeWrite            ErrorCode = "write"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// =============================================================================
// Recording helpers
// =============================================================================

func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), status(success)).Inc()
}

func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status(success)).Observe(seconds)
}

func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

func (m *Metrics) RecordEvent(endpoint Endpoint, eventType string) {
	m.EventsTotal.WithLabelValues(string(endpoint), eventType).Inc()
}

func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordGeneratorCall records one outline or paragraph call.
func (m *Metrics) RecordGeneratorCall(call string, seconds float64, success bool) {
	m.GeneratorCallsTotal.WithLabelValues(call, status(success)).Inc()
	m.GeneratorLatencySeconds.WithLabelValues(call).Observe(seconds)
}

// RecordOperation records an optimistic operation outcome
// (committed, rolled_back, cancelled, stale).
func (m *Metrics) RecordOperation(outcome string) {
	m.OperationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

func (m *Metrics) SetCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}

// RecordEvictions counts n topics evicted for reason. capacity_unsynced
// marks evictions that dropped content the durable store never received.
func (m *Metrics) RecordEvictions(reason string, n int) {
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordSyncPass(result string) {
	m.SyncPassesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSyncUnits(result string, n int) {
	m.SyncUnitsTotal.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) SetSyncPending(n int) {
	m.SyncPending.Set(float64(n))
}
