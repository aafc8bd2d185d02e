package graph

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics for Prometheus scraping.
//
// Metrics exposed (all namespaced with "stepgraph_"):
//
//  1. inflight_steps (gauge): steps currently executing, across instances.
//     Labels: template_id.
//  2. ready_queue_depth (gauge): steps Ready but held back by MaxConcurrentSteps.
//     Labels: template_id.
//  3. step_latency_ms (histogram): duration of one step attempt.
//     Labels: template_id, kind, status (success, retryable, fatal, cancelled).
//  4. retries_total (counter): retried attempts.
//     Labels: template_id, kind, reason (transient, timeout).
//  5. checkpoint_failures_total (counter): checkpoint writes abandoned after retries.
//     Labels: reason.
//  6. workflows_total (counter): instances reaching a terminal status.
//     Labels: template_id, status.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, err := graph.New(reg, templates, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use.
type PrometheusMetrics struct {
	inflightSteps *prometheus.GaugeVec
	readyQueue    *prometheus.GaugeVec

	stepLatency *prometheus.HistogramVec

	retries            *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
	workflows          *prometheus.CounterVec

	registry prometheus.Registerer
	enabled  atomic.Bool
}

// NewPrometheusMetrics creates and registers all engine metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
//
// Histograms use buckets sized for generation backends, from 10ms to 5 minutes.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry}
	pm.enabled.Store(true)

	pm.inflightSteps = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepgraph",
		Name:      "inflight_steps",
		Help:      "Current number of steps executing",
	}, []string{"template_id"})

	pm.readyQueue = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepgraph",
		Name:      "ready_queue_depth",
		Help:      "Number of Ready steps waiting for a concurrency slot",
	}, []string{"template_id"})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stepgraph",
		Name:      "step_latency_ms",
		Help:      "Step attempt duration in milliseconds",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
	}, []string{"template_id", "kind", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepgraph",
		Name:      "retries_total",
		Help:      "Cumulative count of retried step attempts",
	}, []string{"template_id", "kind", "reason"})

	pm.checkpointFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepgraph",
		Name:      "checkpoint_failures_total",
		Help:      "Checkpoint writes abandoned after exhausting retries",
	}, []string{"reason"})

	pm.workflows = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepgraph",
		Name:      "workflows_total",
		Help:      "Workflow instances that reached a terminal status",
	}, []string{"template_id", "status"})

	return pm
}

// RecordStepLatency records the duration of one step attempt.
//
// status is one of "success", "retryable", "fatal" or "cancelled".
func (pm *PrometheusMetrics) RecordStepLatency(templateID, kind string, latency time.Duration, status string) {
	if !pm.enabled.Load() {
		return
	}
	pm.stepLatency.WithLabelValues(templateID, kind, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retried attempt. reason is "transient" or "timeout".
func (pm *PrometheusMetrics) IncrementRetries(templateID, kind, reason string) {
	if !pm.enabled.Load() {
		return
	}
	pm.retries.WithLabelValues(templateID, kind, reason).Inc()
}

// AddInflightSteps adjusts the in-flight gauge by delta.
func (pm *PrometheusMetrics) AddInflightSteps(templateID string, delta int) {
	if !pm.enabled.Load() {
		return
	}
	pm.inflightSteps.WithLabelValues(templateID).Add(float64(delta))
}

// AddReadyQueue adjusts the ready queue gauge by delta.
func (pm *PrometheusMetrics) AddReadyQueue(templateID string, delta int) {
	if !pm.enabled.Load() {
		return
	}
	pm.readyQueue.WithLabelValues(templateID).Add(float64(delta))
}

// IncrementCheckpointFailures counts a checkpoint write that was given up on.
func (pm *PrometheusMetrics) IncrementCheckpointFailures(reason string) {
	if !pm.enabled.Load() {
		return
	}
	pm.checkpointFailures.WithLabelValues(reason).Inc()
}

// IncrementWorkflows counts an instance reaching a terminal status.
func (pm *PrometheusMetrics) IncrementWorkflows(templateID string, status WorkflowStatus) {
	if !pm.enabled.Load() {
		return
	}
	pm.workflows.WithLabelValues(templateID, string(status)).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.enabled.Store(false)
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.enabled.Store(true)
}

// Reset clears gauge values (useful for testing).
// Counters and histograms are cumulative and keep their observations.
func (pm *PrometheusMetrics) Reset() {
	pm.inflightSteps.Reset()
	pm.readyQueue.Reset()
}
