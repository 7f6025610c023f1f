// Package metrics provides Prometheus metrics for the snapname pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job results recorded by the processing queue.
const (
	JobSuggested = "suggested"
	JobSkipped   = "skipped"
	JobFailed    = "failed"
	JobDuplicate = "duplicate"
)

// Rename results recorded by the executor.
const (
	RenameSuccess = "success"
	RenameFailure = "failure"
	RenameUndone  = "undone"
)

// Metrics holds every collector on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueueJobs        *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	AnalysisDuration prometheus.Histogram
	Suggestions      *prometheus.CounterVec
	Renames          *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
	FoldersByStatus  *prometheus.GaugeVec
}

// New creates and registers all collectors. Process and Go runtime
// collectors are included so /metrics is useful on its own.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()

	for _, c := range []prometheus.Collector{
		m.QueueJobs,
		m.QueueDepth,
		m.AnalysisDuration,
		m.Suggestions,
		m.Renames,
		m.BroadcastDropped,
		m.FoldersByStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.QueueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapname_queue_jobs_total",
		Help: "Processing queue jobs by result",
	}, []string{"result"})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapname_queue_depth",
		Help: "Jobs waiting for a worker",
	})

	m.AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapname_analysis_duration_seconds",
		Help:    "Duration of vision analysis calls",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	m.Suggestions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapname_suggestions_total",
		Help: "Suggestion transitions by resulting status",
	}, []string{"status"})

	m.Renames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapname_renames_total",
		Help: "Rename executions by result",
	}, []string{"result"})

	m.BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapname_broadcast_dropped_total",
		Help: "Events not delivered to a slow observer",
	})

	m.FoldersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapname_folders",
		Help: "Watched folders by status",
	}, []string{"status"})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobDone counts a finished queue job.
func (m *Metrics) JobDone(result string) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues(result).Inc()
}

// SetQueueDepth records the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveAnalysis records one analysis call.
func (m *Metrics) ObserveAnalysis(d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisDuration.Observe(d.Seconds())
}

// SuggestionStatus counts a suggestion entering status.
func (m *Metrics) SuggestionStatus(status string) {
	if m == nil {
		return
	}
	m.Suggestions.WithLabelValues(status).Inc()
}

// RenameDone counts a rename attempt.
func (m *Metrics) RenameDone(result string) {
	if m == nil {
		return
	}
	m.Renames.WithLabelValues(result).Inc()
}

// IncrementBroadcastDropped counts one undelivered event.
func (m *Metrics) IncrementBroadcastDropped() {
	if m == nil {
		return
	}
	m.BroadcastDropped.Inc()
}

// SetFolderCounts replaces the per-status folder gauge.
func (m *Metrics) SetFolderCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.FoldersByStatus.Reset()
	for status, n := range counts {
		m.FoldersByStatus.WithLabelValues(status).Set(float64(n))
	}
}
