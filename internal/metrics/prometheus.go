package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/arbor"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger arbor.ILogger

	// Queue metrics
	jobsEnqueuedTotal *prometheus.CounterVec
	jobsFinishedTotal *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	jobsInFlight      prometheus.Gauge

	// Event metrics
	eventsPublishedTotal *prometheus.CounterVec
	publishErrorsTotal   prometheus.Counter

	// Stream metrics
	activeStreams prometheus.Gauge

	// Retention metrics
	recordsPurgedTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink
func NewPrometheusSink(reg prometheus.Registerer, logger arbor.ILogger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initQueueMetrics(reg)
	s.initEventMetrics(reg)
	return s
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.jobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_jobs_enqueued_total",
		Help: "Total number of jobs enqueued.",
	}, []string{"task"})

	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status.",
	}, []string{"status"})

	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "folio_job_duration_seconds",
		Help:    "Wall time of a job from claim to terminal event.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "folio_jobs_in_flight",
		Help: "Number of jobs currently executing.",
	})

	s.recordsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "folio_job_records_purged_total",
		Help: "Total number of expired job records removed.",
	})

	s.register(reg, s.jobsEnqueuedTotal, "folio_jobs_enqueued_total")
	s.register(reg, s.jobsFinishedTotal, "folio_jobs_finished_total")
	s.register(reg, s.jobDuration, "folio_job_duration_seconds")
	s.register(reg, s.jobsInFlight, "folio_jobs_in_flight")
	s.register(reg, s.recordsPurgedTotal, "folio_job_records_purged_total")
}

func (s *PrometheusSink) initEventMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_events_published_total",
		Help: "Total number of job events published.",
	}, []string{"event"})

	s.publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "folio_event_publish_errors_total",
		Help: "Total number of failed event publishes.",
	})

	s.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "folio_active_streams",
		Help: "Number of open SSE and WebSocket event streams.",
	})

	s.register(reg, s.eventsPublishedTotal, "folio_events_published_total")
	s.register(reg, s.publishErrorsTotal, "folio_event_publish_errors_total")
	s.register(reg, s.activeStreams, "folio_active_streams")
}

// register attempts to register a collector, logging any errors without propagating them
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
	}
}

func (s *PrometheusSink) JobEnqueued(task string) {
	s.jobsEnqueuedTotal.WithLabelValues(task).Inc()
}

func (s *PrometheusSink) JobStarted() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobFinished(status string, duration time.Duration) {
	s.jobsInFlight.Dec()
	s.jobsFinishedTotal.WithLabelValues(status).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) EventPublished(kind string) {
	s.eventsPublishedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) PublishError() {
	s.publishErrorsTotal.Inc()
}

func (s *PrometheusSink) StreamOpened() {
	s.activeStreams.Inc()
}

func (s *PrometheusSink) StreamClosed() {
	s.activeStreams.Dec()
}

func (s *PrometheusSink) RecordsPurged(count int) {
	s.recordsPurgedTotal.Add(float64(count))
}

// WatchQueueDepth exposes the queue's message count as a gauge read at scrape time
func (s *PrometheusSink) WatchQueueDepth(reg prometheus.Registerer, depth func(ctx context.Context) (int, error)) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "folio_queue_depth",
		Help: "Number of queued or in-flight job messages.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := depth(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read queue depth")
			return 0
		}
		return float64(n)
	})
	s.register(reg, gauge, "folio_queue_depth")
}
