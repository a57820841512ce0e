// Package metrics exposes Prometheus instrumentation for the story
// processing pipeline on a private registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

var registry = prometheus.NewRegistry()

var (
	// StoriesQueued counts stories written to the audit store and enqueued
	// for classification, labelled by source.
	StoriesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "stories_queued_total",
		Help:      "Stories accepted into the audit store and enqueued.",
	}, []string{"source"})

	// StoriesProcessed counts stories scored by the classifier.
	StoriesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "stories_processed_total",
		Help:      "Stories scored by the classifier.",
	})

	// StoriesAboveThreshold counts stories whose combined score met their
	// project's confidence threshold.
	StoriesAboveThreshold = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "stories_above_threshold_total",
		Help:      "Stories at or above their project confidence threshold.",
	})

	// StoriesPosted counts stories accepted by the central server.
	StoriesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "stories_posted_total",
		Help:      "Stories accepted by the central server.",
	})

	// JobsProcessed counts classify-and-post jobs by outcome: ok, retried,
	// buried, or rejected.
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "jobs_processed_total",
		Help:      "Classify-and-post jobs by outcome.",
	}, []string{"outcome"})

	// PipelineErrors counts errors by taxonomy kind: config, source,
	// extraction, model, transient_post, permanent_post, audit_store.
	PipelineErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyproc",
		Name:      "pipeline_errors_total",
		Help:      "Errors observed in the pipeline by kind.",
	}, []string{"kind"})

	// QueueDepth reports broker list depths, labelled pending, retry, dead.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storyproc",
		Name:      "queue_depth",
		Help:      "Broker queue depths.",
	}, []string{"state"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		StoriesQueued,
		StoriesProcessed,
		StoriesAboveThreshold,
		StoriesPosted,
		JobsProcessed,
		PipelineErrors,
		QueueDepth,
	)
}

// Handler returns the exposition handler for the pipeline registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve starts a metrics HTTP server on addr. The caller owns shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		// The pipeline keeps running without exposition.
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics server stopped", "addr", addr, "error", err.Error())
		}
	}()
	return server
}

// SetQueueDepths updates the queue depth gauges.
func SetQueueDepths(pending, retry, dead int64) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("retry").Set(float64(retry))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

// RecordError increments the error counter under the taxonomy kind of err.
func RecordError(err error) {
	PipelineErrors.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrConfig):
		return "config"
	case errors.Is(err, core.ErrTransientSource):
		return "source"
	case errors.Is(err, core.ErrExtraction):
		return "extraction"
	case errors.Is(err, core.ErrModel):
		return "model"
	case errors.Is(err, core.ErrTransientPost):
		return "transient_post"
	case errors.Is(err, core.ErrPermanentPost):
		return "permanent_post"
	case errors.Is(err, core.ErrAuditStore):
		return "audit_store"
	default:
		return "other"
	}
}
