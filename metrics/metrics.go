// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vision"

// Path labels which side of the pipeline produced an observation.
const (
	PathBackground = "background"
	PathSync       = "sync"
)

// Collectors groups the service metrics on a private registry. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	framesEnqueued prometheus.Counter
	framesDropped  prometheus.Counter
	cacheHits      prometheus.Counter
	syncDetections prometheus.Counter
	cacheUpdates   prometheus.Counter
	detectorErrors *prometheus.CounterVec
	inference      *prometheus.HistogramVec
	announcements  prometheus.Counter
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		framesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_enqueued_total",
			Help: "Frames accepted by the background queue.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames dropped because the background queue was full.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Requests answered from cached background results.",
		}),
		syncDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_detections_total",
			Help: "Requests that ran detection synchronously.",
		}),
		cacheUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_updates_total",
			Help: "Background results published to the cache.",
		}),
		detectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detector_errors_total",
			Help: "Detector failures by pipeline path.",
		}, []string{"path"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "inference_seconds",
			Help:    "Detector inference latency by pipeline path.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"path"}),
		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "announcements_total",
			Help: "Announcements delivered to sinks.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.framesEnqueued,
		c.framesDropped,
		c.cacheHits,
		c.syncDetections,
		c.cacheUpdates,
		c.detectorErrors,
		c.inference,
		c.announcements,
	)
	return c
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Collectors) Gauge(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (c *Collectors) FrameQueued(accepted bool) {
	if c == nil {
		return
	}
	if accepted {
		c.framesEnqueued.Inc()
	} else {
		c.framesDropped.Inc()
	}
}

func (c *Collectors) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

func (c *Collectors) SyncDetection() {
	if c == nil {
		return
	}
	c.syncDetections.Inc()
}

func (c *Collectors) CacheUpdated() {
	if c == nil {
		return
	}
	c.cacheUpdates.Inc()
}

func (c *Collectors) DetectorError(path string) {
	if c == nil {
		return
	}
	c.detectorErrors.WithLabelValues(path).Inc()
}

func (c *Collectors) ObserveInference(path string, d time.Duration) {
	if c == nil {
		return
	}
	c.inference.WithLabelValues(path).Observe(d.Seconds())
}

func (c *Collectors) Announced() {
	if c == nil {
		return
	}
	c.announcements.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests that gather values directly.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}
