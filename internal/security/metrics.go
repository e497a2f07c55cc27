package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// PersistentLatency records persistent store client call latency by operation.
	PersistentLatency *prometheus.HistogramVec

	messagePushesTotal *prometheus.CounterVec
	creationsTotal     *prometheus.CounterVec
	fallbackLoadsTotal *prometheus.CounterVec
	filePushesTotal    *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is
// called the Observe helpers are no-ops.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thread_sync_requests_total",
			Help: "Total number of HTTP requests served by the reference store",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thread_sync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	PersistentLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thread_sync_persistent_latency_seconds",
			Help:    "Persistent store client operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	messagePushesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_sync_message_pushes_total",
		Help: "Messages pushed to the persistent store",
	}, []string{"result"})

	creationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_sync_thread_creations_total",
		Help: "Persistent thread creation attempts",
	}, []string{"result"})

	fallbackLoadsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_sync_fallback_loads_total",
		Help: "History loads from the persistent store",
	}, []string{"result"})

	filePushesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_sync_file_pushes_total",
		Help: "File snapshot pushes to the persistent store",
	}, []string{"result"})
}

// ObservePersistent records the latency of a persistent store call.
func ObservePersistent(op string, start time.Time) {
	if PersistentLatency != nil {
		PersistentLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// CountMessagePush records a message push outcome ("ok" or "error").
func CountMessagePush(result string) { inc(messagePushesTotal, result) }

// CountCreation records a creation outcome ("created", "adopted", "error").
func CountCreation(result string) { inc(creationsTotal, result) }

// CountFallbackLoad records a fallback load outcome.
func CountFallbackLoad(result string) { inc(fallbackLoadsTotal, result) }

// CountFilePush records a file push outcome ("ok", "skipped", "error").
func CountFilePush(result string) { inc(filePushesTotal, result) }

func inc(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
