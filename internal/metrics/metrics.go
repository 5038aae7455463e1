// Package metrics exposes Prometheus instrumentation for SDK traffic.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder is implemented by Collector and Nop. The API client, reward
// manager and facade report through it.
type Recorder interface {
	RecordRequest(operation, outcome string, duration time.Duration)
	RecordHTTPStatus(operation string, statusCode int)
	RecordRewardResult(operation string, ok bool)
	RecordBackendInit(ok bool)
}

// Collector records SDK metrics in Prometheus
type Collector struct {
	requests     *prometheus.CounterVec
	httpStatus   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	rewardResult *prometheus.CounterVec
	backendInit  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it on reg. Collectors
// already present on reg are reused.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasureplay_api_requests_total",
			Help: "API requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasureplay_api_http_status_total",
			Help: "API responses by operation and HTTP status code",
		}, []string{"operation", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treasureplay_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		rewardResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasureplay_reward_operations_total",
			Help: "Reward operations by operation and result",
		}, []string{"operation", "outcome"}),
		backendInit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasureplay_backend_init_total",
			Help: "Backend handshakes by outcome",
		}, []string{"outcome"}),
	}

	c.requests = register(reg, c.requests)
	c.httpStatus = register(reg, c.httpStatus)
	c.latency = register(reg, c.latency)
	c.rewardResult = register(reg, c.rewardResult)
	c.backendInit = register(reg, c.backendInit)

	return c
}

// register adds col to reg, or returns the identical collector already
// registered there so several SDK instances can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) T {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return col
}

// RecordRequest counts a finished request and observes its latency
func (c *Collector) RecordRequest(operation, outcome string, duration time.Duration) {
	c.requests.WithLabelValues(operation, outcome).Inc()
	if outcome != OutcomeSkipped {
		c.latency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordHTTPStatus counts a response status code
func (c *Collector) RecordHTTPStatus(operation string, statusCode int) {
	c.httpStatus.WithLabelValues(operation, statusLabel(statusCode)).Inc()
}

// RecordRewardResult counts a reward manager result
func (c *Collector) RecordRewardResult(operation string, ok bool) {
	c.rewardResult.WithLabelValues(operation, outcome(ok)).Inc()
}

// RecordBackendInit counts a backend handshake
func (c *Collector) RecordBackendInit(ok bool) {
	c.backendInit.WithLabelValues(outcome(ok)).Inc()
}

// Handler returns an HTTP handler serving the gatherer's metrics
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// Nop discards all metrics
type Nop struct{}

func (Nop) RecordRequest(string, string, time.Duration) {}
func (Nop) RecordHTTPStatus(string, int)                 {}
func (Nop) RecordRewardResult(string, bool)              {}
func (Nop) RecordBackendInit(bool)                       {}
