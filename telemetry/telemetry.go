package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector captures telemetry events emitted by the dispatch layer.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They must be inexpensive to call because hooks run
// inline on the device actor goroutine.
type Collector interface {
	ObserveCall(operation, result string, elapsed time.Duration)
	SetQueueDepth(depth int)
	IncRejected(operation, reason string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveCall(string, string, time.Duration) {}
func (noopCollector) SetQueueDepth(int)                         {}
func (noopCollector) IncRejected(string, string)                {}

// PrometheusCollector exposes dispatch metrics via Prometheus.
type PrometheusCollector struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	rejected     *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

// NewPrometheusCollector registers the required metrics with the provided
// registry, or the default registry when reg is nil. Metrics already present
// in the registry are reused.
func NewPrometheusCollector(reg *prometheus.Registry) (*PrometheusCollector, error) {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		gatherer = reg
	}

	calls, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devsim_dispatch_calls_total",
		Help: "Number of device calls executed by the device actor, by operation and result.",
	}, []string{"operation", "result"}))
	if err != nil {
		return nil, err
	}
	callDuration, err := register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devsim_dispatch_call_duration_seconds",
		Help:    "Time spent executing device calls, including script execution.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}
	queueDepth, err := register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devsim_dispatch_queue_depth",
		Help: "Number of calls waiting in the device actor queue.",
	}))
	if err != nil {
		return nil, err
	}
	rejected, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devsim_router_rejected_total",
		Help: "Number of requests answered with an exception before or instead of reaching the device.",
	}, []string{"operation", "reason"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		calls:        calls,
		callDuration: callDuration,
		queueDepth:   queueDepth,
		rejected:     rejected,
		gatherer:     gatherer,
	}, nil
}

// register adds c to reg or returns the collector registered earlier under the same name.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// ObserveCall records one executed device call.
func (p *PrometheusCollector) ObserveCall(operation, result string, elapsed time.Duration) {
	if p == nil || p.calls == nil {
		return
	}
	p.calls.WithLabelValues(operation, result).Inc()
	if result == "ok" || result == "fault" {
		p.callDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

// SetQueueDepth updates the queue depth gauge.
func (p *PrometheusCollector) SetQueueDepth(depth int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}

// IncRejected counts a request answered with an exception by the router.
func (p *PrometheusCollector) IncRejected(operation, reason string) {
	if p == nil || p.rejected == nil {
		return
	}
	p.rejected.WithLabelValues(operation, reason).Inc()
}

// Handler returns an HTTP handler serving the collector's registry.
func (p *PrometheusCollector) Handler() http.Handler {
	if p == nil || p.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
