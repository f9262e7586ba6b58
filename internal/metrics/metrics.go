// Package metrics holds the Prometheus collectors for rule evaluation and the
// HTTP service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/billingrules/internal/logger"
)

const namespace = "billing_rules"

// Rule outcomes
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeError     = "error"
)

// Cache lookup results
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Registry is served on /metrics. It carries the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	RuleEvaluations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_evaluations_total",
		Help:      "Rules evaluated, by outcome.",
	}, []string{"outcome"})

	Diagnostics = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coercion_diagnostics_total",
		Help:      "Fields that were absent or could not be compared during evaluation.",
	})

	CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_group_cache_lookups_total",
		Help:      "Rule group cache lookups, by result.",
	}, []string{"result"})

	Invalidations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_group_invalidations_total",
		Help:      "Rule group cache invalidations.",
	})

	OrderEvaluationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_evaluation_seconds",
		Help:      "Time to apply a rule group to one record.",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
	})

	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests, by route pattern and status code.",
	}, []string{"route", "code"})

	HTTPRequestSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_seconds",
		Help:      "HTTP request latency, by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logCounter("log_warnings_total", "Warnings logged, including sampled-out ones.", logger.TotalWarnings.Load)
	logCounter("log_errors_total", "Errors logged, including sampled-out ones.", logger.TotalErrors.Load)
	logCounter("http_4xx_total", "Client error responses.", logger.Total4xxErrors.Load)
	logCounter("http_5xx_total", "Server error responses.", logger.Total5xxErrors.Load)
	logCounter("http_slow_requests_total", "Requests slower than the slow request threshold.", logger.SlowRequests.Load)
}

func logCounter(name, help string, load func() int64) {
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(load()) })
}

// Handler serves Registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
