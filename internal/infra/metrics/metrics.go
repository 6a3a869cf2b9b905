// Package metrics exposes Prometheus collectors for agent runs, tool calls
// and HTTP requests.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opirc/remoteagent/internal/domain/agent"
)

const namespace = "remoteagent"

// Metrics is an agent.Observer that records loop events.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	iterations    prometheus.Histogram
	modelCalls    prometheus.Counter
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	historyClears prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

var _ agent.Observer = (*Metrics)(nil)

// New registers every collector, plus the Go and process collectors, on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed agent runs by outcome.",
		}, []string{"outcome"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Model calls per run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		modelCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Iterations started, one model call each.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and result kind.",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
		historyClears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_clears_total",
			Help:      "Transcripts cleared.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.iterations, m.modelCalls, m.toolCalls, m.toolDuration,
		m.historyClears, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) OnEvent(_ context.Context, e agent.Event) {
	switch e.Kind {
	case agent.EventIterationStart:
		m.modelCalls.Inc()
	case agent.EventToolExecuted, agent.EventToolError:
		m.toolCalls.WithLabelValues(e.ToolName, e.ResultKind).Inc()
		m.toolDuration.WithLabelValues(e.ToolName).Observe(e.Elapsed.Seconds())
	case agent.EventResponseComplete:
		if e.Result != nil {
			m.runs.WithLabelValues(string(e.Result.Outcome)).Inc()
			m.iterations.Observe(float64(e.Result.Iterations))
		}
	case agent.EventRunFailed:
		m.runs.WithLabelValues(agent.StatusFailed).Inc()
	case agent.EventHistoryCleared:
		m.historyClears.Inc()
	}
}

// ObserveHTTP records one served request. route is the matched pattern,
// not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
