// Package metrics exports orchestrator runs and tool executions as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skosovsky/conduit"
)

// Collector implements conduit.Observer. Pass it with conduit.WithObserver.
type Collector struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	finalizations  *prometheus.CounterVec
	limitsExceeded *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg. A nil reg leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_runs_total",
			Help: "Total number of orchestrator runs by outcome",
		}, []string{"provider", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_run_duration_seconds",
			Help:    "Duration of orchestrator runs in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_turns_total",
			Help: "Total number of model turns by kind (tools, text)",
		}, []string{"provider", "kind"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_tool_calls_total",
			Help: "Total number of tool executions by status",
		}, []string{"tool", "status"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_tool_duration_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"tool"}),
		finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_finalizations_total",
			Help: "Total number of finalization turns",
		}, []string{"provider"}),
		limitsExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_tool_loop_limit_exceeded_total",
			Help: "Total number of runs stopped by the tool turn limit",
		}, []string{"provider"}),
	}
}

func (c *Collector) TurnCompleted(_ context.Context, provider string, _ int, toolCalls int) {
	kind := "text"
	if toolCalls > 0 {
		kind = "tools"
	}
	c.turns.WithLabelValues(provider, kind).Inc()
}

func (c *Collector) ToolExecuted(_ context.Context, res conduit.ToolResult, d time.Duration) {
	c.toolCalls.WithLabelValues(res.ToolName, toolStatus(res)).Inc()
	c.toolDuration.WithLabelValues(res.ToolName).Observe(d.Seconds())
}

func (c *Collector) Finalized(_ context.Context, provider string) {
	c.finalizations.WithLabelValues(provider).Inc()
}

func (c *Collector) LoopLimitExceeded(_ context.Context, provider string, _ int) {
	c.limitsExceeded.WithLabelValues(provider).Inc()
}

func (c *Collector) RunCompleted(_ context.Context, provider string, d time.Duration, err error) {
	c.runs.WithLabelValues(provider, runStatus(err)).Inc()
	c.runDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func toolStatus(res conduit.ToolResult) string {
	if res.OK {
		return "ok"
	}
	if res.Err == nil {
		return "error"
	}
	return conduit.ToolOutcome(res.Err)
}

func runStatus(err error) string {
	var (
		limit     *conduit.ToolLoopLimitExceeded
		transport *conduit.TransportError
		cfg       *conduit.ConfigurationError
		schema    *conduit.SchemaError
		coercion  *conduit.CoercionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &limit):
		return "tool_loop_limit"
	case errors.As(err, &transport):
		return "transport_error"
	case errors.As(err, &cfg):
		return "config_error"
	case errors.As(err, &schema), errors.As(err, &coercion):
		return "output_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

var _ conduit.Observer = (*Collector)(nil)
