// Package metrics records action, plan and planner outcomes in Prometheus
// form. Each Collector owns its registry so tests and runs never share state.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the agent's metric vectors.
type Collector struct {
	reg *prometheus.Registry

	actionsTotal     *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	selectorAttempts *prometheus.CounterVec
	plansTotal       *prometheus.CounterVec
	planSteps        prometheus.Histogram
	llmRequests      *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	interceptions    *prometheus.CounterVec

	log zerolog.Logger
}

func NewCollector(namespace string, log zerolog.Logger) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{reg: reg, log: log.With().Str("comp", "metrics").Logger()}

	c.actionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed plan actions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	c.actionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Wall time of one action including selector fallbacks",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)
	c.selectorAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_attempts_total",
			Help:      "Candidate selector attempts by outcome",
		},
		[]string{"outcome"},
	)
	c.plansTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Interact calls by outcome and error kind",
		},
		[]string{"outcome", "error_kind"},
	)
	c.planSteps = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_steps",
			Help:      "Number of steps in normalized plans",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)
	c.llmRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Planner model calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	c.llmDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Planner model call latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
	c.interceptions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptions_total",
			Help:      "Obstructions handled outside the plan (popup, dialog, cookie banner)",
		},
		[]string{"type"},
	)
	return c
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RecordAction counts one finished action.
func (c *Collector) RecordAction(kind string, ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.actionsTotal.WithLabelValues(kind, outcome(ok)).Inc()
	c.actionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (c *Collector) RecordSelectorAttempt(ok bool) {
	if c == nil {
		return
	}
	c.selectorAttempts.WithLabelValues(outcome(ok)).Inc()
}

// RecordPlan counts one Interact call; errorKind is empty on success.
func (c *Collector) RecordPlan(ok bool, errorKind string, steps int) {
	if c == nil {
		return
	}
	c.plansTotal.WithLabelValues(outcome(ok), errorKind).Inc()
	if steps > 0 {
		c.planSteps.Observe(float64(steps))
	}
}

func (c *Collector) RecordLLMRequest(provider string, ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.llmRequests.WithLabelValues(provider, outcome(ok)).Inc()
	c.llmDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) RecordInterception(kind string) {
	if c == nil {
		return
	}
	c.interceptions.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry as a gatherer.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	c.log.Debug().Str("path", path).Msg("metrics written")
	return nil
}
