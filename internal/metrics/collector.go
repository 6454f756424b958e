// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/stepflow/resilience"
	"github.com/BaSui01/stepflow/types"
)

// Collector holds the engine's Prometheus instruments. A nil *Collector is
// valid and records nothing, so wiring metrics stays optional.
type Collector struct {
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepAttempts *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	deadLettersTotal prometheus.Counter
	checkpointsTotal *prometheus.CounterVec
}

// NewCollector registers the engine's instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests hand in a fresh
// registry so parallel tests do not collide.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)
	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		},
		[]string{"workflow"},
	)
	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed steps by type and terminal status",
		},
		[]string{"type", "status"},
	)
	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds across all attempts",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	c.stepAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempts",
			Help:      "Attempts consumed per step execution",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"type"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"key", "to"},
	)
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"key"},
	)

	c.deadLettersTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Steps recorded to the dead-letter sink",
		},
	)
	c.checkpointsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint persistence attempts by outcome",
		},
		[]string{"outcome"},
	)

	return c
}

// RunFinished records a run's terminal status and duration.
func (c *Collector) RunFinished(workflowName string, status types.RunStatus, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

// StepFinished records one step's terminal state.
func (c *Collector) StepFinished(stepType string, status types.StepStatus, attempts int, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(stepType, string(status)).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	if attempts > 0 {
		c.stepAttempts.WithLabelValues(stepType).Observe(float64(attempts))
	}
}

// DeadLetterRecorded counts one dead-letter entry.
func (c *Collector) DeadLetterRecorded() {
	if c == nil {
		return
	}
	c.deadLettersTotal.Inc()
}

// CheckpointSaved counts a checkpoint write by outcome.
func (c *Collector) CheckpointSaved(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.checkpointsTotal.WithLabelValues(outcome).Inc()
}

// OnStateChange implements resilience.BreakerEventHandler so the collector
// can be wired directly into the breaker registry.
func (c *Collector) OnStateChange(event resilience.BreakerEvent) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(event.Key, event.NewState.String()).Inc()
	c.breakerState.WithLabelValues(event.Key).Set(float64(event.NewState))
}
