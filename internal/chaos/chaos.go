// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test. Observation is driven in
// rounds so a simulated clock can stand in for wall time.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Observe metrics are sampled every round but carry no threshold.
	Observe    []Metric
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Rounds     int
	// Tick advances the system by one round.
	Tick func(context.Context) error
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type    string // latency, failure, outage
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures one experiment execution.
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	// RecoveredAfter is the number of rounds a violated threshold took to
	// hold again.
	RecoveredAfter *int `json:"recovered_after,omitempty"`
}

type Violation struct {
	MetricName string  `json:"metric_name"`
	Expected   float64 `json:"expected"`
	Actual     float64 `json:"actual"`
	Round      int     `json:"round"`
}

type DataPoint struct {
	Round int     `json:"round"`
	Value float64 `json:"value"`
}

type ErrorEvent struct {
	Round     int    `json:"round"`
	Error     string `json:"error"`
	Component string `json:"component"`
}

// ErrSteadyState aborts an experiment whose system was unhealthy before any
// fault was injected.
var ErrSteadyState = errors.New("steady state invalid")

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{tracer: otel.Tracer("covernexus/chaos"), logger: logger}
}

// Run executes one experiment: validate steady state, inject, observe,
// roll back, then check the assertions.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	result.Violations = e.validateSteadyState(ctx, exp.SteadyState)
	if len(result.Violations) > 0 {
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyState)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Error: err.Error(), Component: action.Target})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	violatedAt := -1
	for round := 1; round <= exp.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if exp.Tick != nil {
			if err := exp.Tick(ctx); err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Round: round, Error: err.Error(), Component: "tick"})
			}
		}
		healthy := e.sample(ctx, round, exp.SteadyState, result, true)
		e.sample(ctx, round, exp.Observe, result, false)
		switch {
		case !healthy && violatedAt < 0:
			violatedAt = round
		case healthy && violatedAt >= 0 && result.RecoveredAfter == nil:
			n := round - violatedAt
			result.RecoveredAfter = &n
		}
	}

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	// One round with faults removed shows whether the system catches up.
	if exp.Tick != nil {
		round := exp.Rounds + 1
		if err := exp.Tick(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Round: round, Error: err.Error(), Component: "tick"})
		}
		e.sample(ctx, round, exp.SteadyState, result, true)
		e.sample(ctx, round, exp.Observe, result, false)
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.holds(value) {
			violations = append(violations, Violation{MetricName: m.Name, Expected: m.Threshold.Value, Actual: value})
		}
	}
	return violations
}

// sample records one observation per metric and reports whether every
// thresholded metric held.
func (e *Engine) sample(ctx context.Context, round int, metrics []Metric, result *Result, thresholds bool) bool {
	healthy := true
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Round: round, Error: err.Error(), Component: m.Name})
			healthy = false
			continue
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Round: round, Value: value})
		if thresholds && !m.Threshold.holds(value) {
			healthy = false
			result.Violations = append(result.Violations, Violation{
				MetricName: m.Name, Expected: m.Threshold.Value, Actual: value, Round: round,
			})
		}
	}
	return healthy
}

func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// Results returns a copy of every finished experiment.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out
}

// GameDay orchestrates a series of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// ExecuteGameDay runs every scenario in order and returns an error naming
// each experiment whose hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)))
	defer span.End()

	e.logger.InfoContext(ctx, "game day started", "name", day.Name, "date", day.Date.Format(time.DateOnly), "scenarios", len(day.Scenarios))

	var errs []error
	for i, scenario := range day.Scenarios {
		e.logger.InfoContext(ctx, "experiment started",
			"index", i+1, "name", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			e.logger.ErrorContext(ctx, "experiment aborted", "name", scenario.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		attrs := []any{
			"name", scenario.Name,
			"hypothesis_held", result.HypothesisHeld,
			"violations", len(result.Violations),
			"error_events", len(result.ErrorEvents),
			"duration", result.Duration,
		}
		if result.RecoveredAfter != nil {
			attrs = append(attrs, "recovered_after_rounds", *result.RecoveredAfter)
		}
		if !result.HypothesisHeld {
			e.logger.WarnContext(ctx, "hypothesis rejected", append(attrs, "failed", result.FailedAssertions)...)
			errs = append(errs, fmt.Errorf("%s: hypothesis rejected: %v", scenario.Name, result.FailedAssertions))
			continue
		}
		e.logger.InfoContext(ctx, "hypothesis held", attrs...)
	}
	return errors.Join(errs...)
}
