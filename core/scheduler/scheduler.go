package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"commitchain/core/hub"
	"commitchain/observability"
	telemetry "commitchain/observability/otel"
)

// Step is one unit of work of a tick. After names the steps that must have
// succeeded earlier in the same tick.
type Step struct {
	Name  string
	After []string
	Run   func(ctx context.Context) error
}

// Outcome is the per-tick result of a step.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNoop     Outcome = "already_performed"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// succeeded reports whether dependents may run.
func (o Outcome) succeeded() bool {
	return o == OutcomeOK || o == OutcomeNoop
}

// Result records what happened to a step during one tick.
type Result struct {
	Step     string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Report lists step results in execution order.
type Report struct {
	Started time.Time
	Results []Result
}

// Outcome returns the outcome of the named step, or "" if it is unknown.
func (r Report) Outcome(step string) Outcome {
	for _, res := range r.Results {
		if res.Step == step {
			return res.Outcome
		}
	}
	return ""
}

// Err joins the errors of every failed or rejected step.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil && !errors.Is(res.Err, hub.ErrAlreadyPerformed) {
			errs = append(errs, fmt.Errorf("%s: %w", res.Step, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Alerter receives errors the operator must act on.
type Alerter interface {
	Alert(ctx context.Context, step string, err error)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, step string, err error)

// Alert implements Alerter.
func (f AlerterFunc) Alert(ctx context.Context, step string, err error) {
	f(ctx, step, err)
}

// LogAlerter writes alerts at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(ctx context.Context, step string, err error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "operator alert", "step", step, "error", err)
}

// Scheduler runs a fixed step graph once per tick. Ticks never overlap.
type Scheduler struct {
	steps    []Step
	lease    Lease
	alerter  Alerter
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	metrics  *observability.HubMetrics
	now      func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithAlerter routes alert-severity step errors to a.
func WithAlerter(a Alerter) Option {
	return func(s *Scheduler) { s.alerter = a }
}

// WithInterval sets the pause between the end of one tick and the start of
// the next.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTimeout bounds a single tick.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates the step graph and returns a scheduler whose steps are in a
// stable topological order: among ready steps the one declared first runs
// first.
func New(steps []Step, lease Lease, opts ...Option) (*Scheduler, error) {
	ordered, err := order(steps)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	s := &Scheduler{
		steps:    ordered,
		lease:    lease,
		logger:   slog.Default(),
		interval: 15 * time.Second,
		metrics:  observability.Hub(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.alerter == nil {
		s.alerter = LogAlerter{Logger: s.logger}
	}
	return s, nil
}

// Steps returns the step names in execution order.
func (s *Scheduler) Steps() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.Name
	}
	return names
}

func order(steps []Step) ([]Step, error) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return nil, fmt.Errorf("scheduler: step %d has no name", i)
		}
		if step.Run == nil {
			return nil, fmt.Errorf("scheduler: step %q has no run function", name)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate step %q", name)
		}
		index[name] = i
	}
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, step := range steps {
		for _, dep := range step.After {
			j, ok := index[strings.TrimSpace(dep)]
			if !ok {
				return nil, fmt.Errorf("scheduler: step %q depends on unknown step %q", step.Name, dep)
			}
			if j == i {
				return nil, fmt.Errorf("scheduler: step %q depends on itself", step.Name)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	done := make([]bool, len(steps))
	ordered := make([]Step, 0, len(steps))
	for len(ordered) < len(steps) {
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyclic []string
			for i, step := range steps {
				if !done[i] {
					cyclic = append(cyclic, step.Name)
				}
			}
			return nil, fmt.Errorf("scheduler: dependency cycle among %s", strings.Join(cyclic, ", "))
		}
		done[next] = true
		ordered = append(ordered, steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}

// Tick acquires the lease and runs every step once. ErrLeaseHeld is returned
// when another runner owns the tick.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	release, err := s.lease.Acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{Started: s.now()}
	ctx, span := telemetry.Tracer().Start(ctx, "hub.tick")
	defer span.End()

	outcomes := make(map[string]Outcome, len(s.steps))
	for _, step := range s.steps {
		res := s.runStep(ctx, step, outcomes)
		outcomes[step.Name] = res.Outcome
		report.Results = append(report.Results, res)
	}
	elapsed := s.now().Sub(report.Started)
	s.metrics.ObserveTick(elapsed)
	if err := report.Err(); err != nil {
		span.SetStatus(codes.Error, "step failures")
	}
	return report, nil
}

func (s *Scheduler) runStep(ctx context.Context, step Step, outcomes map[string]Outcome) Result {
	res := Result{Step: step.Name}
	for _, dep := range step.After {
		if !outcomes[strings.TrimSpace(dep)].succeeded() {
			res.Outcome = OutcomeSkipped
			s.logger.WarnContext(ctx, "step skipped", "step", step.Name, "dependency", dep, "dependency_outcome", string(outcomes[dep]))
			s.metrics.ObserveStep(step.Name, string(res.Outcome), 0)
			return res
		}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "hub.step."+step.Name)
	defer span.End()
	started := s.now()
	err := s.runSafely(ctx, step)
	res.Duration = s.now().Sub(started)
	res.Err = err

	switch hub.Classify(err) {
	case hub.SeverityNone:
		res.Outcome = OutcomeOK
		if err != nil {
			res.Outcome = OutcomeNoop
		}
	case hub.SeverityLocal:
		res.Outcome = OutcomeRejected
		s.logger.WarnContext(ctx, "step rejected a write", "step", step.Name, "error", err)
	default:
		res.Outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "step failed", "step", step.Name, "error", err)
		s.alerter.Alert(ctx, step.Name, err)
	}
	span.SetAttributes(attribute.String("hub.step.outcome", string(res.Outcome)))
	s.metrics.ObserveStep(step.Name, string(res.Outcome), res.Duration)
	return res
}

// runSafely turns a step panic into an error so the rest of the tick runs.
func (s *Scheduler) runSafely(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "step panicked", "step", step.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: step %s: %v", ErrStepPanicked, step.Name, r)
		}
	}()
	return step.Run(ctx)
}

// Run ticks until ctx is cancelled. The interval is measured from the end
// of a tick so a slow tick delays the next one instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "steps", strings.Join(s.Steps(), ","), "interval", s.interval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		report, err := s.Tick(ctx)
		switch {
		case errors.Is(err, ErrLeaseHeld):
			s.logger.DebugContext(ctx, "tick lease held elsewhere")
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.ErrorContext(ctx, "tick aborted", "error", err)
			s.alerter.Alert(ctx, "tick", err)
		default:
			s.logger.DebugContext(ctx, "tick complete", "steps", len(report.Results))
		}
		timer.Reset(s.interval)
	}
}
