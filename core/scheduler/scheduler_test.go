package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"commitchain/core/hub"
)

type recorder struct {
	mu     sync.Mutex
	ran    []string
	alerts []string
}

func (r *recorder) step(name string, err error, after ...string) Step {
	return Step{Name: name, After: after, Run: func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ran = append(r.ran, name)
		return err
	}}
}

func (r *recorder) Alert(_ context.Context, step string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, step)
}

func TestOrderIsStableTopological(t *testing.T) {
	rec := &recorder{}
	s, err := New([]Step{
		rec.step("broadcast", nil, "confirm_withdrawals"),
		rec.step("sync_contract", nil),
		rec.step("admissions", nil),
		rec.step("respond_challenges", nil, "sync_contract"),
		rec.step("confirm_withdrawals", nil, "respond_challenges"),
		rec.step("deposits", nil, "admissions"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"sync_contract", "admissions", "respond_challenges", "confirm_withdrawals", "broadcast", "deposits",
	}, s.Steps())

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, s.Steps(), rec.ran)
}

func TestGraphValidation(t *testing.T) {
	rec := &recorder{}
	_, err := New([]Step{rec.step("a", nil, "missing")}, nil)
	require.ErrorContains(t, err, "unknown step")

	_, err = New([]Step{rec.step("a", nil, "b"), rec.step("b", nil, "a")}, nil)
	require.ErrorContains(t, err, "cycle")

	_, err = New([]Step{rec.step("a", nil), rec.step("a", nil)}, nil)
	require.ErrorContains(t, err, "duplicate")

	_, err = New([]Step{rec.step("a", nil, "a")}, nil)
	require.Error(t, err)

	_, err = New([]Step{{Name: "nil-run"}}, nil)
	require.Error(t, err)
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	rec := &recorder{}
	outage := hub.Unavailable("eth_call", errors.New("connection refused"))
	s, err := New([]Step{
		rec.step("sync_contract", outage),
		rec.step("respond_challenges", nil, "sync_contract"),
		rec.step("confirm_withdrawals", nil, "respond_challenges"),
		rec.step("admissions", nil),
		rec.step("checkpoint", nil, "admissions"),
	}, nil, WithAlerter(rec))
	require.NoError(t, err)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"sync_contract", "admissions", "checkpoint"}, rec.ran)
	require.Equal(t, OutcomeFailed, report.Outcome("sync_contract"))
	require.Equal(t, OutcomeSkipped, report.Outcome("respond_challenges"))
	require.Equal(t, OutcomeSkipped, report.Outcome("confirm_withdrawals"))
	require.Equal(t, OutcomeOK, report.Outcome("checkpoint"))
	require.Equal(t, []string{"sync_contract"}, rec.alerts)
	require.ErrorIs(t, report.Err(), hub.ErrExternalUnavailable)
}

func TestErrorPolicy(t *testing.T) {
	rec := &recorder{}
	s, err := New([]Step{
		rec.step("checkpoint", hub.ErrAlreadyPerformed),
		rec.step("broadcast", nil, "checkpoint"),
		rec.step("swaps", hub.Invariantf("nonce reused")),
		rec.step("after_swaps", nil, "swaps"),
		rec.step("respond_challenges", hub.PriorStatef("allotment missing")),
	}, nil, WithAlerter(rec))
	require.NoError(t, err)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, report.Outcome("checkpoint"))
	require.Equal(t, OutcomeOK, report.Outcome("broadcast"))
	require.Equal(t, OutcomeRejected, report.Outcome("swaps"))
	require.Equal(t, OutcomeSkipped, report.Outcome("after_swaps"))
	require.Equal(t, OutcomeFailed, report.Outcome("respond_challenges"))
	require.Equal(t, []string{"respond_challenges"}, rec.alerts)
	require.NotErrorIs(t, report.Err(), hub.ErrAlreadyPerformed)
}

func TestTickRespectsLease(t *testing.T) {
	rec := &recorder{}
	lease := NewLocalLease()
	s, err := New([]Step{rec.step("sync_contract", nil)}, lease)
	require.NoError(t, err)

	release, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	_, err = s.Tick(context.Background())
	require.ErrorIs(t, err, ErrLeaseHeld)
	require.Empty(t, rec.ran)

	release()
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"sync_contract"}, rec.ran)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	s, err := New([]Step{{Name: "count", Run: func(context.Context) error {
		ticks++
		if ticks == 2 {
			cancel()
		}
		return nil
	}}}, nil, WithInterval(1))
	require.NoError(t, err)
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	require.Equal(t, 2, ticks)
}

func TestPanickingStepFailsWithoutStoppingTick(t *testing.T) {
	rec := &recorder{}
	var counts map[string]int
	s, err := New([]Step{
		{Name: "sync_contract", Run: func(context.Context) error {
			counts["ticks"]++
			return nil
		}},
		rec.step("respond_challenges", nil, "sync_contract"),
		rec.step("admissions", nil),
	}, nil, WithAlerter(rec))
	require.NoError(t, err)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, report.Outcome("sync_contract"))
	require.Equal(t, OutcomeSkipped, report.Outcome("respond_challenges"))
	require.Equal(t, OutcomeOK, report.Outcome("admissions"))
	require.Equal(t, []string{"admissions"}, rec.ran)
	require.Equal(t, []string{"sync_contract"}, rec.alerts)
	require.ErrorIs(t, report.Err(), ErrStepPanicked)
	require.ErrorContains(t, report.Err(), "assignment to entry in nil map")
}
