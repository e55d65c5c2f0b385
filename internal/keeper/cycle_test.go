package keeper

import (
	"context"
	"errors"
	"testing"

	"pm-keeper/internal/endpoint"
	"pm-keeper/internal/ledger"

	"go.uber.org/zap"
)

func TestCycleRunsFundingBeforeLiquidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.positions[ledger.FundShort] = positions(3)
	h.remote.positions[ledger.FundLong] = positions(2)
	h.remote.positions[ledger.LiquidateShort] = positions(6)
	h.remote.positions[ledger.LiquidateLong] = positions(1)

	report, err := h.cycle.RunOnce(context.Background(), ModeAll)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(report.Phases) != 4 {
		t.Fatalf("expected 4 phases, got %d", len(report.Phases))
	}
	wantOps := []ledger.Op{ledger.FundShort, ledger.FundLong, ledger.LiquidateShort, ledger.LiquidateShort, ledger.LiquidateLong}
	if len(h.remote.sent) != len(wantOps) {
		t.Fatalf("expected %d submissions, got %d", len(wantOps), len(h.remote.sent))
	}
	for i, op := range wantOps {
		if h.remote.sent[i].op != op {
			t.Fatalf("submission %d: expected %s, got %s", i, op, h.remote.sent[i].op)
		}
	}
	nonces := h.remote.nonces()
	for i := range nonces {
		if nonces[i] != 7+uint64(i) {
			t.Fatalf("expected consecutive nonces from 7, got %v", nonces)
		}
	}
	if report.CycleID == "" || report.Aborted || report.Failures() != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.ShortSize != "600" || report.LongSize != "400" {
		t.Fatalf("expected market sizes in report, got %s/%s", report.ShortSize, report.LongSize)
	}
	if report.State.LastNonce != 11 {
		t.Fatalf("expected last nonce 11, got %d", report.State.LastNonce)
	}
	if len(h.sink.phases) != 4 {
		t.Fatalf("expected 4 phase tallies, got %d", len(h.sink.phases))
	}
}

func TestCycleEmptyWorkListsSubmitNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	report, err := h.cycle.RunOnce(context.Background(), ModeAll)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if h.remote.attempts != 0 {
		t.Fatalf("expected no submissions, got %d", h.remote.attempts)
	}
	if len(report.Phases) != 4 || len(h.remote.positionRead) != 4 {
		t.Fatalf("expected all phases to read and finish, got %d phases %d reads", len(report.Phases), len(h.remote.positionRead))
	}
	for _, p := range report.Phases {
		if p.Batches != 0 || !p.Clean() {
			t.Fatalf("unexpected phase %+v", p)
		}
	}
}

func TestCycleAbortsWhenNonceSyncFails(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.positions[ledger.FundShort] = positions(3)
	h.remote.nonceErr = ledger.NewError(ledger.KindFatal, "pendingNonce", errors.New("unauthorized"))

	report, err := h.cycle.RunOnce(context.Background(), ModeAll)
	if !errors.Is(err, ErrResync) {
		t.Fatalf("expected ErrResync, got %v", err)
	}
	if !report.Aborted || len(report.Phases) != 0 {
		t.Fatalf("expected aborted report without phases, got %+v", report)
	}
	if h.remote.attempts != 0 || len(h.remote.positionRead) != 0 {
		t.Fatalf("expected no reads or submissions after abort")
	}
}

func TestCycleRetriesTransientNonceReadWithRotation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.nonceErr = errRateLimited

	_, err := h.cycle.RunOnce(context.Background(), ModeFunding)
	if !errors.Is(err, ErrResync) {
		t.Fatalf("expected ErrResync, got %v", err)
	}
	if h.remote.nonceReads != 3 || h.endpoints.rotations != 2 {
		t.Fatalf("expected 3 reads and 2 rotations, got %d and %d", h.remote.nonceReads, h.endpoints.rotations)
	}
}

func TestCycleContinuesAfterRateLimitedPhase(t *testing.T) {
	h := newHarness(t, harnessOpts{maxAttempts: 5})
	h.remote.positions[ledger.FundShort] = positions(2)
	h.remote.positions[ledger.FundLong] = positions(2)
	h.remote.submitErr = func(n int, sub ledger.Submission) error {
		if n <= 5 {
			return errRateLimited
		}
		return nil
	}

	report, err := h.cycle.RunOnce(context.Background(), ModeAll)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Phases[0].Failed != 1 {
		t.Fatalf("expected first phase to fail its batch, got %+v", report.Phases[0])
	}
	if report.Phases[1].Succeeded != 1 {
		t.Fatalf("expected second phase to proceed and succeed, got %+v", report.Phases[1])
	}
	if len(report.Phases) != 4 || len(h.remote.positionRead) != 4 {
		t.Fatalf("expected all phases to run")
	}
	if h.remote.attempts != 6 {
		t.Fatalf("expected 5 failed attempts plus 1 success, got %d", h.remote.attempts)
	}
}

func TestCyclePhaseReadFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.positionErrs[ledger.FundLong] = ledger.NewError(ledger.KindFatal, "longFundings", errors.New("execution reverted"))
	h.remote.positions[ledger.LiquidateLong] = positions(1)

	report, err := h.cycle.RunOnce(context.Background(), ModeAll)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Phases[1].ReadErr == "" {
		t.Fatalf("expected read error on funding-long phase")
	}
	if report.Phases[3].Succeeded != 1 {
		t.Fatalf("expected liquidate-long to run, got %+v", report.Phases[3])
	}
	if report.Failures() != 1 {
		t.Fatalf("expected one failure in tally, got %d", report.Failures())
	}
}

func TestCycleCancellationIsNotAFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.positions[ledger.FundShort] = positions(3)
	h.remote.positions[ledger.LiquidateShort] = positions(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.remote.submitErr = func(n int, sub ledger.Submission) error {
		if n == 1 {
			cancel()
		}
		return nil
	}

	report, err := h.cycle.RunOnce(ctx, ModeAll)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Phases[0].Succeeded != 1 {
		t.Fatalf("expected in-flight funding batch to confirm, got %+v", report.Phases[0])
	}
	for _, p := range report.Phases[1:] {
		if !p.Cancelled || p.ReadErr != "" {
			t.Fatalf("expected %s to be cancelled without read error, got %+v", p.Op, p)
		}
	}
	if report.Failures() != 0 {
		t.Fatalf("expected no failures after cancellation, got %d", report.Failures())
	}
	if !report.Cancelled() || report.Aborted {
		t.Fatalf("expected cancelled, not aborted, report: %+v", report)
	}
}

func TestCycleLiquidationModeSkipsFunding(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.remote.positions[ledger.FundShort] = positions(3)
	h.remote.positions[ledger.LiquidateShort] = positions(2)

	report, err := h.cycle.RunOnce(context.Background(), ModeLiquidation)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(report.Phases) != 2 || report.Phases[0].Op != ledger.LiquidateShort {
		t.Fatalf("expected liquidation phases only, got %+v", report.Phases)
	}
	for _, call := range h.remote.sent {
		if call.op.IsFunding() {
			t.Fatalf("funding submitted in liquidation mode")
		}
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reports []Report
	err := h.cycle.RunLoop(ctx, ModeAll, 0, func(r Report) {
		reports = append(reports, r)
		if len(reports) == 2 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(reports))
	}
	if reports[0].CycleID == reports[1].CycleID {
		t.Fatalf("expected distinct cycle ids")
	}
}

func TestCycleWithEndpointPoolRotation(t *testing.T) {
	remote := newFakeRemote(t)
	remote.positions[ledger.LiquidateShort] = positions(1)
	remote.submitErr = func(n int, sub ledger.Submission) error {
		if n == 1 {
			return errRateLimited
		}
		return nil
	}
	var dialed []string
	pool, err := endpoint.New([]string{"https://a.example", "https://b.example"}, func(ctx context.Context, url string) (ledger.Remote, error) {
		dialed = append(dialed, url)
		return remote, nil
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	seq := NewSequencer(nil, nil)
	retry := RetryPolicy{MaxAttempts: 3}
	sched, err := NewScheduler(SchedulerDeps{
		Endpoints: pool,
		Sequencer: seq,
		Gas:       NewGasEstimator(10, 30_000_000, nil, nil),
		Fees:      FeePolicy{FundingMultiplier: 2, LiquidationMultiplier: 2},
		Retry:     retry,
		Waiter:    NewWaiter(0, 1, nil, nil),
		Sizes:     BatchSizes{Funding: 400, Liquidation: 5},
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	cycle, err := NewCycle(CycleDeps{Endpoints: pool, Sequencer: seq, Scheduler: sched, Retry: retry, ReadAttempts: 1})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	report, err := cycle.RunOnce(context.Background(), ModeLiquidation)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Phases[0].Succeeded != 1 {
		t.Fatalf("expected success after rotation, got %+v", report.Phases[0])
	}
	if len(dialed) != 2 || dialed[1] != "https://b.example" {
		t.Fatalf("expected redial against the next endpoint, got %v", dialed)
	}
	if report.State.EndpointIndex != 1 {
		t.Fatalf("expected endpoint index 1 in state, got %d", report.State.EndpointIndex)
	}
}
