package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// BatchSizes are the per-family ceilings on positions per call.
type BatchSizes struct {
	Funding     int
	Liquidation int
}

func (b BatchSizes) For(op ledger.Op) int {
	if op.IsFunding() {
		return b.Funding
	}
	return b.Liquidation
}

// Partition splits work into contiguous batches of at most size entries.
func Partition(work []common.Address, size int) [][]common.Address {
	if len(work) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(work)
	}
	batches := make([][]common.Address, 0, (len(work)+size-1)/size)
	for start := 0; start < len(work); start += size {
		end := start + size
		if end > len(work) {
			end = len(work)
		}
		batches = append(batches, work[start:end:end])
	}
	return batches
}

type SchedulerDeps struct {
	Endpoints Endpoints
	Sequencer *Sequencer
	Gas       *GasEstimator
	Fees      FeePolicy
	Retry     RetryPolicy
	Waiter    *Waiter
	Sizes     BatchSizes
	Pacing    time.Duration
	Sink      Sink
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// Scheduler drives one submission per batch, strictly in order, through
// sequencing, pricing, retry and confirmation.
type Scheduler struct {
	endpoints Endpoints
	seq       *Sequencer
	gas       *GasEstimator
	fees      FeePolicy
	retry     RetryPolicy
	waiter    *Waiter
	sizes     BatchSizes
	pacing    time.Duration
	sink      Sink
	log       *zap.Logger
	metrics   *metrics.Metrics

	cycleID string
	retries int
}

func NewScheduler(deps SchedulerDeps) (*Scheduler, error) {
	if deps.Endpoints == nil || deps.Sequencer == nil || deps.Gas == nil || deps.Waiter == nil {
		return nil, errors.New("scheduler requires endpoints, sequencer, gas estimator and waiter")
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry.MaxAttempts = 1
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	return &Scheduler{
		endpoints: deps.Endpoints,
		seq:       deps.Sequencer,
		gas:       deps.Gas,
		fees:      deps.Fees,
		retry:     deps.Retry,
		waiter:    deps.Waiter,
		sizes:     deps.Sizes,
		pacing:    deps.Pacing,
		sink:      deps.Sink,
		log:       deps.Log,
		metrics:   deps.Metrics,
	}, nil
}

// Retries counts retries since the current cycle began.
func (s *Scheduler) Retries() int {
	return s.retries
}

func (s *Scheduler) beginCycle(id string) {
	s.cycleID = id
	s.retries = 0
}

// Run processes work for op. Cancellation of ctx is observed only between
// batches; a batch that has started runs to completion.
func (s *Scheduler) Run(ctx context.Context, op ledger.Op, work []common.Address) PhaseResult {
	started := time.Now()
	batches := Partition(work, s.sizes.For(op))
	res := PhaseResult{Op: op, Items: len(work), Batches: len(batches)}
	log := s.log.With(zap.String("op", string(op)), zap.String("cycle_id", s.cycleID))

	for i, batch := range batches {
		if ctx.Err() != nil {
			res.Skipped = len(batches) - i
			res.Cancelled = true
			log.Warn("cancelled, skipping remaining batches", zap.Int("skipped", res.Skipped))
			break
		}
		out, err := s.runBatch(context.WithoutCancel(ctx), op, i, batch)
		res.Outcomes = append(res.Outcomes, out)
		if s.sink != nil {
			s.sink.Outcome(s.cycleID, op, out)
		}
		if err != nil {
			res.Failed++
			s.metrics.BatchesFailed.Inc()
			log.Error("batch failed",
				zap.Int("batch", i),
				zap.Int("size", len(batch)),
				zap.String("status", string(out.Status)),
				zap.String("kind", string(ledger.KindOf(err))),
				zap.Int("attempts", out.Attempt),
				zap.Error(err),
			)
		} else {
			res.Succeeded++
			log.Info("batch confirmed",
				zap.Int("batch", i),
				zap.Int("size", len(batch)),
				zap.String("hash", out.Hash.Hex()),
				zap.Uint64("nonce", out.Nonce),
				zap.Uint64("gas_used", out.GasUsed),
			)
		}
		if i < len(batches)-1 {
			_ = sleepCtx(ctx, s.pacing)
		}
	}
	res.Duration = time.Since(started)
	return res
}

func (s *Scheduler) runBatch(ctx context.Context, op ledger.Op, index int, batch []common.Address) (Outcome, error) {
	out := Outcome{Batch: index, Size: len(batch), Status: StatusFailed}
	data, err := ledger.EncodeCall(op, batch)
	if err != nil {
		out.Kind = ledger.KindFatal
		out.Detail = err.Error()
		return out, ledger.NewError(ledger.KindFatal, op.WriteMethod(), err)
	}
	nonce, err := s.seq.Reserve()
	if err != nil {
		out.Kind = ledger.KindFatal
		out.Detail = err.Error()
		return out, ledger.NewError(ledger.KindFatal, "reserve", err)
	}
	call := PreparedCall{Op: op, Batch: batch, Data: data, Nonce: nonce}

	var (
		bumps    int
		timeouts int
		pending  []common.Hash
		lastErr  error
	)
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		out, err = s.attempt(ctx, &call, bumps, attempt)
		out.Batch = index
		if err == nil {
			s.seq.Confirm(call.Nonce)
			s.metrics.BatchesConfirmed.Inc()
			return out, nil
		}
		lastErr = err
		kind := ledger.KindOf(err)

		switch kind {
		case ledger.KindExecutionRejected, ledger.KindOutOfGas:
			s.seq.Confirm(call.Nonce)
			return out, err
		case ledger.KindTimeout:
			pending = append(pending, out.Hash)
			timeouts++
			if timeouts == 1 {
				err = ledger.NewError(ledger.KindEndpointTransient, "receipt", err)
			}
		case ledger.KindSequenceStale:
			s.seq.Invalidate(call.Nonce)
			if len(pending) > 0 {
				prev, done, prevErr := s.checkPending(ctx, pending, call)
				pending = nil
				if done {
					prev.Batch = index
					prev.Attempt = attempt + 1
					return prev, prevErr
				}
			}
		}

		decision := s.retry.Decide(err, attempt)
		if !decision.Retry {
			break
		}
		s.retries++
		if decision.Rotate {
			s.endpoints.Rotate()
			s.metrics.EndpointRotations.Inc()
		}
		if decision.AdvanceNonce {
			prev := call.Nonce
			if call.Nonce, err = s.seq.Reserve(); err != nil {
				lastErr = err
				break
			}
			s.metrics.StaleNonceRetries.Inc()
			s.log.Warn("stale nonce, advancing", zap.Uint64("from", prev), zap.Uint64("to", call.Nonce))
		}
		if decision.BumpFee {
			bumps++
		}
		s.log.Warn("retrying batch",
			zap.String("op", string(op)),
			zap.Int("batch", index),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(kind)),
			zap.Duration("wait", decision.Wait),
			zap.String("endpoint", s.endpoints.Current()),
			zap.Error(lastErr),
		)
		_ = sleepCtx(ctx, decision.Wait)
	}

	s.resync(ctx)
	out.Kind = ledger.KindOf(lastErr)
	out.Status = statusFor(out.Kind)
	if lastErr != nil {
		out.Detail = lastErr.Error()
	}
	return out, lastErr
}

func (s *Scheduler) attempt(ctx context.Context, call *PreparedCall, bumps, attempt int) (Outcome, error) {
	out := Outcome{
		Size:     len(call.Batch),
		Nonce:    call.Nonce,
		Attempt:  attempt + 1,
		Status:   StatusFailed,
		Endpoint: s.endpoints.Current(),
	}
	remote, err := s.endpoints.Remote(ctx)
	if err != nil {
		return failed(out, err)
	}
	call.GasLimit = s.gas.Estimate(ctx, remote, call.Data)
	out.GasLimit = call.GasLimit

	var quote *ledger.FeeQuote
	if q, err := remote.FeeQuote(ctx); err == nil {
		quote = &q
	} else {
		s.log.Warn("fee quote unavailable, using fallback price", zap.Error(err))
	}
	call.Fees = s.fees.Price(quote, call.Op, bumps)

	hash, err := remote.Submit(ctx, ledger.Submission{
		Data:      call.Data,
		Nonce:     call.Nonce,
		GasLimit:  call.GasLimit,
		GasFeeCap: call.Fees.FeeCap,
		GasTipCap: call.Fees.TipCap,
	})
	if err != nil {
		return failed(out, err)
	}
	out.Hash = hash
	s.metrics.BatchesSubmitted.Inc()
	s.log.Info("batch submitted",
		zap.String("op", string(call.Op)),
		zap.String("hash", hash.Hex()),
		zap.Uint64("nonce", call.Nonce),
		zap.Uint64("gas_limit", call.GasLimit),
		zap.Int("size", len(call.Batch)),
	)

	receipt, err := s.waiter.Wait(ctx, remote, hash, call.GasLimit)
	out.GasUsed = receipt.GasUsed
	if err != nil {
		return failed(out, err)
	}
	out.Status = StatusConfirmed
	return out, nil
}

// checkPending looks once for receipts of earlier sends of this batch whose
// confirmation was never observed. done is true when one of them was mined.
func (s *Scheduler) checkPending(ctx context.Context, hashes []common.Hash, call PreparedCall) (Outcome, bool, error) {
	remote, err := s.endpoints.Remote(ctx)
	if err != nil {
		return Outcome{}, false, nil
	}
	for _, hash := range hashes {
		receipt, found, err := remote.Receipt(ctx, hash)
		if err != nil || !found {
			continue
		}
		out := Outcome{
			Size:     len(call.Batch),
			Hash:     hash,
			GasUsed:  receipt.GasUsed,
			GasLimit: call.GasLimit,
			Endpoint: s.endpoints.Current(),
		}
		s.log.Info("earlier submission was mined",
			zap.String("hash", hash.Hex()),
			zap.Uint64("block", receipt.BlockNumber),
		)
		if receipt.Succeeded() {
			out.Status = StatusConfirmed
			s.metrics.BatchesConfirmed.Inc()
			return out, true, nil
		}
		kind := ledger.KindExecutionRejected
		if receipt.GasUsed >= call.GasLimit {
			kind = ledger.KindOutOfGas
		}
		out.Kind = kind
		out.Status = StatusReverted
		return out, true, ledger.NewError(kind, "receipt", fmt.Errorf("earlier submission %s reverted", hash.Hex()))
	}
	return Outcome{}, false, nil
}

func (s *Scheduler) resync(ctx context.Context) {
	remote, err := s.endpoints.Remote(ctx)
	if err == nil {
		err = s.seq.Resync(ctx, remote)
	}
	if err != nil {
		s.log.Warn("nonce resync failed", zap.Error(err))
	}
}

func failed(out Outcome, err error) (Outcome, error) {
	out.Kind = ledger.KindOf(err)
	out.Status = statusFor(out.Kind)
	out.Detail = err.Error()
	return out, err
}

func statusFor(kind ledger.Kind) Status {
	switch kind {
	case "":
		return StatusConfirmed
	case ledger.KindExecutionRejected, ledger.KindOutOfGas:
		return StatusReverted
	case ledger.KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
