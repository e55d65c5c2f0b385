package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrResync aborts a cycle whose starting sequence number could not be read.
var ErrResync = errors.New("nonce resync failed")

type CycleDeps struct {
	Endpoints    Endpoints
	Sequencer    *Sequencer
	Scheduler    *Scheduler
	Retry        RetryPolicy
	ReadAttempts int
	PhasePacing  time.Duration
	Sink         Sink
	Log          *zap.Logger
	Metrics      *metrics.Metrics
	NewID        func() string
}

// Cycle orchestrates the four maintenance phases. It is not safe for
// concurrent use; one cycle runs at a time.
type Cycle struct {
	endpoints    Endpoints
	seq          *Sequencer
	sched        *Scheduler
	retry        RetryPolicy
	readAttempts int
	phasePacing  time.Duration
	sink         Sink
	log          *zap.Logger
	metrics      *metrics.Metrics
	newID        func() string
}

func NewCycle(deps CycleDeps) (*Cycle, error) {
	if deps.Endpoints == nil || deps.Sequencer == nil || deps.Scheduler == nil {
		return nil, errors.New("cycle requires endpoints, sequencer and scheduler")
	}
	if deps.ReadAttempts <= 0 {
		deps.ReadAttempts = 1
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Cycle{
		endpoints:    deps.Endpoints,
		seq:          deps.Sequencer,
		sched:        deps.Scheduler,
		retry:        deps.Retry,
		readAttempts: deps.ReadAttempts,
		phasePacing:  deps.PhasePacing,
		sink:         deps.Sink,
		log:          deps.Log,
		metrics:      deps.Metrics,
		newID:        deps.NewID,
	}, nil
}

func (c *Cycle) State() KeeperState {
	return KeeperState{
		EndpointIndex: c.endpoints.Index(),
		LastNonce:     c.seq.Last(),
		Retries:       c.sched.Retries(),
	}
}

// RunOnce runs every phase selected by mode. Phase failures are recorded in
// the report; only a failed nonce sync at the start returns an error.
func (c *Cycle) RunOnce(ctx context.Context, mode Mode) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	id := c.newID()
	report := Report{CycleID: id, Mode: mode, StartedAt: time.Now().UTC()}
	log := c.log.With(zap.String("cycle_id", id), zap.String("mode", string(mode)))
	c.sched.beginCycle(id)

	err := c.read(ctx, "pendingNonce", func(remote ledger.Remote) error {
		return c.seq.Sync(ctx, remote)
	})
	if err != nil && ctx.Err() != nil {
		report.FinishedAt = time.Now().UTC()
		report.State = c.State()
		log.Warn("cancelled before any submission", zap.Error(err))
		return report, ctx.Err()
	}
	if err != nil {
		c.metrics.CyclesAborted.Inc()
		report.Aborted = true
		report.Err = err.Error()
		report.FinishedAt = time.Now().UTC()
		report.State = c.State()
		log.Error("cycle aborted before any submission", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrResync, err)
	}
	log.Info("cycle started",
		zap.Uint64("nonce", c.seq.Next()),
		zap.String("endpoint", c.endpoints.Current()),
	)
	c.readMarketSizes(ctx, log, &report)

	machine := NewPhaseMachine(mode)
	first := true
	for state := machine.Apply(EventStart); state != StateIdle; state = machine.Apply(EventPhaseDone) {
		op, _ := state.Op()
		if !first {
			_ = sleepCtx(ctx, c.phasePacing)
		}
		first = false
		res := c.runPhase(ctx, log, op)
		report.Phases = append(report.Phases, res)
		if c.sink != nil {
			c.sink.Phase(id, res)
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.State = c.State()
	c.metrics.CyclesCompleted.Inc()
	fields := []zap.Field{
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("retries", report.State.Retries),
	}
	for _, p := range report.Phases {
		fields = append(fields, zap.String(string(p.Op), fmt.Sprintf("%d/%d ok", p.Succeeded, p.Batches)))
	}
	log.Info("cycle finished", fields...)
	return report, nil
}

func (c *Cycle) runPhase(ctx context.Context, log *zap.Logger, op ledger.Op) PhaseResult {
	log = log.With(zap.String("op", string(op)))
	if err := ctx.Err(); err != nil {
		log.Warn("cancelled, phase not started")
		return PhaseResult{Op: op, Cancelled: true}
	}
	var work []common.Address
	err := c.read(ctx, op.ReadMethod(), func(remote ledger.Remote) error {
		var err error
		work, err = remote.Positions(ctx, op)
		return err
	})
	if err != nil && ctx.Err() != nil {
		log.Warn("cancelled during work list read", zap.Error(err))
		return PhaseResult{Op: op, Cancelled: true}
	}
	if err != nil {
		log.Error("work list read failed", zap.Error(err))
		return PhaseResult{Op: op, ReadErr: err.Error()}
	}
	if len(work) == 0 {
		log.Info("no eligible positions")
		return PhaseResult{Op: op}
	}
	log.Info("processing positions", zap.Int("positions", len(work)))
	res := c.sched.Run(ctx, op, work)
	log.Info("phase finished",
		zap.Int("batches", res.Batches),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res
}

func (c *Cycle) readMarketSizes(ctx context.Context, log *zap.Logger, report *Report) {
	var sizes ledger.MarketSizes
	err := c.read(ctx, "marketSizes", func(remote ledger.Remote) error {
		var err error
		sizes, err = remote.MarketSizes(ctx)
		return err
	})
	if err != nil || sizes.Short == nil || sizes.Long == nil {
		log.Warn("market sizes unavailable", zap.Error(err))
		return
	}
	report.ShortSize = sizes.Short.String()
	report.LongSize = sizes.Long.String()
	log.Info("market sizes",
		zap.String("short", report.ShortSize),
		zap.String("long", report.LongSize),
		zap.Float64("short_share_pct", sharePct(sizes.Short, sizes.Long)),
	)
}

// read runs fn against the current endpoint, rotating on endpoint-transient
// failures.
func (c *Cycle) read(ctx context.Context, what string, fn func(ledger.Remote) error) error {
	var err error
	for attempt := 0; attempt < c.readAttempts; attempt++ {
		var remote ledger.Remote
		remote, err = c.endpoints.Remote(ctx)
		if err == nil {
			if err = fn(remote); err == nil {
				return nil
			}
		}
		if !Retryable(err) || attempt == c.readAttempts-1 {
			break
		}
		c.endpoints.Rotate()
		c.metrics.EndpointRotations.Inc()
		wait := c.retry.Backoff(attempt)
		c.log.Warn("read failed, rotating endpoint",
			zap.String("read", what),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// RunLoop repeats RunOnce every interval until ctx is cancelled. A failed
// cycle is logged and the loop carries on.
func (c *Cycle) RunLoop(ctx context.Context, mode Mode, interval time.Duration, onReport func(Report)) error {
	for {
		report, err := c.RunOnce(ctx, mode)
		if err != nil && ctx.Err() == nil {
			c.log.Error("cycle failed", zap.String("cycle_id", report.CycleID), zap.Error(err))
		}
		if onReport != nil && report.CycleID != "" {
			onReport(report)
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
		c.log.Debug("next cycle", zap.Duration("interval", interval))
	}
}

func sharePct(short, long *big.Int) float64 {
	total := new(big.Int).Add(short, long)
	if total.Sign() == 0 {
		return 0
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(short), new(big.Float).SetInt(total))
	pct, _ := ratio.Mul(ratio, big.NewFloat(100)).Float64()
	return pct
}
