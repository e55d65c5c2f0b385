package keeper

import (
	"context"
	"fmt"
	"time"

	"pm-keeper/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Waiter polls for a receipt every PollInterval until the transaction is
// mined or MaxPolls interval polls have passed. A value on Wake triggers an
// extra check without spending the poll budget.
type Waiter struct {
	PollInterval time.Duration
	MaxPolls     int
	Wake         <-chan struct{}

	log *zap.Logger
}

func NewWaiter(pollInterval time.Duration, maxPolls int, wake <-chan struct{}, log *zap.Logger) *Waiter {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPolls <= 0 {
		maxPolls = 1
	}
	return &Waiter{PollInterval: pollInterval, MaxPolls: maxPolls, Wake: wake, log: log}
}

// Wait returns the receipt of a successful transaction. Mined failures are
// reported as out-of-gas when the whole gas limit was consumed and as
// execution-rejected otherwise; a missing receipt ends as a timeout.
func (w *Waiter) Wait(ctx context.Context, remote ledger.Remote, hash common.Hash, gasLimit uint64) (ledger.Receipt, error) {
	timer := time.NewTimer(w.PollInterval)
	defer timer.Stop()
	poll := 1
	for check := 1; ; check++ {
		receipt, found, err := remote.Receipt(ctx, hash)
		switch {
		case err != nil:
			w.log.Debug("receipt poll failed",
				zap.String("hash", hash.Hex()),
				zap.Int("poll", poll),
				zap.Int("check", check),
				zap.Error(err),
			)
		case found && receipt.Succeeded():
			return receipt, nil
		case found && receipt.GasUsed >= gasLimit:
			return receipt, ledger.NewError(ledger.KindOutOfGas, "receipt",
				fmt.Errorf("%s used %d of %d gas", hash.Hex(), receipt.GasUsed, gasLimit))
		case found:
			return receipt, ledger.NewError(ledger.KindExecutionRejected, "receipt",
				fmt.Errorf("%s reverted in block %d", hash.Hex(), receipt.BlockNumber))
		}
		if poll >= w.MaxPolls {
			break
		}
		ticked, err := w.pause(ctx, timer)
		if err != nil {
			return ledger.Receipt{}, ledger.Classify("receipt", err)
		}
		if ticked {
			poll++
			timer.Reset(w.PollInterval)
		}
	}
	return ledger.Receipt{}, ledger.NewError(ledger.KindTimeout, "receipt",
		fmt.Errorf("%s not mined after %d polls", hash.Hex(), w.MaxPolls))
}

// pause blocks until the interval timer fires, a head arrives or ctx ends.
// ticked is true only for the timer.
func (w *Waiter) pause(ctx context.Context, timer *time.Timer) (ticked bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	case <-w.Wake:
		return false, nil
	}
}
