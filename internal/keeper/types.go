package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"pm-keeper/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Mode selects which phases a cycle runs.
type Mode string

const (
	ModeAll         Mode = "all"
	ModeFunding     Mode = "funding"
	ModeLiquidation Mode = "liquidation"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeAll, ModeFunding, ModeLiquidation:
		return Mode(raw), nil
	}
	return "", fmt.Errorf("unknown mode %q", raw)
}

// Endpoints is the slice of the endpoint pool the keeper drives.
type Endpoints interface {
	Remote(ctx context.Context) (ledger.Remote, error)
	Rotate() string
	Current() string
	Index() int
}

// Sink receives per-batch outcomes and per-phase tallies as they happen.
type Sink interface {
	Outcome(cycleID string, op ledger.Op, outcome Outcome)
	Phase(cycleID string, phase PhaseResult)
}

type Fees struct {
	FeeCap *big.Int
	// Nil for legacy pricing.
	TipCap *big.Int
}

type PreparedCall struct {
	Op       ledger.Op
	Batch    []common.Address
	Data     []byte
	GasLimit uint64
	Fees     Fees
	Nonce    uint64
}

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusTimedOut  Status = "timed-out"
	StatusFailed    Status = "failed"
)

// Outcome records how one batch ended. Attempt is 1-based.
type Outcome struct {
	Batch    int
	Size     int
	Hash     common.Hash
	Status   Status
	Kind     ledger.Kind
	GasUsed  uint64
	GasLimit uint64
	Nonce    uint64
	Attempt  int
	Detail   string
	Endpoint string
}

type PhaseResult struct {
	Op        ledger.Op
	Items     int
	Batches   int
	Succeeded int
	Failed    int
	Skipped   int
	ReadErr   string
	// Cancelled marks a phase cut short by the operator. It is not a failure.
	Cancelled bool
	Outcomes  []Outcome
	Duration  time.Duration
}

func (p PhaseResult) Clean() bool {
	return p.Failed == 0 && p.Skipped == 0 && p.ReadErr == "" && !p.Cancelled
}

// KeeperState is the process-wide bookkeeping persisted between cycles.
type KeeperState struct {
	EndpointIndex int
	LastNonce     uint64
	Retries       int
}

type Report struct {
	CycleID    string
	Mode       Mode
	StartedAt  time.Time
	FinishedAt time.Time
	Aborted    bool
	Err        string
	ShortSize  string
	LongSize   string
	Phases     []PhaseResult
	State      KeeperState
}

// Failures counts failed batches and failed work list reads. Operator
// cancellation does not count.
func (r Report) Failures() int {
	n := 0
	for _, p := range r.Phases {
		n += p.Failed
		if p.ReadErr != "" {
			n++
		}
	}
	return n
}

func (r Report) Cancelled() bool {
	for _, p := range r.Phases {
		if p.Cancelled {
			return true
		}
	}
	return false
}
