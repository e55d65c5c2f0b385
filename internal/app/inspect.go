package app

import (
	"context"

	"pm-keeper/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Inspection is a read-only view of the ledger from the keeper's seat.
type Inspection struct {
	Endpoint     string
	Signer       common.Address
	PendingNonce uint64
	Sizes        ledger.MarketSizes
	Work         map[ledger.Op][]common.Address
	// Per-op read failures; the op is absent from Work.
	WorkErrs map[ledger.Op]error
}

// Inspect reads the nonce, market sizes and every work list from the
// current endpoint without submitting anything.
func (a *App) Inspect(ctx context.Context) (Inspection, error) {
	out := Inspection{
		Endpoint: a.pool.Current(),
		Work:     make(map[ledger.Op][]common.Address),
		WorkErrs: make(map[ledger.Op]error),
	}
	if a.signer != nil {
		out.Signer = a.signer.Address()
	}
	remote, err := a.pool.Remote(ctx)
	if err != nil {
		return out, err
	}
	nonce, err := remote.PendingNonce(ctx)
	if err != nil {
		return out, err
	}
	out.PendingNonce = nonce
	sizes, err := remote.MarketSizes(ctx)
	if err != nil {
		return out, err
	}
	out.Sizes = sizes
	for _, op := range ledger.Ops() {
		work, err := remote.Positions(ctx, op)
		if err != nil {
			out.WorkErrs[op] = err
			continue
		}
		out.Work[op] = work
	}
	return out, nil
}
