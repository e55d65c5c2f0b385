package app

import (
	"time"

	"pm-keeper/internal/keeper"
	"pm-keeper/internal/ledger"
	"pm-keeper/internal/timescale"
)

type historyWriter interface {
	EnqueueOutcome(row timescale.OutcomeRow)
	EnqueuePhase(row timescale.PhaseRow)
}

// historySink forwards keeper outcomes to the timescale writer.
type historySink struct {
	writer historyWriter
	now    func() time.Time
}

func (h *historySink) timestamp() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

func (h *historySink) Outcome(cycleID string, op ledger.Op, out keeper.Outcome) {
	if h == nil || h.writer == nil {
		return
	}
	h.writer.EnqueueOutcome(timescale.OutcomeRow{
		Time:     h.timestamp(),
		CycleID:  cycleID,
		Op:       string(op),
		Batch:    out.Batch,
		Size:     out.Size,
		TxHash:   out.Hash.Hex(),
		Status:   string(out.Status),
		Kind:     string(out.Kind),
		Nonce:    out.Nonce,
		GasUsed:  out.GasUsed,
		GasLimit: out.GasLimit,
		Attempt:  out.Attempt,
		Endpoint: out.Endpoint,
		Detail:   out.Detail,
	})
}

func (h *historySink) Phase(cycleID string, phase keeper.PhaseResult) {
	if h == nil || h.writer == nil {
		return
	}
	h.writer.EnqueuePhase(timescale.PhaseRow{
		Time:       h.timestamp(),
		CycleID:    cycleID,
		Op:         string(phase.Op),
		Items:      phase.Items,
		Batches:    phase.Batches,
		Succeeded:  phase.Succeeded,
		Failed:     phase.Failed,
		Skipped:    phase.Skipped,
		ReadErr:    phase.ReadErr,
		Cancelled:  phase.Cancelled,
		DurationMS: phase.Duration.Milliseconds(),
	})
}
