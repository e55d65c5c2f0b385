package keeper

import "pm-keeper/internal/ledger"

type State string

type Event string

const (
	StateIdle           State = "IDLE"
	StateFundingShort   State = "FUNDING_SHORT"
	StateFundingLong    State = "FUNDING_LONG"
	StateLiquidateShort State = "LIQUIDATE_SHORT"
	StateLiquidateLong  State = "LIQUIDATE_LONG"
)

const (
	EventStart     Event = "START"
	EventPhaseDone Event = "PHASE_DONE"
)

// Op is the ledger operation performed while in s.
func (s State) Op() (ledger.Op, bool) {
	switch s {
	case StateFundingShort:
		return ledger.FundShort, true
	case StateFundingLong:
		return ledger.FundLong, true
	case StateLiquidateShort:
		return ledger.LiquidateShort, true
	case StateLiquidateLong:
		return ledger.LiquidateLong, true
	}
	return "", false
}

// PhaseMachine walks one cycle through its phases. Funding for both sides
// always completes before liquidation starts; phases outside the mode are
// passed over.
type PhaseMachine struct {
	mode  Mode
	State State
}

func NewPhaseMachine(mode Mode) *PhaseMachine {
	return &PhaseMachine{mode: mode, State: StateIdle}
}

func (m *PhaseMachine) Apply(event Event) State {
	next := nextState(m.State, event)
	for next != m.State && next != StateIdle && !m.selects(next) {
		next = nextState(next, EventPhaseDone)
	}
	m.State = next
	return m.State
}

func (m *PhaseMachine) selects(s State) bool {
	op, ok := s.Op()
	if !ok {
		return false
	}
	switch m.mode {
	case ModeFunding:
		return op.IsFunding()
	case ModeLiquidation:
		return !op.IsFunding()
	default:
		return true
	}
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventStart {
			return StateFundingShort
		}
	case StateFundingShort:
		if event == EventPhaseDone {
			return StateFundingLong
		}
	case StateFundingLong:
		if event == EventPhaseDone {
			return StateLiquidateShort
		}
	case StateLiquidateShort:
		if event == EventPhaseDone {
			return StateLiquidateLong
		}
	case StateLiquidateLong:
		if event == EventPhaseDone {
			return StateIdle
		}
	}
	return current
}
