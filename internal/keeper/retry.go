package keeper

import (
	"time"

	"pm-keeper/internal/ledger"
)

type Decision struct {
	Retry        bool
	Rotate       bool
	AdvanceNonce bool
	BumpFee      bool
	Wait         time.Duration
}

// RetryPolicy maps a classified failure on a given attempt to the next step.
// Attempts are zero-based and counted per batch.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	StalePause   time.Duration
}

func (p RetryPolicy) Decide(err error, attempt int) Decision {
	if err == nil || attempt+1 >= p.MaxAttempts {
		return Decision{}
	}
	switch ledger.KindOf(err) {
	case ledger.KindEndpointTransient:
		return Decision{Retry: true, Rotate: true, Wait: p.Backoff(attempt)}
	case ledger.KindSequenceStale:
		return Decision{Retry: true, AdvanceNonce: true, Wait: p.StalePause}
	case ledger.KindUnderpriced:
		return Decision{Retry: true, BumpFee: true, Wait: p.StalePause}
	}
	return Decision{}
}

// Backoff is InitialDelay * 2^attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.InitialDelay * time.Duration(1<<uint(attempt))
}

// Retryable reports whether a read failure should move to another endpoint.
func Retryable(err error) bool {
	return ledger.KindOf(err) == ledger.KindEndpointTransient
}
