package keeper

import (
	"context"
	"errors"

	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"

	"go.uber.org/zap"
)

var ErrUnsynced = errors.New("sequencer not synced")

// Sequencer hands out sequence numbers for the keeper's identity. Numbers
// are consumed optimistically: every Reserve advances the offset whether or
// not the submission later lands.
type Sequencer struct {
	synced bool
	base   uint64
	offset uint64
	// floor is one past the highest number known to be consumed remotely.
	floor uint64
	last  uint64

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewSequencer(log *zap.Logger, m *metrics.Metrics) *Sequencer {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Sequencer{log: log, metrics: m}
}

// Sync reads the pending sequence number at cycle start.
func (s *Sequencer) Sync(ctx context.Context, remote ledger.Remote) error {
	s.synced = false
	if err := s.load(ctx, remote); err != nil {
		return err
	}
	s.log.Debug("sequencer synced", zap.Uint64("nonce", s.base))
	return nil
}

// Resync realigns with the remote counter after a batch ended unconfirmed.
func (s *Sequencer) Resync(ctx context.Context, remote ledger.Remote) error {
	prev := s.base + s.offset
	if err := s.load(ctx, remote); err != nil {
		return err
	}
	s.metrics.NonceResyncs.Inc()
	s.log.Info("sequencer resynced", zap.Uint64("from", prev), zap.Uint64("to", s.base))
	return nil
}

func (s *Sequencer) load(ctx context.Context, remote ledger.Remote) error {
	n, err := remote.PendingNonce(ctx)
	if err != nil {
		return err
	}
	if n < s.floor {
		n = s.floor
	}
	s.base = n
	s.offset = 0
	s.synced = true
	return nil
}

func (s *Sequencer) Reserve() (uint64, error) {
	if !s.synced {
		return 0, ErrUnsynced
	}
	n := s.base + s.offset
	s.offset++
	s.last = n
	return n, nil
}

// Confirm records that n was consumed by a mined transaction.
func (s *Sequencer) Confirm(n uint64) {
	s.raiseFloor(n)
}

// Invalidate records that the remote reported n as already used.
func (s *Sequencer) Invalidate(n uint64) {
	s.raiseFloor(n)
}

func (s *Sequencer) raiseFloor(n uint64) {
	if n+1 > s.floor {
		s.floor = n + 1
	}
}

// Next is the value the following Reserve would return.
func (s *Sequencer) Next() uint64 {
	return s.base + s.offset
}

func (s *Sequencer) Last() uint64 {
	return s.last
}

func (s *Sequencer) Synced() bool {
	return s.synced
}
