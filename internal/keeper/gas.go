package keeper

import (
	"context"

	"pm-keeper/internal/ledger"
	"pm-keeper/internal/metrics"

	"go.uber.org/zap"
)

// GasEstimator sizes a call from the endpoint's estimate plus a buffer. It
// never fails; an unusable estimate degrades to the fallback ceiling.
type GasEstimator struct {
	bufferPct int
	fallback  uint64
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewGasEstimator(bufferPct int, fallback uint64, log *zap.Logger, m *metrics.Metrics) *GasEstimator {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &GasEstimator{bufferPct: bufferPct, fallback: fallback, log: log, metrics: m}
}

func (g *GasEstimator) Estimate(ctx context.Context, remote ledger.Remote, data []byte) uint64 {
	raw, err := remote.EstimateGas(ctx, data)
	if err != nil || raw == 0 {
		g.metrics.GasFallbacks.Inc()
		g.log.Warn("gas estimate unavailable, using fallback",
			zap.Uint64("fallback", g.fallback),
			zap.String("kind", string(ledger.KindOf(err))),
			zap.Error(err),
		)
		return g.fallback
	}
	return raw + raw*uint64(g.bufferPct)/100
}
