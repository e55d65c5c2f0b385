package keeper

import (
	"math"
	"math/big"

	"pm-keeper/internal/config"
	"pm-keeper/internal/ledger"
)

var gwei = big.NewInt(1_000_000_000)

// FeePolicy prices submissions: the suggested gas price scaled by a
// per-family multiplier, then by UnderpricedBump for each underpriced retry.
type FeePolicy struct {
	FundingMultiplier     float64
	LiquidationMultiplier float64
	UnderpricedBump       float64
	FallbackGasPrice      *big.Int
	MaxFeeCap             *big.Int
}

func FeePolicyFromConfig(cfg config.FeesConfig) FeePolicy {
	policy := FeePolicy{
		FundingMultiplier:     cfg.FundingMultiplier,
		LiquidationMultiplier: cfg.LiquidationMultiplier,
		UnderpricedBump:       cfg.UnderpricedBump,
		FallbackGasPrice:      gweiToWei(cfg.FallbackGasPriceGwei),
	}
	if cfg.MaxFeeGwei > 0 {
		policy.MaxFeeCap = gweiToWei(cfg.MaxFeeGwei)
	}
	return policy
}

func (p FeePolicy) multiplier(op ledger.Op) float64 {
	m := p.LiquidationMultiplier
	if op.IsFunding() {
		m = p.FundingMultiplier
	}
	if m < 1 {
		m = 1
	}
	return m
}

// Price returns the fees for op after bumps underpriced rejections. A nil
// quote prices a legacy transaction at the fallback gas price.
func (p FeePolicy) Price(quote *ledger.FeeQuote, op ledger.Op, bumps int) Fees {
	factor := p.multiplier(op)
	bump := 1.0
	if bumps > 0 && p.UnderpricedBump > 1 {
		bump = math.Pow(p.UnderpricedBump, float64(bumps))
	}

	base := p.FallbackGasPrice
	if quote != nil && quote.GasPrice != nil && quote.GasPrice.Sign() > 0 {
		base = quote.GasPrice
	}
	if base == nil {
		base = new(big.Int).Set(gwei)
	}
	fees := Fees{FeeCap: scale(base, factor*bump)}
	if p.MaxFeeCap != nil && p.MaxFeeCap.Sign() > 0 && fees.FeeCap.Cmp(p.MaxFeeCap) > 0 {
		fees.FeeCap = new(big.Int).Set(p.MaxFeeCap)
	}
	if quote != nil && quote.TipCap != nil {
		tip := scale(quote.TipCap, bump)
		if tip.Cmp(fees.FeeCap) > 0 {
			tip = new(big.Int).Set(fees.FeeCap)
		}
		fees.TipCap = tip
	}
	return fees
}

func scale(v *big.Int, factor float64) *big.Int {
	if factor == 1 {
		return new(big.Int).Set(v)
	}
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

func gweiToWei(v float64) *big.Int {
	if v <= 0 {
		return nil
	}
	return scale(gwei, v)
}
