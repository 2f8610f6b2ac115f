package fairorder

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Risk indicators reported by the analyzer.
const (
	IndicatorLargeTransaction = "large-transaction"
	IndicatorFrontRunTarget   = "front-running-target"
	IndicatorMevCompetition   = "mev-competition"
	IndicatorSandwichExposure = "sandwich-exposure"
)

// Protections recommended by the analyzer.
const (
	ProtectionPrivateOrdering = "private-ordering"
	ProtectionRandomOrdering  = "randomized-ordering"
	ProtectionBatchIsolation  = "batch-isolation"
	ProtectionSplitValue      = "split-value"
)

// RiskAnalyzer scores transactions for MEV exposure. It is a pure function of
// its inputs and keeps no state beyond its configuration.
type RiskAnalyzer struct {
	cfg AnalyzerConfig
}

func NewRiskAnalyzer(cfg AnalyzerConfig) *RiskAnalyzer {
	return &RiskAnalyzer{cfg: cfg}
}

// Analyze classifies tx against the pool's recent activity. A structurally
// invalid transaction returns ErrInvalidTransaction instead of a best-effort
// score.
func (a *RiskAnalyzer) Analyze(tx *PendingTransaction, poolCtx *PoolContext) (*MevAnalysis, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	level := RiskLow
	estimated := new(big.Int)
	var indicators, protections []string

	value := tx.Value.ToInt()
	gasPrice := tx.GasPrice.ToInt()

	// Size risk: value or gas price in the top percentile of recent activity.
	if poolCtx != nil {
		valueCut := percentileBig(poolCtx.RecentValues, a.cfg.TopPercentile)
		gasCut := percentileBig(poolCtx.RecentGasPrices, a.cfg.TopPercentile)
		if (valueCut != nil && value.Cmp(valueCut) >= 0) || (gasCut != nil && gasPrice.Cmp(gasCut) >= 0) {
			level = raiseRiskLevel(level)
			indicators = append(indicators, IndicatorLargeTransaction)
			protections = append(protections, ProtectionSplitValue)
			estimated.Add(estimated, scaleBig(value, a.cfg.SizeWeight))
		}
	}

	// Gas-price risk: gas price above a multiple of the recent median marks a
	// front-running target.
	if poolCtx != nil {
		if median := medianBig(poolCtx.RecentGasPrices); median != nil && median.Sign() > 0 {
			cut := scaleBig(median, a.cfg.GasPriceMultiple)
			if gasPrice.Cmp(cut) >= 0 {
				level = maxRiskLevel(level, RiskHigh)
				indicators = append(indicators, IndicatorFrontRunTarget)
				protections = append(protections, ProtectionPrivateOrdering, ProtectionRandomOrdering)
				gasExposure := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(uint64(tx.GasLimit)))
				estimated.Add(estimated, scaleBig(gasExposure, a.cfg.GasWeight))
			}
		}
	}

	// Pool-density risk: several pending transactions touching the same
	// recipient signal sandwich or arbitrage competition.
	if poolCtx != nil && poolCtx.RecipientCounts != nil {
		if n := poolCtx.RecipientCounts[tx.Recipient]; n >= a.cfg.DensityThreshold {
			level = maxRiskLevel(level, RiskMedium)
			indicators = append(indicators, IndicatorMevCompetition, IndicatorSandwichExposure)
			protections = append(protections, ProtectionBatchIsolation)
			estimated.Add(estimated, scaleBig(value, a.cfg.DensityWeight))
		}
	}

	fee := scaleBig(estimated, a.cfg.feeFactor(tx.Protection))
	if fee.Sign() < 0 {
		fee = new(big.Int)
	}

	return &MevAnalysis{
		RiskLevel:     level,
		EstimatedMev:  (*hexutil.Big)(estimated),
		Indicators:    indicators,
		Protections:   protections,
		ProtectionFee: (*hexutil.Big)(fee),
		AnalyzedAt:    time.Now(),
	}, nil
}

// percentileBig returns the value at percentile p of xs, or nil when xs is
// empty.
func percentileBig(xs []*hexutil.Big, p float64) *big.Int {
	if len(xs) == 0 {
		return nil
	}
	sorted := make([]*big.Int, len(xs))
	for i, x := range xs {
		sorted[i] = x.ToInt()
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func medianBig(xs []*hexutil.Big) *big.Int {
	if len(xs) == 0 {
		return nil
	}
	sorted := make([]*big.Int, len(xs))
	for i, x := range xs {
		sorted[i] = x.ToInt()
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return sorted[len(sorted)/2]
}

// scaleBig multiplies x by factor with fixed-point arithmetic, truncating
// toward zero.
func scaleBig(x *big.Int, factor float64) *big.Int {
	const precision = 1_000_000
	f := new(big.Int).SetInt64(int64(factor * precision))
	scaled := new(big.Int).Mul(x, f)
	return scaled.Quo(scaled, big.NewInt(precision))
}
