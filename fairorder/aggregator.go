package fairorder

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// protectionEffectiveThreshold is the protection score above which a flagged
// high or critical risk transaction counts as effectively protected.
const protectionEffectiveThreshold = 0.5

// FairnessAggregator maintains the per-pool metrics read model. Updates are
// increment-only and applied once per completed batch; reads may be stale.
// The ordering-result log is the source of truth.
type FairnessAggregator struct {
	log   *zap.Logger
	store Store

	mu    sync.RWMutex
	pools map[string]*poolStats
}

type poolStats struct {
	metrics FairnessMetrics

	batches          uint64
	latencySumMs     float64
	fairnessSum      float64
	flaggedTotal     uint64
	flaggedProtected uint64
	seenTotal        uint64
}

func NewFairnessAggregator(log *zap.Logger, store Store) *FairnessAggregator {
	return &FairnessAggregator{
		log:   log.Named("aggregator"),
		store: store,
		pools: make(map[string]*poolStats),
	}
}

// BatchCompleted folds one batch's results into the pool's running metrics
// and persists the updated read model. analyzed may be nil for rejected
// batches.
func (a *FairnessAggregator) BatchCompleted(ctx context.Context, batch *Batch, results []*OrderingResult, analyzed []*AnalyzedTransaction, oldestAt time.Time) {
	flaggedRisk := make(map[string]bool, len(analyzed))
	for _, atx := range analyzed {
		if atx.Analysis != nil && atx.Analysis.RiskLevel >= RiskHigh {
			flaggedRisk[atx.Tx.ID] = true
		}
	}

	var (
		ordered     []*OrderingResult
		flagged     uint64
		flaggedProt uint64
	)
	for _, res := range results {
		if flaggedRisk[res.TxID] {
			flagged++
			if res.Success && res.ProtectionScore > protectionEffectiveThreshold {
				flaggedProt++
			}
		}
		if res.Success {
			ordered = append(ordered, res)
		}
	}

	// results report arrival positions over the whole drained set, while the
	// final ordering ranges over the successful subset only. Displacement
	// compares each transaction's rank within that subset to its final slot.
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].OriginalPosition < ordered[j].OriginalPosition
	})
	displacement := 0
	for rank, res := range ordered {
		disp := rank - res.FinalPosition
		if disp < 0 {
			disp = -disp
		}
		displacement += disp
	}

	latency := batch.CompletedAt.Sub(oldestAt)
	if latency < 0 {
		latency = 0
	}

	a.mu.Lock()
	stats, ok := a.pools[batch.PoolID]
	if !ok {
		stats = &poolStats{metrics: FairnessMetrics{PoolID: batch.PoolID}}
		a.pools[batch.PoolID] = stats
	}
	stats.batches++
	stats.seenTotal += uint64(len(results))
	stats.latencySumMs += float64(latency.Milliseconds())
	stats.fairnessSum += batchFairness(displacement, len(ordered))
	stats.flaggedTotal += flagged
	stats.flaggedProtected += flaggedProt

	m := &stats.metrics
	m.TotalProcessed += uint64(len(ordered))
	m.AvgLatencyMs = stats.latencySumMs / float64(stats.batches)
	m.FairnessScore = stats.fairnessSum / float64(stats.batches)
	if stats.flaggedTotal > 0 {
		m.ProtectionEffectiveness = float64(stats.flaggedProtected) / float64(stats.flaggedTotal)
	} else {
		m.ProtectionEffectiveness = 1.0
	}
	if stats.seenTotal > 0 {
		m.OrderingEfficiency = float64(m.TotalProcessed) / float64(stats.seenTotal)
	}
	m.UpdatedAt = time.Now()
	snapshot := *m
	a.mu.Unlock()

	a.persist(ctx, &snapshot)
}

// Metrics returns the pool's current aggregate, falling back to the store
// for pools not seen since startup.
func (a *FairnessAggregator) Metrics(ctx context.Context, poolID string) (*FairnessMetrics, error) {
	a.mu.RLock()
	stats, ok := a.pools[poolID]
	if ok {
		snapshot := stats.metrics
		a.mu.RUnlock()
		return &snapshot, nil
	}
	a.mu.RUnlock()

	data, err := a.store.Get(ctx, metricsKeyPrefix+poolID)
	if err != nil {
		return nil, err
	}
	var m FairnessMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *FairnessAggregator) persist(ctx context.Context, m *FairnessMetrics) {
	data, err := json.Marshal(m)
	if err != nil {
		a.log.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = PersistMaxElapsedTime
	err = backoff.Retry(func() error {
		return a.store.Put(ctx, metricsKeyPrefix+m.PoolID, data)
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		a.log.Error("Failed to persist metrics", zap.String("pool", m.PoolID), zap.Error(err))
	}
}

// batchFairness is the normalized inverse of total positional displacement,
// scaled to 0..1. For n ordered transactions the maximum total displacement
// of a permutation is floor(n^2/2).
func batchFairness(totalDisplacement, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	maxDisp := n * n / 2
	f := 1.0 - float64(totalDisplacement)/float64(maxDisp)
	if f < 0 {
		return 0
	}
	return f
}
