package fairorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func completedBatch(poolID string, createdAt time.Time) *Batch {
	return &Batch{
		ID:          "batch-1",
		PoolID:      poolID,
		Algorithm:   AlgorithmFIFO,
		Status:      BatchStatusCompleted,
		CreatedAt:   createdAt,
		CompletedAt: createdAt.Add(250 * time.Millisecond),
	}
}

func TestFairnessAggregator_BatchCompleted(t *testing.T) {
	ctx := context.Background()
	agg := NewFairnessAggregator(zap.NewNop(), NewMemoryStore())

	oldestAt := time.Now().Add(-time.Second)
	batch := completedBatch("pool-1", oldestAt)
	results := []*OrderingResult{
		{TxID: "a", Success: true, OriginalPosition: 0, FinalPosition: 0},
		{TxID: "b", Success: true, OriginalPosition: 1, FinalPosition: 2},
		{TxID: "c", Success: true, OriginalPosition: 2, FinalPosition: 1},
		{TxID: "d", Success: false, FailureReason: "analysis failed"},
	}
	agg.BatchCompleted(ctx, batch, results, nil, oldestAt)

	m, err := agg.Metrics(ctx, "pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), m.TotalProcessed)
	require.Equal(t, 0.75, m.OrderingEfficiency)
	// total displacement 2 over 3 ordered transactions, max floor(9/2)=4
	require.InDelta(t, 1.0-2.0/4.0, m.FairnessScore, 1e-9)
	require.Greater(t, m.AvgLatencyMs, 0.0)
	// nothing was flagged
	require.Equal(t, 1.0, m.ProtectionEffectiveness)
	require.False(t, m.UpdatedAt.IsZero())
}

func TestFairnessAggregator_ProtectionEffectiveness(t *testing.T) {
	ctx := context.Background()
	agg := NewFairnessAggregator(zap.NewNop(), NewMemoryStore())

	oldestAt := time.Now().Add(-time.Second)
	batch := completedBatch("pool-1", oldestAt)

	flaggedProtected := newTestTx(1, 9, 100, 10)
	flaggedProtected.ID = "a"
	flaggedExposed := newTestTx(2, 9, 100, 10)
	flaggedExposed.ID = "b"
	quiet := newTestTx(3, 9, 100, 10)
	quiet.ID = "c"

	analyzed := []*AnalyzedTransaction{
		{Tx: flaggedProtected, Analysis: &MevAnalysis{RiskLevel: RiskHigh}},
		{Tx: flaggedExposed, Analysis: &MevAnalysis{RiskLevel: RiskCritical}},
		{Tx: quiet, Analysis: &MevAnalysis{RiskLevel: RiskLow}},
	}
	results := []*OrderingResult{
		{TxID: "a", Success: true, ProtectionScore: 0.95},
		{TxID: "b", Success: true, ProtectionScore: 0.4},
		{TxID: "c", Success: true, ProtectionScore: 0.5},
	}
	agg.BatchCompleted(ctx, batch, results, analyzed, oldestAt)

	m, err := agg.Metrics(ctx, "pool-1")
	require.NoError(t, err)
	// one of two flagged transactions ended up effectively protected
	require.Equal(t, 0.5, m.ProtectionEffectiveness)
}

func TestFairnessAggregator_RunningAverages(t *testing.T) {
	ctx := context.Background()
	agg := NewFairnessAggregator(zap.NewNop(), NewMemoryStore())

	oldestAt := time.Now().Add(-time.Second)
	perfect := []*OrderingResult{
		{TxID: "a", Success: true, OriginalPosition: 0, FinalPosition: 0},
		{TxID: "b", Success: true, OriginalPosition: 1, FinalPosition: 1},
	}
	reversed := []*OrderingResult{
		{TxID: "c", Success: true, OriginalPosition: 0, FinalPosition: 1},
		{TxID: "d", Success: true, OriginalPosition: 1, FinalPosition: 0},
	}
	agg.BatchCompleted(ctx, completedBatch("pool-1", oldestAt), perfect, nil, oldestAt)
	agg.BatchCompleted(ctx, completedBatch("pool-1", oldestAt), reversed, nil, oldestAt)

	m, err := agg.Metrics(ctx, "pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), m.TotalProcessed)
	// batch fairness 1.0 and 0.0, averaged
	require.InDelta(t, 0.5, m.FairnessScore, 1e-9)
}

func TestFairnessAggregator_StoreFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	agg := NewFairnessAggregator(zap.NewNop(), store)
	oldestAt := time.Now().Add(-time.Second)
	results := []*OrderingResult{{TxID: "a", Success: true}}
	agg.BatchCompleted(ctx, completedBatch("pool-1", oldestAt), results, nil, oldestAt)

	// a fresh aggregator sharing the store serves persisted metrics
	restarted := NewFairnessAggregator(zap.NewNop(), store)
	m, err := restarted.Metrics(ctx, "pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.TotalProcessed)

	_, err = restarted.Metrics(ctx, "never-seen")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBatchFairness(t *testing.T) {
	require.Equal(t, 1.0, batchFairness(0, 0))
	require.Equal(t, 1.0, batchFairness(0, 1))
	require.Equal(t, 1.0, batchFairness(0, 4))
	// full reversal of 4 transactions: displacement 8, max 8
	require.Equal(t, 0.0, batchFairness(8, 4))
	require.Equal(t, 0.5, batchFairness(4, 4))
}
