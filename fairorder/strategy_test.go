package fairorder

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubRandom derives permutations from a fixed seed so seeded strategies are
// deterministic in tests.
type stubRandom struct {
	seed []byte
	ints []int
	next int
}

func (r *stubRandom) Permutation(n int) ([]int, []byte, error) {
	perm, err := PermutationFromSeed(r.seed, n)
	return perm, r.seed, err
}

func (r *stubRandom) Intn(n int) (int, error) {
	if len(r.ints) == 0 {
		return 0, nil
	}
	v := r.ints[r.next%len(r.ints)] % n
	r.next++
	return v, nil
}

type failRandom struct{}

func (failRandom) Permutation(int) ([]int, []byte, error) { return nil, nil, ErrRandomSource }
func (failRandom) Intn(int) (int, error)                  { return 0, ErrRandomSource }

func analyzedBatch(txs ...*PendingTransaction) []*AnalyzedTransaction {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	analyzed := make([]*AnalyzedTransaction, len(txs))
	for i, tx := range txs {
		if tx.ID == "" {
			tx.ID = fmt.Sprintf("tx-%02d", i)
		}
		if tx.SubmittedAt.IsZero() {
			tx.SubmittedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
		analyzed[i] = &AnalyzedTransaction{Tx: tx, OriginalPosition: i}
	}
	return analyzed
}

func TestOrderBatch_FIFO(t *testing.T) {
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10),
		newTestTx(2, 9, 200, 20),
		newTestTx(3, 9, 300, 30),
	)
	final, seed, err := OrderBatch(AlgorithmFIFO, txs, StrategyParams{}, nil)
	require.NoError(t, err)
	require.Nil(t, seed)
	require.Equal(t, []int{0, 1, 2}, final)
}

func TestOrderBatch_AllAlgorithmsProduceValidPermutations(t *testing.T) {
	algorithms := []Algorithm{
		AlgorithmFIFO,
		AlgorithmPriorityFair,
		AlgorithmFairQueue,
		AlgorithmRandomFair,
		AlgorithmMevResistant,
		AlgorithmTimeWeighted,
		AlgorithmGasWeighted,
	}
	rnd := &stubRandom{seed: []byte("all-algorithms-seed"), ints: []int{3, 1, 4, 1, 5}}
	params := StrategyParams{MaxPositionDelta: 2, JitterWindow: 2}

	for _, alg := range algorithms {
		t.Run(alg.String(), func(t *testing.T) {
			txs := analyzedBatch(
				newTestTx(1, 9, 500, 50),
				newTestTx(2, 8, 100, 10),
				newTestTx(1, 9, 300, 30),
				newTestTx(3, 7, 200, 90),
				newTestTx(2, 9, 400, 20),
				newTestTx(4, 8, 600, 60),
			)
			txs[3].Analysis = &MevAnalysis{RiskLevel: RiskHigh}
			txs[5].Analysis = &MevAnalysis{RiskLevel: RiskCritical}

			final, _, err := OrderBatch(alg, txs, params, rnd)
			require.NoError(t, err)
			require.Len(t, final, len(txs))
			require.NoError(t, validatePermutation(final))
		})
	}
}

func TestOrderBatch_UnknownAlgorithm(t *testing.T) {
	_, _, err := OrderBatch(Algorithm(99), nil, StrategyParams{}, nil)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestOrderBatch_EmptyAndSingle(t *testing.T) {
	rnd := &stubRandom{seed: []byte("tiny")}
	for _, alg := range []Algorithm{AlgorithmFIFO, AlgorithmPriorityFair, AlgorithmRandomFair} {
		final, _, err := OrderBatch(alg, nil, StrategyParams{MaxPositionDelta: 1}, rnd)
		require.NoError(t, err)
		require.Empty(t, final)

		final, _, err = OrderBatch(alg, analyzedBatch(newTestTx(1, 9, 1, 1)), StrategyParams{MaxPositionDelta: 1}, rnd)
		require.NoError(t, err)
		require.Equal(t, []int{0}, final)
	}
}

func TestPriorityFairOrder(t *testing.T) {
	fee := func(tx *PendingTransaction, v int64) *PendingTransaction {
		tx.PriorityFee = bigFromInt64(v)
		return tx
	}
	txs := analyzedBatch(
		fee(newTestTx(1, 9, 100, 10), 0),
		fee(newTestTx(2, 9, 100, 10), 10),
		fee(newTestTx(3, 9, 100, 10), 0),
		fee(newTestTx(4, 9, 100, 10), 0),
		fee(newTestTx(5, 9, 100, 10), 20),
	)
	final, seed, err := OrderBatch(AlgorithmPriorityFair, txs, StrategyParams{MaxPositionDelta: 1}, nil)
	require.NoError(t, err)
	require.Nil(t, seed)
	require.Equal(t, []int{1, 0, 2, 4, 3}, final)
}

func TestPriorityFairOrder_DisplacementBound(t *testing.T) {
	const maxDelta = 3
	fees := []int64{5, 90, 3, 70, 70, 1, 42, 0, 99, 8, 13, 27, 64, 2, 55, 31}
	txs := make([]*PendingTransaction, len(fees))
	for i, f := range fees {
		txs[i] = newTestTx(byte(i%4+1), 9, 100, 10)
		txs[i].PriorityFee = bigFromInt64(f)
	}
	analyzed := analyzedBatch(txs...)

	final, _, err := OrderBatch(AlgorithmPriorityFair, analyzed, StrategyParams{MaxPositionDelta: maxDelta}, nil)
	require.NoError(t, err)
	require.NoError(t, validatePermutation(final))
	for i, pos := range final {
		disp := i - pos
		if disp < 0 {
			disp = -disp
		}
		require.LessOrEqual(t, disp, maxDelta, "input %d placed at %d", i, pos)
	}
}

func TestFairQueueOrder(t *testing.T) {
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10), // sender A
		newTestTx(1, 9, 100, 10), // sender A
		newTestTx(2, 9, 100, 10), // sender B
		newTestTx(3, 9, 100, 10), // sender C
		newTestTx(1, 9, 100, 10), // sender A
	)
	final, _, err := OrderBatch(AlgorithmFairQueue, txs, StrategyParams{}, nil)
	require.NoError(t, err)
	// round-robin A B C A A
	require.Equal(t, []int{0, 3, 1, 2, 4}, final)
}

func TestTimeWeightedOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10),
		newTestTx(2, 9, 100, 10),
		newTestTx(3, 9, 100, 10),
	)
	txs[0].Tx.SubmittedAt = base.Add(3 * time.Second)
	txs[1].Tx.SubmittedAt = base.Add(2 * time.Second)
	txs[2].Tx.SubmittedAt = base.Add(1 * time.Second)

	final, _, err := OrderBatch(AlgorithmTimeWeighted, txs, StrategyParams{}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 0}, final)
}

func TestGasWeightedOrder(t *testing.T) {
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10),
		newTestTx(2, 9, 100, 30),
		newTestTx(3, 9, 100, 20),
	)
	final, _, err := OrderBatch(AlgorithmGasWeighted, txs, StrategyParams{}, nil)
	require.NoError(t, err)
	// gas price descending
	require.Equal(t, []int{2, 0, 1}, final)
}

func TestRandomFairOrder_SeedAndDeterminism(t *testing.T) {
	rnd := &stubRandom{seed: []byte("deterministic-seed")}
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10),
		newTestTx(2, 9, 100, 10),
		newTestTx(3, 9, 100, 10),
		newTestTx(4, 9, 100, 10),
	)
	final1, seed, err := OrderBatch(AlgorithmRandomFair, txs, StrategyParams{}, rnd)
	require.NoError(t, err)
	require.Equal(t, []byte("deterministic-seed"), seed)

	// replay from the revealed seed reproduces the ordering
	replay, err := PermutationFromSeed(seed, len(txs))
	require.NoError(t, err)
	require.Equal(t, final1, replay)
}

func TestRandomFairOrder_Uniformity(t *testing.T) {
	const trials = 1200
	rnd := NewCryptoRandom()
	counts := make(map[string]int)
	for i := 0; i < trials; i++ {
		perm, _, err := rnd.Permutation(3)
		require.NoError(t, err)
		counts[fmt.Sprint(perm)]++
	}
	require.Len(t, counts, 6)
	for perm, n := range counts {
		// expected 200 per permutation, allow a generous margin
		require.Greater(t, n, 120, "permutation %s", perm)
		require.Less(t, n, 280, "permutation %s", perm)
	}
}

func TestMevResistantOrder(t *testing.T) {
	rnd := &stubRandom{ints: []int{4}} // always jitter to the right edge of the window
	txs := analyzedBatch(
		newTestTx(1, 9, 100, 10),
		newTestTx(2, 9, 100, 10),
		newTestTx(3, 9, 100, 10),
		newTestTx(4, 9, 100, 10),
		newTestTx(5, 9, 100, 10),
	)
	txs[1].Analysis = &MevAnalysis{RiskLevel: RiskHigh}

	final, _, err := OrderBatch(AlgorithmMevResistant, txs, StrategyParams{JitterWindow: 2}, rnd)
	require.NoError(t, err)
	require.NoError(t, validatePermutation(final))
	// the flagged transaction moved away from its arrival position
	require.NotEqual(t, 1, final[1])

	// unflagged batches keep arrival order
	for _, tx := range txs {
		tx.Analysis = nil
	}
	final, _, err = OrderBatch(AlgorithmMevResistant, txs, StrategyParams{JitterWindow: 2}, rnd)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, final)
}

func TestOrderBatch_RandomSourceFailure(t *testing.T) {
	txs := analyzedBatch(newTestTx(1, 9, 100, 10), newTestTx(2, 9, 100, 10))
	_, _, err := OrderBatch(AlgorithmRandomFair, txs, StrategyParams{}, failRandom{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRandomSource))
}

func TestValidatePermutation(t *testing.T) {
	require.NoError(t, validatePermutation(nil))
	require.NoError(t, validatePermutation([]int{0}))
	require.NoError(t, validatePermutation([]int{2, 0, 1}))
	require.ErrorIs(t, validatePermutation([]int{0, 0, 1}), ErrOrderingStrategyFailed)
	require.ErrorIs(t, validatePermutation([]int{0, 3}), ErrOrderingStrategyFailed)
	require.ErrorIs(t, validatePermutation([]int{-1, 0}), ErrOrderingStrategyFailed)
}
