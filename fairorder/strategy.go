package fairorder

import (
	"fmt"
	"sort"
)

// StrategyParams are the per-pool tunables of the ordering algorithms.
type StrategyParams struct {
	// MaxPositionDelta bounds how far priority-fair may move a transaction
	// from its arrival position.
	MaxPositionDelta int
	// JitterWindow bounds the random displacement mev-resistant applies to
	// high-risk transactions.
	JitterWindow int
}

func StrategyParamsFromConfig(cfg *PoolConfig) StrategyParams {
	return StrategyParams{
		MaxPositionDelta: int(cfg.Parameter("max_position_delta", DefaultMaxPositionDelta)),
		JitterWindow:     int(cfg.Parameter("jitter_window", DefaultJitterWindow)),
	}
}

// OrderBatch applies algorithm alg to txs and returns final[i], the final
// position of txs[i]. Input order is arrival order. The returned seed is
// non-nil only for seeded algorithms and its commitment must be persisted
// with the batch.
//
// The result is always validated: every input appears exactly once with a
// unique position in [0, len). A violation returns
// ErrOrderingStrategyFailed, which fails the whole batch.
func OrderBatch(alg Algorithm, txs []*AnalyzedTransaction, params StrategyParams, rnd SecureRandom) (final []int, seed []byte, err error) {
	switch alg {
	case AlgorithmFIFO:
		final = identityOrder(len(txs))
	case AlgorithmPriorityFair:
		final = priorityFairOrder(txs, params.MaxPositionDelta)
	case AlgorithmFairQueue:
		final = fairQueueOrder(txs)
	case AlgorithmRandomFair:
		final, seed, err = randomFairOrder(len(txs), rnd)
	case AlgorithmMevResistant:
		final, err = mevResistantOrder(txs, params.JitterWindow, rnd)
	case AlgorithmTimeWeighted:
		final = sortedOrder(txs, func(a, b *AnalyzedTransaction) int {
			if a.Tx.SubmittedAt.Before(b.Tx.SubmittedAt) {
				return -1
			}
			if b.Tx.SubmittedAt.Before(a.Tx.SubmittedAt) {
				return 1
			}
			return 0
		})
	case AlgorithmGasWeighted:
		final = sortedOrder(txs, func(a, b *AnalyzedTransaction) int {
			// gas price descending
			return b.Tx.GasPrice.ToInt().Cmp(a.Tx.GasPrice.ToInt())
		})
	default:
		return nil, nil, ErrUnknownAlgorithm
	}
	if err != nil {
		return nil, nil, err
	}
	if err := validatePermutation(final); err != nil {
		return nil, nil, err
	}
	return final, seed, nil
}

func identityOrder(n int) []int {
	final := make([]int, n)
	for i := range final {
		final[i] = i
	}
	return final
}

// sortedOrder orders txs by cmp with the universal tie-break: submission
// timestamp ascending, then transaction id ascending.
func sortedOrder(txs []*AnalyzedTransaction, cmp func(a, b *AnalyzedTransaction) int) []int {
	order := identityOrder(len(txs))
	sort.SliceStable(order, func(i, j int) bool {
		a, b := txs[order[i]], txs[order[j]]
		if c := cmp(a, b); c != 0 {
			return c < 0
		}
		if !a.Tx.SubmittedAt.Equal(b.Tx.SubmittedAt) {
			return a.Tx.SubmittedAt.Before(b.Tx.SubmittedAt)
		}
		return a.Tx.ID < b.Tx.ID
	})
	return orderToFinal(order)
}

// orderToFinal converts "order[k] holds the input index placed at slot k"
// into "final[i] holds the slot of input i".
func orderToFinal(order []int) []int {
	final := make([]int, len(order))
	for slot, idx := range order {
		final[idx] = slot
	}
	return final
}

// priorityFairOrder fills slots greedily by priority fee while never moving a
// transaction more than maxDelta positions away from its arrival position. A
// transaction that would otherwise be delayed past its bound becomes
// mandatory for the current slot, which keeps the bound tight in both
// directions.
func priorityFairOrder(txs []*AnalyzedTransaction, maxDelta int) []int {
	n := len(txs)
	if maxDelta < 0 {
		maxDelta = 0
	}
	placed := make([]bool, n)
	order := make([]int, 0, n)
	for slot := 0; slot < n; slot++ {
		pick := -1
		for i := 0; i < n; i++ {
			if placed[i] {
				continue
			}
			if i == slot-maxDelta {
				// cannot be delayed any further
				pick = i
				break
			}
			if i > slot+maxDelta {
				// cannot be pulled forward this far; later indices only grow
				break
			}
			if pick == -1 {
				pick = i
				continue
			}
			if priorityFairLess(txs[i], txs[pick]) {
				pick = i
			}
		}
		placed[pick] = true
		order = append(order, pick)
	}
	return orderToFinal(order)
}

func priorityFairLess(a, b *AnalyzedTransaction) bool {
	if c := a.Tx.priorityFee().Cmp(b.Tx.priorityFee()); c != 0 {
		return c > 0
	}
	if !a.Tx.SubmittedAt.Equal(b.Tx.SubmittedAt) {
		return a.Tx.SubmittedAt.Before(b.Tx.SubmittedAt)
	}
	return a.Tx.ID < b.Tx.ID
}

// fairQueueOrder round-robins slots across distinct senders so no single
// sender can dominate the front of a batch. Senders rotate in order of their
// earliest submission; each sender's own transactions keep submission order.
func fairQueueOrder(txs []*AnalyzedTransaction) []int {
	type senderQueue struct {
		indices []int
	}
	var senders []*senderQueue
	bySender := make(map[string]*senderQueue)
	for i, tx := range txs {
		key := tx.Tx.Sender.Hex()
		q, ok := bySender[key]
		if !ok {
			q = &senderQueue{}
			bySender[key] = q
			senders = append(senders, q)
		}
		q.indices = append(q.indices, i)
	}

	order := make([]int, 0, len(txs))
	for len(order) < len(txs) {
		for _, q := range senders {
			if len(q.indices) == 0 {
				continue
			}
			order = append(order, q.indices[0])
			q.indices = q.indices[1:]
		}
	}
	return orderToFinal(order)
}

func randomFairOrder(n int, rnd SecureRandom) ([]int, []byte, error) {
	perm, seed, err := rnd.Permutation(n)
	if err != nil {
		return nil, nil, err
	}
	return perm, seed, nil
}

// mevResistantOrder keeps arrival order for unflagged transactions and
// displaces high and critical risk transactions by a random jitter within the
// window, so an observer cannot place adjacent sandwich legs around them.
func mevResistantOrder(txs []*AnalyzedTransaction, window int, rnd SecureRandom) ([]int, error) {
	n := len(txs)
	order := identityOrder(n)
	if window <= 0 || n < 2 {
		return orderToFinal(order), nil
	}
	for slot := 0; slot < n; slot++ {
		tx := txs[order[slot]]
		if tx.Analysis == nil || tx.Analysis.RiskLevel < RiskHigh {
			continue
		}
		j, err := rnd.Intn(2*window + 1)
		if err != nil {
			return nil, err
		}
		target := slot + j - window
		if target < 0 {
			target = 0
		}
		if target >= n {
			target = n - 1
		}
		order[slot], order[target] = order[target], order[slot]
	}
	return orderToFinal(order), nil
}

func validatePermutation(final []int) error {
	seen := make([]bool, len(final))
	for i, pos := range final {
		if pos < 0 || pos >= len(final) || seen[pos] {
			return fmt.Errorf("position %d of input %d: %w", pos, i, ErrOrderingStrategyFailed)
		}
		seen[pos] = true
	}
	return nil
}
