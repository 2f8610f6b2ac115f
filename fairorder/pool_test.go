package fairorder

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bigFromInt64(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func newTestTx(sender, recipient byte, value, gasPrice int64) *PendingTransaction {
	return &PendingTransaction{
		Sender:    common.BytesToAddress([]byte{sender}),
		Recipient: common.BytesToAddress([]byte{recipient}),
		Value:     bigFromInt64(value),
		GasPrice:  bigFromInt64(gasPrice),
		GasLimit:  hexutil.Uint64(21000),
	}
}

func testPoolConfig(alg Algorithm, batchSize int) PoolConfig {
	return PoolConfig{
		Name:           "test-pool",
		Algorithm:      alg,
		BatchSize:      batchSize,
		BatchTimeoutMs: 60_000,
	}
}

// The trigger loop times its sleeps off a config snapshot, not the live
// config, so the timeout must be readable from the copied value.
func TestPool_SnapshotConfigBatchTimeout(t *testing.T) {
	p := newPool("p", testPoolConfig(AlgorithmFIFO, 10))
	config := p.snapshotConfig()
	require.Equal(t, 60*time.Second, config.BatchTimeout())
}

func TestPoolConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(*PoolConfig)
		err    error
	}{
		{name: "valid", mangle: func(c *PoolConfig) {}, err: nil},
		{name: "zero batch size", mangle: func(c *PoolConfig) { c.BatchSize = 0 }, err: ErrInvalidConfiguration},
		{name: "negative batch size", mangle: func(c *PoolConfig) { c.BatchSize = -1 }, err: ErrInvalidConfiguration},
		{name: "zero timeout", mangle: func(c *PoolConfig) { c.BatchTimeoutMs = 0 }, err: ErrInvalidConfiguration},
		{name: "unknown algorithm", mangle: func(c *PoolConfig) { c.Algorithm = Algorithm(42) }, err: ErrInvalidConfiguration},
		{name: "unknown fairness level", mangle: func(c *PoolConfig) { c.FairnessLevel = FairnessLevel(42) }, err: ErrInvalidConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := testPoolConfig(AlgorithmFIFO, 16)
			tc.mangle(&config)
			err := config.Validate()
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestPoolManager_CreateUpdateList(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())

	_, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 0))
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 16))
	require.NoError(t, err)
	require.NotEmpty(t, poolID)
	require.Equal(t, 1, pm.PoolCount())

	updated := testPoolConfig(AlgorithmRandomFair, 8)
	require.NoError(t, pm.UpdatePool(ctx, poolID, updated))
	require.ErrorIs(t, pm.UpdatePool(ctx, "no-such-pool", updated), ErrPoolNotFound)

	pools := pm.ListPools(ctx)
	require.Len(t, pools, 1)
	require.Equal(t, poolID, pools[0].PoolID)
	require.Equal(t, AlgorithmRandomFair, pools[0].Algorithm)
	require.Equal(t, 0, pools[0].PendingCount)
}

func TestPoolManager_Submit(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())

	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 16))
	require.NoError(t, err)

	_, err = pm.Submit(ctx, poolID, &PendingTransaction{})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = pm.Submit(ctx, "no-such-pool", newTestTx(1, 9, 100, 10))
	require.ErrorIs(t, err, ErrPoolNotFound)

	// identical content still yields distinct ids (per-pool sequence)
	id1, err := pm.Submit(ctx, poolID, newTestTx(1, 9, 100, 10))
	require.NoError(t, err)
	id2, err := pm.Submit(ctx, poolID, newTestTx(1, 9, 100, 10))
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	require.NotEqual(t, id1, id2)

	pools := pm.ListPools(ctx)
	require.Equal(t, 2, pools[0].PendingCount)
}

func TestPoolManager_SubmitInvalidWindow(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())
	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 16))
	require.NoError(t, err)

	tx := newTestTx(1, 9, 100, 10)
	before := time.Now().Add(time.Hour)
	after := time.Now().Add(-time.Hour)
	tx.NotBefore = &before
	tx.NotAfter = &after
	_, err = pm.Submit(ctx, poolID, tx)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

// The drain swap is the single synchronization point between intake and
// batching: under concurrent submissions and drains every transaction must
// land in exactly one batch.
func TestPool_ConcurrentSubmitAndDrain(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())
	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 1_000_000))
	require.NoError(t, err)
	p, err := pm.getPool(poolID)
	require.NoError(t, err)

	const (
		submitters   = 8
		perSubmitter = 125
	)
	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				_, err := pm.Submit(ctx, poolID, newTestTx(byte(s+1), 9, int64(i+1), 10))
				require.NoError(t, err)
			}
		}(s)
	}

	drainDone := make(chan struct{})
	seen := make(map[string]int)
	go func() {
		defer close(drainDone)
		for len(seen) < submitters*perSubmitter {
			drained, _ := p.drain()
			for _, tx := range drained {
				seen[tx.ID]++
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	wg.Wait()
	select {
	case <-drainDone:
	case <-time.After(10 * time.Second):
		t.Fatal("drain loop did not observe all transactions")
	}

	// no transaction lost, none drained twice
	require.Len(t, seen, submitters*perSubmitter)
	for id, n := range seen {
		require.Equal(t, 1, n, "transaction %s drained %d times", id, n)
	}
	require.Equal(t, 0, p.pendingCount())
}

func TestPool_DrainHoldsBackNotBefore(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())
	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 16))
	require.NoError(t, err)
	p, err := pm.getPool(poolID)
	require.NoError(t, err)

	ready := newTestTx(1, 9, 100, 10)
	future := newTestTx(2, 9, 100, 10)
	notBefore := time.Now().Add(time.Hour)
	future.NotBefore = &notBefore

	_, err = pm.Submit(ctx, poolID, ready)
	require.NoError(t, err)
	_, err = pm.Submit(ctx, poolID, future)
	require.NoError(t, err)

	drained, oldestAt := p.drain()
	require.Len(t, drained, 1)
	require.Equal(t, ready.ID, drained[0].ID)
	require.Equal(t, ready.SubmittedAt, oldestAt)
	// the future transaction stays queued for a later batch
	require.Equal(t, 1, p.pendingCount())
}

func TestPoolManager_Remove(t *testing.T) {
	ctx := context.Background()
	pm := NewPoolManager(zap.NewNop(), NewMemoryStore())
	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmFIFO, 16))
	require.NoError(t, err)

	_, err = pm.Submit(ctx, poolID, newTestTx(1, 9, 100, 10))
	require.NoError(t, err)

	_, _, err = pm.Remove(ctx, "no-such-pool")
	require.ErrorIs(t, err, ErrPoolNotFound)

	p, drained, err := pm.Remove(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.Equal(t, 0, pm.PoolCount())

	// the trigger loop's done channel is closed
	select {
	case <-p.done:
	default:
		t.Fatal("pool done channel not closed on remove")
	}

	_, err = pm.Submit(ctx, poolID, newTestTx(1, 9, 100, 10))
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestPoolManager_RestorePools(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	pm := NewPoolManager(zap.NewNop(), store)
	poolID, err := pm.CreatePool(ctx, testPoolConfig(AlgorithmPriorityFair, 4))
	require.NoError(t, err)

	restored := NewPoolManager(zap.NewNop(), store)
	require.NoError(t, restored.RestorePools(ctx))
	require.Equal(t, 1, restored.PoolCount())

	pools := restored.ListPools(ctx)
	require.Equal(t, poolID, pools[0].PoolID)
	require.Equal(t, AlgorithmPriorityFair, pools[0].Algorithm)

	// restored pools are announced to the processor
	select {
	case p := <-restored.Events():
		require.Equal(t, poolID, p.id)
	default:
		t.Fatal("restored pool not announced")
	}
}
