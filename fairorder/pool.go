package fairorder

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const poolEventsBuffer = 64

// pool owns one pending queue. Submission appends under mu; drain swaps the
// queue for an empty one under the same mu, which is the single
// synchronization point between intake and batching.
type pool struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	config   PoolConfig
	pending  []*PendingTransaction
	seq      uint64
	removed  bool
	activity *activityWindow

	processedBatches uint64 // atomic

	// sizeTrigger wakes the pool's trigger loop when the pending count
	// crosses the batch size.
	sizeTrigger chan struct{}
	// done is closed when the pool is deleted.
	done chan struct{}
}

func newPool(id string, config PoolConfig) *pool {
	return &pool{
		id:          id,
		createdAt:   time.Now(),
		config:      config,
		activity:    newActivityWindow(ActivityWindowSize),
		sizeTrigger: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (p *pool) snapshotConfig() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

func (p *pool) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// oldestPending returns the submission time of the oldest queued transaction
// and the queue length.
func (p *pool) oldestPending() (time.Time, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return time.Time{}, 0
	}
	return p.pending[0].SubmittedAt, len(p.pending)
}

// drain atomically swaps the pending queue for an empty one. Concurrent
// submissions land in the next batch, never the current one. Transactions
// whose not-before window has not opened yet stay queued for a later batch.
func (p *pool) drain() ([]*PendingTransaction, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var eligible, held []*PendingTransaction
	for _, tx := range p.pending {
		if tx.NotBefore != nil && now.Before(*tx.NotBefore) {
			held = append(held, tx)
			continue
		}
		eligible = append(eligible, tx)
	}
	p.pending = held
	if len(eligible) == 0 {
		return nil, time.Time{}
	}
	return eligible, eligible[0].SubmittedAt
}

func (p *pool) signalSizeTrigger() {
	select {
	case p.sizeTrigger <- struct{}{}:
	default:
	}
}

// activityWindow keeps the most recent gas prices and values seen by a pool
// for median and percentile calculations.
type activityWindow struct {
	gasPrices []*hexutil.Big
	values    []*hexutil.Big
	next      int
	filled    bool
	size      int
}

func newActivityWindow(size int) *activityWindow {
	return &activityWindow{
		gasPrices: make([]*hexutil.Big, size),
		values:    make([]*hexutil.Big, size),
		size:      size,
	}
}

func (w *activityWindow) record(tx *PendingTransaction) {
	w.gasPrices[w.next] = tx.GasPrice
	w.values[w.next] = tx.Value
	w.next++
	if w.next == w.size {
		w.next = 0
		w.filled = true
	}
}

func (w *activityWindow) snapshot() (gasPrices, values []*hexutil.Big) {
	n := w.next
	if w.filled {
		n = w.size
	}
	gasPrices = make([]*hexutil.Big, 0, n)
	values = make([]*hexutil.Big, 0, n)
	for i := 0; i < n; i++ {
		gasPrices = append(gasPrices, w.gasPrices[i])
		values = append(values, w.values[i])
	}
	return gasPrices, values
}

// poolRecord is the persisted form of a pool.
type poolRecord struct {
	ID        string     `json:"id"`
	Config    PoolConfig `json:"config"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PoolManager owns the set of named ordering pools. It starts no processing
// by itself; the BatchProcessor subscribes to Events for new pools.
type PoolManager struct {
	log   *zap.Logger
	store Store

	mu     sync.RWMutex
	pools  map[string]*pool
	events chan *pool
}

func NewPoolManager(log *zap.Logger, store Store) *PoolManager {
	return &PoolManager{
		log:    log.Named("pools"),
		store:  store,
		pools:  make(map[string]*pool),
		events: make(chan *pool, poolEventsBuffer),
	}
}

// Events emits every pool registered with the manager, including pools
// restored from the store.
func (pm *PoolManager) Events() <-chan *pool {
	return pm.events
}

func (pm *PoolManager) PoolCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pools)
}

// CreatePool validates and registers a new pool, persists its record and
// returns a fresh pool id.
func (pm *PoolManager) CreatePool(ctx context.Context, config PoolConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}
	id, err := newPoolID()
	if err != nil {
		return "", err
	}
	p := newPool(id, config)

	if err := pm.persistPool(ctx, p); err != nil {
		return "", err
	}

	pm.mu.Lock()
	pm.pools[id] = p
	pm.mu.Unlock()

	pm.announce(p)
	pm.log.Info("Pool created",
		zap.String("pool", id),
		zap.String("name", config.Name),
		zap.String("algorithm", config.Algorithm.String()))
	return id, nil
}

// UpdatePool replaces the pool's configuration. Batches already formed are
// not affected; the next trigger evaluation sees the new config
// (last-writer-wins).
func (pm *PoolManager) UpdatePool(ctx context.Context, poolID string, config PoolConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	p, err := pm.getPool(poolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.config = config
	p.mu.Unlock()

	if err := pm.persistPool(ctx, p); err != nil {
		return err
	}
	pm.log.Info("Pool updated", zap.String("pool", poolID))
	return nil
}

func (pm *PoolManager) ListPools(_ context.Context) []PoolSummary {
	pm.mu.RLock()
	pools := make([]*pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		pools = append(pools, p)
	}
	pm.mu.RUnlock()

	summaries := make([]PoolSummary, 0, len(pools))
	for _, p := range pools {
		config := p.snapshotConfig()
		summaries = append(summaries, PoolSummary{
			PoolID:           p.id,
			Name:             config.Name,
			Algorithm:        config.Algorithm,
			PendingCount:     p.pendingCount(),
			ProcessedBatches: atomic.LoadUint64(&p.processedBatches),
			CreatedAt:        p.createdAt,
		})
	}
	return summaries
}

// Submit validates tx and appends it to the pool's pending queue. The
// returned id is assigned immediately, even when no batch boundary has been
// crossed yet.
func (pm *PoolManager) Submit(_ context.Context, poolID string, tx *PendingTransaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	p, err := pm.getPool(poolID)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return "", ErrPoolNotFound
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now()
	}
	p.seq++
	tx.seq = p.seq
	if tx.ID == "" {
		tx.ID = computeTxID(poolID, tx)
	}
	p.pending = append(p.pending, tx)
	p.activity.record(tx)
	pending := len(p.pending)
	batchSize := p.config.BatchSize
	p.mu.Unlock()

	if pending >= batchSize {
		p.signalSizeTrigger()
	}
	return tx.ID, nil
}

// Remove unregisters the pool and returns whatever was still pending so the
// caller can run a final batch or reject the transactions. The pool's trigger
// loop is cancelled via done; no transactions have been drained by the timer
// at that point, so cancellation has no side effects.
func (pm *PoolManager) Remove(_ context.Context, poolID string) (*pool, []*PendingTransaction, error) {
	pm.mu.Lock()
	p, ok := pm.pools[poolID]
	if ok {
		delete(pm.pools, poolID)
	}
	pm.mu.Unlock()
	if !ok {
		return nil, nil, ErrPoolNotFound
	}

	p.mu.Lock()
	p.removed = true
	drained := p.pending
	p.pending = nil
	p.mu.Unlock()

	close(p.done)
	pm.log.Info("Pool removed", zap.String("pool", poolID), zap.Int("pending", len(drained)))
	return p, drained, nil
}

// RestorePools loads persisted pool records from the store, used on startup.
func (pm *PoolManager) RestorePools(ctx context.Context) error {
	keys, err := pm.store.ListKeys(ctx, poolKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := pm.store.Get(ctx, key)
		if err != nil {
			return err
		}
		var record poolRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("pool record %s: %w", key, err)
		}
		p := newPool(record.ID, record.Config)
		p.createdAt = record.CreatedAt

		pm.mu.Lock()
		pm.pools[record.ID] = p
		pm.mu.Unlock()

		pm.announce(p)
	}
	pm.log.Info("Pools restored", zap.Int("count", len(keys)))
	return nil
}

// poolContext builds the analyzer's snapshot from the pool's recent activity
// and the drained batch itself.
func (pm *PoolManager) poolContext(p *pool, batch []*PendingTransaction) *PoolContext {
	p.mu.Lock()
	gasPrices, values := p.activity.snapshot()
	p.mu.Unlock()

	counts := make(map[common.Address]int, len(batch))
	for _, tx := range batch {
		counts[tx.Recipient]++
	}
	return &PoolContext{
		PoolID:          p.id,
		RecentGasPrices: gasPrices,
		RecentValues:    values,
		RecipientCounts: counts,
	}
}

func (pm *PoolManager) getPool(poolID string) (*pool, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.pools[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

func (pm *PoolManager) persistPool(ctx context.Context, p *pool) error {
	record := poolRecord{
		ID:        p.id,
		Config:    p.snapshotConfig(),
		CreatedAt: p.createdAt,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return pm.store.Put(ctx, poolKeyPrefix+p.id, data)
}

func (pm *PoolManager) announce(p *pool) {
	select {
	case pm.events <- p:
	default:
		pm.log.Warn("Pool events buffer full, trigger loop will not start", zap.String("pool", p.id))
	}
}

func newPoolID() (string, error) {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(buf[:]), nil
}

// computeTxID derives a transaction id from its content and per-pool
// sequence when the caller did not supply one.
func computeTxID(poolID string, tx *PendingTransaction) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(poolID))
	_, _ = h.Write(tx.Sender.Bytes())
	_, _ = h.Write(tx.Recipient.Bytes())
	_, _ = h.Write(tx.Value.ToInt().Bytes())
	_, _ = h.Write(tx.Payload)

	var meta [24]byte
	binary.BigEndian.PutUint64(meta[0:], uint64(tx.SubmittedAt.UnixNano()))
	binary.BigEndian.PutUint64(meta[8:], tx.seq)
	binary.BigEndian.PutUint64(meta[16:], uint64(tx.GasLimit))
	_, _ = h.Write(meta[:])

	return hexutil.Encode(h.Sum(nil))
}
