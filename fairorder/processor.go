package fairorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ordermesh/fairorder-node/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// processing states of a pool's pipeline, logged as the batch moves through
// the state machine.
const (
	stateDraining  = "draining"
	stateAnalyzing = "analyzing"
	stateOrdering  = "ordering"
	stateCompleted = "completed"
)

// batchFinishTimeout bounds the pipeline of an already drained batch during
// shutdown. A drained batch always reaches a terminal status.
const batchFinishTimeout = 30 * time.Second

// excludedPosition marks a transaction that was not assigned a slot in the
// batch's final ordering.
const excludedPosition = -1

// AnalysisBackend produces a risk analysis for one transaction. The context
// is for backends that delegate to an isolated environment; the local backend
// ignores it.
type AnalysisBackend interface {
	Analyze(ctx context.Context, tx *PendingTransaction, poolCtx *PoolContext) (*MevAnalysis, error)
}

// LocalAnalysisBackend runs the pure analyzer in-process.
type LocalAnalysisBackend struct {
	analyzer *RiskAnalyzer
}

func NewLocalAnalysisBackend(analyzer *RiskAnalyzer) *LocalAnalysisBackend {
	return &LocalAnalysisBackend{analyzer: analyzer}
}

func (b *LocalAnalysisBackend) Analyze(_ context.Context, tx *PendingTransaction, poolCtx *PoolContext) (*MevAnalysis, error) {
	return b.analyzer.Analyze(tx, poolCtx)
}

// CommitmentStore publishes random-fair seed commitments before final
// positions are revealed.
type CommitmentStore interface {
	Commit(ctx context.Context, batchID, commitment string) error
}

// BatchProcessor runs one trigger loop per pool. On a size or timeout trigger
// it drains the pool, analyzes every transaction, applies the pool's ordering
// algorithm and persists the result. Pipelines of different pools run in
// parallel up to the worker cap.
type BatchProcessor struct {
	log        *zap.Logger
	pools      *PoolManager
	analysis   AnalysisBackend
	rnd        SecureRandom
	store      Store
	aggregator *FairnessAggregator

	// AuditLog mirrors batches and results to postgres when configured.
	AuditLog *DBBackend
	// Commitments receives seed commitments when configured.
	Commitments CommitmentStore
	// AnalysisParallelism caps per-transaction analysis goroutines in a batch.
	AnalysisParallelism int

	slots   chan struct{}
	running uint32 // atomic
}

func NewBatchProcessor(
	log *zap.Logger, pools *PoolManager, analysis AnalysisBackend, rnd SecureRandom,
	store Store, aggregator *FairnessAggregator, pipelineWorkers int,
) *BatchProcessor {
	if pipelineWorkers < 1 {
		pipelineWorkers = DefaultPipelineWorkers
	}
	return &BatchProcessor{
		log:                 log.Named("processor"),
		pools:               pools,
		analysis:            analysis,
		rnd:                 rnd,
		store:               store,
		aggregator:          aggregator,
		AnalysisParallelism: DefaultAnalysisParallelism,
		slots:               make(chan struct{}, pipelineWorkers),
	}
}

func (bp *BatchProcessor) Running() bool {
	return atomic.LoadUint32(&bp.running) == 1
}

// Start spawns a trigger loop for every pool announced by the manager.
// The returned WaitGroup allows graceful shutdown: drained batches finish
// their pipeline before Wait returns.
func (bp *BatchProcessor) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	atomic.StoreUint32(&bp.running, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer atomic.StoreUint32(&bp.running, 0)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-bp.pools.Events():
				wg.Add(1)
				go func() {
					defer wg.Done()
					bp.runPool(ctx, p)
				}()
			}
		}
	}()
	return wg
}

// runPool is the per-pool trigger loop. It sleeps until the batch timeout of
// the oldest pending transaction or a size trigger, whichever fires first.
// The loop never holds the pool's queue lock while waiting.
func (bp *BatchProcessor) runPool(ctx context.Context, p *pool) {
	logger := bp.log.With(zap.String("pool", p.id))
	logger.Debug("Trigger loop started")

	config := p.snapshotConfig()
	timeout := config.BatchTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			logger.Debug("Trigger loop stopped, pool removed")
			return
		case <-p.sizeTrigger:
		case <-timer.C:
		}

		config = p.snapshotConfig()
		timeout = config.BatchTimeout()

		oldest, pending := p.oldestPending()
		if pending == 0 {
			timer.Reset(timeout)
			continue
		}
		age := time.Since(oldest)
		if pending < config.BatchSize && age < timeout {
			// woke early, wait out the remainder of the oldest transaction's
			// timeout
			timer.Reset(timeout - age)
			continue
		}

		// cross-pool concurrency cap
		select {
		case bp.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		logger.Debug("Batch trigger fired",
			zap.Int("pending", pending),
			zap.Duration("oldest_age", age),
			zap.String("state", stateDraining))
		drained, oldestAt := p.drain()
		if len(drained) == 0 {
			<-bp.slots
			timer.Reset(timeout)
			continue
		}
		bp.ProcessDrained(ctx, p, drained, oldestAt)
		<-bp.slots
		timer.Reset(timeout)
	}
}

// ProcessDrained runs the full pipeline for an already drained set. It is
// also the path for a pool deletion's final batch. The pipeline does not stop
// on context cancellation: once drained, a batch always reaches a terminal
// status to uphold the no-drop invariant.
func (bp *BatchProcessor) ProcessDrained(_ context.Context, p *pool, drained []*PendingTransaction, oldestAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), batchFinishTimeout)
	defer cancel()

	startAt := time.Now()
	defer func() {
		metrics.RecordBatchProcessDuration(time.Since(startAt).Milliseconds())
	}()

	batchID, err := newPoolID()
	if err != nil {
		// ids must be unique, not unpredictable; fall back to a derived one
		batchID = fmt.Sprintf("batch-%s-%d", p.id, startAt.UnixNano())
	}
	config := p.snapshotConfig()
	logger := bp.log.With(zap.String("pool", p.id), zap.String("batch", batchID))
	metrics.IncBatchesFormed()

	batch := &Batch{
		ID:        batchID,
		PoolID:    p.id,
		Algorithm: config.Algorithm,
		Status:    BatchStatusAnalyzing,
		CreatedAt: startAt,
	}

	logger.Debug("Batch state", zap.String("state", stateAnalyzing), zap.Int("txs", len(drained)))
	analyzed := bp.analyzeAll(ctx, p, drained)

	logger.Debug("Batch state", zap.String("state", stateOrdering))
	batch.Status = BatchStatusOrdering
	results := bp.orderAndScore(ctx, logger, batch, &config, analyzed)

	batch.CompletedAt = time.Now()
	batch.Transactions = make([]BatchTransaction, len(results))
	for i, res := range results {
		batch.Transactions[i] = BatchTransaction{
			TxID:             res.TxID,
			OriginalPosition: res.OriginalPosition,
			FinalPosition:    res.FinalPosition,
			Failed:           !res.Success,
			FailureReason:    res.FailureReason,
		}
	}

	if err := bp.persistBatch(ctx, batch, results, analyzed); err != nil {
		if batch.Status == BatchStatusCompleted {
			batch.Status = BatchStatusCompletedUnpersisted
		}
		metrics.IncBatchesUnpersisted()
		logger.Error("Failed to persist batch results, callers must reconcile from the audit log", zap.Error(err))
	}

	atomic.AddUint64(&p.processedBatches, 1)
	bp.aggregator.BatchCompleted(ctx, batch, results, analyzed, oldestAt)

	logger.Info("Batch completed",
		zap.String("status", batch.Status.String()),
		zap.String("state", stateCompleted),
		zap.String("algorithm", config.Algorithm.String()),
		zap.Int("txs", len(results)),
		zap.Duration("took", time.Since(startAt)))
}

// RejectDrained records a failed result for every transaction, used when a
// pool is force-deleted with pending transactions.
func (bp *BatchProcessor) RejectDrained(_ context.Context, p *pool, drained []*PendingTransaction, reason string) {
	if len(drained) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), batchFinishTimeout)
	defer cancel()

	batchID, err := newPoolID()
	if err != nil {
		batchID = fmt.Sprintf("batch-%s-%d", p.id, time.Now().UnixNano())
	}
	config := p.snapshotConfig()
	now := time.Now()
	batch := &Batch{
		ID:          batchID,
		PoolID:      p.id,
		Algorithm:   config.Algorithm,
		Status:      BatchStatusFailed,
		CreatedAt:   now,
		CompletedAt: now,
	}
	results := make([]*OrderingResult, len(drained))
	for i, tx := range drained {
		results[i] = &OrderingResult{
			TxID:             tx.ID,
			PoolID:           p.id,
			BatchID:          batchID,
			OriginalPosition: i,
			FinalPosition:    excludedPosition,
			Success:          false,
			FailureReason:    reason,
			ProcessedAt:      now,
		}
		batch.Transactions = append(batch.Transactions, BatchTransaction{
			TxID:             tx.ID,
			OriginalPosition: i,
			FinalPosition:    excludedPosition,
			Failed:           true,
			FailureReason:    reason,
		})
	}
	if err := bp.persistBatch(ctx, batch, results, nil); err != nil {
		bp.log.Error("Failed to persist rejected batch", zap.String("batch", batchID), zap.Error(err))
	}
	bp.aggregator.BatchCompleted(ctx, batch, results, nil, now)
}

// analyzeAll runs per-transaction analysis in parallel and waits for all of
// them before ordering (the synchronization barrier). A single transaction's
// failure never aborts the batch.
func (bp *BatchProcessor) analyzeAll(ctx context.Context, p *pool, drained []*PendingTransaction) []*AnalyzedTransaction {
	poolCtx := bp.pools.poolContext(p, drained)
	analyzed := make([]*AnalyzedTransaction, len(drained))

	eg := errgroup.Group{}
	eg.SetLimit(bp.AnalysisParallelism)
	for i, tx := range drained {
		i, tx := i, tx
		eg.Go(func() error {
			atx := &AnalyzedTransaction{Tx: tx, OriginalPosition: i}
			if tx.NotAfter != nil && time.Now().After(*tx.NotAfter) {
				atx.Err = fmt.Errorf("execution window expired: %w", ErrInvalidTransaction)
			} else if analysis, err := bp.analysis.Analyze(ctx, tx, poolCtx); err != nil {
				atx.Err = fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
				metrics.IncAnalysesFailed()
			} else {
				atx.Analysis = analysis
			}
			analyzed[i] = atx
			return nil
		})
	}
	_ = eg.Wait()
	return analyzed
}

// orderAndScore applies the pool's strategy to the successfully analyzed
// transactions and computes per-transaction scores. A strategy failure fails
// the whole batch; every transaction becomes eligible for resubmission.
func (bp *BatchProcessor) orderAndScore(ctx context.Context, logger *zap.Logger, batch *Batch, config *PoolConfig, analyzed []*AnalyzedTransaction) []*OrderingResult {
	orderable := make([]*AnalyzedTransaction, 0, len(analyzed))
	for _, atx := range analyzed {
		if atx.Err == nil {
			orderable = append(orderable, atx)
		}
	}

	final, seed, err := OrderBatch(config.Algorithm, orderable, StrategyParamsFromConfig(config), bp.rnd)
	now := time.Now()
	results := make([]*OrderingResult, 0, len(analyzed))

	if err != nil {
		// must never happen for a correct strategy implementation
		logger.Error("ORDERING STRATEGY FAILED, failing whole batch",
			zap.Error(err),
			zap.String("algorithm", config.Algorithm.String()))
		metrics.IncBatchesFailed()
		batch.Status = BatchStatusFailed
		for _, atx := range analyzed {
			results = append(results, &OrderingResult{
				TxID:             atx.Tx.ID,
				PoolID:           batch.PoolID,
				BatchID:          batch.ID,
				OriginalPosition: atx.OriginalPosition,
				FinalPosition:    excludedPosition,
				Success:          false,
				FailureReason:    ErrOrderingStrategyFailed.Error() + "; transaction eligible for resubmission",
				ProcessedAt:      now,
			})
		}
		return results
	}

	if seed != nil {
		batch.SeedCommitment = SeedCommitment(seed)
		if bp.Commitments != nil {
			if err := bp.Commitments.Commit(ctx, batch.ID, batch.SeedCommitment); err != nil {
				logger.Error("Failed to publish seed commitment", zap.Error(err))
			}
		}
	}

	// every result reports the transaction's position in the drained set;
	// failed transactions are excluded from the final ordering and record
	// FinalPosition -1 so they cannot collide with an ordered slot
	for _, atx := range analyzed {
		if atx.Err != nil {
			results = append(results, &OrderingResult{
				TxID:             atx.Tx.ID,
				PoolID:           batch.PoolID,
				BatchID:          batch.ID,
				OriginalPosition: atx.OriginalPosition,
				FinalPosition:    excludedPosition,
				Success:          false,
				FailureReason:    atx.Err.Error(),
				ProcessedAt:      now,
			})
		}
	}
	// displacement and fairness are measured in the coordinates of the
	// ordered subset, where both endpoints of a move are meaningful
	for k, atx := range orderable {
		results = append(results, &OrderingResult{
			TxID:             atx.Tx.ID,
			PoolID:           batch.PoolID,
			BatchID:          batch.ID,
			OriginalPosition: atx.OriginalPosition,
			FinalPosition:    final[k],
			FairnessScore:    positionFairness(k, final[k], len(orderable)),
			ProtectionScore:  protectionScore(config.Algorithm, atx),
			Success:          true,
			ProcessedAt:      now,
		})
	}
	batch.Status = BatchStatusCompleted
	metrics.IncBatchesCompleted()
	return results
}

// persistBatch writes the batch record, every per-transaction result and the
// risk analyses to the store with bounded backoff, then mirrors batch and
// results to the audit log. Analyses are versioned by timestamp, never
// overwritten.
func (bp *BatchProcessor) persistBatch(ctx context.Context, batch *Batch, results []*OrderingResult, analyzed []*AnalyzedTransaction) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = PersistMaxElapsedTime
	back := backoff.WithContext(exp, ctx)

	err := backoff.Retry(func() error {
		batchData, err := json.Marshal(batch)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := bp.store.Put(ctx, batchKeyPrefix+batch.ID, batchData); err != nil {
			return err
		}
		for _, res := range results {
			resData, err := json.Marshal(res)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := bp.store.Put(ctx, resultKeyPrefix+res.TxID, resData); err != nil {
				return err
			}
		}
		for _, atx := range analyzed {
			if atx.Analysis == nil {
				continue
			}
			data, err := json.Marshal(atx.Analysis)
			if err != nil {
				return backoff.Permanent(err)
			}
			key := fmt.Sprintf("%s%s/%d", analysisKeyPrefix, atx.Tx.ID, atx.Analysis.AnalyzedAt.UnixNano())
			if err := bp.store.Put(ctx, key, data); err != nil {
				return err
			}
		}
		return nil
	}, back)

	if bp.AuditLog != nil {
		if dbErr := bp.AuditLog.InsertBatch(ctx, batch, results); dbErr != nil {
			bp.log.Error("Failed to write batch to audit log", zap.String("batch", batch.ID), zap.Error(dbErr))
		}
	}
	return err
}

// positionFairness is the per-transaction fairness score: 1.0 when a
// transaction keeps its arrival position, approaching 0 for the maximum
// possible displacement.
func positionFairness(original, final, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	disp := original - final
	if disp < 0 {
		disp = -disp
	}
	return 1.0 - float64(disp)/float64(n-1)
}

// protectionScore estimates how well the applied ordering shields a
// transaction from the risks found by the analyzer.
func protectionScore(alg Algorithm, atx *AnalyzedTransaction) float64 {
	var base float64
	switch alg {
	case AlgorithmRandomFair, AlgorithmMevResistant:
		base = 0.9
	case AlgorithmPriorityFair, AlgorithmFairQueue:
		base = 0.7
	default:
		base = 0.5
	}
	score := base + 0.02*float64(atx.Tx.Protection)
	if atx.Analysis != nil && atx.Analysis.RiskLevel >= RiskHigh {
		switch alg {
		case AlgorithmRandomFair, AlgorithmMevResistant:
			score += 0.05
		default:
			score -= 0.1
		}
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
