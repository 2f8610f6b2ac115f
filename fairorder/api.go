package fairorder

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ordermesh/fairorder-node/jsonrpcserver"
	"github.com/ordermesh/fairorder-node/metrics"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrInternalServiceError = errors.New("fairorder service error")

const (
	knownTxCacheSize      = 4096
	resultCacheTTL        = 30 * time.Second
	resultCacheCleanup    = time.Minute
	analyzeRequestTimeout = 500 * time.Millisecond
)

// API exposes the engine's operations to a transport layer. Results are
// immutable once written, so lookups are cached; repeated reads of a known
// transaction id return identical results.
type API struct {
	log *zap.Logger

	pools      *PoolManager
	processor  *BatchProcessor
	analysis   AnalysisBackend
	aggregator *FairnessAggregator
	store      Store

	analyzeRateLimiter *rate.Limiter
	knownTxCache       *lru.Cache[string, string]
	resultCache        *gocache.Cache
}

func NewAPI(
	log *zap.Logger,
	pools *PoolManager, processor *BatchProcessor, analysis AnalysisBackend,
	aggregator *FairnessAggregator, store Store, analyzeRateLimit rate.Limit,
) *API {
	return &API{
		log: log,

		pools:      pools,
		processor:  processor,
		analysis:   analysis,
		aggregator: aggregator,
		store:      store,

		analyzeRateLimiter: rate.NewLimiter(analyzeRateLimit, 1),
		knownTxCache:       lru.NewCache[string, string](knownTxCacheSize),
		resultCache:        gocache.New(resultCacheTTL, resultCacheCleanup),
	}
}

type CreatePoolResponse struct {
	PoolID string `json:"poolId"`
}

func (m *API) CreatePool(ctx context.Context, config PoolConfig) (_ CreatePoolResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(CreatePoolEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(CreatePoolEndpointName)
		}
	}()

	poolID, err := m.pools.CreatePool(ctx, config)
	if err != nil {
		return CreatePoolResponse{}, err
	}
	return CreatePoolResponse{PoolID: poolID}, nil
}

type UpdatePoolArgs struct {
	PoolID string     `json:"poolId"`
	Config PoolConfig `json:"config"`
}

func (m *API) UpdatePool(ctx context.Context, args UpdatePoolArgs) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(UpdatePoolEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(UpdatePoolEndpointName)
		}
	}()
	return m.pools.UpdatePool(ctx, args.PoolID, args.Config)
}

type DeletePoolArgs struct {
	PoolID string `json:"poolId"`
	// Force rejects pending transactions instead of processing them as a
	// final batch.
	Force bool `json:"force,omitempty"`
}

func (m *API) DeletePool(ctx context.Context, args DeletePoolArgs) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(DeletePoolEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(DeletePoolEndpointName)
		}
	}()

	p, drained, err := m.pools.Remove(ctx, args.PoolID)
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		return nil
	}
	// the queue must be drained or rejected, never dropped
	if args.Force {
		m.processor.RejectDrained(ctx, p, drained, "pool deleted")
		return nil
	}

	// the final batch orders only transactions whose not-before window has
	// opened, same as a regular drain; the rest cannot be held by a deleted
	// pool and are rejected
	now := time.Now()
	var eligible, early []*PendingTransaction
	for _, tx := range drained {
		if tx.NotBefore != nil && now.Before(*tx.NotBefore) {
			early = append(early, tx)
			continue
		}
		eligible = append(eligible, tx)
	}
	if len(early) > 0 {
		m.processor.RejectDrained(ctx, p, early, "pool deleted before execution window opened")
	}
	if len(eligible) > 0 {
		m.processor.ProcessDrained(ctx, p, eligible, eligible[0].SubmittedAt)
	}
	return nil
}

func (m *API) ListPools(ctx context.Context) (_ []PoolSummary, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(ListPoolsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(ListPoolsEndpointName)
		}
	}()
	return m.pools.ListPools(ctx), nil
}

type SubmitTransactionArgs struct {
	PoolID      string             `json:"poolId"`
	Transaction PendingTransaction `json:"transaction"`
}

type SubmitTransactionResponse struct {
	TxID string `json:"txId"`
}

func (m *API) SubmitTransaction(ctx context.Context, args SubmitTransactionArgs) (_ SubmitTransactionResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SubmitTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SubmitTransactionEndpointName)
		}
	}()
	metrics.IncTxReceived()

	tx := args.Transaction
	tx.Origin = jsonrpcserver.GetOrigin(ctx)

	// identical resubmissions are acknowledged, not enqueued twice
	if tx.ID != "" {
		if poolID, ok := m.knownTxCache.Get(tx.ID); ok && poolID == args.PoolID {
			m.log.Debug("Transaction already known, ignoring", zap.String("tx", tx.ID))
			return SubmitTransactionResponse{TxID: tx.ID}, nil
		}
	}

	txID, err := m.pools.Submit(ctx, args.PoolID, &tx)
	if err != nil {
		m.log.Warn("Failed to submit transaction", zap.String("pool", args.PoolID), zap.Error(err))
		metrics.IncTxRejected()
		return SubmitTransactionResponse{}, err
	}
	m.knownTxCache.Add(txID, args.PoolID)
	metrics.IncTxValid()
	return SubmitTransactionResponse{TxID: txID}, nil
}

// GetOrderingResult returns the transaction's immutable result, or null when
// the transaction is unknown or still pending. An unknown id is not an error.
func (m *API) GetOrderingResult(ctx context.Context, txID string) (_ *OrderingResult, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetOrderingResultEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetOrderingResultEndpointName)
		}
	}()

	if cached, ok := m.resultCache.Get(txID); ok {
		res := cached.(OrderingResult)
		return &res, nil
	}

	data, err := m.store.Get(ctx, resultKeyPrefix+txID)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		m.log.Error("Failed to read ordering result", zap.String("tx", txID), zap.Error(err))
		return nil, ErrInternalServiceError
	}

	var res OrderingResult
	if err := json.Unmarshal(data, &res); err != nil {
		m.log.Error("Corrupt ordering result record", zap.String("tx", txID), zap.Error(err))
		return nil, ErrInternalServiceError
	}
	m.resultCache.Set(txID, res, resultCacheTTL)
	return &res, nil
}

func (m *API) GetFairnessMetrics(ctx context.Context, poolID string) (_ *FairnessMetrics, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetFairnessMetricsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetFairnessMetricsEndpointName)
		}
	}()

	fm, err := m.aggregator.Metrics(ctx, poolID)
	if errors.Is(err, ErrKeyNotFound) {
		// an existing pool has no aggregate until its first batch completes
		if _, perr := m.pools.getPool(poolID); perr != nil {
			return nil, ErrPoolNotFound
		}
		return &FairnessMetrics{PoolID: poolID}, nil
	} else if err != nil {
		return nil, ErrInternalServiceError
	}
	return fm, nil
}

// AnalyzeRisk is the standalone pre-submission risk check. It is rate
// limited because it is reachable by untrusted callers.
func (m *API) AnalyzeRisk(ctx context.Context, tx PendingTransaction) (_ *MevAnalysis, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(AnalyzeRiskEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(AnalyzeRiskEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, analyzeRequestTimeout)
	defer cancel()
	if err := m.analyzeRateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return m.analysis.Analyze(ctx, &tx, nil)
}

type HealthResponse struct {
	Running   bool `json:"running"`
	PoolCount int  `json:"poolCount"`
}

func (m *API) Health(_ context.Context) (HealthResponse, error) {
	return HealthResponse{
		Running:   m.processor.Running(),
		PoolCount: m.pools.PoolCount(),
	}, nil
}
