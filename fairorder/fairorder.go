// Package fairorder implements the fair transaction-ordering engine.
// Here is a full flow of data through the node:
//
// transport (jsonrpcserver) -> API receives:
//   - pool configuration (create/update/delete)
//   - pending transactions
//
// API -> PoolManager appends transactions to the per-pool pending queue
// BatchProcessor -> drains a pool's queue on a size or timeout trigger
//
//	BatchProcessor -> AnalysisBackend scores each transaction for MEV risk
//	BatchProcessor -> OrderBatch applies the pool's ordering algorithm
//
// BatchProcessor -> Store persists the batch and per-transaction results
// BatchProcessor -> FairnessAggregator updates the per-pool metrics read model
package fairorder

import "time"

const (
	// DefaultPipelineWorkers caps how many batches are processed in parallel
	// across pools.
	DefaultPipelineWorkers = 4

	// DefaultAnalysisParallelism caps per-transaction analysis goroutines
	// within one batch.
	DefaultAnalysisParallelism = 8

	// ActivityWindowSize is the number of recent transactions a pool keeps
	// for median and percentile calculations.
	ActivityWindowSize = 128

	DefaultMaxPositionDelta = 3
	DefaultJitterWindow     = 2

	// PersistMaxElapsedTime bounds result-write retries before a batch is
	// surfaced as completed-unpersisted.
	PersistMaxElapsedTime = 4 * time.Second
)

const (
	CreatePoolEndpointName         = "fair_createPool"
	UpdatePoolEndpointName         = "fair_updatePool"
	DeletePoolEndpointName         = "fair_deletePool"
	ListPoolsEndpointName          = "fair_listPools"
	SubmitTransactionEndpointName  = "fair_submitTransaction"
	GetOrderingResultEndpointName  = "fair_getOrderingResult"
	GetFairnessMetricsEndpointName = "fair_getFairnessMetrics"
	AnalyzeRiskEndpointName        = "fair_analyzeRisk"
	HealthEndpointName             = "fair_health"
)
