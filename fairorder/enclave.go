package fairorder

import (
	"context"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

// EnclaveAnalyzeRiskMethod is the method the remote analyzer must serve. It
// takes two positional parameters, the transaction and the pool context, so
// the remote side can score against the pool's recent activity. The node's
// own fair_analyzeRisk endpoint takes a bare transaction and is not
// interchangeable with it.
const EnclaveAnalyzeRiskMethod = "enclave_analyzeRisk"

// JSONRPCEnclaveBackend delegates risk analysis to an isolated execution
// environment over JSON-RPC, so in-flight ordering decisions cannot be
// observed before they are finalized. It is a hardening layer, not a
// correctness dependency: any failure falls back to the local analyzer.
type JSONRPCEnclaveBackend struct {
	log      *zap.Logger
	client   jsonrpc.RPCClient
	fallback AnalysisBackend
}

func NewJSONRPCEnclaveBackend(log *zap.Logger, url string, fallback AnalysisBackend) *JSONRPCEnclaveBackend {
	return &JSONRPCEnclaveBackend{
		log:      log.Named("enclave"),
		client:   jsonrpc.NewClient(url),
		fallback: fallback,
	}
}

func (b *JSONRPCEnclaveBackend) Analyze(ctx context.Context, tx *PendingTransaction, poolCtx *PoolContext) (*MevAnalysis, error) {
	var analysis MevAnalysis
	err := b.client.CallFor(ctx, &analysis, EnclaveAnalyzeRiskMethod, tx, poolCtx)
	if err != nil {
		b.log.Warn("Isolated analysis failed, falling back to local analyzer", zap.Error(err))
		return b.fallback.Analyze(ctx, tx, poolCtx)
	}
	return &analysis, nil
}
