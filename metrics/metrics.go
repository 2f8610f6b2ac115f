// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	txReceived = metrics.NewCounter("fairorder_tx_received_total")
	txValid    = metrics.NewCounter("fairorder_tx_received_valid_total")
	txRejected = metrics.NewCounter("fairorder_tx_rejected_total")

	batchesFormed      = metrics.NewCounter("fairorder_batches_formed_total")
	batchesCompleted   = metrics.NewCounter("fairorder_batches_completed_total")
	batchesFailed      = metrics.NewCounter("fairorder_batches_failed_total")
	batchesUnpersisted = metrics.NewCounter("fairorder_batches_unpersisted_total")

	analysesFailed = metrics.NewCounter("fairorder_analyses_failed_total")

	batchProcessDuration = metrics.NewSummary("fairorder_batch_process_duration_ms")
)

func IncTxReceived() {
	txReceived.Inc()
}

func IncTxValid() {
	txValid.Inc()
}

func IncTxRejected() {
	txRejected.Inc()
}

func IncBatchesFormed() {
	batchesFormed.Inc()
}

func IncBatchesCompleted() {
	batchesCompleted.Inc()
}

func IncBatchesFailed() {
	batchesFailed.Inc()
}

func IncBatchesUnpersisted() {
	batchesUnpersisted.Inc()
}

func IncAnalysesFailed() {
	analysesFailed.Inc()
}

func RecordBatchProcessDuration(ms int64) {
	batchProcessDuration.Update(float64(ms))
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`fairorder_rpc_call_duration_ms{method="%s"}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`fairorder_rpc_call_failure_total{method="%s"}`, method)).Inc()
}
