package fairorder

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidConfiguration   = errors.New("invalid pool configuration")
	ErrPoolNotFound           = errors.New("pool not found")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrAnalysisFailed         = errors.New("transaction analysis failed")
	ErrOrderingStrategyFailed = errors.New("ordering strategy produced an invalid permutation")

	ErrUnknownAlgorithm       = errors.New("unknown ordering algorithm")
	ErrUnknownFairnessLevel   = errors.New("unknown fairness level")
	ErrUnknownProtectionLevel = errors.New("unknown protection level")
	ErrUnknownRiskLevel       = errors.New("unknown risk level")
)

// Algorithm is the closed set of ordering algorithms a pool can be
// configured with. It is marshalled as a string.
type Algorithm uint8

const (
	AlgorithmFIFO Algorithm = iota
	AlgorithmPriorityFair
	AlgorithmFairQueue
	AlgorithmRandomFair
	AlgorithmMevResistant
	AlgorithmTimeWeighted
	AlgorithmGasWeighted
)

var algorithmNames = map[Algorithm]string{
	AlgorithmFIFO:         "fifo",
	AlgorithmPriorityFair: "priority-fair",
	AlgorithmFairQueue:    "fair-queue",
	AlgorithmRandomFair:   "random-fair",
	AlgorithmMevResistant: "mev-resistant",
	AlgorithmTimeWeighted: "time-weighted",
	AlgorithmGasWeighted:  "gas-weighted",
}

func (a Algorithm) String() string {
	return algorithmNames[a]
}

func (a Algorithm) valid() bool {
	_, ok := algorithmNames[a]
	return ok
}

func (a Algorithm) MarshalJSON() ([]byte, error) {
	name, ok := algorithmNames[a]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return json.Marshal(name)
}

func (a *Algorithm) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for alg, n := range algorithmNames {
		if n == name {
			*a = alg
			return nil
		}
	}
	return ErrUnknownAlgorithm
}

// FairnessLevel controls how aggressively a pool trades throughput for
// ordering fairness.
type FairnessLevel uint8

const (
	FairnessStandard FairnessLevel = iota
	FairnessHigh
	FairnessMaximum
)

var fairnessLevelNames = map[FairnessLevel]string{
	FairnessStandard: "standard",
	FairnessHigh:     "high",
	FairnessMaximum:  "maximum",
}

func (l FairnessLevel) String() string { return fairnessLevelNames[l] }

func (l FairnessLevel) MarshalJSON() ([]byte, error) {
	name, ok := fairnessLevelNames[l]
	if !ok {
		return nil, ErrUnknownFairnessLevel
	}
	return json.Marshal(name)
}

func (l *FairnessLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, n := range fairnessLevelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return ErrUnknownFairnessLevel
}

// ProtectionLevel is the MEV protection requested by the submitter.
type ProtectionLevel uint8

const (
	ProtectionNone ProtectionLevel = iota
	ProtectionStandard
	ProtectionHigh
	ProtectionMaximum
)

var protectionLevelNames = map[ProtectionLevel]string{
	ProtectionNone:     "none",
	ProtectionStandard: "standard",
	ProtectionHigh:     "high",
	ProtectionMaximum:  "maximum",
}

func (l ProtectionLevel) String() string { return protectionLevelNames[l] }

func (l ProtectionLevel) MarshalJSON() ([]byte, error) {
	name, ok := protectionLevelNames[l]
	if !ok {
		return nil, ErrUnknownProtectionLevel
	}
	return json.Marshal(name)
}

func (l *ProtectionLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, n := range protectionLevelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return ErrUnknownProtectionLevel
}

// RiskLevel classifies a transaction's MEV exposure.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (l RiskLevel) String() string { return riskLevelNames[l] }

func (l RiskLevel) MarshalJSON() ([]byte, error) {
	name, ok := riskLevelNames[l]
	if !ok {
		return nil, ErrUnknownRiskLevel
	}
	return json.Marshal(name)
}

func (l *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, n := range riskLevelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return ErrUnknownRiskLevel
}

func maxRiskLevel(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

func raiseRiskLevel(l RiskLevel) RiskLevel {
	if l >= RiskCritical {
		return RiskCritical
	}
	return l + 1
}

// PoolConfig is the caller-supplied configuration of an ordering pool.
type PoolConfig struct {
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Algorithm      Algorithm          `json:"algorithm"`
	BatchSize      int                `json:"batchSize"`
	BatchTimeoutMs uint64             `json:"batchTimeoutMs"`
	FairnessLevel  FairnessLevel      `json:"fairnessLevel"`
	MevProtection  bool               `json:"mevProtection"`
	MaxSlippageBps uint64             `json:"maxSlippageBps,omitempty"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
}

func (c *PoolConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

func (c *PoolConfig) Validate() error {
	if c.BatchSize <= 0 {
		return ErrInvalidConfiguration
	}
	if c.BatchTimeoutMs == 0 {
		return ErrInvalidConfiguration
	}
	if !c.Algorithm.valid() {
		return ErrInvalidConfiguration
	}
	if _, ok := fairnessLevelNames[c.FairnessLevel]; !ok {
		return ErrInvalidConfiguration
	}
	return nil
}

// Parameter returns a named pool parameter or the given default.
func (c *PoolConfig) Parameter(name string, def float64) float64 {
	if v, ok := c.Parameters[name]; ok {
		return v
	}
	return def
}

// PoolSummary is the read-only view returned by list_pools.
type PoolSummary struct {
	PoolID           string    `json:"poolId"`
	Name             string    `json:"name"`
	Algorithm        Algorithm `json:"algorithm"`
	PendingCount     int       `json:"pendingCount"`
	ProcessedBatches uint64    `json:"processedBatches"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PendingTransaction is a transaction waiting in a pool's queue.
// It is immutable once drained into a batch.
type PendingTransaction struct {
	ID          string          `json:"id,omitempty"`
	Sender      common.Address  `json:"sender"`
	Recipient   common.Address  `json:"recipient"`
	Value       *hexutil.Big    `json:"value"`
	Payload     hexutil.Bytes   `json:"payload,omitempty"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	GasLimit    hexutil.Uint64  `json:"gasLimit"`
	PriorityFee *hexutil.Big    `json:"priorityFee,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt,omitempty"`
	Protection  ProtectionLevel `json:"protection,omitempty"`
	NotBefore   *time.Time      `json:"notBefore,omitempty"`
	NotAfter    *time.Time      `json:"notAfter,omitempty"`
	Origin      string          `json:"origin,omitempty"`

	// seq is the per-pool submission sequence, assigned on submit.
	seq uint64
}

func (tx *PendingTransaction) Validate() error {
	if tx.Sender == (common.Address{}) || tx.Recipient == (common.Address{}) {
		return ErrInvalidTransaction
	}
	if tx.Value == nil || tx.Value.ToInt().Sign() < 0 {
		return ErrInvalidTransaction
	}
	if tx.GasPrice == nil || tx.GasPrice.ToInt().Sign() < 0 {
		return ErrInvalidTransaction
	}
	if tx.GasLimit == 0 {
		return ErrInvalidTransaction
	}
	if tx.NotBefore != nil && tx.NotAfter != nil && tx.NotAfter.Before(*tx.NotBefore) {
		return ErrInvalidTransaction
	}
	return nil
}

func (tx *PendingTransaction) priorityFee() *big.Int {
	if tx.PriorityFee == nil {
		return new(big.Int)
	}
	return tx.PriorityFee.ToInt()
}

// BatchStatus is the terminal status of a processed batch.
type BatchStatus uint8

const (
	BatchStatusAnalyzing BatchStatus = iota
	BatchStatusOrdering
	BatchStatusCompleted
	BatchStatusCompletedUnpersisted
	BatchStatusFailed
)

var batchStatusNames = map[BatchStatus]string{
	BatchStatusAnalyzing:            "analyzing",
	BatchStatusOrdering:             "ordering",
	BatchStatusCompleted:            "completed",
	BatchStatusCompletedUnpersisted: "completed-unpersisted",
	BatchStatusFailed:               "failed",
}

func (s BatchStatus) String() string { return batchStatusNames[s] }

func (s BatchStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(batchStatusNames[s])
}

func (s *BatchStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range batchStatusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return errors.New("unknown batch status")
}

// BatchTransaction records a transaction's membership and positions in a
// batch. OriginalPosition is the index in the drained set; FinalPosition is
// the slot in the batch's final ordering, -1 for failed transactions.
type BatchTransaction struct {
	TxID             string `json:"txId"`
	OriginalPosition int    `json:"originalPosition"`
	FinalPosition    int    `json:"finalPosition"`
	Failed           bool   `json:"failed,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
}

// Batch is a drained set of transactions processed together.
type Batch struct {
	ID             string             `json:"id"`
	PoolID         string             `json:"poolId"`
	Algorithm      Algorithm          `json:"algorithm"`
	Status         BatchStatus        `json:"status"`
	Transactions   []BatchTransaction `json:"transactions"`
	SeedCommitment string             `json:"seedCommitment,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	CompletedAt    time.Time          `json:"completedAt,omitempty"`
}

// OrderingResult is the immutable per-transaction outcome, keyed by
// transaction id for idempotent lookup.
type OrderingResult struct {
	TxID             string    `json:"txId"`
	PoolID           string    `json:"poolId"`
	BatchID          string    `json:"batchId"`
	OriginalPosition int       `json:"originalPosition"`
	FinalPosition    int       `json:"finalPosition"`
	FairnessScore    float64   `json:"fairnessScore"`
	ProtectionScore  float64   `json:"protectionScore"`
	Success          bool      `json:"success"`
	FailureReason    string    `json:"failureReason,omitempty"`
	ProcessedAt      time.Time `json:"processedAt"`
}

// MevAnalysis is a per-transaction risk snapshot, versioned by AnalyzedAt.
type MevAnalysis struct {
	RiskLevel     RiskLevel    `json:"riskLevel"`
	EstimatedMev  *hexutil.Big `json:"estimatedMev"`
	Indicators    []string     `json:"indicators,omitempty"`
	Protections   []string     `json:"protections,omitempty"`
	ProtectionFee *hexutil.Big `json:"protectionFee"`
	AnalyzedAt    time.Time    `json:"analyzedAt"`
}

// FairnessMetrics is the per-pool aggregate read model. Stale reads are
// acceptable; the ordering-result log is the source of truth.
type FairnessMetrics struct {
	PoolID                  string    `json:"poolId"`
	TotalProcessed          uint64    `json:"totalProcessed"`
	AvgLatencyMs            float64   `json:"avgLatencyMs"`
	FairnessScore           float64   `json:"fairnessScore"`
	ProtectionEffectiveness float64   `json:"protectionEffectiveness"`
	OrderingEfficiency      float64   `json:"orderingEfficiency"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// AnalyzedTransaction pairs a drained transaction with its risk analysis.
// Err is set when analysis failed; such transactions are excluded from
// ordering but still produce a failed OrderingResult.
type AnalyzedTransaction struct {
	Tx               *PendingTransaction
	Analysis         *MevAnalysis
	OriginalPosition int
	Err              error
}

// PoolContext is the snapshot of recent pool activity handed to the analyzer.
type PoolContext struct {
	PoolID          string                 `json:"poolId"`
	RecentGasPrices []*hexutil.Big         `json:"recentGasPrices,omitempty"`
	RecentValues    []*hexutil.Big         `json:"recentValues,omitempty"`
	RecipientCounts map[common.Address]int `json:"recipientCounts,omitempty"`
}
