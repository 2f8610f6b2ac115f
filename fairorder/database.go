package fairorder

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrResultNotFound = errors.New("ordering result not found")

// DBBatch is the audit-log row for a processed batch.
type DBBatch struct {
	ID             string         `db:"id"`
	PoolID         string         `db:"pool_id"`
	Algorithm      string         `db:"algorithm"`
	Status         string         `db:"status"`
	TxCount        int            `db:"tx_count"`
	FailedCount    int            `db:"failed_count"`
	SeedCommitment sql.NullString `db:"seed_commitment"`
	CreatedAt      time.Time      `db:"created_at"`
	CompletedAt    time.Time      `db:"completed_at"`
	InsertedAt     time.Time      `db:"inserted_at"`
}

var insertBatchQuery = `
INSERT INTO batch (id, pool_id, algorithm, status, tx_count, failed_count, seed_commitment, created_at, completed_at)
VALUES (:id, :pool_id, :algorithm, :status, :tx_count, :failed_count, :seed_commitment, :created_at, :completed_at)
ON CONFLICT (id) DO NOTHING`

// DBOrderingResult is the audit-log row for one transaction's outcome.
type DBOrderingResult struct {
	TxID             string         `db:"tx_id"`
	PoolID           string         `db:"pool_id"`
	BatchID          string         `db:"batch_id"`
	OriginalPosition int            `db:"original_position"`
	FinalPosition    int            `db:"final_position"`
	FairnessScore    float64        `db:"fairness_score"`
	ProtectionScore  float64        `db:"protection_score"`
	Success          bool           `db:"success"`
	FailureReason    sql.NullString `db:"failure_reason"`
	ProcessedAt      time.Time      `db:"processed_at"`
	InsertedAt       time.Time      `db:"inserted_at"`
}

var insertResultQuery = `
INSERT INTO ordering_result (tx_id, pool_id, batch_id, original_position, final_position,
                             fairness_score, protection_score, success, failure_reason, processed_at)
VALUES (:tx_id, :pool_id, :batch_id, :original_position, :final_position,
        :fairness_score, :protection_score, :success, :failure_reason, :processed_at)
ON CONFLICT (tx_id) DO NOTHING`

var getResultQuery = `
SELECT tx_id, pool_id, batch_id, original_position, final_position,
       fairness_score, protection_score, success, failure_reason, processed_at, inserted_at
FROM ordering_result
WHERE tx_id = $1 LIMIT 1`

var resultHistoryQuery = `
SELECT tx_id, pool_id, batch_id, original_position, final_position,
       fairness_score, protection_score, success, failure_reason, processed_at, inserted_at
FROM ordering_result
WHERE pool_id = $1
ORDER BY processed_at DESC
LIMIT $2`

// DBBackend is the insert-only postgres audit log of batches and ordering
// results. It lets callers reconcile completed-unpersisted batches.
type DBBackend struct {
	db *sqlx.DB

	insertBatch  *sqlx.NamedStmt
	insertResult *sqlx.NamedStmt
	getResult    *sqlx.Stmt
	history      *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertBatch, err := db.PrepareNamed(insertBatchQuery)
	if err != nil {
		return nil, err
	}
	insertResult, err := db.PrepareNamed(insertResultQuery)
	if err != nil {
		return nil, err
	}
	getResult, err := db.Preparex(getResultQuery)
	if err != nil {
		return nil, err
	}
	history, err := db.Preparex(resultHistoryQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:           db,
		insertBatch:  insertBatch,
		insertResult: insertResult,
		getResult:    getResult,
		history:      history,
	}, nil
}

// InsertBatch writes the batch row and all of its result rows in one
// transaction.
func (b *DBBackend) InsertBatch(ctx context.Context, batch *Batch, results []*OrderingResult) error {
	failed := 0
	for _, tx := range batch.Transactions {
		if tx.Failed {
			failed++
		}
	}
	dbBatch := DBBatch{
		ID:             batch.ID,
		PoolID:         batch.PoolID,
		Algorithm:      batch.Algorithm.String(),
		Status:         batch.Status.String(),
		TxCount:        len(batch.Transactions),
		FailedCount:    failed,
		SeedCommitment: sql.NullString{String: batch.SeedCommitment, Valid: batch.SeedCommitment != ""},
		CreatedAt:      batch.CreatedAt,
		CompletedAt:    batch.CompletedAt,
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.NamedStmtContext(ctx, b.insertBatch).ExecContext(ctx, dbBatch); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for _, res := range results {
		row := DBOrderingResult{
			TxID:             res.TxID,
			PoolID:           res.PoolID,
			BatchID:          res.BatchID,
			OriginalPosition: res.OriginalPosition,
			FinalPosition:    res.FinalPosition,
			FairnessScore:    res.FairnessScore,
			ProtectionScore:  res.ProtectionScore,
			Success:          res.Success,
			FailureReason:    sql.NullString{String: res.FailureReason, Valid: res.FailureReason != ""},
			ProcessedAt:      res.ProcessedAt,
		}
		if _, err := dbTx.NamedStmtContext(ctx, b.insertResult).ExecContext(ctx, row); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) GetResult(ctx context.Context, txID string) (*OrderingResult, error) {
	var row DBOrderingResult
	err := b.getResult.GetContext(ctx, &row, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	} else if err != nil {
		return nil, err
	}
	res := rowToResult(&row)
	return res, nil
}

// ResultHistoryByPool returns the most recent results for a pool, newest
// first. Used to reconcile completed-unpersisted batches.
func (b *DBBackend) ResultHistoryByPool(ctx context.Context, poolID string, limit int) ([]*OrderingResult, error) {
	var rows []DBOrderingResult
	if err := b.history.SelectContext(ctx, &rows, poolID, limit); err != nil {
		return nil, err
	}
	results := make([]*OrderingResult, len(rows))
	for i := range rows {
		results[i] = rowToResult(&rows[i])
	}
	return results, nil
}

func rowToResult(row *DBOrderingResult) *OrderingResult {
	return &OrderingResult{
		TxID:             row.TxID,
		PoolID:           row.PoolID,
		BatchID:          row.BatchID,
		OriginalPosition: row.OriginalPosition,
		FinalPosition:    row.FinalPosition,
		FairnessScore:    row.FairnessScore,
		ProtectionScore:  row.ProtectionScore,
		Success:          row.Success,
		FailureReason:    row.FailureReason.String,
		ProcessedAt:      row.ProcessedAt,
	}
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
