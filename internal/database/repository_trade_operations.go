package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const operationColumns = `
	id, user_id, session_key, COALESCE(broker_contract_id, ''), symbol, direction, barrier_digit,
	amount, duration, status, entry_price, exit_price, profit, consensus,
	is_recovery_mode, recovery_multiplier, is_conservative_forced, COALESCE(error_message, ''),
	created_at, completed_at
`

func scanOperation(row pgx.Row) (*TradeOperation, error) {
	var o TradeOperation
	err := row.Scan(
		&o.ID, &o.UserID, &o.SessionKey, &o.BrokerContractID, &o.Symbol, &o.Direction, &o.BarrierDigit,
		&o.Amount, &o.Duration, &o.Status, &o.EntryPrice, &o.ExitPrice, &o.Profit, &o.Consensus,
		&o.IsRecoveryMode, &o.RecoveryMultiplier, &o.IsConservativeForced, &o.ErrorMessage,
		&o.CreatedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateTradeOperation inserts a new operation. The partial unique index on
// open operations turns a second in-flight operation into ErrOperationInFlight.
func (r *Repository) CreateTradeOperation(ctx context.Context, op *TradeOperation) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_operations (id, user_id, session_key, broker_contract_id, symbol, direction,
			barrier_digit, amount, duration, status, consensus, is_recovery_mode, recovery_multiplier,
			is_conservative_forced, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, op.ID, op.UserID, op.SessionKey, op.BrokerContractID, op.Symbol, op.Direction,
		op.BarrierDigit, op.Amount, op.Duration, op.Status, op.Consensus, op.IsRecoveryMode,
		op.RecoveryMultiplier, op.IsConservativeForced, op.CreatedAt)
	if isUniqueViolation(err) {
		return ErrOperationInFlight
	}
	return err
}

// UpdateTradeOperation persists status, contract and settlement fields
func (r *Repository) UpdateTradeOperation(ctx context.Context, op *TradeOperation) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trade_operations
		SET broker_contract_id = NULLIF($2, ''), status = $3, entry_price = $4, exit_price = $5,
			profit = $6, error_message = NULLIF($7, ''), completed_at = $8
		WHERE id = $1
	`, op.ID, op.BrokerContractID, op.Status, op.EntryPrice, op.ExitPrice,
		op.Profit, op.ErrorMessage, op.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOpenTradeOperation returns the user's pending/active operation or ErrNotFound
func (r *Repository) GetOpenTradeOperation(ctx context.Context, userID string) (*TradeOperation, error) {
	op, err := scanOperation(r.db.Pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM trade_operations
		 WHERE user_id = $1 AND status IN ('pending', 'active') LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// CountTradeOperationsSince counts non-cancelled operations of a user created at or after since
func (r *Repository) CountTradeOperationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trade_operations
		WHERE user_id = $1 AND created_at >= $2 AND status <> 'cancelled'
	`, userID, since).Scan(&n)
	return n, err
}

// ListTradeOperations returns a user's most recent operations, newest first
func (r *Repository) ListTradeOperations(ctx context.Context, userID string, limit int) ([]TradeOperation, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+operationColumns+` FROM trade_operations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []TradeOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// InsertAiLogs appends one row per adapter vote in a single batch
func (r *Repository) InsertAiLogs(ctx context.Context, logs []AiLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`
			INSERT INTO ai_logs (id, user_id, session_key, round_id, model_name, analysis, decision,
				confidence, market_data_snapshot, error, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		`, l.ID, l.UserID, l.SessionKey, l.RoundID, l.ModelName, l.Analysis, l.Decision,
			l.Confidence, l.MarketDataSnapshot, l.Error, l.CreatedAt)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range logs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
