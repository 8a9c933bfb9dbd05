package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const dailyPnLColumns = `
	id, user_id, date, opening_balance, current_balance, daily_pnl, total_trades, won_trades,
	lost_trades, conservative_operations, is_recovery_active, recovery_threshold, max_drawdown,
	recovery_operations, recovery_started_at, closed_at, updated_at
`

func scanDailyPnL(row pgx.Row) (*DailyPnL, error) {
	var d DailyPnL
	err := row.Scan(
		&d.ID, &d.UserID, &d.Date, &d.OpeningBalance, &d.CurrentBalance, &d.DailyPnL, &d.TotalTrades, &d.WonTrades,
		&d.LostTrades, &d.ConservativeOperations, &d.IsRecoveryActive, &d.RecoveryThreshold, &d.MaxDrawdown,
		&d.RecoveryOperations, &d.RecoveryStartedAt, &d.ClosedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetOrCreateDailyPnL returns the user's row for date, creating it with
// openingBalance when this is the day's first trade.
func (r *Repository) GetOrCreateDailyPnL(ctx context.Context, userID string, date time.Time, openingBalance, recoveryThreshold float64) (*DailyPnL, error) {
	day := TradingDay(date)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO daily_pnl (user_id, date, opening_balance, current_balance, recovery_threshold)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (user_id, date) DO NOTHING
	`, userID, day, openingBalance, recoveryThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create daily pnl: %w", err)
	}

	return scanDailyPnL(r.db.Pool.QueryRow(ctx,
		`SELECT `+dailyPnLColumns+` FROM daily_pnl WHERE user_id = $1 AND date = $2`, userID, day))
}

// GetDailyPnL returns the user's row for date or ErrNotFound
func (r *Repository) GetDailyPnL(ctx context.Context, userID string, date time.Time) (*DailyPnL, error) {
	d, err := scanDailyPnL(r.db.Pool.QueryRow(ctx,
		`SELECT `+dailyPnLColumns+` FROM daily_pnl WHERE user_id = $1 AND date = $2`, userID, TradingDay(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// UpdateDailyPnL applies fn to the locked row and writes the result back
func (r *Repository) UpdateDailyPnL(ctx context.Context, userID string, date time.Time, fn func(*DailyPnL) error) (*DailyPnL, error) {
	var result *DailyPnL

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		d, err := scanDailyPnL(tx.QueryRow(ctx,
			`SELECT `+dailyPnLColumns+` FROM daily_pnl WHERE user_id = $1 AND date = $2 FOR UPDATE`,
			userID, TradingDay(date)))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := fn(d); err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			UPDATE daily_pnl
			SET current_balance = $2, daily_pnl = $3, total_trades = $4, won_trades = $5, lost_trades = $6,
				conservative_operations = $7, is_recovery_active = $8, max_drawdown = $9,
				recovery_operations = $10, recovery_started_at = $11, closed_at = $12, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, d.ID, d.CurrentBalance, d.DailyPnL, d.TotalTrades, d.WonTrades, d.LostTrades,
			d.ConservativeOperations, d.IsRecoveryActive, d.MaxDrawdown,
			d.RecoveryOperations, d.RecoveryStartedAt, d.ClosedAt,
		).Scan(&d.UpdatedAt)
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListOpenDailyPnLBefore returns rows not yet closed for days before date
func (r *Repository) ListOpenDailyPnLBefore(ctx context.Context, date time.Time) ([]DailyPnL, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+dailyPnLColumns+` FROM daily_pnl WHERE closed_at IS NULL AND date < $1 ORDER BY date, user_id`,
		TradingDay(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyPnL
	for rows.Next() {
		d, err := scanDailyPnL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetOrCreateRecoveryStrategy returns the user's strategy row, creating it with params
func (r *Repository) GetOrCreateRecoveryStrategy(ctx context.Context, userID, name string, params []byte) (*AiRecoveryStrategy, error) {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO ai_recovery_strategies (user_id, strategy_name, is_active, parameters)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (user_id, strategy_name) DO NOTHING
	`, userID, name, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery strategy: %w", err)
	}

	return scanRecoveryStrategy(r.db.Pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM ai_recovery_strategies WHERE user_id = $1 AND strategy_name = $2`,
		userID, name))
}

// UpdateRecoveryStrategy applies fn to the locked strategy row
func (r *Repository) UpdateRecoveryStrategy(ctx context.Context, userID, name string, fn func(*AiRecoveryStrategy) error) (*AiRecoveryStrategy, error) {
	var result *AiRecoveryStrategy

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		s, err := scanRecoveryStrategy(tx.QueryRow(ctx,
			`SELECT `+strategyColumns+` FROM ai_recovery_strategies WHERE user_id = $1 AND strategy_name = $2 FOR UPDATE`,
			userID, name))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE ai_recovery_strategies
			SET is_active = $2, success_rate = $3, total_recoveries = $4, successful_recoveries = $5,
				avg_recovery_time_seconds = $6, updated_at = NOW()
			WHERE id = $1
		`, s.ID, s.IsActive, s.SuccessRate, s.TotalRecoveries, s.SuccessfulRecoveries, s.AvgRecoveryTimeSeconds)
		if err != nil {
			return err
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const strategyColumns = `
	id, user_id, strategy_name, is_active, parameters, success_rate, total_recoveries,
	successful_recoveries, avg_recovery_time_seconds, updated_at
`

func scanRecoveryStrategy(row pgx.Row) (*AiRecoveryStrategy, error) {
	var s AiRecoveryStrategy
	err := row.Scan(&s.ID, &s.UserID, &s.StrategyName, &s.IsActive, &s.Parameters, &s.SuccessRate,
		&s.TotalRecoveries, &s.SuccessfulRecoveries, &s.AvgRecoveryTimeSeconds, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
