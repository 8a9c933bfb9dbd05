package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `
	session_key, user_id, config_id, mode, operations_count, executed_operations,
	interval_type, interval_value, symbol, base_amount, account_type,
	last_execution_time, is_active, created_at, updated_at
`

func scanSession(row pgx.Row) (*ActiveTradingSession, error) {
	var s ActiveTradingSession
	err := row.Scan(
		&s.SessionKey, &s.UserID, &s.ConfigID, &s.Mode, &s.OperationsCount, &s.ExecutedOperations,
		&s.IntervalType, &s.IntervalValue, &s.Symbol, &s.BaseAmount, &s.AccountType,
		&s.LastExecutionTime, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActivateConfiguration stores cfg as the user's only active configuration and
// creates its session. Previous configurations and sessions of the user are deactivated
// in the same transaction.
func (r *Repository) ActivateConfiguration(ctx context.Context, cfg *TradeConfiguration) (*ActiveTradingSession, error) {
	var session *ActiveTradingSession

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE trade_configurations SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_active`,
			cfg.UserID); err != nil {
			return fmt.Errorf("deactivate configurations: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE active_trading_sessions SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_active`,
			cfg.UserID); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}

		cfg.IsActive = true
		err := tx.QueryRow(ctx, `
			INSERT INTO trade_configurations (user_id, mode, operations_count, interval_type, interval_value,
				symbol, base_amount, account_type, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
			RETURNING id, created_at, updated_at
		`, cfg.UserID, cfg.Mode, cfg.OperationsCount, cfg.IntervalType, cfg.IntervalValue,
			cfg.Symbol, cfg.BaseAmount, cfg.AccountType,
		).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert configuration: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO active_trading_sessions (session_key, user_id, config_id, mode, operations_count,
				executed_operations, interval_type, interval_value, symbol, base_amount, account_type, is_active)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, TRUE)
			RETURNING `+sessionColumns,
			SessionKeyFor(cfg.UserID, cfg.ID), cfg.UserID, cfg.ID, cfg.Mode, cfg.OperationsCount,
			cfg.IntervalType, cfg.IntervalValue, cfg.Symbol, cfg.BaseAmount, cfg.AccountType,
		)
		session, err = scanSession(row)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetActiveConfiguration returns the user's active configuration or ErrNotFound
func (r *Repository) GetActiveConfiguration(ctx context.Context, userID string) (*TradeConfiguration, error) {
	var c TradeConfiguration
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, mode, operations_count, interval_type, interval_value,
			symbol, base_amount, account_type, is_active, created_at, updated_at
		FROM trade_configurations
		WHERE user_id = $1 AND is_active
		ORDER BY id DESC LIMIT 1
	`, userID).Scan(
		&c.ID, &c.UserID, &c.Mode, &c.OperationsCount, &c.IntervalType, &c.IntervalValue,
		&c.Symbol, &c.BaseAmount, &c.AccountType, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListActiveSessions returns every session with is_active = true
func (r *Repository) ListActiveSessions(ctx context.Context) ([]ActiveTradingSession, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM active_trading_sessions WHERE is_active ORDER BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ActiveTradingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// GetSession returns a session by key or ErrNotFound
func (r *Repository) GetSession(ctx context.Context, sessionKey string) (*ActiveTradingSession, error) {
	s, err := scanSession(r.db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM active_trading_sessions WHERE session_key = $1`, sessionKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetLatestSessionForUser returns the session of the user's newest configuration
func (r *Repository) GetLatestSessionForUser(ctx context.Context, userID string) (*ActiveTradingSession, error) {
	s, err := scanSession(r.db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM active_trading_sessions WHERE user_id = $1 ORDER BY config_id DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// RecordSessionExecution advances a session's progress under a row lock.
// The bound and interval checks are repeated inside the transaction so a
// racing retry can never double count.
func (r *Repository) RecordSessionExecution(ctx context.Context, sessionKey string, at time.Time) (*ActiveTradingSession, error) {
	var session *ActiveTradingSession

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM active_trading_sessions WHERE session_key = $1 FOR UPDATE`, sessionKey))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := s.CanExecuteAt(at); err != nil {
			return err
		}
		s.ApplyExecution(at)

		_, err = tx.Exec(ctx, `
			UPDATE active_trading_sessions
			SET executed_operations = $2, last_execution_time = $3, is_active = $4, updated_at = $3
			WHERE session_key = $1
		`, s.SessionKey, s.ExecutedOperations, s.LastExecutionTime, s.IsActive)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SetSessionActive pauses or resumes a single session. Resuming an exhausted
// session returns ErrSessionExhausted.
func (r *Repository) SetSessionActive(ctx context.Context, sessionKey string, active bool) (*ActiveTradingSession, error) {
	var session *ActiveTradingSession

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM active_trading_sessions WHERE session_key = $1 FOR UPDATE`, sessionKey))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if active && !s.IsUnlimited() && s.ExecutedOperations >= s.OperationsCount {
			return ErrSessionExhausted
		}

		s.IsActive = active
		_, err = tx.Exec(ctx,
			`UPDATE active_trading_sessions SET is_active = $2, updated_at = NOW() WHERE session_key = $1`,
			sessionKey, active)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
