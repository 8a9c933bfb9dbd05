package database

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertHeartbeat records a component heartbeat. A non-empty errMsg increments
// error_count and replaces last_error.
func (r *Repository) UpsertHeartbeat(ctx context.Context, component, status, errMsg string, metadata map[string]interface{}, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO system_health_heartbeats (component_name, last_heartbeat, status, error_count, last_error, metadata)
		VALUES ($1, $2, $3, CASE WHEN $4 = '' THEN 0 ELSE 1 END, NULLIF($4, ''), $5)
		ON CONFLICT (component_name) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			status = EXCLUDED.status,
			error_count = system_health_heartbeats.error_count + CASE WHEN $4 = '' THEN 0 ELSE 1 END,
			last_error = COALESCE(NULLIF($4, ''), system_health_heartbeats.last_error),
			metadata = COALESCE(EXCLUDED.metadata, system_health_heartbeats.metadata)
	`, component, at, status, errMsg, metadata)
	return err
}

// SetHeartbeatStatus changes the status without touching last_heartbeat
func (r *Repository) SetHeartbeatStatus(ctx context.Context, component, status string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE system_health_heartbeats SET status = $2 WHERE component_name = $1`, component, status)
	return err
}

// ListHeartbeats returns all component heartbeats
func (r *Repository) ListHeartbeats(ctx context.Context) ([]SystemHealthHeartbeat, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT component_name, last_heartbeat, status, error_count, COALESCE(last_error, ''), metadata
		FROM system_health_heartbeats ORDER BY component_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemHealthHeartbeat
	for rows.Next() {
		var hb SystemHealthHeartbeat
		if err := rows.Scan(&hb.ComponentName, &hb.LastHeartbeat, &hb.Status, &hb.ErrorCount, &hb.LastError, &hb.Metadata); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

const pausedKey = "paused"

// GetSchedulerPaused returns the persisted global pause flag
func (r *Repository) GetSchedulerPaused(ctx context.Context) (bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM scheduler_state WHERE key = $1`, pausedKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}

// SetSchedulerPaused persists the global pause flag
func (r *Repository) SetSchedulerPaused(ctx context.Context, paused bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO scheduler_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, pausedKey, strconv.FormatBool(paused))
	return err
}

// GetBrokerToken returns the encrypted broker token for a user and account type
func (r *Repository) GetBrokerToken(ctx context.Context, userID, accountType string) ([]byte, error) {
	var token []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT encrypted_token FROM broker_tokens WHERE user_id = $1 AND account_type = $2`,
		userID, accountType).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return token, err
}

// SaveBrokerToken stores an encrypted broker token
func (r *Repository) SaveBrokerToken(ctx context.Context, userID, accountType string, encrypted []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO broker_tokens (user_id, account_type, encrypted_token, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, account_type) DO UPDATE SET encrypted_token = EXCLUDED.encrypted_token, updated_at = NOW()
	`, userID, accountType, encrypted)
	return err
}
