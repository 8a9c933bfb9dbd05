package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// One connection per concurrently executing session plus headroom for
	// the supervisor and the control surface.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_configurations (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			mode VARCHAR(32) NOT NULL,
			operations_count INTEGER NOT NULL DEFAULT 0,
			interval_type VARCHAR(16) NOT NULL,
			interval_value INTEGER NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			base_amount DECIMAL(20, 8) NOT NULL,
			account_type VARCHAR(8) NOT NULL DEFAULT 'demo',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_configurations_user ON trade_configurations(user_id, is_active)`,

		`CREATE TABLE IF NOT EXISTS active_trading_sessions (
			session_key VARCHAR(128) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			config_id BIGINT NOT NULL REFERENCES trade_configurations(id),
			mode VARCHAR(32) NOT NULL,
			operations_count INTEGER NOT NULL DEFAULT 0,
			executed_operations INTEGER NOT NULL DEFAULT 0,
			interval_type VARCHAR(16) NOT NULL,
			interval_value INTEGER NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			base_amount DECIMAL(20, 8) NOT NULL,
			account_type VARCHAR(8) NOT NULL DEFAULT 'demo',
			last_execution_time TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_executed_bound CHECK (operations_count = 0 OR executed_operations <= operations_count)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_active_trading_sessions_active ON active_trading_sessions(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_active_trading_sessions_user ON active_trading_sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS trade_operations (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			session_key VARCHAR(128) NOT NULL,
			broker_contract_id VARCHAR(64),
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			barrier_digit SMALLINT NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			duration INTEGER NOT NULL,
			status VARCHAR(16) NOT NULL,
			entry_price DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			profit DECIMAL(20, 8),
			consensus JSONB,
			is_recovery_mode BOOLEAN NOT NULL DEFAULT FALSE,
			recovery_multiplier DECIMAL(10, 4) NOT NULL DEFAULT 1,
			is_conservative_forced BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_operations_user_created ON trade_operations(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_operations_session ON trade_operations(session_key)`,
		// Single-flight per user against the broker
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_trade_operations_user_open
			ON trade_operations(user_id) WHERE status IN ('pending', 'active')`,

		`CREATE TABLE IF NOT EXISTS ai_logs (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			session_key VARCHAR(128),
			round_id UUID NOT NULL,
			model_name VARCHAR(64) NOT NULL,
			analysis TEXT,
			decision VARCHAR(8),
			confidence DECIMAL(6, 2),
			market_data_snapshot JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_logs_user_created ON ai_logs(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_logs_round ON ai_logs(round_id)`,

		`CREATE TABLE IF NOT EXISTS daily_pnl (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			date DATE NOT NULL,
			opening_balance DECIMAL(20, 8) NOT NULL,
			current_balance DECIMAL(20, 8) NOT NULL,
			daily_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			won_trades INTEGER NOT NULL DEFAULT 0,
			lost_trades INTEGER NOT NULL DEFAULT 0,
			conservative_operations INTEGER NOT NULL DEFAULT 0,
			is_recovery_active BOOLEAN NOT NULL DEFAULT FALSE,
			recovery_threshold DECIMAL(6, 4) NOT NULL,
			max_drawdown DECIMAL(20, 8) NOT NULL DEFAULT 0,
			recovery_operations INTEGER NOT NULL DEFAULT 0,
			recovery_started_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_pnl_open ON daily_pnl(date) WHERE closed_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS ai_recovery_strategies (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			strategy_name VARCHAR(64) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			parameters JSONB,
			success_rate DECIMAL(6, 2) NOT NULL DEFAULT 0,
			total_recoveries INTEGER NOT NULL DEFAULT 0,
			successful_recoveries INTEGER NOT NULL DEFAULT 0,
			avg_recovery_time_seconds DECIMAL(14, 2) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, strategy_name)
		)`,

		`CREATE TABLE IF NOT EXISTS system_health_heartbeats (
			component_name VARCHAR(64) PRIMARY KEY,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			metadata JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS scheduler_state (
			key VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS broker_tokens (
			user_id VARCHAR(64) NOT NULL,
			account_type VARCHAR(8) NOT NULL,
			encrypted_token BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, account_type)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
