package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	LoggingConfig        LoggingConfig        `json:"logging"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	BrokerConfig         BrokerConfig         `json:"broker"`
	SchedulerConfig      SchedulerConfig      `json:"scheduler"`
	ConsensusConfig      ConsensusConfig      `json:"consensus"`
	RecoveryConfig       RecoveryConfig       `json:"recovery"`
	ThresholdConfig      ThresholdConfig      `json:"threshold"`
	SupervisorConfig     SupervisorConfig     `json:"supervisor"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	NotificationConfig   NotificationConfig   `json:"notification"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DatabaseConfig holds PostgreSQL connection settings.
// When Enabled is false the in-memory store is used (paper trading / development).
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for session locks and control pub/sub
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker tokens
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// BrokerConfig holds the brokerage WebSocket configuration
type BrokerConfig struct {
	AppID             string        `json:"app_id"`
	DemoEndpoint      string        `json:"demo_endpoint"`
	RealEndpoint      string        `json:"real_endpoint"`
	PaperMode         bool          `json:"paper_mode"` // Simulated broker, no network
	RequestTimeout    time.Duration `json:"request_timeout"`
	SettlementTimeout time.Duration `json:"settlement_timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	DurationTicks     int           `json:"duration_ticks"`
	Currency          string        `json:"currency"`
	TickHistoryCount  int           `json:"tick_history_count"`
	EncryptionKey     string        `json:"-"` // Fallback token encryption, env only
}

// SchedulerConfig holds the session scheduler configuration
type SchedulerConfig struct {
	TickInterval    time.Duration `json:"tick_interval"`
	MaxParallel     int           `json:"max_parallel"`
	LockTTL         time.Duration `json:"lock_ttl"`
	DefaultSymbol   string        `json:"default_symbol"`
	DefaultAmount   float64       `json:"default_amount"`
	ExecutionBudget time.Duration `json:"execution_budget"` // Upper bound for one session execution
}

// ConsensusConfig holds prediction adapter configuration
type ConsensusConfig struct {
	AdapterTimeout time.Duration `json:"adapter_timeout"`
	MinQuorum      int           `json:"min_quorum"`
	LLMEnabled     bool          `json:"llm_enabled"`
	LLMBaseURL     string        `json:"llm_base_url"`
	LLMAPIKey      string        `json:"llm_api_key"`
	LLMModel       string        `json:"llm_model"`
	MLEnabled      bool          `json:"ml_enabled"`
	MLServiceURL   string        `json:"ml_service_url"`
	MomentumWindow int           `json:"momentum_window"`
}

// RecoveryConfig holds loss-recovery policy configuration
type RecoveryConfig struct {
	RecoveryThreshold  float64 `json:"recovery_threshold"`  // Fraction of opening balance lost
	RecoveryMultiplier float64 `json:"recovery_multiplier"` // Stake multiplier while recovering
	MinConservativeOps int     `json:"min_conservative_ops"`
	MaxConservativeOps int     `json:"max_conservative_ops"`
	ConservativeEvery  int     `json:"conservative_every"`
	ConservativeFactor float64 `json:"conservative_factor"`
	StrategyName       string  `json:"strategy_name"`
	RolloverSpec       string  `json:"rollover_spec"` // cron spec with seconds
}

// ThresholdConfig holds dynamic threshold configuration
type ThresholdConfig struct {
	WindowSize    int     `json:"window_size"`
	MinSamples    int     `json:"min_samples"`
	ForceDiscount float64 `json:"force_discount"`
}

// SupervisorConfig holds heartbeat watchdog configuration
type SupervisorConfig struct {
	CheckInterval  time.Duration `json:"check_interval"`
	StaleAfter     time.Duration `json:"stale_after"`
	ControlChannel string        `json:"control_channel"`
}

// CircuitBreakerConfig holds the per-user broker circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                bool          `json:"enabled"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	Cooldown               time.Duration `json:"cooldown"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig holds admin token validation configuration
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// NotificationConfig holds operator alert configuration
type NotificationConfig struct {
	Enabled           bool   `json:"enabled"`
	TelegramBotToken  string `json:"telegram_bot_token"`
	TelegramChatID    string `json:"telegram_chat_id"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom loads the config file at path (missing file is not an error)
// and applies environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with
func (c *Config) Validate() error {
	if c.RecoveryConfig.RecoveryMultiplier <= 1 {
		return fmt.Errorf("recovery_multiplier must be > 1, got %v", c.RecoveryConfig.RecoveryMultiplier)
	}
	if c.RecoveryConfig.RecoveryThreshold <= 0 || c.RecoveryConfig.RecoveryThreshold > 1 {
		return fmt.Errorf("recovery_threshold must be in (0, 1], got %v", c.RecoveryConfig.RecoveryThreshold)
	}
	if c.RecoveryConfig.MinConservativeOps > c.RecoveryConfig.MaxConservativeOps {
		return fmt.Errorf("min_conservative_ops (%d) exceeds max_conservative_ops (%d)",
			c.RecoveryConfig.MinConservativeOps, c.RecoveryConfig.MaxConservativeOps)
	}
	if c.SchedulerConfig.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick_interval must be positive")
	}
	if c.BrokerConfig.DurationTicks < 1 || c.BrokerConfig.DurationTicks > 10 {
		return fmt.Errorf("broker duration_ticks must be between 1 and 10, got %d", c.BrokerConfig.DurationTicks)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is empty")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker tokens are per-user and never read from the environment.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "trading_bot"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Database, "digit_trading"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "digit-bot/broker-tokens"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolString(cfg.VaultConfig.TLSEnabled)) == "true"

	// Broker config
	cfg.BrokerConfig.AppID = getEnvOrDefault("BROKER_APP_ID", orString(cfg.BrokerConfig.AppID, "1089"))
	cfg.BrokerConfig.DemoEndpoint = getEnvOrDefault("BROKER_DEMO_ENDPOINT", orString(cfg.BrokerConfig.DemoEndpoint, "wss://ws.derivws.com/websockets/v3"))
	cfg.BrokerConfig.RealEndpoint = getEnvOrDefault("BROKER_REAL_ENDPOINT", orString(cfg.BrokerConfig.RealEndpoint, "wss://ws.derivws.com/websockets/v3"))
	cfg.BrokerConfig.PaperMode = getEnvOrDefault("BROKER_PAPER_MODE", boolString(cfg.BrokerConfig.PaperMode)) == "true"
	cfg.BrokerConfig.RequestTimeout = getEnvDurationOrDefault("BROKER_REQUEST_TIMEOUT", cfg.BrokerConfig.RequestTimeout)
	cfg.BrokerConfig.SettlementTimeout = getEnvDurationOrDefault("BROKER_SETTLEMENT_TIMEOUT", cfg.BrokerConfig.SettlementTimeout)
	cfg.BrokerConfig.RequestsPerSecond = getEnvFloatOrDefault("BROKER_REQUESTS_PER_SECOND", cfg.BrokerConfig.RequestsPerSecond)
	cfg.BrokerConfig.Burst = getEnvIntOrDefault("BROKER_BURST", cfg.BrokerConfig.Burst)
	cfg.BrokerConfig.DurationTicks = getEnvIntOrDefault("BROKER_DURATION_TICKS", cfg.BrokerConfig.DurationTicks)
	cfg.BrokerConfig.Currency = getEnvOrDefault("BROKER_CURRENCY", cfg.BrokerConfig.Currency)
	cfg.BrokerConfig.EncryptionKey = getEnvOrDefault("ENCRYPTION_KEY", "")

	// Scheduler config
	cfg.SchedulerConfig.TickInterval = getEnvDurationOrDefault("SCHEDULER_TICK_INTERVAL", cfg.SchedulerConfig.TickInterval)
	cfg.SchedulerConfig.MaxParallel = getEnvIntOrDefault("SCHEDULER_MAX_PARALLEL", cfg.SchedulerConfig.MaxParallel)
	cfg.SchedulerConfig.DefaultSymbol = getEnvOrDefault("SCHEDULER_DEFAULT_SYMBOL", cfg.SchedulerConfig.DefaultSymbol)
	cfg.SchedulerConfig.DefaultAmount = getEnvFloatOrDefault("SCHEDULER_DEFAULT_AMOUNT", cfg.SchedulerConfig.DefaultAmount)

	// Consensus config
	cfg.ConsensusConfig.AdapterTimeout = getEnvDurationOrDefault("CONSENSUS_ADAPTER_TIMEOUT", cfg.ConsensusConfig.AdapterTimeout)
	cfg.ConsensusConfig.MinQuorum = getEnvIntOrDefault("CONSENSUS_MIN_QUORUM", cfg.ConsensusConfig.MinQuorum)
	cfg.ConsensusConfig.LLMEnabled = getEnvOrDefault("CONSENSUS_LLM_ENABLED", boolString(cfg.ConsensusConfig.LLMEnabled)) == "true"
	cfg.ConsensusConfig.LLMBaseURL = getEnvOrDefault("CONSENSUS_LLM_BASE_URL", orString(cfg.ConsensusConfig.LLMBaseURL, "https://api.openai.com/v1"))
	cfg.ConsensusConfig.LLMAPIKey = getEnvOrDefault("CONSENSUS_LLM_API_KEY", cfg.ConsensusConfig.LLMAPIKey)
	cfg.ConsensusConfig.LLMModel = getEnvOrDefault("CONSENSUS_LLM_MODEL", orString(cfg.ConsensusConfig.LLMModel, "gpt-4o-mini"))
	cfg.ConsensusConfig.MLEnabled = getEnvOrDefault("CONSENSUS_ML_ENABLED", boolString(cfg.ConsensusConfig.MLEnabled)) == "true"
	cfg.ConsensusConfig.MLServiceURL = getEnvOrDefault("CONSENSUS_ML_SERVICE_URL", cfg.ConsensusConfig.MLServiceURL)

	// Recovery config
	cfg.RecoveryConfig.RecoveryThreshold = getEnvFloatOrDefault("RECOVERY_THRESHOLD", cfg.RecoveryConfig.RecoveryThreshold)
	cfg.RecoveryConfig.RecoveryMultiplier = getEnvFloatOrDefault("RECOVERY_MULTIPLIER", cfg.RecoveryConfig.RecoveryMultiplier)
	cfg.RecoveryConfig.MinConservativeOps = getEnvIntOrDefault("RECOVERY_MIN_CONSERVATIVE_OPS", cfg.RecoveryConfig.MinConservativeOps)
	cfg.RecoveryConfig.MaxConservativeOps = getEnvIntOrDefault("RECOVERY_MAX_CONSERVATIVE_OPS", cfg.RecoveryConfig.MaxConservativeOps)

	// Supervisor config
	cfg.SupervisorConfig.CheckInterval = getEnvDurationOrDefault("SUPERVISOR_CHECK_INTERVAL", cfg.SupervisorConfig.CheckInterval)
	cfg.SupervisorConfig.StaleAfter = getEnvDurationOrDefault("SUPERVISOR_STALE_AFTER", cfg.SupervisorConfig.StaleAfter)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	cfg.CircuitBreakerConfig.MaxConsecutiveFailures = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_FAILURES", cfg.CircuitBreakerConfig.MaxConsecutiveFailures)
	cfg.CircuitBreakerConfig.Cooldown = getEnvDurationOrDefault("CIRCUIT_COOLDOWN", cfg.CircuitBreakerConfig.Cooldown)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolString(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.TelegramBotToken)
	cfg.NotificationConfig.TelegramChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.TelegramChatID)
	cfg.NotificationConfig.DiscordWebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.DiscordWebhookURL)
}

// applyDefaults fills zero values left after file and environment
func applyDefaults(cfg *Config) {
	b := &cfg.BrokerConfig
	if b.RequestTimeout == 0 {
		b.RequestTimeout = 15 * time.Second
	}
	if b.SettlementTimeout == 0 {
		b.SettlementTimeout = 45 * time.Second
	}
	if b.RequestsPerSecond == 0 {
		b.RequestsPerSecond = 5
	}
	if b.Burst == 0 {
		b.Burst = 10
	}
	if b.DurationTicks == 0 {
		b.DurationTicks = 1
	}
	if b.Currency == "" {
		b.Currency = "USD"
	}
	if b.TickHistoryCount == 0 {
		b.TickHistoryCount = 100
	}

	s := &cfg.SchedulerConfig
	if s.TickInterval == 0 {
		s.TickInterval = 5 * time.Second
	}
	if s.MaxParallel == 0 {
		s.MaxParallel = 10
	}
	if s.LockTTL == 0 {
		s.LockTTL = 2 * time.Minute
	}
	if s.DefaultSymbol == "" {
		s.DefaultSymbol = "R_100"
	}
	if s.DefaultAmount == 0 {
		s.DefaultAmount = 1
	}
	if s.ExecutionBudget == 0 {
		s.ExecutionBudget = 90 * time.Second
	}

	c := &cfg.ConsensusConfig
	if c.AdapterTimeout == 0 {
		c.AdapterTimeout = 8 * time.Second
	}
	if c.MinQuorum == 0 {
		c.MinQuorum = 2
	}
	if c.MomentumWindow == 0 {
		c.MomentumWindow = 20
	}

	r := &cfg.RecoveryConfig
	if r.RecoveryThreshold == 0 {
		r.RecoveryThreshold = 0.75
	}
	if r.RecoveryMultiplier == 0 {
		r.RecoveryMultiplier = 2.0
	}
	if r.MinConservativeOps == 0 {
		r.MinConservativeOps = 2
	}
	if r.MaxConservativeOps == 0 {
		r.MaxConservativeOps = 4
	}
	if r.ConservativeEvery == 0 {
		r.ConservativeEvery = 2
	}
	if r.ConservativeFactor == 0 {
		r.ConservativeFactor = 0.5
	}
	if r.StrategyName == "" {
		r.StrategyName = "daily_balance_recovery"
	}
	if r.RolloverSpec == "" {
		r.RolloverSpec = "5 0 0 * * *"
	}

	t := &cfg.ThresholdConfig
	if t.WindowSize == 0 {
		t.WindowSize = 50
	}
	if t.MinSamples == 0 {
		t.MinSamples = 10
	}
	if t.ForceDiscount == 0 {
		t.ForceDiscount = 15
	}

	sv := &cfg.SupervisorConfig
	if sv.CheckInterval == 0 {
		sv.CheckInterval = 15 * time.Second
	}
	if sv.StaleAfter == 0 {
		sv.StaleAfter = 60 * time.Second
	}
	if sv.ControlChannel == "" {
		sv.ControlChannel = "digit-bot:control"
	}

	cb := &cfg.CircuitBreakerConfig
	if cb.MaxConsecutiveFailures == 0 {
		cb.MaxConsecutiveFailures = 3
	}
	if cb.Cooldown == 0 {
		cb.Cooldown = 5 * time.Minute
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DatabaseConfig: DatabaseConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5432,
			User:     "trading_bot",
			Database: "digit_trading",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		BrokerConfig: BrokerConfig{
			AppID:             "1089",
			DemoEndpoint:      "wss://ws.derivws.com/websockets/v3",
			RealEndpoint:      "wss://ws.derivws.com/websockets/v3",
			PaperMode:         true,
			RequestTimeout:    15 * time.Second,
			SettlementTimeout: 45 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			DurationTicks:     1,
			Currency:          "USD",
			TickHistoryCount:  100,
		},
		SchedulerConfig: SchedulerConfig{
			TickInterval:  5 * time.Second,
			MaxParallel:   10,
			LockTTL:       2 * time.Minute,
			DefaultSymbol: "R_100",
			DefaultAmount: 1,
		},
		ConsensusConfig: ConsensusConfig{
			AdapterTimeout: 8 * time.Second,
			MinQuorum:      2,
			MomentumWindow: 20,
		},
		RecoveryConfig: RecoveryConfig{
			RecoveryThreshold:  0.75,
			RecoveryMultiplier: 2.0,
			MinConservativeOps: 2,
			MaxConservativeOps: 4,
			ConservativeEvery:  2,
			ConservativeFactor: 0.5,
			StrategyName:       "daily_balance_recovery",
			RolloverSpec:       "5 0 0 * * *",
		},
		ThresholdConfig: ThresholdConfig{
			WindowSize:    50,
			MinSamples:    10,
			ForceDiscount: 15,
		},
		SupervisorConfig: SupervisorConfig{
			CheckInterval:  15 * time.Second,
			StaleAfter:     60 * time.Second,
			ControlChannel: "digit-bot:control",
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:                true,
			MaxConsecutiveFailures: 3,
			Cooldown:               5 * time.Minute,
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
