package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Interval units accepted by a trade configuration
const (
	IntervalMinutes = "minutes"
	IntervalHours   = "hours"
	IntervalDays    = "days"
)

// Broker account types
const (
	AccountDemo = "demo"
	AccountReal = "real"
)

// TradeOperation statuses
const (
	OperationPending   = "pending"
	OperationActive    = "active"
	OperationWon       = "won"
	OperationLost      = "lost"
	OperationCancelled = "cancelled"
)

// Heartbeat statuses
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Trading modes
const (
	ModeConservador = "conservador"
	ModeModerado    = "moderado"
	ModeAgressivo   = "agressivo"
	ModeSemLimites  = "sem_limites"
)

// ModeDefaults holds the per-mode operation budget. OperationsCount zero means unlimited.
type ModeDefaults struct {
	OperationsCount int
	DailyTarget     int
}

var modeDefaults = map[string]ModeDefaults{
	ModeConservador: {OperationsCount: 4, DailyTarget: 4},
	ModeModerado:    {OperationsCount: 8, DailyTarget: 8},
	ModeAgressivo:   {OperationsCount: 16, DailyTarget: 16},
	ModeSemLimites:  {OperationsCount: 0, DailyTarget: 32},
}

// DefaultsForMode returns the defaults of mode and whether the mode is known
func DefaultsForMode(mode string) (ModeDefaults, bool) {
	d, ok := modeDefaults[mode]
	return d, ok
}

// Modes lists the trading modes from most to least restrictive
func Modes() []string {
	return []string{ModeConservador, ModeModerado, ModeAgressivo, ModeSemLimites}
}

// ValidMode reports whether mode is a known trading mode
func ValidMode(mode string) bool {
	_, ok := modeDefaults[mode]
	return ok
}

var (
	// ErrNotFound is returned when a keyed record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrSessionInactive is returned when progress is recorded on an inactive session
	ErrSessionInactive = errors.New("session is not active")

	// ErrSessionExhausted is returned when executed_operations already reached operations_count
	ErrSessionExhausted = errors.New("session has no operations left")

	// ErrSessionNotDue is returned when the interval since the last execution has not elapsed
	ErrSessionNotDue = errors.New("session interval has not elapsed")

	// ErrOperationInFlight is returned when the user already has a pending or active operation
	ErrOperationInFlight = errors.New("user already has an operation in flight")
)

// IntervalDuration converts an interval unit and value into a duration
func IntervalDuration(intervalType string, value int) (time.Duration, error) {
	if value <= 0 {
		return 0, fmt.Errorf("interval value must be positive, got %d", value)
	}
	switch intervalType {
	case IntervalMinutes:
		return time.Duration(value) * time.Minute, nil
	case IntervalHours:
		return time.Duration(value) * time.Hour, nil
	case IntervalDays:
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown interval type %q", intervalType)
	}
}

// TradeConfiguration is a user's requested trading plan
type TradeConfiguration struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Mode            string    `json:"mode"`
	OperationsCount int       `json:"operations_count"` // 0 means unlimited
	IntervalType    string    `json:"interval_type"`
	IntervalValue   int       `json:"interval_value"`
	Symbol          string    `json:"symbol"`
	BaseAmount      float64   `json:"base_amount"`
	AccountType     string    `json:"account_type"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionKeyFor builds the unique session key for a configuration
func SessionKeyFor(userID string, configID int64) string {
	return fmt.Sprintf("%s:%d", userID, configID)
}

// ActiveTradingSession is the persisted progress of a configuration.
// It is the only source of truth for how many operations ran and when the next is due.
type ActiveTradingSession struct {
	SessionKey         string     `json:"session_key"`
	UserID             string     `json:"user_id"`
	ConfigID           int64      `json:"config_id"`
	Mode               string     `json:"mode"`
	OperationsCount    int        `json:"operations_count"`
	ExecutedOperations int        `json:"executed_operations"`
	IntervalType       string     `json:"interval_type"`
	IntervalValue      int        `json:"interval_value"`
	Symbol             string     `json:"symbol"`
	BaseAmount         float64    `json:"base_amount"`
	AccountType        string     `json:"account_type"`
	LastExecutionTime  *time.Time `json:"last_execution_time,omitempty"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsUnlimited reports whether the session never auto-completes
func (s *ActiveTradingSession) IsUnlimited() bool {
	return s.OperationsCount == 0
}

// Interval returns the minimum spacing between executions
func (s *ActiveTradingSession) Interval() time.Duration {
	d, err := IntervalDuration(s.IntervalType, s.IntervalValue)
	if err != nil {
		// Rejected at configuration time; treat a corrupt row as never due.
		return 100 * 365 * 24 * time.Hour
	}
	return d
}

// NextDue returns when the session may execute next. A session that never ran is due immediately.
func (s *ActiveTradingSession) NextDue() time.Time {
	if s.LastExecutionTime == nil {
		return time.Time{}
	}
	return s.LastExecutionTime.Add(s.Interval())
}

// IsDue reports whether the session should run at now
func (s *ActiveTradingSession) IsDue(now time.Time) bool {
	return s.IsActive && !now.Before(s.NextDue())
}

// CanExecuteAt validates a progress update against the session bounds
func (s *ActiveTradingSession) CanExecuteAt(at time.Time) error {
	if !s.IsActive {
		return ErrSessionInactive
	}
	if !s.IsUnlimited() && s.ExecutedOperations >= s.OperationsCount {
		return ErrSessionExhausted
	}
	if at.Before(s.NextDue()) {
		return ErrSessionNotDue
	}
	return nil
}

// ApplyExecution advances progress; callers must hold the row lock and call CanExecuteAt first
func (s *ActiveTradingSession) ApplyExecution(at time.Time) {
	s.ExecutedOperations++
	t := at
	s.LastExecutionTime = &t
	s.UpdatedAt = at
	if !s.IsUnlimited() && s.ExecutedOperations >= s.OperationsCount {
		s.IsActive = false
	}
}

// Remaining returns operations left, -1 for unlimited sessions
func (s *ActiveTradingSession) Remaining() int {
	if s.IsUnlimited() {
		return -1
	}
	return s.OperationsCount - s.ExecutedOperations
}

// TradeOperation is a single contract placed with the broker
type TradeOperation struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	SessionKey           string          `json:"session_key"`
	BrokerContractID     string          `json:"broker_contract_id,omitempty"`
	Symbol               string          `json:"symbol"`
	Direction            string          `json:"direction"`
	BarrierDigit         int             `json:"barrier_digit"`
	Amount               float64         `json:"amount"`
	Duration             int             `json:"duration"`
	Status               string          `json:"status"`
	EntryPrice           *float64        `json:"entry_price,omitempty"`
	ExitPrice            *float64        `json:"exit_price,omitempty"`
	Profit               *float64        `json:"profit,omitempty"`
	Consensus            json.RawMessage `json:"consensus,omitempty"`
	IsRecoveryMode       bool            `json:"is_recovery_mode"`
	RecoveryMultiplier   float64         `json:"recovery_multiplier"`
	IsConservativeForced bool            `json:"is_conservative_forced"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// IsOpen reports whether the operation still occupies the user's broker slot
func (o *TradeOperation) IsOpen() bool {
	return o.Status == OperationPending || o.Status == OperationActive
}

// AiLog is one adapter vote (or failure) in a consensus round
type AiLog struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	SessionKey         string          `json:"session_key,omitempty"`
	RoundID            string          `json:"round_id"`
	ModelName          string          `json:"model_name"`
	Analysis           string          `json:"analysis"`
	Decision           string          `json:"decision"`
	Confidence         float64         `json:"confidence"`
	MarketDataSnapshot json.RawMessage `json:"market_data_snapshot,omitempty"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// DailyPnL is the per-user, per-day balance ledger
type DailyPnL struct {
	ID                     int64      `json:"id"`
	UserID                 string     `json:"user_id"`
	Date                   time.Time  `json:"date"`
	OpeningBalance         float64    `json:"opening_balance"`
	CurrentBalance         float64    `json:"current_balance"`
	DailyPnL               float64    `json:"daily_pnl"`
	TotalTrades            int        `json:"total_trades"`
	WonTrades              int        `json:"won_trades"`
	LostTrades             int        `json:"lost_trades"`
	ConservativeOperations int        `json:"conservative_operations"`
	IsRecoveryActive       bool       `json:"is_recovery_active"`
	RecoveryThreshold      float64    `json:"recovery_threshold"`
	MaxDrawdown            float64    `json:"max_drawdown"`
	RecoveryOperations     int        `json:"recovery_operations"`
	RecoveryStartedAt      *time.Time `json:"recovery_started_at,omitempty"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// AiRecoveryStrategy holds recovery policy parameters and outcome telemetry
type AiRecoveryStrategy struct {
	ID                     int64           `json:"id"`
	UserID                 string          `json:"user_id"`
	StrategyName           string          `json:"strategy_name"`
	IsActive               bool            `json:"is_active"`
	Parameters             json.RawMessage `json:"parameters,omitempty"`
	SuccessRate            float64         `json:"success_rate"`
	TotalRecoveries        int             `json:"total_recoveries"`
	SuccessfulRecoveries   int             `json:"successful_recoveries"`
	AvgRecoveryTimeSeconds float64         `json:"avg_recovery_time_seconds"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// SystemHealthHeartbeat is the liveness record of a monitored component
type SystemHealthHeartbeat struct {
	ComponentName string                 `json:"component_name"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Status        string                 `json:"status"`
	ErrorCount    int                    `json:"error_count"`
	LastError     string                 `json:"last_error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// TradingDay truncates t to its UTC calendar day
func TradingDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
