// Package recovery keeps the per-user daily balance ledger and sizes stakes.
// A large intraday loss switches the user into recovery mode, where stakes
// are multiplied until the day's opening balance is restored, interleaved
// with forced conservative trades.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/metrics"
)

// ErrInsufficientBalance is returned when the balance cannot cover the minimum stake
var ErrInsufficientBalance = errors.New("balance below minimum stake")

// LedgerStore is the persistence the controller needs. Updates run fn inside
// a row-locked read-modify-write.
type LedgerStore interface {
	GetOrCreateDailyPnL(ctx context.Context, userID string, date time.Time, openingBalance, recoveryThreshold float64) (*database.DailyPnL, error)
	GetDailyPnL(ctx context.Context, userID string, date time.Time) (*database.DailyPnL, error)
	UpdateDailyPnL(ctx context.Context, userID string, date time.Time, fn func(*database.DailyPnL) error) (*database.DailyPnL, error)
	ListOpenDailyPnLBefore(ctx context.Context, date time.Time) ([]database.DailyPnL, error)
	GetOrCreateRecoveryStrategy(ctx context.Context, userID, name string, params []byte) (*database.AiRecoveryStrategy, error)
	UpdateRecoveryStrategy(ctx context.Context, userID, name string, fn func(*database.AiRecoveryStrategy) error) (*database.AiRecoveryStrategy, error)
}

// Notifier receives recovery transitions
type Notifier interface {
	PublishRecovery(userID string, active bool, dailyPnL, currentBalance float64)
}

// Config holds the recovery policy
type Config struct {
	RecoveryThreshold  float64 // fraction of the opening balance lost that activates recovery
	RecoveryMultiplier float64
	MinConservativeOps int
	MaxConservativeOps int
	ConservativeEvery  int // recovery trades between forced conservative trades
	ConservativeFactor float64
	MinStake           float64
	StrategyName       string
}

// DefaultConfig returns the platform defaults
func DefaultConfig() Config {
	return Config{
		RecoveryThreshold:  0.75,
		RecoveryMultiplier: 2.0,
		MinConservativeOps: 2,
		MaxConservativeOps: 4,
		ConservativeEvery:  2,
		ConservativeFactor: 0.5,
		MinStake:           0.35,
		StrategyName:       "daily_balance_recovery",
	}
}

// Validate checks the policy bounds
func (c Config) Validate() error {
	if c.RecoveryThreshold <= 0 || c.RecoveryThreshold > 1 {
		return fmt.Errorf("recovery threshold must be in (0,1], got %.2f", c.RecoveryThreshold)
	}
	if c.RecoveryMultiplier <= 1 {
		return fmt.Errorf("recovery multiplier must be > 1, got %.2f", c.RecoveryMultiplier)
	}
	if c.MinConservativeOps < 0 || c.MaxConservativeOps < c.MinConservativeOps {
		return fmt.Errorf("conservative ops bounds invalid: min %d max %d", c.MinConservativeOps, c.MaxConservativeOps)
	}
	if c.ConservativeFactor <= 0 || c.ConservativeFactor > 1 {
		return fmt.Errorf("conservative factor must be in (0,1], got %.2f", c.ConservativeFactor)
	}
	return nil
}

// Stake is the sized trade for one execution
type Stake struct {
	UserID               string    `json:"user_id"`
	Date                 time.Time `json:"date"`
	Amount               float64   `json:"amount"`
	BaseAmount           float64   `json:"base_amount"`
	IsRecoveryMode       bool      `json:"is_recovery_mode"`
	Multiplier           float64   `json:"multiplier"`
	IsConservativeForced bool      `json:"is_conservative_forced"`
}

// Controller sizes stakes and records settlements against the daily ledger
type Controller struct {
	config   Config
	store    LedgerStore
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewController creates a recovery controller
func NewController(config Config, store LedgerStore, notifier Notifier, logger zerolog.Logger) (*Controller, error) {
	if config.MinStake <= 0 {
		config.MinStake = 0.35
	}
	if config.ConservativeEvery <= 0 {
		config.ConservativeEvery = 2
	}
	if config.StrategyName == "" {
		config.StrategyName = "daily_balance_recovery"
	}
	if err := config.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "recovery.new", err)
	}
	return &Controller{
		config:   config,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "recovery").Logger(),
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Config returns the active policy
func (c *Controller) Config() Config {
	return c.config
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// recoveryTriggered reports dailyPnL <= -(opening * threshold)
func recoveryTriggered(d *database.DailyPnL, threshold float64) bool {
	limit := dec(d.OpeningBalance).Mul(dec(threshold)).Neg()
	return dec(d.DailyPnL).LessThanOrEqual(limit)
}

// PrepareStake fetches or creates today's ledger row and sizes the next trade.
// balance becomes the opening balance when the row is created.
func (c *Controller) PrepareStake(ctx context.Context, userID string, balance, baseAmount float64) (*Stake, error) {
	if baseAmount <= 0 {
		return nil, errs.New(errs.KindConfig, "recovery.prepare_stake", "base amount must be positive")
	}

	date := database.TradingDay(c.now())
	d, err := c.store.GetOrCreateDailyPnL(ctx, userID, date, balance, c.config.RecoveryThreshold)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "recovery.get_daily_pnl", err)
	}

	threshold := d.RecoveryThreshold
	if threshold <= 0 {
		threshold = c.config.RecoveryThreshold
	}
	inRecovery := d.IsRecoveryActive || recoveryTriggered(d, threshold)

	stake := &Stake{
		UserID:         userID,
		Date:           date,
		BaseAmount:     baseAmount,
		IsRecoveryMode: inRecovery,
		Multiplier:     1,
	}

	amount := dec(baseAmount)
	switch {
	case c.conservativeDue(d, inRecovery):
		stake.IsConservativeForced = true
		amount = amount.Mul(dec(c.config.ConservativeFactor))
	case inRecovery:
		stake.Multiplier = c.config.RecoveryMultiplier
		amount = amount.Mul(dec(c.config.RecoveryMultiplier))
	}

	minStake := dec(c.config.MinStake)
	bal := dec(balance)
	if bal.LessThan(minStake) {
		return nil, ErrInsufficientBalance
	}
	if amount.LessThan(minStake) {
		amount = minStake
	}
	if amount.GreaterThan(bal) {
		amount = bal.RoundDown(2)
	}
	stake.Amount = amount.Round(2).InexactFloat64()

	c.logger.Debug().
		Str("user_id", userID).
		Float64("amount", stake.Amount).
		Bool("recovery", stake.IsRecoveryMode).
		Bool("conservative", stake.IsConservativeForced).
		Float64("daily_pnl", d.DailyPnL).
		Msg("Stake prepared")
	return stake, nil
}

// conservativeDue decides whether the next trade is a forced conservative one.
// In recovery every ConservativeEvery-th+1 recovery trade is conservative,
// up to MaxConservativeOps a day. After recovery clears, conservative trades
// continue until MinConservativeOps is reached.
func (c *Controller) conservativeDue(d *database.DailyPnL, inRecovery bool) bool {
	if d.ConservativeOperations >= c.config.MaxConservativeOps {
		return false
	}
	if inRecovery {
		next := d.RecoveryOperations + 1
		return next%(c.config.ConservativeEvery+1) == 0
	}
	hadRecovery := d.RecoveryOperations > 0
	return hadRecovery && d.ConservativeOperations < c.config.MinConservativeOps
}

// Outcome reports what a settlement changed
type Outcome struct {
	Ledger    *database.DailyPnL
	Activated bool
	Cleared   bool
}

// RecordSettlement applies a settled trade to today's ledger in one locked update
func (c *Controller) RecordSettlement(ctx context.Context, userID string, stake *Stake, profit float64) (*Outcome, error) {
	date := stake.Date
	if date.IsZero() {
		date = database.TradingDay(c.now())
	}
	now := c.now()

	var activated, cleared bool
	var recoveryDuration time.Duration

	ledger, err := c.store.UpdateDailyPnL(ctx, userID, date, func(d *database.DailyPnL) error {
		activated, cleared, recoveryDuration = false, false, 0

		wasActive := d.IsRecoveryActive
		d.CurrentBalance = dec(d.CurrentBalance).Add(dec(profit)).InexactFloat64()
		d.DailyPnL = dec(d.DailyPnL).Add(dec(profit)).InexactFloat64()
		d.TotalTrades++
		if profit > 0 {
			d.WonTrades++
		} else {
			d.LostTrades++
		}
		if stake.IsConservativeForced {
			d.ConservativeOperations++
		}
		if wasActive || stake.IsRecoveryMode {
			d.RecoveryOperations++
		}
		if d.DailyPnL < d.MaxDrawdown {
			d.MaxDrawdown = d.DailyPnL
		}

		threshold := d.RecoveryThreshold
		if threshold <= 0 {
			threshold = c.config.RecoveryThreshold
		}
		if !d.IsRecoveryActive && recoveryTriggered(d, threshold) {
			d.IsRecoveryActive = true
			started := now
			d.RecoveryStartedAt = &started
			activated = true
		}
		if d.IsRecoveryActive && dec(d.CurrentBalance).GreaterThanOrEqual(dec(d.OpeningBalance)) {
			if d.RecoveryStartedAt != nil {
				recoveryDuration = now.Sub(*d.RecoveryStartedAt)
			}
			d.IsRecoveryActive = false
			d.RecoveryStartedAt = nil
			cleared = true
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "recovery.record_settlement", err)
	}

	if activated {
		metrics.RecordRecoveryActivation()
		c.logger.Warn().
			Str("user_id", userID).
			Float64("daily_pnl", ledger.DailyPnL).
			Float64("opening_balance", ledger.OpeningBalance).
			Msg("Recovery mode activated")
		c.recordStrategy(ctx, userID, func(s *database.AiRecoveryStrategy) {
			s.IsActive = true
			s.TotalRecoveries++
			s.SuccessRate = successRate(s)
		})
		if c.notifier != nil {
			c.notifier.PublishRecovery(userID, true, ledger.DailyPnL, ledger.CurrentBalance)
		}
	}
	if cleared {
		c.logger.Info().
			Str("user_id", userID).
			Dur("recovery_time", recoveryDuration).
			Float64("current_balance", ledger.CurrentBalance).
			Msg("Recovery mode cleared")
		c.recordStrategy(ctx, userID, func(s *database.AiRecoveryStrategy) {
			s.IsActive = false
			prev := float64(s.SuccessfulRecoveries)
			s.SuccessfulRecoveries++
			s.AvgRecoveryTimeSeconds = (s.AvgRecoveryTimeSeconds*prev + recoveryDuration.Seconds()) / float64(s.SuccessfulRecoveries)
			s.SuccessRate = successRate(s)
		})
		if c.notifier != nil {
			c.notifier.PublishRecovery(userID, false, ledger.DailyPnL, ledger.CurrentBalance)
		}
	}

	return &Outcome{Ledger: ledger, Activated: activated, Cleared: cleared}, nil
}

func successRate(s *database.AiRecoveryStrategy) float64 {
	if s.TotalRecoveries == 0 {
		return 0
	}
	return float64(s.SuccessfulRecoveries) / float64(s.TotalRecoveries) * 100
}

// recordStrategy updates recovery telemetry. Failures are logged only; the
// ledger row is the source of truth.
func (c *Controller) recordStrategy(ctx context.Context, userID string, fn func(*database.AiRecoveryStrategy)) {
	params, _ := json.Marshal(map[string]interface{}{
		"recovery_threshold":   c.config.RecoveryThreshold,
		"recovery_multiplier":  c.config.RecoveryMultiplier,
		"min_conservative_ops": c.config.MinConservativeOps,
		"max_conservative_ops": c.config.MaxConservativeOps,
		"conservative_every":   c.config.ConservativeEvery,
		"conservative_factor":  c.config.ConservativeFactor,
	})
	if _, err := c.store.GetOrCreateRecoveryStrategy(ctx, userID, c.config.StrategyName, params); err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load recovery strategy")
		return
	}
	_, err := c.store.UpdateRecoveryStrategy(ctx, userID, c.config.StrategyName, func(s *database.AiRecoveryStrategy) error {
		fn(s)
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to update recovery strategy")
	}
}

// Today returns the user's ledger row for the current trading day, if any
func (c *Controller) Today(ctx context.Context, userID string) (*database.DailyPnL, error) {
	d, err := c.store.GetDailyPnL(ctx, userID, database.TradingDay(c.now()))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindPersistence, "recovery.today", err)
	}
	return d, nil
}
