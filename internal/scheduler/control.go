package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digit-trading-bot/internal/broker"
	"digit-trading-bot/internal/circuit"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/events"
	"digit-trading-bot/internal/threshold"
)

// Status is the scheduler snapshot served by the control surface
type Status struct {
	Running        bool            `json:"running"`
	Paused         bool            `json:"paused"`
	PausedAt       *time.Time      `json:"paused_at,omitempty"`
	LastTickAt     *time.Time      `json:"last_tick_at,omitempty"`
	Ticks          int64           `json:"ticks"`
	ActiveSessions int             `json:"active_sessions"`
	InFlight       int             `json:"in_flight"`
	Executed       int64           `json:"executed"`
	Skipped        int64           `json:"skipped"`
	Failed         int64           `json:"failed"`
	Unsettled      int64           `json:"unsettled"`
	TickInterval   string          `json:"tick_interval"`
	MaxParallel    int             `json:"max_parallel"`
	Breakers       []circuit.Stats `json:"breakers,omitempty"`
}

// SessionView is an active session with its derived schedule
type SessionView struct {
	database.ActiveTradingSession
	NextDue   *time.Time `json:"next_due,omitempty"`
	Remaining int        `json:"remaining"` // -1 for unlimited
}

// ActivationRequest configures a new trading plan for a user
type ActivationRequest struct {
	UserID          string  `json:"user_id"`
	Mode            string  `json:"mode"`
	OperationsCount *int    `json:"operations_count,omitempty"` // mode default when nil
	IntervalType    string  `json:"interval_type"`
	IntervalValue   int     `json:"interval_value"`
	Symbol          string  `json:"symbol,omitempty"`
	BaseAmount      float64 `json:"base_amount,omitempty"`
	AccountType     string  `json:"account_type,omitempty"`
}

// GetStatus returns the scheduler snapshot
func (s *Scheduler) GetStatus(ctx context.Context) (*Status, error) {
	sessions, err := s.deps.Store.ListActiveSessions(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.status", err)
	}

	st := &Status{
		Running:        s.IsRunning(),
		Paused:         s.paused.Load(),
		PausedAt:       s.pausedAt.Load(),
		LastTickAt:     s.lastTickAt.Load(),
		Ticks:          s.counters.ticks.Load(),
		ActiveSessions: len(sessions),
		InFlight:       int(s.executing.Load()),
		Executed:       s.counters.executed.Load(),
		Skipped:        s.counters.skipped.Load(),
		Failed:         s.counters.failed.Load(),
		Unsettled:      s.counters.unsettled.Load(),
		TickInterval:   s.config.TickInterval.String(),
		MaxParallel:    s.config.MaxParallel,
		Breakers:       s.deps.Breakers.Stats(),
	}
	if !st.Paused {
		st.PausedAt = nil
	}
	return st, nil
}

// Pause stops new executions globally and persists the flag. Executions
// already running finish normally.
func (s *Scheduler) Pause(ctx context.Context) error {
	if err := s.deps.Store.SetSchedulerPaused(ctx, true); err != nil {
		return errs.Wrap(errs.KindPersistence, "scheduler.pause", err)
	}
	s.paused.Store(true)
	now := s.now()
	s.pausedAt.Store(&now)

	s.logger.Info().Time("paused_at", now).Msg("Scheduler paused")
	s.deps.Events.Publish(events.Event{Type: events.EventSchedulerPaused, Data: map[string]interface{}{"paused_at": now}})
	return nil
}

// Resume clears the persisted pause flag
func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.deps.Store.SetSchedulerPaused(ctx, false); err != nil {
		return errs.Wrap(errs.KindPersistence, "scheduler.resume", err)
	}
	s.paused.Store(false)
	s.pausedAt.Store(nil)

	s.logger.Info().Msg("Scheduler resumed")
	s.deps.Events.Publish(events.Event{Type: events.EventSchedulerResumed})
	return nil
}

// IsPaused reports the global pause flag
func (s *Scheduler) IsPaused() bool {
	return s.paused.Load()
}

// PauseUser deactivates the user's latest session
func (s *Scheduler) PauseUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error) {
	return s.setUserActive(ctx, userID, false)
}

// ResumeUser reactivates the user's latest session if it has operations left
func (s *Scheduler) ResumeUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error) {
	return s.setUserActive(ctx, userID, true)
}

func (s *Scheduler) setUserActive(ctx context.Context, userID string, active bool) (*database.ActiveTradingSession, error) {
	session, err := s.deps.Store.GetLatestSessionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, errs.Wrap(errs.KindConfig, "scheduler.user_session", fmt.Errorf("no session for user %s", userID))
		}
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.user_session", err)
	}

	updated, err := s.deps.Store.SetSessionActive(ctx, session.SessionKey, active)
	if err != nil {
		if errors.Is(err, database.ErrSessionExhausted) {
			return nil, errs.Wrap(errs.KindConfig, "scheduler.resume_user", err)
		}
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.set_session_active", err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("session_key", updated.SessionKey).
		Bool("active", active).
		Msg("User session toggled")
	return updated, nil
}

// Activate validates a trading plan, stores it and opens its session. The
// user's previous configuration and session are deactivated.
func (s *Scheduler) Activate(ctx context.Context, req ActivationRequest) (*database.ActiveTradingSession, error) {
	cfg, err := s.configurationFor(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "scheduler.activate", err)
	}

	session, err := s.deps.Store.ActivateConfiguration(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.activate", err)
	}

	s.logger.Info().
		Str("user_id", session.UserID).
		Str("session_key", session.SessionKey).
		Str("mode", session.Mode).
		Int("operations", session.OperationsCount).
		Str("interval", session.Interval().String()).
		Msg("Trading configuration activated")
	return session, nil
}

func (s *Scheduler) configurationFor(req ActivationRequest) (*database.TradeConfiguration, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	defaults, ok := database.DefaultsForMode(req.Mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if _, err := database.IntervalDuration(req.IntervalType, req.IntervalValue); err != nil {
		return nil, err
	}

	count := defaults.OperationsCount
	if req.OperationsCount != nil {
		count = *req.OperationsCount
	}
	if req.Mode == database.ModeSemLimites {
		count = 0
	}
	if count < 0 {
		return nil, fmt.Errorf("operations_count must not be negative, got %d", count)
	}
	if count == 0 && req.Mode != database.ModeSemLimites {
		return nil, fmt.Errorf("mode %s requires a positive operations_count", req.Mode)
	}

	accountType := req.AccountType
	if accountType == "" {
		accountType = broker.AccountDemo
	}
	if !broker.ValidAccountType(accountType) {
		return nil, fmt.Errorf("unknown account type %q", accountType)
	}

	symbol := req.Symbol
	if symbol == "" {
		symbol = s.config.DefaultSymbol
	}
	amount := req.BaseAmount
	if amount == 0 {
		amount = s.config.DefaultAmount
	}
	if amount < 0 {
		return nil, fmt.Errorf("base_amount must be positive, got %.2f", amount)
	}

	return &database.TradeConfiguration{
		UserID:          req.UserID,
		Mode:            req.Mode,
		OperationsCount: count,
		IntervalType:    req.IntervalType,
		IntervalValue:   req.IntervalValue,
		Symbol:          symbol,
		BaseAmount:      amount,
		AccountType:     accountType,
	}, nil
}

// ListActiveSessions returns active sessions with their next due time
func (s *Scheduler) ListActiveSessions(ctx context.Context) ([]SessionView, error) {
	sessions, err := s.deps.Store.ListActiveSessions(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.list_sessions", err)
	}

	out := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		v := SessionView{ActiveTradingSession: session, Remaining: session.Remaining()}
		if due := session.NextDue(); !due.IsZero() {
			v.NextDue = &due
		}
		out = append(out, v)
	}
	return out, nil
}

// GetThresholdStats returns per-mode threshold statistics
func (s *Scheduler) GetThresholdStats() []threshold.ModeStats {
	return s.deps.Thresholds.Stats()
}
