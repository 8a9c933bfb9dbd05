// Package scheduler runs active trading sessions on their configured
// intervals. A coordinator goroutine ticks, finds due sessions and runs each
// one's execution pipeline under a per-session lock.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/broker"
	"digit-trading-bot/internal/circuit"
	"digit-trading-bot/internal/consensus"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/events"
	"digit-trading-bot/internal/metrics"
	"digit-trading-bot/internal/recovery"
	"digit-trading-bot/internal/threshold"
)

// HeartbeatComponent is the scheduler's heartbeat name
const HeartbeatComponent = "scheduler"

// Store is the persistence the scheduler needs
type Store interface {
	ListActiveSessions(ctx context.Context) ([]database.ActiveTradingSession, error)
	GetSession(ctx context.Context, sessionKey string) (*database.ActiveTradingSession, error)
	GetLatestSessionForUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error)
	RecordSessionExecution(ctx context.Context, sessionKey string, at time.Time) (*database.ActiveTradingSession, error)
	SetSessionActive(ctx context.Context, sessionKey string, active bool) (*database.ActiveTradingSession, error)
	ActivateConfiguration(ctx context.Context, cfg *database.TradeConfiguration) (*database.ActiveTradingSession, error)
	CreateTradeOperation(ctx context.Context, op *database.TradeOperation) error
	UpdateTradeOperation(ctx context.Context, op *database.TradeOperation) error
	GetOpenTradeOperation(ctx context.Context, userID string) (*database.TradeOperation, error)
	GetSchedulerPaused(ctx context.Context) (bool, error)
	SetSchedulerPaused(ctx context.Context, paused bool) error
}

// Locker guards a session against overlapping executions
type Locker interface {
	TryAcquire(ctx context.Context, sessionKey string) (func(), bool)
}

// TokenResolver returns the broker token a user trades with
type TokenResolver interface {
	Token(ctx context.Context, userID, accountType string) (string, error)
}

// Decider produces a consensus decision
type Decider interface {
	Decide(ctx context.Context, req consensus.Request) (*consensus.Decision, error)
}

// Ledger sizes stakes and books settlements
type Ledger interface {
	PrepareStake(ctx context.Context, userID string, balance, baseAmount float64) (*recovery.Stake, error)
	RecordSettlement(ctx context.Context, userID string, stake *recovery.Stake, profit float64) (*recovery.Outcome, error)
}

// Thresholds supplies and learns the dynamic consensus threshold
type Thresholds interface {
	GetDynamicThreshold(mode string, forceMinimum bool) float64
	ShouldForceMinimumOperations(ctx context.Context, userID, mode string) (bool, error)
	Record(mode string, strength float64)
	Stats() []threshold.ModeStats
}

// Heartbeater receives component heartbeats
type Heartbeater interface {
	Beat(ctx context.Context, component, status string, err error, metadata map[string]interface{}) error
}

// Config holds scheduler settings
type Config struct {
	TickInterval     time.Duration
	MaxParallel      int
	ExecutionBudget  time.Duration
	DefaultSymbol    string
	DefaultAmount    float64
	DurationTicks    int
	Currency         string
	TickHistoryCount int
}

// Deps are the collaborators of the scheduler
type Deps struct {
	Store      Store
	Locker     Locker
	Broker     broker.Broker
	Tokens     TokenResolver
	Consensus  Decider
	Ledger     Ledger
	Thresholds Thresholds
	Breakers   *circuit.Registry
	Events     *events.EventBus
	Health     Heartbeater
}

// counters are cumulative execution outcomes since the process started
type counters struct {
	executed  atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	unsettled atomic.Int64
	ticks     atomic.Int64
}

// Scheduler drives session executions
type Scheduler struct {
	config Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	stopChan chan struct{}
	wg       sync.WaitGroup // coordinator goroutine
	inflight sync.WaitGroup // executions
	sem      chan struct{}

	paused     atomic.Bool
	pausedAt   atomic.Pointer[time.Time]
	lastTickAt atomic.Pointer[time.Time]
	executing  atomic.Int32

	errMu      sync.Mutex
	pendingErr error // persistence failure reported on the next heartbeat

	counters counters
}

// New creates a scheduler. It does not start ticking until Start.
func New(config Config, deps Deps, logger zerolog.Logger) (*Scheduler, error) {
	if deps.Store == nil || deps.Broker == nil || deps.Consensus == nil || deps.Ledger == nil || deps.Thresholds == nil || deps.Tokens == nil {
		return nil, errs.New(errs.KindConfig, "scheduler.new", "store, broker, tokens, consensus, ledger and thresholds are required")
	}
	if deps.Locker == nil {
		deps.Locker = database.NewRedisSessionLocker(nil, 2*time.Minute)
	}
	if deps.Breakers == nil {
		deps.Breakers = circuit.NewRegistry(circuit.DefaultConfig())
	}
	if deps.Events == nil {
		deps.Events = events.NewEventBus()
	}

	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 10
	}
	if config.ExecutionBudget <= 0 {
		config.ExecutionBudget = 90 * time.Second
	}
	if config.DefaultSymbol == "" {
		config.DefaultSymbol = "R_100"
	}
	if config.DefaultAmount <= 0 {
		config.DefaultAmount = 1
	}
	if config.DurationTicks <= 0 {
		config.DurationTicks = 1
	}
	if config.Currency == "" {
		config.Currency = "USD"
	}
	if config.TickHistoryCount <= 0 {
		config.TickHistoryCount = 100
	}

	return &Scheduler{
		config:   config,
		deps:     deps,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		baseCtx:  context.Background(),
		stopChan: make(chan struct{}),
		sem:      make(chan struct{}, config.MaxParallel),
	}, nil
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start restores the persisted pause flag and starts the coordinator.
// The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.restorePause(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to read persisted pause flag, starting unpaused")
	}

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Int("max_parallel", s.config.MaxParallel).
		Bool("paused", s.paused.Load()).
		Msg("Scheduler starting")

	s.wg.Add(1)
	go s.run(ctx)

	s.deps.Events.Publish(events.Event{Type: events.EventSchedulerStarted, Data: map[string]interface{}{"paused": s.paused.Load()}})
	return nil
}

// Stop stops the coordinator and waits for in-flight executions
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.inflight.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	s.deps.Events.Publish(events.Event{Type: events.EventSchedulerStopped})
	return nil
}

// Restart stops and starts the scheduler with the original context
func (s *Scheduler) Restart() error {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if err := s.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Stop during restart")
	}
	return s.Start(ctx)
}

// IsRunning returns whether the coordinator is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) restorePause(ctx context.Context) error {
	paused, err := s.deps.Store.GetSchedulerPaused(ctx)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, "scheduler.restore_pause", err)
	}
	s.paused.Store(paused)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			s.logger.Info().Msg("Received stop signal")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("Context cancelled")
			return
		}
	}
}

// tick finds due sessions and launches their executions. It never waits
// for an execution; a session still running keeps its lock and is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := s.now()
	s.lastTickAt.Store(&now)
	s.counters.ticks.Add(1)
	defer func() { metrics.ObserveTickDuration(time.Since(start)) }()

	if s.paused.Load() {
		s.beat(ctx, database.HealthHealthy, nil, 0)
		return
	}

	sessions, err := s.deps.Store.ListActiveSessions(ctx)
	if err != nil {
		err = errs.Wrap(errs.KindPersistence, "scheduler.list_sessions", err)
		s.logger.Error().Err(err).Msg("Failed to load active sessions")
		metrics.RecordError(string(errs.KindPersistence))
		s.beat(ctx, database.HealthDegraded, err, 0)
		return
	}
	metrics.SetActiveSessions(len(sessions))

	for i := range sessions {
		session := sessions[i]
		if !session.IsDue(now) {
			continue
		}

		release, ok := s.deps.Locker.TryAcquire(ctx, session.SessionKey)
		if !ok {
			metrics.RecordLockConflict()
			s.logger.Debug().Str("session_key", session.SessionKey).Msg("Session locked, skipping")
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			release()
			s.logger.Debug().Str("session_key", session.SessionKey).Msg("Parallel limit reached, deferring session")
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer func() { <-s.sem }()
			defer release()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Str("user_id", session.UserID).
						Str("session_key", session.SessionKey).
						Interface("panic", r).
						Msg("Panic recovered in session execution")
				}
			}()

			s.execute(ctx, session)
		}()
	}

	if err := s.takePendingError(); err != nil {
		s.beat(ctx, database.HealthDegraded, err, len(sessions))
		return
	}
	s.beat(ctx, database.HealthHealthy, nil, len(sessions))
}

// reportPersistenceError escalates a store failure: an immediate degraded
// heartbeat, then again on the next tick.
func (s *Scheduler) reportPersistenceError(ctx context.Context, err error) {
	s.errMu.Lock()
	s.pendingErr = err
	s.errMu.Unlock()
	s.beat(ctx, database.HealthDegraded, err, -1)
	s.deps.Events.Publish(events.Event{
		Type: events.EventPersistenceError,
		Data: map[string]interface{}{"error": err.Error()},
	})
}

func (s *Scheduler) takePendingError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.pendingErr
	s.pendingErr = nil
	return err
}

func (s *Scheduler) beat(ctx context.Context, status string, err error, active int) {
	if s.deps.Health == nil {
		return
	}
	metadata := map[string]interface{}{
		"paused":    s.paused.Load(),
		"in_flight": int(s.executing.Load()),
		"executed":  s.counters.executed.Load(),
		"skipped":   s.counters.skipped.Load(),
		"failed":    s.counters.failed.Load(),
		"unsettled": s.counters.unsettled.Load(),
	}
	if active >= 0 {
		metadata["active_sessions"] = active
	}
	if beatErr := s.deps.Health.Beat(ctx, HeartbeatComponent, status, err, metadata); beatErr != nil {
		s.logger.Warn().Err(beatErr).Msg("Failed to write scheduler heartbeat")
	}
}
