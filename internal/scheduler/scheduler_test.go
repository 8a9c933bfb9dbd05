package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/apikeys"
	"digit-trading-bot/internal/broker"
	"digit-trading-bot/internal/circuit"
	"digit-trading-bot/internal/consensus"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/events"
	"digit-trading-bot/internal/recovery"
	"digit-trading-bot/internal/supervisor"
	"digit-trading-bot/internal/threshold"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedAdapter struct {
	name       string
	prediction consensus.Prediction
	confidence float64
	err        error
}

func (a *fixedAdapter) Name() string { return a.name }

func (a *fixedAdapter) Predict(ctx context.Context, ticks []consensus.Tick) (*consensus.Vote, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &consensus.Vote{Prediction: a.prediction, Confidence: a.confidence, Reasoning: "fixed"}, nil
}

type recordedBeat struct {
	component string
	status    string
	err       error
}

type recordingHealth struct {
	mu    sync.Mutex
	beats []recordedBeat
}

func (h *recordingHealth) Beat(ctx context.Context, component, status string, err error, metadata map[string]interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats = append(h.beats, recordedBeat{component, status, err})
	return nil
}

func (h *recordingHealth) last() recordedBeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.beats) == 0 {
		return recordedBeat{}
	}
	return h.beats[len(h.beats)-1]
}

// stubBroker serves scripted sessions for failure paths
type stubBroker struct {
	mu           sync.Mutex
	buyErr       error
	settleErr    error
	statusOpen   bool
	opened       int
	closed       int
	nextContract int64
	purchases    []broker.Purchase

	// when set, WaitForSettlement signals settling and blocks on release
	settling chan struct{}
	release  chan struct{}
}

func (b *stubBroker) WithSession(ctx context.Context, token, accountType string, fn func(broker.Session) error) error {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.closed++
		b.mu.Unlock()
	}()
	return fn(&stubSession{b: b})
}

type stubSession struct {
	b *stubBroker
}

func (s *stubSession) LoginID() string { return "VRTC000001" }

func (s *stubSession) GetBalance(ctx context.Context) (*broker.Balance, error) {
	return &broker.Balance{Balance: 1000, Currency: "USD", LoginID: "VRTC000001"}, nil
}

func (s *stubSession) TicksHistory(ctx context.Context, symbol string, count int) ([]broker.Tick, error) {
	ticks := make([]broker.Tick, count)
	for i := range ticks {
		ticks[i] = broker.Tick{Symbol: symbol, Quote: 1000 + float64(i)*0.13, Epoch: int64(i), Pip: 2}
	}
	return ticks, nil
}

func (s *stubSession) BuyDigitDifferContract(ctx context.Context, req broker.BuyRequest) (*broker.Contract, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.buyErr != nil {
		return nil, s.b.buyErr
	}
	s.b.nextContract++
	return &broker.Contract{ContractID: s.b.nextContract, BuyPrice: req.Amount}, nil
}

func (s *stubSession) WaitForSettlement(ctx context.Context, contractID int64) (*broker.Settlement, error) {
	if s.b.settling != nil {
		s.b.settling <- struct{}{}
		select {
		case <-s.b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.b.settleErr != nil {
		return nil, s.b.settleErr
	}
	return &broker.Settlement{ContractID: contractID, Status: broker.ContractWon, Profit: 0.1, IsSold: true}, nil
}

func (s *stubSession) PurchasesSince(ctx context.Context, since time.Time) ([]broker.Purchase, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	var out []broker.Purchase
	for _, p := range s.b.purchases {
		if !p.PurchaseTime.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// failingStore fails the open-operation lookup while failOpen is set
type failingStore struct {
	*database.MemoryStore
	mu       sync.Mutex
	failOpen bool
}

func (s *failingStore) GetOpenTradeOperation(ctx context.Context, userID string) (*database.TradeOperation, error) {
	s.mu.Lock()
	fail := s.failOpen
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStore.GetOpenTradeOperation(ctx, userID)
}

func (s *failingStore) setFailOpen(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = v
}

func (s *stubSession) ContractStatus(ctx context.Context, contractID int64) (*broker.Settlement, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.statusOpen {
		return &broker.Settlement{ContractID: contractID, Status: broker.ContractOpen}, nil
	}
	return &broker.Settlement{ContractID: contractID, Status: broker.ContractLost, Profit: -1, IsSold: true}, nil
}

type fixture struct {
	store   *database.MemoryStore
	clock   *fakeClock
	ledger  *recovery.Controller
	tracker *threshold.Tracker
	health  *recordingHealth
	locker  *database.RedisSessionLocker
	bus     *events.EventBus
	sched   *Scheduler
}

// fixtureOptions replace collaborators of the default fixture
type fixtureOptions struct {
	schedStore Store
	health     Heartbeater
}

func newFixture(t *testing.T, b broker.Broker, start time.Time, adapters ...consensus.Adapter) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	return newFixtureWithStore(t, store, b, start, adapters...)
}

func newFixtureWithStore(t *testing.T, store *database.MemoryStore, b broker.Broker, start time.Time, adapters ...consensus.Adapter) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, store, fixtureOptions{}, b, start, adapters...)
}

func newFixtureWithOptions(t *testing.T, store *database.MemoryStore, opts fixtureOptions, b broker.Broker, start time.Time, adapters ...consensus.Adapter) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	clock := &fakeClock{now: start}

	engine := consensus.NewEngine(consensus.Config{AdapterTimeout: time.Second, MinQuorum: 2}, store, logger)
	if len(adapters) == 0 {
		adapters = []consensus.Adapter{
			&fixedAdapter{name: "alpha", prediction: consensus.PredictionUp, confidence: 90},
			&fixedAdapter{name: "beta", prediction: consensus.PredictionUp, confidence: 90},
		}
	}
	for _, a := range adapters {
		if err := engine.Register(a); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	ledger, err := recovery.NewController(recovery.DefaultConfig(), store, nil, logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	ledger.SetClock(clock.Now)

	tracker := threshold.NewTracker(threshold.Config{}, store, logger)
	tracker.SetClock(clock.Now)

	breakers := circuit.NewRegistry(circuit.Config{Enabled: true, MaxConsecutiveFailures: 2, Cooldown: 5 * time.Minute})
	breakers.SetClock(clock.Now)

	health := &recordingHealth{}
	var beats Heartbeater = health
	if opts.health != nil {
		beats = opts.health
	}
	var schedStore Store = store
	if opts.schedStore != nil {
		schedStore = opts.schedStore
	}
	locker := database.NewRedisSessionLocker(nil, time.Minute)
	bus := events.NewEventBus()

	sched, err := New(Config{TickInterval: 5 * time.Second, MaxParallel: 4}, Deps{
		Store:      schedStore,
		Locker:     locker,
		Broker:     b,
		Tokens:     apikeys.PaperTokens{},
		Consensus:  engine,
		Ledger:     ledger,
		Thresholds: tracker,
		Breakers:   breakers,
		Events:     bus,
		Health:     beats,
	}, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sched.SetClock(clock.Now)

	return &fixture{store: store, clock: clock, ledger: ledger, tracker: tracker, health: health, locker: locker, bus: bus, sched: sched}
}

// step runs one tick and waits for the executions it launched
func (f *fixture) step(ctx context.Context) {
	f.sched.tick(ctx)
	f.sched.inflight.Wait()
}

func intPtr(v int) *int { return &v }

// ============================================================================
// TEST: Session runs to completion on its interval
// ============================================================================

func TestFiveMinuteConservadorSession(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{StartingBalance: 1000, Seed: 7})
	f := newFixture(t, paper, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	session, err := f.sched.Activate(ctx, ActivationRequest{
		UserID:        "u1",
		Mode:          database.ModeConservador,
		IntervalType:  database.IntervalMinutes,
		IntervalValue: 1,
	})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if session.OperationsCount != 4 {
		t.Fatalf("Expected conservador default of 4 operations, got %d", session.OperationsCount)
	}

	for elapsed := time.Duration(0); elapsed < 5*time.Minute; elapsed += 5 * time.Second {
		f.step(ctx)
		f.clock.Advance(5 * time.Second)
	}

	ops, _ := f.store.ListTradeOperations(ctx, "u1", 100)
	if len(ops) != 4 {
		t.Fatalf("Expected 4 operations, got %d", len(ops))
	}
	// newest first
	for i := 0; i+1 < len(ops); i++ {
		gap := ops[i].CreatedAt.Sub(ops[i+1].CreatedAt)
		if gap < time.Minute {
			t.Errorf("Operations %d and %d only %v apart", i+1, i, gap)
		}
	}
	for _, op := range ops {
		if op.Status != database.OperationWon && op.Status != database.OperationLost {
			t.Errorf("Expected settled operation, got %s", op.Status)
		}
		if op.BrokerContractID == "" || op.Consensus == nil {
			t.Errorf("Operation missing contract or consensus snapshot: %+v", op)
		}
	}

	final, _ := f.store.GetSession(ctx, session.SessionKey)
	if final.IsActive || final.ExecutedOperations != 4 {
		t.Errorf("Expected inactive session with 4 executions, got active=%v executed=%d", final.IsActive, final.ExecutedOperations)
	}

	if paper.OpenSessions() != 0 {
		t.Errorf("Expected every broker session closed, %d open", paper.OpenSessions())
	}
	if paper.TotalSessions() != 4 {
		t.Errorf("Expected one broker session per execution, got %d", paper.TotalSessions())
	}

	daily, err := f.ledger.Today(ctx, "u1")
	if err != nil || daily == nil || daily.TotalTrades != 4 {
		t.Errorf("Expected 4 trades in the daily ledger, got %+v (%v)", daily, err)
	}

	if len(f.store.AiLogs()) != 8 {
		t.Errorf("Expected 2 audit rows per round, got %d", len(f.store.AiLogs()))
	}

	st, _ := f.sched.GetStatus(ctx)
	if st.Executed != 4 || st.Failed != 0 || st.ActiveSessions != 0 {
		t.Errorf("Unexpected status: %+v", st)
	}
	if beat := f.health.last(); beat.component != HeartbeatComponent || beat.status != database.HealthHealthy {
		t.Errorf("Expected healthy scheduler heartbeat, got %+v", beat)
	}
}

// ============================================================================
// TEST: Crash between purchase and settlement
// ============================================================================

func TestResumeReconcilesOpenOperation(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{StartingBalance: 1000, Seed: 11})
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := database.NewMemoryStore()

	first := newFixtureWithStore(t, store, paper, start)
	session, err := first.sched.Activate(ctx, ActivationRequest{
		UserID:          "u1",
		Mode:            database.ModeModerado,
		OperationsCount: intPtr(3),
		IntervalType:    database.IntervalMinutes,
		IntervalValue:   1,
	})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// The first process bought a contract, persisted progress and died before settling
	var contractID int64
	err = paper.WithSession(ctx, "paper-u1", broker.AccountDemo, func(sess broker.Session) error {
		c, err := sess.BuyDigitDifferContract(ctx, broker.BuyRequest{Symbol: "R_100", DurationTicks: 1, BarrierDigit: 3, Amount: 1, Currency: "USD"})
		if err != nil {
			return err
		}
		contractID = c.ContractID
		return nil
	})
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	stake, err := first.ledger.PrepareStake(ctx, "u1", 1000, 1)
	if err != nil {
		t.Fatalf("PrepareStake failed: %v", err)
	}
	crashed := &database.TradeOperation{
		ID:               "op-crashed",
		UserID:           "u1",
		SessionKey:       session.SessionKey,
		BrokerContractID: "100001",
		Symbol:           "R_100",
		Amount:           stake.Amount,
		Status:           database.OperationActive,
		CreatedAt:        start,
	}
	if contractID != 100001 {
		t.Fatalf("Unexpected paper contract id %d", contractID)
	}
	if err := store.CreateTradeOperation(ctx, crashed); err != nil {
		t.Fatalf("CreateTradeOperation failed: %v", err)
	}
	if _, err := store.RecordSessionExecution(ctx, session.SessionKey, start); err != nil {
		t.Fatalf("RecordSessionExecution failed: %v", err)
	}

	// A fresh scheduler on the same store picks up after the interval
	second := newFixtureWithStore(t, store, paper, start.Add(61*time.Second))
	second.step(ctx)

	ops, _ := store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 2 {
		t.Fatalf("Expected reconciled plus new operation, got %d", len(ops))
	}
	var reconciled *database.TradeOperation
	for i := range ops {
		if ops[i].ID == "op-crashed" {
			reconciled = &ops[i]
		}
	}
	if reconciled == nil || (reconciled.Status != database.OperationWon && reconciled.Status != database.OperationLost) {
		t.Fatalf("Expected crashed operation settled, got %+v", reconciled)
	}
	if reconciled.Profit == nil {
		t.Error("Reconciled operation must carry its profit")
	}

	s, _ := store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 2 {
		t.Errorf("Expected progress not double counted (2), got %d", s.ExecutedOperations)
	}
	daily, _ := second.ledger.Today(ctx, "u1")
	if daily.TotalTrades != 2 {
		t.Errorf("Expected both trades in the ledger, got %d", daily.TotalTrades)
	}
}

func TestOpenContractBlocksNextExecution(t *testing.T) {
	ctx := context.Background()
	b := &stubBroker{statusOpen: true}
	start := time.Date(2026, 5, 4, 0, 1, 0, 0, time.UTC)
	f := newFixture(t, b, start)

	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})
	_ = f.store.CreateTradeOperation(ctx, &database.TradeOperation{
		ID: "op-open", UserID: "u1", SessionKey: session.SessionKey, BrokerContractID: "77",
		Status: database.OperationActive, CreatedAt: start,
	})

	f.step(ctx)

	ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 1 || ops[0].Status != database.OperationActive {
		t.Errorf("Expected only the still-open operation, got %+v", ops)
	}
	st, _ := f.sched.GetStatus(ctx)
	if st.Skipped != 1 {
		t.Errorf("Expected 1 skipped execution, got %d", st.Skipped)
	}
	if b.opened != b.closed {
		t.Errorf("Broker session leaked: opened %d closed %d", b.opened, b.closed)
	}
}

// ============================================================================
// TEST: Skips and failures
// ============================================================================

func TestLowConsensusIsSkippedWithoutProgress(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{Seed: 3})
	// Just after midnight nothing is behind pace, so nothing is forced
	f := newFixture(t, paper, time.Date(2026, 5, 4, 0, 0, 30, 0, time.UTC),
		&fixedAdapter{name: "alpha", prediction: consensus.PredictionUp, confidence: 40},
		&fixedAdapter{name: "beta", prediction: consensus.PredictionUp, confidence: 45},
	)

	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeConservador, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})
	f.step(ctx)

	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 0 || s.LastExecutionTime != nil {
		t.Errorf("Skipped attempt must not advance the session: %+v", s)
	}
	ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 0 {
		t.Errorf("Expected no operations, got %d", len(ops))
	}
	st, _ := f.sched.GetStatus(ctx)
	if st.Skipped != 1 || st.Executed != 0 {
		t.Errorf("Expected one skip, got %+v", st)
	}

	stats := f.sched.GetThresholdStats()
	for _, m := range stats {
		if m.Mode == database.ModeConservador && m.Samples != 1 {
			t.Errorf("Expected skipped strength recorded, got %d samples", m.Samples)
		}
	}

	// Still due on the next tick
	f.clock.Advance(5 * time.Second)
	f.step(ctx)
	st, _ = f.sched.GetStatus(ctx)
	if st.Skipped != 2 {
		t.Errorf("Expected a retry on the next tick, got %d skips", st.Skipped)
	}
}

func TestQuorumFailureIsSkipped(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{Seed: 3})
	f := newFixture(t, paper, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		&fixedAdapter{name: "alpha", prediction: consensus.PredictionUp, confidence: 90},
		&fixedAdapter{name: "beta", err: errors.New("model offline")},
	)
	_, _ = f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeAgressivo, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})
	f.step(ctx)

	st, _ := f.sched.GetStatus(ctx)
	if st.Skipped != 1 || st.Failed != 0 {
		t.Errorf("Expected quorum failure counted as skip, got %+v", st)
	}
	if paper.TotalSessions() != 1 || paper.OpenSessions() != 0 {
		t.Errorf("Expected one closed broker session, got total=%d open=%d", paper.TotalSessions(), paper.OpenSessions())
	}
}

func TestBrokerFailureCancelsOperationAndTripsBreaker(t *testing.T) {
	ctx := context.Background()
	b := &stubBroker{buyErr: errs.Wrap(errs.KindBroker, "broker.buy", errors.New("market closed"))}
	f := newFixture(t, b, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	f.step(ctx)
	f.clock.Advance(5 * time.Second)
	f.step(ctx)

	ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 2 {
		t.Fatalf("Expected 2 attempted operations, got %d", len(ops))
	}
	for _, op := range ops {
		if op.Status != database.OperationCancelled || op.ErrorMessage == "" {
			t.Errorf("Expected cancelled operation with error, got %+v", op)
		}
	}
	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 0 {
		t.Errorf("Failed purchase must not advance the session, got %d", s.ExecutedOperations)
	}

	// Breaker opens after 2 broker failures and holds the user
	f.clock.Advance(5 * time.Second)
	f.step(ctx)
	st, _ := f.sched.GetStatus(ctx)
	if st.Failed != 2 || st.Skipped != 1 {
		t.Errorf("Expected 2 failures then a breaker skip, got %+v", st)
	}
	if len(st.Breakers) != 1 || st.Breakers[0].State != circuit.StateOpen {
		t.Errorf("Expected open breaker for u1, got %+v", st.Breakers)
	}
	if b.opened != 2 {
		t.Errorf("Expected no broker session while the breaker is open, opened %d", b.opened)
	}
}

// ============================================================================
// TEST: Pause and resume
// ============================================================================

func TestPauseIsPersistedAndStopsNewExecutions(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{Seed: 5})
	f := newFixture(t, paper, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	_, _ = f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	if err := f.sched.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	f.step(ctx)
	if paper.TotalSessions() != 0 {
		t.Errorf("Expected no execution while paused, got %d", paper.TotalSessions())
	}
	st, _ := f.sched.GetStatus(ctx)
	if !st.Paused || st.PausedAt == nil {
		t.Errorf("Expected paused status with timestamp, got %+v", st)
	}

	// A new instance on the same store starts paused
	other := newFixtureWithStore(t, f.store, paper, f.clock.Now())
	if err := other.sched.restorePause(ctx); err != nil {
		t.Fatalf("restorePause failed: %v", err)
	}
	if !other.sched.IsPaused() {
		t.Error("Expected pause flag restored from the store")
	}

	if err := f.sched.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	f.step(ctx)
	if paper.TotalSessions() != 1 {
		t.Errorf("Expected one execution after resume, got %d", paper.TotalSessions())
	}
}

func TestPauseLetsInFlightExecutionSettle(t *testing.T) {
	ctx := context.Background()
	b := &stubBroker{settling: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, b, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	f.sched.tick(ctx)
	select {
	case <-b.settling:
	case <-time.After(2 * time.Second):
		t.Fatal("Execution never reached settlement")
	}

	if err := f.sched.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	close(b.release)
	f.sched.inflight.Wait()

	ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 1 {
		t.Fatalf("Expected 1 operation, got %d", len(ops))
	}
	if ops[0].Status != database.OperationWon || ops[0].Profit == nil {
		t.Errorf("Expected in-flight operation settled as won, got %+v", ops[0])
	}
	daily, _ := f.ledger.Today(ctx, "u1")
	if daily == nil || daily.TotalTrades != 1 || daily.WonTrades != 1 {
		t.Errorf("Expected settlement booked in the daily ledger, got %+v", daily)
	}
	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 1 {
		t.Errorf("Expected 1 executed operation, got %d", s.ExecutedOperations)
	}

	// Nothing new starts while paused
	f.clock.Advance(time.Minute)
	f.step(ctx)
	if b.opened != 1 {
		t.Errorf("Expected no new broker session while paused, opened %d", b.opened)
	}
	st, _ := f.sched.GetStatus(ctx)
	if st.PausedAt == nil || st.PausedAt.Before(ops[0].CreatedAt) {
		t.Errorf("Expected pause timestamp after the in-flight purchase, got %v", st.PausedAt)
	}
}

func TestPauseAndResumeUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.NewPaperClient(broker.PaperConfig{Seed: 1}), time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	_, _ = f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalHours, IntervalValue: 1,
	})

	s, err := f.sched.PauseUser(ctx, "u1")
	if err != nil || s.IsActive {
		t.Fatalf("Expected inactive session, got %+v (%v)", s, err)
	}
	views, _ := f.sched.ListActiveSessions(ctx)
	if len(views) != 0 {
		t.Errorf("Expected no active sessions, got %d", len(views))
	}

	if _, err := f.sched.ResumeUser(ctx, "u1"); err != nil {
		t.Fatalf("ResumeUser failed: %v", err)
	}
	views, _ = f.sched.ListActiveSessions(ctx)
	if len(views) != 1 || views[0].Remaining != 8 || views[0].NextDue != nil {
		t.Errorf("Expected one fresh session view, got %+v", views)
	}

	if _, err := f.sched.PauseUser(ctx, "ghost"); !errs.Is(err, errs.KindConfig) {
		t.Errorf("Expected CONFIG_ERROR for unknown user, got %v", err)
	}
}

// ============================================================================
// TEST: Activation validation
// ============================================================================

func TestActivateValidation(t *testing.T) {
	f := newFixture(t, broker.NewPaperClient(broker.PaperConfig{Seed: 1}), time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	tests := []struct {
		name      string
		req       ActivationRequest
		wantErr   bool
		wantCount int
	}{
		{"unknown mode", ActivationRequest{UserID: "u", Mode: "turbo", IntervalType: "minutes", IntervalValue: 1}, true, 0},
		{"bad interval unit", ActivationRequest{UserID: "u", Mode: "moderado", IntervalType: "weeks", IntervalValue: 1}, true, 0},
		{"zero interval", ActivationRequest{UserID: "u", Mode: "moderado", IntervalType: "minutes", IntervalValue: 0}, true, 0},
		{"missing user", ActivationRequest{Mode: "moderado", IntervalType: "minutes", IntervalValue: 1}, true, 0},
		{"bad account", ActivationRequest{UserID: "u", Mode: "moderado", IntervalType: "minutes", IntervalValue: 1, AccountType: "gold"}, true, 0},
		{"negative count", ActivationRequest{UserID: "u", Mode: "moderado", IntervalType: "minutes", IntervalValue: 1, OperationsCount: intPtr(-1)}, true, 0},
		{"agressivo default", ActivationRequest{UserID: "u", Mode: "agressivo", IntervalType: "hours", IntervalValue: 2}, false, 16},
		{"explicit count", ActivationRequest{UserID: "u", Mode: "moderado", IntervalType: "days", IntervalValue: 1, OperationsCount: intPtr(3)}, false, 3},
		{"unlimited", ActivationRequest{UserID: "u", Mode: "sem_limites", IntervalType: "minutes", IntervalValue: 5, OperationsCount: intPtr(9)}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f.sched.Activate(context.Background(), tt.req)
			if tt.wantErr {
				if !errs.Is(err, errs.KindConfig) {
					t.Errorf("Expected CONFIG_ERROR, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Activate failed: %v", err)
			}
			if s.OperationsCount != tt.wantCount {
				t.Errorf("Expected %d operations, got %d", tt.wantCount, s.OperationsCount)
			}
			if s.Symbol != "R_100" || s.AccountType != broker.AccountDemo {
				t.Errorf("Expected defaults applied, got symbol=%s account=%s", s.Symbol, s.AccountType)
			}
		})
	}

	// Only the latest plan stays active
	sessions, _ := f.store.ListActiveSessions(context.Background())
	if len(sessions) != 1 {
		t.Errorf("Expected one active session for the user, got %d", len(sessions))
	}
}

func TestUnlimitedSessionNeverDeactivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.NewPaperClient(broker.PaperConfig{StartingBalance: 5000, Seed: 9}), time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeSemLimites, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	for i := 0; i < 6; i++ {
		f.step(ctx)
		f.clock.Advance(time.Minute)
	}

	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if !s.IsActive || s.ExecutedOperations != 6 {
		t.Errorf("Expected active unlimited session with 6 executions, got active=%v executed=%d", s.IsActive, s.ExecutedOperations)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}, Deps{}, zerolog.Nop()); !errs.Is(err, errs.KindConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

// ============================================================================
// TEST: Overlap protection
// ============================================================================

func TestLockedSessionIsSkipped(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperClient(broker.PaperConfig{Seed: 4})
	f := newFixture(t, paper, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	// A previous run still holds the session
	release, ok := f.locker.TryAcquire(ctx, session.SessionKey)
	if !ok {
		t.Fatal("Expected to acquire the session lock")
	}
	f.step(ctx)

	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 0 {
		t.Errorf("Expected locked session untouched, got %d executions", s.ExecutedOperations)
	}
	if paper.TotalSessions() != 0 {
		t.Errorf("Expected no broker session for a locked session, got %d", paper.TotalSessions())
	}

	release()
	f.clock.Advance(5 * time.Second)
	f.step(ctx)
	s, _ = f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 1 {
		t.Errorf("Expected execution once the lock is released, got %d", s.ExecutedOperations)
	}
	if f.locker.HeldLocally() != 0 {
		t.Errorf("Expected lock released after execution, %d held", f.locker.HeldLocally())
	}
}

// ============================================================================
// TEST: Persistence failures degrade the scheduler heartbeat
// ============================================================================

func TestPersistenceErrorDegradesHeartbeat(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemoryStore()
	store := &failingStore{MemoryStore: mem}
	sup := supervisor.New(supervisor.Config{}, mem, nil, nil, zerolog.Nop())
	paper := broker.NewPaperClient(broker.PaperConfig{Seed: 2})
	f := newFixtureWithOptions(t, mem, fixtureOptions{schedStore: store, health: sup}, paper, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	published := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventPersistenceError, func(e events.Event) {
		select {
		case published <- e:
		default:
		}
	})

	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})
	current, _ := mem.GetSession(ctx, session.SessionKey)

	store.setFailOpen(true)
	f.sched.execute(ctx, *current)

	schedulerBeat := func() database.SystemHealthHeartbeat {
		hbs, _ := mem.ListHeartbeats(ctx)
		for _, hb := range hbs {
			if hb.ComponentName == HeartbeatComponent {
				return hb
			}
		}
		t.Fatal("No scheduler heartbeat written")
		return database.SystemHealthHeartbeat{}
	}

	hb := schedulerBeat()
	if hb.Status != database.HealthDegraded {
		t.Errorf("Expected degraded heartbeat, got %s", hb.Status)
	}
	if hb.LastError == "" || !strings.Contains(hb.LastError, "connection refused") {
		t.Errorf("Expected last_error to carry the store failure, got %q", hb.LastError)
	}

	select {
	case e := <-published:
		if e.Data["error"] == "" {
			t.Errorf("Expected error in PERSISTENCE_ERROR event, got %+v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected PERSISTENCE_ERROR event")
	}

	st, _ := f.sched.GetStatus(ctx)
	if st.Failed != 1 {
		t.Errorf("Expected 1 failed execution, got %d", st.Failed)
	}

	// The next tick still reports the failure, the one after recovers
	store.setFailOpen(false)
	f.step(ctx)
	if hb := schedulerBeat(); hb.Status != database.HealthDegraded {
		t.Errorf("Expected degraded heartbeat on the following tick, got %s", hb.Status)
	}
	f.clock.Advance(5 * time.Second)
	f.step(ctx)
	if hb := schedulerBeat(); hb.Status != database.HealthHealthy {
		t.Errorf("Expected healthy heartbeat once the store recovers, got %s", hb.Status)
	}
}

// ============================================================================
// TEST: Settlement and reconcile edge cases
// ============================================================================

func TestSettlementTimeoutLeavesOperationForReconcile(t *testing.T) {
	ctx := context.Background()
	b := &stubBroker{settleErr: errs.Wrap(errs.KindBroker, "broker.settlement", context.DeadlineExceeded)}
	f := newFixture(t, b, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	session, _ := f.sched.Activate(ctx, ActivationRequest{
		UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
	})

	f.step(ctx)

	st, _ := f.sched.GetStatus(ctx)
	if st.Executed != 1 || st.Failed != 0 || st.Unsettled != 1 {
		t.Errorf("Expected executed and unsettled without failure, got %+v", st)
	}
	if len(st.Breakers) != 1 || st.Breakers[0].ConsecutiveFailures != 0 {
		t.Errorf("Expected no breaker failure for an unsettled trade, got %+v", st.Breakers)
	}
	ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 1 || ops[0].Status != database.OperationActive || ops[0].BrokerContractID != "1" {
		t.Fatalf("Expected one active operation left for reconcile, got %+v", ops)
	}
	for _, m := range f.sched.GetThresholdStats() {
		if m.Mode == database.ModeModerado && m.Samples != 1 {
			t.Errorf("Expected the purchased round recorded in the threshold window, got %d samples", m.Samples)
		}
	}

	// The next execution settles it from the broker before trading again
	b.mu.Lock()
	b.settleErr = nil
	b.mu.Unlock()
	f.clock.Advance(time.Minute)
	f.step(ctx)

	ops, _ = f.store.ListTradeOperations(ctx, "u1", 10)
	if len(ops) != 2 {
		t.Fatalf("Expected reconciled plus new operation, got %d", len(ops))
	}
	for _, op := range ops {
		if op.Status != database.OperationWon && op.Status != database.OperationLost {
			t.Errorf("Expected settled operation, got %s", op.Status)
		}
	}
	daily, _ := f.ledger.Today(ctx, "u1")
	if daily == nil || daily.TotalTrades != 2 {
		t.Errorf("Expected both trades booked, got %+v", daily)
	}
	s, _ := f.store.GetSession(ctx, session.SessionKey)
	if s.ExecutedOperations != 2 {
		t.Errorf("Expected 2 executions, got %d", s.ExecutedOperations)
	}
}

func TestReconcileOperationWithoutContractID(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		purchases    []broker.Purchase
		wantStatus   string
		wantContract string
		wantTrades   int
	}{
		{
			name: "purchase found on the statement",
			purchases: []broker.Purchase{
				{ContractID: 5, ContractType: "DIGITDIFF", BuyPrice: 1, PurchaseTime: start.Add(-time.Minute)},
				{ContractID: 42, ContractType: "DIGITDIFF", BuyPrice: 2.5, PurchaseTime: start.Add(time.Second)},
				{ContractID: 43, ContractType: "CALL", BuyPrice: 1, PurchaseTime: start.Add(time.Second)},
				{ContractID: 77, ContractType: "DIGITDIFF", BuyPrice: 1, PurchaseTime: start.Add(time.Second)},
			},
			wantStatus:   database.OperationLost,
			wantContract: "77",
			wantTrades:   2,
		},
		{
			name: "nothing bought",
			purchases: []broker.Purchase{
				{ContractID: 5, ContractType: "DIGITDIFF", BuyPrice: 1, PurchaseTime: start.Add(-time.Minute)},
			},
			wantStatus: database.OperationCancelled,
			wantTrades: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := &stubBroker{purchases: tt.purchases}
			f := newFixture(t, b, start)
			session, _ := f.sched.Activate(ctx, ActivationRequest{
				UserID: "u1", Mode: database.ModeModerado, IntervalType: database.IntervalMinutes, IntervalValue: 1,
			})
			if _, err := f.ledger.PrepareStake(ctx, "u1", 1000, 1); err != nil {
				t.Fatalf("PrepareStake failed: %v", err)
			}
			// Bought at the broker, crashed before the contract id was saved
			if err := f.store.CreateTradeOperation(ctx, &database.TradeOperation{
				ID: "op-unsaved", UserID: "u1", SessionKey: session.SessionKey, Symbol: "R_100",
				Amount: 1, Status: database.OperationPending, CreatedAt: start,
			}); err != nil {
				t.Fatalf("CreateTradeOperation failed: %v", err)
			}

			f.clock.Advance(2 * time.Second)
			f.step(ctx)

			ops, _ := f.store.ListTradeOperations(ctx, "u1", 10)
			var unsaved *database.TradeOperation
			for i := range ops {
				if ops[i].ID == "op-unsaved" {
					unsaved = &ops[i]
				}
			}
			if unsaved == nil {
				t.Fatal("Operation disappeared")
			}
			if unsaved.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, unsaved.Status)
			}
			if unsaved.BrokerContractID != tt.wantContract {
				t.Errorf("Expected contract %q, got %q", tt.wantContract, unsaved.BrokerContractID)
			}
			daily, _ := f.ledger.Today(ctx, "u1")
			if daily == nil || daily.TotalTrades != tt.wantTrades {
				t.Errorf("Expected %d trades booked, got %+v", tt.wantTrades, daily)
			}
		})
	}
}
