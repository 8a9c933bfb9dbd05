package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func activate(t *testing.T, store *MemoryStore, userID string, count int) *ActiveTradingSession {
	t.Helper()
	s, err := store.ActivateConfiguration(context.Background(), &TradeConfiguration{
		UserID:          userID,
		Mode:            "conservador",
		OperationsCount: count,
		IntervalType:    IntervalMinutes,
		IntervalValue:   1,
		Symbol:          "R_100",
		BaseAmount:      1,
		AccountType:     AccountDemo,
	})
	if err != nil {
		t.Fatalf("ActivateConfiguration failed: %v", err)
	}
	return s
}

// ============================================================================
// TEST: Session progress bounds
// ============================================================================

func TestRecordSessionExecutionBounds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := activate(t, store, "u1", 2)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	got, err := store.RecordSessionExecution(ctx, s.SessionKey, start)
	if err != nil {
		t.Fatalf("first execution failed: %v", err)
	}
	if got.ExecutedOperations != 1 {
		t.Errorf("Expected 1 executed, got %d", got.ExecutedOperations)
	}

	_, err = store.RecordSessionExecution(ctx, s.SessionKey, start.Add(30*time.Second))
	if !errors.Is(err, ErrSessionNotDue) {
		t.Errorf("Expected ErrSessionNotDue, got %v", err)
	}

	got, err = store.RecordSessionExecution(ctx, s.SessionKey, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("second execution failed: %v", err)
	}
	if got.IsActive {
		t.Error("Expected session to deactivate after reaching operations_count")
	}

	_, err = store.RecordSessionExecution(ctx, s.SessionKey, start.Add(2*time.Minute))
	if !errors.Is(err, ErrSessionInactive) {
		t.Errorf("Expected ErrSessionInactive, got %v", err)
	}
}

func TestRecordSessionExecutionConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := activate(t, store, "u1", 10)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordSessionExecution(ctx, s.SessionKey, at); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one racing execution to win, got %d", successes)
	}
}

func TestUnlimitedSessionNeverDeactivates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := activate(t, store, "u1", 0)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		got, err := store.RecordSessionExecution(ctx, s.SessionKey, at.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("execution %d failed: %v", i, err)
		}
		if !got.IsActive {
			t.Fatalf("Expected unlimited session to stay active after %d executions", got.ExecutedOperations)
		}
	}
}

func TestActivateDeactivatesPrevious(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := activate(t, store, "u1", 4)
	second := activate(t, store, "u1", 8)

	old, _ := store.GetSession(ctx, first.SessionKey)
	if old.IsActive {
		t.Error("Expected previous session to be deactivated")
	}
	active, err := store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].SessionKey != second.SessionKey {
		t.Errorf("Expected only %s active, got %+v", second.SessionKey, active)
	}
	cfg, err := store.GetActiveConfiguration(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OperationsCount != 8 {
		t.Errorf("Expected active configuration with 8 ops, got %d", cfg.OperationsCount)
	}
}

func TestSetSessionActiveRejectsExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := activate(t, store, "u1", 1)
	if _, err := store.RecordSessionExecution(ctx, s.SessionKey, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetSessionActive(ctx, s.SessionKey, true); !errors.Is(err, ErrSessionExhausted) {
		t.Errorf("Expected ErrSessionExhausted, got %v", err)
	}
}

// ============================================================================
// TEST: Single-flight operations
// ============================================================================

func TestSingleFlightOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	op := &TradeOperation{ID: "op-1", UserID: "u1", Status: OperationPending, CreatedAt: time.Now()}
	if err := store.CreateTradeOperation(ctx, op); err != nil {
		t.Fatal(err)
	}
	second := &TradeOperation{ID: "op-2", UserID: "u1", Status: OperationPending, CreatedAt: time.Now()}
	if err := store.CreateTradeOperation(ctx, second); !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("Expected ErrOperationInFlight, got %v", err)
	}

	other := &TradeOperation{ID: "op-3", UserID: "u2", Status: OperationPending, CreatedAt: time.Now()}
	if err := store.CreateTradeOperation(ctx, other); err != nil {
		t.Errorf("Expected other user to be unaffected, got %v", err)
	}

	op.Status = OperationWon
	if err := store.UpdateTradeOperation(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTradeOperation(ctx, second); err != nil {
		t.Errorf("Expected slot to free after settlement, got %v", err)
	}
}

// ============================================================================
// TEST: Daily PnL ledger
// ============================================================================

func TestDailyPnLGetOrCreateKeepsOpening(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	d, err := store.GetOrCreateDailyPnL(ctx, "u1", day, 1000, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	if d.OpeningBalance != 1000 || d.CurrentBalance != 1000 {
		t.Errorf("Expected opening/current 1000, got %v/%v", d.OpeningBalance, d.CurrentBalance)
	}

	again, err := store.GetOrCreateDailyPnL(ctx, "u1", day.Add(5*time.Hour), 500, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	if again.OpeningBalance != 1000 {
		t.Errorf("Expected opening balance to stay 1000, got %v", again.OpeningBalance)
	}

	_, err = store.UpdateDailyPnL(ctx, "u1", day, func(d *DailyPnL) error {
		d.CurrentBalance -= 100
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Expected error from update func")
	}
	unchanged, _ := store.GetDailyPnL(ctx, "u1", day)
	if unchanged.CurrentBalance != 1000 {
		t.Errorf("Expected aborted update to leave balance at 1000, got %v", unchanged.CurrentBalance)
	}
}

func TestListOpenDailyPnLBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	store.GetOrCreateDailyPnL(ctx, "u1", d1, 100, 0.75)
	store.GetOrCreateDailyPnL(ctx, "u1", d2, 100, 0.75)

	open, err := store.ListOpenDailyPnLBefore(ctx, d2)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || !open[0].Date.Equal(TradingDay(d1)) {
		t.Errorf("Expected only the 2026-03-01 row, got %+v", open)
	}
}

// ============================================================================
// TEST: Heartbeats
// ============================================================================

func TestUpsertHeartbeatCountsErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	store.UpsertHeartbeat(ctx, "scheduler", HealthHealthy, "", nil, now)
	store.UpsertHeartbeat(ctx, "scheduler", HealthDegraded, "db down", nil, now.Add(time.Second))
	store.UpsertHeartbeat(ctx, "scheduler", HealthHealthy, "", map[string]interface{}{"sessions": 2}, now.Add(2*time.Second))

	hbs, _ := store.ListHeartbeats(ctx)
	if len(hbs) != 1 {
		t.Fatalf("Expected 1 heartbeat, got %d", len(hbs))
	}
	hb := hbs[0]
	if hb.ErrorCount != 1 {
		t.Errorf("Expected error count 1, got %d", hb.ErrorCount)
	}
	if hb.LastError != "db down" {
		t.Errorf("Expected last error to be kept, got %q", hb.LastError)
	}
	if hb.Status != HealthHealthy {
		t.Errorf("Expected healthy, got %s", hb.Status)
	}
}
