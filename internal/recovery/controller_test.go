package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/database"
)

type recordedTransition struct {
	userID string
	active bool
}

type stubNotifier struct {
	mu     sync.Mutex
	events []recordedTransition
}

func (n *stubNotifier) PublishRecovery(userID string, active bool, dailyPnL, currentBalance float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedTransition{userID, active})
}

func newTestController(t *testing.T, now time.Time) (*Controller, *database.MemoryStore, *stubNotifier) {
	t.Helper()
	store := database.NewMemoryStore()
	notifier := &stubNotifier{}
	c, err := NewController(DefaultConfig(), store, notifier, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	c.SetClock(func() time.Time { return now })
	return c, store, notifier
}

// ============================================================================
// TEST: Recovery activates after a 75% intraday loss
// ============================================================================

func TestRecoveryActivatesBeforeFourthTrade(t *testing.T) {
	ctx := context.Background()
	c, _, notifier := newTestController(t, time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC))

	balance := 1000.0
	base := 10.0
	for i := 1; i <= 3; i++ {
		stake, err := c.PrepareStake(ctx, "u1", balance, base)
		if err != nil {
			t.Fatalf("PrepareStake %d failed: %v", i, err)
		}
		if stake.IsRecoveryMode {
			t.Fatalf("Trade %d should not be in recovery", i)
		}
		if stake.Amount != base {
			t.Errorf("Trade %d: Expected amount %.2f, got %.2f", i, base, stake.Amount)
		}

		out, err := c.RecordSettlement(ctx, "u1", stake, -300)
		if err != nil {
			t.Fatalf("RecordSettlement %d failed: %v", i, err)
		}
		balance -= 300

		if i < 3 && out.Activated {
			t.Errorf("Recovery must not activate at daily pnl %.2f", out.Ledger.DailyPnL)
		}
		if i == 3 {
			if !out.Activated || !out.Ledger.IsRecoveryActive {
				t.Fatalf("Expected recovery active at -900, got %+v", out.Ledger)
			}
			if out.Ledger.DailyPnL != -900 || out.Ledger.CurrentBalance != 100 {
				t.Errorf("Expected pnl -900 balance 100, got %.2f / %.2f", out.Ledger.DailyPnL, out.Ledger.CurrentBalance)
			}
			if out.Ledger.MaxDrawdown != -900 {
				t.Errorf("Expected max drawdown -900, got %.2f", out.Ledger.MaxDrawdown)
			}
		}
	}

	fourth, err := c.PrepareStake(ctx, "u1", balance, base)
	if err != nil {
		t.Fatalf("PrepareStake 4 failed: %v", err)
	}
	if !fourth.IsRecoveryMode || fourth.IsConservativeForced {
		t.Errorf("Expected multiplied recovery trade, got %+v", fourth)
	}
	if fourth.Amount != base*2.0 || fourth.Multiplier != 2.0 {
		t.Errorf("Expected amount %.2f (x2), got %.2f (x%.1f)", base*2, fourth.Amount, fourth.Multiplier)
	}

	if len(notifier.events) != 1 || !notifier.events[0].active {
		t.Errorf("Expected one activation event, got %+v", notifier.events)
	}
}

func TestRecoveryThresholdBoundary(t *testing.T) {
	tests := []struct {
		name       string
		loss       float64
		wantActive bool
	}{
		{"just above limit", -749.99, false},
		{"exactly at limit", -750, true},
		{"beyond limit", -800, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
			stake, err := c.PrepareStake(context.Background(), "u1", 1000, 5)
			if err != nil {
				t.Fatalf("PrepareStake failed: %v", err)
			}
			out, err := c.RecordSettlement(context.Background(), "u1", stake, tt.loss)
			if err != nil {
				t.Fatalf("RecordSettlement failed: %v", err)
			}
			if out.Ledger.IsRecoveryActive != tt.wantActive {
				t.Errorf("Expected active=%v at pnl %.2f", tt.wantActive, tt.loss)
			}
		})
	}
}

// ============================================================================
// TEST: Recovery clears once the opening balance is restored
// ============================================================================

func TestRecoveryClearsAndUpdatesStrategy(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c, store, notifier := newTestController(t, now)

	stake, _ := c.PrepareStake(ctx, "u1", 1000, 10)
	if _, err := c.RecordSettlement(ctx, "u1", stake, -800); err != nil {
		t.Fatalf("RecordSettlement failed: %v", err)
	}

	c.SetClock(func() time.Time { return now.Add(30 * time.Minute) })
	stake, _ = c.PrepareStake(ctx, "u1", 200, 10)
	out, err := c.RecordSettlement(ctx, "u1", stake, 500)
	if err != nil {
		t.Fatalf("RecordSettlement failed: %v", err)
	}
	if out.Cleared {
		t.Fatal("Recovery must stay active below the opening balance")
	}

	stake, _ = c.PrepareStake(ctx, "u1", 700, 10)
	out, err = c.RecordSettlement(ctx, "u1", stake, 300)
	if err != nil {
		t.Fatalf("RecordSettlement failed: %v", err)
	}
	if !out.Cleared || out.Ledger.IsRecoveryActive {
		t.Fatalf("Expected recovery cleared at balance %.2f", out.Ledger.CurrentBalance)
	}
	if out.Ledger.MaxDrawdown != -800 {
		t.Errorf("Max drawdown must keep the worst value, got %.2f", out.Ledger.MaxDrawdown)
	}

	s, err := store.GetOrCreateRecoveryStrategy(ctx, "u1", "daily_balance_recovery", nil)
	if err != nil {
		t.Fatalf("GetOrCreateRecoveryStrategy failed: %v", err)
	}
	if s.TotalRecoveries != 1 || s.SuccessfulRecoveries != 1 || s.SuccessRate != 100 {
		t.Errorf("Unexpected strategy telemetry: %+v", s)
	}
	if s.AvgRecoveryTimeSeconds != 1800 {
		t.Errorf("Expected 1800s average recovery, got %.0f", s.AvgRecoveryTimeSeconds)
	}
	if s.IsActive {
		t.Error("Strategy should be inactive after clear")
	}
	if len(notifier.events) != 2 || notifier.events[1].active {
		t.Errorf("Expected activation then clear, got %+v", notifier.events)
	}
}

// ============================================================================
// TEST: Conservative cadence and bounds
// ============================================================================

func TestConservativeOperationsCadence(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC))

	stake, _ := c.PrepareStake(ctx, "u1", 1000, 10)
	if _, err := c.RecordSettlement(ctx, "u1", stake, -900); err != nil {
		t.Fatalf("RecordSettlement failed: %v", err)
	}

	// Every third recovery trade is conservative
	var pattern []string
	for i := 0; i < 9; i++ {
		stake, err := c.PrepareStake(ctx, "u1", 100, 10)
		if err != nil {
			t.Fatalf("PrepareStake failed: %v", err)
		}
		switch {
		case stake.IsConservativeForced:
			pattern = append(pattern, "C")
			if stake.Amount != 5 || stake.Multiplier != 1 {
				t.Errorf("Conservative trade must be base x0.5 and never multiplied, got %.2f x%.1f", stake.Amount, stake.Multiplier)
			}
		case stake.IsRecoveryMode:
			pattern = append(pattern, "R")
		default:
			pattern = append(pattern, "N")
		}
		// Small losses keep recovery active
		if _, err := c.RecordSettlement(ctx, "u1", stake, -1); err != nil {
			t.Fatalf("RecordSettlement failed: %v", err)
		}
	}

	got := ""
	for _, p := range pattern {
		got += p
	}
	if got != "RRCRRCRRC" {
		t.Errorf("Expected RRCRRCRRC, got %s", got)
	}

	// Fourth conservative slot, then the daily cap stops them
	pattern = pattern[:0]
	for i := 0; i < 6; i++ {
		stake, _ := c.PrepareStake(ctx, "u1", 100, 10)
		if stake.IsConservativeForced {
			pattern = append(pattern, "C")
		} else {
			pattern = append(pattern, "R")
		}
		_, _ = c.RecordSettlement(ctx, "u1", stake, -1)
	}
	got = ""
	for _, p := range pattern {
		got += p
	}
	if got != "RRCRRR" {
		t.Errorf("Expected cap at 4 conservative ops (RRCRRR), got %s", got)
	}
}

func TestConservativeMinimumAfterEarlyClear(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	stake, _ := c.PrepareStake(ctx, "u1", 1000, 10)
	_, _ = c.RecordSettlement(ctx, "u1", stake, -800)

	// One multiplied recovery trade restores the balance
	stake, _ = c.PrepareStake(ctx, "u1", 200, 10)
	if !stake.IsRecoveryMode {
		t.Fatal("Expected recovery trade")
	}
	out, _ := c.RecordSettlement(ctx, "u1", stake, 800)
	if !out.Cleared {
		t.Fatal("Expected recovery cleared")
	}

	// Minimum of 2 conservative ops still forced after clear
	for i := 0; i < 2; i++ {
		stake, _ = c.PrepareStake(ctx, "u1", 1000, 10)
		if !stake.IsConservativeForced || stake.IsRecoveryMode {
			t.Errorf("Trade %d: Expected forced conservative outside recovery, got %+v", i, stake)
		}
		_, _ = c.RecordSettlement(ctx, "u1", stake, 0.5)
	}

	stake, _ = c.PrepareStake(ctx, "u1", 1001, 10)
	if stake.IsConservativeForced || stake.Amount != 10 {
		t.Errorf("Expected normal trade once minimum met, got %+v", stake)
	}
}

func TestPrepareStakeBalanceBounds(t *testing.T) {
	c, _, _ := newTestController(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	if _, err := c.PrepareStake(context.Background(), "u1", 0.2, 10); err != ErrInsufficientBalance {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}

	c2, _, _ := newTestController(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	stake, err := c2.PrepareStake(context.Background(), "u2", 7.555, 10)
	if err != nil {
		t.Fatalf("PrepareStake failed: %v", err)
	}
	if stake.Amount != 7.55 {
		t.Errorf("Expected stake capped to balance 7.55, got %.4f", stake.Amount)
	}
}

// ============================================================================
// TEST: Day rollover
// ============================================================================

func TestRolloverClosesPreviousDays(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC)
	c, store, notifier := newTestController(t, day1)

	stake, _ := c.PrepareStake(ctx, "u1", 1000, 10)
	_, _ = c.RecordSettlement(ctx, "u1", stake, -900)
	stake, _ = c.PrepareStake(ctx, "u2", 500, 10)
	_, _ = c.RecordSettlement(ctx, "u2", stake, 5)

	day2 := day1.Add(2*time.Hour + 5*time.Second)
	c.SetClock(func() time.Time { return day2 })

	closed, err := c.Rollover(ctx, day2)
	if err != nil {
		t.Fatalf("Rollover failed: %v", err)
	}
	if closed != 2 {
		t.Errorf("Expected 2 rows closed, got %d", closed)
	}

	old, err := store.GetDailyPnL(ctx, "u1", day1)
	if err != nil {
		t.Fatalf("GetDailyPnL failed: %v", err)
	}
	if old.IsRecoveryActive || old.ClosedAt == nil {
		t.Errorf("Expected closed row with recovery cleared, got %+v", old)
	}

	s, _ := store.GetOrCreateRecoveryStrategy(ctx, "u1", "daily_balance_recovery", nil)
	if s.TotalRecoveries != 1 || s.SuccessfulRecoveries != 0 || s.SuccessRate != 0 {
		t.Errorf("Expected unsuccessful recovery recorded, got %+v", s)
	}

	// New day starts a fresh ledger at the current balance
	stake, _ = c.PrepareStake(ctx, "u1", 100, 10)
	if stake.IsRecoveryMode {
		t.Error("Recovery must not carry over to a new day")
	}
	today, _ := c.Today(ctx, "u1")
	if today == nil || today.OpeningBalance != 100 {
		t.Errorf("Expected fresh ledger opening at 100, got %+v", today)
	}

	closed, _ = c.Rollover(ctx, day2)
	if closed != 0 {
		t.Errorf("Second rollover must be a no-op, closed %d", closed)
	}
	if len(notifier.events) != 2 {
		t.Errorf("Expected activation and rollover clear events, got %+v", notifier.events)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"multiplier not above one", func(c *Config) { c.RecoveryMultiplier = 1 }, true},
		{"threshold zero", func(c *Config) { c.RecoveryThreshold = 0 }, true},
		{"min above max", func(c *Config) { c.MinConservativeOps = 5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
