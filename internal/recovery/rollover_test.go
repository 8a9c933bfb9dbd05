package recovery

import (
	"context"
	"testing"
	"time"

	"digit-trading-bot/internal/database"
)

// ============================================================================
// TEST: Rollover job schedule
// ============================================================================

func TestRolloverJobSchedule(t *testing.T) {
	c, _, _ := newTestController(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		spec string
		from time.Time
		want time.Time
	}{
		{"default spec", "", time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), time.Date(2026, 5, 5, 0, 0, 5, 0, time.UTC)},
		{"default spec just before", "", time.Date(2026, 5, 4, 0, 0, 1, 0, time.UTC), time.Date(2026, 5, 4, 0, 0, 5, 0, time.UTC)},
		{"custom spec", "0 30 1 * * *", time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), time.Date(2026, 5, 5, 1, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := NewRolloverJob(context.Background(), c, tt.spec)
			if err != nil {
				t.Fatalf("NewRolloverJob failed: %v", err)
			}
			entries := j.cron.Entries()
			if len(entries) != 1 {
				t.Fatalf("Expected 1 cron entry, got %d", len(entries))
			}
			if next := entries[0].Schedule.Next(tt.from); !next.Equal(tt.want) {
				t.Errorf("Expected next run %v, got %v", tt.want, next)
			}
		})
	}
}

func TestRolloverJobRejectsBadSpec(t *testing.T) {
	c, _, _ := newTestController(t, time.Now())
	if _, err := NewRolloverJob(context.Background(), c, "every midnight"); err == nil {
		t.Error("Expected error for a malformed cron spec")
	}
}

// ============================================================================
// TEST: One job run closes every user's previous day
// ============================================================================

func TestRolloverJobRunClosesEveryUser(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2026, 5, 4, 21, 0, 0, 0, time.UTC)
	c, store, _ := newTestController(t, day1)

	closing := map[string]float64{}
	for _, tc := range []struct {
		userID  string
		opening float64
		profit  float64
	}{
		{"u1", 1000, -800},
		{"u2", 500, 12.5},
		{"u3", 250, -3},
	} {
		stake, err := c.PrepareStake(ctx, tc.userID, tc.opening, 1)
		if err != nil {
			t.Fatalf("PrepareStake(%s) failed: %v", tc.userID, err)
		}
		out, err := c.RecordSettlement(ctx, tc.userID, stake, tc.profit)
		if err != nil {
			t.Fatalf("RecordSettlement(%s) failed: %v", tc.userID, err)
		}
		closing[tc.userID] = out.Ledger.CurrentBalance
	}

	day2 := time.Date(2026, 5, 5, 0, 0, 5, 0, time.UTC)
	c.SetClock(func() time.Time { return day2 })

	j, err := NewRolloverJob(ctx, c, "")
	if err != nil {
		t.Fatalf("NewRolloverJob failed: %v", err)
	}
	j.run()

	open, err := store.ListOpenDailyPnLBefore(ctx, database.TradingDay(day2))
	if err != nil {
		t.Fatalf("ListOpenDailyPnLBefore failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected every previous-day row closed, %d still open", len(open))
	}

	for userID, balance := range closing {
		old, err := store.GetDailyPnL(ctx, userID, day1)
		if err != nil {
			t.Fatalf("GetDailyPnL(%s) failed: %v", userID, err)
		}
		if old.ClosedAt == nil || old.IsRecoveryActive {
			t.Errorf("Expected %s closed with recovery cleared, got %+v", userID, old)
		}
		if old.CurrentBalance != balance {
			t.Errorf("Expected %s closing balance %.2f kept, got %.2f", userID, balance, old.CurrentBalance)
		}

		// The broker balance at the first trade of the new day is yesterday's close
		stake, err := c.PrepareStake(ctx, userID, balance, 1)
		if err != nil {
			t.Fatalf("PrepareStake(%s) on day 2 failed: %v", userID, err)
		}
		if stake.IsRecoveryMode {
			t.Errorf("Expected %s to start the new day outside recovery", userID)
		}
		today, _ := c.Today(ctx, userID)
		if today == nil || today.OpeningBalance != balance || today.DailyPnL != 0 {
			t.Errorf("Expected %s to open at %.2f with zero PnL, got %+v", userID, balance, today)
		}
	}
}
