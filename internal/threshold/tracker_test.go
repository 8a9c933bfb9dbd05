package threshold

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/database"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================================
// TEST: Dynamic threshold
// ============================================================================

func TestThresholdUsesFloorUntilMinSamples(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 50, MinSamples: 10}, nil, zerolog.Nop())

	tests := []struct {
		mode string
		want float64
	}{
		{database.ModeConservador, 70},
		{database.ModeModerado, 60},
		{database.ModeAgressivo, 50},
		{database.ModeSemLimites, 45},
		{"unknown", 60},
	}
	for _, tt := range tests {
		if got := tr.GetDynamicThreshold(tt.mode, false); got != tt.want {
			t.Errorf("%s: Expected floor %.0f, got %.2f", tt.mode, tt.want, got)
		}
	}

	for i := 0; i < 9; i++ {
		tr.Record(database.ModeModerado, 90)
	}
	if got := tr.GetDynamicThreshold(database.ModeModerado, false); got != 60 {
		t.Errorf("Expected floor with 9 samples, got %.2f", got)
	}
}

func TestThresholdFromPercentile(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 50, MinSamples: 10}, nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		tr.Record(database.ModeModerado, float64(50+i))
	}

	// sorted 50..59, rank 0.4*9 = 3.6
	if got := tr.GetDynamicThreshold(database.ModeModerado, false); !approxEqual(got, 53.6) {
		t.Errorf("Expected 53.6, got %.4f", got)
	}
}

func TestThresholdClamping(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		sample float64
		want   float64
	}{
		{"moderado high", database.ModeModerado, 95, 75},
		{"moderado low", database.ModeModerado, 10, 50},
		{"conservador high", database.ModeConservador, 99, 85},
		{"sem limites low", database.ModeSemLimites, 0, 35},
		{"inside band", database.ModeAgressivo, 48, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(Config{WindowSize: 20, MinSamples: 5}, nil, zerolog.Nop())
			for i := 0; i < 5; i++ {
				tr.Record(tt.mode, tt.sample)
			}
			if got := tr.GetDynamicThreshold(tt.mode, false); got != tt.want {
				t.Errorf("Expected %.2f, got %.2f", tt.want, got)
			}
		})
	}
}

func TestThresholdForcedMinimum(t *testing.T) {
	tr := NewTracker(Config{ForceDiscount: 15}, nil, zerolog.Nop())
	for i := 0; i < 20; i++ {
		tr.Record(database.ModeConservador, 99)
	}

	if got := tr.GetDynamicThreshold(database.ModeConservador, true); got != 55 {
		t.Errorf("Expected forced threshold 55, got %.2f", got)
	}
	if got := tr.GetDynamicThreshold(database.ModeSemLimites, true); got != 30 {
		t.Errorf("Expected forced threshold 30, got %.2f", got)
	}

	big := NewTracker(Config{ForceDiscount: 80}, nil, zerolog.Nop())
	if got := big.GetDynamicThreshold(database.ModeAgressivo, true); got != 0 {
		t.Errorf("Forced threshold must not go negative, got %.2f", got)
	}
}

func TestThresholdWindowRolls(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 5, MinSamples: 5}, nil, zerolog.Nop())
	for i := 0; i < 5; i++ {
		tr.Record(database.ModeModerado, 90)
	}
	if got := tr.GetDynamicThreshold(database.ModeModerado, false); got != 75 {
		t.Errorf("Expected clamped 75, got %.2f", got)
	}
	for i := 0; i < 5; i++ {
		tr.Record(database.ModeModerado, 55)
	}
	if got := tr.GetDynamicThreshold(database.ModeModerado, false); got != 55 {
		t.Errorf("Old samples should have rolled out, got %.2f", got)
	}
}

func TestThresholdStats(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 10, MinSamples: 2}, nil, zerolog.Nop())
	tr.Record(database.ModeAgressivo, 40)
	tr.Record(database.ModeAgressivo, 60)
	tr.Record(database.ModeAgressivo, 80)

	stats := tr.Stats()
	if len(stats) != 4 {
		t.Fatalf("Expected 4 modes, got %d", len(stats))
	}
	var ag *ModeStats
	for i := range stats {
		if stats[i].Mode == database.ModeAgressivo {
			ag = &stats[i]
		}
	}
	if ag == nil {
		t.Fatal("agressivo stats missing")
	}
	if ag.Samples != 3 || ag.Mean != 60 || ag.Min != 40 || ag.Max != 80 {
		t.Errorf("Unexpected stats: %+v", ag)
	}
	// rank 0.4*2 = 0.8 -> 40 + 20*0.8
	if !approxEqual(ag.P40, 56) || !approxEqual(ag.CurrentThreshold, 56) {
		t.Errorf("Expected p40 and threshold 56, got %.2f / %.2f", ag.P40, ag.CurrentThreshold)
	}
	if stats[0].Mode != database.ModeAgressivo {
		t.Errorf("Expected stats sorted by mode, first is %s", stats[0].Mode)
	}
}

// ============================================================================
// TEST: Forced minimum pace
// ============================================================================

func seedOperations(t *testing.T, store *database.MemoryStore, userID, sessionKey string, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.CreateTradeOperation(context.Background(), &database.TradeOperation{
			ID:         fmt.Sprintf("%s-%d-%d", userID, at.Unix(), i),
			UserID:     userID,
			SessionKey: sessionKey,
			Status:     database.OperationWon,
			CreatedAt:  at,
		})
		if err != nil {
			t.Fatalf("CreateTradeOperation failed: %v", err)
		}
	}
}

func TestShouldForceMinimumOperations(t *testing.T) {
	noon := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mode      string
		opsToday  int
		opsBefore int
		count     int
		want      bool
	}{
		{"behind pace", database.ModeModerado, 2, 0, 8, true},
		{"on pace", database.ModeModerado, 4, 0, 8, false},
		{"yesterday does not count", database.ModeModerado, 1, 6, 8, true},
		// sem_limites daily target is 32, so 16 are expected at noon
		{"unlimited uses mode target", database.ModeSemLimites, 10, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := database.NewMemoryStore()
			s, err := store.ActivateConfiguration(context.Background(), &database.TradeConfiguration{
				UserID:          "u1",
				Mode:            tt.mode,
				OperationsCount: tt.count,
				IntervalType:    database.IntervalMinutes,
				IntervalValue:   1,
			})
			if err != nil {
				t.Fatalf("ActivateConfiguration failed: %v", err)
			}
			seedOperations(t, store, "u1", s.SessionKey, noon.Add(-time.Hour), tt.opsToday)
			seedOperations(t, store, "u1", s.SessionKey, noon.Add(-24*time.Hour), tt.opsBefore)

			tr := NewTracker(Config{}, store, zerolog.Nop())
			tr.SetClock(func() time.Time { return noon })

			got, err := tr.ShouldForceMinimumOperations(context.Background(), "u1", s.Mode)
			if err != nil {
				t.Fatalf("ShouldForceMinimumOperations failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestShouldForceMinimumOperationsInactive(t *testing.T) {
	store := database.NewMemoryStore()
	tr := NewTracker(Config{}, store, zerolog.Nop())
	tr.SetClock(func() time.Time { return time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC) })

	got, err := tr.ShouldForceMinimumOperations(context.Background(), "nobody", database.ModeModerado)
	if err != nil || got {
		t.Errorf("Expected false without a session, got %v (%v)", got, err)
	}

	s, _ := store.ActivateConfiguration(context.Background(), &database.TradeConfiguration{
		UserID:          "u1",
		Mode:            database.ModeConservador,
		OperationsCount: 4,
		IntervalType:    database.IntervalMinutes,
		IntervalValue:   1,
	})
	if _, err := store.SetSessionActive(context.Background(), s.SessionKey, false); err != nil {
		t.Fatalf("SetSessionActive failed: %v", err)
	}
	got, err = tr.ShouldForceMinimumOperations(context.Background(), "u1", database.ModeConservador)
	if err != nil || got {
		t.Errorf("Expected false for inactive session, got %v (%v)", got, err)
	}

	nilCounter := NewTracker(Config{}, nil, zerolog.Nop())
	if got, _ := nilCounter.ShouldForceMinimumOperations(context.Background(), "u1", ""); got {
		t.Error("Expected false without a counter")
	}
}
