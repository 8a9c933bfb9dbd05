package database

import (
	"testing"
	"time"
)

func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		unit    string
		value   int
		want    time.Duration
		wantErr bool
	}{
		{IntervalMinutes, 5, 5 * time.Minute, false},
		{IntervalHours, 2, 2 * time.Hour, false},
		{IntervalDays, 1, 24 * time.Hour, false},
		{IntervalMinutes, 0, 0, true},
		{"weeks", 1, 0, true},
	}
	for _, tt := range tests {
		got, err := IntervalDuration(tt.unit, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("IntervalDuration(%s, %d) error = %v, wantErr %v", tt.unit, tt.value, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("IntervalDuration(%s, %d): expected %v, got %v", tt.unit, tt.value, tt.want, got)
		}
	}
}

func TestSessionIsDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := &ActiveTradingSession{IsActive: true, IntervalType: IntervalMinutes, IntervalValue: 1, OperationsCount: 4}

	if !s.IsDue(now) {
		t.Error("Expected session without last execution to be due")
	}

	last := now.Add(-59 * time.Second)
	s.LastExecutionTime = &last
	if s.IsDue(now) {
		t.Error("Expected session not to be due before the interval")
	}

	last = now.Add(-60 * time.Second)
	if !s.IsDue(now) {
		t.Error("Expected session to be due exactly at the interval")
	}

	s.IsActive = false
	if s.IsDue(now) {
		t.Error("Expected inactive session not to be due")
	}
}

func TestTradingDay(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	in := time.Date(2026, 3, 2, 22, 30, 0, 0, loc) // 01:30 UTC next day
	want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if got := TradingDay(in); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
