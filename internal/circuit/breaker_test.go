package circuit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	reg := NewRegistry(Config{Enabled: true, MaxConsecutiveFailures: 3, Cooldown: 5 * time.Minute})
	reg.SetClock(clock.Now)

	cb := reg.For("u1")
	cb.RecordFailure("auth rejected")
	cb.RecordFailure("auth rejected")
	if ok, _ := cb.CanExecute(); !ok {
		t.Fatal("Expected breaker closed after 2 failures")
	}

	cb.RecordFailure("auth rejected")
	if ok, reason := cb.CanExecute(); ok {
		t.Fatal("Expected breaker open after 3 failures")
	} else if reason == "" {
		t.Error("Expected a reason when open")
	}

	clock.Advance(5 * time.Minute)
	if ok, _ := cb.CanExecute(); !ok {
		t.Fatal("Expected probe allowed after cooldown")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", cb.GetState())
	}

	// Failed probe re-opens immediately
	cb.RecordFailure("still rejected")
	if cb.GetState() != StateOpen {
		t.Errorf("Expected open after failed probe, got %s", cb.GetState())
	}

	clock.Advance(5 * time.Minute)
	cb.CanExecute()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", cb.GetState())
	}
}

func TestBreakerIsolatedPerUser(t *testing.T) {
	reg := NewRegistry(Config{Enabled: true, MaxConsecutiveFailures: 1, Cooldown: time.Minute})

	reg.For("u1").RecordFailure("boom")
	if ok, _ := reg.For("u1").CanExecute(); ok {
		t.Error("Expected u1 blocked")
	}
	if ok, _ := reg.For("u2").CanExecute(); !ok {
		t.Error("Expected u2 unaffected")
	}

	stats := reg.Stats()
	if len(stats) != 1 || stats[0].UserID != "u1" || stats[0].TotalTrips != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	reg.ResetAll()
	if ok, _ := reg.For("u1").CanExecute(); !ok {
		t.Error("Expected u1 allowed after ResetAll")
	}
}

func TestBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(Config{Enabled: false, MaxConsecutiveFailures: 1, Cooldown: time.Hour})
	cb.RecordFailure("x")
	cb.RecordFailure("x")
	if ok, _ := cb.CanExecute(); !ok {
		t.Error("Expected disabled breaker to always allow")
	}
}

func TestOnTripCallback(t *testing.T) {
	reg := NewRegistry(Config{Enabled: true, MaxConsecutiveFailures: 1, Cooldown: time.Minute})

	got := make(chan string, 1)
	reg.OnTrip(func(userID, reason string) { got <- userID + ":" + reason })

	reg.For("u9").RecordFailure("insufficient balance")

	select {
	case v := <-got:
		if v != "u9:insufficient balance" {
			t.Errorf("Unexpected callback value %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected OnTrip callback")
	}
}
