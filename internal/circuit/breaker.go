// Package circuit holds per-user broker circuit breakers. Consecutive broker
// failures for one user halt that user's executions for a cooldown so a
// revoked token or an exhausted account does not hammer the brokerage on
// every tick.
package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Executions halted
	StateHalfOpen BreakerState = "half_open" // Next execution is a probe
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled                bool
	MaxConsecutiveFailures int
	Cooldown               time.Duration
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		Cooldown:               5 * time.Minute,
	}
}

// CircuitBreaker tracks broker failures for a single user
type CircuitBreaker struct {
	config              Config
	state               BreakerState
	consecutiveFailures int
	totalTrips          int
	lastTripTime        time.Time
	tripReason          string
	mu                  sync.Mutex
	onTrip              func(reason string)
	now                 func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// CanExecute checks if an execution is allowed
func (cb *CircuitBreaker) CanExecute() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastTripTime)
		if elapsed < cb.config.Cooldown {
			remaining := cb.config.Cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}

		// Cooldown passed, let one probe through
		cb.state = StateHalfOpen
	}

	return true, ""
}

// RecordSuccess closes the breaker and clears the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.state = StateClosed
	cb.tripReason = ""
}

// RecordFailure counts a broker failure and trips the breaker at the limit.
// A failed probe in half-open state trips immediately.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	cb.consecutiveFailures++

	tripped := false
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.state = StateOpen
		cb.lastTripTime = cb.now()
		cb.tripReason = reason
		cb.totalTrips++
		tripped = true
	}
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if tripped && onTrip != nil {
		go onTrip(reason)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.tripReason = ""
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of one breaker
type Stats struct {
	UserID              string       `json:"user_id"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalTrips          int          `json:"total_trips"`
	TripReason          string       `json:"trip_reason,omitempty"`
	LastTripTime        time.Time    `json:"last_trip_time,omitempty"`
}

func (cb *CircuitBreaker) stats(userID string) Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		UserID:              userID,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalTrips:          cb.totalTrips,
		TripReason:          cb.tripReason,
		LastTripTime:        cb.lastTripTime,
	}
}

// Registry lazily creates one breaker per user
type Registry struct {
	config   Config
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	onTrip   func(userID, reason string)
	now      func() time.Time
}

// NewRegistry creates a breaker registry
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// OnTrip sets a callback invoked (in its own goroutine) when any user's breaker trips
func (r *Registry) OnTrip(handler func(userID, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = handler
}

// SetClock replaces the time source for all breakers
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, cb := range r.breakers {
		cb.mu.Lock()
		cb.now = now
		cb.mu.Unlock()
	}
}

// For returns the user's breaker, creating it on first use
func (r *Registry) For(userID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[userID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.config)
	cb.now = r.now
	if r.onTrip != nil {
		handler := r.onTrip
		cb.onTrip = func(reason string) { handler(userID, reason) }
	}
	r.breakers[userID] = cb
	return cb
}

// ResetAll closes every breaker
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.ForceReset()
	}
}

// Stats returns a snapshot of every breaker that is not closed, sorted by user
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0)
	for userID, cb := range r.breakers {
		s := cb.stats(userID)
		if s.State != StateClosed || s.ConsecutiveFailures > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
