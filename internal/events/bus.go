package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	// Restart signals emitted by the resilience supervisor
	EventRestartScheduler EventType = "restart_scheduler"
	EventRestartWebsocket EventType = "restart_websocket"

	EventSchedulerStarted EventType = "SCHEDULER_STARTED"
	EventSchedulerStopped EventType = "SCHEDULER_STOPPED"
	EventSchedulerPaused  EventType = "SCHEDULER_PAUSED"
	EventSchedulerResumed EventType = "SCHEDULER_RESUMED"

	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventTradeSettled      EventType = "TRADE_SETTLED"
	EventExecutionSkipped  EventType = "EXECUTION_SKIPPED"
	EventExecutionFailed   EventType = "EXECUTION_FAILED"
	EventSessionCompleted  EventType = "SESSION_COMPLETED"
	EventRecoveryActivated EventType = "RECOVERY_ACTIVATED"
	EventRecoveryCleared   EventType = "RECOVERY_CLEARED"
	EventPersistenceError  EventType = "PERSISTENCE_ERROR"
)

// RestartEventFor returns the restart event type for a monitored component
func RestartEventFor(component string) EventType {
	return EventType("restart_" + component)
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Subscribers run in their own goroutines so a slow restart handler
	// never blocks the publisher (scheduler tick or supervisor loop).
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRestart publishes a restart request for a component
func (eb *EventBus) PublishRestart(component, reason string, staleFor time.Duration) {
	eb.Publish(Event{
		Type: RestartEventFor(component),
		Data: map[string]interface{}{
			"component": component,
			"reason":    reason,
			"stale_for": staleFor.String(),
		},
	})
}

// PublishTradeExecuted publishes a placed contract
func (eb *EventBus) PublishTradeExecuted(userID, sessionKey, contractID string, amount float64, recovery bool) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"user_id":     userID,
			"session_key": sessionKey,
			"contract_id": contractID,
			"amount":      amount,
			"recovery":    recovery,
		},
	})
}

// PublishTradeSettled publishes a settled contract
func (eb *EventBus) PublishTradeSettled(userID, contractID, status string, profit float64) {
	eb.Publish(Event{
		Type: EventTradeSettled,
		Data: map[string]interface{}{
			"user_id":     userID,
			"contract_id": contractID,
			"status":      status,
			"profit":      profit,
		},
	})
}

// PublishSkipped publishes a skipped (not failed) execution attempt
func (eb *EventBus) PublishSkipped(userID, sessionKey, reason string, strength, threshold float64) {
	eb.Publish(Event{
		Type: EventExecutionSkipped,
		Data: map[string]interface{}{
			"user_id":     userID,
			"session_key": sessionKey,
			"reason":      reason,
			"strength":    strength,
			"threshold":   threshold,
		},
	})
}

// PublishFailure publishes a failed execution with its error kind
func (eb *EventBus) PublishFailure(userID, sessionKey, kind, message string) {
	eb.Publish(Event{
		Type: EventExecutionFailed,
		Data: map[string]interface{}{
			"user_id":     userID,
			"session_key": sessionKey,
			"kind":        kind,
			"error":       message,
		},
	})
}

// PublishRecovery publishes a recovery mode transition for a user
func (eb *EventBus) PublishRecovery(userID string, active bool, dailyPnL, currentBalance float64) {
	eventType := EventRecoveryCleared
	if active {
		eventType = EventRecoveryActivated
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"user_id":         userID,
			"daily_pnl":       dailyPnL,
			"current_balance": currentBalance,
		},
	})
}

// PublishSessionCompleted publishes a session that used its last operation
func (eb *EventBus) PublishSessionCompleted(userID, sessionKey string, executed int) {
	eb.Publish(Event{
		Type: EventSessionCompleted,
		Data: map[string]interface{}{
			"user_id":     userID,
			"session_key": sessionKey,
			"executed":    executed,
		},
	})
}
