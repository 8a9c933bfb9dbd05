package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	var wg sync.WaitGroup
	wg.Add(2)

	var mu sync.Mutex
	var typed, all []Event

	bus.Subscribe(EventRestartScheduler, func(e Event) {
		mu.Lock()
		typed = append(typed, e)
		mu.Unlock()
		wg.Done()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
		wg.Done()
	})

	bus.PublishRestart("scheduler", "heartbeat stale", 90*time.Second)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 || len(all) != 1 {
		t.Fatalf("Expected 1 typed and 1 all event, got %d and %d", len(typed), len(all))
	}
	if typed[0].Data["component"] != "scheduler" {
		t.Errorf("Expected component scheduler, got %v", typed[0].Data["component"])
	}
	if typed[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestRestartEventFor(t *testing.T) {
	if RestartEventFor("scheduler") != EventRestartScheduler {
		t.Errorf("Expected %s, got %s", EventRestartScheduler, RestartEventFor("scheduler"))
	}
	if RestartEventFor("websocket") != EventRestartWebsocket {
		t.Errorf("Expected %s, got %s", EventRestartWebsocket, RestartEventFor("websocket"))
	}
}
