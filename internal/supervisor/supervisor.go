// Package supervisor watches component heartbeats and asks the host process
// to restart components that stopped beating. It never touches trading state.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/events"
	"digit-trading-bot/internal/metrics"
)

// HeartbeatComponent is the supervisor's own heartbeat name
const HeartbeatComponent = "supervisor"

// HeartbeatStore persists heartbeats
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, component, status, errMsg string, metadata map[string]interface{}, at time.Time) error
	SetHeartbeatStatus(ctx context.Context, component, status string) error
	ListHeartbeats(ctx context.Context) ([]database.SystemHealthHeartbeat, error)
}

// Config holds supervisor settings
type Config struct {
	CheckInterval  time.Duration
	StaleAfter     time.Duration
	ControlChannel string
	Watched        []string // components that get restart events
	InstanceID     string
}

// ControlMessage is published on the Redis control channel
type ControlMessage struct {
	Type       string `json:"type"`
	Component  string `json:"component"`
	Reason     string `json:"reason"`
	StaleFor   string `json:"stale_for"`
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
}

// Supervisor is the heartbeat watchdog
type Supervisor struct {
	config Config
	store  HeartbeatStore
	bus    *events.EventBus
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tripped map[string]bool // component -> restart already emitted for this episode

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a supervisor. redisClient may be nil.
func New(config Config, store HeartbeatStore, bus *events.EventBus, redisClient *redis.Client, logger zerolog.Logger) *Supervisor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 15 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 60 * time.Second
	}
	if config.ControlChannel == "" {
		config.ControlChannel = "digit-bot:control"
	}
	if len(config.Watched) == 0 {
		config.Watched = []string{"scheduler", "websocket"}
	}
	if config.InstanceID == "" {
		host, _ := os.Hostname()
		config.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	return &Supervisor{
		config:   config,
		store:    store,
		bus:      bus,
		redis:    redisClient,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		now:      time.Now,
		tripped:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

// SetClock replaces the time source
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// Beat records a component heartbeat
func (s *Supervisor) Beat(ctx context.Context, component, status string, err error, metadata map[string]interface{}) error {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if status == "" {
		status = database.HealthHealthy
	}
	if upsertErr := s.store.UpsertHeartbeat(ctx, component, status, errMsg, metadata, s.now()); upsertErr != nil {
		return errs.Wrap(errs.KindPersistence, "supervisor.beat", upsertErr)
	}
	return nil
}

// Start launches the check loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.runMu.Unlock()

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Dur("stale_after", s.config.StaleAfter).
		Strs("watched", s.config.Watched).
		Bool("redis", s.redis != nil).
		Msg("Supervisor starting")

	s.wg.Add(1)
	go s.run(ctx)

	if s.redis != nil {
		s.wg.Add(1)
		go s.listenControl(ctx)
	}
	return nil
}

// Stop stops the check loop
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.runMu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("Supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Check(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Heartbeat check failed")
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one staleness pass and returns the components a restart was
// requested for. A component gets one restart event per staleness episode;
// a fresh heartbeat re-arms it. Heartbeats flagged idle are never stale.
func (s *Supervisor) Check(ctx context.Context) ([]string, error) {
	heartbeats, err := s.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "supervisor.list_heartbeats", err)
	}

	byName := make(map[string]database.SystemHealthHeartbeat, len(heartbeats))
	for _, hb := range heartbeats {
		byName[hb.ComponentName] = hb
	}

	now := s.now()
	var restarted []string
	for _, component := range s.config.Watched {
		hb, ok := byName[component]
		if !ok {
			continue
		}

		age := now.Sub(hb.LastHeartbeat)
		if isIdle(hb) || age <= s.config.StaleAfter {
			s.rearm(component)
			continue
		}
		if !s.trip(component) {
			continue
		}

		reason := fmt.Sprintf("no heartbeat for %s", age.Round(time.Second))
		if err := s.store.SetHeartbeatStatus(ctx, component, database.HealthDown); err != nil {
			s.logger.Error().Err(err).Str("target", component).Msg("Failed to mark component down")
		}
		s.logger.Warn().
			Str("target", component).
			Dur("stale_for", age).
			Time("last_heartbeat", hb.LastHeartbeat).
			Msg("Component heartbeat stale, requesting restart")

		metrics.RecordRestartEvent(component)
		s.bus.PublishRestart(component, reason, age)
		s.publishControl(ctx, ControlMessage{
			Type:       string(events.RestartEventFor(component)),
			Component:  component,
			Reason:     reason,
			StaleFor:   age.String(),
			InstanceID: s.config.InstanceID,
			Timestamp:  now.Unix(),
		})
		restarted = append(restarted, component)
	}

	if err := s.Beat(ctx, HeartbeatComponent, database.HealthHealthy, nil, processMetadata()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write supervisor heartbeat")
	}
	return restarted, nil
}

func isIdle(hb database.SystemHealthHeartbeat) bool {
	idle, ok := hb.Metadata["idle"].(bool)
	return ok && idle
}

// trip marks component as restarted and reports whether it was armed
func (s *Supervisor) trip(component string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripped[component] {
		return false
	}
	s.tripped[component] = true
	return true
}

func (s *Supervisor) rearm(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tripped, component)
}

func (s *Supervisor) publishControl(ctx context.Context, msg ControlMessage) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, s.config.ControlChannel, data).Err(); err != nil {
		s.logger.Warn().Err(err).Str("channel", s.config.ControlChannel).Msg("Failed to publish control message")
	}
}

// listenControl logs restart requests raised by other instances
func (s *Supervisor) listenControl(ctx context.Context) {
	defer s.wg.Done()

	sub := s.redis.Subscribe(ctx, s.config.ControlChannel)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg ControlMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Ignoring malformed control message")
				continue
			}
			if msg.InstanceID == s.config.InstanceID {
				continue
			}
			s.logger.Info().
				Str("from_instance", msg.InstanceID).
				Str("type", msg.Type).
				Str("target", msg.Component).
				Str("reason", msg.Reason).
				Msg("Restart requested by another instance")
		}
	}
}

// processMetadata samples this process for the supervisor heartbeat
func processMetadata() map[string]interface{} {
	md := map[string]interface{}{
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return md
	}
	if cpu, err := p.CPUPercent(); err == nil {
		md["cpu_percent"] = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil {
		md["rss_mb"] = float64(mem.RSS) / 1024 / 1024
	}
	return md
}

// Snapshot returns all heartbeats for the control surface
func (s *Supervisor) Snapshot(ctx context.Context) ([]database.SystemHealthHeartbeat, error) {
	hbs, err := s.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "supervisor.snapshot", err)
	}
	return hbs, nil
}
