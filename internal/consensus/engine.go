package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/metrics"
)

// AiLogStore persists the per-adapter audit trail
type AiLogStore interface {
	InsertAiLogs(ctx context.Context, logs []database.AiLog) error
}

// Config holds engine settings
type Config struct {
	AdapterTimeout time.Duration
	MinQuorum      int
}

// Engine runs consensus rounds over the registered adapters
type Engine struct {
	config   Config
	store    AiLogStore
	logger   zerolog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	adapters []Adapter
}

// NewEngine creates an engine. store may be nil to skip the audit trail.
func NewEngine(config Config, store AiLogStore, logger zerolog.Logger) *Engine {
	if config.AdapterTimeout <= 0 {
		config.AdapterTimeout = 8 * time.Second
	}
	if config.MinQuorum <= 0 {
		config.MinQuorum = 1
	}
	return &Engine{
		config: config,
		store:  store,
		logger: logger.With().Str("component", "consensus").Logger(),
		now:    time.Now,
	}
}

// Register adds an adapter. Names must be unique.
func (e *Engine) Register(a Adapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.adapters {
		if existing.Name() == a.Name() {
			return fmt.Errorf("adapter %q already registered", a.Name())
		}
	}
	e.adapters = append(e.adapters, a)
	return nil
}

// Adapters returns the registered adapter names, sorted
func (e *Engine) Adapters() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.adapters))
	for i, a := range e.adapters {
		names[i] = a.Name()
	}
	sort.Strings(names)
	return names
}

type adapterResult struct {
	name    string
	vote    *Vote
	err     error
	latency time.Duration
}

// Decide queries every adapter concurrently and merges the answers.
// A round with fewer than MinQuorum responses returns QUORUM_ERROR; the
// audit rows are written either way.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	e.mu.RLock()
	adapters := make([]Adapter, len(e.adapters))
	copy(adapters, e.adapters)
	e.mu.RUnlock()

	if len(adapters) == 0 {
		return nil, errs.New(errs.KindQuorum, "consensus.decide", "no adapters registered")
	}

	results := make([]adapterResult, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			results[i] = e.callAdapter(ctx, a, req.Ticks)
		}(i, a)
	}
	wg.Wait()

	decision := &Decision{
		RoundID:      uuid.New().String(),
		Threshold:    req.Threshold,
		ForceMinimum: req.ForceMinimum,
		BarrierDigit: BarrierDigit(req.Ticks),
	}

	for _, r := range results {
		if r.err != nil {
			decision.Failures = append(decision.Failures, AdapterFailure{
				ModelName: r.name,
				Error:     r.err.Error(),
				TimedOut:  errs.Is(r.err, errs.KindAdapterTimeout),
			})
			e.logger.Warn().
				Err(r.err).
				Str("model", r.name).
				Str("user_id", req.UserID).
				Str("session_key", req.SessionKey).
				Msg("Adapter excluded from consensus")
			continue
		}
		decision.Votes = append(decision.Votes, *r.vote)
	}
	sort.Slice(decision.Failures, func(i, j int) bool { return decision.Failures[i].ModelName < decision.Failures[j].ModelName })

	e.audit(ctx, req, decision)

	if len(decision.Votes) < e.config.MinQuorum {
		return decision, errs.Wrap(errs.KindQuorum, "consensus.decide",
			fmt.Errorf("%d of %d adapters responded, need %d", len(decision.Votes), len(adapters), e.config.MinQuorum))
	}

	agg := Aggregate(decision.Votes)
	decision.Prediction = agg.Prediction
	decision.ConsensusStrength = agg.Strength
	decision.WinningVoters = agg.Voters
	decision.ParticipatingModels = agg.Participants
	decision.Votes = agg.Votes

	switch {
	case req.ForceMinimum:
		// Forced cadence trades the marginal signal anyway
	case decision.Prediction == PredictionHold:
		decision.Skipped = true
		decision.SkipReason = "consensus is hold"
	case decision.ConsensusStrength < req.Threshold:
		decision.Skipped = true
		decision.SkipReason = fmt.Sprintf("strength %.2f below threshold %.2f", decision.ConsensusStrength, req.Threshold)
	}

	e.logger.Debug().
		Str("user_id", req.UserID).
		Str("round_id", decision.RoundID).
		Str("prediction", string(decision.Prediction)).
		Float64("strength", decision.ConsensusStrength).
		Float64("threshold", req.Threshold).
		Bool("skipped", decision.Skipped).
		Strs("models", decision.ParticipatingModels).
		Msg("Consensus decided")

	return decision, nil
}

func (e *Engine) callAdapter(ctx context.Context, a Adapter, ticks []Tick) adapterResult {
	name := a.Name()
	actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
	defer cancel()

	start := time.Now()
	vote, err := a.Predict(actx, ticks)
	latency := time.Since(start)

	if err == nil {
		err = validateVote(vote)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || actx.Err() == context.DeadlineExceeded {
			err = errs.Wrap(errs.KindAdapterTimeout, "consensus."+name, fmt.Errorf("no answer within %v: %w", e.config.AdapterTimeout, err))
		}
		metrics.ObserveAdapterLatency(name, latency, false)
		return adapterResult{name: name, err: err, latency: latency}
	}

	v := *vote
	v.ModelName = name
	metrics.ObserveAdapterLatency(name, latency, true)
	return adapterResult{name: name, vote: &v, latency: latency}
}

func validateVote(v *Vote) error {
	if v == nil {
		return errors.New("adapter returned no vote")
	}
	if !v.Prediction.Valid() {
		return fmt.Errorf("invalid prediction %q", v.Prediction)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return fmt.Errorf("confidence %.2f outside [0,100]", v.Confidence)
	}
	return nil
}

// audit appends one AiLog row per vote and per failure. Audit failures are
// logged, never fatal to the round.
func (e *Engine) audit(ctx context.Context, req Request, d *Decision) {
	if e.store == nil {
		return
	}

	snapshot, err := json.Marshal(marketSnapshot(req))
	if err != nil {
		snapshot = nil
	}

	now := e.now()
	logs := make([]database.AiLog, 0, len(d.Votes)+len(d.Failures))
	for _, v := range d.Votes {
		logs = append(logs, database.AiLog{
			ID:                 uuid.New().String(),
			UserID:             req.UserID,
			SessionKey:         req.SessionKey,
			RoundID:            d.RoundID,
			ModelName:          v.ModelName,
			Analysis:           v.Reasoning,
			Decision:           string(v.Prediction),
			Confidence:         v.Confidence,
			MarketDataSnapshot: snapshot,
			CreatedAt:          now,
		})
	}
	for _, f := range d.Failures {
		logs = append(logs, database.AiLog{
			ID:                 uuid.New().String(),
			UserID:             req.UserID,
			SessionKey:         req.SessionKey,
			RoundID:            d.RoundID,
			ModelName:          f.ModelName,
			Decision:           "excluded",
			MarketDataSnapshot: snapshot,
			Error:              f.Error,
			CreatedAt:          now,
		})
	}

	if err := e.store.InsertAiLogs(ctx, logs); err != nil {
		e.logger.Error().Err(err).Str("round_id", d.RoundID).Msg("Failed to persist consensus audit trail")
	}
}

type snapshot struct {
	Symbol    string    `json:"symbol"`
	TickCount int       `json:"tick_count"`
	LastQuote float64   `json:"last_quote,omitempty"`
	LastEpoch int64     `json:"last_epoch,omitempty"`
	Recent    []float64 `json:"recent_quotes,omitempty"`
	Digits    [10]int   `json:"digit_histogram"`
}

func marketSnapshot(req Request) snapshot {
	s := snapshot{Symbol: req.Symbol, TickCount: len(req.Ticks), Digits: DigitHistogram(req.Ticks)}
	if n := len(req.Ticks); n > 0 {
		s.LastQuote = req.Ticks[n-1].Quote
		s.LastEpoch = req.Ticks[n-1].Epoch
		start := n - 10
		if start < 0 {
			start = 0
		}
		for _, t := range req.Ticks[start:] {
			s.Recent = append(s.Recent, t.Quote)
		}
	}
	return s
}
