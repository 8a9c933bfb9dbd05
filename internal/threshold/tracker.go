// Package threshold derives the minimum consensus strength a decision needs,
// per trading mode, from a rolling window of recent strengths.
package threshold

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
)

var modeFloors = map[string]float64{
	database.ModeConservador: 70,
	database.ModeModerado:    60,
	database.ModeAgressivo:   50,
	database.ModeSemLimites:  45,
}

const (
	defaultFloor    = 60
	lowerBand       = 10
	upperBand       = 15
	thresholdPctl   = 40
	defaultWindow   = 50
	defaultMinimum  = 10
	defaultDiscount = 15
)

// Floor returns the base threshold of mode. Unknown modes use the moderado floor.
func Floor(mode string) float64 {
	if f, ok := modeFloors[mode]; ok {
		return f
	}
	return defaultFloor
}

// OperationCounter reads today's activity for the pace check
type OperationCounter interface {
	CountTradeOperationsSince(ctx context.Context, userID string, since time.Time) (int, error)
	GetLatestSessionForUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error)
}

// Config holds tracker settings
type Config struct {
	WindowSize    int
	MinSamples    int
	ForceDiscount float64
}

// ModeStats summarizes one mode's window
type ModeStats struct {
	Mode             string  `json:"mode"`
	Samples          int     `json:"samples"`
	Mean             float64 `json:"mean"`
	Min              float64 `json:"min"`
	Max              float64 `json:"max"`
	P40              float64 `json:"p40"`
	Floor            float64 `json:"floor"`
	CurrentThreshold float64 `json:"current_threshold"`
}

// window is a fixed-size ring of samples
type window struct {
	values []float64
	next   int
	full   bool
}

func (w *window) add(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) snapshot() []float64 {
	n := w.next
	if w.full {
		n = len(w.values)
	}
	out := make([]float64, n)
	copy(out, w.values[:n])
	return out
}

// Tracker keeps per-mode strength windows. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	config  Config
	windows map[string]*window
	counter OperationCounter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. counter may be nil when the pace check is unused.
func NewTracker(config Config, counter OperationCounter, logger zerolog.Logger) *Tracker {
	if config.WindowSize <= 0 {
		config.WindowSize = defaultWindow
	}
	if config.MinSamples <= 0 {
		config.MinSamples = defaultMinimum
	}
	if config.MinSamples > config.WindowSize {
		config.MinSamples = config.WindowSize
	}
	if config.ForceDiscount <= 0 {
		config.ForceDiscount = defaultDiscount
	}
	return &Tracker{
		config:  config,
		windows: make(map[string]*window),
		counter: counter,
		logger:  logger.With().Str("component", "threshold").Logger(),
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Record adds a consensus strength sample for mode
func (t *Tracker) Record(mode string, strength float64) {
	if math.IsNaN(strength) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[mode]
	if !ok {
		w = &window{values: make([]float64, t.config.WindowSize)}
		t.windows[mode] = w
	}
	w.add(strength)
}

// GetDynamicThreshold returns the strength a decision in mode must reach
func (t *Tracker) GetDynamicThreshold(mode string, forceMinimum bool) float64 {
	floor := Floor(mode)
	if forceMinimum {
		return math.Max(floor-t.config.ForceDiscount, 0)
	}

	t.mu.RLock()
	w := t.windows[mode]
	var samples []float64
	if w != nil {
		samples = w.snapshot()
	}
	t.mu.RUnlock()

	return t.thresholdFor(floor, samples)
}

func (t *Tracker) thresholdFor(floor float64, samples []float64) float64 {
	if len(samples) < t.config.MinSamples {
		return floor
	}
	sort.Float64s(samples)
	p := percentile(samples, thresholdPctl)
	return clamp(p, floor-lowerBand, floor+upperBand)
}

// percentile uses linear interpolation between closest ranks; sorted must be ascending
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ShouldForceMinimumOperations reports whether the user trails the day's
// expected pace and the session still has operations left. The pace is the
// daily target scaled by the elapsed fraction of the UTC day, floored.
func (t *Tracker) ShouldForceMinimumOperations(ctx context.Context, userID, mode string) (bool, error) {
	if t.counter == nil {
		return false, nil
	}

	session, err := t.counter.GetLatestSessionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindPersistence, "threshold.latest_session", err)
	}
	if !session.IsActive || session.Remaining() == 0 {
		return false, nil
	}

	if mode == "" {
		mode = session.Mode
	}
	target := session.OperationsCount
	if target == 0 {
		d, _ := database.DefaultsForMode(mode)
		target = d.DailyTarget
	}
	if target <= 0 {
		return false, nil
	}

	now := t.now()
	day := database.TradingDay(now)
	fraction := float64(now.Sub(day)) / float64(24*time.Hour)
	expected := int(math.Floor(float64(target) * fraction))

	done, err := t.counter.CountTradeOperationsSince(ctx, userID, day)
	if err != nil {
		return false, errs.Wrap(errs.KindPersistence, "threshold.count_operations", err)
	}

	force := done < expected
	if force {
		t.logger.Debug().
			Str("user_id", userID).
			Str("mode", mode).
			Int("done", done).
			Int("expected", expected).
			Msg("Behind daily pace, forcing minimum operations")
	}
	return force, nil
}

// Stats returns one entry per known mode plus any other recorded mode, sorted by name
func (t *Tracker) Stats() []ModeStats {
	t.mu.RLock()
	snaps := make(map[string][]float64, len(modeFloors)+len(t.windows))
	for mode := range modeFloors {
		snaps[mode] = nil
	}
	for mode, w := range t.windows {
		snaps[mode] = w.snapshot()
	}
	t.mu.RUnlock()

	out := make([]ModeStats, 0, len(snaps))
	for mode, samples := range snaps {
		floor := Floor(mode)
		s := ModeStats{Mode: mode, Samples: len(samples), Floor: floor}
		if len(samples) > 0 {
			sorted := append([]float64(nil), samples...)
			sort.Float64s(sorted)
			sum := 0.0
			for _, v := range sorted {
				sum += v
			}
			s.Mean = sum / float64(len(sorted))
			s.Min = sorted[0]
			s.Max = sorted[len(sorted)-1]
			s.P40 = percentile(sorted, thresholdPctl)
		}
		s.CurrentThreshold = t.thresholdFor(floor, samples)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out
}
