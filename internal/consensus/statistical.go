package consensus

import (
	"context"
	"fmt"
	"math"
)

const minTicks = 10

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func lastN(ticks []Tick, n int) []Tick {
	if n <= 0 || n >= len(ticks) {
		return ticks
	}
	return ticks[len(ticks)-n:]
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

// DigitFrequencyAdapter reads the last-digit distribution. A skew toward high
// digits (5-9) votes up, toward low digits votes down.
type DigitFrequencyAdapter struct {
	Window int
}

// NewDigitFrequencyAdapter creates the adapter over the last window ticks
func NewDigitFrequencyAdapter(window int) *DigitFrequencyAdapter {
	if window <= 0 {
		window = 100
	}
	return &DigitFrequencyAdapter{Window: window}
}

func (a *DigitFrequencyAdapter) Name() string { return "digit_frequency" }

func (a *DigitFrequencyAdapter) Predict(ctx context.Context, ticks []Tick) (*Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	window := lastN(ticks, a.Window)
	if len(window) < minTicks {
		return nil, fmt.Errorf("need %d ticks, got %d", minTicks, len(window))
	}

	h := DigitHistogram(window)
	high := 0
	for d := 5; d <= 9; d++ {
		high += h[d]
	}
	share := float64(high) / float64(len(window))
	deviation := math.Abs(share - 0.5)
	barrier := BarrierDigit(window)

	vote := &Vote{
		Confidence: clamp(50+deviation*200, 0, 100),
		Reasoning: fmt.Sprintf("high-digit share %.2f over %d ticks, rarest digit %d (%d hits)",
			share, len(window), barrier, h[barrier]),
	}
	switch {
	case share > 0.55:
		vote.Prediction = PredictionUp
	case share < 0.45:
		vote.Prediction = PredictionDown
	default:
		vote.Prediction = PredictionHold
		vote.Confidence = clamp(50-deviation*200, 0, 100)
	}
	return vote, nil
}

// MomentumAdapter follows the quote slope over a window
type MomentumAdapter struct {
	Window int
}

// NewMomentumAdapter creates the adapter over the last window ticks
func NewMomentumAdapter(window int) *MomentumAdapter {
	if window <= 1 {
		window = 20
	}
	return &MomentumAdapter{Window: window}
}

func (a *MomentumAdapter) Name() string { return "momentum" }

func (a *MomentumAdapter) Predict(ctx context.Context, ticks []Tick) (*Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	window := lastN(ticks, a.Window)
	if len(window) < minTicks {
		return nil, fmt.Errorf("need %d ticks, got %d", minTicks, len(window))
	}

	// Least-squares slope of quote against index
	n := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for i, t := range window {
		x := float64(i)
		sumX += x
		sumY += t.Quote
		sumXY += x * t.Quote
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil, fmt.Errorf("degenerate tick window")
	}
	slope := (n*sumXY - sumX*sumY) / denom

	diffs := make([]float64, 0, len(window)-1)
	ups := 0
	for i := 1; i < len(window); i++ {
		d := window[i].Quote - window[i-1].Quote
		diffs = append(diffs, d)
		if d > 0 {
			ups++
		}
	}
	_, std := meanStd(diffs)
	upShare := float64(ups) / float64(len(diffs))

	normalized := 0.0
	switch {
	case std > 0:
		normalized = slope / std
	case slope > 0:
		normalized = 1
	case slope < 0:
		normalized = -1
	}

	vote := &Vote{
		Reasoning: fmt.Sprintf("slope %.6f (%.2f sigma), %.0f%% up-moves over %d ticks",
			slope, normalized, upShare*100, len(window)),
	}
	strength := math.Min(math.Abs(normalized), 1)*30 + math.Abs(upShare-0.5)*80
	switch {
	case normalized > 0.05 && upShare >= 0.5:
		vote.Prediction = PredictionUp
		vote.Confidence = clamp(50+strength, 0, 100)
	case normalized < -0.05 && upShare <= 0.5:
		vote.Prediction = PredictionDown
		vote.Confidence = clamp(50+strength, 0, 100)
	default:
		vote.Prediction = PredictionHold
		vote.Confidence = clamp(50-strength, 0, 100)
	}
	return vote, nil
}

// MeanReversionAdapter bets on a stretched last quote returning to the mean
type MeanReversionAdapter struct {
	Window     int
	ZThreshold float64
}

// NewMeanReversionAdapter creates the adapter
func NewMeanReversionAdapter(window int) *MeanReversionAdapter {
	if window <= 1 {
		window = 30
	}
	return &MeanReversionAdapter{Window: window, ZThreshold: 1.0}
}

func (a *MeanReversionAdapter) Name() string { return "mean_reversion" }

func (a *MeanReversionAdapter) Predict(ctx context.Context, ticks []Tick) (*Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	window := lastN(ticks, a.Window)
	if len(window) < minTicks {
		return nil, fmt.Errorf("need %d ticks, got %d", minTicks, len(window))
	}

	quotes := make([]float64, len(window))
	for i, t := range window {
		quotes[i] = t.Quote
	}
	mean, std := meanStd(quotes)
	if std == 0 {
		return &Vote{Prediction: PredictionHold, Confidence: 30, Reasoning: "flat quotes"}, nil
	}
	z := (quotes[len(quotes)-1] - mean) / std

	vote := &Vote{Reasoning: fmt.Sprintf("last quote z-score %.2f against mean %.4f", z, mean)}
	switch {
	case z >= a.ZThreshold:
		vote.Prediction = PredictionDown
		vote.Confidence = clamp(55+(z-a.ZThreshold)*20, 0, 95)
	case z <= -a.ZThreshold:
		vote.Prediction = PredictionUp
		vote.Confidence = clamp(55+(-z-a.ZThreshold)*20, 0, 95)
	default:
		vote.Prediction = PredictionHold
		vote.Confidence = clamp(40+math.Abs(z)*10, 0, 100)
	}
	return vote, nil
}
