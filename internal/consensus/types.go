// Package consensus fans tick history out to independent prediction adapters
// and merges their votes into one deterministic decision.
package consensus

import (
	"context"

	"digit-trading-bot/internal/broker"
)

// Prediction is a direction call
type Prediction string

const (
	PredictionUp   Prediction = "up"
	PredictionDown Prediction = "down"
	PredictionHold Prediction = "hold"
)

// rank orders predictions for the final tie-break
func (p Prediction) rank() int {
	switch p {
	case PredictionUp:
		return 0
	case PredictionDown:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is one of up, down or hold
func (p Prediction) Valid() bool {
	return p == PredictionUp || p == PredictionDown || p == PredictionHold
}

// Tick is the adapter input
type Tick = broker.Tick

// Vote is one adapter's answer
type Vote struct {
	ModelName  string     `json:"model_name"`
	Prediction Prediction `json:"prediction"`
	Confidence float64    `json:"confidence"` // 0-100
	Reasoning  string     `json:"reasoning"`
}

// Adapter is a prediction model. Implementations must honour ctx cancellation.
type Adapter interface {
	Name() string
	Predict(ctx context.Context, ticks []Tick) (*Vote, error)
}

// Request is one consensus round
type Request struct {
	UserID       string
	SessionKey   string
	Symbol       string
	Ticks        []Tick
	Threshold    float64
	ForceMinimum bool
}

// AdapterFailure records an adapter excluded from the round
type AdapterFailure struct {
	ModelName string `json:"model_name"`
	Error     string `json:"error"`
	TimedOut  bool   `json:"timed_out"`
}

// Decision is the merged outcome of a round
type Decision struct {
	RoundID             string           `json:"round_id"`
	Prediction          Prediction       `json:"prediction"`
	ConsensusStrength   float64          `json:"consensus_strength"`
	WinningVoters       int              `json:"winning_voters"`
	ParticipatingModels []string         `json:"participating_models"`
	Votes               []Vote           `json:"votes"`
	Failures            []AdapterFailure `json:"failures,omitempty"`
	BarrierDigit        int              `json:"barrier_digit"`
	Threshold           float64          `json:"threshold"`
	ForceMinimum        bool             `json:"force_minimum"`
	Skipped             bool             `json:"skipped"`
	SkipReason          string           `json:"skip_reason,omitempty"`
}
