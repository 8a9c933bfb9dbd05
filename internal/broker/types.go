// Package broker talks to the Deriv-style brokerage over WebSocket. Every
// trading execution opens exactly one connection and closes it on every exit
// path; nothing is held open across scheduler ticks.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Account types select the endpoint and the expected login id prefix
const (
	AccountDemo = "demo"
	AccountReal = "real"

	demoLoginPrefix = "VRTC"
)

// Contract statuses reported by proposal_open_contract
const (
	ContractOpen = "open"
	ContractWon  = "won"
	ContractLost = "lost"
	ContractSold = "sold"
)

// Tick is one price quote in the tick history
type Tick struct {
	Symbol string    `json:"symbol"`
	Quote  float64   `json:"quote"`
	Epoch  int64     `json:"epoch"`
	Pip    int       `json:"-"` // decimal places the broker quotes this symbol with
	Time   time.Time `json:"-"`
}

// LastDigit returns the last quoted decimal digit of the tick
func (t Tick) LastDigit() int {
	return LastDigit(t.Quote, t.Pip)
}

// LastDigit returns the last digit of quote rendered with pip decimals.
// A pip of zero falls back to two decimals.
func LastDigit(quote float64, pip int) int {
	if pip <= 0 {
		pip = 2
	}
	s := fmt.Sprintf("%.*f", pip, quote)
	return int(s[len(s)-1] - '0')
}

// Balance is the authorized account balance
type Balance struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
	LoginID  string  `json:"loginid"`
}

// BuyRequest describes a DIGITDIFF purchase
type BuyRequest struct {
	Symbol        string
	DurationTicks int
	BarrierDigit  int
	Amount        float64
	Currency      string
}

// Validate checks the request before it reaches the wire
func (r BuyRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.BarrierDigit < 0 || r.BarrierDigit > 9 {
		return fmt.Errorf("barrier digit must be 0-9, got %d", r.BarrierDigit)
	}
	if r.DurationTicks < 1 || r.DurationTicks > 10 {
		return fmt.Errorf("duration must be 1-10 ticks, got %d", r.DurationTicks)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %.2f", r.Amount)
	}
	if r.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

// Contract is the broker's acknowledgement of a purchase
type Contract struct {
	ContractID   int64     `json:"contract_id"`
	BuyPrice     float64   `json:"buy_price"`
	Payout       float64   `json:"payout"`
	Balance      float64   `json:"balance_after"`
	PurchaseTime time.Time `json:"purchase_time"`
}

// Purchase is one buy transaction from the account statement
type Purchase struct {
	ContractID   int64     `json:"contract_id"`
	ContractType string    `json:"contract_type"`
	BuyPrice     float64   `json:"buy_price"`
	PurchaseTime time.Time `json:"purchase_time"`
}

// Settlement is the state of a contract as reported by the broker
type Settlement struct {
	ContractID int64   `json:"contract_id"`
	Status     string  `json:"status"`
	Profit     float64 `json:"profit"`
	EntrySpot  float64 `json:"entry_spot"`
	ExitSpot   float64 `json:"exit_spot"`
	IsSold     bool    `json:"is_sold"`
}

// Settled reports whether the contract reached a terminal state
func (s Settlement) Settled() bool {
	return s.IsSold || s.Status == ContractWon || s.Status == ContractLost
}

// Won reports whether the settled contract paid out
func (s Settlement) Won() bool {
	if s.Status == ContractWon {
		return true
	}
	if s.Status == ContractLost {
		return false
	}
	return s.Profit > 0
}

// Session is one authorized connection. Callers never close it themselves;
// WithSession owns its lifetime.
type Session interface {
	LoginID() string
	GetBalance(ctx context.Context) (*Balance, error)
	TicksHistory(ctx context.Context, symbol string, count int) ([]Tick, error)
	BuyDigitDifferContract(ctx context.Context, req BuyRequest) (*Contract, error)
	WaitForSettlement(ctx context.Context, contractID int64) (*Settlement, error)
	ContractStatus(ctx context.Context, contractID int64) (*Settlement, error)
	PurchasesSince(ctx context.Context, since time.Time) ([]Purchase, error)
}

// Broker opens scoped sessions. Both Client and PaperClient implement it.
type Broker interface {
	WithSession(ctx context.Context, token, accountType string, fn func(Session) error) error
}

// LinkMonitor receives broker link heartbeats
type LinkMonitor interface {
	Beat(ctx context.Context, component, status string, err error, metadata map[string]interface{}) error
}

// HeartbeatComponent is the heartbeat name of the broker link
const HeartbeatComponent = "websocket"

// ValidAccountType reports whether t is demo or real
func ValidAccountType(t string) bool {
	return t == AccountDemo || t == AccountReal
}

// checkLoginID rejects a token that authorized against the wrong account type
func checkLoginID(accountType, loginID string) error {
	isDemo := len(loginID) >= len(demoLoginPrefix) && loginID[:len(demoLoginPrefix)] == demoLoginPrefix
	switch accountType {
	case AccountDemo:
		if !isDemo {
			return fmt.Errorf("token authorized %s which is not a demo account", loginID)
		}
	case AccountReal:
		if isDemo {
			return fmt.Errorf("token authorized demo account %s for a real session", loginID)
		}
	default:
		return fmt.Errorf("unknown account type %q", accountType)
	}
	return nil
}

var (
	_ Broker  = (*Client)(nil)
	_ Broker  = (*PaperClient)(nil)
	_ Session = (*Conn)(nil)
	_ Session = (*paperSession)(nil)
)
