package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"digit-trading-bot/internal/errs"
)

// PaperConfig configures the simulated broker
type PaperConfig struct {
	StartingBalance float64
	Currency        string
	PayoutRate      float64 // profit per unit staked on a won DIGITDIFF
	Seed            int64
}

// PaperClient simulates the brokerage in-process. Quotes follow a random walk
// per symbol and every contract settles on the next simulated tick.
type PaperClient struct {
	config PaperConfig
	now    func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	balances   map[string]float64 // keyed by token
	contracts  map[int64]*Settlement
	purchases  map[string][]Purchase // keyed by token
	nextID     int64
	open       int
	sessions   int
	rejectAuth map[string]bool
}

// NewPaperClient creates a simulated broker
func NewPaperClient(config PaperConfig) *PaperClient {
	if config.StartingBalance <= 0 {
		config.StartingBalance = 10000
	}
	if config.Currency == "" {
		config.Currency = "USD"
	}
	if config.PayoutRate <= 0 {
		config.PayoutRate = 0.095
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}

	return &PaperClient{
		config:     config,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(config.Seed)),
		prices:     map[string]float64{"R_10": 6543.21, "R_25": 2345.678, "R_50": 312.4567, "R_75": 45678.91, "R_100": 1234.56},
		balances:   make(map[string]float64),
		contracts:  make(map[int64]*Settlement),
		purchases:  make(map[string][]Purchase),
		nextID:     100000,
		rejectAuth: make(map[string]bool),
	}
}

// SetClock replaces the time source used for tick epochs and purchase times
func (p *PaperClient) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// RejectToken makes future authorizations with token fail
func (p *PaperClient) RejectToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAuth[token] = true
}

// OpenSessions returns the number of sessions not yet closed
func (p *PaperClient) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// TotalSessions returns how many sessions were opened
func (p *PaperClient) TotalSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions
}

// BalanceOf returns the simulated balance of the account behind token
func (p *PaperClient) BalanceOf(token string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[token]; ok {
		return b
	}
	return p.config.StartingBalance
}

// WithSession opens a simulated session, runs fn and always closes it
func (p *PaperClient) WithSession(ctx context.Context, token, accountType string, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindBroker, "broker.connect", err)
	}
	if !ValidAccountType(accountType) {
		return errs.Wrap(errs.KindBroker, "broker.connect", fmt.Errorf("unknown account type %q", accountType))
	}

	p.mu.Lock()
	if token == "" || p.rejectAuth[token] {
		p.mu.Unlock()
		return errs.Wrap(errs.KindBroker, "broker.connect",
			&APIError{Code: "InvalidToken", Message: "The token is invalid."})
	}
	if _, ok := p.balances[token]; !ok {
		p.balances[token] = p.config.StartingBalance
	}
	p.open++
	p.sessions++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
	}()

	prefix := "CR"
	if accountType == AccountDemo {
		prefix = demoLoginPrefix
	}
	return fn(&paperSession{client: p, token: token, loginID: fmt.Sprintf("%s%06d", prefix, len(token))})
}

// step advances symbol by one random-walk tick. Caller holds p.mu.
func (p *PaperClient) step(symbol string) float64 {
	price, ok := p.prices[symbol]
	if !ok {
		price = 1000
	}
	change := (p.rng.Float64() - 0.5) * 0.002
	price = price * (1 + change)
	p.prices[symbol] = price
	return price
}

type paperSession struct {
	client  *PaperClient
	token   string
	loginID string
}

func (s *paperSession) LoginID() string {
	return s.loginID
}

func (s *paperSession) GetBalance(ctx context.Context) (*Balance, error) {
	p := s.client
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Balance{Balance: p.balances[s.token], Currency: p.config.Currency, LoginID: s.loginID}, nil
}

func (s *paperSession) TicksHistory(ctx context.Context, symbol string, count int) ([]Tick, error) {
	if count <= 0 {
		count = 100
	}
	p := s.client
	p.mu.Lock()
	defer p.mu.Unlock()

	end := p.now().Unix()
	ticks := make([]Tick, count)
	for i := 0; i < count; i++ {
		epoch := end - int64((count-1-i)*2)
		ticks[i] = Tick{
			Symbol: symbol,
			Quote:  p.step(symbol),
			Epoch:  epoch,
			Pip:    2,
			Time:   time.Unix(epoch, 0).UTC(),
		}
	}
	return ticks, nil
}

func (s *paperSession) BuyDigitDifferContract(ctx context.Context, req BuyRequest) (*Contract, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindBroker, "broker.buy", err)
	}
	p := s.client
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances[s.token] < req.Amount {
		return nil, errs.Wrap(errs.KindBroker, "broker.buy",
			&APIError{Code: "InsufficientBalance", Message: "Your account balance is insufficient to buy this contract."})
	}

	entry := p.step(req.Symbol)
	var exit float64
	for i := 0; i < req.DurationTicks; i++ {
		exit = p.step(req.Symbol)
	}

	p.nextID++
	id := p.nextID
	p.balances[s.token] -= req.Amount
	balanceAfter := p.balances[s.token]

	payout := req.Amount * (1 + p.config.PayoutRate)
	settlement := &Settlement{ContractID: id, EntrySpot: entry, ExitSpot: exit, IsSold: true}
	if LastDigit(exit, 2) != req.BarrierDigit {
		settlement.Status = ContractWon
		settlement.Profit = payout - req.Amount
		p.balances[s.token] += payout
	} else {
		settlement.Status = ContractLost
		settlement.Profit = -req.Amount
	}
	p.contracts[id] = settlement

	purchased := p.now().UTC()
	p.purchases[s.token] = append(p.purchases[s.token], Purchase{
		ContractID:   id,
		ContractType: "DIGITDIFF",
		BuyPrice:     req.Amount,
		PurchaseTime: purchased,
	})

	return &Contract{
		ContractID:   id,
		BuyPrice:     req.Amount,
		Payout:       payout,
		Balance:      balanceAfter,
		PurchaseTime: purchased,
	}, nil
}

func (s *paperSession) WaitForSettlement(ctx context.Context, contractID int64) (*Settlement, error) {
	return s.ContractStatus(ctx, contractID)
}

func (s *paperSession) ContractStatus(ctx context.Context, contractID int64) (*Settlement, error) {
	p := s.client
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.contracts[contractID]
	if !ok {
		return nil, errs.Wrap(errs.KindBroker, "broker.proposal_open_contract",
			&APIError{Code: "ContractNotFound", Message: fmt.Sprintf("contract %d not found", contractID)})
	}
	cp := *c
	return &cp, nil
}

func (s *paperSession) PurchasesSince(ctx context.Context, since time.Time) ([]Purchase, error) {
	p := s.client
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Purchase
	for _, purchase := range p.purchases[s.token] {
		if !purchase.PurchaseTime.Before(since.Truncate(time.Second)) {
			out = append(out, purchase)
		}
	}
	return out, nil
}
