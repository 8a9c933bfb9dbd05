package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"digit-trading-bot/internal/errs"
)

// ErrConnectionClosed is returned for requests on a disconnected Conn
var ErrConnectionClosed = errors.New("broker connection closed")

// frame is one inbound message, keyed by the req_id we sent
type frame struct {
	MsgType string    `json:"msg_type"`
	ReqID   int64     `json:"req_id"`
	Error   *APIError `json:"error,omitempty"`
	raw     []byte
}

// Conn is one authorized WebSocket connection. A single reader goroutine
// routes responses to waiting requests by req_id and discards the rest.
type Conn struct {
	client      *Client
	ws          *websocket.Conn
	accountType string
	loginID     string
	logger      zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan frame
	nextID  int64

	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	readErr   error

	lastBeat int64
}

func newConn(client *Client, ws *websocket.Conn, accountType string) *Conn {
	return &Conn{
		client:      client,
		ws:          ws,
		accountType: accountType,
		logger:      client.logger,
		pending:     make(map[int64]chan frame),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
	}
}

// LoginID returns the authorized broker login id
func (c *Conn) LoginID() string {
	return c.loginID
}

// Disconnect closes the connection. Safe to call more than once.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		_ = c.ws.Close()
		<-c.readDone
		c.client.connectionClosed()
	})
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug().Err(err).Msg("Discarding malformed broker frame")
			continue
		}
		f.raw = data

		c.mu.Lock()
		ch, ok := c.pending[f.ReqID]
		c.mu.Unlock()
		if !ok {
			// Unsolicited or late frame
			continue
		}

		select {
		case ch <- f:
		default:
			c.logger.Warn().
				Int64("req_id", f.ReqID).
				Str("msg_type", f.MsgType).
				Msg("Broker response buffer full, dropping frame")
		}

		c.maybeBeat()
	}
}

// maybeBeat refreshes the link heartbeat at most every five seconds
func (c *Conn) maybeBeat() {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&c.lastBeat)
	if now-last < int64(5*time.Second) || !atomic.CompareAndSwapInt64(&c.lastBeat, last, now) {
		return
	}
	go c.client.beat(context.Background(), "healthy", nil, map[string]interface{}{
		"open_connections": c.client.OpenConnections(),
		"idle":             false,
	})
}

func (c *Conn) register(buffer int) (int64, chan frame, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	ch := make(chan frame, buffer)
	c.pending[id] = ch
	return id, ch, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
}

func (c *Conn) send(ctx context.Context, id int64, payload map[string]interface{}) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	if err := c.client.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	msg := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["req_id"] = id

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.client.config.RequestTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(msg)
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, c.readErr)
	}
	return ErrConnectionClosed
}

// await waits for the next frame on ch
func (c *Conn) await(ctx context.Context, ch chan frame) (frame, error) {
	select {
	case f := <-ch:
		if f.Error != nil {
			return f, f.Error
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.readDone:
		return frame{}, c.closedErr()
	case <-c.closed:
		return frame{}, ErrConnectionClosed
	}
}

// call sends one request and decodes its single response into out
func (c *Conn) call(ctx context.Context, payload map[string]interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.client.config.RequestTimeout)
	defer cancel()

	id, ch, release := c.register(1)
	defer release()

	if err := c.send(ctx, id, payload); err != nil {
		return errs.Wrap(errs.KindBroker, "broker.send", err)
	}

	f, err := c.await(ctx, ch)
	if err != nil {
		op := "broker.request"
		if f.MsgType != "" {
			op = "broker." + f.MsgType
		}
		return errs.Wrap(errs.KindBroker, op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(f.raw, out); err != nil {
		return errs.Wrap(errs.KindBroker, "broker.decode", fmt.Errorf("malformed %s response: %w", f.MsgType, err))
	}
	return nil
}

// GetBalance reads the authorized account balance
func (c *Conn) GetBalance(ctx context.Context) (*Balance, error) {
	var resp struct {
		Balance struct {
			Balance  flexFloat `json:"balance"`
			Currency string    `json:"currency"`
			LoginID  string    `json:"loginid"`
		} `json:"balance"`
	}
	if err := c.call(ctx, map[string]interface{}{"balance": 1}, &resp); err != nil {
		return nil, err
	}

	loginID := resp.Balance.LoginID
	if loginID == "" {
		loginID = c.loginID
	}
	return &Balance{
		Balance:  float64(resp.Balance.Balance),
		Currency: resp.Balance.Currency,
		LoginID:  loginID,
	}, nil
}

// TicksHistory returns the last count ticks of symbol, oldest first
func (c *Conn) TicksHistory(ctx context.Context, symbol string, count int) ([]Tick, error) {
	if count <= 0 {
		count = 100
	}

	var resp struct {
		History struct {
			Prices []flexFloat `json:"prices"`
			Times  []int64     `json:"times"`
		} `json:"history"`
		PipSize flexFloat `json:"pip_size"`
	}
	err := c.call(ctx, map[string]interface{}{
		"ticks_history": symbol,
		"count":         count,
		"end":           "latest",
		"style":         "ticks",
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.History.Prices) != len(resp.History.Times) {
		return nil, errs.Wrap(errs.KindBroker, "broker.ticks_history",
			fmt.Errorf("history has %d prices but %d times", len(resp.History.Prices), len(resp.History.Times)))
	}

	pip := int(resp.PipSize)
	ticks := make([]Tick, len(resp.History.Prices))
	for i, p := range resp.History.Prices {
		epoch := resp.History.Times[i]
		ticks[i] = Tick{
			Symbol: symbol,
			Quote:  float64(p),
			Epoch:  epoch,
			Pip:    pip,
			Time:   time.Unix(epoch, 0).UTC(),
		}
	}
	return ticks, nil
}

// BuyDigitDifferContract purchases a DIGITDIFF contract at the stake amount
func (c *Conn) BuyDigitDifferContract(ctx context.Context, req BuyRequest) (*Contract, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindBroker, "broker.buy", err)
	}

	var resp struct {
		Buy struct {
			ContractID   int64     `json:"contract_id"`
			BuyPrice     flexFloat `json:"buy_price"`
			Payout       flexFloat `json:"payout"`
			BalanceAfter flexFloat `json:"balance_after"`
			PurchaseTime int64     `json:"purchase_time"`
		} `json:"buy"`
	}
	err := c.call(ctx, map[string]interface{}{
		"buy":   1,
		"price": req.Amount,
		"parameters": map[string]interface{}{
			"contract_type": "DIGITDIFF",
			"symbol":        req.Symbol,
			"duration":      req.DurationTicks,
			"duration_unit": "t",
			"barrier":       fmt.Sprintf("%d", req.BarrierDigit),
			"amount":        req.Amount,
			"basis":         "stake",
			"currency":      req.Currency,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Buy.ContractID == 0 {
		return nil, errs.New(errs.KindBroker, "broker.buy", "buy response carried no contract id")
	}

	return &Contract{
		ContractID:   resp.Buy.ContractID,
		BuyPrice:     float64(resp.Buy.BuyPrice),
		Payout:       float64(resp.Buy.Payout),
		Balance:      float64(resp.Buy.BalanceAfter),
		PurchaseTime: time.Unix(resp.Buy.PurchaseTime, 0).UTC(),
	}, nil
}

type openContract struct {
	ProposalOpenContract struct {
		ContractID int64     `json:"contract_id"`
		Status     string    `json:"status"`
		IsSold     int       `json:"is_sold"`
		Profit     flexFloat `json:"profit"`
		EntrySpot  flexFloat `json:"entry_spot"`
		EntryTick  flexFloat `json:"entry_tick"`
		ExitTick   flexFloat `json:"exit_tick"`
	} `json:"proposal_open_contract"`
	Subscription struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

func (o openContract) settlement() *Settlement {
	p := o.ProposalOpenContract
	entry := float64(p.EntrySpot)
	if entry == 0 {
		entry = float64(p.EntryTick)
	}
	status := p.Status
	if status == "" {
		status = ContractOpen
	}
	return &Settlement{
		ContractID: p.ContractID,
		Status:     status,
		Profit:     float64(p.Profit),
		EntrySpot:  entry,
		ExitSpot:   float64(p.ExitTick),
		IsSold:     p.IsSold == 1,
	}
}

// ContractStatus polls a contract once
func (c *Conn) ContractStatus(ctx context.Context, contractID int64) (*Settlement, error) {
	var resp openContract
	err := c.call(ctx, map[string]interface{}{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	s := resp.settlement()
	if s.ContractID == 0 {
		s.ContractID = contractID
	}
	return s, nil
}

// PurchasesSince lists buy transactions from the account statement made at
// or after since, oldest first
func (c *Conn) PurchasesSince(ctx context.Context, since time.Time) ([]Purchase, error) {
	var resp struct {
		Statement struct {
			Transactions []struct {
				ActionType      string    `json:"action_type"`
				Amount          flexFloat `json:"amount"`
				ContractID      int64     `json:"contract_id"`
				TransactionTime int64     `json:"transaction_time"`
				Shortcode       string    `json:"shortcode"`
			} `json:"transactions"`
		} `json:"statement"`
	}
	err := c.call(ctx, map[string]interface{}{
		"statement":   1,
		"description": 1,
		"action_type": "buy",
		"date_from":   since.Unix(),
		"limit":       50,
	}, &resp)
	if err != nil {
		return nil, err
	}

	purchases := make([]Purchase, 0, len(resp.Statement.Transactions))
	for _, tx := range resp.Statement.Transactions {
		if tx.ActionType != "" && tx.ActionType != "buy" {
			continue
		}
		if tx.ContractID == 0 {
			continue
		}
		contractType := tx.Shortcode
		if i := strings.IndexByte(contractType, '_'); i >= 0 {
			contractType = contractType[:i]
		}
		price := float64(tx.Amount)
		if price < 0 {
			price = -price
		}
		purchases = append(purchases, Purchase{
			ContractID:   tx.ContractID,
			ContractType: contractType,
			BuyPrice:     price,
			PurchaseTime: time.Unix(tx.TransactionTime, 0).UTC(),
		})
	}
	// the statement is newest first
	sort.SliceStable(purchases, func(i, j int) bool {
		return purchases[i].PurchaseTime.Before(purchases[j].PurchaseTime)
	})
	return purchases, nil
}

// WaitForSettlement subscribes to the contract and returns once it is sold
func (c *Conn) WaitForSettlement(ctx context.Context, contractID int64) (*Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.config.SettlementTimeout)
	defer cancel()

	id, ch, release := c.register(16)
	defer release()

	err := c.send(ctx, id, map[string]interface{}{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
		"subscribe":              1,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindBroker, "broker.send", err)
	}

	var subscriptionID string
	defer func() {
		if subscriptionID != "" {
			c.forget(subscriptionID)
		}
	}()

	for {
		f, err := c.await(ctx, ch)
		if err != nil {
			return nil, errs.Wrap(errs.KindBroker, "broker.settlement",
				fmt.Errorf("contract %d: %w", contractID, err))
		}

		var update openContract
		if err := json.Unmarshal(f.raw, &update); err != nil {
			c.logger.Debug().Err(err).Int64("contract_id", contractID).Msg("Skipping malformed contract update")
			continue
		}
		if update.Subscription.ID != "" {
			subscriptionID = update.Subscription.ID
		}

		s := update.settlement()
		if s.ContractID == 0 {
			s.ContractID = contractID
		}
		if s.Settled() {
			return s, nil
		}
	}
}

// forget cancels a subscription without waiting for the acknowledgement
func (c *Conn) forget(subscriptionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if err := c.send(ctx, id, map[string]interface{}{"forget": subscriptionID}); err != nil {
		c.logger.Debug().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to forget subscription")
	}
}
