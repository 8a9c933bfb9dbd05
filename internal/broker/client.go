package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"digit-trading-bot/internal/errs"
)

// Config holds the Deriv connection settings
type Config struct {
	AppID             string
	DemoEndpoint      string
	RealEndpoint      string
	RequestTimeout    time.Duration
	SettlementTimeout time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client dials short-lived authorized connections. It holds no connection
// itself; the outbound rate limiter is shared by every Conn it creates.
type Client struct {
	config  Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu      sync.RWMutex
	monitor LinkMonitor

	openConns int64
}

// NewClient creates a broker client
func NewClient(config Config, logger zerolog.Logger) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.SettlementTimeout <= 0 {
		config.SettlementTimeout = 45 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}

	return &Client{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.RequestTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		logger:  logger.With().Str("component", "broker").Logger(),
	}
}

// SetLinkMonitor registers the heartbeat sink for the broker link
func (c *Client) SetLinkMonitor(m LinkMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor = m
}

// OpenConnections returns the number of connections not yet disconnected
func (c *Client) OpenConnections() int {
	return int(atomic.LoadInt64(&c.openConns))
}

func (c *Client) endpointFor(accountType string) (string, error) {
	var base string
	switch accountType {
	case AccountDemo:
		base = c.config.DemoEndpoint
	case AccountReal:
		base = c.config.RealEndpoint
	default:
		return "", fmt.Errorf("unknown account type %q", accountType)
	}
	if base == "" {
		return "", fmt.Errorf("no endpoint configured for %s accounts", accountType)
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid %s endpoint: %w", accountType, err)
	}
	q := u.Query()
	if c.config.AppID != "" {
		q.Set("app_id", c.config.AppID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint for accountType and authorizes with token.
// The returned Conn must be released with Disconnect.
func (c *Client) Connect(ctx context.Context, token, accountType string) (*Conn, error) {
	conn, err := c.connect(ctx, token, accountType)
	if err != nil {
		c.beat(ctx, "degraded", err, map[string]interface{}{
			"account_type":     accountType,
			"open_connections": c.OpenConnections(),
		})
		return nil, errs.Wrap(errs.KindBroker, "broker.connect", err)
	}

	c.beat(ctx, "healthy", nil, map[string]interface{}{
		"account_type":     accountType,
		"open_connections": c.OpenConnections(),
		"idle":             false,
	})
	return conn, nil
}

func (c *Client) connect(ctx context.Context, token, accountType string) (*Conn, error) {
	if token == "" {
		return nil, fmt.Errorf("empty broker token")
	}
	endpoint, err := c.endpointFor(accountType)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", accountType, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", accountType, err)
	}

	conn := newConn(c, ws, accountType)
	atomic.AddInt64(&c.openConns, 1)
	go conn.readLoop()

	var auth struct {
		Authorize struct {
			LoginID  string    `json:"loginid"`
			Balance  flexFloat `json:"balance"`
			Currency string    `json:"currency"`
		} `json:"authorize"`
	}
	if err := conn.call(ctx, map[string]interface{}{"authorize": token}, &auth); err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("authorize: %w", unwrapBroker(err))
	}
	if err := checkLoginID(accountType, auth.Authorize.LoginID); err != nil {
		conn.Disconnect()
		return nil, err
	}
	conn.loginID = auth.Authorize.LoginID

	c.logger.Debug().
		Str("login_id", conn.loginID).
		Str("account_type", accountType).
		Msg("Broker connection authorized")
	return conn, nil
}

// WithSession connects, runs fn and always disconnects, whatever fn returns
func (c *Client) WithSession(ctx context.Context, token, accountType string, fn func(Session) error) error {
	conn, err := c.Connect(ctx, token, accountType)
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	return fn(conn)
}

func (c *Client) connectionClosed() {
	open := atomic.AddInt64(&c.openConns, -1)
	c.beat(context.Background(), "healthy", nil, map[string]interface{}{
		"open_connections": open,
		"idle":             open == 0,
	})
}

func (c *Client) beat(ctx context.Context, status string, err error, metadata map[string]interface{}) {
	c.mu.RLock()
	m := c.monitor
	c.mu.RUnlock()
	if m == nil {
		return
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if berr := m.Beat(bctx, HeartbeatComponent, status, err, metadata); berr != nil {
		c.logger.Warn().Err(berr).Msg("Failed to write broker heartbeat")
	}
}

// APIError is an error payload returned by the broker
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker rejected request: %s: %s", e.Code, e.Message)
}

// unwrapBroker strips an inner BROKER_ERROR so connect does not double wrap
func unwrapBroker(err error) error {
	if e, ok := err.(*errs.Error); ok && e.Kind == errs.KindBroker {
		return e.Err
	}
	return err
}

// flexFloat accepts both JSON numbers and numeric strings, which the broker mixes
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
