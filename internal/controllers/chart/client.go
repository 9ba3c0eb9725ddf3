// Package chart drives the trading-chart controller over a websocket
// JSON-RPC connection and captures chart snapshots with headless Chrome.
package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultCallTimeout = 10 * time.Second
	maxMessageBytes    = 1 << 20
)

// Method names understood by the chart controller.
const (
	MethodState        = "chart.state"
	MethodSetSymbol    = "chart.set_symbol"
	MethodSetTimeframe = "chart.set_timeframe"
	MethodAddIndicator = "chart.add_indicator"
)

// ErrClosed is returned by calls after Close.
var ErrClosed = errors.New("chart: client closed")

// Config configures the chart controller client.
type Config struct {
	// URL is the controller websocket endpoint (ws:// or wss://).
	URL string
	// Token is sent as a bearer token on the upgrade request when set.
	Token string
	// CallTimeout bounds a single request/response exchange.
	CallTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Indicator is a study applied to the chart.
type Indicator struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// State is the chart's current view.
type State struct {
	Symbol     string      `json:"symbol"`
	Timeframe  string      `json:"timeframe"`
	LastPrice  float64     `json:"lastPrice,omitempty"`
	Indicators []Indicator `json:"indicators"`
}

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the controller.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chart: rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client over one websocket. The controller is a single
// external service, so calls are serialized: one request is in flight at a
// time. A broken connection is dropped and redialled on the next call.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	timeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	closed bool
}

// NewClient creates a chart controller client. No connection is made until
// the first call.
func NewClient(cfg Config) (*Client, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, fmt.Errorf("chart: url must start with ws:// or wss://")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}
	header := http.Header{}
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return &Client{url: u, header: header, dialer: dialer, timeout: timeout}, nil
}

// Call sends method with params and decodes the result into out (if non-nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	id := c.nextID
	if err := conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params}); err != nil {
		c.drop()
		return c.wrap(ctx, method, err)
	}

	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop()
			return c.wrap(ctx, method, err)
		}
		if resp.ID != id {
			// Notification or a late reply to an abandoned call.
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("chart: decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("chart: connection failed: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	c.conn = conn
	return conn, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) wrap(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("chart: %s: %w", method, ctxErr)
	}
	return fmt.Errorf("chart: %s: connection error: %w", method, err)
}

// Close closes the connection. Further calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.drop()
	return nil
}

// State returns the current chart view.
func (c *Client) State(ctx context.Context) (*State, error) {
	var out State
	if err := c.Call(ctx, MethodState, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetSymbol switches the chart to symbol.
func (c *Client) SetSymbol(ctx context.Context, symbol string) (*State, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("chart: symbol is required")
	}
	var out State
	if err := c.Call(ctx, MethodSetSymbol, map[string]string{"symbol": symbol}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetTimeframe changes the bar interval, e.g. "1m", "1h", "1D".
func (c *Client) SetTimeframe(ctx context.Context, timeframe string) (*State, error) {
	timeframe = strings.TrimSpace(timeframe)
	if timeframe == "" {
		return nil, fmt.Errorf("chart: timeframe is required")
	}
	var out State
	if err := c.Call(ctx, MethodSetTimeframe, map[string]string{"timeframe": timeframe}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddIndicator applies a study to the chart.
func (c *Client) AddIndicator(ctx context.Context, name string, params map[string]any) (*Indicator, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("chart: indicator name is required")
	}
	var out Indicator
	req := map[string]any{"name": name}
	if len(params) > 0 {
		req["params"] = params
	}
	if err := c.Call(ctx, MethodAddIndicator, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
