// rest.go generalizes internal/broker/dhan.go's REST-client shape — a
// configured base URL, a bearer-style auth header, JSON request/response
// bodies, a doRequest helper translating HTTP status into errors — from a
// single broker's fixed endpoint set into a generic client over the eight
// named capabilities of spec.md §6.1. Each capability maps to a fixed,
// vendor-neutral path under the configured base URL (/account, /orders,
// ...) rather than a Dhan route; only base_url and api_key are configurable.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duskline/traderd/internal/risk"
)

// RESTConfig configures a RESTAdapter from JSON.
type RESTConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// RESTAdapter backs all eight capabilities with JSON-over-HTTP requests
// against a single configured endpoint, retrying transient failures through
// a shared risk.Breaker per spec §4.8.
type RESTAdapter struct {
	cfg     RESTConfig
	client  *http.Client
	breaker *risk.Breaker
}

func init() {
	Registry["rest"] = NewRESTAdapter
}

// NewRESTAdapter builds a RESTAdapter from JSON config, registered under
// the name "rest".
func NewRESTAdapter(configJSON []byte) (Set, error) {
	var cfg RESTConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("rest adapter: parse config: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest adapter: base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rest adapter: api_key is required")
	}
	return &RESTAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// WithBreaker attaches a shared failure breaker to the adapter's retries.
func (r *RESTAdapter) WithBreaker(b *risk.Breaker) *RESTAdapter {
	r.breaker = b
	return r
}

func (r *RESTAdapter) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	url := r.cfg.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("authentication failed (401)")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429)")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("tool endpoint error %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (r *RESTAdapter) GetAccount(ctx context.Context) (Account, error) {
	var acc Account
	err := withRetry(ctx, r.breaker, "get_account", func() error {
		return r.doRequest(ctx, http.MethodGet, "/account", nil, &acc)
	})
	return acc, err
}

func (r *RESTAdapter) GetPositions(ctx context.Context) ([]PositionView, error) {
	var positions []PositionView
	err := withRetry(ctx, r.breaker, "get_positions", func() error {
		return r.doRequest(ctx, http.MethodGet, "/positions", nil, &positions)
	})
	return positions, err
}

func (r *RESTAdapter) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	err := withRetry(ctx, r.breaker, "get_latest_quote", func() error {
		return r.doRequest(ctx, http.MethodGet, "/quotes/latest?symbol="+symbol, nil, &q)
	})
	return q, err
}

func (r *RESTAdapter) GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error) {
	req := struct {
		Symbols []string  `json:"symbols"`
		From    time.Time `json:"from"`
		To      time.Time `json:"to"`
	}{symbols, from, to}

	bars := make(map[string][]Bar)
	err := withRetry(ctx, r.breaker, "get_daily_bars", func() error {
		return r.doRequest(ctx, http.MethodPost, "/bars/daily", req, &bars)
	})
	return bars, err
}

func (r *RESTAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error) {
	body := struct {
		Symbol        string    `json:"symbol"`
		Qty           float64   `json:"qty"`
		Side          Side      `json:"side"`
		Type          OrderType `json:"type"`
		LimitPrice    float64   `json:"limit_price,omitempty"`
		ExtendedHours bool      `json:"extended_hours"`
	}{req.Symbol, req.Qty, req.Side, req.Type, req.LimitPrice, req.ExtendedHours}

	var ack OrderAck
	// PlaceOrder is never retried transparently here: a retried order
	// submission that actually succeeded server-side would double-fill.
	err := r.doRequest(ctx, http.MethodPost, "/orders", body, &ack)
	if err != nil && r.breaker != nil {
		r.breaker.RecordFailure(risk.FailureEvent{Capability: "place_order", Err: err})
	} else if r.breaker != nil {
		r.breaker.RecordSuccess()
	}
	return ack, err
}

func (r *RESTAdapter) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]ClosedPosition, error) {
	body := struct {
		CancelOrders bool `json:"cancel_orders"`
	}{cancelOrders}

	var closed []ClosedPosition
	err := withRetry(ctx, r.breaker, "close_all_positions", func() error {
		return r.doRequest(ctx, http.MethodPost, "/positions/close_all", body, &closed)
	})
	return closed, err
}

func (r *RESTAdapter) ComputeIndicators(ctx context.Context, symbol string, window int) ([]byte, error) {
	var raw json.RawMessage
	err := withRetry(ctx, r.breaker, "compute_indicators", func() error {
		return r.doRequest(ctx, http.MethodGet, fmt.Sprintf("/indicators?symbol=%s&window=%d", symbol, window), nil, &raw)
	})
	return raw, err
}

func (r *RESTAdapter) MarketClock(ctx context.Context) (MarketClock, error) {
	var clock MarketClock
	err := withRetry(ctx, r.breaker, "market_clock", func() error {
		return r.doRequest(ctx, http.MethodGet, "/clock", nil, &clock)
	})
	return clock, err
}
