// Package tools defines the eight consumed tool capabilities (spec §6.1):
// the named, transport-agnostic request/response contracts the agent
// supervisor and pre-market scanner drive, and nothing more. The core never
// implements execution or market data itself — it only calls these.
//
// Grounded on the teacher's internal/broker package: one Go interface per
// concern, a name→factory Registry, and a stateless contract between the
// engine and whatever backs it. The teacher's Broker interface bundled
// account/order/position concerns into a single interface; this spec names
// eight capabilities (including market data and indicators that the
// teacher's broker layer never touched), so each concern gets its own
// interface (place_order and close_all_positions share OrderCapability).
// The Registry maps an adapter name to a factory for a whole Set, so every
// capability in a Set comes from the same adapter.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Account is the response contract for get_account.
type Account struct {
	Equity           float64 `json:"equity"`
	Cash             float64 `json:"cash"`
	BuyingPower      float64 `json:"buying_power"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	TradingBlocked   bool    `json:"trading_blocked"`
}

// PositionView is one entry of get_positions' response.
type PositionView struct {
	Symbol          string  `json:"symbol"`
	Qty             float64 `json:"qty"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	UnrealizedPL    float64 `json:"unrealized_pl"`
	UnrealizedPLPct float64 `json:"unrealized_plpc"`
}

// Quote is the response contract for get_latest_quote.
type Quote struct {
	Bid float64   `json:"bid"`
	Ask float64   `json:"ask"`
	TS  time.Time `json:"ts"`
}

// Bar is a single OHLCV entry in get_daily_bars' response.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
}

// Side is the order side accepted by place_order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order type accepted by place_order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// PlaceOrderRequest is the request contract for place_order.
type PlaceOrderRequest struct {
	Symbol         string
	Qty            float64
	Side           Side
	Type           OrderType
	LimitPrice     float64
	ExtendedHours  bool
}

// OrderAck is the response contract for place_order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// ClosedPosition is one entry of close_all_positions' response.
type ClosedPosition struct {
	Symbol string `json:"symbol"`
	Result string `json:"result"`
}

// MarketClock is the response contract for market_clock.
type MarketClock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// AccountCapability backs get_account.
type AccountCapability interface {
	GetAccount(ctx context.Context) (Account, error)
}

// PositionsCapability backs get_positions.
type PositionsCapability interface {
	GetPositions(ctx context.Context) ([]PositionView, error)
}

// QuoteCapability backs get_latest_quote.
type QuoteCapability interface {
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}

// BarsCapability backs get_daily_bars.
type BarsCapability interface {
	GetDailyBars(ctx context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error)
}

// OrderCapability backs place_order and close_all_positions.
type OrderCapability interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error)
	CloseAllPositions(ctx context.Context, cancelOrders bool) ([]ClosedPosition, error)
}

// IndicatorsCapability backs compute_indicators. The response is opaque to
// the core — it is attached verbatim as a watchlist entry's indicators blob.
type IndicatorsCapability interface {
	ComputeIndicators(ctx context.Context, symbol string, window int) ([]byte, error)
}

// ClockCapability backs market_clock.
type ClockCapability interface {
	MarketClock(ctx context.Context) (MarketClock, error)
}

// Set bundles every capability an adapter must provide. A Set is what
// internal/agent and internal/scanner actually hold — they never reach for
// a single capability interface directly, since every capability in this
// spec is expected to come from the same broker/data-feed account.
type Set interface {
	AccountCapability
	PositionsCapability
	QuoteCapability
	BarsCapability
	OrderCapability
	IndicatorsCapability
	ClockCapability
}

// Registry maps adapter names to their factory functions, mirroring the
// teacher's broker.Registry name→factory map.
var Registry = map[string]func(configJSON []byte) (Set, error){}

// New creates a capability Set by name using the registry.
func New(name string, configJSON []byte) (Set, error) {
	factory, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("tools: unknown adapter %q, registered: %v", name, registeredNames())
	}
	return factory(configJSON)
}

func registeredNames() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	return names
}
