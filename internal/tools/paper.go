// paper.go adapts internal/broker/paper.go's in-memory simulated broker into
// a tools.Set implementing all eight capabilities. Orders still fill
// immediately, same simplification the teacher made (market orders at the
// seeded quote's mid price, limit orders at the limit price);
// account/quote/bar/indicator/clock reads are served from an in-memory book
// the caller seeds, since there is no live feed behind paper mode.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/duskline/traderd/internal/indicators"
)

// PaperBook is the seedable in-memory market data the PaperAdapter reads
// from for quotes, bars, and indicator computation.
type PaperBook struct {
	Quotes map[string]Quote
	Bars   map[string][]Bar
	Clock  MarketClock
}

type paperHolding struct {
	Qty          float64
	AveragePrice float64
	LastPrice    float64
}

// PaperAdapter simulates every capability against an in-memory book and
// ledger. Safe for concurrent use.
type PaperAdapter struct {
	mu       sync.Mutex
	cash     float64
	holdings map[string]*paperHolding
	book     PaperBook
	nextID   int
}

// NewPaperAdapter creates a paper adapter seeded with initialCapital and a
// market data book (quotes/bars/clock) the scanner and agent will read.
func NewPaperAdapter(initialCapital float64, book PaperBook) *PaperAdapter {
	return &PaperAdapter{
		cash:     initialCapital,
		holdings: make(map[string]*paperHolding),
		book:     book,
	}
}

func (p *PaperAdapter) GetAccount(_ context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.cash
	for symbol, h := range p.holdings {
		lastPrice := h.LastPrice
		if q, ok := p.book.Quotes[symbol]; ok {
			lastPrice = (q.Bid + q.Ask) / 2
		}
		equity += h.Qty * lastPrice
	}

	return Account{
		Equity:      equity,
		Cash:        p.cash,
		BuyingPower: p.cash,
	}, nil
}

func (p *PaperAdapter) GetPositions(_ context.Context) ([]PositionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]PositionView, 0, len(p.holdings))
	for symbol, h := range p.holdings {
		lastPrice := h.LastPrice
		if q, ok := p.book.Quotes[symbol]; ok {
			lastPrice = (q.Bid + q.Ask) / 2
		}
		unrealized := (lastPrice - h.AveragePrice) * h.Qty
		var unrealizedPct float64
		if h.AveragePrice != 0 {
			unrealizedPct = unrealized / (h.AveragePrice * h.Qty)
		}
		positions = append(positions, PositionView{
			Symbol:          symbol,
			Qty:             h.Qty,
			AvgEntryPrice:   h.AveragePrice,
			UnrealizedPL:    unrealized,
			UnrealizedPLPct: unrealizedPct,
		})
	}
	return positions, nil
}

func (p *PaperAdapter) GetLatestQuote(_ context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.book.Quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("paper adapter: no quote seeded for %s", symbol)
	}
	return q, nil
}

func (p *PaperAdapter) GetDailyBars(_ context.Context, symbols []string, from, to time.Time) (map[string][]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]Bar, len(symbols))
	for _, symbol := range symbols {
		var filtered []Bar
		for _, bar := range p.book.Bars[symbol] {
			if !bar.TS.Before(from) && !bar.TS.After(to) {
				filtered = append(filtered, bar)
			}
		}
		out[symbol] = filtered
	}
	return out, nil
}

// PlaceOrder fills immediately: a market order at the mid of the seeded
// quote (or at LimitPrice if no quote is seeded), a limit order at the
// supplied limit price, identical simplification to the teacher's
// PaperBroker.PlaceOrder.
func (p *PaperAdapter) PlaceOrder(_ context.Context, req PlaceOrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	orderID := fmt.Sprintf("PAPER-%d", p.nextID)

	fillPrice := req.LimitPrice
	if req.Type == OrderTypeMarket {
		if q, ok := p.book.Quotes[req.Symbol]; ok {
			fillPrice = (q.Bid + q.Ask) / 2
		}
	}

	cost := fillPrice * req.Qty

	switch req.Side {
	case SideBuy:
		if cost > p.cash {
			return OrderAck{OrderID: orderID, Status: "rejected"}, nil
		}
		p.cash -= cost
		if h, exists := p.holdings[req.Symbol]; exists {
			totalQty := h.Qty + req.Qty
			h.AveragePrice = (h.AveragePrice*h.Qty + fillPrice*req.Qty) / totalQty
			h.Qty = totalQty
			h.LastPrice = fillPrice
		} else {
			p.holdings[req.Symbol] = &paperHolding{Qty: req.Qty, AveragePrice: fillPrice, LastPrice: fillPrice}
		}
	case SideSell:
		h, exists := p.holdings[req.Symbol]
		if !exists || h.Qty < req.Qty {
			return OrderAck{OrderID: orderID, Status: "rejected"}, nil
		}
		p.cash += fillPrice * req.Qty
		h.Qty -= req.Qty
		h.LastPrice = fillPrice
		if h.Qty == 0 {
			delete(p.holdings, req.Symbol)
		}
	}

	return OrderAck{OrderID: orderID, Status: "filled"}, nil
}

// CloseAllPositions liquidates every open holding at its last seeded quote.
func (p *PaperAdapter) CloseAllPositions(_ context.Context, _ bool) ([]ClosedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := make([]ClosedPosition, 0, len(p.holdings))
	for symbol, h := range p.holdings {
		lastPrice := h.LastPrice
		if q, ok := p.book.Quotes[symbol]; ok {
			lastPrice = (q.Bid + q.Ask) / 2
		}
		p.cash += lastPrice * h.Qty
		closed = append(closed, ClosedPosition{Symbol: symbol, Result: "closed"})
		delete(p.holdings, symbol)
	}
	return closed, nil
}

// ComputeIndicators computes indicators locally from the seeded bar book,
// the same fallback path internal/scanner uses when no external capability
// is configured.
func (p *PaperAdapter) ComputeIndicators(_ context.Context, symbol string, window int) ([]byte, error) {
	p.mu.Lock()
	bars := p.book.Bars[symbol]
	p.mu.Unlock()

	if window > 0 && window < len(bars) {
		bars = bars[len(bars)-window:]
	}

	candles := make([]indicators.Candle, len(bars))
	for i, b := range bars {
		candles[i] = indicators.Candle{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}

	snapshot := indicators.Compute(candles)
	return json.Marshal(snapshot)
}

func (p *PaperAdapter) MarketClock(_ context.Context) (MarketClock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.book.Clock, nil
}
