// Package sim implements a deterministic in-memory broker.Broker used as
// the default runner backend and in tests. Orders fill immediately, in
// Submit, at the price the caller supplies via SetFillPrice (or the
// intent's limit price, or 0 for a market order with no configured price).
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"policygate-capital/internal/broker"
	"policygate-capital/internal/model"
)

// Broker is a deterministic, single-process broker for testing and for
// running the stream pipeline without a real venue. It is safe for
// concurrent use.
type Broker struct {
	mu          sync.Mutex
	nextOrderID int
	fillPrices  map[string]float64 // symbol -> price used for immediate fills
	filled      map[string]bool    // orderID -> already reported as a fill
	orders      map[string]broker.OrderView
	pending     []broker.Fill
}

// New returns a sim broker with no configured fill prices; orders for
// symbols with no configured price and no limit price fill at 0.
func New() *Broker {
	return &Broker{
		fillPrices: make(map[string]float64),
		filled:     make(map[string]bool),
		orders:     make(map[string]broker.OrderView),
	}
}

// SetFillPrice configures the price at which market orders for symbol
// fill. Limit orders always fill at their own limit price regardless of
// this setting.
func (b *Broker) SetFillPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillPrices[symbol] = price
}

// Submit immediately fills the order and queues a Fill for the next
// PollFills call.
func (b *Broker) Submit(_ context.Context, intent model.OrderIntent) (broker.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextOrderID++
	orderID := fmt.Sprintf("sim-%d", b.nextOrderID)

	price := b.fillPrices[intent.Instrument.Symbol]
	if intent.LimitPrice != nil {
		price = *intent.LimitPrice
	}

	b.orders[orderID] = broker.OrderView{OrderID: orderID, Status: broker.StatusFilled}
	b.pending = append(b.pending, broker.Fill{
		IntentID:  intent.IntentID,
		OrderID:   orderID,
		Symbol:    intent.Instrument.Symbol,
		Side:      intent.Side,
		Qty:       intent.Qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
	})

	return broker.SubmitResult{OrderID: orderID, Status: broker.StatusFilled}, nil
}

// Cancel marks a still-open order cancelled. The sim broker fills
// synchronously in Submit, so every order it knows is already filled and
// Cancel reports StatusFilled for it without changing it; an unknown
// order id is an error. It is provided for interface completeness.
func (b *Broker) Cancel(_ context.Context, orderID string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	view, ok := b.orders[orderID]
	if !ok {
		return "", fmt.Errorf("sim: unknown order %s", orderID)
	}
	if view.Status == broker.StatusFilled {
		return view.Status, nil
	}
	view.Status = broker.StatusCancelled
	b.orders[orderID] = view
	return view.Status, nil
}

// PollFills drains and returns every fill queued since the last call,
// filtered to the requested order IDs.
func (b *Broker) PollFills(_ context.Context, openOrderIDs []string) ([]broker.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := make(map[string]bool, len(openOrderIDs))
	for _, id := range openOrderIDs {
		want[id] = true
	}

	var matched, rest []broker.Fill
	for _, f := range b.pending {
		if want[f.OrderID] && !b.filled[f.OrderID] {
			matched = append(matched, f)
			b.filled[f.OrderID] = true
		} else {
			rest = append(rest, f)
		}
	}
	b.pending = rest
	return matched, nil
}

// GetOrder returns the order's current status.
func (b *Broker) GetOrder(_ context.Context, orderID string) (broker.OrderView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	view, ok := b.orders[orderID]
	if !ok {
		return broker.OrderView{}, fmt.Errorf("sim: unknown order %s", orderID)
	}
	return view, nil
}
