// Package execevent records broker-facing lifecycle events (order
// submitted, filled, rejected) to their own append-only JSONL sink,
// separate from the audit log.
package execevent

import (
	"fmt"
	"os"
	"sync"
	"time"

	"policygate-capital/internal/canonical"
	"policygate-capital/internal/model"
)

// Kind is the execution event type.
type Kind string

const (
	KindOrderSubmitted Kind = "ORDER_SUBMITTED"
	KindOrderFilled    Kind = "ORDER_FILLED"
	KindOrderRejected  Kind = "ORDER_REJECTED"
)

// Event is one broker-facing lifecycle record. Fields are populated
// according to Kind: OrderType only accompanies ORDER_SUBMITTED, Price
// only accompanies ORDER_FILLED.
type Event struct {
	Timestamp  time.Time       `json:"ts"`
	Event      Kind            `json:"event"`
	IntentID   string          `json:"intent_id"`
	OrderID    string          `json:"order_id"`
	RunID      string          `json:"run_id,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Side       model.Side      `json:"side,omitempty"`
	Qty        float64         `json:"qty,omitempty"`
	OrderType  model.OrderType `json:"order_type,omitempty"`
	Price      float64         `json:"price,omitempty"`
}

// Submitted builds an ORDER_SUBMITTED event for a successfully placed order.
func Submitted(intent model.OrderIntent, orderID, runID, policyHash string) Event {
	return Event{
		Event:      KindOrderSubmitted,
		IntentID:   intent.IntentID,
		OrderID:    orderID,
		RunID:      runID,
		PolicyHash: policyHash,
		Symbol:     intent.Instrument.Symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		OrderType:  intent.OrderType,
	}
}

// Filled builds an ORDER_FILLED event from a broker fill.
func Filled(intentID, orderID, symbol string, side model.Side, qty, price float64, runID, policyHash string) Event {
	return Event{
		Event:      KindOrderFilled,
		IntentID:   intentID,
		OrderID:    orderID,
		RunID:      runID,
		PolicyHash: policyHash,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		Price:      price,
	}
}

// Rejected builds an ORDER_REJECTED event. orderID is "" when the broker
// raised before an order_id was assigned.
func Rejected(intentID, orderID, runID, policyHash string) Event {
	return Event{
		Event:      KindOrderRejected,
		IntentID:   intentID,
		OrderID:    orderID,
		RunID:      runID,
		PolicyHash: policyHash,
	}
}

// Writer appends Events to a JSONL file, one canonical line per call.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (creating if necessary) the execution event log at path
// for appending.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("execevent: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Write stamps evt.Timestamp if unset, appends its canonical JSON encoding
// followed by a newline, and fsyncs before returning.
func (w *Writer) Write(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	line, err := canonical.MarshalLine(evt)
	if err != nil {
		return fmt.Errorf("execevent: encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("execevent: write event: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
