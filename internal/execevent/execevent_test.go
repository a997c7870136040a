package execevent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"policygate-capital/internal/model"
)

func TestSubmittedCarriesIntentFields(t *testing.T) {
	t.Parallel()
	intent := model.OrderIntent{
		IntentID:   "i1",
		Instrument: model.Instrument{Symbol: "AAPL"},
		Side:       model.SideBuy,
		OrderType:  model.OrderTypeMarket,
		Qty:        10,
	}
	evt := Submitted(intent, "order-1", "run-1", "hash-1")
	if evt.Event != KindOrderSubmitted {
		t.Fatalf("event = %s, want ORDER_SUBMITTED", evt.Event)
	}
	if evt.Symbol != "AAPL" || evt.Side != model.SideBuy || evt.Qty != 10 || evt.OrderType != model.OrderTypeMarket {
		t.Fatalf("unexpected fields: %+v", evt)
	}
	if evt.Price != 0 {
		t.Fatalf("submitted event should not carry a fill price, got %v", evt.Price)
	}
}

func TestFilledCarriesPrice(t *testing.T) {
	t.Parallel()
	evt := Filled("i1", "order-1", "AAPL", model.SideBuy, 10, 201.5, "run-1", "hash-1")
	if evt.Event != KindOrderFilled {
		t.Fatalf("event = %s, want ORDER_FILLED", evt.Event)
	}
	if evt.Price != 201.5 {
		t.Fatalf("price = %v, want 201.5", evt.Price)
	}
}

func TestRejectedAllowsEmptyOrderID(t *testing.T) {
	t.Parallel()
	evt := Rejected("i1", "", "run-1", "hash-1")
	if evt.Event != KindOrderRejected {
		t.Fatalf("event = %s, want ORDER_REJECTED", evt.Event)
	}
	if evt.OrderID != "" {
		t.Fatalf("order_id = %q, want empty", evt.OrderID)
	}
}

func TestWriterAppendsJSONLLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "exec.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(Submitted(model.OrderIntent{IntentID: "i1", Instrument: model.Instrument{Symbol: "AAPL"}, Side: model.SideBuy, OrderType: model.OrderTypeMarket, Qty: 5}, "order-1", "run-1", "hash-1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(Filled("i1", "order-1", "AAPL", model.SideBuy, 5, 200, "run-1", "hash-1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := splitNonEmptyLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first line: %v", err)
	}
	if first.Event != KindOrderSubmitted {
		t.Fatalf("first event = %s, want ORDER_SUBMITTED", first.Event)
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
