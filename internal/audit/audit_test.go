package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"policygate-capital/internal/model"
)

func sampleEvent(intentID string) Event {
	return Event{
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		PolicyHash: "abc123",
		Intent: model.OrderIntent{
			IntentID:   intentID,
			StrategyID: "strat-1",
			Instrument: model.Instrument{Symbol: "AAPL"},
			Side:       model.SideBuy,
			OrderType:  model.OrderTypeMarket,
			Qty:        10,
		},
		Portfolio: model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000},
		Market:    model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200}},
		Execution: model.ExecutionState{},
		Decision: model.Decision{
			Decision: model.VerdictAllow,
			IntentID: intentID,
		},
	}
}

func TestWriteThenReadAllRoundTrips(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, id := range []string{"i1", "i2", "i3"} {
		if err := w.Write(sampleEvent(id)); err != nil {
			t.Fatalf("Write(%s): %v", id, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []string{"i1", "i2", "i3"} {
		if events[i].Intent.IntentID != want {
			t.Fatalf("event[%d].Intent.IntentID = %s, want %s", i, events[i].Intent.IntentID, want)
		}
		if events[i].EventID == "" {
			t.Fatalf("event[%d] missing generated event_id", i)
		}
	}
}

func TestWriteAssignsUniqueEventIDs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write(sampleEvent("i1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(sampleEvent("i2")); err != nil {
		t.Fatal(err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if events[0].EventID == events[1].EventID {
		t.Fatal("expected distinct event_id values")
	}
}

func TestReadAllToleratesTruncatedTrailingLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(sampleEvent("i1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: append a partial JSON line with no
	// trailing newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"event_id":"broken","intent":{"intent_`); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll should tolerate a truncated trailing line: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (truncated line dropped)", len(events))
	}
}

func TestReadAllRejectsCorruptNonTrailingLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	if err := os.WriteFile(path, []byte("not json at all\n{\"event_id\":\"i2\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadAll(path); err == nil {
		t.Fatal("expected an error for a malformed non-trailing line")
	}
}
