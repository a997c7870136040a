package runner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"policygate-capital/internal/audit"
	"policygate-capital/internal/broker/sim"
	"policygate-capital/internal/engine"
	"policygate-capital/internal/execevent"
	"policygate-capital/internal/model"
	"policygate-capital/internal/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const runnerPolicyYAML = `
version: "0.1"
timezone: "UTC"
defaults: {mode: enforce, decision: deny}
limits:
  exposure: {max_position_pct: 0.10, max_gross_exposure_x: 5.0, max_net_exposure_x: null}
  loss: {daily_loss_limit_pct: 0.50, max_drawdown_pct: 0.05}
  execution: {max_orders_per_minute_global: 20, max_orders_per_minute_by_strategy: 20}
  kill_switch: {trip_on_rules: ["LOSS-002"], trip_after_n_violations: 3, violation_window_seconds: 300}
overrides: {symbols: {}, strategies: {}}
`

func newTestRunner(t *testing.T, policyYAML string) (*StreamRunner, *sim.Broker) {
	t.Helper()
	pol, err := policy.LoadBytes([]byte(policyYAML))
	if err != nil {
		t.Fatalf("policy.LoadBytes: %v", err)
	}
	eng := engine.NewFromPolicy(pol, discardLogger())
	brk := sim.New()
	brk.SetFillPrice("AAPL", 200.0)

	dir := t.TempDir()
	auditLog, err := audit.NewWriter(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit.NewWriter: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	execLog, err := execevent.NewWriter(filepath.Join(dir, "exec.jsonl"))
	if err != nil {
		t.Fatalf("execevent.NewWriter: %v", err)
	}
	t.Cleanup(func() { execLog.Close() })

	return New(eng, brk, auditLog, execLog, discardLogger()), brk
}

func runnerIntent(id string, qty float64) model.OrderIntent {
	return model.OrderIntent{
		IntentID:   id,
		StrategyID: "strat-1",
		Instrument: model.Instrument{Symbol: "AAPL"},
		Side:       model.SideBuy,
		OrderType:  model.OrderTypeMarket,
		Qty:        qty,
	}
}

func TestRunAllowsAndFillsOrdinaryIntent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, runnerPolicyYAML)

	portfolio := &model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 10)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["ALLOW"] != 1 {
		t.Fatalf("decisions = %+v, want 1 ALLOW", summary.Decisions)
	}
	if summary.OrdersSubmitted != 1 || summary.OrdersFilled != 1 {
		t.Fatalf("summary = %+v, want 1 submitted and 1 filled", summary)
	}
	if portfolio.Positions["AAPL"] != 10 {
		t.Fatalf("position AAPL = %v, want 10", portfolio.Positions["AAPL"])
	}
	wantEquity := 100000.0 - 10*200.0
	if portfolio.Equity != wantEquity {
		t.Fatalf("equity = %v, want %v", portfolio.Equity, wantEquity)
	}
}

func TestRunModifiesOversizedIntent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, runnerPolicyYAML)

	portfolio := &model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 100)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["MODIFY"] != 1 {
		t.Fatalf("decisions = %+v, want 1 MODIFY", summary.Decisions)
	}
	// max_position_pct=0.10 -> allowed_qty = 100000*0.10/200 = 50
	if portfolio.Positions["AAPL"] != 50 {
		t.Fatalf("position AAPL = %v, want 50 (modified down from 100)", portfolio.Positions["AAPL"])
	}
}

func TestRunDenyDoesNotReachBroker(t *testing.T) {
	t.Parallel()
	r, brk := newTestRunner(t, runnerPolicyYAML)

	// Equity already below the drawdown limit -> LOSS-002 fires -> DENY.
	portfolio := &model.PortfolioState{Equity: 94000, StartOfDayEquity: 94000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 10)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["DENY"] != 1 {
		t.Fatalf("decisions = %+v, want 1 DENY", summary.Decisions)
	}
	if summary.OrdersSubmitted != 0 {
		t.Fatalf("orders_submitted = %d, want 0 for a denied intent", summary.OrdersSubmitted)
	}
	if !execution.KillSwitchActive {
		t.Fatal("expected kill switch to hard-trip on LOSS-002")
	}
	_ = brk
}

func TestRunKillSwitchStaysActiveAndDeniesSubsequentIntents(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, runnerPolicyYAML)

	portfolio := &model.PortfolioState{Equity: 94000, StartOfDayEquity: 94000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	intents := []model.OrderIntent{runnerIntent("i1", 10), runnerIntent("i2", 5)}
	summary, err := r.Run(context.Background(), intents, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["DENY"] != 2 {
		t.Fatalf("decisions = %+v, want 2 DENY (kill switch stays active)", summary.Decisions)
	}
	if summary.RuleHistogram["KILL-001"] == 0 {
		t.Fatalf("rule_histogram = %+v, want KILL-001 to have fired for the second intent", summary.RuleHistogram)
	}
}

func TestRunMonitorModeStillFillsDespiteViolation(t *testing.T) {
	t.Parallel()
	monitorYAML := `
version: "0.1"
timezone: "UTC"
defaults: {mode: monitor, decision: deny}
limits:
  exposure: {max_position_pct: 0.10, max_gross_exposure_x: 5.0, max_net_exposure_x: null}
  loss: {daily_loss_limit_pct: 0.50, max_drawdown_pct: 0.05}
  execution: {max_orders_per_minute_global: 20, max_orders_per_minute_by_strategy: 20}
  kill_switch: {trip_on_rules: ["LOSS-002"], trip_after_n_violations: 3, violation_window_seconds: 300}
overrides: {symbols: {}, strategies: {}}
`
	r, _ := newTestRunner(t, monitorYAML)

	portfolio := &model.PortfolioState{Equity: 94000, StartOfDayEquity: 94000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 10)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["ALLOW"] != 1 {
		t.Fatalf("decisions = %+v, want 1 ALLOW in monitor mode", summary.Decisions)
	}
	if summary.OrdersSubmitted != 1 {
		t.Fatalf("orders_submitted = %d, want 1 (monitor mode still executes)", summary.OrdersSubmitted)
	}
	if !execution.KillSwitchActive {
		t.Fatal("expected kill_switch_active even though monitor mode allowed the trade")
	}
}

func TestRunDeniesOnMissingPriceEvenInMonitorMode(t *testing.T) {
	t.Parallel()
	monitorYAML := `
version: "0.1"
timezone: "UTC"
defaults: {mode: monitor, decision: deny}
limits:
  exposure: {max_position_pct: 1.0, max_gross_exposure_x: 5.0, max_net_exposure_x: null}
  loss: {daily_loss_limit_pct: 0.05, max_drawdown_pct: 0.05}
  execution: {max_orders_per_minute_global: 20, max_orders_per_minute_by_strategy: 20}
  kill_switch: {trip_on_rules: [], trip_after_n_violations: 3, violation_window_seconds: 300}
overrides: {symbols: {}, strategies: {}}
`
	r, _ := newTestRunner(t, monitorYAML)

	portfolio := &model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{}} // no AAPL price
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 10)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["DENY"] != 1 {
		t.Fatalf("decisions = %+v, want 1 DENY (SYS-001 fails closed even in monitor mode)", summary.Decisions)
	}
}

func TestRunThrottleDeniesWhenGlobalRateExceeded(t *testing.T) {
	t.Parallel()
	throttleYAML := `
version: "0.1"
timezone: "UTC"
defaults: {mode: enforce, decision: deny}
limits:
  exposure: {max_position_pct: 1.0, max_gross_exposure_x: 5.0, max_net_exposure_x: null}
  loss: {daily_loss_limit_pct: 0.50, max_drawdown_pct: 0.50}
  execution: {max_orders_per_minute_global: 1, max_orders_per_minute_by_strategy: 20}
  kill_switch: {trip_on_rules: [], trip_after_n_violations: 10, violation_window_seconds: 300}
overrides: {symbols: {}, strategies: {}}
`
	r, _ := newTestRunner(t, throttleYAML)

	portfolio := &model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	intents := []model.OrderIntent{runnerIntent("i1", 1), runnerIntent("i2", 1)}
	summary, err := r.Run(context.Background(), intents, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Decisions["ALLOW"] != 1 || summary.Decisions["DENY"] != 1 {
		t.Fatalf("decisions = %+v, want 1 ALLOW then 1 DENY (EXEC-001 throttle)", summary.Decisions)
	}
	if summary.RuleHistogram["EXEC-001"] != 1 {
		t.Fatalf("rule_histogram = %+v, want EXEC-001 to have fired once", summary.RuleHistogram)
	}
}

func TestRunReturnsSummaryWithRunID(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, runnerPolicyYAML)

	portfolio := &model.PortfolioState{Equity: 100000, StartOfDayEquity: 100000, PeakEquity: 100000, Positions: map[string]float64{}}
	market := &model.MarketSnapshot{Prices: map[string]float64{"AAPL": 200.0}}
	execution := &model.ExecutionState{OrdersLastMinuteByStrategy: map[string]int{}}

	summary, err := r.Run(context.Background(), []model.OrderIntent{runnerIntent("i1", 10)}, portfolio, market, execution)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.RunID == "" {
		t.Fatal("expected a generated run_id")
	}
	if summary.TotalIntents != 1 {
		t.Fatalf("total_intents = %d, want 1", summary.TotalIntents)
	}
}
