// Package runner drives a sequence of order intents through a
// PolicyEngine and a broker, evolving portfolio and execution state one
// intent at a time.
//
// Run is strictly sequential: evaluate, write the audit event, submit to
// the broker, poll fills, mutate state, update the rolling violation
// window, recheck the kill switch. Broker calls are the only I/O and the
// only suspension points.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"policygate-capital/internal/audit"
	"policygate-capital/internal/broker"
	"policygate-capital/internal/engine"
	"policygate-capital/internal/execevent"
	"policygate-capital/internal/model"
)

// StreamRunner owns the engine, broker, and event sinks for one run.
//
// Run takes pointers to mutable portfolio and execution state; the caller
// must not mutate those pointers, or call Run concurrently on the same
// pointers, while a run is in flight.
type StreamRunner struct {
	engine                 *engine.PolicyEngine
	broker                 broker.Broker
	auditLog               *audit.Writer
	execLog                *execevent.Writer
	logger                 *slog.Logger
	tripAfterNViolations   int
	violationWindowSeconds int
}

// New constructs a StreamRunner from its collaborators.
func New(eng *engine.PolicyEngine, brk broker.Broker, auditLog *audit.Writer, execLog *execevent.Writer, logger *slog.Logger) *StreamRunner {
	if logger == nil {
		logger = slog.Default()
	}
	tripAfterN, windowSeconds := eng.KillSwitchConfig()
	return &StreamRunner{
		engine:                 eng,
		broker:                 brk,
		auditLog:               auditLog,
		execLog:                execLog,
		logger:                 logger.With("component", "runner"),
		tripAfterNViolations:   tripAfterN,
		violationWindowSeconds: windowSeconds,
	}
}

// RunSummary is returned once a run completes (or halts on a broker
// error).
type RunSummary struct {
	RunID            string             `json:"run_id"`
	TotalIntents     int                `json:"total_intents"`
	Decisions        map[string]int     `json:"decisions"`
	RuleHistogram    map[string]int     `json:"rule_histogram"`
	OrdersSubmitted  int                `json:"orders_submitted"`
	OrdersFilled     int                `json:"orders_filled"`
	FinalEquity      float64            `json:"final_equity"`
	FinalPositions   map[string]float64 `json:"final_positions"`
	KillSwitchActive bool               `json:"kill_switch_active"`
	Duration         time.Duration      `json:"duration"`
}

// Run processes intents in order against portfolio/market/execution,
// mutating portfolio and execution in place as fills arrive. It halts
// immediately (returning the summary built so far, plus the error) if the
// broker returns an error from Submit — a fail-loud contract, not a
// best-effort one.
func (r *StreamRunner) Run(ctx context.Context, intents []model.OrderIntent, portfolio *model.PortfolioState, market *model.MarketSnapshot, execution *model.ExecutionState) (RunSummary, error) {
	start := time.Now()
	runID := uuid.NewString()

	summary := RunSummary{
		RunID:         runID,
		Decisions:     map[string]int{"ALLOW": 0, "DENY": 0, "MODIFY": 0},
		RuleHistogram: map[string]int{},
	}

	for _, intent := range intents {
		summary.TotalIntents++

		decision, err := r.engine.Evaluate(intent, *portfolio, *market, *execution)
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("runner: evaluate %s: %w", intent.IntentID, err)
		}

		for _, v := range decision.Violations {
			summary.RuleHistogram[v.RuleID]++
		}
		summary.Decisions[string(decision.Decision)]++

		if err := r.writeAuditEvent(runID, intent, *portfolio, *market, *execution, decision); err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("runner: write audit event for %s: %w", intent.IntentID, err)
		}

		if decision.Decision != model.VerdictDeny {
			orderIntent := intent
			if decision.ModifiedIntent != nil {
				orderIntent = *decision.ModifiedIntent
			}

			if err := r.submitAndSettle(ctx, runID, orderIntent, r.engine.PolicyHash(), portfolio, execution, &summary); err != nil {
				summary.Duration = time.Since(start)
				return summary, err
			}
		}

		// Window/kill-switch accounting runs for every decision, DENY
		// included: a fired violation still counts toward the soft trip
		// even when the order itself never reaches the broker.
		r.updateViolationWindow(execution, decision, intent.Timestamp)
		EvictViolationWindow(execution, r.violationWindowSeconds, currentTime(intent.Timestamp))
		r.recheckKillSwitch(execution, decision)
	}

	summary.FinalEquity = portfolio.Equity
	summary.FinalPositions = portfolio.Positions
	summary.KillSwitchActive = execution.KillSwitchActive
	summary.Duration = time.Since(start)
	return summary, nil
}

func (r *StreamRunner) writeAuditEvent(runID string, intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, execution model.ExecutionState, decision model.Decision) error {
	if r.auditLog == nil {
		return nil
	}
	return r.auditLog.Write(audit.Event{
		PolicyHash: r.engine.PolicyHash(),
		RunID:      runID,
		Intent:     intent,
		Portfolio:  portfolio,
		Market:     market,
		Execution:  execution,
		Decision:   decision,
	})
}

func (r *StreamRunner) submitAndSettle(ctx context.Context, runID string, orderIntent model.OrderIntent, policyHash string, portfolio *model.PortfolioState, execution *model.ExecutionState, summary *RunSummary) error {
	res, err := r.broker.Submit(ctx, orderIntent)
	if err != nil {
		r.writeExecEvent(execevent.Rejected(orderIntent.IntentID, "", runID, policyHash))
		return fmt.Errorf("broker submit: %w", err)
	}

	summary.OrdersSubmitted++
	r.writeExecEvent(execevent.Submitted(orderIntent, res.OrderID, runID, policyHash))

	incrementOrderCounters(execution, orderIntent.StrategyID)

	fills, err := r.broker.PollFills(ctx, []string{res.OrderID})
	if err != nil {
		return fmt.Errorf("broker poll fills: %w", err)
	}
	if len(fills) == 0 {
		view, err := r.broker.GetOrder(ctx, res.OrderID)
		if err == nil && view.Status == broker.StatusRejected {
			r.writeExecEvent(execevent.Rejected(orderIntent.IntentID, res.OrderID, runID, policyHash))
		}
		return nil
	}

	for _, fill := range fills {
		summary.OrdersFilled++
		r.writeExecEvent(execevent.Filled(orderIntent.IntentID, fill.OrderID, fill.Symbol, fill.Side, fill.Qty, fill.Price, runID, policyHash))
		applyFill(portfolio, fill)
	}
	return nil
}

func (r *StreamRunner) writeExecEvent(evt execevent.Event) {
	if r.execLog == nil {
		return
	}
	if err := r.execLog.Write(evt); err != nil {
		r.logger.Error("failed to write execution event", "error", err)
	}
}

// applyFill mutates portfolio in place: positions[symbol] += signed_qty,
// equity -= signed_qty * fill_price (the cash model is simple signed: a
// buy spends cash, a sell raises it), and peak_equity tracks the running
// maximum.
func applyFill(portfolio *model.PortfolioState, fill broker.Fill) {
	signedQty := fill.Qty
	if fill.Side == model.SideSell {
		signedQty = -fill.Qty
	}

	if portfolio.Positions == nil {
		portfolio.Positions = map[string]float64{}
	}
	portfolio.Positions[fill.Symbol] += signedQty
	portfolio.Equity -= signedQty * fill.Price

	if portfolio.Equity > portfolio.PeakEquity {
		portfolio.PeakEquity = portfolio.Equity
	}
}

func incrementOrderCounters(execution *model.ExecutionState, strategyID string) {
	execution.OrdersLastMinuteGlobal++
	if execution.OrdersLastMinuteByStrategy == nil {
		execution.OrdersLastMinuteByStrategy = map[string]int{}
	}
	execution.OrdersLastMinuteByStrategy[strategyID]++
}

// updateViolationWindow appends every rule the decision fired to the
// rolling window, stamped with ts (or wall-clock now when ts is zero).
// Eviction is done separately, by EvictViolationWindow.
func (r *StreamRunner) updateViolationWindow(execution *model.ExecutionState, decision model.Decision, ts time.Time) {
	if len(decision.Violations) == 0 {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	epoch := ts.Unix()

	for _, v := range decision.Violations {
		execution.ViolationsInWindow = append(execution.ViolationsInWindow, model.WindowEntry{
			RuleID:                v.RuleID,
			TimestampEpochSeconds: epoch,
		})
	}
}

// EvictViolationWindow drops window entries older than windowSeconds
// relative to now, in a single linear pass. The runner calls this with the
// policy's violation_window_seconds before each kill-switch recheck.
func EvictViolationWindow(execution *model.ExecutionState, windowSeconds int, now time.Time) {
	if windowSeconds <= 0 {
		return
	}
	cutoff := now.Unix() - int64(windowSeconds)
	kept := execution.ViolationsInWindow[:0]
	for _, e := range execution.ViolationsInWindow {
		if e.TimestampEpochSeconds >= cutoff {
			kept = append(kept, e)
		}
	}
	execution.ViolationsInWindow = kept
}

// recheckKillSwitch applies both trip conditions: hard trip (the
// evaluator already determined whether a fired rule_id is in
// trip_on_rules) and soft trip (the rolling window has reached
// trip_after_n_violations). Once active it is sticky: the runner never
// resets it automatically.
func (r *StreamRunner) recheckKillSwitch(execution *model.ExecutionState, decision model.Decision) {
	if execution.KillSwitchActive {
		return
	}
	if decision.KillSwitchTriggered {
		execution.KillSwitchActive = true
		r.logger.Warn("kill switch hard-tripped", "intent_id", decision.IntentID)
		return
	}
	if r.tripAfterNViolations > 0 && len(execution.ViolationsInWindow) >= r.tripAfterNViolations {
		execution.KillSwitchActive = true
		r.logger.Warn("kill switch soft-tripped", "intent_id", decision.IntentID, "window_size", len(execution.ViolationsInWindow))
	}
}

// currentTime returns ts if set, else wall-clock now; used to anchor
// window eviction when an intent carries no timestamp of its own.
func currentTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
