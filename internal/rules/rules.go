// Package rules implements the nine pure capital-policy rule functions,
// plus the fixed-order rule set the evaluator walks.
//
// Each rule is a pure function over the same input tuple — it never mutates
// its arguments and never touches a logger, a clock, or the filesystem. Each
// limit gets its own function, returning its own optional violation and
// evidence, rather than one monolithic function mutating shared state.
package rules

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"policygate-capital/internal/model"
	"policygate-capital/internal/policy"
)

// Func is the signature every rule satisfies: given the full evaluation
// tuple, return an optional Violation and an optional Evidence. Evidence is
// returned whenever the rule can compute its metric, independent of whether
// it fired.
type Func func(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, execution model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence)

// Rule pairs a rule function with its metadata: its id (the rule_id its
// violations carry) and severity.
type Rule struct {
	ID       string
	Severity model.Severity
	Fn       Func
}

// Ordered is the fixed evaluation order. The evaluator walks this slice
// start to finish, never reordering it.
var Ordered = []Rule{
	{ID: "SYS-001", Severity: model.SeverityCrit, Fn: SYS001},
	{ID: "KILL-001", Severity: model.SeverityCrit, Fn: KILL001},
	{ID: "LOSS-001", Severity: model.SeverityHigh, Fn: LOSS001},
	{ID: "LOSS-002", Severity: model.SeverityCrit, Fn: LOSS002},
	{ID: "EXEC-001", Severity: model.SeverityHigh, Fn: EXEC001},
	{ID: "EXEC-002", Severity: model.SeverityHigh, Fn: EXEC002},
	{ID: "EXP-001", Severity: model.SeverityHigh, Fn: EXP001},
	{ID: "EXP-002", Severity: model.SeverityHigh, Fn: EXP002},
	{ID: "EXP-003", Severity: model.SeverityHigh, Fn: EXP003},
}

// SYS001 fires iff the intent's symbol has no valid price in the market
// snapshot. It carries no Evidence — there is no metric to compute without a
// price.
func SYS001(intent model.OrderIntent, _ model.PortfolioState, market model.MarketSnapshot, _ model.ExecutionState, _ policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	symbol := intent.Instrument.Symbol
	if _, ok := market.PriceFor(symbol); ok {
		return nil, nil
	}
	return &model.Violation{
		RuleID:   "SYS-001",
		Severity: model.SeverityCrit,
		Message:  fmt.Sprintf("missing or invalid price for %s", symbol),
		Inputs:   map[string]any{"symbol": symbol},
		Computed: map[string]any{},
	}, nil
}

// KILL001 fires iff the kill switch is already active. No metric to compute,
// so no Evidence.
func KILL001(intent model.OrderIntent, _ model.PortfolioState, _ model.MarketSnapshot, execution model.ExecutionState, _ policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	if !execution.KillSwitchActive {
		return nil, nil
	}
	return &model.Violation{
		RuleID:   "KILL-001",
		Severity: model.SeverityCrit,
		Message:  "kill switch is active",
		Inputs:   map[string]any{"intent_id": intent.IntentID},
		Computed: map[string]any{},
	}, nil
}

// LOSS001 fires iff today's realized-to-date return breaches the daily loss
// limit (a negative threshold): daily_return <= -daily_loss_limit_pct.
func LOSS001(_ model.OrderIntent, portfolio model.PortfolioState, _ model.MarketSnapshot, _ model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	dailyReturn := (portfolio.Equity - portfolio.StartOfDayEquity) / portfolio.StartOfDayEquity
	threshold := -limits.Loss.DailyLossLimitPct
	evidence := &model.Evidence{Metric: "daily_return", Value: dailyReturn, Limit: threshold}

	if dailyReturn > threshold {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "LOSS-001",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("daily return %.6f breached limit %.6f", dailyReturn, threshold),
		Inputs: map[string]any{
			"equity":              portfolio.Equity,
			"start_of_day_equity": portfolio.StartOfDayEquity,
		},
		Computed: map[string]any{"daily_return": dailyReturn},
	}, evidence
}

// LOSS002 fires iff drawdown from peak equity reaches the max drawdown
// limit: drawdown >= max_drawdown_pct.
func LOSS002(_ model.OrderIntent, portfolio model.PortfolioState, _ model.MarketSnapshot, _ model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	drawdown := (portfolio.PeakEquity - portfolio.Equity) / portfolio.PeakEquity
	evidence := &model.Evidence{Metric: "drawdown", Value: drawdown, Limit: limits.Loss.MaxDrawdownPct}

	if drawdown < limits.Loss.MaxDrawdownPct {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "LOSS-002",
		Severity: model.SeverityCrit,
		Message:  fmt.Sprintf("drawdown %.6f breached limit %.6f", drawdown, limits.Loss.MaxDrawdownPct),
		Inputs: map[string]any{
			"equity":      portfolio.Equity,
			"peak_equity": portfolio.PeakEquity,
		},
		Computed: map[string]any{"drawdown": drawdown},
	}, evidence
}

// EXEC001 fires iff the global order rate has reached the per-minute cap.
func EXEC001(_ model.OrderIntent, _ model.PortfolioState, _ model.MarketSnapshot, execution model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	count := execution.OrdersLastMinuteGlobal
	max := limits.Execution.MaxOrdersPerMinuteGlobal
	evidence := &model.Evidence{Metric: "orders_last_minute_global", Value: float64(count), Limit: float64(max)}

	if count < max {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "EXEC-001",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("global order rate %d reached limit %d", count, max),
		Inputs:   map[string]any{"orders_last_minute_global": count},
		Computed: map[string]any{},
	}, evidence
}

// EXEC002 fires iff the strategy's order rate has reached its per-minute cap.
func EXEC002(intent model.OrderIntent, _ model.PortfolioState, _ model.MarketSnapshot, execution model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	count := execution.OrdersLastMinuteFor(intent.StrategyID)
	max := limits.Execution.MaxOrdersPerMinuteByStrategy
	evidence := &model.Evidence{Metric: "orders_last_minute_by_strategy", Value: float64(count), Limit: float64(max)}

	if count < max {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "EXEC-002",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("strategy %s order rate %d reached limit %d", intent.StrategyID, count, max),
		Inputs:   map[string]any{"strategy_id": intent.StrategyID, "orders_last_minute_by_strategy": count},
		Computed: map[string]any{},
	}, evidence
}

func signedQty(intent model.OrderIntent) float64 {
	if intent.Side == model.SideSell {
		return -intent.Qty
	}
	return intent.Qty
}

// floorTo4Decimals rounds toward zero at 4 decimal places (quantity
// granularity). Uses shopspring/decimal rather than manual
// float scaling so the rounding is exact regardless of binary-float
// representation error — the only place in the engine where float64 isn't
// precise enough on its own.
func floorTo4Decimals(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	rounded, _ := decimal.NewFromFloat(qty).RoundFloor(4).Float64()
	return rounded
}

// EXP001 fires iff the intent would push the symbol's position beyond
// max_position_pct of equity. When it fires, it also computes allowed_qty —
// the largest quantity (floored to 4 decimals) that would keep the position
// within limits — and carries it as a MODIFY hint in Computed.
func EXP001(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, _ model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	symbol := intent.Instrument.Symbol
	price, ok := market.PriceFor(symbol)
	if !ok {
		// SYS-001 already denies this case; EXP-001 has nothing to compute.
		return nil, nil
	}

	currentQty := portfolio.PositionQty(symbol)
	currentPositionValue := currentQty * price
	delta := signedQty(intent) * price
	newPositionValue := currentPositionValue + delta
	newPositionPct := math.Abs(newPositionValue) / portfolio.Equity

	evidence := &model.Evidence{Metric: "new_position_pct", Value: newPositionPct, Limit: limits.Exposure.MaxPositionPct}

	if newPositionPct <= limits.Exposure.MaxPositionPct {
		return nil, evidence
	}

	headroom := limits.Exposure.MaxPositionPct*portfolio.Equity - math.Abs(currentPositionValue)
	allowedQty := floorTo4Decimals(math.Max(0, headroom/price))

	return &model.Violation{
		RuleID:   "EXP-001",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("new position %.6f%% of equity exceeds limit %.6f%%", newPositionPct*100, limits.Exposure.MaxPositionPct*100),
		Inputs: map[string]any{
			"symbol":         symbol,
			"price":          price,
			"current_qty":    currentQty,
			"requested_qty":  intent.Qty,
			"side":           intent.Side,
		},
		Computed: map[string]any{
			"new_position_pct": newPositionPct,
			"allowed_qty":      allowedQty,
		},
	}, evidence
}

// hypotheticalPositions returns portfolio.Positions with intent applied,
// without mutating the original map.
func hypotheticalPositions(intent model.OrderIntent, portfolio model.PortfolioState) map[string]float64 {
	out := make(map[string]float64, len(portfolio.Positions)+1)
	for symbol, qty := range portfolio.Positions {
		out[symbol] = qty
	}
	out[intent.Instrument.Symbol] += signedQty(intent)
	return out
}

// EXP002 fires iff gross exposure (sum of absolute position values across
// every held symbol plus the hypothetical post-fill intent symbol) exceeds
// max_gross_exposure_x of equity. Symbols with no valid market price are
// excluded from the sum (the spec only guarantees a valid price for the
// intent's own symbol via SYS-001; stale legacy positions in an untracked
// symbol can't be priced and are conservatively left out rather than
// aborting the rule).
func EXP002(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, _ model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	positions := hypotheticalPositions(intent, portfolio)

	var gross float64
	for symbol, qty := range positions {
		price, ok := market.PriceFor(symbol)
		if !ok {
			continue
		}
		gross += math.Abs(qty * price)
	}
	gross /= portfolio.Equity

	evidence := &model.Evidence{Metric: "gross_exposure_x", Value: gross, Limit: limits.Exposure.MaxGrossExposureX}
	if gross <= limits.Exposure.MaxGrossExposureX {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "EXP-002",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("gross exposure %.6fx exceeds limit %.6fx", gross, limits.Exposure.MaxGrossExposureX),
		Inputs:   map[string]any{"symbol": intent.Instrument.Symbol},
		Computed: map[string]any{"gross_exposure_x": gross},
	}, evidence
}

// EXP003 fires iff net exposure (the absolute value of the signed sum of
// position values) exceeds max_net_exposure_x. Skipped entirely when the
// policy leaves max_net_exposure_x null.
func EXP003(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, _ model.ExecutionState, limits policy.EffectiveLimits) (*model.Violation, *model.Evidence) {
	if limits.Exposure.MaxNetExposureX == nil {
		return nil, nil
	}

	positions := hypotheticalPositions(intent, portfolio)

	var signedSum float64
	for symbol, qty := range positions {
		price, ok := market.PriceFor(symbol)
		if !ok {
			continue
		}
		signedSum += qty * price
	}
	net := math.Abs(signedSum) / portfolio.Equity
	maxNet := *limits.Exposure.MaxNetExposureX

	evidence := &model.Evidence{Metric: "net_exposure_x", Value: net, Limit: maxNet}
	if net <= maxNet {
		return nil, evidence
	}
	return &model.Violation{
		RuleID:   "EXP-003",
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("net exposure %.6fx exceeds limit %.6fx", net, maxNet),
		Inputs:   map[string]any{"symbol": intent.Instrument.Symbol},
		Computed: map[string]any{"net_exposure_x": net},
	}, evidence
}
