// Package evaluator runs the fixed-order rule pipeline: resolve effective
// limits, run every rule in order (with the SYS-001 short-circuit), and
// compose the final verdict.
//
// Evaluate is a pure function of its five inputs: no logging, no clock, no
// mutation. Wall-clock timing is added one layer up, by the PolicyEngine
// facade (internal/engine), so the pipeline itself stays deterministic and
// trivially testable.
package evaluator

import (
	"policygate-capital/internal/model"
	"policygate-capital/internal/policy"
	"policygate-capital/internal/rules"
)

// Evaluate runs the full rule pipeline and returns the resulting Decision.
func Evaluate(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, execution model.ExecutionState, pol *policy.CapitalPolicy) model.Decision {
	limits := policy.Resolve(pol, intent.Instrument.Symbol, intent.StrategyID)

	var violations []model.Violation
	var evidence []model.Evidence

	for _, rule := range rules.Ordered {
		v, ev := rule.Fn(intent, portfolio, market, execution, limits)
		if ev != nil {
			evidence = append(evidence, *ev)
		}
		if v != nil {
			violations = append(violations, *v)
			if rule.ID == "SYS-001" {
				// Subsequent exposure rules require a valid price; stop now so
				// the audit log carries exactly one violation for this case.
				break
			}
		}
	}

	decision := model.Decision{
		IntentID:   intent.IntentID,
		Violations: violations,
		Evidence:   evidence,
	}
	decision.KillSwitchTriggered = anyTripsKillSwitch(violations, pol.Limits.KillSwitch.TripOnRules)

	composeVerdict(&decision, intent, violations)
	applyMonitorModeOverride(&decision, pol, violations)

	return decision
}

func anyTripsKillSwitch(violations []model.Violation, tripOnRules []string) bool {
	for _, v := range violations {
		for _, ruleID := range tripOnRules {
			if v.RuleID == ruleID {
				return true
			}
		}
	}
	return false
}

// composeVerdict picks the verdict: ALLOW when nothing fired, MODIFY when
// the sole violation is EXP-001 with a usable allowed_qty, DENY otherwise.
func composeVerdict(decision *model.Decision, intent model.OrderIntent, violations []model.Violation) {
	switch {
	case len(violations) == 0:
		decision.Decision = model.VerdictAllow
	case len(violations) == 1 && violations[0].RuleID == "EXP-001":
		allowedQty, _ := violations[0].Computed["allowed_qty"].(float64)
		if allowedQty > 0 {
			decision.Decision = model.VerdictModify
			modified := intent.WithQty(allowedQty)
			decision.ModifiedIntent = &modified
			return
		}
		decision.Decision = model.VerdictDeny
	default:
		decision.Decision = model.VerdictDeny
	}
}

// applyMonitorModeOverride forces any verdict other than the SYS-001
// fail-closed DENY to ALLOW when the policy runs in monitor mode.
// Violations, evidence, and kill_switch_triggered are preserved verbatim;
// modified_intent is cleared to preserve the invariant that decision ==
// MODIFY iff modified_intent != nil.
func applyMonitorModeOverride(decision *model.Decision, pol *policy.CapitalPolicy, violations []model.Violation) {
	if pol.Defaults.Mode != "monitor" {
		return
	}
	if len(violations) > 0 && violations[0].RuleID == "SYS-001" {
		return
	}
	decision.Decision = model.VerdictAllow
	decision.ModifiedIntent = nil
}
