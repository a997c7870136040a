// Package replay re-derives an audited evaluation from its logged inputs
// and re-runs it through the engine, so a stored Decision can be checked
// against what the current policy and engine actually produce.
package replay

import (
	"policygate-capital/internal/audit"
	"policygate-capital/internal/engine"
	"policygate-capital/internal/model"
)

// Result pairs the audited event (whose Decision field is the decision
// originally recorded) with the decision produced by replaying the same
// inputs through eng.
type Result struct {
	Original audit.Event
	Replayed model.Decision
}

// Event reconstructs intent/portfolio/market/execution from evt via the
// same model validators used on the input path, then evaluates them
// through eng. It returns an error only if the stored inputs themselves
// fail validation (a corrupted or hand-edited log line).
func Event(evt audit.Event, eng *engine.PolicyEngine) (Result, error) {
	if err := evt.Intent.Validate(); err != nil {
		return Result{}, err
	}
	if err := evt.Portfolio.Validate(); err != nil {
		return Result{}, err
	}
	if err := evt.Execution.Validate(); err != nil {
		return Result{}, err
	}

	replayed, err := eng.Evaluate(evt.Intent, evt.Portfolio, evt.Market, evt.Execution)
	if err != nil {
		return Result{}, err
	}

	return Result{Original: evt, Replayed: replayed}, nil
}

// DecisionsMatch compares the fields that must agree between an original
// and a replayed decision for the replay to be considered faithful:
// decision, intent_id, the full ordered violations list, kill_switch_triggered,
// and modified_intent. eval_ms is excluded because it is wall-clock noise.
func DecisionsMatch(a, b model.Decision) bool {
	if a.Decision != b.Decision {
		return false
	}
	if a.IntentID != b.IntentID {
		return false
	}
	if a.KillSwitchTriggered != b.KillSwitchTriggered {
		return false
	}
	if !modifiedIntentsEqual(a.ModifiedIntent, b.ModifiedIntent) {
		return false
	}
	return violationsEqual(a.Violations, b.Violations)
}

func modifiedIntentsEqual(a, b *model.OrderIntent) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.IntentID == b.IntentID &&
		a.Instrument.Symbol == b.Instrument.Symbol &&
		a.Side == b.Side &&
		a.OrderType == b.OrderType &&
		a.Qty == b.Qty
}

func violationsEqual(a, b []model.Violation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].RuleID != b[i].RuleID ||
			a[i].Severity != b[i].Severity ||
			a[i].Message != b[i].Message ||
			!anyMapsEqual(a[i].Inputs, b[i].Inputs) ||
			!anyMapsEqual(a[i].Computed, b[i].Computed) {
			return false
		}
	}
	return true
}

func anyMapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		av, bv = normalizeScalar(av), normalizeScalar(bv)
		af, aok := av.(float64)
		bf, bok := bv.(float64)
		if aok && bok {
			if af != bf {
				return false
			}
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}

// normalizeScalar maps the value types the engine puts into violation maps
// onto the types a JSON-decoded audit event carries (numbers as float64,
// named strings as string), so a freshly evaluated decision compares equal
// to one read back from the audit log.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case model.Side:
		return string(x)
	}
	return v
}
