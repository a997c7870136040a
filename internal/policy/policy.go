// Package policy defines the declarative CapitalPolicy configuration, its
// strict loader, and the sub-block override resolution used by the
// evaluator. A CapitalPolicy is immutable once loaded: nothing in this
// package mutates a *CapitalPolicy after Load returns it.
//
// The loader splits decode from validation (one function to decode, one to
// range-check) and uses a strict YAML decoder so unknown keys anywhere in
// the tree fail the load.
package policy

import "fmt"

// ValidationError reports a structural, bounds, unknown-key, or
// version/timezone problem found while loading a policy. Validation runs
// once at load time and never at evaluation time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// KnownRuleIDs lists every rule_id the engine can fire, in fixed evaluation
// order. limits.kill_switch.trip_on_rules may only name rules
// from this set.
var KnownRuleIDs = []string{
	"SYS-001", "KILL-001", "LOSS-001", "LOSS-002",
	"EXEC-001", "EXEC-002", "EXP-001", "EXP-002", "EXP-003",
}

func isKnownRuleID(id string) bool {
	for _, known := range KnownRuleIDs {
		if known == id {
			return true
		}
	}
	return false
}

// Defaults holds the policy's run mode and advisory fail-closed hint.
type Defaults struct {
	Mode     string `yaml:"mode"`
	Decision string `yaml:"decision"`
}

// ExposureLimits caps position concentration and leverage. Pointers are nil
// when the value is unset at this sub-block's granularity (only meaningful
// inside an override sub-block; in defaults every field is required).
type ExposureLimits struct {
	MaxPositionPct    *float64 `yaml:"max_position_pct"`
	MaxGrossExposureX *float64 `yaml:"max_gross_exposure_x"`
	MaxNetExposureX   *float64 `yaml:"max_net_exposure_x"`
}

// LossLimits caps intraday loss and drawdown.
type LossLimits struct {
	DailyLossLimitPct *float64 `yaml:"daily_loss_limit_pct"`
	MaxDrawdownPct    *float64 `yaml:"max_drawdown_pct"`
}

// ExecutionLimits throttles order rate.
type ExecutionLimits struct {
	MaxOrdersPerMinuteGlobal     *int `yaml:"max_orders_per_minute_global"`
	MaxOrdersPerMinuteByStrategy *int `yaml:"max_orders_per_minute_by_strategy"`
}

// KillSwitch configures sticky hard/soft trip conditions.
type KillSwitch struct {
	TripOnRules            []string `yaml:"trip_on_rules"`
	TripAfterNViolations   int      `yaml:"trip_after_n_violations"`
	ViolationWindowSeconds int      `yaml:"violation_window_seconds"`
}

// Limits is the top-level required limits block.
type Limits struct {
	Exposure   ExposureLimits  `yaml:"exposure"`
	Loss       LossLimits      `yaml:"loss"`
	Execution  ExecutionLimits `yaml:"execution"`
	KillSwitch KillSwitch      `yaml:"kill_switch"`
}

// LimitsOverride is a partial limits block keyed by symbol or strategy.
// Any omitted sub-block falls back to defaults at resolve time.
type LimitsOverride struct {
	Exposure  *ExposureLimits  `yaml:"exposure"`
	Loss      *LossLimits      `yaml:"loss"`
	Execution *ExecutionLimits `yaml:"execution"`
}

// Overrides maps symbols/strategy ids to partial limits blocks.
type Overrides struct {
	Symbols    map[string]LimitsOverride `yaml:"symbols"`
	Strategies map[string]LimitsOverride `yaml:"strategies"`
}

// CapitalPolicy is the full declarative policy document, immutable after
// Load. PolicyHash pins the exact source bytes this value was parsed from.
type CapitalPolicy struct {
	Version    string    `yaml:"version"`
	Timezone   string    `yaml:"timezone"`
	Defaults   Defaults  `yaml:"defaults"`
	Limits     Limits    `yaml:"limits"`
	Overrides  Overrides `yaml:"overrides"`
	PolicyHash string    `yaml:"-"`
}

// Validate range-checks every numeric field and rejects unknown
// version/timezone/mode/decision values. Unknown YAML keys are rejected
// earlier, by the strict decoder in loader.go.
func (p *CapitalPolicy) Validate() error {
	if p.Version != "0.1" {
		return invalid("version", fmt.Sprintf(`must be "0.1", got %q`, p.Version))
	}
	if p.Timezone != "UTC" {
		return invalid("timezone", fmt.Sprintf(`must be "UTC", got %q`, p.Timezone))
	}
	switch p.Defaults.Mode {
	case "enforce", "monitor":
	default:
		return invalid("defaults.mode", fmt.Sprintf("must be enforce or monitor, got %q", p.Defaults.Mode))
	}
	switch p.Defaults.Decision {
	case "deny", "allow":
	default:
		return invalid("defaults.decision", fmt.Sprintf("must be deny or allow, got %q", p.Defaults.Decision))
	}

	if err := validateExposure("limits.exposure", p.Limits.Exposure, true); err != nil {
		return err
	}
	if err := validateLoss("limits.loss", p.Limits.Loss, true); err != nil {
		return err
	}
	if err := validateExecution("limits.execution", p.Limits.Execution, true); err != nil {
		return err
	}
	if err := validateKillSwitch(p.Limits.KillSwitch); err != nil {
		return err
	}

	for symbol, override := range p.Overrides.Symbols {
		if err := validateOverride(fmt.Sprintf("overrides.symbols[%s]", symbol), override); err != nil {
			return err
		}
	}
	for strategy, override := range p.Overrides.Strategies {
		if err := validateOverride(fmt.Sprintf("overrides.strategies[%s]", strategy), override); err != nil {
			return err
		}
	}
	return nil
}

func validateOverride(path string, o LimitsOverride) error {
	if o.Exposure != nil {
		if err := validateExposure(path+".exposure", *o.Exposure, false); err != nil {
			return err
		}
	}
	if o.Loss != nil {
		if err := validateLoss(path+".loss", *o.Loss, false); err != nil {
			return err
		}
	}
	if o.Execution != nil {
		if err := validateExecution(path+".execution", *o.Execution, false); err != nil {
			return err
		}
	}
	return nil
}

// validateExposure checks bounds on the fields that are set. When required
// is true (the top-level defaults block), every field must be present.
func validateExposure(path string, e ExposureLimits, required bool) error {
	if required && e.MaxPositionPct == nil {
		return invalid(path+".max_position_pct", "is required")
	}
	if e.MaxPositionPct != nil && (*e.MaxPositionPct <= 0 || *e.MaxPositionPct > 1) {
		return invalid(path+".max_position_pct", "must be in (0, 1]")
	}
	if required && e.MaxGrossExposureX == nil {
		return invalid(path+".max_gross_exposure_x", "is required")
	}
	if e.MaxGrossExposureX != nil && *e.MaxGrossExposureX <= 0 {
		return invalid(path+".max_gross_exposure_x", "must be > 0")
	}
	// max_net_exposure_x is nullable at every granularity.
	if e.MaxNetExposureX != nil && *e.MaxNetExposureX <= 0 {
		return invalid(path+".max_net_exposure_x", "must be > 0 or null")
	}
	return nil
}

func validateLoss(path string, l LossLimits, required bool) error {
	if required && l.DailyLossLimitPct == nil {
		return invalid(path+".daily_loss_limit_pct", "is required")
	}
	if l.DailyLossLimitPct != nil && (*l.DailyLossLimitPct <= 0 || *l.DailyLossLimitPct > 1) {
		return invalid(path+".daily_loss_limit_pct", "must be in (0, 1]")
	}
	if required && l.MaxDrawdownPct == nil {
		return invalid(path+".max_drawdown_pct", "is required")
	}
	if l.MaxDrawdownPct != nil && (*l.MaxDrawdownPct <= 0 || *l.MaxDrawdownPct > 1) {
		return invalid(path+".max_drawdown_pct", "must be in (0, 1]")
	}
	return nil
}

func validateExecution(path string, e ExecutionLimits, required bool) error {
	if required && e.MaxOrdersPerMinuteGlobal == nil {
		return invalid(path+".max_orders_per_minute_global", "is required")
	}
	if e.MaxOrdersPerMinuteGlobal != nil && (*e.MaxOrdersPerMinuteGlobal < 1 || *e.MaxOrdersPerMinuteGlobal > 10000) {
		return invalid(path+".max_orders_per_minute_global", "must be in [1, 10000]")
	}
	if required && e.MaxOrdersPerMinuteByStrategy == nil {
		return invalid(path+".max_orders_per_minute_by_strategy", "is required")
	}
	if e.MaxOrdersPerMinuteByStrategy != nil && (*e.MaxOrdersPerMinuteByStrategy < 1 || *e.MaxOrdersPerMinuteByStrategy > 10000) {
		return invalid(path+".max_orders_per_minute_by_strategy", "must be in [1, 10000]")
	}
	return nil
}

func validateKillSwitch(k KillSwitch) error {
	for _, ruleID := range k.TripOnRules {
		if !isKnownRuleID(ruleID) {
			return invalid("limits.kill_switch.trip_on_rules", fmt.Sprintf("unknown rule_id %q", ruleID))
		}
	}
	if k.TripAfterNViolations < 1 || k.TripAfterNViolations > 10000 {
		return invalid("limits.kill_switch.trip_after_n_violations", "must be in [1, 10000]")
	}
	if k.ViolationWindowSeconds < 1 || k.ViolationWindowSeconds > 31536000 {
		return invalid("limits.kill_switch.violation_window_seconds", "must be in [1, 31536000]")
	}
	return nil
}
