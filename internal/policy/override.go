package policy

// EffectiveExposureLimits is the fully-resolved exposure sub-block: every
// field required by defaults is non-nullable except MaxNetExposureX, which
// stays optional (a null value means EXP-003 is skipped entirely).
type EffectiveExposureLimits struct {
	MaxPositionPct    float64
	MaxGrossExposureX float64
	MaxNetExposureX   *float64
}

// EffectiveLossLimits is the fully-resolved loss sub-block.
type EffectiveLossLimits struct {
	DailyLossLimitPct float64
	MaxDrawdownPct    float64
}

// EffectiveExecutionLimits is the fully-resolved execution sub-block.
type EffectiveExecutionLimits struct {
	MaxOrdersPerMinuteGlobal     int
	MaxOrdersPerMinuteByStrategy int
}

// EffectiveLimits is what rule functions actually consume — the merged
// limits block produced by Resolve for one (symbol, strategy_id) pair.
type EffectiveLimits struct {
	Exposure  EffectiveExposureLimits
	Loss      EffectiveLossLimits
	Execution EffectiveExecutionLimits
}

// Resolve is the pure override-resolution function: for
// each limits sub-block (exposure, loss, execution) it picks the first of
// overrides.symbols[symbol], overrides.strategies[strategy_id], defaults
// that defines that sub-block. Sub-block granularity matters — a symbol
// override that sets exposure but omits loss falls back to defaults.loss.
func Resolve(p *CapitalPolicy, symbol, strategyID string) EffectiveLimits {
	symOverride, hasSym := p.Overrides.Symbols[symbol]
	stratOverride, hasStrat := p.Overrides.Strategies[strategyID]

	exposure := p.Limits.Exposure
	if hasSym && symOverride.Exposure != nil {
		exposure = *symOverride.Exposure
	} else if hasStrat && stratOverride.Exposure != nil {
		exposure = *stratOverride.Exposure
	}

	loss := p.Limits.Loss
	if hasSym && symOverride.Loss != nil {
		loss = *symOverride.Loss
	} else if hasStrat && stratOverride.Loss != nil {
		loss = *stratOverride.Loss
	}

	execution := p.Limits.Execution
	if hasSym && symOverride.Execution != nil {
		execution = *symOverride.Execution
	} else if hasStrat && stratOverride.Execution != nil {
		execution = *stratOverride.Execution
	}

	return EffectiveLimits{
		Exposure: EffectiveExposureLimits{
			MaxPositionPct:    deref(exposure.MaxPositionPct),
			MaxGrossExposureX: deref(exposure.MaxGrossExposureX),
			MaxNetExposureX:   exposure.MaxNetExposureX,
		},
		Loss: EffectiveLossLimits{
			DailyLossLimitPct: deref(loss.DailyLossLimitPct),
			MaxDrawdownPct:    deref(loss.MaxDrawdownPct),
		},
		Execution: EffectiveExecutionLimits{
			MaxOrdersPerMinuteGlobal:     derefInt(execution.MaxOrdersPerMinuteGlobal),
			MaxOrdersPerMinuteByStrategy: derefInt(execution.MaxOrdersPerMinuteByStrategy),
		},
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
