// Package engine is the top-level facade over the policy evaluation
// pipeline: it owns a loaded CapitalPolicy, times each evaluation, and hands
// callers a ready-to-audit Decision.
//
// PolicyEngine carries no mutable state after New returns, so one instance
// is safe for concurrent use by multiple goroutines calling Evaluate.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"policygate-capital/internal/evaluator"
	"policygate-capital/internal/model"
	"policygate-capital/internal/policy"
)

// PolicyEngine evaluates order intents against a single loaded policy.
type PolicyEngine struct {
	policy *policy.CapitalPolicy
	logger *slog.Logger
}

// New loads and validates the policy at path and returns a ready PolicyEngine.
func New(path string, logger *slog.Logger) (*PolicyEngine, error) {
	pol, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("engine: load policy: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("policy loaded",
		"path", path,
		"policy_hash", pol.PolicyHash,
		"mode", pol.Defaults.Mode,
	)
	return &PolicyEngine{policy: pol, logger: logger.With("component", "engine")}, nil
}

// NewFromPolicy wraps an already-loaded policy, useful for tests and for
// callers that decode the policy themselves (e.g. from an embedded source).
func NewFromPolicy(pol *policy.CapitalPolicy, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{policy: pol, logger: logger.With("component", "engine")}
}

// PolicyHash returns the SHA-256 content hash of the loaded policy source.
func (e *PolicyEngine) PolicyHash() string {
	return e.policy.PolicyHash
}

// Mode returns the policy's default mode (enforce or monitor).
func (e *PolicyEngine) Mode() model.Mode {
	return model.Mode(e.policy.Defaults.Mode)
}

// KillSwitchConfig returns the policy's soft-trip threshold and rolling
// violation-window length, for the runner to apply alongside the
// evaluator's hard-trip (trip_on_rules) check.
func (e *PolicyEngine) KillSwitchConfig() (tripAfterNViolations, violationWindowSeconds int) {
	return e.policy.Limits.KillSwitch.TripAfterNViolations, e.policy.Limits.KillSwitch.ViolationWindowSeconds
}

// Evaluate validates the intent and state inputs, runs the rule pipeline,
// and returns the resulting Decision with eval_ms populated. It returns an
// error only when one of the inputs fails structural validation; the
// pipeline itself never errors.
func (e *PolicyEngine) Evaluate(intent model.OrderIntent, portfolio model.PortfolioState, market model.MarketSnapshot, execution model.ExecutionState) (model.Decision, error) {
	if err := intent.Validate(); err != nil {
		return model.Decision{}, err
	}
	if err := portfolio.Validate(); err != nil {
		return model.Decision{}, err
	}
	if err := execution.Validate(); err != nil {
		return model.Decision{}, err
	}

	start := time.Now()
	decision := evaluator.Evaluate(intent, portfolio, market, execution, e.policy)
	decision.EvalMS = float64(time.Since(start).Microseconds()) / 1000.0

	e.logger.Debug("intent evaluated",
		"intent_id", intent.IntentID,
		"decision", decision.Decision,
		"violations", len(decision.Violations),
		"eval_ms", decision.EvalMS,
	)

	return decision, nil
}
