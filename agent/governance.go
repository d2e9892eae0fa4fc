package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

// Decision is the outcome of evaluating every applicable governance rule
// against a pending execution.
//
// Violations accumulate across all applicable rules regardless of earlier
// outcomes, so a caller always sees the complete picture, not just the first
// rule that fired. Passed is false when any violation carries a block or
// require_approval consequence severe enough for its rule type.
type Decision struct {
	Passed     bool
	Violations []matter.Violation
}

// Evaluator runs governance rules against a unit and its input before the
// orchestrator dispatches any work.
type Evaluator struct {
	store   store.Store
	metrics *Metrics
	now     func() time.Time
}

// NewEvaluator creates a governance evaluator backed by the given store.
func NewEvaluator(st store.Store, opts ...Option) *Evaluator {
	cfg := newConfig(opts)
	return &Evaluator{store: st, metrics: cfg.metrics, now: cfg.now}
}

// Evaluate checks every active governance rule applicable to the unit's type,
// in priority order (highest first). Evaluation never short-circuits: all
// applicable rules run and all violations are collected.
//
// Consequences by rule type:
//   - approval_gate fails the decision when its consequence is block or
//     require_approval.
//   - content_filter and rate_limit fail the decision only when their
//     consequence is block; require_approval and warn record the violation
//     without failing it.
//
// The returned error reports evaluation infrastructure failures (store
// errors), never violations.
func (ev *Evaluator) Evaluate(ctx context.Context, unit *matter.Unit, input map[string]any) (Decision, error) {
	rules, err := ev.store.ListGovernanceRules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to list governance rules: %w", err)
	}

	decision := Decision{Passed: true}
	for i := range rules {
		rule := &rules[i]
		if !rule.AppliesTo(unit.Type) {
			continue
		}

		var violation *matter.Violation
		var failing bool
		switch rule.Type {
		case matter.RuleApprovalGate:
			violation = ev.checkApprovalGate(rule, unit)
			failing = rule.OnViolation == matter.ViolationBlock || rule.OnViolation == matter.ViolationRequireApproval
		case matter.RuleContentFilter:
			violation = ev.checkContentFilter(rule, input)
			failing = rule.OnViolation == matter.ViolationBlock
		case matter.RuleRateLimit:
			violation, err = ev.checkRateLimit(ctx, rule, unit)
			if err != nil {
				return Decision{}, err
			}
			failing = rule.OnViolation == matter.ViolationBlock
		default:
			// Unknown rule types are skipped rather than failed open or
			// closed; they indicate a newer schema than this binary.
			continue
		}

		if violation == nil {
			continue
		}
		decision.Violations = append(decision.Violations, *violation)
		ev.metrics.RecordViolation(string(rule.Type), string(rule.OnViolation))
		if failing {
			decision.Passed = false
		}
	}
	return decision, nil
}

func (ev *Evaluator) checkApprovalGate(rule *matter.GovernanceRule, unit *matter.Unit) *matter.Violation {
	if unit.RiskTier != matter.RiskHigh && !unit.RequiresHumanApproval {
		return nil
	}
	return &matter.Violation{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Action:   rule.OnViolation,
		Message:  fmt.Sprintf("unit %q requires human approval (risk tier %s)", unit.Name, unit.RiskTier),
	}
}

func (ev *Evaluator) checkContentFilter(rule *matter.GovernanceRule, input map[string]any) *matter.Violation {
	if len(rule.Config.Patterns) == 0 || len(input) == 0 {
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		// Unserializable input cannot be scanned; treat as a violation so a
		// block rule fails closed.
		return &matter.Violation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Severity: rule.Severity,
			Action:   rule.OnViolation,
			Message:  "input could not be serialized for content filtering: " + err.Error(),
		}
	}
	haystack := strings.ToLower(string(raw))

	var matched []string
	for _, pattern := range rule.Config.Patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(pattern)) {
			matched = append(matched, pattern)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return &matter.Violation{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Action:   rule.OnViolation,
		Message:  "input matched blocked pattern(s): " + strings.Join(matched, ", "),
	}
}

func (ev *Evaluator) checkRateLimit(ctx context.Context, rule *matter.GovernanceRule, unit *matter.Unit) (*matter.Violation, error) {
	if rule.Config.MaxPerHour <= 0 {
		return nil, nil
	}
	cutoff := ev.now().Add(-time.Hour)
	count, err := ev.store.CountRunsSince(ctx, unit.ID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent runs for unit %s: %w", unit.ID, err)
	}
	if count < rule.Config.MaxPerHour {
		return nil, nil
	}
	return &matter.Violation{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Action:   rule.OnViolation,
		Message:  fmt.Sprintf("unit %q exceeded rate limit: %d runs in the last hour (max %d)", unit.Name, count, rule.Config.MaxPerHour),
	}, nil
}
