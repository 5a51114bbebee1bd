package core

import "time"

// DefaultTenant is assumed when the context carries no user.tenant value.
const DefaultTenant = "Public"

// EvaluateConfig evaluates one environment's targeting configuration. It is
// invoked only after the flag-level short-circuits in [EvaluateFlag] have
// been exhausted.
//
// Gates apply in order: active, tenant, schedule, rules, rollout. Rules are
// a pre-filter with AND semantics; the rollout percentage is the final gate
// and is compared against the context's stable bucket, so inclusion is
// sticky under configuration changes.
func EvaluateConfig(config TargetingConfig, context EvaluationContext, now time.Time) EvaluationResult {
	if !config.Active {
		return disabled(ReasonInactiveEnvironment)
	}

	tenant := ResolveAttribute(context, "user.tenant")
	if tenant == "" {
		tenant = DefaultTenant
	}
	if !containsString(config.Tenants, tenant) {
		return disabled(ReasonTenantNotPermitted)
	}

	// Bounds are inclusive: now exactly at start or end is in the window.
	if config.Schedule.Start != nil && now.Before(*config.Schedule.Start) {
		return disabled(ReasonOutsideSchedule)
	}
	if config.Schedule.End != nil && now.After(*config.Schedule.End) {
		return disabled(ReasonOutsideSchedule)
	}

	hasRules := len(config.Rules) > 0
	if hasRules && !MatchAllRules(config.Rules, context) {
		return disabled(ReasonRulesNotMatched)
	}

	key := ResolveAttribute(context, config.RolloutKey)
	if key == "" {
		if hasRules {
			return enabled(ReasonRuleMatchNoRolloutKey)
		}
		return disabled(ReasonRolloutExcluded)
	}

	if Bucket(key) < config.Rollout {
		return enabled(ReasonRolloutIncluded)
	}

	return disabled(ReasonRolloutExcluded)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}

	return false
}
