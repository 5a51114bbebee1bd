// Package core implements the flag targeting and evaluation engine.
//
// Evaluation is a pure function over immutable value types: given a flag
// snapshot, an environment, and an evaluation context, it produces an
// [EvaluationResult] with the reason that decided the outcome. The engine
// performs no I/O and never mutates its inputs, so it is safe to call from
// any number of goroutines.
package core

import "time"

// Environment identifies one of the fixed deployment environments a flag
// can be targeted in.
type Environment string

const (
	EnvProd    Environment = "prod"
	EnvStaging Environment = "staging"
	EnvDev     Environment = "dev"
)

// Environments lists every known environment in a stable order.
func Environments() []Environment {
	return []Environment{EnvProd, EnvStaging, EnvDev}
}

// KnownEnvironment reports whether env is one of the fixed environments.
func KnownEnvironment(env Environment) bool {
	switch env {
	case EnvProd, EnvStaging, EnvDev:
		return true
	default:
		return false
	}
}

// FlagStatus is the lifecycle state of a flag. Archived flags always
// evaluate to disabled; archiving is the deletion mechanism.
type FlagStatus string

const (
	StatusActive   FlagStatus = "active"
	StatusArchived FlagStatus = "archived"
)

// Operator is a comparison operator used in attribute rules.
type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorNotEquals  Operator = "notEquals"
	OperatorContains   Operator = "contains"
	OperatorStartsWith Operator = "startsWith"
	OperatorEndsWith   Operator = "endsWith"
	OperatorIn         Operator = "in"
)

// KnownOperator reports whether op is a supported operator. Unknown
// operators are not an error at evaluation time; they fail closed.
func KnownOperator(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorStartsWith, OperatorEndsWith, OperatorIn:
		return true
	default:
		return false
	}
}

// Rule is one targeting predicate. Exactly one of the two variants is
// populated: an attribute comparison (Attribute/Operator/Value) or a
// reference to a code-defined segment (SegmentID).
type Rule struct {
	Attribute string   `json:"attr,omitempty"`
	Operator  Operator `json:"operator,omitempty"`
	Value     string   `json:"value,omitempty"`
	SegmentID string   `json:"segment_id,omitempty"`
}

// IsSegment reports whether the rule references a segment rather than an
// attribute comparison.
func (r Rule) IsSegment() bool {
	return r.SegmentID != ""
}

// Schedule is an optional activation window. Nil bounds are open; both
// bounds are inclusive.
type Schedule struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// TargetingConfig is one environment's targeting configuration for a flag.
type TargetingConfig struct {
	Active     bool      `json:"active"`
	Tenants    []string  `json:"tenants"`
	Rules      []Rule    `json:"rules,omitempty"`
	Rollout    int       `json:"rollout"`
	RolloutKey string    `json:"rollout_key"`
	Schedule   Schedule  `json:"schedule"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Flag is the environment-independent flag record plus its per-environment
// targeting configurations. The engine only ever reads these; the registry
// owns them and publishes immutable snapshots.
type Flag struct {
	ID           string                          `json:"id"`
	Key          string                          `json:"key"`
	Name         string                          `json:"name"`
	Description  string                          `json:"description,omitempty"`
	Status       FlagStatus                      `json:"status"`
	ForceOn      bool                            `json:"force_on,omitempty"`
	ForceOff     bool                            `json:"force_off,omitempty"`
	AllowUserIDs []string                        `json:"allow_user_ids,omitempty"`
	BlockUserIDs []string                        `json:"block_user_ids,omitempty"`
	AllowDomains []string                        `json:"allow_domains,omitempty"`
	Targeting    map[Environment]TargetingConfig `json:"targeting,omitempty"`
	Version      int64                           `json:"version"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// EvaluationContext carries the request/user attributes an evaluation is
// computed against, as a nested attribute map (e.g. attributes["user"] is
// itself a map holding "id", "email", "tenant", "role").
type EvaluationContext struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Reason identifies which mechanism decided an evaluation outcome.
type Reason string

const (
	ReasonForcedOn            Reason = "forced-on"
	ReasonForcedOff           Reason = "forced-off"
	ReasonArchived            Reason = "archived"
	ReasonBlocked             Reason = "blocked"
	ReasonAllowed             Reason = "allowed"
	ReasonInactiveEnvironment Reason = "inactive-environment"
	ReasonOutsideSchedule     Reason = "outside-schedule"
	ReasonTenantNotPermitted  Reason = "tenant-not-permitted"
	ReasonRulesNotMatched     Reason = "rules-not-matched"
	ReasonRolloutExcluded     Reason = "rollout-excluded"
	ReasonRolloutIncluded     Reason = "rollout-included"

	// ReasonRuleMatchNoRolloutKey marks the case where every rule matched
	// but the rollout key resolved to nothing; a rule match alone is
	// sufficient to enable the flag.
	ReasonRuleMatchNoRolloutKey Reason = "rules-matched-no-rollout-gate"
)

// EvaluationResult is the outcome of evaluating one flag for one context.
type EvaluationResult struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}

func enabled(reason Reason) EvaluationResult {
	return EvaluationResult{Enabled: true, Reason: reason}
}

func disabled(reason Reason) EvaluationResult {
	return EvaluationResult{Enabled: false, Reason: reason}
}
