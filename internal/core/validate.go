package core

import (
	"fmt"
	"strings"
)

// ValidateFlag checks the invariants of an environment-independent flag
// record before it is persisted.
func ValidateFlag(flag Flag) error {
	if strings.TrimSpace(flag.Key) == "" {
		return fmt.Errorf("flag key is required")
	}
	if strings.TrimSpace(flag.Name) == "" {
		return fmt.Errorf("flag name is required")
	}
	switch flag.Status {
	case StatusActive, StatusArchived:
	default:
		return fmt.Errorf("unknown flag status %q", flag.Status)
	}
	if flag.ForceOn && flag.ForceOff {
		return fmt.Errorf("force_on and force_off are mutually exclusive")
	}

	return nil
}

// ValidateTargeting checks the invariants of one environment's targeting
// configuration.
func ValidateTargeting(config TargetingConfig) error {
	if len(config.Tenants) == 0 {
		return fmt.Errorf("tenants must not be empty")
	}
	for _, tenant := range config.Tenants {
		if strings.TrimSpace(tenant) == "" {
			return fmt.Errorf("tenant labels must not be blank")
		}
	}
	if config.Rollout < 0 || config.Rollout > 100 {
		return fmt.Errorf("rollout %d outside [0,100]", config.Rollout)
	}
	if config.Schedule.Start != nil && config.Schedule.End != nil && config.Schedule.End.Before(*config.Schedule.Start) {
		return fmt.Errorf("schedule end precedes start")
	}
	for i, rule := range config.Rules {
		if err := ValidateRule(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	return nil
}

// ValidateRule checks that a rule is one of the two well-formed variants.
// Unknown operators are rejected at write time even though evaluation would
// fail them closed.
func ValidateRule(rule Rule) error {
	if rule.IsSegment() {
		if rule.Attribute != "" || rule.Operator != "" || rule.Value != "" {
			return fmt.Errorf("segment rule must not carry attribute fields")
		}
		if !KnownSegment(rule.SegmentID) {
			return fmt.Errorf("unknown segment %q", rule.SegmentID)
		}
		return nil
	}

	if strings.TrimSpace(rule.Attribute) == "" {
		return fmt.Errorf("rule attribute is required")
	}
	if !KnownOperator(rule.Operator) {
		return fmt.Errorf("unknown operator %q", rule.Operator)
	}

	return nil
}
