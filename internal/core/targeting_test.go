package core

import (
	"testing"
	"time"
)

func timePtr(value time.Time) *time.Time {
	return &value
}

func baseConfig() TargetingConfig {
	return TargetingConfig{
		Active:     true,
		Tenants:    []string{"Public", "Family", "Staff"},
		Rollout:    100,
		RolloutKey: "user.id",
	}
}

func TestEvaluateConfig(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(*TargetingConfig)
		context EvaluationContext
		want    EvaluationResult
	}{
		{
			name:    "inactive environment",
			mutate:  func(c *TargetingConfig) { c.Active = false },
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonInactiveEnvironment},
		},
		{
			name:    "tenant not permitted",
			mutate:  func(c *TargetingConfig) { c.Tenants = []string{"Family", "Staff"} },
			context: userContext(map[string]any{"id": "u1", "tenant": "Public"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonTenantNotPermitted},
		},
		{
			name:    "missing tenant defaults to Public",
			mutate:  func(c *TargetingConfig) { c.Tenants = []string{"Family", "Staff"} },
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonTenantNotPermitted},
		},
		{
			name:    "before schedule start",
			mutate:  func(c *TargetingConfig) { c.Schedule.Start = timePtr(now.Add(time.Hour)) },
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonOutsideSchedule},
		},
		{
			name:    "after schedule end",
			mutate:  func(c *TargetingConfig) { c.Schedule.End = timePtr(now.Add(-time.Hour)) },
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonOutsideSchedule},
		},
		{
			name: "exactly at start is inside the window",
			mutate: func(c *TargetingConfig) {
				c.Schedule.Start = timePtr(now)
			},
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonRolloutIncluded},
		},
		{
			name: "exactly at end is inside the window",
			mutate: func(c *TargetingConfig) {
				c.Schedule.End = timePtr(now)
			},
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonRolloutIncluded},
		},
		{
			name: "rules not matched",
			mutate: func(c *TargetingConfig) {
				c.Rules = []Rule{{Attribute: "user.email", Operator: OperatorEndsWith, Value: "@co.com"}}
			},
			context: userContext(map[string]any{"id": "u1", "email": "x@other.com"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonRulesNotMatched},
		},
		{
			name: "rules matched with unresolvable rollout key enables",
			mutate: func(c *TargetingConfig) {
				c.Rules = []Rule{{Attribute: "user.email", Operator: OperatorEndsWith, Value: "@co.com"}}
				c.RolloutKey = "session.id"
				c.Rollout = 0
			},
			context: userContext(map[string]any{"email": "x@co.com"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonRuleMatchNoRolloutKey},
		},
		{
			name: "no rules and unresolvable rollout key disables",
			mutate: func(c *TargetingConfig) {
				c.RolloutKey = "session.id"
			},
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonRolloutExcluded},
		},
		{
			name:    "rollout zero excludes every resolvable key",
			mutate:  func(c *TargetingConfig) { c.Rollout = 0 },
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: false, Reason: ReasonRolloutExcluded},
		},
		{
			name:    "rollout hundred includes every resolvable key",
			mutate:  func(c *TargetingConfig) {},
			context: userContext(map[string]any{"id": "u1"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonRolloutIncluded},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := baseConfig()
			test.mutate(&config)

			if got := EvaluateConfig(config, test.context, now); got != test.want {
				t.Fatalf("EvaluateConfig() = %+v, want %+v", got, test.want)
			}
		})
	}
}

// Rules matched and rollout 25: the outcome must track the key's bucket
// exactly, not a coin flip.
func TestEvaluateConfigRolloutMatchesBucket(t *testing.T) {
	now := time.Now()
	config := baseConfig()
	config.Rollout = 25
	config.Rules = []Rule{{Attribute: "user.email", Operator: OperatorEndsWith, Value: "@co.com"}}

	context := userContext(map[string]any{"id": "u1", "email": "x@co.com"})

	got := EvaluateConfig(config, context, now)
	wantEnabled := Bucket("u1") < 25
	if got.Enabled != wantEnabled {
		t.Fatalf("rollout outcome %t does not match bucket comparison %t", got.Enabled, wantEnabled)
	}
	if wantEnabled && got.Reason != ReasonRolloutIncluded {
		t.Fatalf("reason = %q, want %q", got.Reason, ReasonRolloutIncluded)
	}
	if !wantEnabled && got.Reason != ReasonRolloutExcluded {
		t.Fatalf("reason = %q, want %q", got.Reason, ReasonRolloutExcluded)
	}
}

// Sticky bucketing across config changes: for a fixed key the bucket is
// invariant under every non-rollout field, and only the threshold decides.
func TestEvaluateConfigStickyBucketing(t *testing.T) {
	now := time.Now()
	context := userContext(map[string]any{"id": "u-42", "tenant": "Family"})
	bucket := Bucket("u-42")

	for rollout := 0; rollout <= 100; rollout += 5 {
		config := baseConfig()
		config.Rollout = rollout
		config.Tenants = []string{"Family"}

		got := EvaluateConfig(config, context, now)
		if want := bucket < rollout; got.Enabled != want {
			t.Fatalf("rollout %d: enabled = %t, want %t (bucket %d)", rollout, got.Enabled, want, bucket)
		}
	}
}
