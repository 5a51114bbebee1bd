// Package gatekeeper provides client interfaces and domain types for the
// gatekeeper feature flag service.
//
// Use the sub-package to create a transport client:
//
//	import gatekeeperhttp "github.com/hearthvault/gatekeeper/clients/go/http"
package gatekeeper

import (
	"context"
	"time"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, key string, patch FlagPatch) (Flag, error)
	ArchiveFlag(ctx context.Context, key string) error
}

// TargetingManager covers per-environment targeting configuration.
type TargetingManager interface {
	GetTargeting(ctx context.Context, key, environment string) (TargetingConfig, error)
	SetTargeting(ctx context.Context, key, environment string, config TargetingConfig) (TargetingConfig, error)
}

// Evaluator covers flag resolution for a given evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, key, environment string, evalCtx EvaluationContext) (Decision, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]Decision, error)
	EvaluateMine(ctx context.Context, environment string, identity Identity) (map[string]bool, error)
}

// Streamer delivers real-time flag change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan FlagEvent, error)
}

// Flag is the domain representation of a feature flag.
type Flag struct {
	ID           string                     `json:"id,omitempty"`
	Key          string                     `json:"key"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	Status       string                     `json:"status,omitempty"`
	ForceOn      bool                       `json:"force_on,omitempty"`
	ForceOff     bool                       `json:"force_off,omitempty"`
	AllowUserIDs []string                   `json:"allow_user_ids,omitempty"`
	BlockUserIDs []string                   `json:"block_user_ids,omitempty"`
	AllowDomains []string                   `json:"allow_domains,omitempty"`
	Targeting    map[string]TargetingConfig `json:"targeting,omitempty"`
	Version      int64                      `json:"version,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at,omitempty"`
}

// FlagPatch is a partial flag update. Nil fields are left unchanged. The
// flag key is immutable and cannot be patched.
type FlagPatch struct {
	Name         *string  `json:"name,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Status       *string  `json:"status,omitempty"`
	ForceOn      *bool    `json:"force_on,omitempty"`
	ForceOff     *bool    `json:"force_off,omitempty"`
	AllowUserIDs []string `json:"allow_user_ids,omitempty"`
	BlockUserIDs []string `json:"block_user_ids,omitempty"`
	AllowDomains []string `json:"allow_domains,omitempty"`
	Version      *int64   `json:"version,omitempty"`
}

// Schedule is an optional activation window with inclusive bounds.
type Schedule struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Rule is a targeting rule evaluated against the evaluation context.
type Rule struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
}

// TargetingConfig is one environment's targeting configuration.
type TargetingConfig struct {
	Active     bool      `json:"active"`
	Tenants    []string  `json:"tenants,omitempty"`
	Rules      []Rule    `json:"rules,omitempty"`
	Rollout    int       `json:"rollout"`
	RolloutKey string    `json:"rollout_key,omitempty"`
	Schedule   Schedule  `json:"schedule"`
	Version    int64     `json:"version,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// EvaluationContext provides attribute data used when evaluating targeting
// rules, as a nested attribute map.
type EvaluationContext struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Identity names the caller for EvaluateMine. Empty fields are omitted.
type Identity struct {
	UserID string
	Email  string
	Tenant string
	Role   string
}

// EvaluateRequest is a single flag evaluation request.
type EvaluateRequest struct {
	Key         string
	Environment string
	Context     EvaluationContext
}

// Decision is the outcome of a single flag evaluation.
type Decision struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// FlagEvent is a real-time notification of a flag change.
type FlagEvent struct {
	Type    string // "create" | "update" | "archive" | "error"
	Key     string
	EventID int64
	Payload []byte // raw event payload JSON; nil on error events
}
