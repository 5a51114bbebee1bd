package server

import (
	"context"

	"github.com/hearthvault/gatekeeper/internal/core"
	"github.com/hearthvault/gatekeeper/internal/repository"
	"github.com/hearthvault/gatekeeper/internal/service"
)

type Service interface {
	CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	GetFlag(ctx context.Context, key string) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)
	ArchiveFlag(ctx context.Context, key string) error
	UpsertTargeting(ctx context.Context, key string, env core.Environment, config core.TargetingConfig) (core.TargetingConfig, error)
	GetTargeting(ctx context.Context, key string, env core.Environment) (core.TargetingConfig, error)
	Evaluate(ctx context.Context, key string, env core.Environment, evalContext core.EvaluationContext) (core.EvaluationResult, error)
	EvaluateAll(ctx context.Context, env core.Environment, evalContext core.EvaluationContext) (map[string]bool, error)
	EvaluatePreview(ctx context.Context, env core.Environment, identifier string) (map[string]bool, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)
