// Package service implements the flag registry: CRUD over flags and
// targeting configs, an in-memory snapshot for evaluation, and change
// event publication. Evaluation requests never touch the database; they
// run against an immutable snapshot swapped atomically on every change.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hearthvault/gatekeeper/internal/core"
	"github.com/hearthvault/gatekeeper/internal/repository"
)

const (
	EventTypeCreated          = "created"
	EventTypeUpdated          = "updated"
	EventTypeArchived         = "archived"
	EventTypeTargetingUpdated = "targeting-updated"

	bestEffortTimeout      = 2 * time.Second
	defaultResyncInterval  = time.Minute
	snapshotReloadTimeout  = 5 * time.Second
	uniqueViolationSQLCode = "23505"
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrTargetingNotFound  = errors.New("targeting config not found")
	ErrFlagExists         = errors.New("flag already exists")
	ErrVersionConflict    = errors.New("version conflict")
	ErrInvalidFlag        = errors.New("invalid flag")
	ErrInvalidTargeting   = errors.New("invalid targeting config")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

// Repository is the persistence surface the registry needs. Implemented by
// [repository.PostgresRepository].
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	UpsertTargeting(ctx context.Context, config repository.TargetingConfig) (repository.TargetingConfig, error)
	GetTargeting(ctx context.Context, flagKey, environment string) (repository.TargetingConfig, error)
	ListTargeting(ctx context.Context) ([]repository.TargetingConfig, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// snapshot is an immutable view of every flag joined with its targeting
// configs. Readers load it through an atomic pointer; writers build a new
// one and swap.
type snapshot struct {
	flags map[string]core.Flag
	keys  []string
}

// Service is the flag registry.
type Service struct {
	repo           Repository
	snap           atomic.Pointer[snapshot]
	staffDomain    string
	resyncInterval time.Duration
	onReload       func(size float64)
	onInvalidation func()
}

// Option configures a Service.
type Option func(*Service)

// WithStaffDomain sets the email domain suffix that marks preview
// identities as staff.
func WithStaffDomain(domain string) Option {
	return func(s *Service) {
		if strings.TrimSpace(domain) != "" {
			s.staffDomain = domain
		}
	}
}

// WithResyncInterval overrides how often the snapshot is rebuilt from the
// database regardless of invalidation signals.
func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithSnapshotMetrics registers callbacks invoked after every successful
// snapshot reload and on every invalidation signal. Either may be nil.
func WithSnapshotMetrics(onReload func(size float64), onInvalidation func()) Option {
	return func(s *Service) {
		s.onReload = onReload
		s.onInvalidation = onInvalidation
	}
}

// New builds a Service, loads the initial snapshot, and starts the cache
// invalidation listener when the repository supports it.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		staffDomain:    core.StaffEmailDomain,
		resyncInterval: defaultResyncInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.ReloadSnapshot(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// ReloadSnapshot rebuilds the in-memory snapshot from the database.
func (s *Service) ReloadSnapshot(ctx context.Context) error {
	flagRows, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	targetingRows, err := s.repo.ListTargeting(ctx)
	if err != nil {
		return fmt.Errorf("load targeting configs: %w", err)
	}

	targetingByKey := make(map[string][]repository.TargetingConfig, len(flagRows))
	for _, row := range targetingRows {
		targetingByKey[row.FlagKey] = append(targetingByKey[row.FlagKey], row)
	}

	next := &snapshot{
		flags: make(map[string]core.Flag, len(flagRows)),
		keys:  make([]string, 0, len(flagRows)),
	}
	for _, row := range flagRows {
		flag, err := rowToCoreFlag(row, targetingByKey[row.Key])
		if err != nil {
			return fmt.Errorf("decode flag %q: %w", row.Key, err)
		}
		next.flags[flag.Key] = flag
		next.keys = append(next.keys, flag.Key)
	}
	sort.Strings(next.keys)

	s.snap.Store(next)
	if s.onReload != nil {
		s.onReload(float64(len(next.keys)))
	}

	return nil
}

func (s *Service) currentSnapshot() *snapshot {
	if snap := s.snap.Load(); snap != nil {
		return snap
	}

	return &snapshot{flags: map[string]core.Flag{}}
}

// CreateFlag validates and inserts a new flag along with any targeting
// configs it carries. A missing ID is assigned server-side.
func (s *Service) CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	flag.Key = strings.TrimSpace(flag.Key)
	if flag.Status == "" {
		flag.Status = core.StatusActive
	}
	if err := core.ValidateFlag(flag); err != nil {
		return core.Flag{}, fmt.Errorf("%w: %v", ErrInvalidFlag, err)
	}
	for env, config := range flag.Targeting {
		if !core.KnownEnvironment(env) {
			return core.Flag{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
		}
		if err := core.ValidateTargeting(config); err != nil {
			return core.Flag{}, fmt.Errorf("%w: %v", ErrInvalidTargeting, err)
		}
	}
	if flag.ID == "" {
		flag.ID = uuid.NewString()
	}

	created, err := s.repo.CreateFlag(ctx, coreFlagToRow(flag))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Flag{}, fmt.Errorf("%w: %q", ErrFlagExists, flag.Key)
		}
		return core.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	for env, config := range flag.Targeting {
		row, err := coreTargetingToRow(flag.Key, env, config)
		if err != nil {
			return core.Flag{}, err
		}
		row.Version = 0
		if _, err := s.repo.UpsertTargeting(ctx, row); err != nil {
			return core.Flag{}, fmt.Errorf("store targeting for %q/%s: %w", flag.Key, env, err)
		}
	}

	s.reloadSnapshotBestEffort(ctx)
	s.publishFlagEventBestEffort(ctx, EventTypeCreated, created.Key)

	return s.GetFlag(ctx, created.Key)
}

// UpdateFlag applies a full update to a flag record, guarded by
// flag.Version. The key is immutable; targeting configs are updated
// through [Service.UpsertTargeting].
func (s *Service) UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	flag.Key = strings.TrimSpace(flag.Key)
	if err := core.ValidateFlag(flag); err != nil {
		return core.Flag{}, fmt.Errorf("%w: %v", ErrInvalidFlag, err)
	}

	updated, err := s.repo.UpdateFlag(ctx, coreFlagToRow(flag))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, s.classifyStaleWrite(ctx, flag.Key)
		}
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.reloadSnapshotBestEffort(ctx)
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, updated.Key)

	return s.GetFlag(ctx, updated.Key)
}

// ArchiveFlag marks a flag archived. Archived flags evaluate to disabled
// for every caller; archiving is the deletion mechanism, so historical
// targeting and events stay queryable.
func (s *Service) ArchiveFlag(ctx context.Context, key string) error {
	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return err
	}
	if flag.Status == core.StatusArchived {
		return nil
	}

	flag.Status = core.StatusArchived
	if _, err := s.repo.UpdateFlag(ctx, coreFlagToRow(flag)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyStaleWrite(ctx, flag.Key)
		}
		return fmt.Errorf("archive flag: %w", err)
	}

	s.reloadSnapshotBestEffort(ctx)
	s.publishFlagEventBestEffort(ctx, EventTypeArchived, flag.Key)

	return nil
}

// GetFlag returns one flag with its targeting configs from the snapshot.
func (s *Service) GetFlag(ctx context.Context, key string) (core.Flag, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return core.Flag{}, fmt.Errorf("%w: flag key is required", ErrInvalidFlag)
	}

	if flag, ok := s.currentSnapshot().flags[key]; ok {
		return flag, nil
	}

	// The snapshot may be behind a concurrent writer; check the database
	// before reporting not found.
	if _, err := s.repo.GetFlag(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("get flag: %w", err)
	}
	if err := s.ReloadSnapshot(ctx); err != nil {
		return core.Flag{}, err
	}
	if flag, ok := s.currentSnapshot().flags[key]; ok {
		return flag, nil
	}

	return core.Flag{}, ErrFlagNotFound
}

// ListFlags returns every flag ordered by key.
func (s *Service) ListFlags(_ context.Context) ([]core.Flag, error) {
	snap := s.currentSnapshot()
	flags := make([]core.Flag, 0, len(snap.keys))
	for _, key := range snap.keys {
		flags = append(flags, snap.flags[key])
	}

	return flags, nil
}

// UpsertTargeting creates or replaces one environment's targeting config
// for an existing flag, guarded by config.Version (0 replaces
// unconditionally).
func (s *Service) UpsertTargeting(ctx context.Context, key string, env core.Environment, config core.TargetingConfig) (core.TargetingConfig, error) {
	if !core.KnownEnvironment(env) {
		return core.TargetingConfig{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	if err := core.ValidateTargeting(config); err != nil {
		return core.TargetingConfig{}, fmt.Errorf("%w: %v", ErrInvalidTargeting, err)
	}
	if _, err := s.GetFlag(ctx, key); err != nil {
		return core.TargetingConfig{}, err
	}

	row, err := coreTargetingToRow(strings.TrimSpace(key), env, config)
	if err != nil {
		return core.TargetingConfig{}, err
	}

	stored, err := s.repo.UpsertTargeting(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.TargetingConfig{}, ErrVersionConflict
		}
		return core.TargetingConfig{}, fmt.Errorf("upsert targeting: %w", err)
	}

	s.reloadSnapshotBestEffort(ctx)
	s.publishFlagEventBestEffort(ctx, EventTypeTargetingUpdated, stored.FlagKey)

	result, err := rowToCoreTargeting(stored)
	if err != nil {
		return core.TargetingConfig{}, err
	}

	return result, nil
}

// GetTargeting returns one environment's targeting config for a flag.
func (s *Service) GetTargeting(ctx context.Context, key string, env core.Environment) (core.TargetingConfig, error) {
	if !core.KnownEnvironment(env) {
		return core.TargetingConfig{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}

	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return core.TargetingConfig{}, err
	}

	config, ok := flag.Targeting[env]
	if !ok {
		return core.TargetingConfig{}, ErrTargetingNotFound
	}

	return config, nil
}

// Evaluate resolves one flag for the given environment and context.
// Unknown flag keys are an error; everything downstream of "flag exists"
// degrades to a deterministic enabled/disabled outcome.
func (s *Service) Evaluate(ctx context.Context, key string, env core.Environment, evalContext core.EvaluationContext) (core.EvaluationResult, error) {
	if !core.KnownEnvironment(env) {
		return core.EvaluationResult{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}

	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return core.EvaluationResult{}, err
	}

	return core.EvaluateFlag(flag, env, evalContext, time.Now()), nil
}

// EvaluateAll resolves every flag in the snapshot for one context,
// returning a map of flag key to enabled.
func (s *Service) EvaluateAll(_ context.Context, env core.Environment, evalContext core.EvaluationContext) (map[string]bool, error) {
	if !core.KnownEnvironment(env) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}

	snap := s.currentSnapshot()
	flags := make([]core.Flag, 0, len(snap.keys))
	for _, key := range snap.keys {
		flags = append(flags, snap.flags[key])
	}

	return core.EvaluateFlags(flags, env, evalContext, time.Now()), nil
}

// EvaluatePreview resolves every flag for a synthetic identity built from
// the given identifier, through the same evaluation path as real
// requests.
func (s *Service) EvaluatePreview(ctx context.Context, env core.Environment, identifier string) (map[string]bool, error) {
	return s.EvaluateAll(ctx, env, core.PreviewContext(identifier, s.staffDomain))
}

// ListEventsSince returns flag change events with IDs greater than
// eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// classifyStaleWrite distinguishes a vanished row from a stale version
// after an optimistic update found no row.
func (s *Service) classifyStaleWrite(ctx context.Context, key string) error {
	if _, err := s.repo.GetFlag(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlagNotFound
		}
		return fmt.Errorf("get flag: %w", err)
	}

	return ErrVersionConflict
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadSnapshotBestEffort(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadSnapshotBestEffort(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadSnapshotBestEffort(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotReloadTimeout)
	defer cancel()
	_ = s.ReloadSnapshot(reloadCtx)
}

func (s *Service) publishFlagEventBestEffort(ctx context.Context, eventType, key string) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	payload := json.RawMessage(`{}`)
	if flag, ok := s.currentSnapshot().flags[key]; ok {
		if serialized, err := json.Marshal(flag); err == nil {
			payload = serialized
		}
	}

	_, _ = s.repo.PublishFlagEvent(publishCtx, repository.FlagEvent{
		FlagKey:   key,
		EventType: eventType,
		Payload:   payload,
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationSQLCode
}

func coreFlagToRow(flag core.Flag) repository.Flag {
	return repository.Flag{
		ID:           flag.ID,
		Key:          flag.Key,
		Name:         flag.Name,
		Description:  flag.Description,
		Status:       string(flag.Status),
		ForceOn:      flag.ForceOn,
		ForceOff:     flag.ForceOff,
		AllowUserIDs: flag.AllowUserIDs,
		BlockUserIDs: flag.BlockUserIDs,
		AllowDomains: flag.AllowDomains,
		Version:      flag.Version,
	}
}

func rowToCoreFlag(row repository.Flag, targetingRows []repository.TargetingConfig) (core.Flag, error) {
	flag := core.Flag{
		ID:           row.ID,
		Key:          row.Key,
		Name:         row.Name,
		Description:  row.Description,
		Status:       core.FlagStatus(row.Status),
		ForceOn:      row.ForceOn,
		ForceOff:     row.ForceOff,
		AllowUserIDs: row.AllowUserIDs,
		BlockUserIDs: row.BlockUserIDs,
		AllowDomains: row.AllowDomains,
		Version:      row.Version,
		UpdatedAt:    row.UpdatedAt,
	}

	if len(targetingRows) > 0 {
		flag.Targeting = make(map[core.Environment]core.TargetingConfig, len(targetingRows))
		for _, targetingRow := range targetingRows {
			config, err := rowToCoreTargeting(targetingRow)
			if err != nil {
				return core.Flag{}, err
			}
			flag.Targeting[core.Environment(targetingRow.Environment)] = config
		}
	}

	return flag, nil
}

func coreTargetingToRow(key string, env core.Environment, config core.TargetingConfig) (repository.TargetingConfig, error) {
	rules := json.RawMessage(`[]`)
	if len(config.Rules) > 0 {
		serialized, err := json.Marshal(config.Rules)
		if err != nil {
			return repository.TargetingConfig{}, fmt.Errorf("marshal rules: %w", err)
		}
		rules = serialized
	}

	return repository.TargetingConfig{
		FlagKey:       key,
		Environment:   string(env),
		Active:        config.Active,
		Tenants:       config.Tenants,
		Rules:         rules,
		Rollout:       config.Rollout,
		RolloutKey:    config.RolloutKey,
		ScheduleStart: config.Schedule.Start,
		ScheduleEnd:   config.Schedule.End,
		Version:       config.Version,
	}, nil
}

func rowToCoreTargeting(row repository.TargetingConfig) (core.TargetingConfig, error) {
	rules := make([]core.Rule, 0)
	if len(row.Rules) > 0 {
		if err := json.Unmarshal(row.Rules, &rules); err != nil {
			return core.TargetingConfig{}, fmt.Errorf("decode rules for %q/%s: %w", row.FlagKey, row.Environment, err)
		}
	}

	return core.TargetingConfig{
		Active:     row.Active,
		Tenants:    row.Tenants,
		Rules:      rules,
		Rollout:    row.Rollout,
		RolloutKey: row.RolloutKey,
		Schedule: core.Schedule{
			Start: row.ScheduleStart,
			End:   row.ScheduleEnd,
		},
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
