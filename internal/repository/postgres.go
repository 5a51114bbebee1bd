// Package repository provides PostgreSQL-backed persistence for feature
// flags, per-environment targeting configs, flag events, API keys, and the
// admin portal's users and sessions. It also handles LISTEN/NOTIFY-based
// cache invalidation so the registry snapshot stays fresh without polling
// the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel     = "flag_events"
	defaultMaxEventBatchSize = 1000
)

// Flag is the repository-level representation of a flag row. Targeting
// configs live in their own table; the service layer joins them into the
// snapshot it hands to the evaluation engine.
type Flag struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	ForceOn      bool      `json:"force_on"`
	ForceOff     bool      `json:"force_off"`
	AllowUserIDs []string  `json:"allow_user_ids"`
	BlockUserIDs []string  `json:"block_user_ids"`
	AllowDomains []string  `json:"allow_domains"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TargetingConfig is one (flag, environment) targeting row. Rules are
// stored as a JSON array; the service layer decodes them into core rules.
type TargetingConfig struct {
	FlagKey       string          `json:"flag_key"`
	Environment   string          `json:"environment"`
	Active        bool            `json:"active"`
	Tenants       []string        `json:"tenants"`
	Rules         json.RawMessage `json:"rules"`
	Rollout       int             `json:"rollout"`
	RolloutKey    string          `json:"rollout_key"`
	ScheduleStart *time.Time      `json:"schedule_start,omitempty"`
	ScheduleEnd   *time.Time      `json:"schedule_end,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FlagEvent represents a change event for a flag, stored in the
// flag_events table and used to drive SSE streaming and cross-replica
// cache invalidation.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	FlagKey   string          `json:"flag_key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool. Every UPDATE carries an optimistic version check; readers never
// block on writers.
type PostgresRepository struct {
	pool              *pgxpool.Pool
	notifyChannel     string
	maxEventBatchSize int
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per stream poll.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.maxEventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] with default
// settings, applying any options.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:              pool,
		notifyChannel:     defaultNotifyChannel,
		maxEventBatchSize: defaultMaxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

const flagColumns = `id, key, name, description, status, force_on, force_off,
	allow_user_ids, block_user_ids, allow_domains, version, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.ID,
		&flag.Key,
		&flag.Name,
		&flag.Description,
		&flag.Status,
		&flag.ForceOn,
		&flag.ForceOff,
		&flag.AllowUserIDs,
		&flag.BlockUserIDs,
		&flag.AllowDomains,
		&flag.Version,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)

	return flag, err
}

// CreateFlag inserts a new flag row at version 1 and returns the created
// record with server-generated timestamps. A duplicate key surfaces as a
// pgconn unique-violation error; the service layer maps it to a conflict.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (id, key, name, description, status, force_on, force_off,
			allow_user_ids, block_user_ids, allow_domains, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		RETURNING `+flagColumns,
		flag.ID,
		flag.Key,
		flag.Name,
		flag.Description,
		flag.Status,
		flag.ForceOn,
		flag.ForceOff,
		ensureStrings(flag.AllowUserIDs),
		ensureStrings(flag.BlockUserIDs),
		ensureStrings(flag.AllowDomains),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by key, guarded by
// flag.Version. The key itself is immutable and never part of the SET
// list. Returns pgx.ErrNoRows (wrapped) if the flag does not exist or the
// version is stale; callers that need to distinguish the two re-fetch.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET name = $3,
		    description = $4,
		    status = $5,
		    force_on = $6,
		    force_off = $7,
		    allow_user_ids = $8,
		    block_user_ids = $9,
		    allow_domains = $10,
		    version = version + 1,
		    updated_at = NOW()
		WHERE key = $1 AND version = $2
		RETURNING `+flagColumns,
		flag.Key,
		flag.Version,
		flag.Name,
		flag.Description,
		flag.Status,
		flag.ForceOn,
		flag.ForceOff,
		ensureStrings(flag.AllowUserIDs),
		ensureStrings(flag.BlockUserIDs),
		ensureStrings(flag.AllowDomains),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by key. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE key = $1
	`, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

const targetingColumns = `flag_key, environment, active, tenants, rules, rollout,
	rollout_key, schedule_start, schedule_end, version, created_at, updated_at`

func scanTargeting(row pgx.Row) (TargetingConfig, error) {
	var config TargetingConfig
	err := row.Scan(
		&config.FlagKey,
		&config.Environment,
		&config.Active,
		&config.Tenants,
		&config.Rules,
		&config.Rollout,
		&config.RolloutKey,
		&config.ScheduleStart,
		&config.ScheduleEnd,
		&config.Version,
		&config.CreatedAt,
		&config.UpdatedAt,
	)

	return config, err
}

// UpsertTargeting creates or replaces one environment's targeting config.
// When the row already exists the update is guarded by config.Version
// (pass 0 to replace unconditionally). Returns pgx.ErrNoRows (wrapped)
// on a stale version.
func (r *PostgresRepository) UpsertTargeting(ctx context.Context, config TargetingConfig) (TargetingConfig, error) {
	stored, err := scanTargeting(r.pool.QueryRow(ctx, `
		INSERT INTO targeting_configs (flag_key, environment, active, tenants, rules,
			rollout, rollout_key, schedule_start, schedule_end, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (flag_key, environment) DO UPDATE
		SET active = EXCLUDED.active,
		    tenants = EXCLUDED.tenants,
		    rules = EXCLUDED.rules,
		    rollout = EXCLUDED.rollout,
		    rollout_key = EXCLUDED.rollout_key,
		    schedule_start = EXCLUDED.schedule_start,
		    schedule_end = EXCLUDED.schedule_end,
		    version = targeting_configs.version + 1,
		    updated_at = NOW()
		WHERE $10 = 0 OR targeting_configs.version = $10
		RETURNING `+targetingColumns,
		config.FlagKey,
		config.Environment,
		config.Active,
		ensureStrings(config.Tenants),
		ensureJSON(config.Rules, "[]"),
		config.Rollout,
		config.RolloutKey,
		config.ScheduleStart,
		config.ScheduleEnd,
		config.Version,
	))
	if err != nil {
		return TargetingConfig{}, fmt.Errorf("upsert targeting: %w", err)
	}

	return stored, nil
}

// GetTargeting retrieves one (flag, environment) targeting config.
// Returns pgx.ErrNoRows (wrapped) if absent.
func (r *PostgresRepository) GetTargeting(ctx context.Context, flagKey, environment string) (TargetingConfig, error) {
	config, err := scanTargeting(r.pool.QueryRow(ctx, `
		SELECT `+targetingColumns+`
		FROM targeting_configs
		WHERE flag_key = $1 AND environment = $2
	`, flagKey, environment))
	if err != nil {
		return TargetingConfig{}, fmt.Errorf("get targeting: %w", err)
	}

	return config, nil
}

// ListTargeting returns every targeting config ordered by flag key and
// environment, for snapshot assembly.
func (r *PostgresRepository) ListTargeting(ctx context.Context) ([]TargetingConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+targetingColumns+`
		FROM targeting_configs
		ORDER BY flag_key, environment
	`)
	if err != nil {
		return nil, fmt.Errorf("list targeting: %w", err)
	}
	defer rows.Close()

	configs := make([]TargetingConfig, 0)
	for rows.Next() {
		config, err := scanTargeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan targeting: %w", err)
		}
		configs = append(configs, config)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targeting rows: %w", err)
	}

	return configs, nil
}

// ListEventsSince returns up to the configured batch size of flag events
// with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on
// the configured channel within a single transaction.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (flag_key, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, flag_key, event_type, payload, created_at
	`,
		event.FlagKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.FlagKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal
// whenever a flag event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

// ensureStrings keeps array columns NOT NULL friendly: a nil slice inserts
// as an empty array instead of NULL.
func ensureStrings(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		FlagKey   string `json:"flag_key"`
		EventType string `json:"event_type"`
	}{
		FlagKey:   event.FlagKey,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
