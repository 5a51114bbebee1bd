package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed on a flag or its targeting
// for audit purposes. Exactly one of APIKeyID or AdminUserID identifies
// the actor; both may be empty for system-initiated changes.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	APIKeyID    string          `json:"api_key_id,omitempty"`
	AdminUserID string          `json:"admin_user_id,omitempty"`
	Action      string          `json:"action"`
	FlagKey     string          `json:"flag_key"`
	Environment string          `json:"environment,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (api_key_id, admin_user_id, action, flag_key, environment, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		entry.APIKeyID,
		entry.AdminUserID,
		entry.Action,
		entry.FlagKey,
		entry.Environment,
		ensureJSON(entry.Details, "{}"),
	)
	return err
}

// ListAuditLog returns audit log entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, api_key_id, admin_user_id, action, flag_key, environment, details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.APIKeyID,
			&e.AdminUserID,
			&e.Action,
			&e.FlagKey,
			&e.Environment,
			&e.Details,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return entries, nil
}
