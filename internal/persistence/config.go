package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/database"
	"github.com/rs/zerolog"
)

// ConfigRepository reads and writes SystemConfig with an audited
// transactional write path.
type ConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConfigRepository constructs a ConfigRepository over db.
func NewConfigRepository(db *sql.DB, log zerolog.Logger) *ConfigRepository {
	return &ConfigRepository{db: db, log: log.With().Str("repo", "config").Logger()}
}

// Get returns the current value for key, or ("", false, nil) if unset.
func (r *ConfigRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// GetBool reads key and parses it as a boolean, defaulting to false if unset.
func (r *ConfigRepository) GetBool(ctx context.Context, key string) (bool, error) {
	v, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true" || v == "1", nil
}

// All returns every SystemConfig row as a map, for building the
// control snapshot.
func (r *ConfigRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Write runs an UPSERT of (key, value) and a ConfigAudit insert in the
// same transaction.
func (r *ConfigRepository) Write(ctx context.Context, key, newValue, actor, action, traceID, reasonCode, reason string) error {
	return database.ExecTx(ctx, r.db, func(tx *sql.Tx) error {
		var oldValue sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&oldValue)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read old config value: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, newValue, now); err != nil {
			return fmt.Errorf("upsert config: %w", err)
		}

		var oldPtr *string
		if oldValue.Valid {
			oldPtr = &oldValue.String
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config_audit (actor, action, key, old_value, new_value, trace_id, reason_code, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, actor, action, key, oldPtr, newValue, traceID, reasonCode, reason, now); err != nil {
			return fmt.Errorf("insert config audit: %w", err)
		}

		return nil
	})
}
