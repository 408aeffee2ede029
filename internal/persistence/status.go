package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// StatusRepository UPSERTs per-(service, instance) heartbeats.
type StatusRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStatusRepository constructs a StatusRepository over db.
func NewStatusRepository(db *sql.DB, log zerolog.Logger) *StatusRepository {
	return &StatusRepository{db: db, log: log.With().Str("repo", "service_status").Logger()}
}

// Upsert refreshes the heartbeat and status snapshot for (service, instance).
func (r *StatusRepository) Upsert(ctx context.Context, service, instance, statusJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_status (service_name, instance_id, status_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_name, instance_id) DO UPDATE SET
			status_json = excluded.status_json, updated_at = excluded.updated_at
	`, service, instance, statusJSON, now)
	if err != nil {
		return fmt.Errorf("upsert service status: %w", err)
	}
	return nil
}

// Get returns the current status JSON for (service, instance).
func (r *StatusRepository) Get(ctx context.Context, service, instance string) (string, bool, error) {
	var statusJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT status_json FROM service_status WHERE service_name = ? AND instance_id = ?
	`, service, instance).Scan(&statusJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get service status: %w", err)
	}
	return statusJSON, true, nil
}
