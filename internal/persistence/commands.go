package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// CommandRepository manages the ControlCommand queue.
type CommandRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCommandRepository constructs a CommandRepository over db.
func NewCommandRepository(db *sql.DB, log zerolog.Logger) *CommandRepository {
	return &CommandRepository{db: db, log: log.With().Str("repo", "control_commands").Logger()}
}

// Enqueue inserts a new NEW command and returns its id.
func (r *CommandRepository) Enqueue(ctx context.Context, command, payload, traceID, actor string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO control_commands (command, payload, trace_id, actor, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, command, payload, traceID, actor, domain.CommandStatusNew, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue control command: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNextNew atomically transitions the oldest NEW command to
// PROCESSING via a conditional update, so two consumer replicas never
// both claim the same row.
func (r *CommandRepository) ClaimNextNew(ctx context.Context) (*domain.ControlCommand, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM control_commands WHERE status = ? ORDER BY id ASC LIMIT 1
	`, domain.CommandStatusNew).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next new command: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE control_commands SET status = ? WHERE id = ? AND status = ?
	`, domain.CommandStatusProcessing, id, domain.CommandStatusNew)
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim command rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the race to another consumer; caller retries next poll.
		return nil, nil
	}

	return r.getByID(ctx, id)
}

func (r *CommandRepository) getByID(ctx context.Context, id int64) (*domain.ControlCommand, error) {
	var cmd domain.ControlCommand
	var createdAt string
	var processedAt sql.NullString
	var reasonCode, reason sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, command, payload, trace_id, actor, reason_code, reason, status, created_at, processed_at
		FROM control_commands WHERE id = ?
	`, id).Scan(&cmd.ID, &cmd.Command, &cmd.Payload, &cmd.TraceID, &cmd.Actor, &reasonCode, &reason, &cmd.Status, &createdAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("get command %d: %w", id, err)
	}

	cmd.ReasonCode = reasonCode.String
	cmd.Reason = reason.String
	cmd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, processedAt.String)
		cmd.ProcessedAt = &t
	}
	return &cmd, nil
}

// MarkProcessed transitions a PROCESSING command to PROCESSED.
func (r *CommandRepository) MarkProcessed(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE control_commands SET status = ?, processed_at = ? WHERE id = ?
	`, domain.CommandStatusProcessed, now, id)
	if err != nil {
		return fmt.Errorf("mark command processed: %w", err)
	}
	return nil
}

// MarkError transitions a PROCESSING command to ERROR, recording reason.
func (r *CommandRepository) MarkError(ctx context.Context, id int64, reasonCode, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE control_commands SET status = ?, processed_at = ?, reason_code = ?, reason = ? WHERE id = ?
	`, domain.CommandStatusError, now, reasonCode, reason, id)
	if err != nil {
		return fmt.Errorf("mark command error: %w", err)
	}
	return nil
}
