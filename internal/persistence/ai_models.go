package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// AiModelRepository manages versioned scorer rows. Exactly one row per
// model_name carries is_current = true at any time.
type AiModelRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAiModelRepository constructs an AiModelRepository over db.
func NewAiModelRepository(db *sql.DB, log zerolog.Logger) *AiModelRepository {
	return &AiModelRepository{db: db, log: log.With().Str("repo", "ai_models").Logger()}
}

// Current returns the is_current row for modelName, if any.
func (r *AiModelRepository) Current(ctx context.Context, modelName string) (*domain.AiModel, error) {
	var m domain.AiModel
	var isCurrent int
	var createdAt string
	m.ModelName = modelName
	err := r.db.QueryRowContext(ctx, `
		SELECT version, impl, metrics_json, binary_blob, is_current, created_at
		FROM ai_models WHERE model_name = ? AND is_current = 1
	`, modelName).Scan(&m.Version, &m.Impl, &m.MetricsJSON, &m.BinaryBlob, &isCurrent, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current ai model: %w", err)
	}
	m.IsCurrent = isCurrent != 0
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

// PublishAsCurrent inserts (or overwrites) m's version row and, in the
// same transaction, flips every other version of model_name to
// is_current = false, keeping the "exactly one current row" invariant
// across process restarts.
func (r *AiModelRepository) PublishAsCurrent(ctx context.Context, m domain.AiModel) error {
	return database.ExecTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		if _, err := tx.ExecContext(ctx, `
			UPDATE ai_models SET is_current = 0 WHERE model_name = ?
		`, m.ModelName); err != nil {
			return fmt.Errorf("demote ai models: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ai_models (model_name, version, impl, metrics_json, binary_blob, is_current, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(model_name, version) DO UPDATE SET
				impl = excluded.impl,
				metrics_json = excluded.metrics_json,
				binary_blob = excluded.binary_blob,
				is_current = 1
		`, m.ModelName, m.Version, m.Impl, m.MetricsJSON, m.BinaryBlob, now); err != nil {
			return fmt.Errorf("publish ai model: %w", err)
		}

		return nil
	})
}

// Versions returns every stored version of modelName, newest first.
func (r *AiModelRepository) Versions(ctx context.Context, modelName string) ([]domain.AiModel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version, impl, metrics_json, binary_blob, is_current, created_at
		FROM ai_models WHERE model_name = ? ORDER BY created_at DESC
	`, modelName)
	if err != nil {
		return nil, fmt.Errorf("ai model versions: %w", err)
	}
	defer rows.Close()

	var out []domain.AiModel
	for rows.Next() {
		m := domain.AiModel{ModelName: modelName}
		var isCurrent int
		var createdAt string
		if err := rows.Scan(&m.Version, &m.Impl, &m.MetricsJSON, &m.BinaryBlob, &isCurrent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ai model: %w", err)
		}
		m.IsCurrent = isCurrent != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
