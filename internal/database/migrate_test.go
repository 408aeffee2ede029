package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)

	var applied int
	require.NoError(t, db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(entries), applied, "every migration file is recorded")

	// A second run applies nothing new.
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(entries), applied)
}

func TestMigrateCreatesCoreTables(t *testing.T) {
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: ProfileLedger,
		Name:    "test",
	})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	for _, table := range []string{
		"system_config", "config_audit", "control_commands", "service_status",
		"market_data", "market_data_cache", "precompute_task",
		"order_events", "trade_logs", "position_snapshots",
		"ai_models", "market_data_history", "market_data_cache_history",
		"order_events_history", "archive_audit", "trade_locks",
	} {
		var name string
		err := db.Conn().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s must exist", table)
	}
}
