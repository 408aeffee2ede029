package persistence

import (
	"context"
	"testing"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWriteIsAudited(t *testing.T) {
	db := testDB(t)
	repo := NewConfigRepository(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Write(ctx, domain.ConfigKeyHaltTrading, "true",
		"admin:op1", "HALT", "trace-1", "MANUAL_HALT", "operator halted trading"))

	v, ok, err := repo.Get(ctx, domain.ConfigKeyHaltTrading)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	var auditCount int
	var oldValue *string
	var newValue string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM config_audit WHERE key = ?`, domain.ConfigKeyHaltTrading).Scan(&auditCount))
	assert.Equal(t, 1, auditCount)

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT old_value, new_value FROM config_audit WHERE key = ?`, domain.ConfigKeyHaltTrading,
	).Scan(&oldValue, &newValue))
	assert.Nil(t, oldValue, "first write has no prior value")
	assert.Equal(t, "true", newValue)

	// A second write records the previous value.
	require.NoError(t, repo.Write(ctx, domain.ConfigKeyHaltTrading, "false",
		"admin:op1", "RESUME", "trace-2", "MANUAL_RESUME", "operator resumed"))

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT old_value, new_value FROM config_audit WHERE key = ? ORDER BY id DESC LIMIT 1`,
		domain.ConfigKeyHaltTrading,
	).Scan(&oldValue, &newValue))
	require.NotNil(t, oldValue)
	assert.Equal(t, "true", *oldValue)
	assert.Equal(t, "false", newValue)
}

func TestConfigGetBoolAndAll(t *testing.T) {
	repo := NewConfigRepository(testDB(t), zerolog.Nop())
	ctx := context.Background()

	b, err := repo.GetBool(ctx, domain.ConfigKeyHaltTrading)
	require.NoError(t, err)
	assert.False(t, b, "unset key defaults to false")

	require.NoError(t, repo.Write(ctx, domain.ConfigKeyHaltTrading, "1", "a", "X", "t", "RC", "r"))
	require.NoError(t, repo.Write(ctx, domain.ConfigKeySymbols, "BTCUSDT,ETHUSDT", "a", "X", "t", "RC", "r"))

	b, err = repo.GetBool(ctx, domain.ConfigKeyHaltTrading)
	require.NoError(t, err)
	assert.True(t, b)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT,ETHUSDT", all[domain.ConfigKeySymbols])
}

func TestCommandQueueLifecycle(t *testing.T) {
	repo := NewCommandRepository(testDB(t), zerolog.Nop())
	ctx := context.Background()

	// Empty queue: nothing to claim.
	cmd, err := repo.ClaimNextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	id, err := repo.Enqueue(ctx, domain.CommandHalt, "{}", "trace-1", "admin:op1")
	require.NoError(t, err)
	id2, err := repo.Enqueue(ctx, domain.CommandResume, "{}", "trace-2", "admin:op1")
	require.NoError(t, err)

	// Oldest first.
	cmd, err = repo.ClaimNextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, id, cmd.ID)
	assert.Equal(t, domain.CommandStatusProcessing, cmd.Status)

	require.NoError(t, repo.MarkProcessed(ctx, cmd.ID))

	cmd, err = repo.ClaimNextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, id2, cmd.ID)

	require.NoError(t, repo.MarkError(ctx, cmd.ID, "MANUAL_COMMAND_FAILED", "boom"))

	// Nothing NEW remains.
	cmd, err = repo.ClaimNextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, cmd)
}
