package breaker

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []map[string]interface{}
}

func (a *alertRecorder) SendSystemAlert(_ context.Context, summary map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, summary)
	return nil
}

func (a *alertRecorder) SendTradeAlert(context.Context, map[string]interface{}) error { return nil }

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func newBreakerFixture(t *testing.T) (*Breaker, *persistence.ConfigRepository, *alertRecorder, *clock.Fixed, *sql.DB) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	configRepo := persistence.NewConfigRepository(db.Conn(), zerolog.Nop())
	alerts := &alertRecorder{}
	c := clock.NewFixed(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	b := New(DefaultThresholds(), c, configRepo, alerts, zerolog.Nop())
	return b, configRepo, alerts, c, db.Conn()
}

func haltIsSet(t *testing.T, repo *persistence.ConfigRepository) bool {
	t.Helper()
	halted, err := repo.GetBool(context.Background(), domain.ConfigKeyHaltTrading)
	require.NoError(t, err)
	return halted
}

func TestConsecutiveOrderErrorsTrip(t *testing.T) {
	b, configRepo, alerts, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordOrderError(ctx, "trace-1")
	}
	assert.False(t, b.Tripped(), "below the threshold the breaker stays closed")

	b.RecordOrderError(ctx, "trace-1")
	assert.True(t, b.Tripped())
	assert.True(t, haltIsSet(t, configRepo))
	assert.Equal(t, 1, alerts.count())
}

func TestOrderSuccessResetsConsecutiveRun(t *testing.T) {
	b, _, _, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordOrderError(ctx, "trace-1")
	}
	b.RecordOrderSuccess()
	for i := 0; i < 4; i++ {
		b.RecordOrderError(ctx, "trace-1")
	}
	assert.False(t, b.Tripped(), "a success between errors breaks the consecutive run")
}

func TestErrorsOutsideWindowDoNotCount(t *testing.T) {
	b, _, _, c, _ := newBreakerFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordOrderError(ctx, "trace-1")
	}
	c.Advance(2 * time.Minute)
	b.RecordOrderError(ctx, "trace-1")
	assert.False(t, b.Tripped(), "stale errors age out of the rolling window")
}

func TestRateLimitFrequencyTrips(t *testing.T) {
	b, configRepo, _, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.Record429(ctx, "trace-2")
	}
	assert.True(t, b.Tripped())
	assert.True(t, haltIsSet(t, configRepo))
}

func TestDrawdownTrips(t *testing.T) {
	b, configRepo, _, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	b.ObserveEquity(ctx, "trace-3", 1000)
	b.ObserveEquity(ctx, "trace-3", 960) // 4% down: fine
	assert.False(t, b.Tripped())

	b.ObserveEquity(ctx, "trace-3", 940) // 6% down: trip
	assert.True(t, b.Tripped())
	assert.True(t, haltIsSet(t, configRepo))
}

func TestResourcePressureIsSoftSignal(t *testing.T) {
	b, configRepo, alerts, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	// Sampling host pressure logs at most a warning; it never trips the
	// breaker or writes config on its own.
	b.CheckResourcePressure(ctx)
	assert.False(t, b.Tripped())
	assert.False(t, haltIsSet(t, configRepo))
	assert.Equal(t, 0, alerts.count())
}

func TestBreakerNeverSelfClears(t *testing.T) {
	b, configRepo, alerts, _, _ := newBreakerFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordOrderError(ctx, "trace-1")
	}
	require.True(t, b.Tripped())

	// Successes afterwards do not reset the tripped state, and repeat
	// breaches do not duplicate the halt write or the alert.
	b.RecordOrderSuccess()
	assert.True(t, b.Tripped())

	for i := 0; i < 5; i++ {
		b.RecordOrderError(ctx, "trace-4")
	}
	assert.Equal(t, 1, alerts.count(), "only the first trip alerts")
	assert.True(t, haltIsSet(t, configRepo))
}
