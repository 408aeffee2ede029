package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(eventType string) domain.OrderEvent {
	return domain.OrderEvent{
		TraceID:       "trace-1",
		Service:       "strategy-engine",
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		ClientOrderID: "asv8-BTCUSDT-BUY-15m-1700000000000-abcd1234",
		EventType:     eventType,
		ReasonCode:    "SETUP_B_SQUEEZE_RELEASE",
		Reason:        "test event",
		Actor:         "system:test",
		EventTsUTC:    time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC),
		EventTsHK:     time.Date(2026, 3, 1, 15, 0, 0, 0, time.FixedZone("HK", 8*3600)),
	}
}

func TestAppendOrderEventIdempotent(t *testing.T) {
	repo := NewOrderEventRepository(testDB(t), zerolog.Nop())
	ctx := context.Background()

	inserted, err := repo.AppendOrderEvent(ctx, sampleEvent(domain.EventCreated))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.AppendOrderEvent(ctx, sampleEvent(domain.EventCreated))
	require.NoError(t, err)
	assert.False(t, inserted, "second append under the same uniqueness key must be a no-op")

	// A different event type for the same client order id is a new row.
	inserted, err = repo.AppendOrderEvent(ctx, sampleEvent(domain.EventSubmitted))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestAppendScrubsRawPayload(t *testing.T) {
	db := testDB(t)
	repo := NewOrderEventRepository(db, zerolog.Nop())
	ctx := context.Background()

	ev := sampleEvent(domain.EventSubmitted)
	ev.RawPayloadJSON = `{"api_key":"super-secret","qty":1.5,"note":"` + strings.Repeat("y", 4000) + `"}`
	_, err := repo.AppendOrderEvent(ctx, ev)
	require.NoError(t, err)

	var stored string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT raw_payload_json FROM order_events WHERE event_type = ?`, domain.EventSubmitted,
	).Scan(&stored))

	assert.NotContains(t, stored, "super-secret")
	assert.Contains(t, stored, "[REDACTED]")
	assert.Contains(t, stored, "...[truncated]")
}

func TestRecentErrorsFiltersByService(t *testing.T) {
	repo := NewOrderEventRepository(testDB(t), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := sampleEvent(domain.EventError)
		ev.ClientOrderID = ev.ClientOrderID + string(rune('a'+i))
		ev.Service = "strategy-engine"
		_, err := repo.AppendOrderEvent(ctx, ev)
		require.NoError(t, err)
	}
	other := sampleEvent(domain.EventError)
	other.ClientOrderID = "other-service-event"
	other.Service = "data-syncer"
	_, err := repo.AppendOrderEvent(ctx, other)
	require.NoError(t, err)

	errs, err := repo.RecentErrors(ctx, "strategy-engine", 10)
	require.NoError(t, err)
	assert.Len(t, errs, 3)
	for _, ev := range errs {
		assert.Equal(t, "strategy-engine", ev.Service)
		assert.Equal(t, domain.EventError, ev.EventType)
	}
}

func TestExistsEventType(t *testing.T) {
	repo := NewOrderEventRepository(testDB(t), zerolog.Nop())
	ctx := context.Background()

	ev := sampleEvent(domain.EventCreated)
	_, err := repo.AppendOrderEvent(ctx, ev)
	require.NoError(t, err)

	exists, err := repo.ExistsEventType(ctx, ev.Exchange, ev.Symbol, ev.ClientOrderID, domain.EventCreated)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsEventType(ctx, ev.Exchange, ev.Symbol, ev.ClientOrderID, domain.EventFilled)
	require.NoError(t, err)
	assert.False(t, exists)
}
