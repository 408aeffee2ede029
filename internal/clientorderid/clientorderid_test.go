package clientorderid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	id := New("BTCUSDT", "BUY", "15m", 1700000000000, "trace-abc")

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", parsed.Symbol)
	assert.Equal(t, "BUY", parsed.Side)
	assert.Equal(t, "15m", parsed.Timeframe)
	assert.Equal(t, int64(1700000000000), parsed.BarCloseTs)
	assert.Len(t, parsed.Nonce, 8)
}

func TestNonceStableAcrossRetries(t *testing.T) {
	a := New("ETHUSDT", "BUY", "15m", 1700000000000, "trace-1")
	b := New("ETHUSDT", "BUY", "15m", 1700000000000, "trace-1")
	assert.Equal(t, a, b, "same decision must reuse the same client order id")

	c := New("ETHUSDT", "BUY", "15m", 1700000000000, "trace-2")
	assert.NotEqual(t, a, c, "a different trace is a different decision")
}

func TestStopID(t *testing.T) {
	parent := New("BTCUSDT", "BUY", "15m", 1700000000000, "trace-1")
	assert.Equal(t, parent+"-stop", StopID(parent))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"not-an-id",
		"other-BTCUSDT-BUY-15m-1700000000000-abcd1234",
		"asv8-BTCUSDT-BUY-15m-notanumber-abcd1234",
		"asv8-BTCUSDT-BUY-15m-1700000000000",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected parse failure for %q", bad)
	}
}
