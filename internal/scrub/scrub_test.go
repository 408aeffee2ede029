package scrub

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsSensitiveKeysRecursively(t *testing.T) {
	out, err := Payload(map[string]interface{}{
		"symbol":  "BTCUSDT",
		"api_key": "should-disappear",
		"nested": map[string]interface{}{
			"Signature": "also-gone",
			"qty":       0.5,
			"deeper": []interface{}{
				map[string]interface{}{"TOKEN": "gone-too", "price": 1.5},
			},
		},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))

	assert.NotContains(t, out, "should-disappear")
	assert.NotContains(t, out, "also-gone")
	assert.NotContains(t, out, "gone-too")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "BTCUSDT", decoded["symbol"])
}

func TestTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", 5000)
	out, err := Payload(map[string]interface{}{"raw": long})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded["raw"], 2048+len(ellipsisMarker))
	assert.True(t, strings.HasSuffix(decoded["raw"], ellipsisMarker))
}

func TestShortStringsUntouched(t *testing.T) {
	out, err := Payload(map[string]interface{}{"note": "fine"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"fine"}`, out)
}
