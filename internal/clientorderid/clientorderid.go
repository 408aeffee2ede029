// Package clientorderid generates and parses the idempotency key shared
// by every retry of one order-submission decision.
package clientorderid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const prefix = "asv8"

// ID is the parsed form of a client order id.
type ID struct {
	Symbol      string
	Side        string
	Timeframe   string
	BarCloseTs  int64
	Nonce       string
}

// Nonce derives a stable short hash from a trace id, so every retry of
// the same decision (same trace id) reuses the same client order id.
func Nonce(traceID string) string {
	sum := sha256.Sum256([]byte(traceID))
	return hex.EncodeToString(sum[:])[:8]
}

// New builds the client_order_id for a fresh decision.
func New(symbol, side, timeframe string, barCloseTs int64, traceID string) string {
	return Generate(symbol, side, timeframe, barCloseTs, Nonce(traceID))
}

// Generate assembles the id from its already-derived parts.
func Generate(symbol, side, timeframe string, barCloseTs int64, nonce string) string {
	return strings.Join([]string{
		prefix, symbol, side, timeframe, strconv.FormatInt(barCloseTs, 10), nonce,
	}, "-")
}

// StopID derives the child client_order_id for a protective stop order
// armed against the parent fill.
func StopID(parentClientOrderID string) string {
	return parentClientOrderID + "-stop"
}

// Parse splits a client_order_id back into its components.
func Parse(clientOrderID string) (ID, error) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 6 || parts[0] != prefix {
		return ID{}, fmt.Errorf("clientorderid: malformed id %q", clientOrderID)
	}
	barCloseTs, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("clientorderid: bad bar_close_ts in %q: %w", clientOrderID, err)
	}
	return ID{
		Symbol:     parts[1],
		Side:       parts[2],
		Timeframe:  parts[3],
		BarCloseTs: barCloseTs,
		Nonce:      parts[5],
	}, nil
}
