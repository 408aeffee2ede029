// Package control consolidates the shared mutable trading state
// (halt flags, emergency-exit flag, live config overrides) into a
// single observable snapshot. The control-command consumer refreshes
// the snapshot; tick workers read an atomic pointer to the current
// one instead of re-querying the database on the hot path.
package control

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aristath/asv8/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is one immutable view of the control state. Workers must
// never mutate a Snapshot they read; the consumer publishes a fresh
// one on every change.
type Snapshot struct {
	HaltTrading    bool              `msgpack:"halt_trading"`
	EmergencyExit  bool              `msgpack:"emergency_exit"`
	Symbols        []string          `msgpack:"symbols"`
	Timeframe      string            `msgpack:"timeframe"`
	FeatureVersion int               `msgpack:"feature_version"`
	AIModelImpl    string            `msgpack:"ai_model_impl"`
	Raw            map[string]string `msgpack:"raw"`
	RefreshedAt    time.Time         `msgpack:"refreshed_at"`
}

// FromConfigRows builds a Snapshot from the full system_config table
// contents, applying the given defaults for keys the table does not
// carry yet.
func FromConfigRows(rows map[string]string, defaults Snapshot, now time.Time) Snapshot {
	snap := defaults
	snap.Raw = rows
	snap.RefreshedAt = now

	if v, ok := rows[domain.ConfigKeyHaltTrading]; ok {
		snap.HaltTrading = parseBool(v)
	}
	if v, ok := rows[domain.ConfigKeyEmergencyExit]; ok {
		snap.EmergencyExit = parseBool(v)
	}
	if v, ok := rows[domain.ConfigKeySymbols]; ok && v != "" {
		snap.Symbols = splitSymbols(v)
	}
	if v, ok := rows[domain.ConfigKeyTimeframe]; ok && v != "" {
		snap.Timeframe = v
	}
	if v, ok := rows[domain.ConfigKeyFeatureVer]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			snap.FeatureVersion = n
		}
	}
	if v, ok := rows[domain.ConfigKeyAIModelImpl]; ok && v != "" {
		snap.AIModelImpl = v
	}
	return snap
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func splitSymbols(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Encode serializes the snapshot for broadcast between the consumer
// goroutine and tick workers.
func (s Snapshot) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode control snapshot: %w", err)
	}
	return b, nil
}

// Decode restores a snapshot produced by Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode control snapshot: %w", err)
	}
	return s, nil
}

// State holds the atomic pointer workers read on the hot path.
type State struct {
	v atomic.Pointer[Snapshot]
}

// NewState seeds the state with initial so readers never observe nil.
func NewState(initial Snapshot) *State {
	s := &State{}
	s.v.Store(&initial)
	return s
}

// Current returns the latest published snapshot.
func (s *State) Current() Snapshot {
	return *s.v.Load()
}

// Publish swaps in snap as the current snapshot.
func (s *State) Publish(snap Snapshot) {
	s.v.Store(&snap)
}
