// Package lock implements the per-symbol distributed lock: the
// set-if-absent-with-TTL, fencing-token, compare-and-delete semantics
// of a Redis `asv8:lock:trade:{symbol}` lease, backed by a SQLite
// table so the lock persists in the same ledger database the rest of
// the control plane already depends on (see DESIGN.md).
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix keeps the conventional Redis-style key shape for log and
// trace readability even though the backing store differs.
const KeyPrefix = "asv8:lock:trade:"

// Lock is a distributed mutual-exclusion primitive with a TTL safety
// net, backed by the trade_locks table.
type Lock struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Lock using db for storage and ttl as the default lease.
func New(db *sql.DB, ttl time.Duration) *Lock {
	return &Lock{db: db, ttl: ttl}
}

// Handle is returned on successful acquisition and must be released on
// every exit path.
type Handle struct {
	Key   string
	Token string
}

// Acquire attempts a set-if-absent-with-TTL acquisition of the lock for
// symbol. It returns (nil, false, nil) on contention rather than an error.
func (l *Lock) Acquire(ctx context.Context, symbol string) (*Handle, bool, error) {
	key := KeyPrefix + symbol
	token := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(l.ttl)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO trade_locks (lock_key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE trade_locks.expires_at <= ?
	`, key, token, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire rows affected: %w", err)
	}
	if rows == 0 {
		return nil, false, nil
	}

	// Confirm we actually hold the token we just wrote (guards the
	// narrow race where two acquirers both pass the WHERE clause in
	// the same busy-timeout window under WAL).
	var stored string
	err = l.db.QueryRowContext(ctx, `SELECT token FROM trade_locks WHERE lock_key = ?`, key).Scan(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("lock verify: %w", err)
	}
	if stored != token {
		return nil, false, nil
	}

	return &Handle{Key: key, Token: token}, true, nil
}

// Release performs a compare-and-delete against h.Token, so a lock that
// expired and was re-acquired by another holder is never clobbered by
// the original releaser.
func (l *Lock) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM trade_locks WHERE lock_key = ? AND token = ?`,
		h.Key, h.Token,
	)
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}
