// Package database provides the SQLite connection and migration runner
// shared by all three services. Three PRAGMA profiles split the
// workloads: the order-event ledger fsyncs on every write, the feature
// cache trades durability for throughput, and everything else takes
// the balanced default.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Profile selects the PRAGMA set applied to a database file.
type Profile string

const (
	// ProfileLedger is maximum-safety: order_events, trade_logs, config_audit.
	ProfileLedger Profile = "ledger"
	// ProfileCache is maximum-speed: market_data_cache, precompute_task.
	ProfileCache Profile = "cache"
	// ProfileStandard is the balanced default for everything else.
	ProfileStandard Profile = "standard"
)

// Config configures a single database connection.
type Config struct {
	Path    string
	Profile Profile
	Name    string // friendly name for logging
}

// DB wraps a *sql.DB with its profile and name.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// New opens (and if necessary creates) a SQLite database with
// production-oriented pool settings and PRAGMAs for cfg.Profile.
func New(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open(driverName, buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", cfg.Name, err)
	}

	configurePool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func configurePool(conn *sql.DB, profile Profile) {
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if profile == ProfileCache {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
	}
}

// Conn returns the underlying *sql.DB for repositories to use.
func (db *DB) Conn() *sql.DB { return db.conn }

// Name returns the friendly database name used in logging.
func (db *DB) Name() string { return db.name }

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }
