// Package config loads application configuration: .env first, then
// the process environment, with documented defaults for everything
// the control plane needs to boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide configuration for all three services.
// Values that can also live in SystemConfig (see internal/domain) are
// only the process bootstrap defaults here; the control-command
// consumer's live snapshot takes precedence on the hot path.
type Config struct {
	// Database
	DBHost string
	DBPort int
	DBName string
	DBUser string
	DBPassword string
	DataDir string // directory holding the SQLite database file (asv8.db)

	// Cache / lock
	RedisURL string // recognized but unused: lock backing store is SQLite (see DESIGN.md)

	// Exchange
	ExchangeName      string
	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeAPISecret string

	// Trading
	Symbols        []string
	Timeframe      string
	EnableTrading  bool
	PaperTrading   bool
	PaperEquity    float64 // simulated starting equity in paper mode

	// Scheduling
	SyncPollSeconds                int
	TickBudgetSeconds              int
	ControlPollSeconds             int
	PositionSnapshotIntervalSeconds int
	HeartbeatIntervalSeconds       int

	// Feature
	FeatureVersion int

	// Lag alert
	MarketDataLagAlertSeconds         int
	MarketDataLagAlertCooldownSeconds int

	// AI
	AIModelImpl string
	AIScoreMin  float64

	// Setup B thresholds
	ADXMin      float64
	VolRatioMin float64

	// Position sizing
	StopDistPct     float64 // protective stop distance as a fraction of entry price
	DefaultLeverage int     // leverage the risk budget starts stepping down from

	// Circuit breaker thresholds
	CircuitBreakerMaxConsecutiveErrors int
	CircuitBreakerMax429PerWindow      int
	CircuitBreakerWindowSeconds        int
	CircuitBreakerMaxDrawdownPct       float64

	// Timezone (informational; scheduling always converts to clock.HongKong)
	TZ string

	// Locks
	TradeLockTTLSeconds int

	// Order confirmation polling
	OrderConfirmTimeoutSeconds int

	// Archival (supplemental S3 durability target, optional)
	ArchiveS3Bucket    string
	ArchiveS3Endpoint  string
	ArchiveS3Region    string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string

	// Gateway websocket optimization
	GatewayWSEnabled bool

	LogLevel string
	HTTPPort int
}

// Load reads configuration from .env (if present) then the process
// environment, applying the documented defaults.
func Load() (*Config, error) {
	// Ignore a missing .env file; environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBName:     getEnv("DB_NAME", "asv8"),
		DBUser:     getEnv("DB_USER", "asv8"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DataDir:    getEnv("ASV8_DATA_DIR", "./data"),

		RedisURL: getEnv("REDIS_URL", ""),

		ExchangeName:      getEnv("EXCHANGE_NAME", "binance"),
		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),

		Symbols:       splitCSV(getEnv("SYMBOLS", "BTCUSDT")),
		Timeframe:     getEnv("TIMEFRAME", "15m"),
		EnableTrading: getEnvBool("ENABLE_TRADING", true),
		PaperTrading:  getEnvBool("PAPER_TRADING", true),
		PaperEquity:   getEnvFloat("PAPER_EQUITY", 1000),

		SyncPollSeconds:                  getEnvInt("SYNC_POLL_SECONDS", 30),
		TickBudgetSeconds:                getEnvInt("TICK_BUDGET_SECONDS", 10),
		ControlPollSeconds:               getEnvInt("CONTROL_POLL_SECONDS", 2),
		PositionSnapshotIntervalSeconds:  getEnvInt("POSITION_SNAPSHOT_INTERVAL_SECONDS", 300),
		HeartbeatIntervalSeconds:         getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30),

		FeatureVersion: getEnvInt("FEATURE_VERSION", 1),

		MarketDataLagAlertSeconds:         getEnvInt("MARKET_DATA_LAG_ALERT_SECONDS", 120),
		MarketDataLagAlertCooldownSeconds: getEnvInt("MARKET_DATA_LAG_ALERT_COOLDOWN_SECONDS", 300),

		AIModelImpl: getEnv("AI_MODEL_IMPL", "online_lr"),
		AIScoreMin:  getEnvFloat("AI_SCORE_MIN", 50),

		ADXMin:      getEnvFloat("ADX_MIN", 25),
		VolRatioMin: getEnvFloat("VOL_RATIO_MIN", 1.5),

		StopDistPct:     getEnvFloat("STOP_DIST_PCT", 0.02),
		DefaultLeverage: getEnvInt("DEFAULT_LEVERAGE", 5),

		CircuitBreakerMaxConsecutiveErrors: getEnvInt("CIRCUIT_BREAKER_MAX_CONSECUTIVE_ERRORS", 5),
		CircuitBreakerMax429PerWindow:      getEnvInt("CIRCUIT_BREAKER_MAX_429_PER_WINDOW", 10),
		CircuitBreakerWindowSeconds:        getEnvInt("CIRCUIT_BREAKER_WINDOW_SECONDS", 60),
		CircuitBreakerMaxDrawdownPct:       getEnvFloat("CIRCUIT_BREAKER_MAX_DRAWDOWN_PCT", 0.05),

		TZ: getEnv("TZ", "Asia/Hong_Kong"),

		TradeLockTTLSeconds: getEnvInt("TRADE_LOCK_TTL_SECONDS", 30),

		OrderConfirmTimeoutSeconds: getEnvInt("ORDER_CONFIRM_TIMEOUT_SECONDS", 8),

		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "auto"),
		ArchiveS3AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),

		GatewayWSEnabled: getEnvBool("GATEWAY_WS_ENABLED", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPPort: getEnvInt("HTTP_PORT", 8080),
	}

	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("config: SYMBOLS must name at least one symbol")
	}

	return cfg, nil
}

// ArchiveEnabled reports whether the supplemental S3 archival upload is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != "" && c.ArchiveS3Endpoint != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(v string) []string {
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

// HKLocation resolves the configured timezone, falling back to the fixed
// Hong Kong offset used by the scheduler if the name can't be loaded.
func (c *Config) HKLocation() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.FixedZone("Asia/Hong_Kong", 8*60*60)
	}
	return loc
}
