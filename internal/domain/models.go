// Package domain holds the persistent entities shared across the
// strategy engine, data syncer, and exchange gateway.
package domain

import "time"

// Recognized SystemConfig keys.
const (
	ConfigKeyHaltTrading   = "HALT_TRADING"
	ConfigKeyEmergencyExit = "EMERGENCY_EXIT"
	ConfigKeySymbols       = "SYMBOLS"
	ConfigKeyTimeframe     = "TIMEFRAME"
	ConfigKeyFeatureVer    = "FEATURE_VERSION"
	ConfigKeyAIModelImpl   = "AI_MODEL_IMPL"
)

// ControlCommand lifecycle states.
const (
	CommandStatusNew        = "NEW"
	CommandStatusProcessing = "PROCESSING"
	CommandStatusProcessed  = "PROCESSED"
	CommandStatusError      = "ERROR"
)

// Recognized ControlCommand directives.
const (
	CommandHalt          = "HALT"
	CommandResume        = "RESUME"
	CommandEmergencyExit  = "EMERGENCY_EXIT"
	CommandConfigUpdate   = "CONFIG_UPDATE"
)

// OrderEvent event types, in lifecycle order.
const (
	EventCreated       = "CREATED"
	EventSubmitted     = "SUBMITTED"
	EventAck           = "ACK"
	EventPartial       = "PARTIAL"
	EventFilled        = "FILLED"
	EventCanceled      = "CANCELED"
	EventRejected      = "REJECTED"
	EventError         = "ERROR"
	EventReconciled    = "RECONCILED"
	EventStopArmed     = "STOP_ARMED"
	EventStopTriggered = "STOP_TRIGGERED"
	EventStopFilled    = "STOP_FILLED"
)

// TradeLog status.
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// PrecomputeTask status.
const (
	TaskStatusPending = "PENDING"
	TaskStatusDone    = "DONE"
	TaskStatusError   = "ERROR"
)

// Reason-code prefixes.
const (
	ReasonSetupBSqueezeRelease = "SETUP_B_SQUEEZE_RELEASE"
	ReasonRiskBudgetExceeded   = "RISK_BUDGET_EXCEEDED"
	ReasonStaleCache           = "STALE_CACHE"
	ReasonTickTimeout          = "TICK_TIMEOUT"
	ReasonOrderConfirmTimeout  = "ORDER_CONFIRM_TIMEOUT"
	ReasonStopArmFailedFallback = "STOP_ARM_FAILED_FALLBACK"
	ReasonDataLag              = "DATA_LAG"
	ReasonEmergencyExit        = "EMERGENCY_EXIT"
	ReasonManualClose          = "MANUAL_CLOSE"
	ReasonManualHalt           = "MANUAL_HALT"
	ReasonManualResume         = "MANUAL_RESUME"
	ReasonManualConfigUpdate   = "MANUAL_CONFIG_UPDATE"
	ReasonStopLoss             = "STOP_LOSS"
	ReasonCircuitBreakerOrderErrors = "CIRCUIT_BREAKER_ORDER_ERRORS"
	ReasonCircuitBreakerRateLimit   = "CIRCUIT_BREAKER_RATE_LIMIT"
	ReasonCircuitBreakerDrawdown    = "CIRCUIT_BREAKER_DRAWDOWN"
	ReasonRateLimitBackoff          = "RATE_LIMIT_BACKOFF"
)

// SystemConfig is a single key/value row with its own update timestamp.
type SystemConfig struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ConfigAudit is an append-only history row for a SystemConfig mutation.
type ConfigAudit struct {
	ID         int64
	Actor      string
	Action     string
	Key        string
	OldValue   *string
	NewValue   *string
	TraceID    string
	ReasonCode string
	Reason     string
	CreatedAt  time.Time
}

// ControlCommand is a queued operator directive.
type ControlCommand struct {
	ID          int64
	Command     string
	Payload     string // JSON
	TraceID     string
	Actor       string
	ReasonCode  string
	Reason      string
	Status      string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// ServiceStatus is an UPSERT-on-heartbeat row for one (service, instance).
type ServiceStatus struct {
	ServiceName string
	InstanceID  string
	StatusJSON  string
	UpdatedAt   time.Time
}

// MarketData is one OHLCV candle.
type MarketData struct {
	Symbol      string
	Interval    string
	OpenTimeMs  int64
	CloseTimeMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// MarketDataCache is the precomputed indicator set for one bar at one
// feature version.
type MarketDataCache struct {
	Symbol         string
	Interval       string
	OpenTimeMs     int64
	FeatureVersion int
	FeaturesJSON   string
	CreatedAt      time.Time
}

// PrecomputeTask drives idempotent back-fill of a missing cache row.
type PrecomputeTask struct {
	Symbol         string
	Interval       string
	OpenTimeMs     int64
	FeatureVersion int
	Status         string
	TryCount       int
	LastError      *string
	TraceID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderEvent is one immutable, append-only row in the order-event stream.
type OrderEvent struct {
	ID              int64
	TraceID         string
	Service         string
	Exchange        string
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID *string
	EventType       string
	Side            *string
	Qty             *float64
	Price           *float64
	Status          *string
	ReasonCode      string
	Reason          string
	Action          *string
	Actor           string
	EventTsUTC      time.Time
	EventTsHK       time.Time
	RawPayloadJSON  string
}

// TradeLog is one position's open/close lifecycle row.
type TradeLog struct {
	ID              int64
	Symbol          string
	Side            string
	Qty             float64
	Leverage        int
	EntryPrice      float64
	ExitPrice       *float64
	PnL             *float64
	StopPrice       float64
	StopDistPct     float64
	ClientOrderID   string
	ExchangeOrderID *string
	RobotScore      *float64
	AIProb          *float64
	OpenReasonCode  string
	OpenReason      string
	CloseReasonCode *string
	CloseReason     *string
	EntryTimeMs     int64
	ExitTimeMs      *int64
	Status          string
}

// PositionSnapshot is a periodic or event-triggered position record.
type PositionSnapshot struct {
	ID            int64
	Symbol        string
	BaseQty       float64
	AvgEntryPrice float64
	MetaJSON      string
	CreatedAt     time.Time
}

// AiModel is a versioned, swappable scorer implementation row.
type AiModel struct {
	ModelName    string
	Version      string
	Impl         string
	MetricsJSON  string
	BinaryBlob   []byte
	IsCurrent    bool
	CreatedAt    time.Time
}

// ArchiveAudit records one archival run over one open-time range.
type ArchiveAudit struct {
	ID            int64
	Table         string
	FromOpenTime  int64
	ToOpenTime    int64
	MovedRows     int64
	TraceID       string
	Status        string
	Message       string
	CreatedAt     time.Time
}
