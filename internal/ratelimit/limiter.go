// Package ratelimit implements the process-wide adaptive rate
// limiter. It is the single choke point every
// exchange call must traverse: Acquire before the call, Observe after.
// Budgets are header-driven: exchange responses feed used-weight and
// Retry-After back into the group that issued the call.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Group names the three independent budgets the limiter owns.
type Group string

const (
	GroupMarket  Group = "market"
	GroupAccount Group = "account"
	GroupOrder   Group = "order"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2.0
	backoffCap    = 30 * time.Second
	backoffJitter = 0.20
)

type groupState struct {
	mu              sync.Mutex
	ceiling         int
	consumed        int
	windowStart     time.Time
	windowLen       time.Duration
	backoffUntil    time.Time
	consecutive429s int
	backoffStreak   int // count of consecutive backoff escalations since last success
	requestTotal    int64
	waitSeconds     float64
	rateLimitCount  int64
}

// BreachFunc is invoked on every rate-limited response once the group's
// consecutive-429 count reaches the breach limit (the count is reset by
// a non-rate-limited response, not by the window); it lets the Circuit
// Breaker observe the signal without this package depending on it
// directly.
type BreachFunc func(group Group, consecutive429s int)

// Limiter owns the three per-group budgets and the shared mutex that
// protects them.
type Limiter struct {
	log         zerolog.Logger
	groups      map[Group]*groupState
	rng         *rand.Rand
	rngMu       sync.Mutex
	breachLimit int
	onBreach    BreachFunc
	now         func() time.Time
}

// Config configures per-group ceilings and the rolling window length.
type Config struct {
	Ceilings    map[Group]int
	WindowLen   time.Duration
	BreachLimit int // consecutive 429s (not windowed) at which onBreach fires
	OnBreach    BreachFunc
}

// New constructs a Limiter with the given configuration.
func New(cfg Config, log zerolog.Logger) *Limiter {
	if cfg.WindowLen <= 0 {
		cfg.WindowLen = time.Minute
	}
	if cfg.BreachLimit <= 0 {
		cfg.BreachLimit = 10
	}

	groups := make(map[Group]*groupState, 3)
	for _, g := range []Group{GroupMarket, GroupAccount, GroupOrder} {
		ceiling := cfg.Ceilings[g]
		if ceiling <= 0 {
			ceiling = 1200
		}
		groups[g] = &groupState{ceiling: ceiling, windowLen: cfg.WindowLen, windowStart: time.Now()}
	}

	return &Limiter{
		log:         log.With().Str("component", "rate_limiter").Logger(),
		groups:      groups,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		breachLimit: cfg.BreachLimit,
		onBreach:    cfg.OnBreach,
		now:         time.Now,
	}
}

// Acquire blocks (cooperatively, via context-aware sleeps) until group
// is under its ceiling and its backoff has elapsed.
func (l *Limiter) Acquire(ctx context.Context, group Group) error {
	gs := l.groups[group]
	if gs == nil {
		return nil
	}

	for {
		gs.mu.Lock()
		now := l.now()
		gs.rolloverWindowLocked(now)

		wait := gs.backoffUntil.Sub(now)
		underCeiling := gs.consumed < gs.ceiling
		gs.mu.Unlock()

		if wait <= 0 && underCeiling {
			return nil
		}
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}

		gs.mu.Lock()
		gs.waitSeconds += wait.Seconds()
		gs.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (gs *groupState) rolloverWindowLocked(now time.Time) {
	if now.Sub(gs.windowStart) >= gs.windowLen {
		gs.windowStart = now
		gs.consumed = 0
	}
}

// Response is the subset of an exchange HTTP response Observe needs.
type Response struct {
	StatusCode int
	Headers    http.Header
}

// Observe updates the group's consumed weight and, on a rate-limit
// response, sets the backoff-until timestamp.
func (l *Limiter) Observe(group Group, resp Response) {
	gs := l.groups[group]
	if gs == nil {
		return
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.requestTotal++

	if w := parseWeightHeader(resp.Headers); w > 0 {
		gs.consumed += w
	} else {
		gs.consumed++
	}

	if resp.StatusCode == 429 || resp.StatusCode == 418 {
		gs.rateLimitCount++
		gs.consecutive429s++

		retryAfter := parseRetryAfter(resp.Headers)
		backoff := l.computeBackoff(gs.backoffStreak)
		gs.backoffStreak++
		if retryAfter > backoff {
			backoff = retryAfter
		}

		until := l.now().Add(backoff)
		if until.After(gs.backoffUntil) {
			gs.backoffUntil = until
		}

		l.log.Warn().
			Str("reason_code", "RATE_LIMIT_BACKOFF").
			Str("group", string(group)).
			Int("status", resp.StatusCode).
			Dur("backoff", backoff).
			Int("consecutive_429s", gs.consecutive429s).
			Msg("rate limited, backing off")

		if l.breachLimit > 0 && gs.consecutive429s >= l.breachLimit && l.onBreach != nil {
			l.onBreach(group, gs.consecutive429s)
		}
		return
	}

	// A successful, non-rate-limited call resets the backoff streak
	// and the consecutive-429 counter.
	gs.consecutive429s = 0
	gs.backoffStreak = 0
}

func (l *Limiter) computeBackoff(streak int) time.Duration {
	d := float64(backoffBase) * math.Pow(backoffFactor, float64(streak))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}

	l.rngMu.Lock()
	jitter := 1 + (l.rng.Float64()*2-1)*backoffJitter
	l.rngMu.Unlock()

	out := time.Duration(d * jitter)
	if out > backoffCap {
		out = backoffCap
	}
	if out < 0 {
		out = 0
	}
	return out
}

// GroupMetrics is a point-in-time snapshot for one budget group.
type GroupMetrics struct {
	RequestTotal   int64
	WaitSeconds    float64
	RateLimitCount int64
	BackoffUntil   time.Time
}

// Metrics returns a snapshot across all groups.
func (l *Limiter) Metrics() map[Group]GroupMetrics {
	out := make(map[Group]GroupMetrics, len(l.groups))
	for g, gs := range l.groups {
		gs.mu.Lock()
		out[g] = GroupMetrics{
			RequestTotal:   gs.requestTotal,
			WaitSeconds:    gs.waitSeconds,
			RateLimitCount: gs.rateLimitCount,
			BackoffUntil:   gs.backoffUntil,
		}
		gs.mu.Unlock()
	}
	return out
}

func parseWeightHeader(h http.Header) int {
	for _, key := range []string{"X-Mbx-Used-Weight-1m", "X-Ratelimit-Used", "X-Mbx-Order-Count-1m"} {
		if v := h.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
