// Package ratelimit tracks the remote API quota and gates outgoing
// requests. All platform callers route through Governor.Acquire; the
// governor itself never retries or sleeps, it only reports whether a caller
// may proceed and how long it should wait if not.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/platform"
)

// Config holds governor settings.
type Config struct {
	// Buffer is the number of remaining calls held in reserve. Admission
	// stops once remaining drops to the buffer.
	Buffer int `yaml:"buffer"`
	// ThrottleThreshold is the usage fraction above which delay hints are
	// multiplied by ThrottleFactor.
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	// ThrottleFactor multiplies delay hints under throttle pressure.
	ThrottleFactor float64 `yaml:"throttle_factor"`
	// RequestsPerSecond smooths bursts independently of the remote quota.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the smoother's bucket size.
	Burst int `yaml:"burst"`
	// StaleAfter marks the quota view stale when no headers arrived for
	// this long. A stale view is treated conservatively.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns sensible governor defaults.
func DefaultConfig() *Config {
	return &Config{
		Buffer:            100,
		ThrottleThreshold: 0.8,
		ThrottleFactor:    2.0,
		RequestsPerSecond: 8,
		Burst:             16,
		StaleAfter:        5 * time.Minute,
	}
}

// Snapshot is the read-only quota view.
type Snapshot struct {
	Remaining     int       `json:"remaining"`
	Limit         int       `json:"limit"`
	ResetAt       time.Time `json:"reset_at"`
	UsageFraction float64   `json:"usage_fraction"`
	Stale         bool      `json:"stale"`
}

// Governor gates platform calls against the remote quota.
// Safe for concurrent use.
type Governor struct {
	cfg      *Config
	smoother *rate.Limiter
	logger   *slog.Logger

	mu         sync.RWMutex
	remaining  int
	limit      int
	resetAt    time.Time
	observedAt time.Time

	now func() time.Time // test hook
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the governor's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// NewGovernor creates a governor. The quota view starts unobserved; callers
// should seed it with an initial Observe (the platform client forwards
// headers from every call, including GetRateLimit).
func NewGovernor(cfg *Config, opts ...Option) *Governor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	g := &Governor{
		cfg:      cfg,
		smoother: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   logging.WithComponent("ratelimit"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Observe updates the quota view from response headers.
// Older snapshots never overwrite newer state within the same window:
// a remaining value above the current one with the same reset is ignored,
// since responses can arrive out of order.
func (g *Governor) Observe(snap platform.RateSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sameWindow := !snap.ResetAt.IsZero() && snap.ResetAt.Equal(g.resetAt)
	if sameWindow && snap.Remaining > g.remaining {
		return
	}

	g.remaining = snap.Remaining
	g.limit = snap.Limit
	if !snap.ResetAt.IsZero() {
		g.resetAt = snap.ResetAt
	}
	g.observedAt = g.now()
}

// Acquire asks for admission to spend weight API calls. When admitted the
// returned delay is a pacing hint from the burst smoother (zero in the
// common case). When denied the delay is the time until the quota resets,
// scaled by the throttle factor under pressure.
func (g *Governor) Acquire(weight int) (bool, time.Duration) {
	if weight < 1 {
		weight = 1
	}

	g.mu.RLock()
	remaining := g.remaining
	resetAt := g.resetAt
	observedAt := g.observedAt
	usage := g.usageFractionLocked()
	g.mu.RUnlock()

	now := g.now()
	stale := observedAt.IsZero() || now.Sub(observedAt) > g.cfg.StaleAfter

	// A stale view admits but paces as if under throttle pressure, so a
	// refreshing call can still get through.
	if !stale && remaining <= g.cfg.Buffer {
		delay := resetAt.Sub(now)
		if delay < 0 {
			// The window has rolled over but no fresh headers arrived yet.
			// Admit; the next response refreshes the view.
			delay = 0
		} else {
			if usage >= g.cfg.ThrottleThreshold {
				delay = time.Duration(float64(delay) * g.cfg.ThrottleFactor)
			}
			g.logger.Debug("admission denied",
				slog.Int("remaining", remaining),
				slog.Int("buffer", g.cfg.Buffer),
				slog.Duration("delay", delay),
			)
			return false, delay
		}
	}

	res := g.smoother.ReserveN(now, weight)
	if !res.OK() {
		// weight exceeds burst; admit unpaced rather than wedge the caller.
		return true, 0
	}
	delay := res.DelayFrom(now)
	if stale {
		delay = time.Duration(float64(delay+time.Second) * g.cfg.ThrottleFactor)
	}
	return true, delay
}

// Snapshot returns the current quota view.
func (g *Governor) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	return Snapshot{
		Remaining:     g.remaining,
		Limit:         g.limit,
		ResetAt:       g.resetAt,
		UsageFraction: g.usageFractionLocked(),
		Stale:         g.observedAt.IsZero() || now.Sub(g.observedAt) > g.cfg.StaleAfter,
	}
}

// UsageFraction returns the fraction of the quota window consumed.
func (g *Governor) UsageFraction() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usageFractionLocked()
}

func (g *Governor) usageFractionLocked() float64 {
	if g.limit <= 0 {
		return 0
	}
	return float64(g.limit-g.remaining) / float64(g.limit)
}
