package metrics

import "time"

// HealthStatus is the coarse wellness bucket reported by /health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthInputs are the live signals the score derives from.
type HealthInputs struct {
	// RateLimitPressure is the governor's usage fraction, in [0, 1].
	RateLimitPressure float64
	// CacheHitRate is hits/(hits+misses), in [0, 1].
	CacheHitRate float64
	// StaleCycleAfter marks the last cycle stale when older than this.
	StaleCycleAfter time.Duration
	Now             time.Time
}

// Health derives the score in [0, 100]:
//
//	100 − 40·error_rate − 30·rate_limit_pressure − 20·(1−cache_hit_rate) − 10·stale_cycle_factor
//
// clamped to the range. Error rate is errors over work performed (cycles
// plus PRs examined).
func (s Snapshot) Health(in HealthInputs) int {
	work := s.Cycles + s.PRsExamined
	errorRate := 0.0
	if work > 0 {
		errorRate = float64(s.TotalErrors()) / float64(work)
		if errorRate > 1 {
			errorRate = 1
		}
	}

	stale := 0.0
	if in.StaleCycleAfter > 0 && !s.LastCycleAt.IsZero() {
		if in.Now.Sub(s.LastCycleAt) > in.StaleCycleAfter {
			stale = 1
		}
	}

	score := 100.0 -
		40.0*errorRate -
		30.0*in.RateLimitPressure -
		20.0*(1.0-in.CacheHitRate) -
		10.0*stale

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

// StatusFor buckets a score into a health status.
func StatusFor(score int) HealthStatus {
	switch {
	case score >= 70:
		return StatusHealthy
	case score >= 40:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
