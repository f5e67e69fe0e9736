// Package activity maps per-repository change history to an activity score
// and the score to the next poll interval. Scores live only in memory; a
// restart warms up within a few cycles.
package activity

import (
	"sync"
	"time"
)

// Config holds scorer settings. Zero values fall back to defaults.
type Config struct {
	// Adaptive disables score-driven intervals when false; every repo then
	// polls at BaseInterval.
	Adaptive bool `yaml:"adaptive"`
	// BaseInterval is the non-adaptive interval and the floor for adaptive
	// ones.
	BaseInterval time.Duration `yaml:"base_interval"`
	// MaxInterval is the hard interval cap after cooldown.
	MaxInterval time.Duration `yaml:"max_interval"`
	// CooldownAfter is the consecutive-empty-cycle count that triggers the
	// cooldown multiplier.
	CooldownAfter int `yaml:"cooldown_after"`
	// CooldownFactor stretches the interval once cooldown is active.
	CooldownFactor float64 `yaml:"cooldown_factor"`
}

// DefaultConfig returns the default scorer settings.
func DefaultConfig() *Config {
	return &Config{
		Adaptive:       true,
		BaseInterval:   60 * time.Second,
		MaxInterval:    3600 * time.Second,
		CooldownAfter:  5,
		CooldownFactor: 1.5,
	}
}

// Score update and interval mapping constants.
const (
	changeBoost = 0.4
	decayFactor = 0.75

	highThreshold   = 0.7
	mediumThreshold = 0.4
	lowThreshold    = 0.15

	highInterval   = 60 * time.Second
	mediumInterval = 120 * time.Second
	lowInterval    = 300 * time.Second
	idleInterval   = 900 * time.Second
)

type repoState struct {
	score            float64
	consecutiveEmpty int
}

// Scorer tracks activity per repository. Safe for concurrent use.
type Scorer struct {
	cfg *Config

	mu    sync.Mutex
	repos map[string]*repoState
}

// NewScorer creates an activity scorer.
func NewScorer(cfg *Config) *Scorer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 60 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 3600 * time.Second
	}
	if cfg.CooldownAfter <= 0 {
		cfg.CooldownAfter = 5
	}
	if cfg.CooldownFactor <= 1 {
		cfg.CooldownFactor = 1.5
	}
	return &Scorer{
		cfg:   cfg,
		repos: make(map[string]*repoState),
	}
}

// Observe records the outcome of one cycle. changed reports whether the
// cycle detected at least one PR change.
func (s *Scorer) Observe(repo string, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(repo)
	if changed {
		st.score = clamp(st.score + changeBoost)
		st.consecutiveEmpty = 0
	} else {
		st.score = clamp(st.score * decayFactor)
		st.consecutiveEmpty++
	}
}

// Score returns the current activity score for a repo, in [0, 1].
func (s *Scorer) Score(repo string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(repo).score
}

// ConsecutiveEmpty returns the repo's empty-cycle streak.
func (s *Scorer) ConsecutiveEmpty(repo string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(repo).consecutiveEmpty
}

// NextInterval maps the repo's score to its next poll interval.
func (s *Scorer) NextInterval(repo string) time.Duration {
	if !s.cfg.Adaptive {
		return s.cfg.BaseInterval
	}

	s.mu.Lock()
	st := s.state(repo)
	score := st.score
	empty := st.consecutiveEmpty
	s.mu.Unlock()

	var interval time.Duration
	switch {
	case score >= highThreshold:
		interval = highInterval
	case score >= mediumThreshold:
		interval = mediumInterval
	case score >= lowThreshold:
		interval = lowInterval
	default:
		interval = idleInterval
	}

	if empty >= s.cfg.CooldownAfter {
		interval = time.Duration(float64(interval) * s.cfg.CooldownFactor)
	}

	if interval < s.cfg.BaseInterval {
		interval = s.cfg.BaseInterval
	}
	if interval > s.cfg.MaxInterval {
		interval = s.cfg.MaxInterval
	}
	return interval
}

// Forget drops a repo's state (soft-forgotten when removed from config).
func (s *Scorer) Forget(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, repo)
}

func (s *Scorer) state(repo string) *repoState {
	st, ok := s.repos[repo]
	if !ok {
		st = &repoState{}
		s.repos[repo] = st
	}
	return st
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
