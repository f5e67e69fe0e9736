// Package config loads and validates the renobot configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/state"
)

// Operation modes.
const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
	ModeDual    = "dual"
)

// Config represents the main configuration.
type Config struct {
	Version   string           `yaml:"version"`
	Operation *OperationConfig `yaml:"operation"`
	Platform  *PlatformConfig  `yaml:"platform"`
	Poll      *PollConfig      `yaml:"poll"`
	Bot       *BotConfig       `yaml:"bot"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	Fix       *FixConfig       `yaml:"fix"`
	Rate      *RateConfig      `yaml:"rate"`
	Cache     *CacheConfig     `yaml:"cache"`
	Dashboard *DashboardConfig `yaml:"dashboard"`
	Webhook   *WebhookConfig   `yaml:"webhook"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Logging   *logging.Config  `yaml:"logging"`

	// Allowlist restricts which repositories the agent touches. Empty
	// allows every repository visible to the credentials.
	Allowlist      []string `yaml:"allowlist"`
	IgnoreArchived bool     `yaml:"ignore_archived"`
}

// OperationConfig selects the event sources.
type OperationConfig struct {
	Mode string `yaml:"mode"` // poll, webhook, dual
}

// PollEnabled reports whether the polling orchestrator runs.
func (o *OperationConfig) PollEnabled() bool {
	return o.Mode == ModePoll || o.Mode == ModeDual
}

// WebhookEnabled reports whether the webhook intake runs.
func (o *OperationConfig) WebhookEnabled() bool {
	return o.Mode == ModeWebhook || o.Mode == ModeDual
}

// PlatformConfig holds source-hosting platform credentials.
type PlatformConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"` // empty uses the public API
	// RequestTimeoutSeconds bounds one HTTP round trip.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// PollConfig holds polling orchestrator settings.
type PollConfig struct {
	BaseIntervalSeconds int  `yaml:"base_interval_seconds"`
	MaxIntervalSeconds  int  `yaml:"max_interval_seconds"`
	MaxConcurrentRepos  int  `yaml:"max_concurrent_repos"`
	Adaptive            bool `yaml:"adaptive"`
	// Repositories lists owner/name targets; empty derives the set from
	// the allowlist (or everything visible when that is empty too).
	Repositories []string `yaml:"repositories"`
	// CycleTimeoutSeconds bounds one repository cycle.
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds"`
}

// BotConfig identifies the dependency-update bot.
type BotConfig struct {
	// Identities are login patterns: exact logins or the "[bot]" suffix
	// form (e.g. "renovate[bot]").
	Identities []string `yaml:"identities"`
	// BranchPrefixes identify bot branches (default "renovate/").
	BranchPrefixes []string `yaml:"branch_prefixes"`
}

// MatchesIdentity reports whether a login matches a configured bot
// pattern. Patterns ending in "[bot]" also match the bare login without
// the suffix.
func (b *BotConfig) MatchesIdentity(login string) bool {
	for _, pattern := range b.Identities {
		if login == pattern {
			return true
		}
		if suffix, ok := strings.CutSuffix(pattern, "[bot]"); ok && login == suffix {
			return true
		}
	}
	return false
}

// MatchesBranch reports whether a head ref carries a bot branch prefix.
func (b *BotConfig) MatchesBranch(ref string) bool {
	for _, prefix := range b.BranchPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// ApprovalConfig controls approval submission.
type ApprovalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
}

// FixConfig controls lock-file repair.
type FixConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Languages      []string          `yaml:"languages"`
	Commands       map[string]string `yaml:"commands"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// RateConfig holds rate-limit governor settings.
type RateConfig struct {
	Buffer            int     `yaml:"buffer"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	ThrottleFactor    float64 `yaml:"throttle_factor"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// CacheConfig overrides cache namespace TTLs.
type CacheConfig struct {
	// TTLs maps namespace to a Go duration string ("90s", "5m").
	TTLs map[string]string `yaml:"ttls"`
}

// ParseTTLs converts the string durations, rejecting invalid ones.
func (c *CacheConfig) ParseTTLs() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(c.TTLs))
	for ns, raw := range c.TTLs {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cache TTL for %s: %w", ns, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("cache TTL for %s must be positive", ns)
		}
		out[ns] = d
	}
	return out, nil
}

// DashboardConfig controls the dashboard issue.
type DashboardConfig struct {
	Title        string   `yaml:"title"`
	CreationMode string   `yaml:"creation_mode"` // always, renovate-prs-present, test-repos-only, never
	TestRepos    []string `yaml:"test_repos"`
}

// WebhookConfig controls the event intake.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
	// RequireSignature rejects unsigned deliveries. Defaults to true; only
	// set false for local development.
	RequireSignature *bool `yaml:"require_signature"`
}

// SignatureRequired resolves the RequireSignature default.
func (w *WebhookConfig) SignatureRequired() bool {
	if w.RequireSignature == nil {
		return true
	}
	return *w.RequireSignature
}

// GatewayConfig holds the HTTP server binding.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:   "1.0",
		Operation: &OperationConfig{Mode: ModePoll},
		Platform:  &PlatformConfig{RequestTimeoutSeconds: 30},
		Poll: &PollConfig{
			BaseIntervalSeconds: 60,
			MaxIntervalSeconds:  3600,
			MaxConcurrentRepos:  4,
			Adaptive:            true,
			CycleTimeoutSeconds: 120,
		},
		Bot: &BotConfig{
			Identities:     []string{"renovate[bot]"},
			BranchPrefixes: []string{"renovate/"},
		},
		Approval: &ApprovalConfig{
			Enabled: true,
			Message: "All checks passed; approving dependency update.",
		},
		Fix: &FixConfig{
			TimeoutSeconds: 300,
		},
		Rate: &RateConfig{
			Buffer:            100,
			ThrottleThreshold: 0.8,
			ThrottleFactor:    2.0,
			RequestsPerSecond: 8,
		},
		Cache: &CacheConfig{},
		Dashboard: &DashboardConfig{
			Title:        state.DefaultIssueTitle,
			CreationMode: string(state.CreateWhenPRs),
		},
		Webhook: &WebhookConfig{},
		Gateway: &GatewayConfig{Host: "127.0.0.1", Port: 8090},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file, expanding environment variables.
// A missing file returns defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfigPath returns the default configuration path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".renobot", "config.yaml")
}

// Validate checks the configuration for invalid or contradictory settings.
func (c *Config) Validate() error {
	switch c.Operation.Mode {
	case ModePoll, ModeWebhook, ModeDual:
	default:
		return fmt.Errorf("operation.mode must be poll, webhook or dual, got %q", c.Operation.Mode)
	}

	if c.Platform.Token == "" {
		return fmt.Errorf("platform.token is required")
	}

	if c.Poll.BaseIntervalSeconds < 1 {
		return fmt.Errorf("poll.base_interval_seconds must be positive")
	}
	if c.Poll.MaxIntervalSeconds < c.Poll.BaseIntervalSeconds {
		return fmt.Errorf("poll.max_interval_seconds must be >= poll.base_interval_seconds")
	}
	if c.Poll.MaxConcurrentRepos < 1 {
		return fmt.Errorf("poll.max_concurrent_repos must be positive")
	}
	for _, repo := range c.Poll.Repositories {
		if !validRepoName(repo) {
			return fmt.Errorf("poll.repositories entry %q is not owner/name", repo)
		}
	}
	for _, repo := range c.Allowlist {
		if !validRepoName(repo) {
			return fmt.Errorf("allowlist entry %q is not owner/name", repo)
		}
	}

	if len(c.Bot.Identities) == 0 {
		return fmt.Errorf("bot.identities must not be empty")
	}

	if !state.ValidCreationMode(state.CreationMode(c.Dashboard.CreationMode)) {
		return fmt.Errorf("dashboard.creation_mode %q is not a valid mode", c.Dashboard.CreationMode)
	}

	if c.Operation.WebhookEnabled() && c.Webhook.SignatureRequired() && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when webhooks are enabled and signatures are required")
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	if c.Rate.Buffer < 0 {
		return fmt.Errorf("rate.buffer must not be negative")
	}
	if c.Rate.ThrottleThreshold <= 0 || c.Rate.ThrottleThreshold > 1 {
		return fmt.Errorf("rate.throttle_threshold must be in (0, 1]")
	}
	if c.Rate.ThrottleFactor < 1 {
		return fmt.Errorf("rate.throttle_factor must be >= 1")
	}

	if _, err := c.Cache.ParseTTLs(); err != nil {
		return err
	}

	if c.Fix.Enabled {
		for _, lang := range c.Fix.Languages {
			if c.Fix.Commands[lang] == "" {
				return fmt.Errorf("fix.commands missing entry for language %q", lang)
			}
		}
	}

	return nil
}

// AllowsRepo applies the allowlist to a repository name.
func (c *Config) AllowsRepo(repo string) bool {
	if len(c.Allowlist) == 0 {
		return true
	}
	for _, allowed := range c.Allowlist {
		if allowed == repo {
			return true
		}
	}
	return false
}

func validRepoName(repo string) bool {
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
