// Package fixer invokes language-specific lock-file repair for dependency
// PRs whose bot failed to update the lock file. The production
// implementation shells out to a self-contained fix command that clones
// into a scratch location and pushes the repaired lock file back.
package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/renobot/renobot/internal/logging"
)

// Result reports a successful fix.
type Result struct {
	CommitsPushed int `json:"commits_pushed"`
}

// Fixer repairs the lock file on a PR head branch. Invoked at most once per
// pipeline run.
type Fixer interface {
	Fix(ctx context.Context, repo, headRef, language string) (*Result, error)
}

// Config holds fixer settings.
type Config struct {
	Enabled   bool     `yaml:"enabled"`
	Languages []string `yaml:"languages"`
	// Commands maps a language to the fix command template. The command is
	// invoked as: <cmd> <repo> <head_ref>.
	Commands map[string]string `yaml:"commands"`
	// Timeout bounds one fixer invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns fixer defaults (disabled).
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Timeout: 5 * time.Minute,
	}
}

// SupportsLanguage reports whether fixing is enabled for a language.
func (c *Config) SupportsLanguage(language string) bool {
	if !c.Enabled {
		return false
	}
	for _, l := range c.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// ExecFixer runs an external fix command per language.
type ExecFixer struct {
	cfg    *Config
	logger *slog.Logger
}

// NewExecFixer creates a command-backed fixer.
func NewExecFixer(cfg *Config) *ExecFixer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &ExecFixer{
		cfg:    cfg,
		logger: logging.WithComponent("fixer"),
	}
}

// Fix runs the configured command for the language. The command prints a
// JSON result ({"commits_pushed": n}) on success; a non-zero exit is a fix
// failure.
func (f *ExecFixer) Fix(ctx context.Context, repo, headRef, language string) (*Result, error) {
	command, ok := f.cfg.Commands[language]
	if !ok || command == "" {
		return nil, fmt.Errorf("no fix command configured for language %q", language)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	parts := strings.Fields(command)
	args := append(parts[1:], repo, headRef)

	f.logger.Info("running lockfile fix",
		slog.String("repo", repo),
		slog.String("head_ref", headRef),
		slog.String("language", language),
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		f.logger.Warn("lockfile fix failed",
			slog.String("repo", repo),
			slog.String("stderr", truncate(stderr.String(), 512)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("fix command failed: %w", err)
	}

	var result Result
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			// Command succeeded but did not report details; assume one push.
			result.CommitsPushed = 1
		}
	} else {
		result.CommitsPushed = 1
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MockFixer records invocations for tests.
type MockFixer struct {
	Calls  []MockFixCall
	Result *Result
	Err    error
}

// MockFixCall records one Fix invocation.
type MockFixCall struct {
	Repo     string
	HeadRef  string
	Language string
}

// Fix records the call and returns the configured result.
func (m *MockFixer) Fix(ctx context.Context, repo, headRef, language string) (*Result, error) {
	m.Calls = append(m.Calls, MockFixCall{Repo: repo, HeadRef: headRef, Language: language})
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &Result{CommitsPushed: 1}, nil
}

var (
	_ Fixer = (*ExecFixer)(nil)
	_ Fixer = (*MockFixer)(nil)
)
