package state

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/platform"
)

// CreationMode controls when a missing dashboard issue is created.
type CreationMode string

const (
	CreateAlways    CreationMode = "always"
	CreateWhenPRs   CreationMode = "renovate-prs-present"
	CreateTestRepos CreationMode = "test-repos-only"
	CreateNever     CreationMode = "never"
)

// ValidCreationMode reports whether mode is a known enum value.
func ValidCreationMode(mode CreationMode) bool {
	switch mode {
	case CreateAlways, CreateWhenPRs, CreateTestRepos, CreateNever:
		return true
	}
	return false
}

// Tracker owns dashboard-issue I/O and the per-repository write lock.
// All reads and writes of a repo's dashboard happen under that lock, so a
// read-modify-write is atomic within the process. Across processes no
// guarantees are made; one active instance per repository set is assumed.
type Tracker struct {
	api       platform.API
	title     string
	mode      CreationMode
	testRepos map[string]bool
	logger    *slog.Logger

	locks  sync.Map // repo -> *sync.Mutex
	issues sync.Map // repo -> int, dashboard issue numbers already located
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithIssueTitle overrides the dashboard issue title.
func WithIssueTitle(title string) TrackerOption {
	return func(t *Tracker) {
		if title != "" {
			t.title = title
		}
	}
}

// WithCreationMode sets the dashboard creation policy.
func WithCreationMode(mode CreationMode) TrackerOption {
	return func(t *Tracker) {
		if mode != "" {
			t.mode = mode
		}
	}
}

// WithTestRepos marks repositories eligible under test-repos-only creation.
func WithTestRepos(repos []string) TrackerOption {
	return func(t *Tracker) {
		for _, r := range repos {
			t.testRepos[r] = true
		}
	}
}

// NewTracker creates a dashboard tracker.
func NewTracker(api platform.API, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		api:       api,
		title:     DefaultIssueTitle,
		mode:      CreateWhenPRs,
		testRepos: make(map[string]bool),
		logger:    logging.WithComponent("state"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LockRepo acquires the per-repository lock and returns the unlock func.
func (t *Tracker) LockRepo(repo string) func() {
	muAny, _ := t.locks.LoadOrStore(repo, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// TryLockRepo acquires the per-repository lock without blocking. It returns
// the unlock func and true, or nil and false when the lock is held.
func (t *Tracker) TryLockRepo(repo string) (func(), bool) {
	muAny, _ := t.locks.LoadOrStore(repo, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// Load reads the repo's dashboard document. Returns the document, whether
// it had to be rebuilt (missing issue is not a rebuild; a present but
// corrupt hidden block is), and any API error. Callers must hold the repo
// lock.
func (t *Tracker) Load(ctx context.Context, repo string) (*Document, bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, false, err
	}

	issue, err := t.api.FindIssueByTitle(ctx, owner, name, t.title)
	if err != nil {
		return nil, false, fmt.Errorf("failed to locate dashboard issue: %w", err)
	}
	if issue == nil {
		return NewDocument(), false, nil
	}

	t.issues.Store(repo, issue.Number)

	doc, ok := Parse(issue.Body)
	if !ok {
		t.logger.Warn("dashboard state block corrupt, rebuilding",
			slog.String("repo", repo),
			slog.Int("issue", issue.Number),
		)
		return doc, true, nil
	}
	return doc, false, nil
}

// Store renders the document and writes it back. The known-issue path is a
// single update call; when the issue has not been located yet a lookup (and
// possibly a create, policy permitting) precedes it. hasRenovatePRs feeds
// the renovate-prs-present policy. Returns the number of platform calls
// made, so callers can account for them. Callers must hold the repo lock.
func (t *Tracker) Store(ctx context.Context, repo string, doc *Document, hasRenovatePRs bool) (int, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, err
	}

	body, err := doc.Render(repo)
	if err != nil {
		return 0, err
	}

	if numAny, ok := t.issues.Load(repo); ok {
		number := numAny.(int)
		if err := t.api.UpdateIssueBody(ctx, owner, name, number, body); err != nil {
			return 1, fmt.Errorf("failed to update dashboard issue: %w", err)
		}
		return 1, nil
	}

	// No known issue. Re-check before creating: another component may have
	// located it since, or it may exist from a previous run.
	issue, err := t.api.FindIssueByTitle(ctx, owner, name, t.title)
	if err != nil {
		return 1, fmt.Errorf("failed to locate dashboard issue: %w", err)
	}
	if issue != nil {
		t.issues.Store(repo, issue.Number)
		if err := t.api.UpdateIssueBody(ctx, owner, name, issue.Number, body); err != nil {
			return 2, fmt.Errorf("failed to update dashboard issue: %w", err)
		}
		return 2, nil
	}

	if !t.shouldCreate(repo, hasRenovatePRs) {
		t.logger.Debug("dashboard creation skipped by policy",
			slog.String("repo", repo),
			slog.String("mode", string(t.mode)),
		)
		return 1, nil
	}

	created, err := t.api.CreateIssue(ctx, owner, name, t.title, body)
	if err != nil {
		return 2, fmt.Errorf("failed to create dashboard issue: %w", err)
	}
	t.issues.Store(repo, created.Number)
	t.logger.Info("dashboard issue created",
		slog.String("repo", repo),
		slog.Int("issue", created.Number),
	)
	return 2, nil
}

func (t *Tracker) shouldCreate(repo string, hasRenovatePRs bool) bool {
	switch t.mode {
	case CreateAlways:
		return true
	case CreateWhenPRs:
		return hasRenovatePRs
	case CreateTestRepos:
		return t.testRepos[repo]
	default:
		return false
	}
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format, expected owner/repo: %s", repo)
	}
	return parts[0], parts[1], nil
}
