// Package processor runs the idempotent per-PR pipeline: classify the
// author, verify mergeability and checks, approve, optionally repair the
// lock file, and record the outcome on the repository dashboard.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/renobot/renobot/internal/cache"
	"github.com/renobot/renobot/internal/config"
	"github.com/renobot/renobot/internal/dedup"
	"github.com/renobot/renobot/internal/fixer"
	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/metrics"
	"github.com/renobot/renobot/internal/platform"
	"github.com/renobot/renobot/internal/ratelimit"
	"github.com/renobot/renobot/internal/state"
)

// Block reasons surfaced in the dashboard's per-PR error column.
const (
	ReasonChecksPending = "checks_pending"
	ReasonChecksFailed  = "checks_failed"
	ReasonConflict      = "merge_conflict"
	ReasonFixFailed     = "fix_failed"
	ReasonTransient     = "transient"
)

// governorWeight is the expected platform call count of one pipeline run.
const governorWeight = 4

// Config holds processor settings.
type Config struct {
	ApprovalEnabled bool
	ApprovalMessage string
	// PipelineTimeout bounds one pipeline run (default 60s).
	PipelineTimeout time.Duration
	// Workers is the queue consumer count (default 4).
	Workers int
	// OnOutcome, when set, receives every recorded pipeline outcome.
	OnOutcome func(repo string, number int, action, reason string)
}

// DefaultConfig returns processor defaults.
func DefaultConfig() *Config {
	return &Config{
		ApprovalEnabled: true,
		PipelineTimeout: 60 * time.Second,
		Workers:         4,
	}
}

// Processor consumes the dedup queue and runs the per-PR pipeline.
type Processor struct {
	cfg      *Config
	api      platform.API
	queue    *dedup.Queue
	tracker  *state.Tracker
	cache    *cache.Cache
	governor *ratelimit.Governor
	recorder *metrics.Recorder
	fixer    fixer.Fixer
	fixCfg   *fixer.Config
	bot      *config.BotConfig
	logger   *slog.Logger

	selfOnce  sync.Once
	selfLogin string
}

// New creates a processor. fixer may be nil when fixing is disabled.
func New(cfg *Config, api platform.API, queue *dedup.Queue, tracker *state.Tracker,
	c *cache.Cache, governor *ratelimit.Governor, recorder *metrics.Recorder,
	fx fixer.Fixer, fixCfg *fixer.Config, bot *config.BotConfig,
) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if fixCfg == nil {
		fixCfg = fixer.DefaultConfig()
	}
	return &Processor{
		cfg:      cfg,
		api:      api,
		queue:    queue,
		tracker:  tracker,
		cache:    c,
		governor: governor,
		recorder: recorder,
		fixer:    fx,
		fixCfg:   fixCfg,
		bot:      bot,
		logger:   logging.WithComponent("processor"),
	}
}

// Run consumes the queue with a worker pool until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := p.queue.Next(ctx)
				if err != nil {
					return
				}
				if err := p.Process(ctx, item.Key); err != nil {
					p.logger.Warn("pipeline failed",
						slog.String("pr", item.Key.String()),
						slog.Any("error", err),
					)
				}
				p.queue.Done(item.Key)
			}
		}()
	}
	wg.Wait()
}

// Process runs one pipeline pass for a PR. At most one approval, one fixer
// invocation and one dashboard write happen per call.
func (p *Processor) Process(ctx context.Context, key dedup.Key) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	unlock := p.tracker.LockRepo(key.Repo)
	defer unlock()

	if admitted, delay := p.governor.Acquire(governorWeight); !admitted {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	owner, name, ok := strings.Cut(key.Repo, "/")
	if !ok {
		return fmt.Errorf("invalid repo key: %s", key.Repo)
	}
	log := p.logger.With(slog.String("pr", key.String()))

	doc, rebuilt, err := p.tracker.Load(ctx, key.Repo)
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		return err
	}
	if rebuilt {
		p.recorder.RecordDashboardRebuilt()
	}

	calls := 1 // dashboard lookup
	defer func() { p.recorder.RecordAPICalls(calls) }()

	// Step 1: fresh PR detail, never from cache.
	pr, err := p.api.GetPR(ctx, owner, name, key.Number)
	calls++
	if platform.IsNotFound(err) {
		return p.markVanished(ctx, key, doc, &calls, log)
	}
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		return fmt.Errorf("failed to fetch PR: %w", err)
	}
	if pr.State != "open" {
		return p.markVanished(ctx, key, doc, &calls, log)
	}

	// Step 2: classify.
	if !p.isBot(pr.User.Login) || !p.bot.MatchesBranch(pr.Head.Ref) {
		rec := doc.Record(key.Number)
		if rec.LastAction == state.ActionIgnored {
			return nil
		}
		p.record(key, rec, doc, state.ActionIgnored, "")
		rec.Title = pr.Title
		rec.HeadRef = pr.Head.Ref
		return p.store(ctx, key.Repo, doc, false, &calls)
	}

	checks, err := p.api.ListCheckRuns(ctx, owner, name, pr.Head.SHA)
	calls++
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		return fmt.Errorf("failed to list check runs: %w", err)
	}
	p.cache.Put(cache.NamespacePRChecks, key.Repo+"@"+pr.Head.SHA, checks)

	reviews, err := p.api.ListReviews(ctx, owner, name, key.Number)
	calls++
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		return fmt.Errorf("failed to list reviews: %w", err)
	}

	// Step 3: fingerprint gate.
	agg := platform.AggregateChecks(checks)
	snap := state.SnapshotFrom(pr, agg, state.ReviewDecision(reviews))
	change := state.Diff(doc, snap)
	if change.Kind == state.ChangeUnchanged {
		if rec := doc.PerPR[key.Number]; rec != nil &&
			(rec.LastAction == state.ActionApproved || rec.LastAction == state.ActionBlocked) {
			log.Debug("fingerprint unchanged, nothing to do")
			return nil
		}
	}

	rec := doc.Record(key.Number)
	rec.Fingerprint = change.New
	rec.Title = pr.Title
	rec.HeadRef = pr.Head.Ref

	// Step 4a: open and mergeable without conflicts.
	if snap.Conflict || snap.Mergeable == "no" {
		p.record(key, rec, doc, state.ActionBlocked, ReasonConflict)
		return p.store(ctx, key.Repo, doc, true, &calls)
	}

	// Step 4b: all checks green.
	switch agg {
	case platform.ChecksPending:
		p.record(key, rec, doc, state.ActionBlocked, ReasonChecksPending)
		return p.store(ctx, key.Repo, doc, true, &calls)
	case platform.ChecksFailure:
		// Step 5: lock-file repair, at most once per run.
		if lang, lockfile := p.lockfileFailure(checks); lockfile && p.fixer != nil && p.fixCfg.SupportsLanguage(lang) {
			if _, err := p.fixer.Fix(ctx, key.Repo, pr.Head.Ref, lang); err != nil {
				p.recorder.RecordFix(false)
				p.record(key, rec, doc, state.ActionBlocked, ReasonFixFailed)
				return p.store(ctx, key.Repo, doc, true, &calls)
			}
			p.recorder.RecordFix(true)
			doc.Stats.Fixes++
			p.record(key, rec, doc, state.ActionFixApplied, "")
			log.Info("lockfile fix pushed, awaiting new head")
			return p.store(ctx, key.Repo, doc, true, &calls)
		}
		p.record(key, rec, doc, state.ActionBlocked, ReasonChecksFailed)
		return p.store(ctx, key.Repo, doc, true, &calls)
	}

	// Step 4c: skip when our approval is already on record.
	self, err := p.self(ctx)
	if err == nil && self != "" && state.ApprovedBy(reviews, self) {
		p.record(key, rec, doc, state.ActionApproved, "")
		log.Debug("already approved, recording without new submission")
		return p.store(ctx, key.Repo, doc, true, &calls)
	}

	if !p.cfg.ApprovalEnabled {
		p.record(key, rec, doc, state.ActionIgnored, "approval disabled")
		return p.store(ctx, key.Repo, doc, true, &calls)
	}

	// Step 6: submit the approval, retrying transient failures.
	err = platform.WithRetryVoid(ctx, func() error {
		return p.api.ApprovePR(ctx, owner, name, key.Number, p.cfg.ApprovalMessage)
	}, platform.DefaultRetryOptions())
	calls++
	if err != nil {
		kind := platform.ErrKind(err)
		p.recorder.RecordError(string(kind))
		reason := ReasonTransient
		if kind == platform.KindForbidden || kind == platform.KindMalformed || kind == platform.KindNotFound {
			reason = string(kind)
		}
		p.record(key, rec, doc, state.ActionBlocked, reason)
		return p.store(ctx, key.Repo, doc, true, &calls)
	}

	p.recorder.RecordApproval()
	doc.Stats.Approved++
	p.record(key, rec, doc, state.ActionApproved, "")
	log.Info("approved dependency update",
		slog.String("title", pr.Title),
		slog.String("head", pr.Head.Ref),
	)
	return p.store(ctx, key.Repo, doc, true, &calls)
}

// record sets the terminal action on a PR record, bumps stats and notifies
// the outcome callback.
func (p *Processor) record(key dedup.Key, rec *state.PRRecord, doc *state.Document, action state.Action, reason string) {
	rec.LastAction = action
	rec.LastActionAt = time.Now().UTC()
	rec.LastError = reason
	switch action {
	case state.ActionBlocked:
		doc.Stats.Blocked++
	case state.ActionIgnored:
		doc.Stats.Ignored++
	}
	if p.cfg.OnOutcome != nil {
		p.cfg.OnOutcome(key.Repo, key.Number, string(action), reason)
	}
}

func (p *Processor) store(ctx context.Context, repo string, doc *state.Document, hasBotPRs bool, calls *int) error {
	n, err := p.tracker.Store(ctx, repo, doc, hasBotPRs)
	*calls += n
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		return err
	}
	return nil
}

// markVanished records a tracked PR that closed or disappeared. Untracked
// PRs exit without a write.
func (p *Processor) markVanished(ctx context.Context, key dedup.Key, doc *state.Document, calls *int, log *slog.Logger) error {
	rec, tracked := doc.PerPR[key.Number]
	if !tracked || rec.LastAction == state.ActionVanished {
		return nil
	}
	rec.LastAction = state.ActionVanished
	rec.LastActionAt = time.Now().UTC()
	rec.LastError = ""
	log.Debug("tracked PR vanished")
	return p.store(ctx, key.Repo, doc, true, calls)
}

// isBot checks the author login against the configured identities, caching
// the verdict.
func (p *Processor) isBot(login string) bool {
	if v, ok := p.cache.Get(cache.NamespaceIdentityBot, login); ok {
		return v.(bool)
	}
	verdict := p.bot.MatchesIdentity(login)
	p.cache.Put(cache.NamespaceIdentityBot, login, verdict)
	return verdict
}

// lockfileFailure reports whether a failing check looks lockfile-related
// and guesses the language from the check names.
func (p *Processor) lockfileFailure(checks []*platform.CheckRun) (string, bool) {
	lockfile := false
	var names []string
	for _, run := range checks {
		if run.Status != "completed" {
			continue
		}
		switch run.Conclusion {
		case "failure", "cancelled", "timed_out", "action_required":
			name := strings.ToLower(run.Name)
			names = append(names, name)
			if strings.Contains(name, "lock") {
				lockfile = true
			}
		}
	}
	if !lockfile {
		return "", false
	}
	for _, lang := range p.fixCfg.Languages {
		for _, name := range names {
			if strings.Contains(name, strings.ToLower(lang)) {
				return lang, true
			}
		}
	}
	if len(p.fixCfg.Languages) > 0 {
		return p.fixCfg.Languages[0], true
	}
	return "", false
}

// self returns the authenticated login, fetched once.
func (p *Processor) self(ctx context.Context) (string, error) {
	var err error
	p.selfOnce.Do(func() {
		var user *platform.User
		user, err = p.api.AuthenticatedUser(ctx)
		if err == nil {
			p.selfLogin = user.Login
		}
	})
	return p.selfLogin, err
}
