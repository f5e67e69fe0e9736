// Package poller schedules per-repository polling cycles. Each cycle diffs
// the repository's open bot PRs against the dashboard fingerprints and
// enqueues changed ones for processing; the activity scorer then decides
// when the repository is next visited.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/renobot/renobot/internal/activity"
	"github.com/renobot/renobot/internal/cache"
	"github.com/renobot/renobot/internal/config"
	"github.com/renobot/renobot/internal/dedup"
	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/metrics"
	"github.com/renobot/renobot/internal/platform"
	"github.com/renobot/renobot/internal/ratelimit"
	"github.com/renobot/renobot/internal/state"
)

// lockBusyDelay reschedules a repo whose lock is held by another task.
const lockBusyDelay = 5 * time.Second

// governorWeight is the expected platform call count of one cycle.
const governorWeight = 4

// Config holds poller settings.
type Config struct {
	Repositories       []string
	MaxConcurrentRepos int
	IgnoreArchived     bool
	// CycleTimeout bounds one repository cycle (default 120s).
	CycleTimeout time.Duration
}

// Poller drives the cycle loop over the configured repository set.
type Poller struct {
	cfg      *Config
	api      platform.API
	queue    *dedup.Queue
	tracker  *state.Tracker
	cache    *cache.Cache
	governor *ratelimit.Governor
	scorer   *activity.Scorer
	recorder *metrics.Recorder
	bot      *config.BotConfig
	logger   *slog.Logger

	sem *semaphore.Weighted
	now func() time.Time

	mu      sync.Mutex
	nextRun map[string]time.Time
	running map[string]bool
	wg      sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New creates a poller over the resolved repository set.
func New(cfg *Config, api platform.API, queue *dedup.Queue, tracker *state.Tracker,
	c *cache.Cache, governor *ratelimit.Governor, scorer *activity.Scorer,
	recorder *metrics.Recorder, bot *config.BotConfig, opts ...Option,
) *Poller {
	if cfg.MaxConcurrentRepos <= 0 {
		cfg.MaxConcurrentRepos = 4
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 120 * time.Second
	}
	p := &Poller{
		cfg:      cfg,
		api:      api,
		queue:    queue,
		tracker:  tracker,
		cache:    c,
		governor: governor,
		scorer:   scorer,
		recorder: recorder,
		bot:      bot,
		logger:   logging.WithComponent("poller"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRepos)),
		now:      time.Now,
		nextRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResolveRepos determines the repository set: explicitly configured repos
// first, then the allowlist, then everything visible to the credentials.
func ResolveRepos(ctx context.Context, api platform.API, configured, allowlist []string, ignoreArchived bool) ([]string, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	if len(allowlist) > 0 {
		return allowlist, nil
	}
	repos, err := api.ListRepos(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		if ignoreArchived && r.Archived {
			continue
		}
		out = append(out, r.FullName)
	}
	sort.Strings(out)
	return out, nil
}

// Run drives the scheduler until ctx is done. All repositories start due
// immediately.
func (p *Poller) Run(ctx context.Context) {
	start := p.now()
	p.mu.Lock()
	for _, repo := range p.cfg.Repositories {
		p.nextRun[repo] = start
	}
	p.mu.Unlock()

	for {
		repo, wait := p.nextDue()
		if repo == "" && wait <= 0 {
			// Nothing scheduled; everything is in flight.
			wait = time.Second
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				p.wg.Wait()
				return
			case <-timer.C:
			}
			continue
		}

		p.setRunning(repo, true)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.wg.Wait()
			return
		}
		p.wg.Add(1)
		go func(r string) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			next := p.runCycle(ctx, r)
			p.reschedule(r, next)
		}(repo)
	}
}

// nextDue returns a repo due now with wait<=0, or the wait until the
// earliest scheduled repo.
func (p *Poller) nextDue() (string, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var earliest time.Time
	var due string
	for repo, at := range p.nextRun {
		if p.running[repo] {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
			due = repo
		}
	}
	if due == "" {
		return "", 0
	}
	if wait := earliest.Sub(now); wait > 0 {
		return "", wait
	}
	return due, 0
}

func (p *Poller) setRunning(repo string, v bool) {
	p.mu.Lock()
	p.running[repo] = v
	p.mu.Unlock()
}

func (p *Poller) reschedule(repo string, at time.Time) {
	p.mu.Lock()
	p.nextRun[repo] = at
	p.running[repo] = false
	p.mu.Unlock()
}

// runCycle executes one cycle and returns the next run time.
func (p *Poller) runCycle(ctx context.Context, repo string) time.Time {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	report, next := p.CycleOnce(ctx, repo)
	if !report.StartedAt.IsZero() {
		p.recorder.RecordCycle(report)
	}
	return next
}

// CycleOnce runs a single polling cycle for a repository and returns the
// cycle report plus the next run time. A zero StartedAt in the report means
// the cycle was skipped (lock busy or admission denied).
func (p *Poller) CycleOnce(ctx context.Context, repo string) (metrics.CycleReport, time.Time) {
	log := p.logger.With(slog.String("repo", repo))

	unlock, ok := p.tracker.TryLockRepo(repo)
	if !ok {
		log.Debug("repo lock busy, rescheduling")
		return metrics.CycleReport{}, p.now().Add(lockBusyDelay)
	}
	defer unlock()

	admitted, delay := p.governor.Acquire(governorWeight)
	if !admitted {
		log.Info("rate limit admission denied", slog.Duration("retry_in", delay))
		return metrics.CycleReport{}, p.now().Add(delay)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return metrics.CycleReport{}, p.now().Add(lockBusyDelay)
		case <-time.After(delay):
		}
	}

	report := metrics.CycleReport{Repo: repo, StartedAt: p.now()}
	calls := 0

	owner, name, found := strings.Cut(repo, "/")
	if !found {
		log.Error("invalid repository name")
		return metrics.CycleReport{}, p.now().Add(time.Hour)
	}

	if p.cfg.IgnoreArchived && p.isArchived(ctx, owner, name, &calls) {
		log.Debug("repository archived, backing off")
		report.EndedAt = p.now()
		report.APICalls = calls
		return report, p.now().Add(time.Hour)
	}

	prs, err := p.listPRs(ctx, owner, name, &calls)
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		report.Errors++
		report.EndedAt = p.now()
		report.APICalls = calls
		log.Warn("failed to list PRs", slog.Any("error", err))
		return report, p.now().Add(p.scorer.NextInterval(repo))
	}

	doc, rebuilt, err := p.tracker.Load(ctx, repo)
	calls++
	if err != nil {
		p.recorder.RecordError(string(platform.ErrKind(err)))
		report.Errors++
		report.EndedAt = p.now()
		report.APICalls = calls
		return report, p.now().Add(p.scorer.NextInterval(repo))
	}
	if rebuilt {
		p.recorder.RecordDashboardRebuilt()
	}

	botPRs := p.botPRs(prs)
	sort.Slice(botPRs, func(i, j int) bool { return botPRs[i].Number < botPRs[j].Number })

	changed := 0
	open := make(map[int]bool, len(botPRs))
	for _, pr := range botPRs {
		open[pr.Number] = true
		report.PRsExamined++

		snap, err := p.snapshot(ctx, owner, name, pr, &calls)
		if err != nil {
			p.recorder.RecordError(string(platform.ErrKind(err)))
			report.Errors++
			continue
		}

		diff := state.Diff(doc, snap)
		switch diff.Kind {
		case state.ChangeNew, state.ChangeChanged:
			changed++
			p.queue.Submit(dedup.Key{Repo: repo, Number: pr.Number}, dedup.SourcePoll)
		}
	}

	// Tracked PRs missing from the open list vanished.
	dirty := false
	for number, rec := range doc.PerPR {
		if open[number] || rec.LastAction == state.ActionVanished {
			continue
		}
		rec.LastAction = state.ActionVanished
		rec.LastActionAt = p.now().UTC()
		rec.LastError = ""
		dirty = true
	}

	p.scorer.Observe(repo, changed > 0)
	interval := p.scorer.NextInterval(repo)

	// An active cycle persists its polling metadata alongside any vanished
	// marks; the processor's later write carries it forward untouched.
	if changed > 0 {
		dirty = true
	}
	if dirty {
		doc.Polling = state.PollingMetadata{
			LastCycleAt:     p.now().UTC(),
			CurrentInterval: interval.String(),
			ActivityScore:   p.scorer.Score(repo),
		}
		n, err := p.tracker.Store(ctx, repo, doc, len(botPRs) > 0)
		calls += n
		if err != nil {
			p.recorder.RecordError(string(platform.ErrKind(err)))
			report.Errors++
		}
	}

	report.PRsChanged = changed
	report.APICalls = calls
	report.EndedAt = p.now()
	report.NextInterval = interval

	log.Debug("cycle complete",
		slog.Int("examined", report.PRsExamined),
		slog.Int("changed", changed),
		slog.Duration("next_interval", interval),
	)
	return report, p.now().Add(interval)
}

// isArchived consults the repo.meta cache, falling back to the API.
func (p *Poller) isArchived(ctx context.Context, owner, name string, calls *int) bool {
	full := owner + "/" + name
	if v, ok := p.cache.Get(cache.NamespaceRepoMeta, full); ok {
		return v.(*platform.Repository).Archived
	}
	repo, err := p.api.GetRepo(ctx, owner, name)
	*calls++
	if err != nil {
		return false
	}
	p.cache.Put(cache.NamespaceRepoMeta, full, repo)
	return repo.Archived
}

func (p *Poller) listPRs(ctx context.Context, owner, name string, calls *int) ([]*platform.PullRequest, error) {
	full := owner + "/" + name
	if v, ok := p.cache.Get(cache.NamespaceRepoPRs, full); ok {
		return v.([]*platform.PullRequest), nil
	}
	prs, err := p.api.ListOpenPRs(ctx, owner, name)
	*calls++
	if err != nil {
		return nil, err
	}
	p.cache.Put(cache.NamespaceRepoPRs, full, prs)
	return prs, nil
}

func (p *Poller) botPRs(prs []*platform.PullRequest) []*platform.PullRequest {
	var out []*platform.PullRequest
	for _, pr := range prs {
		if p.isBot(pr.User.Login) && p.bot.MatchesBranch(pr.Head.Ref) {
			out = append(out, pr)
		}
	}
	return out
}

func (p *Poller) isBot(login string) bool {
	if v, ok := p.cache.Get(cache.NamespaceIdentityBot, login); ok {
		return v.(bool)
	}
	verdict := p.bot.MatchesIdentity(login)
	p.cache.Put(cache.NamespaceIdentityBot, login, verdict)
	return verdict
}

// snapshot assembles the fingerprint inputs for a PR, using cached check
// runs and review decisions where fresh enough.
func (p *Poller) snapshot(ctx context.Context, owner, name string, pr *platform.PullRequest, calls *int) (state.PRSnapshot, error) {
	full := owner + "/" + name
	checksKey := full + "@" + pr.Head.SHA

	var runs []*platform.CheckRun
	if v, ok := p.cache.Get(cache.NamespacePRChecks, checksKey); ok {
		runs = v.([]*platform.CheckRun)
	} else {
		var err error
		runs, err = p.api.ListCheckRuns(ctx, owner, name, pr.Head.SHA)
		*calls++
		if err != nil {
			return state.PRSnapshot{}, err
		}
		p.cache.Put(cache.NamespacePRChecks, checksKey, runs)
	}

	reviewsKey := full + "#" + strconv.Itoa(pr.Number)
	var decision string
	if v, ok := p.cache.Get(cache.NamespacePRReviews, reviewsKey); ok {
		decision = v.(string)
	} else {
		reviews, err := p.api.ListReviews(ctx, owner, name, pr.Number)
		*calls++
		if err != nil {
			return state.PRSnapshot{}, err
		}
		decision = state.ReviewDecision(reviews)
		p.cache.Put(cache.NamespacePRReviews, reviewsKey, decision)
	}

	return state.SnapshotFrom(pr, platform.AggregateChecks(runs), decision), nil
}
