// Package agent wires the components together and owns their lifecycle:
// platform client, cache, governor, tracker, queue, intake, poller,
// processor and gateway.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/renobot/renobot/internal/activity"
	"github.com/renobot/renobot/internal/cache"
	"github.com/renobot/renobot/internal/config"
	"github.com/renobot/renobot/internal/dedup"
	"github.com/renobot/renobot/internal/fixer"
	"github.com/renobot/renobot/internal/gateway"
	"github.com/renobot/renobot/internal/intake"
	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/metrics"
	"github.com/renobot/renobot/internal/platform"
	"github.com/renobot/renobot/internal/poller"
	"github.com/renobot/renobot/internal/processor"
	"github.com/renobot/renobot/internal/ratelimit"
	"github.com/renobot/renobot/internal/state"
)

// ErrAuthInvalid marks a startup credential failure (distinct exit code).
var ErrAuthInvalid = errors.New("platform credentials rejected")

// staleCycleAfter marks the health report stale when no cycle completed
// for this long.
const staleCycleAfter = 2 * time.Hour

// refreshWeight is the expected platform call count of one dashboard
// refresh (locate + update).
const refreshWeight = 2

// Agent is the composed application.
type Agent struct {
	cfg      *config.Config
	api      platform.API
	cache    *cache.Cache
	governor *ratelimit.Governor
	scorer   *activity.Scorer
	recorder *metrics.Recorder
	tracker  *state.Tracker
	queue    *dedup.Queue
	intake   *intake.Intake
	proc     *processor.Processor
	poller   *poller.Poller
	gw       *gateway.Server
	hub      *gateway.Hub
	cron     *cron.Cron
	repos    []string
	logger   *slog.Logger

	fixerOverride fixer.Fixer

	mu      sync.Mutex
	running bool
}

// Option overrides a wired component, mainly for tests.
type Option func(*Agent)

// WithAPI substitutes the platform client.
func WithAPI(api platform.API) Option {
	return func(a *Agent) {
		a.api = api
	}
}

// WithFixer substitutes the lock-file fixer.
func WithFixer(fx fixer.Fixer) Option {
	return func(a *Agent) {
		a.fixerOverride = fx
	}
}

// New builds the agent from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: logging.WithComponent("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.recorder = metrics.NewRecorder()
	a.governor = ratelimit.NewGovernor(&ratelimit.Config{
		Buffer:            cfg.Rate.Buffer,
		ThrottleThreshold: cfg.Rate.ThrottleThreshold,
		ThrottleFactor:    cfg.Rate.ThrottleFactor,
		RequestsPerSecond: cfg.Rate.RequestsPerSecond,
	})

	if a.api == nil {
		clientOpts := []platform.ClientOption{
			platform.WithRateObserver(func(snap platform.RateSnapshot) {
				a.governor.Observe(snap)
				metrics.RateLimitRemaining.Set(float64(snap.Remaining))
			}),
		}
		if cfg.Platform.BaseURL != "" {
			clientOpts = append(clientOpts, platform.WithBaseURL(cfg.Platform.BaseURL))
		}
		if cfg.Platform.RequestTimeoutSeconds > 0 {
			clientOpts = append(clientOpts,
				platform.WithHTTPTimeout(time.Duration(cfg.Platform.RequestTimeoutSeconds)*time.Second))
		}
		a.api = platform.NewClient(cfg.Platform.Token, clientOpts...)
	}

	ttls, err := cfg.Cache.ParseTTLs()
	if err != nil {
		return nil, err
	}
	a.cache = cache.New(cache.WithTTLOverrides(ttls))

	a.scorer = activity.NewScorer(&activity.Config{
		Adaptive:     cfg.Poll.Adaptive,
		BaseInterval: time.Duration(cfg.Poll.BaseIntervalSeconds) * time.Second,
		MaxInterval:  time.Duration(cfg.Poll.MaxIntervalSeconds) * time.Second,
	})

	a.tracker = state.NewTracker(a.api,
		state.WithIssueTitle(cfg.Dashboard.Title),
		state.WithCreationMode(state.CreationMode(cfg.Dashboard.CreationMode)),
		state.WithTestRepos(cfg.Dashboard.TestRepos),
	)

	a.queue = dedup.New()
	a.hub = gateway.NewHub()

	var fx fixer.Fixer
	fixCfg := &fixer.Config{
		Enabled:   cfg.Fix.Enabled,
		Languages: cfg.Fix.Languages,
		Commands:  cfg.Fix.Commands,
		Timeout:   time.Duration(cfg.Fix.TimeoutSeconds) * time.Second,
	}
	if a.fixerOverride != nil {
		fx = a.fixerOverride
	} else if cfg.Fix.Enabled {
		fx = fixer.NewExecFixer(fixCfg)
	}

	a.proc = processor.New(&processor.Config{
		ApprovalEnabled: cfg.Approval.Enabled,
		ApprovalMessage: cfg.Approval.Message,
		OnOutcome: func(repo string, number int, action, reason string) {
			a.hub.Publish(gateway.Event{
				Repo:   repo,
				Number: number,
				Action: action,
				Reason: reason,
				At:     time.Now().UTC(),
			})
		},
	}, a.api, a.queue, a.tracker, a.cache, a.governor, a.recorder, fx, fixCfg, cfg.Bot)

	if cfg.Operation.WebhookEnabled() {
		a.intake = intake.New(intake.Config{
			Secret:           cfg.Webhook.Secret,
			RequireSignature: cfg.Webhook.SignatureRequired(),
			AllowRepo:        cfg.AllowsRepo,
		}, a.queue)
	}

	gwOpts := []gateway.ServerOption{
		gateway.WithHealthSource(a.healthReport),
		gateway.WithHub(a.hub),
	}
	if a.intake != nil {
		gwOpts = append(gwOpts, gateway.WithIntake(a.intake))
	}
	a.gw = gateway.NewServer(&gateway.Config{
		Host: cfg.Gateway.Host,
		Port: cfg.Gateway.Port,
	}, gwOpts...)

	a.cron = cron.New()
	return a, nil
}

// Start validates credentials, seeds the quota view and runs all event
// sources until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true
	a.mu.Unlock()

	user, err := a.api.AuthenticatedUser(ctx)
	if err != nil {
		if kind := platform.ErrKind(err); kind == platform.KindAuth || kind == platform.KindForbidden {
			return fmt.Errorf("%w: %v", ErrAuthInvalid, err)
		}
		// Transient startup failure: continue degraded, the first cycles
		// will retry through normal error handling.
		a.logger.Warn("could not verify credentials at startup, continuing degraded",
			slog.Any("error", err))
	} else {
		a.logger.Info("authenticated", slog.String("login", user.Login))
	}

	if snap, err := a.api.GetRateLimit(ctx); err == nil {
		a.governor.Observe(*snap)
	}

	if a.cfg.Operation.PollEnabled() {
		repos, err := poller.ResolveRepos(ctx, a.api, a.cfg.Poll.Repositories, a.cfg.Allowlist, a.cfg.IgnoreArchived)
		if err != nil {
			return fmt.Errorf("failed to resolve repository set: %w", err)
		}
		a.repos = repos
		a.poller = poller.New(&poller.Config{
			Repositories:       repos,
			MaxConcurrentRepos: a.cfg.Poll.MaxConcurrentRepos,
			IgnoreArchived:     a.cfg.IgnoreArchived,
			CycleTimeout:       time.Duration(a.cfg.Poll.CycleTimeoutSeconds) * time.Second,
		}, a.api, a.queue, a.tracker, a.cache, a.governor, a.scorer, a.recorder, a.cfg.Bot)
		a.logger.Info("polling enabled", slog.Int("repos", len(repos)))
	}

	a.scheduleJobs(ctx)
	a.cron.Start()
	defer a.cron.Stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.proc.Run(ctx)
	}()

	if a.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.poller.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.gw.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	a.logger.Info("agent started", slog.String("mode", a.cfg.Operation.Mode))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	wg.Wait()
	a.logger.Info("agent stopped")
	return runErr
}

// scheduleJobs registers periodic maintenance: a cache sweep every minute
// and a daily dashboard re-render keeping the human block fresh.
func (a *Agent) scheduleJobs(ctx context.Context) {
	_, _ = a.cron.AddFunc("@every 1m", func() {
		if evicted := a.cache.Sweep(); evicted > 0 {
			a.logger.Debug("cache sweep", slog.Int("evicted", evicted))
		}
		stats := a.queue.Stats()
		metrics.QueueDepth.Set(float64(stats.Queued))
		metrics.HealthScore.Set(float64(a.healthScore()))
	})
	_, _ = a.cron.AddFunc("@daily", func() {
		a.refreshDashboards(ctx)
	})
}

// refreshDashboards re-renders every known dashboard so the human block
// reflects current state even on idle repositories. Each repo's refresh is
// admitted through the governor; once denied the rest wait for the next
// scheduled run.
func (a *Agent) refreshDashboards(ctx context.Context) {
	for _, repo := range a.repos {
		if ctx.Err() != nil {
			return
		}
		admitted, delay := a.governor.Acquire(refreshWeight)
		if !admitted {
			a.logger.Debug("dashboard refresh deferred, quota low",
				slog.String("repo", repo), slog.Duration("retry_in", delay))
			return
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		unlock := a.tracker.LockRepo(repo)
		doc, rebuilt, err := a.tracker.Load(ctx, repo)
		if err != nil {
			unlock()
			continue
		}
		if rebuilt {
			a.recorder.RecordDashboardRebuilt()
		}
		if len(doc.PerPR) > 0 {
			if _, err := a.tracker.Store(ctx, repo, doc, true); err != nil {
				a.logger.Warn("dashboard refresh failed",
					slog.String("repo", repo), slog.Any("error", err))
			}
		}
		unlock()
	}
}

func (a *Agent) healthScore() int {
	snap := a.recorder.Snapshot()
	return snap.Health(metrics.HealthInputs{
		RateLimitPressure: a.governor.UsageFraction(),
		CacheHitRate:      a.cache.Stats().HitRate(),
		StaleCycleAfter:   staleCycleAfter,
		Now:               time.Now(),
	})
}

// healthReport assembles the /health payload.
func (a *Agent) healthReport() gateway.HealthReport {
	snap := a.recorder.Snapshot()
	score := a.healthScore()

	var report gateway.HealthReport
	report.Status = string(metrics.StatusFor(score))
	report.HealthScore = score
	report.PollingEnabled = a.cfg.Operation.PollEnabled()
	report.LastCycleAt = snap.LastCycleAt

	cs := a.cache.Stats()
	report.Cache.HitRate = cs.HitRate()
	report.Cache.Size = cs.Size

	gs := a.governor.Snapshot()
	report.RateLimit.Remaining = gs.Remaining
	report.RateLimit.ResetAt = gs.ResetAt

	qs := a.queue.Stats()
	report.Queue.Queued = qs.Queued
	report.Queue.InFlight = qs.InFlight
	return report
}

// Snapshot exposes the metrics snapshot for the status command.
func (a *Agent) Snapshot() metrics.Snapshot {
	return a.recorder.Snapshot()
}
