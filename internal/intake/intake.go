// Package intake receives platform webhook deliveries, verifies their
// signatures, filters the event types the agent cares about and feeds the
// affected pull requests into the dedup queue.
package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renobot/renobot/internal/dedup"
	"github.com/renobot/renobot/internal/logging"
)

// Header names used by GitHub-style webhook deliveries.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
)

// maxBodySize bounds one delivery payload (1 MiB).
const maxBodySize = 1 << 20

// Config holds intake settings.
type Config struct {
	Secret           string
	RequireSignature bool
	// AllowRepo filters deliveries by repository full name. Nil allows all.
	AllowRepo func(repo string) bool
}

// Stats counts delivery outcomes.
type Stats struct {
	Received       int64     `json:"received"`
	Accepted       int64     `json:"accepted"`
	Rejected       int64     `json:"rejected"` // bad signature
	Ignored        int64     `json:"ignored"`  // irrelevant event or repo
	Malformed      int64     `json:"malformed"`
	LastDeliveryAt time.Time `json:"last_delivery_at"`
}

// Intake is the webhook receiver. It implements http.Handler for mounting
// on the gateway.
type Intake struct {
	cfg    Config
	queue  *dedup.Queue
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a webhook intake feeding the given queue.
func New(cfg Config, queue *dedup.Queue) *Intake {
	return &Intake{
		cfg:    cfg,
		queue:  queue,
		logger: logging.WithComponent("intake"),
	}
}

// pushPayload is the subset of a webhook body the intake needs. The same
// shape covers pull_request, check_suite and check_run deliveries.
type pushPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	CheckSuite *struct {
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_suite"`
	CheckRun *struct {
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_run"`
}

// relevantPRActions are the pull_request actions that can change a PR's
// approval eligibility.
var relevantPRActions = map[string]bool{
	"opened":           true,
	"synchronize":      true,
	"reopened":         true,
	"ready_for_review": true,
	"closed":           true,
}

// ServeHTTP handles one webhook delivery. Invalid signatures get 401,
// malformed payloads 400, everything else 200 whether or not the event was
// relevant.
func (in *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	in.count(func(s *Stats) { s.Received++; s.LastDeliveryAt = time.Now().UTC() })

	delivery := r.Header.Get(HeaderDelivery)
	if delivery == "" {
		delivery = uuid.NewString()
	}
	log := in.logger.With(slog.String("delivery", delivery))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		in.count(func(s *Stats) { s.Malformed++ })
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !in.verify(body, r.Header.Get(HeaderSignature)) {
		in.count(func(s *Stats) { s.Rejected++ })
		log.Warn("rejected delivery with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(HeaderEvent)
	keys, ok := in.extract(event, body)
	if !ok {
		in.count(func(s *Stats) { s.Malformed++ })
		log.Warn("malformed payload", slog.String("event", event))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if len(keys) == 0 {
		in.count(func(s *Stats) { s.Ignored++ })
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, key := range keys {
		in.queue.Submit(key, dedup.SourceEvent)
		log.Debug("accepted webhook event",
			slog.String("event", event),
			slog.String("pr", key.String()),
		)
	}
	in.count(func(s *Stats) { s.Accepted++ })
	w.WriteHeader(http.StatusOK)
}

// verify checks the HMAC-SHA256 signature in constant time. Unsigned
// deliveries pass only when signatures are not required.
func (in *Intake) verify(body []byte, signature string) bool {
	if signature == "" {
		return !in.cfg.RequireSignature
	}
	if in.cfg.Secret == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(in.cfg.Secret))
	h.Write(body)
	expected := "sha256=" + hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// extract parses a delivery into the PR keys it affects. A valid but
// irrelevant delivery returns (nil, true); an unparseable one (nil, false).
func (in *Intake) extract(event string, body []byte) ([]dedup.Key, bool) {
	switch event {
	case "pull_request", "check_suite", "check_run":
	case "ping":
		return nil, true
	default:
		return nil, true
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false
	}
	repo := payload.Repository.FullName
	if repo == "" {
		return nil, false
	}
	if in.cfg.AllowRepo != nil && !in.cfg.AllowRepo(repo) {
		return nil, true
	}

	switch event {
	case "pull_request":
		if payload.PullRequest == nil {
			return nil, false
		}
		if !relevantPRActions[payload.Action] {
			return nil, true
		}
		return []dedup.Key{{Repo: repo, Number: payload.PullRequest.Number}}, true

	case "check_suite", "check_run":
		if payload.Action != "completed" {
			return nil, true
		}
		var prs []struct {
			Number int `json:"number"`
		}
		switch {
		case payload.CheckSuite != nil:
			prs = payload.CheckSuite.PullRequests
		case payload.CheckRun != nil:
			prs = payload.CheckRun.PullRequests
		default:
			return nil, false
		}
		keys := make([]dedup.Key, 0, len(prs))
		for _, pr := range prs {
			keys = append(keys, dedup.Key{Repo: repo, Number: pr.Number})
		}
		return keys, true
	}
	return nil, true
}

// Stats returns delivery counters.
func (in *Intake) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

func (in *Intake) count(fn func(*Stats)) {
	in.mu.Lock()
	fn(&in.stats)
	in.mu.Unlock()
}
