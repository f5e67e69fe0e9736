package platform

import "time"

// User represents a GitHub user or bot account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type,omitempty"` // "User" or "Bot"
}

// Label represents a GitHub label.
type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Repository represents a GitHub repository.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
	Archived bool   `json:"archived"`
	Private  bool   `json:"private"`
}

// Ref is the head or base of a pull request.
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest represents a GitHub pull request.
// Mergeable is tri-state: GitHub reports null while the merge commit is
// being computed, so nil means unknown.
type PullRequest struct {
	ID             int64     `json:"id"`
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	State          string    `json:"state"` // open, closed
	Merged         bool      `json:"merged"`
	Mergeable      *bool     `json:"mergeable"`
	MergeableState string    `json:"mergeable_state,omitempty"` // clean, dirty, blocked, unknown...
	Draft          bool      `json:"draft"`
	User           User      `json:"user"`
	Head           Ref       `json:"head"`
	Base           Ref       `json:"base"`
	Labels         []Label   `json:"labels"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CheckRun represents a single check run on a commit.
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, skipped, timed_out, action_required
}

// Review represents a pull request review.
type Review struct {
	ID    int64  `json:"id"`
	User  User   `json:"user"`
	State string `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
}

// Issue represents a GitHub issue.
type Issue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RateSnapshot is the remote API quota view returned by GetRateLimit and
// refreshed from response headers on every call.
type RateSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// CheckState is the aggregate over all check runs on a head commit.
type CheckState string

const (
	ChecksPending CheckState = "pending"
	ChecksSuccess CheckState = "success"
	ChecksFailure CheckState = "failure"
)

// AggregateChecks folds check runs into a single state. A run that
// concluded success, neutral or skipped counts as green; failure,
// cancelled, timed_out or action_required fails the aggregate; anything
// still running leaves it pending. No runs at all is success (repositories
// without CI should not block forever).
func AggregateChecks(runs []*CheckRun) CheckState {
	pending := false
	for _, run := range runs {
		if run.Status != "completed" {
			pending = true
			continue
		}
		switch run.Conclusion {
		case "success", "neutral", "skipped":
		case "failure", "cancelled", "timed_out", "action_required":
			return ChecksFailure
		default:
			pending = true
		}
	}
	if pending {
		return ChecksPending
	}
	return ChecksSuccess
}
