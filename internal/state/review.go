package state

import "github.com/renobot/renobot/internal/platform"

// Review decisions folded into the fingerprint vocabulary.
const (
	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
	DecisionNone             = "none"
)

// ReviewDecision folds a review list into a single decision. Only the
// latest review per reviewer counts; an outstanding changes-requested
// outweighs approvals.
func ReviewDecision(reviews []*platform.Review) string {
	latest := make(map[string]string)
	for _, r := range reviews {
		switch r.State {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[r.User.Login] = r.State
		case "DISMISSED":
			delete(latest, r.User.Login)
		}
	}

	approved := false
	for _, s := range latest {
		if s == "CHANGES_REQUESTED" {
			return DecisionChangesRequested
		}
		if s == "APPROVED" {
			approved = true
		}
	}
	if approved {
		return DecisionApproved
	}
	return DecisionNone
}

// ApprovedBy reports whether login has an undismissed approval on the PR.
func ApprovedBy(reviews []*platform.Review, login string) bool {
	state := ""
	for _, r := range reviews {
		if r.User.Login != login {
			continue
		}
		switch r.State {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			state = r.State
		}
	}
	return state == "APPROVED"
}

// SnapshotFrom assembles the fingerprint snapshot for a PR given its
// aggregated checks and review decision.
func SnapshotFrom(pr *platform.PullRequest, checks platform.CheckState, decision string) PRSnapshot {
	prState := pr.State
	if pr.Merged {
		prState = "merged"
	}
	return PRSnapshot{
		Number:         pr.Number,
		State:          prState,
		HeadSHA:        pr.Head.SHA,
		Mergeable:      MergeableString(pr),
		Checks:         checks,
		ReviewDecision: decision,
		Conflict:       HasConflict(pr),

		Author:    pr.User.Login,
		HeadRef:   pr.Head.Ref,
		UpdatedAt: pr.UpdatedAt,
	}
}
