package platform

import "context"

// API is the platform capability consumed by the agent core. *Client is the
// production implementation; tests substitute fakes.
type API interface {
	ListOpenPRs(ctx context.Context, owner, repo string) ([]*PullRequest, error)
	GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*CheckRun, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]*Review, error)
	ApprovePR(ctx context.Context, owner, repo string, number int, body string) error
	FindIssueByTitle(ctx context.Context, owner, repo, title string) (*Issue, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error)
	UpdateIssueBody(ctx context.Context, owner, repo string, number int, body string) error
	GetRepo(ctx context.Context, owner, repo string) (*Repository, error)
	ListRepos(ctx context.Context) ([]*Repository, error)
	GetRateLimit(ctx context.Context) (*RateSnapshot, error)
	AuthenticatedUser(ctx context.Context) (*User, error)
}

var _ API = (*Client)(nil)
