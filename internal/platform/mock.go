package platform

import (
	"context"
	"fmt"
	"sync"
)

// MockAPI is an in-memory implementation of API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Storage, keyed by "owner/name".
	Repos  map[string]*Repository
	PRs    map[string]map[int]*PullRequest
	Checks map[string]map[string][]*CheckRun // repo -> head sha -> runs
	Review map[string]map[int][]*Review
	Issues map[string]map[int]*Issue

	User *User
	Rate RateSnapshot

	// Call tracking for assertions.
	Approvals     []MockApproval
	IssueCreates  []MockIssueWrite
	IssueUpdates  []MockIssueWrite
	RateLimitGets int
	ListPRCalls   int
	IssueFinds    int

	// Configurable failures, keyed by method name.
	Errors map[string]error

	nextIssue int
}

// MockApproval records a submitted approval.
type MockApproval struct {
	Repo   string
	Number int
	Body   string
}

// MockIssueWrite records an issue create or body update.
type MockIssueWrite struct {
	Repo   string
	Number int
	Title  string
	Body   string
}

// NewMockAPI returns an empty mock platform.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Repos:     make(map[string]*Repository),
		PRs:       make(map[string]map[int]*PullRequest),
		Checks:    make(map[string]map[string][]*CheckRun),
		Review:    make(map[string]map[int][]*Review),
		Issues:    make(map[string]map[int]*Issue),
		User:      &User{ID: 1, Login: "renobot[bot]", Type: "Bot"},
		Rate:      RateSnapshot{Limit: 5000, Remaining: 5000},
		Errors:    make(map[string]error),
		nextIssue: 1,
	}
}

// AddPR stores a pull request under repo ("owner/name").
func (m *MockAPI) AddPR(repo string, pr *PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PRs[repo] == nil {
		m.PRs[repo] = make(map[int]*PullRequest)
	}
	m.PRs[repo][pr.Number] = pr
}

// SetChecks stores check runs for a head commit.
func (m *MockAPI) SetChecks(repo, sha string, runs []*CheckRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Checks[repo] == nil {
		m.Checks[repo] = make(map[string][]*CheckRun)
	}
	m.Checks[repo][sha] = runs
}

// AddReview stores a review on a PR.
func (m *MockAPI) AddReview(repo string, number int, review *Review) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Review[repo] == nil {
		m.Review[repo] = make(map[int][]*Review)
	}
	m.Review[repo][number] = append(m.Review[repo][number], review)
}

func (m *MockAPI) fail(method string) error {
	return m.Errors[method]
}

func (m *MockAPI) ListOpenPRs(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListPRCalls++
	if err := m.fail("ListOpenPRs"); err != nil {
		return nil, err
	}
	var out []*PullRequest
	for _, pr := range m.PRs[owner+"/"+repo] {
		if pr.State == "open" {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (m *MockAPI) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPR"); err != nil {
		return nil, err
	}
	pr, ok := m.PRs[owner+"/"+repo][number]
	if !ok {
		return nil, &APIError{Kind: KindNotFound, StatusCode: 404}
	}
	return pr, nil
}

func (m *MockAPI) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*CheckRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListCheckRuns"); err != nil {
		return nil, err
	}
	return m.Checks[owner+"/"+repo][ref], nil
}

func (m *MockAPI) ListReviews(ctx context.Context, owner, repo string, number int) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListReviews"); err != nil {
		return nil, err
	}
	return m.Review[owner+"/"+repo][number], nil
}

func (m *MockAPI) ApprovePR(ctx context.Context, owner, repo string, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApprovePR"); err != nil {
		return err
	}
	full := owner + "/" + repo
	m.Approvals = append(m.Approvals, MockApproval{Repo: full, Number: number, Body: body})
	if m.Review[full] == nil {
		m.Review[full] = make(map[int][]*Review)
	}
	m.Review[full][number] = append(m.Review[full][number], &Review{
		User:  *m.User,
		State: "APPROVED",
	})
	return nil
}

func (m *MockAPI) FindIssueByTitle(ctx context.Context, owner, repo, title string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IssueFinds++
	if err := m.fail("FindIssueByTitle"); err != nil {
		return nil, err
	}
	for _, issue := range m.Issues[owner+"/"+repo] {
		if issue.Title == title && issue.State == "open" {
			return issue, nil
		}
	}
	return nil, nil
}

func (m *MockAPI) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateIssue"); err != nil {
		return nil, err
	}
	full := owner + "/" + repo
	issue := &Issue{
		Number: m.nextIssue,
		Title:  title,
		Body:   body,
		State:  "open",
	}
	m.nextIssue++
	if m.Issues[full] == nil {
		m.Issues[full] = make(map[int]*Issue)
	}
	m.Issues[full][issue.Number] = issue
	m.IssueCreates = append(m.IssueCreates, MockIssueWrite{Repo: full, Number: issue.Number, Title: title, Body: body})
	return issue, nil
}

func (m *MockAPI) UpdateIssueBody(ctx context.Context, owner, repo string, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateIssueBody"); err != nil {
		return err
	}
	full := owner + "/" + repo
	issue, ok := m.Issues[full][number]
	if !ok {
		return &APIError{Kind: KindNotFound, StatusCode: 404}
	}
	issue.Body = body
	m.IssueUpdates = append(m.IssueUpdates, MockIssueWrite{Repo: full, Number: number, Body: body})
	return nil
}

func (m *MockAPI) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetRepo"); err != nil {
		return nil, err
	}
	if r, ok := m.Repos[owner+"/"+repo]; ok {
		return r, nil
	}
	return &Repository{
		Name:     repo,
		FullName: fmt.Sprintf("%s/%s", owner, repo),
		Owner:    User{Login: owner},
	}, nil
}

func (m *MockAPI) ListRepos(ctx context.Context) ([]*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListRepos"); err != nil {
		return nil, err
	}
	var out []*Repository
	for _, r := range m.Repos {
		out = append(out, r)
	}
	return out, nil
}

func (m *MockAPI) GetRateLimit(ctx context.Context) (*RateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RateLimitGets++
	if err := m.fail("GetRateLimit"); err != nil {
		return nil, err
	}
	snap := m.Rate
	return &snap, nil
}

func (m *MockAPI) AuthenticatedUser(ctx context.Context) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AuthenticatedUser"); err != nil {
		return nil, err
	}
	return m.User, nil
}

// ApprovalCount returns how many approvals were submitted for a PR.
func (m *MockAPI) ApprovalCount(repo string, number int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.Approvals {
		if a.Repo == repo && a.Number == number {
			count++
		}
	}
	return count
}

var _ API = (*MockAPI)(nil)
