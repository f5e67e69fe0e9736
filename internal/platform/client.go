// Package platform is the GitHub REST client consumed by the rest of the
// agent. Every call reports rate-limit headers to an optional observer so
// the governor keeps a live view of the remaining quota.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	githubAPIURL = "https://api.github.com"

	// defaultTimeout bounds a single HTTP round trip independently of any
	// enclosing deadline.
	defaultTimeout = 30 * time.Second
)

// RateObserver receives the quota view parsed from response headers.
type RateObserver func(RateSnapshot)

// Client is a GitHub API client.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string // overridable for testing
	onRate     RateObserver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a custom API root (for testing).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithRateObserver registers a callback invoked with the rate-limit view
// parsed from every response.
func WithRateObserver(fn RateObserver) ClientOption {
	return func(c *Client) {
		c.onRate = fn
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a new GitHub client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: githubAPIURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs an HTTP request against the GitHub API, decodes the
// response into result, and maps non-2xx statuses to typed errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.observeRate(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &APIError{
				Kind:       KindMalformed,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("failed to parse response: %v", err),
			}
		}
	}

	return nil
}

// apiError maps an HTTP failure to a typed APIError.
func (c *Client) apiError(resp *http.Response, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    payload.Message,
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		apiErr.Kind = KindNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests || isRateLimitResponse(resp, payload.Message):
		apiErr.Kind = KindRateLimited
		apiErr.ResetAt = parseResetHeader(resp.Header)
	case resp.StatusCode == http.StatusForbidden:
		apiErr.Kind = KindForbidden
	case resp.StatusCode >= 500:
		apiErr.Kind = KindTransient
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		apiErr.Kind = KindMalformed
	default:
		apiErr.Kind = KindTransient
	}

	return apiErr
}

// isRateLimitResponse detects the 403 variant of GitHub rate limiting.
func isRateLimitResponse(resp *http.Response, message string) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "secondary rate")
}

// observeRate parses rate headers and forwards them to the observer.
func (c *Client) observeRate(h http.Header) {
	if c.onRate == nil {
		return
	}
	remaining, errRem := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	limit, errLim := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if errRem != nil || errLim != nil {
		return
	}
	snap := RateSnapshot{Remaining: remaining, Limit: limit}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		snap.ResetAt = time.Unix(reset, 0)
	}
	c.onRate(snap)
}

func parseResetHeader(h http.Header) time.Time {
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		return time.Unix(reset, 0)
	}
	if after, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
		return time.Now().Add(time.Duration(after) * time.Second)
	}
	return time.Time{}
}

// ListOpenPRs fetches all open pull requests for a repository, ascending by
// number. Paginates until the platform returns a short page.
func (c *Client) ListOpenPRs(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	var all []*PullRequest
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&sort=created&direction=asc&per_page=100&page=%d",
			owner, repo, page)
		var prs []*PullRequest
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &prs); err != nil {
			return nil, err
		}
		all = append(all, prs...)
		if len(prs) < 100 {
			return all, nil
		}
	}
}

// GetPR fetches a single pull request.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListCheckRuns fetches the check runs for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*CheckRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=100", owner, repo, url.PathEscape(ref))
	var result struct {
		CheckRuns []*CheckRun `json:"check_runs"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.CheckRuns, nil
}

// ListReviews fetches the reviews on a pull request.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]*Review, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=100", owner, repo, number)
	var reviews []*Review
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &reviews); err != nil {
		return nil, err
	}
	return reviews, nil
}

// ApprovePR submits an approving review on a pull request.
func (c *Client) ApprovePR(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	reqBody := map[string]string{
		"event": "APPROVE",
		"body":  body,
	}
	return c.doRequest(ctx, http.MethodPost, path, reqBody, nil)
}

// FindIssueByTitle looks for an open issue with an exact title match.
// Returns nil without error when no issue matches.
func (c *Client) FindIssueByTitle(ctx context.Context, owner, repo, title string) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues?state=open&creator=%s&per_page=100",
		owner, repo, "@me")
	var issues []*Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if issue.Title == title {
			return issue, nil
		}
	}
	return nil, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	reqBody := map[string]string{"title": title, "body": body}
	var issue Issue
	if err := c.doRequest(ctx, http.MethodPost, path, reqBody, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssueBody replaces an issue body in a single call.
func (c *Client) UpdateIssueBody(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	reqBody := map[string]string{"body": body}
	return c.doRequest(ctx, http.MethodPatch, path, reqBody, nil)
}

// GetRepo fetches repository metadata.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	var r Repository
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRepos lists repositories visible to the authenticated credentials.
func (c *Client) ListRepos(ctx context.Context) ([]*Repository, error) {
	var all []*Repository
	for page := 1; ; page++ {
		path := fmt.Sprintf("/user/repos?per_page=100&page=%d", page)
		var repos []*Repository
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &repos); err != nil {
			return nil, err
		}
		all = append(all, repos...)
		if len(repos) < 100 {
			return all, nil
		}
	}
}

// GetRateLimit fetches the current core quota.
func (c *Client) GetRateLimit(ctx context.Context) (*RateSnapshot, error) {
	var result struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/rate_limit", nil, &result); err != nil {
		return nil, err
	}
	snap := &RateSnapshot{
		Limit:     result.Resources.Core.Limit,
		Remaining: result.Resources.Core.Remaining,
		ResetAt:   time.Unix(result.Resources.Core.Reset, 0),
	}
	if c.onRate != nil {
		c.onRate(*snap)
	}
	return snap, nil
}

// AuthenticatedUser fetches the identity behind the token. Used at startup
// to validate credentials and to recognize our own reviews.
func (c *Client) AuthenticatedUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.doRequest(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
