package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/testutil"
)

func init() {
	logging.Suppress()
}

func newTestClient(handler http.Handler, opts ...ClientOption) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	opts = append([]ClientOption{WithBaseURL(ts.URL)}, opts...)
	return NewClient(testutil.FakeGitHubToken, opts...), ts
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		fmt.Fprint(w, `{"login":"renobot"}`)
	}))
	defer ts.Close()

	if _, err := client.AuthenticatedUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	if auth := got.Get("Authorization"); auth != "Bearer "+testutil.FakeGitHubToken {
		t.Errorf("Authorization = %q", auth)
	}
	if accept := got.Get("Accept"); accept != "application/vnd.github+json" {
		t.Errorf("Accept = %q", accept)
	}
	if v := got.Get("X-GitHub-Api-Version"); v == "" {
		t.Error("missing API version header")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    ErrorKind
	}{
		{"not found", 404, nil, `{"message":"Not Found"}`, KindNotFound},
		{"gone", 410, nil, "", KindNotFound},
		{"unauthorized", 401, nil, `{"message":"Bad credentials"}`, KindAuth},
		{"forbidden", 403, nil, `{"message":"Resource not accessible"}`, KindForbidden},
		{"primary rate limit", 403, map[string]string{"X-RateLimit-Remaining": "0"}, `{"message":"API rate limit exceeded"}`, KindRateLimited},
		{"secondary rate limit", 403, nil, `{"message":"You have exceeded a secondary rate limit"}`, KindRateLimited},
		{"too many requests", 429, nil, "", KindRateLimited},
		{"server error", 500, nil, "", KindTransient},
		{"bad gateway", 502, nil, "", KindTransient},
		{"unprocessable", 422, nil, `{"message":"Validation Failed"}`, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			_, err := client.GetPR(context.Background(), "acme", "web", 1)
			if err == nil {
				t.Fatal("expected error")
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error is not an APIError: %v", err)
			}
			if apiErr.Kind != tt.want {
				t.Errorf("kind = %s, want %s", apiErr.Kind, tt.want)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", apiErr.StatusCode, tt.status)
			}
		})
	}
}

func TestRateObserver(t *testing.T) {
	reset := time.Now().Add(20 * time.Minute).Unix()
	var seen []RateSnapshot
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		fmt.Fprint(w, `{"number":1,"state":"open"}`)
	}), WithRateObserver(func(snap RateSnapshot) {
		seen = append(seen, snap)
	}))
	defer ts.Close()

	if _, err := client.GetPR(context.Background(), "acme", "web", 1); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("observer called %d times, want 1", len(seen))
	}
	if seen[0].Remaining != 4321 || seen[0].Limit != 5000 {
		t.Errorf("snapshot = %+v", seen[0])
	}
	if seen[0].ResetAt.Unix() != reset {
		t.Errorf("ResetAt = %v, want unix %d", seen[0].ResetAt, reset)
	}
}

func TestRateObserverSkipsMissingHeaders(t *testing.T) {
	called := false
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":1}`)
	}), WithRateObserver(func(RateSnapshot) { called = true }))
	defer ts.Close()

	if _, err := client.GetPR(context.Background(), "acme", "web", 1); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("observer fired without rate headers")
	}
}

func TestListOpenPRsPaginates(t *testing.T) {
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var prs []*PullRequest
		switch page {
		case "1":
			for i := 1; i <= 100; i++ {
				prs = append(prs, &PullRequest{Number: i, State: "open"})
			}
		case "2":
			prs = append(prs, &PullRequest{Number: 101, State: "open"})
		}
		json.NewEncoder(w).Encode(prs)
	}))
	defer ts.Close()

	prs, err := client.ListOpenPRs(context.Background(), "acme", "web")
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 101 {
		t.Fatalf("got %d PRs, want 101", len(prs))
	}
	if prs[100].Number != 101 {
		t.Errorf("last PR = %d, want 101", prs[100].Number)
	}
}

func TestApprovePRBody(t *testing.T) {
	var got map[string]string
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	if err := client.ApprovePR(context.Background(), "acme", "web", 12, "lgtm"); err != nil {
		t.Fatal(err)
	}
	if got["event"] != "APPROVE" || got["body"] != "lgtm" {
		t.Errorf("review payload = %v", got)
	}
}

func TestFindIssueByTitle(t *testing.T) {
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*Issue{
			{Number: 3, Title: "Something else"},
			{Number: 7, Title: "Renovate Dashboard"},
		})
	}))
	defer ts.Close()

	issue, err := client.FindIssueByTitle(context.Background(), "acme", "web", "Renovate Dashboard")
	if err != nil {
		t.Fatal(err)
	}
	if issue == nil || issue.Number != 7 {
		t.Errorf("issue = %+v, want number 7", issue)
	}

	missing, err := client.FindIssueByTitle(context.Background(), "acme", "web", "No Such Title")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for no match, got %+v", missing)
	}
}

func TestGetRateLimit(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Unix()
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":1234,"reset":%d}}}`, reset)
	}))
	defer ts.Close()

	snap, err := client.GetRateLimit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Remaining != 1234 || snap.Limit != 5000 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMalformedResponseBody(t *testing.T) {
	client, ts := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": not json`)
	}))
	defer ts.Close()

	_, err := client.GetPR(context.Background(), "acme", "web", 1)
	if ErrKind(err) != KindMalformed {
		t.Errorf("kind = %s, want malformed", ErrKind(err))
	}
}
