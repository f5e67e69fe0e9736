package intake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/renobot/renobot/internal/dedup"
	"github.com/renobot/renobot/internal/logging"
	"github.com/renobot/renobot/internal/testutil"
)

func init() {
	logging.Suppress()
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func deliver(t *testing.T, in *Intake, event string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, "d-1")
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}
	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, req)
	return rec
}

func drain(t *testing.T, q *dedup.Queue) []dedup.Key {
	t.Helper()
	var keys []dedup.Key
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		item, err := q.Next(ctx)
		cancel()
		if err != nil {
			return keys
		}
		keys = append(keys, item.Key)
		q.Done(item.Key)
	}
}

const prOpened = `{
	"action": "opened",
	"repository": {"full_name": "acme/web"},
	"pull_request": {"number": 42}
}`

func TestValidSignatureAccepted(t *testing.T) {
	q := dedup.New()
	in := New(Config{Secret: testutil.FakeWebhookSecret, RequireSignature: true}, q)

	body := []byte(prOpened)
	rec := deliver(t, in, "pull_request", body, sign(body, testutil.FakeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	keys := drain(t, q)
	if len(keys) != 1 || keys[0] != (dedup.Key{Repo: "acme/web", Number: 42}) {
		t.Errorf("queued keys = %v", keys)
	}
	if in.Stats().Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", in.Stats().Accepted)
	}
}

func TestSingleByteMutationRejected(t *testing.T) {
	q := dedup.New()
	in := New(Config{Secret: testutil.FakeWebhookSecret, RequireSignature: true}, q)

	body := []byte(prOpened)
	signature := sign(body, testutil.FakeWebhookSecret)
	body[0] = '{' + 1 // tamper after signing

	rec := deliver(t, in, "pull_request", body, signature)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := drain(t, q); len(got) != 0 {
		t.Errorf("tampered delivery queued %v", got)
	}
	if in.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", in.Stats().Rejected)
	}
}

func TestMissingSignature(t *testing.T) {
	body := []byte(prOpened)

	t.Run("required", func(t *testing.T) {
		in := New(Config{Secret: testutil.FakeWebhookSecret, RequireSignature: true}, dedup.New())
		if rec := deliver(t, in, "pull_request", body, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
	t.Run("waived", func(t *testing.T) {
		q := dedup.New()
		in := New(Config{RequireSignature: false}, q)
		if rec := deliver(t, in, "pull_request", body, ""); rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if len(drain(t, q)) != 1 {
			t.Error("unsigned delivery should queue when signatures are waived")
		}
	})
}

func TestWrongSecretRejected(t *testing.T) {
	in := New(Config{Secret: testutil.FakeWebhookSecret, RequireSignature: true}, dedup.New())
	body := []byte(prOpened)
	if rec := deliver(t, in, "pull_request", body, sign(body, "other-secret")); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"missing repository", `{"action": "opened", "pull_request": {"number": 1}}`},
		{"missing pull_request", `{"action": "opened", "repository": {"full_name": "a/b"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := New(Config{RequireSignature: false}, dedup.New())
			rec := deliver(t, in, "pull_request", []byte(tt.body), "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestEventFiltering(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		body      string
		wantKeys  int
		wantFirst dedup.Key
	}{
		{
			name:     "irrelevant action ignored",
			event:    "pull_request",
			body:     `{"action": "labeled", "repository": {"full_name": "a/b"}, "pull_request": {"number": 7}}`,
			wantKeys: 0,
		},
		{
			name:     "unknown event ignored",
			event:    "issues",
			body:     `{"action": "opened"}`,
			wantKeys: 0,
		},
		{
			name:     "ping ignored",
			event:    "ping",
			body:     `{"zen": "keep it simple"}`,
			wantKeys: 0,
		},
		{
			name:      "check_suite completed",
			event:     "check_suite",
			body:      `{"action": "completed", "repository": {"full_name": "a/b"}, "check_suite": {"pull_requests": [{"number": 3}]}}`,
			wantKeys:  1,
			wantFirst: dedup.Key{Repo: "a/b", Number: 3},
		},
		{
			name:     "check_suite in progress ignored",
			event:    "check_suite",
			body:     `{"action": "requested", "repository": {"full_name": "a/b"}, "check_suite": {"pull_requests": [{"number": 3}]}}`,
			wantKeys: 0,
		},
		{
			name:      "check_run fans out to all PRs",
			event:     "check_run",
			body:      `{"action": "completed", "repository": {"full_name": "a/b"}, "check_run": {"pull_requests": [{"number": 3}, {"number": 4}]}}`,
			wantKeys:  2,
			wantFirst: dedup.Key{Repo: "a/b", Number: 3},
		},
		{
			name:      "closed is relevant",
			event:     "pull_request",
			body:      `{"action": "closed", "repository": {"full_name": "a/b"}, "pull_request": {"number": 9}}`,
			wantKeys:  1,
			wantFirst: dedup.Key{Repo: "a/b", Number: 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := dedup.New()
			in := New(Config{RequireSignature: false}, q)
			rec := deliver(t, in, tt.event, []byte(tt.body), "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			keys := drain(t, q)
			if len(keys) != tt.wantKeys {
				t.Fatalf("queued %d keys %v, want %d", len(keys), keys, tt.wantKeys)
			}
			if tt.wantKeys > 0 && keys[0] != tt.wantFirst {
				t.Errorf("first key = %v, want %v", keys[0], tt.wantFirst)
			}
		})
	}
}

func TestAllowRepoFilter(t *testing.T) {
	q := dedup.New()
	in := New(Config{
		RequireSignature: false,
		AllowRepo:        func(repo string) bool { return repo == "acme/web" },
	}, q)

	rec := deliver(t, in, "pull_request",
		[]byte(`{"action": "opened", "repository": {"full_name": "other/repo"}, "pull_request": {"number": 1}}`), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(drain(t, q)) != 0 {
		t.Error("disallowed repo should not queue work")
	}
	if in.Stats().Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", in.Stats().Ignored)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	in := New(Config{RequireSignature: false}, dedup.New())
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
