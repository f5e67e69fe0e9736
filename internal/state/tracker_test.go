package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/renobot/renobot/internal/platform"
)

func TestLoadNoIssue(t *testing.T) {
	api := platform.NewMockAPI()
	tr := NewTracker(api)

	doc, rebuilt, err := tr.Load(context.Background(), "acme/web")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rebuilt {
		t.Error("missing issue must not count as a rebuild")
	}
	if len(doc.PerPR) != 0 {
		t.Errorf("empty repo returned %d records", len(doc.PerPR))
	}
}

func TestStoreCreatesAndUpdates(t *testing.T) {
	api := platform.NewMockAPI()
	tr := NewTracker(api, WithCreationMode(CreateAlways))
	ctx := context.Background()

	doc := NewDocument()
	rec := doc.Record(7)
	rec.Fingerprint = "aaaa"
	rec.LastAction = ActionApproved
	rec.LastActionAt = time.Now().UTC()

	calls, err := tr.Store(ctx, "acme/web", doc, true)
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("create-path calls = %d, want 2 (lookup + create)", calls)
	}
	if len(api.IssueCreates) != 1 {
		t.Fatalf("issue creates = %d, want 1", len(api.IssueCreates))
	}
	if api.IssueCreates[0].Title != DefaultIssueTitle {
		t.Errorf("created title = %q", api.IssueCreates[0].Title)
	}

	// Second store must update, not create.
	doc.Record(8).LastAction = ActionBlocked
	calls, err = tr.Store(ctx, "acme/web", doc, true)
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("update-path calls = %d, want 1", calls)
	}
	if len(api.IssueCreates) != 1 {
		t.Errorf("issue creates = %d after second store, want 1", len(api.IssueCreates))
	}
	if len(api.IssueUpdates) != 1 {
		t.Errorf("issue updates = %d, want 1", len(api.IssueUpdates))
	}

	// Round trip through the stored body.
	loaded, rebuilt, err := tr.Load(ctx, "acme/web")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rebuilt {
		t.Error("valid stored body reported as rebuilt")
	}
	if loaded.PerPR[7].Fingerprint != "aaaa" {
		t.Errorf("loaded fingerprint = %q, want aaaa", loaded.PerPR[7].Fingerprint)
	}
}

func TestStoreFindsExistingIssue(t *testing.T) {
	api := platform.NewMockAPI()
	ctx := context.Background()

	// Dashboard exists from a previous run; the tracker has never seen it.
	body, _ := sampleDocument().Render("acme/web")
	if _, err := api.CreateIssue(ctx, "acme", "web", DefaultIssueTitle, body); err != nil {
		t.Fatal(err)
	}
	api.IssueCreates = nil

	tr := NewTracker(api, WithCreationMode(CreateNever))
	calls, err := tr.Store(ctx, "acme/web", NewDocument(), false)
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("adopt-path calls = %d, want 2 (lookup + update)", calls)
	}
	if len(api.IssueCreates) != 0 {
		t.Error("Store() created a duplicate dashboard issue")
	}
	if len(api.IssueUpdates) != 1 {
		t.Errorf("issue updates = %d, want 1", len(api.IssueUpdates))
	}
}

func TestCreationPolicy(t *testing.T) {
	tests := []struct {
		name       string
		mode       CreationMode
		testRepos  []string
		hasPRs     bool
		wantCreate bool
	}{
		{name: "always", mode: CreateAlways, wantCreate: true},
		{name: "prs present with prs", mode: CreateWhenPRs, hasPRs: true, wantCreate: true},
		{name: "prs present without prs", mode: CreateWhenPRs, hasPRs: false, wantCreate: false},
		{name: "test repos match", mode: CreateTestRepos, testRepos: []string{"acme/web"}, wantCreate: true},
		{name: "test repos no match", mode: CreateTestRepos, testRepos: []string{"acme/api"}, wantCreate: false},
		{name: "never", mode: CreateNever, hasPRs: true, wantCreate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := platform.NewMockAPI()
			tr := NewTracker(api,
				WithCreationMode(tt.mode),
				WithTestRepos(tt.testRepos),
			)

			_, err := tr.Store(context.Background(), "acme/web", NewDocument(), tt.hasPRs)
			if err != nil {
				t.Fatalf("Store() error: %v", err)
			}
			created := len(api.IssueCreates) == 1
			if created != tt.wantCreate {
				t.Errorf("created = %v, want %v", created, tt.wantCreate)
			}
		})
	}
}

func TestLoadCorruptBlock(t *testing.T) {
	api := platform.NewMockAPI()
	ctx := context.Background()

	corrupt := "## Dashboard\n\n<!-- RENOVATE_AGENT_STATE\n{\"per_pr\": {\"7\": \n-->"
	if _, err := api.CreateIssue(ctx, "acme", "web", DefaultIssueTitle, corrupt); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(api)
	doc, rebuilt, err := tr.Load(ctx, "acme/web")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !rebuilt {
		t.Error("corrupt block must be reported as rebuilt")
	}
	if len(doc.PerPR) != 0 {
		t.Errorf("corrupt block yielded %d records, want 0", len(doc.PerPR))
	}

	// The next store writes a fresh valid block into the same issue.
	if _, err := tr.Store(ctx, "acme/web", doc, true); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if _, rebuilt, _ := tr.Load(ctx, "acme/web"); rebuilt {
		t.Error("block still corrupt after rebuild store")
	}
}

func TestValidCreationMode(t *testing.T) {
	for _, mode := range []CreationMode{CreateAlways, CreateWhenPRs, CreateTestRepos, CreateNever} {
		if !ValidCreationMode(mode) {
			t.Errorf("ValidCreationMode(%s) = false", mode)
		}
	}
	if ValidCreationMode("sometimes") {
		t.Error("ValidCreationMode accepted an unknown mode")
	}
}

func TestRepoLockMutualExclusion(t *testing.T) {
	tr := NewTracker(platform.NewMockAPI())

	unlock := tr.LockRepo("acme/web")
	if _, ok := tr.TryLockRepo("acme/web"); ok {
		t.Error("TryLockRepo acquired a held lock")
	}
	if unlockOther, ok := tr.TryLockRepo("acme/api"); !ok {
		t.Error("lock on one repo blocked another repo")
	} else {
		unlockOther()
	}
	unlock()

	unlock2, ok := tr.TryLockRepo("acme/web")
	if !ok {
		t.Fatal("TryLockRepo failed after unlock")
	}
	unlock2()

	// Serialized read-modify-write under contention.
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tr.LockRepo("acme/web")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 16 {
		t.Errorf("counter = %d, want 16", counter)
	}
}
