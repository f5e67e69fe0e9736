package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel markers delimiting the hidden machine-readable block inside the
// dashboard issue body. Everything between them is JSON; everything above
// is regenerated human-readable Markdown.
const (
	stateOpen  = "<!-- RENOVATE_AGENT_STATE\n"
	stateClose = "\n-->"
)

// DefaultIssueTitle is the deterministic dashboard issue title.
const DefaultIssueTitle = "Renovate Approvals Dashboard"

// Action is a terminal pipeline outcome recorded per PR.
type Action string

const (
	ActionApproved   Action = "Approved"
	ActionBlocked    Action = "Blocked"
	ActionIgnored    Action = "Ignored"
	ActionFixApplied Action = "Fix-Applied"
	ActionVanished   Action = "Vanished"
)

// PRRecord is the tracked state of one pull request.
type PRRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	LastAction   Action    `json:"last_action"`
	LastActionAt time.Time `json:"last_action_at"`
	LastError    string    `json:"last_error,omitempty"`
	Title        string    `json:"title,omitempty"`
	HeadRef      string    `json:"head_ref,omitempty"`
}

// RepoStats accumulates per-repository outcome counts.
type RepoStats struct {
	Approved int `json:"approved"`
	Blocked  int `json:"blocked"`
	Ignored  int `json:"ignored"`
	Fixes    int `json:"fixes"`
}

// PollingMetadata records scheduler state for operators.
type PollingMetadata struct {
	LastCycleAt     time.Time `json:"last_cycle_at"`
	CurrentInterval string    `json:"current_interval"`
	ActivityScore   float64   `json:"activity_score"`
}

// Document is the per-repository dashboard state. The hidden block is the
// authoritative store; the human block is always regenerated from it.
type Document struct {
	PerPR   map[int]*PRRecord `json:"per_pr"`
	Stats   RepoStats         `json:"stats"`
	Polling PollingMetadata   `json:"polling_metadata"`
}

// NewDocument returns an empty dashboard document.
func NewDocument() *Document {
	return &Document{PerPR: make(map[int]*PRRecord)}
}

// Record returns the tracked record for a PR, creating it when absent.
func (d *Document) Record(number int) *PRRecord {
	if d.PerPR == nil {
		d.PerPR = make(map[int]*PRRecord)
	}
	rec, ok := d.PerPR[number]
	if !ok {
		rec = &PRRecord{}
		d.PerPR[number] = rec
	}
	return rec
}

// Render produces the full issue body: human-readable Markdown followed by
// the hidden state block.
func (d *Document) Render(repo string) (string, error) {
	stateJSON, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal dashboard state: %w", err)
	}

	var b strings.Builder
	b.WriteString("## Renovate approvals for " + repo + "\n\n")
	b.WriteString("This issue is maintained by renobot. The comment at the bottom holds\n")
	b.WriteString("machine-readable state; edits to it will be overwritten.\n\n")

	if len(d.PerPR) == 0 {
		b.WriteString("_No dependency-update pull requests tracked yet._\n")
	} else {
		b.WriteString("| PR | Last action | When | Note |\n")
		b.WriteString("|----|-------------|------|------|\n")

		numbers := make([]int, 0, len(d.PerPR))
		for n := range d.PerPR {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		for _, n := range numbers {
			rec := d.PerPR[n]
			when := ""
			if !rec.LastActionAt.IsZero() {
				when = rec.LastActionAt.UTC().Format("2006-01-02 15:04")
			}
			note := rec.LastError
			b.WriteString(fmt.Sprintf("| #%d | %s | %s | %s |\n", n, rec.LastAction, when, note))
		}
	}

	b.WriteString(fmt.Sprintf("\nApproved: %d · Blocked: %d · Ignored: %d · Lockfile fixes: %d\n",
		d.Stats.Approved, d.Stats.Blocked, d.Stats.Ignored, d.Stats.Fixes))

	if !d.Polling.LastCycleAt.IsZero() {
		b.WriteString(fmt.Sprintf("\nLast cycle: %s · interval %s · activity %.2f\n",
			d.Polling.LastCycleAt.UTC().Format(time.RFC3339),
			d.Polling.CurrentInterval,
			d.Polling.ActivityScore))
	}

	b.WriteString("\n")
	b.WriteString(stateOpen)
	b.Write(stateJSON)
	b.WriteString(stateClose)
	b.WriteString("\n")

	return b.String(), nil
}

// Parse extracts the hidden state block from an issue body. A missing or
// unparseable block yields an empty document and ok=false; the caller
// rebuilds from scratch.
func Parse(body string) (*Document, bool) {
	start := strings.Index(body, stateOpen)
	if start < 0 {
		return NewDocument(), false
	}
	rest := body[start+len(stateOpen):]
	end := strings.Index(rest, stateClose)
	if end < 0 {
		return NewDocument(), false
	}

	var doc Document
	if err := json.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return NewDocument(), false
	}
	if doc.PerPR == nil {
		doc.PerPR = make(map[int]*PRRecord)
	}
	return &doc, true
}
