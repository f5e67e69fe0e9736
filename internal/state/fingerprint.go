// Package state tracks per-PR fingerprints and reads/writes the dashboard
// issue that holds each repository's externalized state.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/renobot/renobot/internal/platform"
)

// PRSnapshot carries the action-relevant view of a pull request at one
// point in time. Exactly six of its fields feed the fingerprint; changes to
// anything else (title, labels, timestamps) must not alter it.
type PRSnapshot struct {
	Number         int
	State          string // open, closed, merged
	HeadSHA        string
	Mergeable      string // yes, no, unknown
	Checks         platform.CheckState
	ReviewDecision string // approved, changes_requested, none
	Conflict       bool

	// Carried for the processor, not fingerprinted.
	Author    string
	HeadRef   string
	UpdatedAt time.Time
}

// MergeableString folds GitHub's tri-state mergeable flag into the
// fingerprint vocabulary.
func MergeableString(pr *platform.PullRequest) string {
	if pr.Mergeable == nil {
		return "unknown"
	}
	if *pr.Mergeable {
		return "yes"
	}
	return "no"
}

// HasConflict reports whether the platform marked the PR unmergeable due to
// conflicts.
func HasConflict(pr *platform.PullRequest) bool {
	if pr.Mergeable != nil && !*pr.Mergeable {
		return true
	}
	return pr.MergeableState == "dirty"
}

// Fingerprint digests the six action-relevant fields. Two fingerprints
// compare by equality only.
func Fingerprint(s PRSnapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%t",
		s.State, s.HeadSHA, s.Mergeable, s.Checks, s.ReviewDecision, s.Conflict)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ChangeKind classifies a PR against its tracked fingerprint.
type ChangeKind string

const (
	ChangeNew       ChangeKind = "new"
	ChangeChanged   ChangeKind = "changed"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeVanished  ChangeKind = "vanished"
)

// Change is the result of diffing a live PR against the dashboard record.
type Change struct {
	Kind ChangeKind
	Prev string
	New  string
}

// Diff compares a live snapshot against the tracked record in doc.
func Diff(doc *Document, snap PRSnapshot) Change {
	current := Fingerprint(snap)
	rec, ok := doc.PerPR[snap.Number]
	if !ok || rec.Fingerprint == "" {
		return Change{Kind: ChangeNew, New: current}
	}
	if rec.Fingerprint == current {
		return Change{Kind: ChangeUnchanged, Prev: rec.Fingerprint, New: current}
	}
	return Change{Kind: ChangeChanged, Prev: rec.Fingerprint, New: current}
}
