// Package metrics accumulates per-cycle and per-repo counters and derives
// the agent's health score. Counters are mirrored into prometheus
// collectors for scraping; the Recorder snapshot feeds /health.
package metrics

import (
	"sync"
	"time"
)

// CycleReport summarizes one polling cycle over one repository.
type CycleReport struct {
	Repo         string        `json:"repo"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	PRsExamined  int           `json:"prs_examined"`
	PRsChanged   int           `json:"prs_changed"`
	PRsActed     int           `json:"prs_acted"`
	APICalls     int           `json:"api_calls"`
	Errors       int           `json:"errors"`
	NextInterval time.Duration `json:"next_interval"`
}

// Empty reports whether the cycle saw no changes.
func (r CycleReport) Empty() bool {
	return r.PRsChanged == 0
}

// Snapshot is a read-only view of all counters.
type Snapshot struct {
	Cycles       int64            `json:"cycles"`
	PRsExamined  int64            `json:"prs_examined"`
	PRsActed     int64            `json:"prs_acted"`
	APICalls     int64            `json:"api_calls"`
	Approvals    int64            `json:"approvals"`
	FixesOK      int64            `json:"fixes_ok"`
	FixesErr     int64            `json:"fixes_err"`
	Rebuilds     int64            `json:"dashboard_rebuilds"`
	ErrorsByKind map[string]int64 `json:"errors_by_kind"`
	LastCycleAt  time.Time        `json:"last_cycle_at"`
}

// TotalErrors sums errors across kinds.
func (s Snapshot) TotalErrors() int64 {
	var total int64
	for _, n := range s.ErrorsByKind {
		total += n
	}
	return total
}

// Recorder accumulates counters. Safe for concurrent use.
type Recorder struct {
	mu           sync.Mutex
	cycles       int64
	prsExamined  int64
	prsActed     int64
	apiCalls     int64
	approvals    int64
	fixesOK      int64
	fixesErr     int64
	rebuilds     int64
	errorsByKind map[string]int64
	lastCycleAt  time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{errorsByKind: make(map[string]int64)}
}

// RecordCycle accumulates a finished cycle.
func (r *Recorder) RecordCycle(report CycleReport) {
	r.mu.Lock()
	r.cycles++
	r.prsExamined += int64(report.PRsExamined)
	r.prsActed += int64(report.PRsActed)
	r.apiCalls += int64(report.APICalls)
	r.lastCycleAt = report.EndedAt
	r.mu.Unlock()

	outcome := "ok"
	if report.Errors > 0 {
		outcome = "error"
	}
	CyclesTotal.WithLabelValues(outcome).Inc()
	PRsExaminedTotal.Add(float64(report.PRsExamined))
	APICallsTotal.Add(float64(report.APICalls))
}

// RecordAPICalls counts platform calls made outside a cycle.
func (r *Recorder) RecordAPICalls(n int) {
	r.mu.Lock()
	r.apiCalls += int64(n)
	r.mu.Unlock()
	APICallsTotal.Add(float64(n))
}

// RecordApproval counts one submitted approval.
func (r *Recorder) RecordApproval() {
	r.mu.Lock()
	r.approvals++
	r.prsActed++
	r.mu.Unlock()
	ApprovalsTotal.Inc()
}

// RecordFix counts one fixer invocation.
func (r *Recorder) RecordFix(ok bool) {
	r.mu.Lock()
	if ok {
		r.fixesOK++
	} else {
		r.fixesErr++
	}
	r.mu.Unlock()
	result := "ok"
	if !ok {
		result = "error"
	}
	FixesTotal.WithLabelValues(result).Inc()
}

// RecordError counts an error by kind.
func (r *Recorder) RecordError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	r.mu.Lock()
	r.errorsByKind[kind]++
	r.mu.Unlock()
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDashboardRebuilt counts a dashboard recovered from corruption.
func (r *Recorder) RecordDashboardRebuilt() {
	r.mu.Lock()
	r.rebuilds++
	r.mu.Unlock()
	DashboardRebuildsTotal.Inc()
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := make(map[string]int64, len(r.errorsByKind))
	for k, v := range r.errorsByKind {
		errs[k] = v
	}
	return Snapshot{
		Cycles:       r.cycles,
		PRsExamined:  r.prsExamined,
		PRsActed:     r.prsActed,
		APICalls:     r.apiCalls,
		Approvals:    r.approvals,
		FixesOK:      r.fixesOK,
		FixesErr:     r.fixesErr,
		Rebuilds:     r.rebuilds,
		ErrorsByKind: errs,
		LastCycleAt:  r.lastCycleAt,
	}
}
