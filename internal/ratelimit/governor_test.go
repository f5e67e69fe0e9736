package ratelimit

import (
	"testing"
	"time"

	"github.com/renobot/renobot/internal/platform"
)

func testGovernor(t *testing.T, cfg *Config) (*Governor, time.Time) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	// High smoothing rate so pacing never interferes with quota tests.
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := NewGovernor(cfg, WithClock(func() time.Time { return now }))
	return g, now
}

func TestAcquireBufferBoundary(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		buffer    int
		wantAdmit bool
	}{
		{name: "well above buffer", remaining: 4000, buffer: 100, wantAdmit: true},
		{name: "one above buffer", remaining: 101, buffer: 100, wantAdmit: true},
		{name: "exactly at buffer", remaining: 100, buffer: 100, wantAdmit: false},
		{name: "below buffer", remaining: 50, buffer: 100, wantAdmit: false},
		{name: "zero remaining", remaining: 0, buffer: 100, wantAdmit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Buffer = tt.buffer
			g, now := testGovernor(t, cfg)

			g.Observe(platform.RateSnapshot{
				Remaining: tt.remaining,
				Limit:     5000,
				ResetAt:   now.Add(20 * time.Minute),
			})

			admitted, _ := g.Acquire(4)
			if admitted != tt.wantAdmit {
				t.Errorf("Acquire() admitted = %v, want %v", admitted, tt.wantAdmit)
			}
		})
	}
}

func TestAcquireDeniedDelayHint(t *testing.T) {
	g, now := testGovernor(t, nil)
	reset := now.Add(17 * time.Minute)

	g.Observe(platform.RateSnapshot{Remaining: 50, Limit: 5000, ResetAt: reset})

	admitted, delay := g.Acquire(4)
	if admitted {
		t.Fatal("Acquire() admitted with remaining below buffer")
	}
	// usage 4950/5000 = 0.99 > 0.8, so the hint is throttled 2x.
	want := time.Duration(float64(17*time.Minute) * 2.0)
	if delay != want {
		t.Errorf("delay hint = %v, want %v", delay, want)
	}
}

func TestAcquireDeniedNoThrottleBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buffer = 4000
	g, now := testGovernor(t, cfg)
	reset := now.Add(10 * time.Minute)

	// usage 1500/5000 = 0.3 < 0.8: raw delay hint.
	g.Observe(platform.RateSnapshot{Remaining: 3500, Limit: 5000, ResetAt: reset})

	admitted, delay := g.Acquire(1)
	if admitted {
		t.Fatal("Acquire() admitted with remaining below buffer")
	}
	if delay != 10*time.Minute {
		t.Errorf("delay hint = %v, want %v", delay, 10*time.Minute)
	}
}

func TestAcquireAfterWindowRollover(t *testing.T) {
	g, now := testGovernor(t, nil)

	// Reset time in the past: the window rolled over but headers are not
	// refreshed yet. The governor must admit so a call can refresh them.
	g.Observe(platform.RateSnapshot{Remaining: 0, Limit: 5000, ResetAt: now.Add(-time.Minute)})

	admitted, _ := g.Acquire(1)
	if !admitted {
		t.Error("Acquire() denied after quota window rollover")
	}
}

func TestObserveIgnoresOutOfOrderSnapshots(t *testing.T) {
	g, now := testGovernor(t, nil)
	reset := now.Add(30 * time.Minute)

	g.Observe(platform.RateSnapshot{Remaining: 200, Limit: 5000, ResetAt: reset})
	// A delayed response from earlier in the same window must not raise
	// the remaining count.
	g.Observe(platform.RateSnapshot{Remaining: 900, Limit: 5000, ResetAt: reset})

	if snap := g.Snapshot(); snap.Remaining != 200 {
		t.Errorf("Remaining = %d after out-of-order observe, want 200", snap.Remaining)
	}

	// A new window resets freely.
	g.Observe(platform.RateSnapshot{Remaining: 5000, Limit: 5000, ResetAt: reset.Add(time.Hour)})
	if snap := g.Snapshot(); snap.Remaining != 5000 {
		t.Errorf("Remaining = %d after window change, want 5000", snap.Remaining)
	}
}

func TestSnapshotUsageFraction(t *testing.T) {
	g, now := testGovernor(t, nil)
	g.Observe(platform.RateSnapshot{Remaining: 1000, Limit: 5000, ResetAt: now.Add(time.Hour)})

	snap := g.Snapshot()
	if snap.UsageFraction != 0.8 {
		t.Errorf("UsageFraction = %v, want 0.8", snap.UsageFraction)
	}
	if snap.Stale {
		t.Error("Snapshot reported stale immediately after Observe")
	}
}

func TestUnobservedViewIsStaleButAdmits(t *testing.T) {
	g, _ := testGovernor(t, nil)

	if snap := g.Snapshot(); !snap.Stale {
		t.Error("unobserved governor should report stale")
	}

	admitted, delay := g.Acquire(1)
	if !admitted {
		t.Error("unobserved governor must admit so headers can be seeded")
	}
	if delay <= 0 {
		t.Error("stale admission should carry a conservative pacing delay")
	}
}
