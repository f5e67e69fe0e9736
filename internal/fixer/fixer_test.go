package fixer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/renobot/renobot/internal/logging"
)

func init() {
	logging.Suppress()
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based fix commands are not exercised on windows")
	}
}

func TestSupportsLanguage(t *testing.T) {
	cfg := &Config{Enabled: true, Languages: []string{"go", "node"}}
	if !cfg.SupportsLanguage("go") {
		t.Error("go should be supported")
	}
	if cfg.SupportsLanguage("rust") {
		t.Error("rust is not configured")
	}
	cfg.Enabled = false
	if cfg.SupportsLanguage("go") {
		t.Error("disabled fixer supports nothing")
	}
}

// writeFixScript drops an executable script that ignores its arguments and
// prints the given stdout.
func writeFixScript(t *testing.T, stdout string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fix.sh")
	script := "#!/bin/sh\nprintf '%s' '" + stdout + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFixParsesCommandResult(t *testing.T) {
	skipWithoutShell(t)
	script := writeFixScript(t, `{"commits_pushed":2}`)
	fx := NewExecFixer(&Config{
		Enabled:   true,
		Languages: []string{"go"},
		Commands:  map[string]string{"go": script},
		Timeout:   5 * time.Second,
	})

	res, err := fx.Fix(context.Background(), "acme/web", "renovate/dep-1.x", "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.CommitsPushed != 2 {
		t.Errorf("commits = %d, want 2", res.CommitsPushed)
	}
}

func TestFixAssumesOnePushWithoutOutput(t *testing.T) {
	skipWithoutShell(t)
	fx := NewExecFixer(&Config{
		Enabled:  true,
		Commands: map[string]string{"go": "true"},
		Timeout:  5 * time.Second,
	})

	res, err := fx.Fix(context.Background(), "acme/web", "renovate/dep-1.x", "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.CommitsPushed != 1 {
		t.Errorf("commits = %d, want 1 default", res.CommitsPushed)
	}
}

func TestFixCommandFailure(t *testing.T) {
	skipWithoutShell(t)
	fx := NewExecFixer(&Config{
		Enabled:  true,
		Commands: map[string]string{"go": "false"},
		Timeout:  5 * time.Second,
	})

	if _, err := fx.Fix(context.Background(), "acme/web", "renovate/dep-1.x", "go"); err == nil {
		t.Fatal("non-zero exit must fail the fix")
	}
}

func TestFixUnconfiguredLanguage(t *testing.T) {
	fx := NewExecFixer(&Config{Enabled: true, Commands: map[string]string{"go": "true"}})
	if _, err := fx.Fix(context.Background(), "acme/web", "ref", "node"); err == nil {
		t.Fatal("expected error for unconfigured language")
	}
}

func TestFixTimeout(t *testing.T) {
	skipWithoutShell(t)
	path := filepath.Join(t.TempDir(), "slow.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 10\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	fx := NewExecFixer(&Config{
		Enabled:  true,
		Commands: map[string]string{"go": path},
		Timeout:  50 * time.Millisecond,
	})

	start := time.Now()
	_, err := fx.Fix(context.Background(), "acme/web", "ref", "go")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("fix did not respect the timeout")
	}
}

func TestMockFixerRecordsCalls(t *testing.T) {
	m := &MockFixer{}
	res, err := m.Fix(context.Background(), "acme/web", "renovate/dep-1.x", "go")
	if err != nil || res.CommitsPushed != 1 {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(m.Calls) != 1 || m.Calls[0].Language != "go" {
		t.Errorf("calls = %+v", m.Calls)
	}
}
