package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperrealist/bluesky/pkg/config"
	"github.com/hyperrealist/bluesky/pkg/engine"
	"github.com/hyperrealist/bluesky/pkg/journal"
	"github.com/hyperrealist/bluesky/pkg/signal"
)

// sharedSource survives across Run invocations within one test.
type sharedSource struct{ *signal.MemorySource }

func (sharedSource) Close() error { return nil }

func testEnv(t *testing.T) *signal.MemorySource {
	t.Helper()
	t.Setenv("SIGNAL_BACKEND", "memory")
	t.Setenv("JOURNAL_DRIVER", "sqlite")
	t.Setenv("JOURNAL_DSN", filepath.Join(t.TempDir(), "journal.db"))
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("SUSPEND_PROFILE", "")
	t.Setenv("CHECKPOINT_TIMEOUT", "")
	t.Setenv("REDIS_DB", "")

	src := signal.NewMemorySource()
	prev := openSource
	openSource = func(context.Context, *config.Config) (source, error) {
		return sharedSource{src}, nil
	}
	t.Cleanup(func() {
		openSource = prev
		_ = src.Close()
	})
	return src
}

func run(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = Run(append([]string{"suspendctl"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const profile = `
version: "1"
suspenders:
  - name: ring current
    signal: SR:CURRENT
    kind: floor
    threshold: 100
checklist:
  - name: ring up
    op: greater
    signal: SR:CURRENT
    value: 100
`

func TestRun_Help(t *testing.T) {
	code, stdout, _ := run("--help")
	assert.Equal(t, exitOK, code)
	for _, sub := range []string{"run", "check", "put", "get", "watch", "journal"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	testEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"launch"}},
		{"put missing value", []string{"put", "A"}},
		{"put bad value", []string{"put", "A", "lots"}},
		{"unknown flag", []string{"get", "A", "--loud"}},
		{"unknown signal", []string{"get", "NOPE"}},
		{"run without profile", []string{"run"}},
		{"bad plan", []string{"run", "--plan", "jump"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(tt.args...)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr, "suspendctl:")
		})
	}
}

func TestRun_BadConfig(t *testing.T) {
	testEnv(t)
	t.Setenv("SIGNAL_BACKEND", "carrier-pigeon")

	code, _, stderr := run("get", "A")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "SIGNAL_BACKEND")
}

func TestPutGet(t *testing.T) {
	testEnv(t)

	code, _, stderr := run("put", "BSTEST:VAL", "2.5", "--wait")
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := run("get", "BSTEST:VAL")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "2.5\n", stdout)

	code, stdout, _ = run("get", "BSTEST:VAL", "--json")
	require.Equal(t, exitOK, code)
	var v signal.Value
	require.NoError(t, json.Unmarshal([]byte(stdout), &v))
	assert.Equal(t, "BSTEST:VAL", v.Signal)
	assert.Equal(t, 2.5, v.V)
}

func TestWatch(t *testing.T) {
	src := testEnv(t)
	src.Define("BSTEST:VAL", 7)

	code, stdout, stderr := run("watch", "BSTEST:VAL", "--for", "200ms")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "BSTEST:VAL=7@")
}

func TestCheck(t *testing.T) {
	src := testEnv(t)
	path := writeProfile(t, profile)

	src.Define("SR:CURRENT", 250)
	code, stdout, stderr := run("check", "--profile", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "PASS  ring up")

	src.Define("SR:CURRENT", 50)
	code, stdout, _ = run("check", "--profile", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stdout, "FAIL  ring up")
}

func TestCheck_ProfileFromEnvironment(t *testing.T) {
	src := testEnv(t)
	src.Define("SR:CURRENT", 250)
	t.Setenv("SUSPEND_PROFILE", writeProfile(t, profile))

	code, stdout, stderr := run("check", "--json")
	require.Equal(t, exitOK, code, stderr)
	var report struct {
		Results []struct {
			Check  string `json:"check"`
			Passed bool   `json:"passed"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Passed)
}

func TestCheck_InvalidProfile(t *testing.T) {
	testEnv(t)
	path := writeProfile(t, "version: \"3\"\n")

	code, _, stderr := run("check", "--profile", path)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "invalid profile")
}

func TestRunPlanAndJournal(t *testing.T) {
	src := testEnv(t)
	src.Define("SR:CURRENT", 250)
	path := writeProfile(t, profile)

	code, stdout, stderr := run("run", "--profile", path, "--plan", "checkpoint, null*2", "--json")
	require.Equal(t, exitOK, code, stderr)

	var sum engine.RunSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.True(t, sum.Completed)
	assert.Equal(t, 3, sum.Instructions)
	assert.Zero(t, sum.Suspensions)
	assert.NotEmpty(t, sum.RunID)

	code, stdout, stderr = run("journal", "--json", "--verify", "--run", sum.RunID)
	require.Equal(t, exitOK, code, stderr)
	var events []journal.Event
	require.NoError(t, json.Unmarshal([]byte(stdout), &events))
	kinds := map[journal.Kind]bool{}
	for _, ev := range events {
		kinds[ev.Kind] = true
		assert.Equal(t, sum.RunID, ev.RunID)
	}
	assert.True(t, kinds[journal.KindRunStarted])
	assert.True(t, kinds[journal.KindRunFinished])

	code, stdout, _ = run("journal", "--limit", "1")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "SEQ")
	assert.Contains(t, stdout, string(journal.KindRunStarted))
}

func TestRun_SuspendsUntilSignalRecovers(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}
	src := testEnv(t)
	src.Define("SR:CURRENT", 50)
	path := writeProfile(t, profile)

	restore := time.AfterFunc(300*time.Millisecond, func() {
		_ = src.Write(context.Background(), "SR:CURRENT", 250, true)
	})
	defer restore.Stop()

	start := time.Now()
	code, stdout, stderr := run("run", "--profile", path, "--plan", "checkpoint, sleep=500ms", "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.Greater(t, time.Since(start), 800*time.Millisecond)

	var sum engine.RunSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.True(t, sum.Completed)
	assert.Equal(t, 1, sum.Suspensions)
	assert.Positive(t, sum.PausedFor)

	code, stdout, _ = run("journal", "--run", sum.RunID, "--kind", string(journal.KindPaused))
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "suspenders")
}
