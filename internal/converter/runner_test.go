package converter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeScript drops a shell script the runner can execute via "sh".
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script based test not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake_converter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func drain(t *testing.T, events <-chan Event, results <-chan Result, timeout time.Duration) ([]Event, Result) {
	t.Helper()
	var evs []Event
	for e := range events {
		evs = append(evs, e)
	}
	select {
	case res := <-results:
		return evs, res
	case <-time.After(timeout):
		t.Fatalf("no result within %v", timeout)
		return nil, Result{}
	}
}

func TestRunner_CheckMissingCommand(t *testing.T) {
	r := NewRunner(testLogger(), "definitely-not-a-real-binary-xyz", "also-missing.py")
	err := r.Check()
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRunner_CheckMissingScript(t *testing.T) {
	r := NewRunner(testLogger(), "sh", filepath.Join(t.TempDir(), "missing.sh"))
	err := r.Check()
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRunner_InvokeSuccessStreamsProgress(t *testing.T) {
	script := writeScript(t, `
echo "progress 25"
echo "parsing layout"
echo "progress 80"
cp "$1" "$2"
`)
	r := NewRunner(testLogger(), "sh", script)
	if err := r.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}

	in := filepath.Join(t.TempDir(), "in.pdf")
	out := filepath.Join(t.TempDir(), "out.docx")
	if err := os.WriteFile(in, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, results := r.Invoke(ctx, in, out)
	evs, res := drain(t, events, results, 10*time.Second)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, diagnostic %q", res.Outcome, res.Diagnostic)
	}
	var progress []int
	var lines []string
	for _, e := range evs {
		lines = append(lines, e.Line)
		if e.Progress >= 0 {
			progress = append(progress, e.Progress)
		}
	}
	if len(progress) != 2 || progress[0] != 25 || progress[1] != 80 {
		t.Fatalf("progress events = %v", progress)
	}
	found := false
	for _, l := range lines {
		if l == "parsing layout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("plain log line not relayed: %v", lines)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output not written: %v", err)
	}
}

func TestRunner_InvokeNonzeroExitIsFailure(t *testing.T) {
	script := writeScript(t, `
echo "starting"
echo "cannot parse page 3" >&2
exit 1
`)
	r := NewRunner(testLogger(), "sh", script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, results := r.Invoke(ctx, "in.pdf", "out.docx")
	_, res := drain(t, events, results, 10*time.Second)

	if res.Outcome != OutcomeFailure {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if !strings.Contains(res.Diagnostic, "cannot parse page 3") {
		t.Fatalf("diagnostic = %q, want converter stderr", res.Diagnostic)
	}
}

func TestRunner_InvokeStderrWithZeroExitIsFailure(t *testing.T) {
	script := writeScript(t, `
echo "warning-ish error" >&2
exit 0
`)
	r := NewRunner(testLogger(), "sh", script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, results := r.Invoke(ctx, "in.pdf", "out.docx")
	_, res := drain(t, events, results, 10*time.Second)

	if res.Outcome != OutcomeFailure {
		t.Fatalf("outcome = %v, stderr output must fail the invocation", res.Outcome)
	}
}

func TestRunner_InvokeTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, `
echo "progress 10"
exec sleep 30
`)
	r := NewRunner(testLogger(), "sh", script)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	events, results := r.Invoke(ctx, "in.pdf", "out.docx")
	_, res := drain(t, events, results, 10*time.Second)

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("process not killed promptly, took %v", elapsed)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"progress 42", 42},
		{"progress 0", 0},
		{"progress 100", 100},
		{"progress 250", 100},
		{"progress -5", 0},
		{"progress abc", -1},
		{"parsing page 2", -1},
		{"", -1},
	}
	for _, c := range cases {
		if got := parseProgress(c.in); got != c.want {
			t.Fatalf("parseProgress(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
