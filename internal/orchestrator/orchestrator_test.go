package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/pdfconvert/internal/config"
	"github.com/jo-hoe/pdfconvert/internal/converter"
	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testRig struct {
	orch  *Orchestrator
	store *jobs.MemoryStore
	dir   string
}

// newRig wires an orchestrator around a shell script standing in for the
// python worker.
func newRig(t *testing.T, scriptBody string, timeout time.Duration) *testRig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script based test not supported on windows")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "converter.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := &config.Config{}
	cfg.Converter.Command = "sh"
	cfg.Converter.Script = script
	cfg.Converter.Timeout = timeout
	cfg.Converter.Grace = 2 * time.Second
	cfg.Jobs.StagingDir = filepath.Join(dir, "staging")
	cfg.Jobs.OutputDir = filepath.Join(dir, "out")

	store := jobs.NewMemoryStore()
	stager := storage.NewStager(testLogger(), cfg.Jobs.StagingDir, cfg.Jobs.OutputDir)
	runner := converter.NewRunner(testLogger(), cfg.Converter.Command, cfg.Converter.Script)
	queue := jobs.NewQueue(testLogger(), 4, 1)

	orch := New(testLogger(), cfg, store, stager, runner, queue, nil)
	return &testRig{orch: orch, store: store, dir: dir}
}

func (r *testRig) runJob(t *testing.T, filename string, data []byte) *jobs.Job {
	t.Helper()
	job := &jobs.Job{
		ID:               "test-job",
		State:            jobs.StateProcessing,
		OriginalFilename: filename,
		FileSize:         int64(len(data)),
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.orch.Process(context.Background(), jobs.WorkItem{JobID: job.ID, Filename: filename, Data: data})
	got, err := r.store.Get(job.ID)
	if err != nil {
		t.Fatalf("get after process: %v", err)
	}
	return got
}

func stagingEmpty(t *testing.T, rig *testRig) bool {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(rig.dir, "staging"))
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		t.Fatalf("read staging dir: %v", err)
	}
	return len(entries) == 0
}

func TestProcess_SuccessfulConversion(t *testing.T) {
	rig := newRig(t, `
echo "progress 30"
echo "parsing layout"
echo "progress 85"
printf 'docx-bytes' > "$2"
`, 10*time.Second)

	got := rig.runJob(t, "report.pdf", []byte("%PDF-1.4 fake"))

	if got.State != jobs.StateCompleted {
		t.Fatalf("state = %q (error %q)", got.State, got.Error)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d", got.Progress)
	}
	if got.OutputFilePath == "" {
		t.Fatalf("output path not recorded")
	}
	info, err := os.Stat(got.OutputFilePath)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if got.OutputFileSize != info.Size() {
		t.Fatalf("recorded size %d != file size %d", got.OutputFileSize, info.Size())
	}
	foundLog := false
	for _, l := range got.Logs {
		if l == "parsing layout" {
			foundLog = true
		}
	}
	if !foundLog {
		t.Fatalf("converter log line not recorded: %v", got.Logs)
	}
	if !stagingEmpty(t, rig) {
		t.Fatalf("staged input leaked")
	}
}

func TestProcess_ConverterErrorFailsJob(t *testing.T) {
	rig := newRig(t, `
echo "cannot parse page 3" >&2
exit 1
`, 10*time.Second)

	got := rig.runJob(t, "broken.pdf", []byte("not really a pdf"))

	if got.State != jobs.StateFailed {
		t.Fatalf("state = %q", got.State)
	}
	if !strings.Contains(got.Error, "cannot parse page 3") {
		t.Fatalf("error = %q, want converter diagnostics", got.Error)
	}
	if got.OutputFilePath != "" {
		t.Fatalf("failed job must not carry an output path")
	}
	if !stagingEmpty(t, rig) {
		t.Fatalf("staged input leaked on failure")
	}
}

func TestProcess_MissingOutputDespiteSuccessExit(t *testing.T) {
	rig := newRig(t, `
echo "progress 90"
exit 0
`, 10*time.Second)

	got := rig.runJob(t, "report.pdf", []byte("%PDF-1.4"))

	if got.State != jobs.StateFailed {
		t.Fatalf("state = %q", got.State)
	}
	if !strings.Contains(got.Error, "no output file") {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestProcess_EmptyOutputDespiteSuccessExit(t *testing.T) {
	rig := newRig(t, `
: > "$2"
exit 0
`, 10*time.Second)

	got := rig.runJob(t, "report.pdf", []byte("%PDF-1.4"))

	if got.State != jobs.StateFailed {
		t.Fatalf("state = %q", got.State)
	}
	if !strings.Contains(got.Error, "empty output") {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestProcess_TimeoutFailsJobAndKillsProcess(t *testing.T) {
	rig := newRig(t, `
echo "progress 10"
exec sleep 30
`, 500*time.Millisecond)

	start := time.Now()
	got := rig.runJob(t, "slow.pdf", []byte("%PDF-1.4"))

	if got.State != jobs.StateFailed {
		t.Fatalf("state = %q", got.State)
	}
	if !strings.Contains(got.Error, "timed out") {
		t.Fatalf("error = %q, want timeout message", got.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("process not bounded by timeout, took %v", elapsed)
	}
	// Progress frozen at its last value, not forced to 100.
	if got.Progress != 10 && got.Progress != 20 {
		t.Fatalf("progress = %d", got.Progress)
	}
}

func TestProcess_UnreachableConverterFailsFast(t *testing.T) {
	rig := newRig(t, "exit 0\n", 10*time.Second)
	rig.orch.runner = converter.NewRunner(testLogger(), "sh", filepath.Join(rig.dir, "no-such-script.sh"))

	start := time.Now()
	got := rig.runJob(t, "report.pdf", []byte("%PDF-1.4"))

	if got.State != jobs.StateFailed {
		t.Fatalf("state = %q", got.State)
	}
	if !strings.Contains(got.Error, "converter unavailable") {
		t.Fatalf("error = %q, want configuration error", got.Error)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("configuration error should fail fast")
	}
}

func TestSubmit_CreatesRecordAndEnqueues(t *testing.T) {
	rig := newRig(t, `printf 'docx' > "$2"`+"\n", 10*time.Second)
	queue := jobs.NewQueue(testLogger(), 4, 1)
	rig.orch.queue = queue
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := queue.Start(ctx, rig.orch); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	defer queue.Shutdown(time.Second)

	id, err := rig.orch.Submit("../naughty/report.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, err := rig.store.Get(id)
	if err != nil {
		t.Fatalf("record missing after submit: %v", err)
	}
	if j.OriginalFilename != "report.pdf" {
		t.Fatalf("filename not sanitized: %q", j.OriginalFilename)
	}
	if j.FileSize != int64(len("%PDF-1.4")) {
		t.Fatalf("fileSize = %d", j.FileSize)
	}

	// Eventually terminal.
	deadline := time.Now().Add(10 * time.Second)
	for {
		j, _ = rig.store.Get(id)
		if j.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached a terminal state: %+v", j)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if j.State != jobs.StateCompleted {
		t.Fatalf("state = %q (error %q)", j.State, j.Error)
	}
}

func TestSubmit_QueueFullRejects(t *testing.T) {
	rig := newRig(t, "exit 0\n", time.Second)
	// Queue never started: Enqueue errors, Submit must surface it and drop the record.
	id, err := rig.orch.Submit("report.pdf", []byte("%PDF-1.4"))
	if err == nil {
		t.Fatalf("expected submit error when queue rejects")
	}
	if id != "" {
		t.Fatalf("id should be empty on rejection")
	}
	snap, _ := rig.store.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("rejected submit left a record behind")
	}
}
