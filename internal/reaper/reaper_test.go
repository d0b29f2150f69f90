package reaper

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func terminalJob(t *testing.T, id string, state jobs.State, completedAt time.Time, outputPath string) *jobs.Job {
	t.Helper()
	ts := completedAt
	return &jobs.Job{
		ID:               id,
		State:            state,
		OriginalFilename: "report.pdf",
		CreatedAt:        completedAt.Add(-time.Minute),
		CompletedAt:      &ts,
		OutputFilePath:   outputPath,
	}
}

func TestSweep_DeletesExpiredTerminalJobsAndFiles(t *testing.T) {
	dir := t.TempDir()
	store := jobs.NewMemoryStore()
	stager := storage.NewStager(testLogger(), dir, dir)

	out := filepath.Join(dir, "old.docx")
	if err := os.WriteFile(out, []byte("docx"), 0o640); err != nil {
		t.Fatalf("write output: %v", err)
	}

	now := time.Now().UTC()
	old := terminalJob(t, "old", jobs.StateCompleted, now.Add(-48*time.Hour), out)
	fresh := terminalJob(t, "fresh", jobs.StateCompleted, now.Add(-time.Hour), "")
	running := &jobs.Job{ID: "running", State: jobs.StateProcessing, CreatedAt: now.Add(-72 * time.Hour)}
	for _, j := range []*jobs.Job{old, fresh, running} {
		if err := store.Create(j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	r := New(testLogger(), store, stager, 24*time.Hour, time.Hour)
	r.Sweep(now)

	if _, err := store.Get("old"); err != jobs.ErrNotFound {
		t.Fatalf("expired job survived sweep: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expired output file survived sweep")
	}
	if _, err := store.Get("fresh"); err != nil {
		t.Fatalf("fresh terminal job reaped: %v", err)
	}
	// Processing jobs are never reaped, no matter their age.
	if _, err := store.Get("running"); err != nil {
		t.Fatalf("processing job reaped: %v", err)
	}
}

func TestSweep_ZeroRetentionReapsImmediately(t *testing.T) {
	dir := t.TempDir()
	store := jobs.NewMemoryStore()
	stager := storage.NewStager(testLogger(), dir, dir)

	now := time.Now().UTC()
	out := filepath.Join(dir, "done.docx")
	if err := os.WriteFile(out, []byte("docx"), 0o640); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := store.Create(terminalJob(t, "done", jobs.StateCompleted, now, out)); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := New(testLogger(), store, stager, 0, time.Hour)
	r.Sweep(now)

	if _, err := store.Get("done"); err != jobs.ErrNotFound {
		t.Fatalf("retention=0 should reap completed jobs immediately")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output file should be deleted")
	}
}

func TestSweep_MissingOutputFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	store := jobs.NewMemoryStore()
	stager := storage.NewStager(testLogger(), dir, dir)

	now := time.Now().UTC()
	j := terminalJob(t, "gone", jobs.StateFailed, now.Add(-48*time.Hour), filepath.Join(dir, "never-written.docx"))
	if err := store.Create(j); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := New(testLogger(), store, stager, 24*time.Hour, time.Hour)
	r.Sweep(now)

	if _, err := store.Get("gone"); err != jobs.ErrNotFound {
		t.Fatalf("record should be deleted even when its file is already gone")
	}
}
