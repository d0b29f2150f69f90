package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

// Reaper periodically deletes terminal job records older than the retention
// window, together with their output files, bounding memory and disk growth.
type Reaper struct {
	log       *slog.Logger
	store     jobs.Store
	stager    *storage.Stager
	retention time.Duration
	interval  time.Duration
}

func New(log *slog.Logger, store jobs.Store, stager *storage.Stager, retention, interval time.Duration) *Reaper {
	return &Reaper{
		log:       log,
		store:     store,
		stager:    stager,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now().UTC())
		}
	}
}

// Sweep deletes every terminal job whose completion time precedes
// now-retention. It iterates a snapshot, so submits that race with the sweep
// are unaffected. File deletion is best effort; the record goes regardless.
func (r *Reaper) Sweep(now time.Time) {
	snapshot, err := r.store.Snapshot()
	if err != nil {
		r.log.Warn("reaper snapshot", "err", err)
		return
	}
	cutoff := now.Add(-r.retention)
	reaped := 0
	for _, job := range snapshot {
		if !job.State.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.After(cutoff) {
			continue
		}
		if job.OutputFilePath != "" {
			r.stager.Release(job.OutputFilePath)
		}
		if err := r.store.Delete(job.ID); err != nil && err != jobs.ErrNotFound {
			r.log.Warn("reap job", "job_id", job.ID, "err", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.log.Info("reaper sweep", "reaped", reaped, "remaining", len(snapshot)-reaped)
	}
}
