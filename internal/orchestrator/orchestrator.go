package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/jo-hoe/pdfconvert/internal/config"
	"github.com/jo-hoe/pdfconvert/internal/converter"
	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

// Notifier receives a job snapshot after every observable change, feeding
// the websocket broadcast. May be nil.
type Notifier interface {
	JobUpdated(job *jobs.Job)
}

// Orchestrator drives a submitted file through staging, conversion,
// verification and the terminal state transition. All failures along the way
// end up inside the job record; nothing escapes to the caller.
type Orchestrator struct {
	log    *slog.Logger
	cfg    *config.Config
	store  jobs.Store
	stager *storage.Stager
	runner *converter.Runner
	queue  *jobs.Queue
	notify Notifier
}

// Ensure Orchestrator implements jobs.Processor
var _ jobs.Processor = (*Orchestrator)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, stager *storage.Stager, runner *converter.Runner, queue *jobs.Queue, notify Notifier) *Orchestrator {
	return &Orchestrator{
		log:    log,
		cfg:    cfg,
		store:  store,
		stager: stager,
		runner: runner,
		queue:  queue,
		notify: notify,
	}
}

// Submit creates the job record and hands the upload to the worker pool.
// It returns as soon as the record exists; the conversion itself runs
// detached from the HTTP request.
func (o *Orchestrator) Submit(filename string, data []byte) (string, error) {
	job := &jobs.Job{
		ID:               uuid.NewString(),
		State:            jobs.StateProcessing,
		OriginalFilename: storage.SanitizeFilename(filename),
		FileSize:         int64(len(data)),
		CreatedAt:        time.Now().UTC(),
	}
	if err := o.store.Create(job); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	if err := o.queue.Enqueue(jobs.WorkItem{JobID: job.ID, Filename: job.OriginalFilename, Data: data}); err != nil {
		// The record never became visible to anyone, safe to drop it.
		_ = o.store.Delete(job.ID)
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	o.broadcast(job.ID)
	return job.ID, nil
}

// Process runs one conversion end to end. It is the only writer of progress
// and terminal transitions besides the watchdog; the store's CAS transition
// rule resolves any race between the two.
func (o *Orchestrator) Process(ctx context.Context, item jobs.WorkItem) {
	log := o.log.With("job_id", item.JobID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("conversion panicked", "panic", rec)
			o.fail(item.JobID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	timeout := o.cfg.Converter.Timeout

	// Watchdog: even if the converter wedges in a way the invocation timeout
	// misses, the client still observes a terminal state within the bound.
	watchdog := time.AfterFunc(timeout+o.cfg.Converter.Grace, func() {
		o.fail(item.JobID, fmt.Sprintf("conversion timed out after %s", timeout))
	})
	defer watchdog.Stop()

	// Stage input.
	stagedPath, err := o.stager.Stage(bytes.NewReader(item.Data), item.Filename)
	if err != nil {
		o.fail(item.JobID, fmt.Sprintf("staging failed: %v", err))
		return
	}
	// The staged input is never needed once the subprocess is done,
	// regardless of outcome.
	defer o.stager.Release(stagedPath)
	o.progress(item.JobID, 10)

	if n := pageCount(item.Data); n > 0 {
		_ = o.store.Update(item.JobID, func(j *jobs.Job) { j.PageCount = n })
		log.Debug("input inspected", "pages", n)
	}
	o.progress(item.JobID, 20)

	// Fail fast on configuration errors, without spawning anything.
	if err := o.runner.Check(); err != nil {
		o.fail(item.JobID, err.Error())
		return
	}

	outputPath, err := o.stager.OutputPath(item.Filename)
	if err != nil {
		o.fail(item.JobID, fmt.Sprintf("staging failed: %v", err))
		return
	}

	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	events, results := o.runner.Invoke(invokeCtx, stagedPath, outputPath)

	for ev := range events {
		if ev.Progress >= 0 {
			o.progress(item.JobID, ev.Progress)
		} else {
			_ = jobs.AppendLog(o.store, item.JobID, ev.Line)
		}
	}

	var res converter.Result
	select {
	case res = <-results:
	case <-time.After(timeout + o.cfg.Converter.Grace):
		// The runner never reported; the watchdog has failed the job.
		o.stager.Release(outputPath)
		return
	}

	switch res.Outcome {
	case converter.OutcomeTimeout:
		o.fail(item.JobID, fmt.Sprintf("conversion timed out after %s", timeout))
		o.stager.Release(outputPath)
	case converter.OutcomeFailure:
		o.fail(item.JobID, fmt.Sprintf("conversion failed: %s", res.Diagnostic))
		o.stager.Release(outputPath)
	case converter.OutcomeSuccess:
		o.verifyAndComplete(item.JobID, outputPath, log)
	}
}

// verifyAndComplete confirms the converter actually produced a non-empty
// DOCX before the job may read completed. A zero-byte or missing file fails
// the job no matter what the subprocess claimed.
func (o *Orchestrator) verifyAndComplete(jobID, outputPath string, log *slog.Logger) {
	info, err := os.Stat(outputPath)
	if err != nil {
		o.fail(jobID, "conversion failed: converter reported success but produced no output file")
		return
	}
	if info.Size() == 0 {
		o.fail(jobID, "conversion failed: converter produced an empty output file")
		o.stager.Release(outputPath)
		return
	}
	if err := jobs.Complete(o.store, jobID, outputPath, info.Size()); err != nil {
		log.Error("complete job", "err", err)
		return
	}
	// If the watchdog won the terminal race the output has no owner left.
	if j, err := o.store.Get(jobID); err == nil && j.State != jobs.StateCompleted {
		o.stager.Release(outputPath)
	}
	o.broadcast(jobID)
}

func (o *Orchestrator) progress(jobID string, pct int) {
	if err := jobs.UpdateProgress(o.store, jobID, pct); err != nil {
		o.log.Warn("update progress", "job_id", jobID, "err", err)
		return
	}
	o.broadcast(jobID)
}

func (o *Orchestrator) fail(jobID, msg string) {
	if err := jobs.Fail(o.store, jobID, msg); err != nil {
		o.log.Warn("fail job", "job_id", jobID, "err", err)
		return
	}
	o.broadcast(jobID)
}

func (o *Orchestrator) broadcast(jobID string) {
	if o.notify == nil {
		return
	}
	if j, err := o.store.Get(jobID); err == nil {
		o.notify.JobUpdated(j)
	}
}

// pageCount inspects the upload and returns its page count, or 0 when the
// bytes cannot be parsed. Inspection is best effort and never fails the job;
// the converter has the final word on whether the PDF is usable.
func pageCount(data []byte) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}
