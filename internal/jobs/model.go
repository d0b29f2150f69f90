package jobs

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a conversion job.
// Processing is the only initial state; Completed and Failed are terminal.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// maxProcessingProgress caps progress while a job is still converting.
// The last 10% is reserved for output verification so a job never reads
// 100% before the DOCX file has been confirmed on disk.
const maxProcessingProgress = 90

// Job describes a single PDF to DOCX conversion request.
type Job struct {
	ID               string     `json:"jobId"`
	State            State      `json:"state"`
	Progress         int        `json:"progress"` // 0..100
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"` // set once, at the terminal transition
	OriginalFilename string     `json:"originalFilename"`
	FileSize         int64      `json:"fileSize"` // uploaded input size, recorded at submission
	OutputFileSize   int64      `json:"outputFileSize,omitempty"`
	PageCount        int        `json:"pageCount,omitempty"`
	OutputFilePath   string     `json:"-"` // set only on completion; owned by the job until reaped
	Error            string     `json:"error,omitempty"`
	Logs             []string   `json:"logs,omitempty"`
}

// Clone returns a deep copy so callers can never mutate stored state out-of-band.
func (j *Job) Clone() *Job {
	cpy := *j
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cpy.CompletedAt = &ts
	}
	if j.Logs != nil {
		cpy.Logs = append([]string(nil), j.Logs...)
	}
	return &cpy
}

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
)

// Store defines persistence for Jobs. Update is the atomic
// read-modify-write primitive: the mutate function runs under the store's
// lock, so concurrent writers (orchestrator, watchdog, reaper) can never
// interleave into a corrupted record.
type Store interface {
	Create(job *Job) error
	Get(id string) (*Job, error)
	Update(id string, mutate func(*Job)) error
	Delete(id string) error
	Snapshot() ([]*Job, error)
	Close() error
}

// UpdateProgress raises a processing job's progress to pct, clamped to
// [0, 90]. Decreases are ignored, as are updates on terminal jobs.
func UpdateProgress(s Store, id string, pct int) error {
	return s.Update(id, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		if pct > maxProcessingProgress {
			pct = maxProcessingProgress
		}
		if pct > j.Progress {
			j.Progress = pct
		}
	})
}

// AppendLog records a diagnostic line from the converter. No-op once terminal.
func AppendLog(s Store, id, line string) error {
	return s.Update(id, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.Logs = append(j.Logs, line)
	})
}

// Complete transitions Processing -> Completed, fixing progress at 100 and
// recording the output location. If the job already reached a terminal state
// (e.g. the watchdog fired first) the call is a no-op.
func Complete(s Store, id, outputPath string, size int64) error {
	now := time.Now().UTC()
	return s.Update(id, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateCompleted
		j.Progress = 100
		j.OutputFilePath = outputPath
		j.OutputFileSize = size
		j.CompletedAt = &now
	})
}

// Fail transitions Processing -> Failed with a diagnostic message. Progress
// is frozen at its last value. Idempotent: the first terminal writer wins and
// a second terminal call changes nothing.
func Fail(s Store, id, msg string) error {
	now := time.Now().UTC()
	return s.Update(id, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateFailed
		j.Error = msg
		j.CompletedAt = &now
	})
}
