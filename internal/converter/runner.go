package converter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/pdfconvert/internal/common"
)

// Outcome classifies how a converter invocation ended. Timeout is kept
// distinct from Failure so the job error can say which one happened.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is one stdout line from the converter. Progress is the parsed
// percentage for "progress <n>" lines, or -1 for plain log lines.
type Event struct {
	Line     string
	Progress int
}

// Result is the single terminal value of an invocation.
type Result struct {
	Outcome    Outcome
	Diagnostic string
}

// ErrUnavailable indicates the converter command or script cannot be found.
// This is a configuration error, reported before any subprocess is spawned.
var ErrUnavailable = errors.New("converter unavailable")

// eventBuffer bounds the stdout event channel so a chatty converter cannot
// grow memory without bound while the consumer catches up.
const eventBuffer = 64

// Runner invokes the external conversion worker as a subprocess.
type Runner struct {
	log     *slog.Logger
	command string
	script  string
}

func NewRunner(log *slog.Logger, command, script string) *Runner {
	return &Runner{log: log, command: command, script: script}
}

// Check verifies the converter is reachable without spawning it: the
// interpreter must be on PATH and the worker script must exist.
func (r *Runner) Check() error {
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("%w: command %q not found: %v", ErrUnavailable, r.command, err)
	}
	if _, err := os.Stat(r.script); err != nil {
		return fmt.Errorf("%w: script %q: %v", ErrUnavailable, r.script, err)
	}
	return nil
}

// Invoke spawns the worker with the input and output paths as positional
// arguments. Stdout lines are delivered on the event channel as they arrive;
// the single Result follows on the result channel once the process exits.
// The caller bounds the invocation through ctx: on deadline the subprocess
// is killed and the outcome is OutcomeTimeout.
//
// Success requires a zero exit status and an empty stderr. The converter's
// self-reported status on stdout is deliberately not trusted; callers must
// verify the output file themselves.
func (r *Runner) Invoke(ctx context.Context, inputPath, outputPath string) (<-chan Event, <-chan Result) {
	events := make(chan Event, eventBuffer)
	results := make(chan Result, 1)

	go func() {
		defer close(events)
		defer close(results)

		cmd := exec.CommandContext(ctx, r.command, r.script, inputPath, outputPath) // #nosec G204 - command and script come from operator config
		// Without a wait delay, a killed worker whose children inherited the
		// stdout pipe would leave Wait blocked on pipe EOF.
		cmd.WaitDelay = 2 * time.Second
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			results <- Result{Outcome: OutcomeFailure, Diagnostic: fmt.Sprintf("stdout pipe: %v", err)}
			return
		}
		if err := cmd.Start(); err != nil {
			results <- Result{Outcome: OutcomeFailure, Diagnostic: fmt.Sprintf("start converter: %v", err)}
			return
		}
		r.log.Debug("converter started", "pid", cmd.Process.Pid, "input", inputPath, "output", outputPath)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case events <- Event{Line: line, Progress: parseProgress(line)}:
			case <-ctx.Done():
				// Consumer is gone or deadline hit; stop relaying and let
				// Wait observe the kill.
			}
		}

		err = cmd.Wait()

		if ctx.Err() != nil {
			results <- Result{Outcome: OutcomeTimeout, Diagnostic: "converter killed after exceeding the configured timeout"}
			return
		}
		diag := strings.TrimSpace(stderr.String())
		if err != nil {
			if diag != "" {
				diag = fmt.Sprintf("%v: %s", err, diag)
			} else {
				diag = err.Error()
			}
			results <- Result{Outcome: OutcomeFailure, Diagnostic: diag}
			return
		}
		if diag != "" {
			// Zero exit but stderr output still counts as failure.
			results <- Result{Outcome: OutcomeFailure, Diagnostic: diag}
			return
		}
		results <- Result{Outcome: OutcomeSuccess}
	}()

	return events, results
}

// parseProgress extracts the percentage from a "progress <n>" line,
// returning -1 for anything else. Out-of-range values are clamped.
func parseProgress(line string) int {
	if !strings.HasPrefix(line, common.ProgressLinePrefix) {
		return -1
	}
	raw := strings.TrimSpace(strings.TrimPrefix(line, common.ProgressLinePrefix))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
