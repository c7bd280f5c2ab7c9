// Package executor drives the IaC tool against a generated bundle
// directory: the init/plan/apply/output stage sequence, per-stage
// capture and the optional stage timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/groundwork/internal/store"
)

const (
	// defaultLogTailBytes caps the captured tool output carried on a
	// failure when no explicit limit is configured.
	defaultLogTailBytes = 64 * 1024

	// terminationGracePeriod is the time between SIGTERM and SIGKILL
	// when a stage overruns its timeout.
	terminationGracePeriod = 5 * time.Second

	planFilename = "tfplan"
)

// StageObserver receives per-stage timings (metrics hook).
type StageObserver interface {
	ObserveStage(stage string, duration time.Duration, success bool)
}

// Runner executes the IaC tool. A zero stage timeout means stages run
// unbounded; a stage is never cancelled mid-run, jobs only observe
// shutdown between stages.
type Runner struct {
	binary       string
	stageTimeout time.Duration
	logTailBytes int
	logger       *slog.Logger

	// Observer, when set, receives every finished stage.
	Observer StageObserver
}

// NewRunner creates a stage runner for binary (terraform or a drop-in).
func NewRunner(binary string, stageTimeout time.Duration, logTailBytes int, logger *slog.Logger) *Runner {
	if logTailBytes <= 0 {
		logTailBytes = defaultLogTailBytes
	}
	return &Runner{
		binary:       binary,
		stageTimeout: stageTimeout,
		logTailBytes: logTailBytes,
		logger:       logger,
	}
}

// Execute runs the full stage sequence for job inside the bundle dir
// and returns the decoded outputs. The first failing stage stops the
// sequence; outputs are never logged, they may carry sensitive values.
func (r *Runner) Execute(ctx context.Context, job *store.Job, dir string) (map[string]OutputValue, error) {
	logger := r.logger.With("job_id", job.ID, "dir", dir)

	planArgs := []string{"plan", "-out=" + planFilename}
	if job.Action == store.ActionDestroy {
		planArgs = []string{"plan", "-destroy", "-out=" + planFilename}
	}

	stages := []struct {
		name string
		args []string
	}{
		{"init", []string{"init"}},
		{"plan", planArgs},
		{"apply", []string{"apply", "-auto-approve", planFilename}},
		{"output", []string{"output", "-json"}},
	}

	var outputsRaw []byte
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logger.Info("stage started", "stage", stage.name)
		start := time.Now()
		stdout, err := r.runStage(dir, stage.name, stage.args, logger)
		duration := time.Since(start)
		if r.Observer != nil {
			r.Observer.ObserveStage(stage.name, duration, err == nil)
		}
		if err != nil {
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				logger.Warn("stage failed",
					"stage", stage.name, "exit_code", execErr.ExitCode,
					"timed_out", execErr.TimedOut, "duration", duration.Round(time.Millisecond))
			}
			return nil, err
		}
		logger.Info("stage completed", "stage", stage.name, "duration", duration.Round(time.Millisecond))

		if stage.name == "output" {
			outputsRaw = stdout
		}
	}

	return decodeOutputs(outputsRaw)
}

// runStage runs one tool invocation and returns its stdout. Failures
// carry the tail of the combined stdout+stderr stream.
func (r *Runner) runStage(dir, stage string, args []string, logger *slog.Logger) ([]byte, error) {
	cmd := exec.Command(r.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=true")

	var stdout, combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = &combined

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %s: %w", r.binary, stage, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if r.stageTimeout > 0 {
		timer := time.NewTimer(r.stageTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-timeoutCh:
		logger.Warn("stage timed out, sending SIGTERM", "stage", stage, "timeout", r.stageTimeout)
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-waitErr:
			logger.Info("tool exited after SIGTERM", "stage", stage)
		case <-grace.C:
			logger.Warn("tool ignored SIGTERM, sending SIGKILL", "stage", stage)
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}

		return nil, &ExecutionError{
			Stage:    stage,
			ExitCode: -1,
			LogTail:  tailString(combined.String(), r.logTailBytes),
			TimedOut: true,
		}

	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("wait for %s %s: %w", r.binary, stage, err)
			}
			return nil, &ExecutionError{
				Stage:    stage,
				ExitCode: exitErr.ExitCode(),
				LogTail:  tailString(combined.String(), r.logTailBytes),
			}
		}
		return stdout.Bytes(), nil
	}
}

// ExecutionError reports a failed or timed-out stage with the tail of
// the tool's combined output.
type ExecutionError struct {
	Stage    string
	ExitCode int
	LogTail  string
	TimedOut bool
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("stage %s timed out", e.Stage)
	}
	return fmt.Sprintf("stage %s failed with exit code %d", e.Stage, e.ExitCode)
}

// tailString keeps the last max bytes of s.
func tailString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
