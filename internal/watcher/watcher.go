// Package watcher claims pending jobs and drives each one through
// workspace generation and provisioning to a terminal status.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/executor"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
)

// Watcher polls the store for pending jobs and processes them one at a
// time. Multiple instances may share a store: the claim is atomic, so
// each pending job is processed by exactly one watcher.
type Watcher struct {
	name      string
	store     JobStore
	generator BundleGenerator
	runner    Provisioner
	hub       *events.Hub
	logger    *slog.Logger

	interval       time.Duration
	recoverOrphans bool
	nudge          chan struct{}

	// Publisher and Metrics are optional; nil disables them.
	Publisher StatusPublisher
	Metrics   Recorder
}

// Identity returns the claim identity for this host. It is stable
// across restarts so a recovering instance only touches its own
// orphaned claims.
func Identity(serviceName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return serviceName + "@" + host
}

// New creates a watcher claiming jobs as name.
func New(name string, st JobStore, gen BundleGenerator, runner Provisioner, hub *events.Hub, logger *slog.Logger, pollInterval time.Duration, recoverOrphans bool) *Watcher {
	if hub == nil {
		hub = events.NewHub(0)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Watcher{
		name:           name,
		store:          st,
		generator:      gen,
		runner:         runner,
		hub:            hub,
		logger:         logger.With("component", "watcher"),
		interval:       pollInterval,
		recoverOrphans: recoverOrphans,
		nudge:          make(chan struct{}, 1),
	}
}

// Nudge wakes the loop for an immediate claim pass without waiting for
// the next tick. Safe to call from any goroutine; never blocks.
func (w *Watcher) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Job failures are recorded on the
// job and never stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	if w.recoverOrphans {
		n, err := w.store.RecoverOrphans(ctx, w.name)
		if err != nil {
			return fmt.Errorf("recover orphans: %w", err)
		}
		if n > 0 {
			w.logger.Warn("recovered orphaned jobs from previous run", "count", n)
		}
	}

	w.logger.Info("watcher started", "claimed_by", w.name, "poll_interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First pass immediately rather than sleeping out a full interval.
	if _, err := w.drain(ctx); err != nil {
		w.logger.Error("claim pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-w.nudge:
		}

		if _, err := w.drain(ctx); err != nil {
			w.logger.Error("claim pass failed", "error", err)
		}
	}
}

// ProcessOnce drains the currently pending jobs and returns how many
// were processed.
func (w *Watcher) ProcessOnce(ctx context.Context) (int, error) {
	return w.drain(ctx)
}

// drain claims and processes jobs until the queue is empty, a claim
// fails, or ctx is done.
func (w *Watcher) drain(ctx context.Context) (int, error) {
	processed := 0
	for ctx.Err() == nil {
		job, err := w.store.ClaimNext(ctx, w.name)
		if err != nil {
			return processed, fmt.Errorf("claim next job: %w", err)
		}
		if job == nil {
			break
		}
		w.processJob(ctx, job)
		processed++
	}
	return processed, nil
}

// processJob drives one claimed job to a terminal status.
func (w *Watcher) processJob(ctx context.Context, job *store.Job) {
	logger := w.logger.With("job_id", job.ID, "kind", job.ResourceKind, "action", job.Action)
	logger.Info("job claimed")

	start := time.Now()
	if w.Metrics != nil {
		w.Metrics.RecordJobClaimed(ctx, job.ResourceKind)
	}
	w.hub.Publish(events.TypeJobClaimed, job.ID, events.Change{
		From:  store.StatusPending,
		To:    store.StatusProcessing,
		Actor: w.name,
	})

	outputs, err := w.provision(ctx, job)
	w.finish(ctx, job, outputs, err, logger)

	if w.Metrics != nil {
		w.Metrics.RecordJobFinished(ctx, job.ResourceKind, err == nil, time.Since(start).Seconds())
	}
}

// provision generates the workspace bundle and runs the tool in it.
func (w *Watcher) provision(ctx context.Context, job *store.Job) (map[string]executor.OutputValue, error) {
	bundle, err := w.generator.Generate(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := w.store.SetWorkspaceDir(ctx, job.ID, bundle.Dir); err != nil {
		return nil, fmt.Errorf("record workspace dir: %w", err)
	}
	job.WorkspaceDir = &bundle.Dir
	return w.runner.Execute(ctx, job, bundle.Dir)
}

// finish records the terminal status, then notifies the hub and the
// intake publisher. A failed store update is logged and leaves the job
// processing; nothing here ever panics the loop.
func (w *Watcher) finish(ctx context.Context, job *store.Job, outputs map[string]executor.OutputValue, cause error, logger *slog.Logger) {
	update := store.Update{Actor: w.name}
	to := store.StatusCompleted

	if cause == nil {
		raw, err := executor.MarshalOutputs(outputs)
		if err != nil {
			cause = fmt.Errorf("encode outputs: %w", err)
		} else {
			update.Detail = "provisioning complete"
			update.Output = raw
		}
	}

	if cause != nil {
		to = store.StatusFailed
		msg := failureMessage(cause)
		update.Detail = "processing failed"
		update.ErrorMessage = &msg
		logger.Warn("job failed", "error", cause)
	}

	updated, err := w.store.UpdateStatus(ctx, job.ID, to, update)
	if err != nil {
		logger.Error("record terminal status failed", "status", to, "error", err)
		return
	}

	logger.Info("job finished", "status", updated.Status)

	ev := events.Change{From: store.StatusProcessing, To: to, Actor: w.name}
	if cause != nil {
		ev.Detail = shortError(cause)
	}
	w.hub.Publish(events.TypeFor(store.StatusProcessing, to), job.ID, ev)

	if w.Publisher != nil {
		if err := w.Publisher.Publish(publish.FromJob(updated)); err != nil {
			logger.Debug("status notification not queued", "error", err)
		}
	}
}

// failureMessage renders the stored error_message for a failed job.
// Execution failures carry the captured log tail so the operator sees
// the tool's own words.
func failureMessage(err error) string {
	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) && execErr.LogTail != "" {
		return fmt.Sprintf("%s: %s", execErr.Error(), execErr.LogTail)
	}
	return err.Error()
}

// shortError is the event-stream rendering: the error without any
// multi-kilobyte log tail.
func shortError(err error) string {
	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}
	return err.Error()
}
