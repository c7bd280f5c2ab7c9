// Package publish pushes job status changes back to the intake API.
// Delivery is asynchronous and best-effort: the store stays the source
// of truth, a failed publish never reverses a transition.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/groundwork/internal/backoff"
	"github.com/mattjoyce/groundwork/internal/store"
)

const (
	defaultMaxAttempts = 5
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultHTTPTimeout = 10 * time.Second

	// deliveryTimeout bounds one notification's whole retry budget.
	deliveryTimeout = 30 * time.Second
)

var (
	// ErrQueueFull is returned when the bounded queue cannot take
	// another notification. The update is dropped and counted.
	ErrQueueFull = errors.New("publish queue full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("publisher closed")
)

// Config for the notifier. Zero values use defaults.
type Config struct {
	BaseURL     string
	Token       string
	MaxAttempts int           // total delivery attempts per notification, default 5
	QueueSize   int           // default 256
	Workers     int           // default 2
	HTTPTimeout time.Duration // per-request, default 10s
	Backoff     backoff.Config
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Notification is one job status change pushed to the intake API.
type Notification struct {
	JobID        string
	Status       store.Status
	ErrorMessage *string
	Output       json.RawMessage
	Approval     *Approval
}

// Approval carries gate decision details on approved/rejected updates.
type Approval struct {
	Approver  string     `json:"approver,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// FromJob builds the notification for job's current state.
func FromJob(job *store.Job) Notification {
	n := Notification{
		JobID:        job.ID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		Output:       job.Output,
	}
	if job.Approver != nil {
		n.Approval = &Approval{Approver: *job.Approver, DecidedAt: job.DecidedAt}
		if job.ApprovalReason != nil {
			n.Approval.Reason = *job.ApprovalReason
		}
	}
	return n
}

// Stats is a point-in-time snapshot of publisher counters.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	Sent       int64 `json:"sent"`
	Retried    int64 `json:"retried"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// MetricsRecorder receives publish outcomes (metrics hook).
type MetricsRecorder interface {
	RecordPublishDelivered(durationSeconds float64)
	RecordPublishFailed()
	RecordPublishDropped()
}

// Notifier queues notifications in a bounded channel and delivers them
// with a small worker pool. Enqueueing never blocks the caller.
type Notifier struct {
	queue   chan Notification
	sender  *sender
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewNotifier starts the worker pool. metrics may be nil.
func NewNotifier(cfg Config, logger *slog.Logger, metrics MetricsRecorder) (*Notifier, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("intake base URL is required")
	}
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:    make(chan Notification, cfg.QueueSize),
		sender:   newSender(cfg.BaseURL, cfg.Token, cfg.HTTPTimeout),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}

	logger.Info("status publisher started",
		"base_url", cfg.BaseURL, "workers", cfg.Workers, "queue_size", cfg.QueueSize)
	return n, nil
}

// Publish queues one notification for async delivery. A full queue
// drops the notification rather than blocking the watcher.
func (n *Notifier) Publish(note Notification) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- note:
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordPublishDropped()
		}
		n.logger.Warn("status update dropped, queue full",
			"job_id", note.JobID, "status", note.Status)
		return ErrQueueFull
	}
}

// Stats returns current publisher counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth: len(n.queue),
		Sent:       n.sent.Load(),
		Retried:    n.retried.Load(),
		Failed:     n.failed.Load(),
		Dropped:    n.dropped.Load(),
	}
}

// Close stops intake and drains queued notifications until ctx expires.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("status publisher shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("status publisher stopped",
			"sent", n.sent.Load(), "failed", n.failed.Load(), "dropped", n.dropped.Load())
		return nil
	case <-ctx.Done():
		n.logger.Warn("status publisher shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case note := <-n.queue:
			n.deliver(note)
		}
	}
}

// drain delivers what is still queued after the shutdown signal.
func (n *Notifier) drain() {
	for {
		select {
		case note := <-n.queue:
			n.deliver(note)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(note Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, note); err != nil {
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordPublishFailed()
		}
		n.logger.Warn("status update delivery failed",
			"job_id", note.JobID, "status", note.Status, "error", err)
		return
	}

	n.sent.Add(1)
	if n.metrics != nil {
		n.metrics.RecordPublishDelivered(time.Since(start).Seconds())
	}
	n.logger.Debug("status update delivered", "job_id", note.JobID, "status", note.Status)
}

// sendWithRetry attempts delivery with exponential backoff. 4xx except
// 429 ends the attempts early, retrying cannot fix those.
func (n *Notifier) sendWithRetry(ctx context.Context, note Notification) error {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			n.retried.Add(1)
			if err := backoff.Sleep(ctx, attempt-1, n.cfg.Backoff); err != nil {
				return err
			}
		}

		lastErr = n.sender.send(ctx, note)
		if lastErr == nil {
			return nil
		}
		if IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
