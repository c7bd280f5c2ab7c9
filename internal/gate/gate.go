// Package gate holds the manual approval surface: approve, reject, hold
// and release. Every operation is a conditional store transition, so two
// operators deciding the same job cannot double-apply.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/groundwork/internal/store"
)

type Gate struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Gate {
	return &Gate{store: st, logger: logger}
}

// Approve moves an awaiting job straight into the pending queue.
func (g *Gate) Approve(ctx context.Context, jobID, approver string) (*store.Job, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is empty")
	}
	j, err := g.store.UpdateStatusFrom(ctx, jobID, store.StatusAwaitingApproval, store.StatusPending, store.Update{
		Approver: &approver,
		Detail:   "approved",
	})
	if err != nil {
		return nil, g.describe(ctx, "approve", jobID, approver, err)
	}
	g.logger.Info("job approved", "job_id", jobID, "approver", approver)
	return j, nil
}

// ApproveHold records the approval but keeps the job out of the queue
// until an explicit Release.
func (g *Gate) ApproveHold(ctx context.Context, jobID, approver string) (*store.Job, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is empty")
	}
	j, err := g.store.UpdateStatusFrom(ctx, jobID, store.StatusAwaitingApproval, store.StatusApproved, store.Update{
		Approver: &approver,
		Detail:   "approved, held for release",
	})
	if err != nil {
		return nil, g.describe(ctx, "approve --hold", jobID, approver, err)
	}
	g.logger.Info("job approved and held", "job_id", jobID, "approver", approver)
	return j, nil
}

// Reject terminally refuses an awaiting job. The reason is required and
// recorded on the row.
func (g *Gate) Reject(ctx context.Context, jobID, approver, reason string) (*store.Job, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is empty")
	}
	if reason == "" {
		return nil, fmt.Errorf("reason is empty")
	}
	j, err := g.store.UpdateStatusFrom(ctx, jobID, store.StatusAwaitingApproval, store.StatusRejected, store.Update{
		Approver:       &approver,
		ApprovalReason: &reason,
		Detail:         "rejected",
	})
	if err != nil {
		return nil, g.describe(ctx, "reject", jobID, approver, err)
	}
	g.logger.Info("job rejected", "job_id", jobID, "approver", approver, "reason", reason)
	return j, nil
}

// Release queues a previously held job.
func (g *Gate) Release(ctx context.Context, jobID, operator string) (*store.Job, error) {
	if operator == "" {
		return nil, fmt.Errorf("operator is empty")
	}
	j, err := g.store.UpdateStatusFrom(ctx, jobID, store.StatusApproved, store.StatusPending, store.Update{
		Actor:  operator,
		Detail: "released",
	})
	if err != nil {
		return nil, g.describe(ctx, "release", jobID, operator, err)
	}
	g.logger.Info("job released", "job_id", jobID, "operator", operator)
	return j, nil
}

// describe logs the failure and attaches the job's current state to stale
// decisions, so operators see what actually happened to the job.
func (g *Gate) describe(ctx context.Context, op, jobID, actor string, err error) error {
	if errors.Is(err, store.ErrStaleState) {
		current := "unknown"
		if j, getErr := g.store.Get(ctx, jobID); getErr == nil {
			current = string(j.Status)
		}
		g.logger.Warn("gate decision ignored, job state changed",
			"op", op, "job_id", jobID, "actor", actor, "current_status", current)
		return fmt.Errorf("%s %s: job is %s: %w", op, jobID, current, err)
	}
	if errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("%s %s: %w", op, jobID, err)
	}
	g.logger.Error("gate operation failed", "op", op, "job_id", jobID, "error", err)
	return fmt.Errorf("%s %s: %w", op, jobID, err)
}
