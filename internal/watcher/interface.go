package watcher

import (
	"context"

	"github.com/mattjoyce/groundwork/internal/executor"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks github.com/mattjoyce/groundwork/internal/watcher JobStore,BundleGenerator,Provisioner,StatusPublisher

// JobStore defines the store operations the watcher drives.
type JobStore interface {
	ClaimNext(ctx context.Context, claimedBy string) (*store.Job, error)
	UpdateStatus(ctx context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error)
	SetWorkspaceDir(ctx context.Context, jobID, dir string) error
	RecoverOrphans(ctx context.Context, claimedBy string) (int, error)
}

// BundleGenerator produces the per-job workspace bundle.
type BundleGenerator interface {
	Generate(ctx context.Context, job *store.Job) (workspace.Bundle, error)
}

// Provisioner runs the IaC tool against a generated bundle.
type Provisioner interface {
	Execute(ctx context.Context, job *store.Job, dir string) (map[string]executor.OutputValue, error)
}

// StatusPublisher forwards terminal transitions to the intake service.
type StatusPublisher interface {
	Publish(note publish.Notification) error
}

// Recorder abstracts the job metrics the watcher records.
type Recorder interface {
	RecordJobClaimed(ctx context.Context, kind string)
	RecordJobFinished(ctx context.Context, kind string, success bool, durationSeconds float64)
}
