package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/executor"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/watcher/mocks"
	"github.com/mattjoyce/groundwork/internal/workspace"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

// fakeRecorder captures job metric calls.
type fakeRecorder struct {
	claimed  []string
	finished []struct {
		kind    string
		success bool
		seconds float64
	}
}

func (r *fakeRecorder) RecordJobClaimed(_ context.Context, kind string) {
	r.claimed = append(r.claimed, kind)
}

func (r *fakeRecorder) RecordJobFinished(_ context.Context, kind string, success bool, seconds float64) {
	r.finished = append(r.finished, struct {
		kind    string
		success bool
		seconds float64
	}{kind, success, seconds})
}

const watcherName = "groundwork@test"

func testJob(id string) *store.Job {
	return &store.Job{
		ID:           id,
		Requester:    "ops",
		ResourceKind: "static_site",
		Action:       store.ActionCreate,
		Config:       json.RawMessage(`{"name":"demo"}`),
		Status:       store.StatusProcessing,
	}
}

type watcherMocks struct {
	store     *mocks.MockJobStore
	generator *mocks.MockBundleGenerator
	runner    *mocks.MockProvisioner
	publisher *mocks.MockStatusPublisher
}

func newTestWatcher(t *testing.T, ctrl *gomock.Controller, interval time.Duration) (*Watcher, watcherMocks, *TestLogBuffer, *events.Hub) {
	t.Helper()

	m := watcherMocks{
		store:     mocks.NewMockJobStore(ctrl),
		generator: mocks.NewMockBundleGenerator(ctrl),
		runner:    mocks.NewMockProvisioner(ctrl),
		publisher: mocks.NewMockStatusPublisher(ctrl),
	}
	slogger, logBuf := NewTestSlogger()
	hub := events.NewHub(32)

	w := New(watcherName, m.store, m.generator, m.runner, hub, slogger, interval, false)
	w.Publisher = m.publisher
	return w, m, logBuf, hub
}

func TestProcessOnceDrivesJobToCompleted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, logBuf, hub := newTestWatcher(t, ctrl, time.Second)
	rec := &fakeRecorder{}
	w.Metrics = rec
	ctx := context.Background()

	job := testJob("job-1")
	bundle := workspace.Bundle{InstanceID: "job-1-00c0ffee", Dir: "/tmp/ws/job-1-00c0ffee"}
	outputs := map[string]executor.OutputValue{
		"url": {Value: "https://demo.example.com"},
	}

	sub, cancel := hub.Subscribe()
	defer cancel()

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(job, nil)
	m.generator.EXPECT().Generate(ctx, job).Return(bundle, nil)
	m.store.EXPECT().SetWorkspaceDir(ctx, "job-1", bundle.Dir).Return(nil)
	m.runner.EXPECT().Execute(ctx, job, bundle.Dir).Return(outputs, nil)
	m.store.EXPECT().UpdateStatus(ctx, "job-1", store.StatusCompleted, gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error) {
			assert.Equal(t, watcherName, u.Actor)
			assert.Equal(t, "provisioning complete", u.Detail)
			assert.JSONEq(t, `{"url":{"value":"https://demo.example.com"}}`, string(u.Output))
			done := *job
			done.Status = store.StatusCompleted
			done.Output = u.Output
			return &done, nil
		})
	m.publisher.EXPECT().Publish(gomock.Any()).DoAndReturn(func(note publish.Notification) error {
		assert.Equal(t, "job-1", note.JobID)
		assert.Equal(t, store.StatusCompleted, note.Status)
		assert.NotEmpty(t, note.Output)
		return nil
	})
	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Contains(t, logBuf.String(), "job claimed")
	assert.Contains(t, logBuf.String(), "job finished")
	assert.Equal(t, *job.WorkspaceDir, bundle.Dir)

	// claimed then completed on the hub
	first := <-sub
	assert.Equal(t, events.TypeJobClaimed, first.Type)
	second := <-sub
	assert.Equal(t, events.TypeJobCompleted, second.Type)
	assert.Equal(t, "job-1", second.JobID)

	assert.Equal(t, []string{"static_site"}, rec.claimed)
	if assert.Len(t, rec.finished, 1) {
		assert.True(t, rec.finished[0].success)
	}
}

func TestProcessOnceRecordsGenerationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, logBuf, _ := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	job := testJob("job-2")
	genErr := &workspace.GenerationError{
		JobID:  "job-2",
		Fields: []workspace.FieldError{{Field: "region", Message: "required variable not set"}},
		Err:    errors.New("config is missing required variables"),
	}

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(job, nil)
	m.generator.EXPECT().Generate(ctx, job).Return(workspace.Bundle{}, genErr)
	m.store.EXPECT().UpdateStatus(ctx, "job-2", store.StatusFailed, gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error) {
			if assert.NotNil(t, u.ErrorMessage) {
				assert.Contains(t, *u.ErrorMessage, "generate workspace for job job-2")
				assert.Contains(t, *u.ErrorMessage, "region: required variable not set")
			}
			done := *job
			done.Status = store.StatusFailed
			done.ErrorMessage = u.ErrorMessage
			return &done, nil
		})
	m.publisher.EXPECT().Publish(gomock.Any()).Return(nil)
	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, logBuf.String(), "job failed")
}

func TestProcessOnceCarriesExecutionLogTail(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, _, hub := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	job := testJob("job-3")
	bundle := workspace.Bundle{InstanceID: "job-3-deadbeef", Dir: "/tmp/ws/job-3-deadbeef"}
	execErr := &executor.ExecutionError{
		Stage:    "plan",
		ExitCode: 1,
		LogTail:  "Error: Invalid provider configuration",
	}

	sub, cancel := hub.Subscribe()
	defer cancel()

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(job, nil)
	m.generator.EXPECT().Generate(ctx, job).Return(bundle, nil)
	m.store.EXPECT().SetWorkspaceDir(ctx, "job-3", bundle.Dir).Return(nil)
	m.runner.EXPECT().Execute(ctx, job, bundle.Dir).Return(nil, execErr)
	m.store.EXPECT().UpdateStatus(ctx, "job-3", store.StatusFailed, gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error) {
			if assert.NotNil(t, u.ErrorMessage) {
				assert.Equal(t,
					"stage plan failed with exit code 1: Error: Invalid provider configuration",
					*u.ErrorMessage)
			}
			done := *job
			done.Status = store.StatusFailed
			return &done, nil
		})
	m.publisher.EXPECT().Publish(gomock.Any()).Return(nil)
	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	<-sub // claimed
	failed := <-sub
	assert.Equal(t, events.TypeJobFailed, failed.Type)
	// The event stream carries the short error, not the log tail.
	assert.Equal(t, "stage plan failed with exit code 1", failed.Change.Detail)
}

func TestProcessOnceDrainsAllPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, _, _ := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	jobA := testJob("job-a")
	jobB := testJob("job-b")
	bundle := workspace.Bundle{InstanceID: "x", Dir: "/tmp/x"}

	gomock.InOrder(
		m.store.EXPECT().ClaimNext(ctx, watcherName).Return(jobA, nil),
		m.store.EXPECT().ClaimNext(ctx, watcherName).Return(jobB, nil),
		m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil),
	)
	m.generator.EXPECT().Generate(ctx, gomock.Any()).Return(bundle, nil).Times(2)
	m.store.EXPECT().SetWorkspaceDir(ctx, gomock.Any(), bundle.Dir).Return(nil).Times(2)
	m.runner.EXPECT().Execute(ctx, gomock.Any(), bundle.Dir).Return(nil, nil).Times(2)
	m.store.EXPECT().UpdateStatus(ctx, gomock.Any(), store.StatusCompleted, gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error) {
			done := *testJob(jobID)
			done.Status = store.StatusCompleted
			return &done, nil
		}).Times(2)
	m.publisher.EXPECT().Publish(gomock.Any()).Return(nil).Times(2)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTerminalUpdateFailureDoesNotCrashLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, logBuf, _ := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	job := testJob("job-4")
	bundle := workspace.Bundle{InstanceID: "x", Dir: "/tmp/x"}

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(job, nil)
	m.generator.EXPECT().Generate(ctx, job).Return(bundle, nil)
	m.store.EXPECT().SetWorkspaceDir(ctx, "job-4", bundle.Dir).Return(nil)
	m.runner.EXPECT().Execute(ctx, job, bundle.Dir).Return(nil, nil)
	m.store.EXPECT().UpdateStatus(ctx, "job-4", store.StatusCompleted, gomock.Any()).Return(nil, errors.New("database is locked"))
	// No publish: the terminal status was never recorded.
	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, logBuf.String(), "record terminal status failed")
}

func TestPublisherRejectionIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, _, _ := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	job := testJob("job-5")
	bundle := workspace.Bundle{InstanceID: "x", Dir: "/tmp/x"}

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(job, nil)
	m.generator.EXPECT().Generate(ctx, job).Return(bundle, nil)
	m.store.EXPECT().SetWorkspaceDir(ctx, "job-5", bundle.Dir).Return(nil)
	m.runner.EXPECT().Execute(ctx, job, bundle.Dir).Return(nil, nil)
	m.store.EXPECT().UpdateStatus(ctx, "job-5", store.StatusCompleted, gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID string, to store.Status, u store.Update) (*store.Job, error) {
			done := *job
			done.Status = store.StatusCompleted
			return &done, nil
		})
	m.publisher.EXPECT().Publish(gomock.Any()).Return(publish.ErrQueueFull)
	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, nil)

	n, err := w.ProcessOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessOnceReturnsClaimError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	w, m, _, _ := newTestWatcher(t, ctrl, time.Second)
	ctx := context.Background()

	m.store.EXPECT().ClaimNext(ctx, watcherName).Return(nil, errors.New("disk I/O error"))

	n, err := w.ProcessOnce(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "claim next job: disk I/O error")
	assert.Equal(t, 0, n)
}

func TestRunRecoversOrphansWhenEnabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := watcherMocks{
		store:     mocks.NewMockJobStore(ctrl),
		generator: mocks.NewMockBundleGenerator(ctrl),
		runner:    mocks.NewMockProvisioner(ctrl),
	}
	slogger, logBuf := NewTestSlogger()
	w := New(watcherName, m.store, m.generator, m.runner, events.NewHub(8), slogger, time.Hour, true)

	recovered := make(chan struct{})
	m.store.EXPECT().RecoverOrphans(gomock.Any(), watcherName).DoAndReturn(
		func(context.Context, string) (int, error) {
			close(recovered)
			return 2, nil
		})
	m.store.EXPECT().ClaimNext(gomock.Any(), watcherName).Return(nil, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("RecoverOrphans was not called")
	}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool {
		return bytes.Contains(logBuf.Bytes(), []byte("recovered orphaned jobs"))
	}, time.Second, 10*time.Millisecond)
}

func TestNudgeWakesLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := watcherMocks{
		store:     mocks.NewMockJobStore(ctrl),
		generator: mocks.NewMockBundleGenerator(ctrl),
		runner:    mocks.NewMockProvisioner(ctrl),
	}
	slogger, _ := NewTestSlogger()
	// Interval long enough that only a nudge can trigger the second pass.
	w := New(watcherName, m.store, m.generator, m.runner, events.NewHub(8), slogger, time.Hour, false)

	claims := make(chan struct{}, 8)
	m.store.EXPECT().ClaimNext(gomock.Any(), watcherName).DoAndReturn(
		func(context.Context, string) (*store.Job, error) {
			claims <- struct{}{}
			return nil, nil
		}).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-claims: // initial pass
	case <-time.After(2 * time.Second):
		t.Fatal("initial claim pass never ran")
	}

	w.Nudge()
	select {
	case <-claims:
	case <-time.After(2 * time.Second):
		t.Fatal("nudge did not wake the loop")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFailureMessage(t *testing.T) {
	execErr := &executor.ExecutionError{Stage: "apply", ExitCode: 2, LogTail: "boom"}
	assert.Equal(t, "stage apply failed with exit code 2: boom", failureMessage(execErr))

	bare := &executor.ExecutionError{Stage: "init", ExitCode: 1}
	assert.Equal(t, "stage init failed with exit code 1", failureMessage(bare))

	plain := errors.New("record workspace dir: disk full")
	assert.Equal(t, "record workspace dir: disk full", failureMessage(plain))
}

func TestIdentityIsStable(t *testing.T) {
	a := Identity("groundwork")
	b := Identity("groundwork")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "groundwork@")
}
