package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
)

// JobRecord is the wire form of a job row.
type JobRecord struct {
	ID             string          `json:"id"`
	Requester      string          `json:"requester"`
	ResourceKind   string          `json:"resource_kind"`
	Action         string          `json:"action"`
	Config         json.RawMessage `json:"config,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	WorkspaceDir   *string         `json:"workspace_dir,omitempty"`
	Approver       *string         `json:"approver,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	ApprovalReason *string         `json:"approval_reason,omitempty"`
}

func jobRecord(j *store.Job) JobRecord {
	return JobRecord{
		ID:             j.ID,
		Requester:      j.Requester,
		ResourceKind:   j.ResourceKind,
		Action:         string(j.Action),
		Config:         j.Config,
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		ErrorMessage:   j.ErrorMessage,
		Output:         j.Output,
		ClaimedBy:      j.ClaimedBy,
		WorkspaceDir:   j.WorkspaceDir,
		Approver:       j.Approver,
		DecidedAt:      j.DecidedAt,
		ApprovalReason: j.ApprovalReason,
	}
}

// TransitionRecord is one journal entry in a job detail response.
type TransitionRecord struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Actor  *string   `json:"actor,omitempty"`
	Detail *string   `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// JobDetailResponse is returned by GET /jobs/{id}.
type JobDetailResponse struct {
	JobRecord
	Transitions []TransitionRecord `json:"transitions"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs  []JobRecord `json:"jobs"`
	Count int         `json:"count"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          map[string]int `json:"jobs"`
	Publisher     *publish.Stats `json:"publisher,omitempty"`
}

// WatcherStatus is the watcher echo inside StatusResponse.
type WatcherStatus struct {
	Name         string `json:"name"`
	PollInterval string `json:"poll_interval"`
	ApprovalGate bool   `json:"approval_gate"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Service       string         `json:"service"`
	Version       string         `json:"version,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Watcher       WatcherStatus  `json:"watcher"`
	Jobs          map[string]int `json:"jobs"`
	Publisher     *publish.Stats `json:"publisher,omitempty"`
	WorkspaceRoot string         `json:"workspace_root"`
	TemplateKinds []string       `json:"template_kinds"`
	IntakeBaseURL string         `json:"intake_base_url,omitempty"`
}

// ApproveRequest is the JSON body for POST /jobs/{id}/approve.
type ApproveRequest struct {
	Approver string `json:"approver"`
	// Hold records the approval without queueing; the job waits for an
	// explicit release.
	Hold bool `json:"hold,omitempty"`
}

// RejectRequest is the JSON body for POST /jobs/{id}/reject.
type RejectRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// ReleaseRequest is the JSON body for POST /jobs/{id}/release.
type ReleaseRequest struct {
	Operator string `json:"operator"`
}

// DecisionResponse is returned by the gate endpoints.
type DecisionResponse struct {
	Job JobRecord `json:"job"`
}

// NudgeResponse is returned by POST /nudge.
type NudgeResponse struct {
	Woken bool `json:"woken"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
