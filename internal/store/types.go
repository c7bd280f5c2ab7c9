package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job. Values are stored verbatim in
// SQLite and on the wire, always snake_case.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingApproval, StatusPending, StatusApproved, StatusRejected,
		StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a job's lifecycle. Terminal rows are
// immutable; no transition leaves them.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusFailed
}

// transitions is the forward-only lifecycle graph, keyed by destination.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAwaitingApproval, StatusApproved},
	StatusApproved:   {StatusAwaitingApproval},
	StatusRejected:   {StatusAwaitingApproval},
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether from/to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, f := range transitions[to] {
		if f == from {
			return true
		}
	}
	return false
}

// Action selects which plan the IaC tool builds for a job.
type Action string

const (
	ActionCreate  Action = "create"
	ActionDestroy Action = "destroy"
	ActionUpdate  Action = "update"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionDestroy || a == ActionUpdate
}

// Job is a provisioning request as persisted in the jobs table. ID,
// Requester, ResourceKind, Action and Config are immutable after creation.
type Job struct {
	ID             string
	Requester      string
	ResourceKind   string
	Action         Action
	Config         json.RawMessage
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	Output         json.RawMessage
	ClaimedBy      *string
	WorkspaceDir   *string
	Approver       *string
	DecidedAt      *time.Time
	ApprovalReason *string
}

// NewJob describes a job to insert. ID is assigned when empty; Action
// defaults to create; Status defaults to pending and may only be one of
// the entry states (awaiting_approval, pending, approved).
type NewJob struct {
	ID           string
	Requester    string
	ResourceKind string
	Action       Action
	Config       json.RawMessage
	Status       Status
}

// Update carries the optional column writes that accompany a status
// change, plus the actor/detail recorded in the transition journal.
type Update struct {
	Actor          string
	Detail         string
	ErrorMessage   *string
	Output         json.RawMessage
	Approver       *string
	ApprovalReason *string
}

// Transition is one applied edge from the job_transitions journal.
type Transition struct {
	ID         int64
	JobID      string
	FromStatus Status
	ToStatus   Status
	Actor      *string
	Detail     *string
	At         time.Time
}

var (
	// ErrJobNotFound is returned when no job matches the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrClaimFailed is returned when a claim targets a job that is no
	// longer pending.
	ErrClaimFailed = errors.New("claim failed")
	// ErrStaleState is returned when a conditional update finds the job in
	// a different state than the caller observed.
	ErrStaleState = errors.New("stale job state")
	// ErrInvalidTransition is returned for from/to pairs outside the
	// lifecycle graph, including any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
