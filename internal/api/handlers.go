package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
)

// statusOrder fixes the listing order when no filter is given.
var statusOrder = []store.Status{
	store.StatusAwaitingApproval,
	store.StatusPending,
	store.StatusApproved,
	store.StatusProcessing,
	store.StatusCompleted,
	store.StatusFailed,
	store.StatusRejected,
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobCounts(r)
	if err != nil {
		s.logger.Error("failed to count jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Jobs:          counts,
		Publisher:     s.publisherStats(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobCounts(r)
	if err != nil {
		s.logger.Error("failed to count jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	resp := StatusResponse{
		Service:       s.runtime.ServiceName,
		Version:       s.runtime.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Watcher: WatcherStatus{
			Name:         s.runtime.WatcherName,
			PollInterval: s.runtime.PollInterval.String(),
			ApprovalGate: s.runtime.ApprovalGate,
		},
		Jobs:          counts,
		Publisher:     s.publisherStats(),
		WorkspaceRoot: s.runtime.WorkspaceRoot,
		TemplateKinds: s.runtime.TemplateKinds,
		IntakeBaseURL: s.runtime.IntakeBaseURL,
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /jobs?status=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("status"))

	wanted := statusOrder
	if filter != "" {
		status := store.Status(filter)
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status: "+filter)
			return
		}
		wanted = []store.Status{status}
	}

	records := make([]JobRecord, 0)
	for _, status := range wanted {
		jobs, err := s.jobs.ListByStatus(r.Context(), status)
		if err != nil {
			s.logger.Error("failed to list jobs", "status", status, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		for _, j := range jobs {
			records = append(records, jobRecord(j))
		}
	}

	respondJSON(w, http.StatusOK, JobListResponse{Jobs: records, Count: len(records)})
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	transitions, err := s.jobs.Transitions(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to list transitions", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}

	resp := JobDetailResponse{
		JobRecord:   jobRecord(job),
		Transitions: make([]TransitionRecord, 0, len(transitions)),
	}
	for _, t := range transitions {
		resp.Transitions = append(resp.Transitions, TransitionRecord{
			From:   string(t.FromStatus),
			To:     string(t.ToStatus),
			Actor:  t.Actor,
			Detail: t.Detail,
			At:     t.At,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleApprove handles POST /jobs/{jobID}/approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		s.writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	var (
		job *store.Job
		err error
	)
	if req.Hold {
		job, err = s.gate.ApproveHold(r.Context(), jobID, req.Approver)
	} else {
		job, err = s.gate.Approve(r.Context(), jobID, req.Approver)
	}
	if err != nil {
		s.writeGateError(w, err)
		return
	}

	s.announce(job, store.StatusAwaitingApproval, req.Approver, "")
	respondJSON(w, http.StatusOK, DecisionResponse{Job: jobRecord(job)})
}

// handleReject handles POST /jobs/{jobID}/reject.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		s.writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	job, err := s.gate.Reject(r.Context(), jobID, req.Approver, req.Reason)
	if err != nil {
		s.writeGateError(w, err)
		return
	}

	s.announce(job, store.StatusAwaitingApproval, req.Approver, req.Reason)
	respondJSON(w, http.StatusOK, DecisionResponse{Job: jobRecord(job)})
}

// handleRelease handles POST /jobs/{jobID}/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Operator) == "" {
		s.writeError(w, http.StatusBadRequest, "operator is required")
		return
	}

	job, err := s.gate.Release(r.Context(), jobID, req.Operator)
	if err != nil {
		s.writeGateError(w, err)
		return
	}

	s.announce(job, store.StatusApproved, req.Operator, "")
	respondJSON(w, http.StatusOK, DecisionResponse{Job: jobRecord(job)})
}

// announce publishes the decision on the hub and wakes the watcher when
// the job entered the queue.
func (s *Server) announce(job *store.Job, from store.Status, actor, detail string) {
	s.hub.Publish(events.TypeFor(from, job.Status), job.ID, events.Change{
		From:   from,
		To:     job.Status,
		Actor:  actor,
		Detail: detail,
	})
	if job.Status == store.StatusPending && s.Waker != nil {
		s.Waker.Nudge()
	}
}

// writeGateError maps gate failures onto HTTP statuses.
func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrStaleState):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// jobCounts returns per-state counts with every state present.
func (s *Server) jobCounts(r *http.Request) (map[string]int, error) {
	counts, err := s.jobs.CountByStatus(r.Context())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(statusOrder))
	for _, status := range statusOrder {
		out[string(status)] = counts[status]
	}
	return out, nil
}

func (s *Server) publisherStats() *publish.Stats {
	if s.Publisher == nil {
		return nil
	}
	stats := s.Publisher.Stats()
	return &stats
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
