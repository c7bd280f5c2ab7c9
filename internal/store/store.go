package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// jobColumns is the full select list, kept in one place so every scan
// site stays in sync with the schema.
const jobColumns = `id, requester, resource_kind, action, config, status,
  created_at, updated_at, started_at, completed_at, error_message, output,
  claimed_by, workspace_dir, approver, decided_at, approval_reason`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a job in one of the entry states. The intake API inserts
// equivalent rows; this path exists for the submit verb and tests.
func (s *Store) Create(ctx context.Context, req NewJob) (*Job, error) {
	if req.Requester == "" {
		return nil, fmt.Errorf("requester is empty")
	}
	if req.ResourceKind == "" {
		return nil, fmt.Errorf("resource_kind is empty")
	}

	action := req.Action
	if action == "" {
		action = ActionCreate
	}
	if !action.Valid() {
		return nil, fmt.Errorf("invalid action: %q", action)
	}

	status := req.Status
	if status == "" {
		status = StatusPending
	}
	switch status {
	case StatusAwaitingApproval, StatusPending, StatusApproved:
	default:
		return nil, fmt.Errorf("invalid entry status: %q", status)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	var config any
	if len(req.Config) > 0 {
		config = string(req.Config)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, requester, resource_kind, action, config, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Requester, req.ResourceKind, action, config, status, nowS, nowS)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return &Job{
		ID:           id,
		Requester:    req.Requester,
		ResourceKind: req.ResourceKind,
		Action:       action,
		Config:       req.Config,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Get returns a single job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is empty")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListByStatus returns jobs in the given state, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", status)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TryClaim moves one pending job to processing on behalf of claimedBy.
// The state predicate lives in the UPDATE itself, so of N concurrent
// claimants exactly one wins; the rest get ErrClaimFailed.
func (s *Store) TryClaim(ctx context.Context, jobID, claimedBy string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is empty")
	}
	if claimedBy == "" {
		return nil, fmt.Errorf("claimedBy is empty")
	}

	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
UPDATE jobs
SET status = ?, claimed_by = ?, started_at = ?, updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;
`, StatusProcessing, claimedBy, nowS, nowS, jobID, StatusPending)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, ErrClaimFailed
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := journal(ctx, tx, j.ID, StatusPending, StatusProcessing, claimedBy, "claimed"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return j, nil
}

// ClaimNext claims the oldest pending job and marks it processing.
// Returns (nil, nil) if nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, claimedBy string) (*Job, error) {
	if claimedBy == "" {
		return nil, fmt.Errorf("claimedBy is empty")
	}

	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, claimed_by = ?, started_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusPending, StatusProcessing, claimedBy, nowS, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	if err := journal(ctx, tx, j.ID, StatusPending, StatusProcessing, claimedBy, "claimed"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return j, nil
}

// UpdateStatus applies a transition to whatever legal source state the job
// is currently in. Claims are excluded: pending to processing only happens
// through TryClaim/ClaimNext.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, to Status, u Update) (*Job, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid status: %q", to)
	}
	if to == StatusProcessing {
		return nil, fmt.Errorf("%w: processing is entered via claim only", ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromS string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&fromS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job status: %w", err)
	}

	from := Status(fromS)
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	j, err := applyTransition(ctx, tx, jobID, from, to, u)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return j, nil
}

// UpdateStatusFrom applies a transition only if the job is still in the
// expected source state. A job that moved on yields ErrStaleState.
func (s *Store) UpdateStatusFrom(ctx context.Context, jobID string, from, to Status, u Update) (*Job, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := applyTransition(ctx, tx, jobID, from, to, u)
	if errors.Is(err, ErrStaleState) {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return j, nil
}

// applyTransition performs the conditional UPDATE and journals the edge.
// The WHERE clause re-checks the source state so a concurrent writer
// cannot slip a change in between observation and write.
func applyTransition(ctx context.Context, tx *sql.Tx, jobID string, from, to Status, u Update) (*Job, error) {
	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	var completedAt any
	if to.Terminal() {
		completedAt = nowS
	}
	var decidedAt any
	if u.Approver != nil {
		decidedAt = nowS
	}
	var output any
	if len(u.Output) > 0 {
		output = string(u.Output)
	}

	row := tx.QueryRowContext(ctx, `
UPDATE jobs
SET status          = ?,
    updated_at      = ?,
    completed_at    = COALESCE(?, completed_at),
    error_message   = COALESCE(?, error_message),
    output          = COALESCE(?, output),
    approver        = COALESCE(?, approver),
    decided_at      = COALESCE(?, decided_at),
    approval_reason = COALESCE(?, approval_reason)
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;
`, to, nowS, completedAt, u.ErrorMessage, output, u.Approver, decidedAt, u.ApprovalReason, jobID, from)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleState
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	actor := u.Actor
	if actor == "" && u.Approver != nil {
		actor = *u.Approver
	}
	if err := journal(ctx, tx, jobID, from, to, actor, u.Detail); err != nil {
		return nil, err
	}
	return j, nil
}

// journal appends one row to job_transitions.
func journal(ctx context.Context, tx *sql.Tx, jobID string, from, to Status, actor, detail string) error {
	var actorVal, detailVal any
	if actor != "" {
		actorVal = actor
	}
	if detail != "" {
		detailVal = detail
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO job_transitions(job_id, from_status, to_status, actor, detail, at)
VALUES(?, ?, ?, ?, ?, ?);
`, jobID, from, to, actorVal, detailVal, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job_transitions: %w", err)
	}
	return nil
}

// SetWorkspaceDir records the generated bundle path on a job.
func (s *Store) SetWorkspaceDir(ctx context.Context, jobID, dir string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET workspace_dir = ?, updated_at = ? WHERE id = ?;
`, dir, time.Now().UTC().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return fmt.Errorf("set workspace dir: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CountByStatus returns how many jobs sit in each state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Transitions returns the applied edges for one job, oldest first.
func (s *Store) Transitions(ctx context.Context, jobID string) ([]Transition, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, from_status, to_status, actor, detail, at
FROM job_transitions
WHERE job_id = ?
ORDER BY id ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var ts []Transition
	for rows.Next() {
		var (
			t      Transition
			fromS  string
			toS    string
			actor  sql.NullString
			detail sql.NullString
			atS    string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &fromS, &toS, &actor, &detail, &atS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromStatus = Status(fromS)
		t.ToStatus = Status(toS)
		if actor.Valid {
			t.Actor = &actor.String
		}
		if detail.Valid {
			t.Detail = &detail.String
		}
		if at, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			t.At = at
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// RecoverOrphans fails processing jobs claimed by the given identity.
// Meant for watch startup after an unclean stop: only this instance's own
// claims are touched, never another live watcher's.
func (s *Store) RecoverOrphans(ctx context.Context, claimedBy string) (int, error) {
	if claimedBy == "" {
		return 0, fmt.Errorf("claimedBy is empty")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM jobs WHERE status = ? AND claimed_by = ?;
`, StatusProcessing, claimedBy)
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	msg := "orphaned by previous run"
	recovered := 0
	for _, id := range ids {
		_, err := s.UpdateStatus(ctx, id, StatusFailed, Update{
			Actor:        claimedBy,
			Detail:       msg,
			ErrorMessage: &msg,
		})
		if errors.Is(err, ErrStaleState) || errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j              Job
		actionS        string
		config         sql.NullString
		statusS        string
		createdAtS     string
		updatedAtS     string
		startedAtS     sql.NullString
		completedAtS   sql.NullString
		errorMessage   sql.NullString
		output         sql.NullString
		claimedBy      sql.NullString
		workspaceDir   sql.NullString
		approver       sql.NullString
		decidedAtS     sql.NullString
		approvalReason sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Requester, &j.ResourceKind, &actionS, &config, &statusS,
		&createdAtS, &updatedAtS, &startedAtS, &completedAtS, &errorMessage, &output,
		&claimedBy, &workspaceDir, &approver, &decidedAtS, &approvalReason,
	)
	if err != nil {
		return nil, err
	}

	j.Action = Action(actionS)
	j.Status = Status(statusS)
	if config.Valid {
		j.Config = []byte(config.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		j.UpdatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if output.Valid {
		j.Output = []byte(output.String)
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	if workspaceDir.Valid {
		j.WorkspaceDir = &workspaceDir.String
	}
	if approver.Valid {
		j.Approver = &approver.String
	}
	if decidedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, decidedAtS.String); err == nil {
			j.DecidedAt = &t
		}
	}
	if approvalReason.Valid {
		j.ApprovalReason = &approvalReason.String
	}
	return &j, nil
}
