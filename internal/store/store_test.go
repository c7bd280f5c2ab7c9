package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/groundwork/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "groundwork.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	j, err := s.Create(context.Background(), NewJob{
		Requester:    "alice@example.com",
		ResourceKind: "web_app",
		Config:       json.RawMessage(`{"name":"shop"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected assigned id")
	}
	if j.Action != ActionCreate {
		t.Fatalf("action = %q, want create", j.Action)
	}
	if j.Status != StatusPending {
		t.Fatalf("status = %q, want pending", j.Status)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Requester != "alice@example.com" || got.ResourceKind != "web_app" {
		t.Fatalf("unexpected job: %#v", got)
	}
	if string(got.Config) != `{"name":"shop"}` {
		t.Fatalf("config round trip: %s", got.Config)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps set")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, NewJob{ResourceKind: "s3"}); err == nil {
		t.Fatal("expected error for empty requester")
	}
	if _, err := s.Create(ctx, NewJob{Requester: "bob"}); err == nil {
		t.Fatal("expected error for empty resource_kind")
	}
	if _, err := s.Create(ctx, NewJob{Requester: "bob", ResourceKind: "s3", Action: "delete"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if _, err := s.Create(ctx, NewJob{Requester: "bob", ResourceKind: "s3", Status: StatusCompleted}); err == nil {
		t.Fatal("expected error for non-entry status")
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListByStatusFIFO(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, j.ID)
	}

	jobs, err := s.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Fatalf("order broken at %d: got %s, want %s", i, j.ID, ids[i])
		}
	}
}

func TestTryClaim(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "ec2"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := s.TryClaim(ctx, j.ID, "watcher-1")
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if claimed.Status != StatusProcessing {
		t.Fatalf("status = %q, want processing", claimed.Status)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != "watcher-1" {
		t.Fatalf("claimed_by = %v, want watcher-1", claimed.ClaimedBy)
	}
	if claimed.StartedAt == nil {
		t.Fatal("expected started_at set on claim")
	}

	if _, err := s.TryClaim(ctx, j.ID, "watcher-2"); !errors.Is(err, ErrClaimFailed) {
		t.Fatalf("second claim: expected ErrClaimFailed, got %v", err)
	}
	if _, err := s.TryClaim(ctx, "missing", "watcher-1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("claim missing job: expected ErrJobNotFound, got %v", err)
	}
}

func TestTryClaimRace(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "ec2"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	losses := make(chan error, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			who := "watcher-" + string(rune('a'+n))
			if _, err := s.TryClaim(ctx, j.ID, who); err != nil {
				losses <- err
				return
			}
			wins <- who
		}(i)
	}
	wg.Wait()
	close(wins)
	close(losses)

	if len(wins) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", len(wins))
	}
	for err := range losses {
		if !errors.Is(err, ErrClaimFailed) {
			t.Fatalf("loser should see ErrClaimFailed, got %v", err)
		}
	}

	winner := <-wins
	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusProcessing || got.ClaimedBy == nil || *got.ClaimedBy != winner {
		t.Fatalf("job after race: %#v, winner %s", got, winner)
	}
}

func TestClaimNextFIFO(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j1, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	j2, err := s.Create(ctx, NewJob{Requester: "bob", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}

	c1, err := s.ClaimNext(ctx, "watcher-1")
	if err != nil {
		t.Fatalf("ClaimNext 1: %v", err)
	}
	if c1 == nil || c1.ID != j1.ID {
		t.Fatalf("expected oldest job %s first, got %#v", j1.ID, c1)
	}

	c2, err := s.ClaimNext(ctx, "watcher-1")
	if err != nil {
		t.Fatalf("ClaimNext 2: %v", err)
	}
	if c2 == nil || c2.ID != j2.ID {
		t.Fatalf("expected job %s second, got %#v", j2.ID, c2)
	}

	c3, err := s.ClaimNext(ctx, "watcher-1")
	if err != nil {
		t.Fatalf("ClaimNext 3: %v", err)
	}
	if c3 != nil {
		t.Fatalf("expected empty queue, got %#v", c3)
	}
}

func TestUpdateStatusWalk(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "web_app", Status: StatusAwaitingApproval})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	approver := "ops@example.com"
	if _, err := s.UpdateStatusFrom(ctx, j.ID, StatusAwaitingApproval, StatusPending, Update{Approver: &approver}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	claimed, err := s.TryClaim(ctx, j.ID, "watcher-1")
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if claimed.Status != StatusProcessing {
		t.Fatalf("status = %q, want processing", claimed.Status)
	}

	output := json.RawMessage(`{"url":{"value":"https://shop.example.com","type":"string","sensitive":false}}`)
	done, err := s.UpdateStatus(ctx, j.ID, StatusCompleted, Update{Actor: "watcher-1", Output: output})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}
	if done.Approver == nil || *done.Approver != approver {
		t.Fatalf("approver lost: %#v", done.Approver)
	}
	if done.DecidedAt == nil {
		t.Fatal("expected decided_at set on approval")
	}
	if string(done.Output) != string(output) {
		t.Fatalf("output round trip: %s", done.Output)
	}

	ts, err := s.Transitions(ctx, j.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	want := []struct{ from, to Status }{
		{StatusAwaitingApproval, StatusPending},
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusCompleted},
	}
	if len(ts) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(ts))
	}
	for i, w := range want {
		if ts[i].FromStatus != w.from || ts[i].ToStatus != w.to {
			t.Fatalf("transition %d = %s/%s, want %s/%s", i, ts[i].FromStatus, ts[i].ToStatus, w.from, w.to)
		}
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.TryClaim(ctx, j.ID, "watcher-1"); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	msg := "plan exploded"
	if _, err := s.UpdateStatus(ctx, j.ID, StatusFailed, Update{ErrorMessage: &msg}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, err := s.UpdateStatus(ctx, j.ID, StatusCompleted, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition leaving failed, got %v", err)
	}
	if _, err := s.TryClaim(ctx, j.ID, "watcher-2"); !errors.Is(err, ErrClaimFailed) {
		t.Fatalf("expected ErrClaimFailed on terminal job, got %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("terminal row changed: %#v", got)
	}
}

func TestUpdateStatusFromStale(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "vpc", Status: StatusAwaitingApproval})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	approver := "ops"
	if _, err := s.UpdateStatusFrom(ctx, j.ID, StatusAwaitingApproval, StatusRejected, Update{Approver: &approver}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// A second decision arrives after the job already moved on.
	_, err = s.UpdateStatusFrom(ctx, j.ID, StatusAwaitingApproval, StatusPending, Update{Approver: &approver})
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	_, err = s.UpdateStatusFrom(ctx, "missing", StatusAwaitingApproval, StatusPending, Update{Approver: &approver})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateStatusRejectsClaimPath(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, j.ID, StatusProcessing, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for direct processing update, got %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.Create(ctx, NewJob{Requester: "bob", ResourceKind: "ec2", Status: StatusAwaitingApproval}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusAwaitingApproval] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
}

func TestSetWorkspaceDir(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetWorkspaceDir(ctx, j.ID, "/var/lib/groundwork/workspaces/"+j.ID+"-deadbeef"); err != nil {
		t.Fatalf("SetWorkspaceDir: %v", err)
	}
	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkspaceDir == nil {
		t.Fatal("expected workspace_dir set")
	}
	if err := s.SetWorkspaceDir(ctx, "missing", "/tmp/x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecoverOrphansOnlyOwnIdentity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	mine, err := s.Create(ctx, NewJob{Requester: "alice", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	theirs, err := s.Create(ctx, NewJob{Requester: "bob", ResourceKind: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.TryClaim(ctx, mine.ID, "watcher-1"); err != nil {
		t.Fatalf("TryClaim mine: %v", err)
	}
	if _, err := s.TryClaim(ctx, theirs.ID, "watcher-2"); err != nil {
		t.Fatalf("TryClaim theirs: %v", err)
	}

	n, err := s.RecoverOrphans(ctx, "watcher-1")
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	gotMine, _ := s.Get(ctx, mine.ID)
	if gotMine.Status != StatusFailed || gotMine.ErrorMessage == nil {
		t.Fatalf("own orphan not failed: %#v", gotMine)
	}
	gotTheirs, _ := s.Get(ctx, theirs.ID)
	if gotTheirs.Status != StatusProcessing {
		t.Fatalf("other watcher's job touched: %#v", gotTheirs)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusAwaitingApproval, StatusPending},
		{StatusAwaitingApproval, StatusApproved},
		{StatusAwaitingApproval, StatusRejected},
		{StatusApproved, StatusPending},
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusRejected, StatusPending},
		{StatusProcessing, StatusPending},
		{StatusPending, StatusAwaitingApproval},
	}
	for _, e := range denied {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}
