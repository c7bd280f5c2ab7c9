package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewInstanceID(t *testing.T) {
	jobID := "1b4e28ba-2fa1-4d3b-8658-4c13d2300de8"

	id, err := NewInstanceID(jobID)
	if err != nil {
		t.Fatalf("NewInstanceID: %v", err)
	}
	if !strings.HasPrefix(id, jobID+"-") {
		t.Errorf("instance id %q does not start with job id", id)
	}
	suffix := strings.TrimPrefix(id, jobID+"-")
	if len(suffix) != 8 || !isHex(suffix) {
		t.Errorf("instance id suffix %q is not 8 hex chars", suffix)
	}

	other, err := NewInstanceID(jobID)
	if err != nil {
		t.Fatalf("NewInstanceID: %v", err)
	}
	if other == id {
		t.Error("two instance ids for the same job collided")
	}
}

func TestNewInstanceIDRejectsBadJobID(t *testing.T) {
	for _, jobID := range []string{"", ".", "..", "a/b", `a\b`, "../escape", " padded "} {
		if _, err := NewInstanceID(jobID); err == nil {
			t.Errorf("NewInstanceID(%q) accepted an unsafe id", jobID)
		}
	}
}

func TestJobIDFromInstance(t *testing.T) {
	tests := []struct {
		instanceID string
		wantJobID  string
		wantOK     bool
	}{
		{"job-123-a1b2c3d4", "job-123", true},
		{"1b4e28ba-2fa1-4d3b-8658-4c13d2300de8-00ff00ff", "1b4e28ba-2fa1-4d3b-8658-4c13d2300de8", true},
		{"job-123-XYZ2c3d4", "", false}, // suffix not hex
		{"job-123-a1b2", "", false},     // suffix too short
		{"short", "", false},
		{".job-123-a1b2c3d4.staging", "", false},
	}
	for _, tt := range tests {
		jobID, ok := JobIDFromInstance(tt.instanceID)
		if ok != tt.wantOK || jobID != tt.wantJobID {
			t.Errorf("JobIDFromInstance(%q) = (%q, %v), want (%q, %v)",
				tt.instanceID, jobID, ok, tt.wantJobID, tt.wantOK)
		}
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, id := range []string{"", ".", "..", "../up", "a/b", `a\b`, "a/.."} {
		if _, err := m.Path(id); err == nil {
			t.Errorf("Path(%q) accepted an unsafe id", id)
		}
	}

	path, err := m.Path("job-1-a1b2c3d4")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if filepath.Dir(path) != m.Root() {
		t.Errorf("path %q is not directly under root %q", path, m.Root())
	}
}

func TestFindByJob(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, found, err := m.FindByJob("job-1"); err != nil || found {
		t.Fatalf("FindByJob on empty root = (found=%v, err=%v)", found, err)
	}

	// Decoys: hidden staging dir, an unrelated kind of dir, a plain file.
	mustMkdir(t, filepath.Join(root, ".job-1-a1b2c3d4.staging"))
	mustMkdir(t, filepath.Join(root, "job-10-a1b2c3d4"))
	mustMkdir(t, filepath.Join(root, "job-1-notahexx"))
	if err := os.WriteFile(filepath.Join(root, "job-1-deadbeef"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := m.FindByJob("job-1"); found {
		t.Fatal("FindByJob matched a decoy entry")
	}

	want := filepath.Join(root, "job-1-00c0ffee")
	mustMkdir(t, want)

	dir, found, err := m.FindByJob("job-1")
	if err != nil {
		t.Fatalf("FindByJob: %v", err)
	}
	if !found || dir != want {
		t.Errorf("FindByJob = (%q, %v), want (%q, true)", dir, found, want)
	}
}

func TestCleanup(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	aged := filepath.Join(root, "job-old-a1b2c3d4")
	agedStaging := filepath.Join(root, ".job-gone-deadbeef.staging")
	fresh := filepath.Join(root, "job-new-0badf00d")
	mustMkdir(t, aged)
	mustMkdir(t, agedStaging)
	mustMkdir(t, fresh)
	for _, dir := range []string{aged, agedStaging} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("chtimes %s: %v", dir, err)
		}
	}

	report, err := m.Cleanup(context.Background(), 24*time.Hour, CleanupOptions{})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(report.Removed) != 2 {
		t.Errorf("removed %v, want the aged bundle and staging dir", report.Removed)
	}
	if _, err := os.Stat(aged); !os.IsNotExist(err) {
		t.Error("aged bundle survived the sweep")
	}
	if _, err := os.Stat(agedStaging); !os.IsNotExist(err) {
		t.Error("abandoned staging dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh bundle was swept")
	}
}

func TestCleanupDryRun(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	aged := filepath.Join(root, "job-old-a1b2c3d4")
	mustMkdir(t, aged)
	if err := os.Chtimes(aged, old, old); err != nil {
		t.Fatal(err)
	}

	report, err := m.Cleanup(context.Background(), 24*time.Hour, CleanupOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "job-old-a1b2c3d4" {
		t.Errorf("dry run matched %v, want the aged bundle", report.Removed)
	}
	if _, err := os.Stat(aged); err != nil {
		t.Error("dry run removed the bundle")
	}
}

func TestCleanupKeepFilter(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	protected := filepath.Join(root, "job-live-a1b2c3d4")
	expendable := filepath.Join(root, "job-done-0badf00d")
	mustMkdir(t, protected)
	mustMkdir(t, expendable)
	for _, dir := range []string{protected, expendable} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatal(err)
		}
	}

	report, err := m.Cleanup(context.Background(), 24*time.Hour, CleanupOptions{
		Keep: func(jobID string) bool { return jobID == "job-live" },
	})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.Kept != 1 {
		t.Errorf("kept %d aged dirs, want 1", report.Kept)
	}
	if _, err := os.Stat(protected); err != nil {
		t.Error("keep filter did not protect the in-flight job's bundle")
	}
	if _, err := os.Stat(expendable); !os.IsNotExist(err) {
		t.Error("expendable bundle survived the sweep")
	}
}

func TestCleanupRejectsNonPositiveAge(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Cleanup(context.Background(), 0, CleanupOptions{}); err == nil {
		t.Error("Cleanup accepted a zero retention age")
	}
}

func TestNewManagerRejectsEmptyRoot(t *testing.T) {
	if _, err := NewManager("  "); err == nil {
		t.Error("NewManager accepted a blank root")
	}
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}
