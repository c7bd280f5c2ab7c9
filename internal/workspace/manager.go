// Package workspace builds and manages per-job bundle directories: the
// IaC sources copied from a resource template, the rendered
// terraform.tfvars and a digest manifest, all under one workspaces root.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stagingSuffix = ".staging"

// Manager owns the workspaces root: instance id minting, path
// resolution and the retention sweep. Bundles are written once and
// never modified afterwards, so paths need no locking.
type Manager struct {
	root string
	now  func() time.Time
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspaces root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspaces root %q: %w", root, err)
	}
	return &Manager{root: abs, now: time.Now}, nil
}

// Root returns the absolute workspaces root directory.
func (m *Manager) Root() string { return m.root }

// NewInstanceID mints a bundle directory name for jobID: the job id
// plus a random 8-hex-char suffix, so a failed generation never reuses
// a half-removed directory name.
func NewInstanceID(jobID string) (string, error) {
	if err := validateID(jobID); err != nil {
		return "", err
	}
	return jobID + "-" + uuid.NewString()[:8], nil
}

// JobIDFromInstance extracts the job id from an instance directory
// name.
func JobIDFromInstance(instanceID string) (string, bool) {
	if len(instanceID) < 10 {
		return "", false
	}
	cut := len(instanceID) - 9
	if instanceID[cut] != '-' || !isHex(instanceID[cut+1:]) {
		return "", false
	}
	return instanceID[:cut], true
}

// Path resolves the bundle directory for instanceID under the root.
func (m *Manager) Path(instanceID string) (string, error) {
	if err := validateID(instanceID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, instanceID), nil
}

// FindByJob scans the root for jobID's bundle directory. At most one
// exists; the generator refuses to build a second.
func (m *Manager) FindByJob(jobID string) (string, bool, error) {
	if err := validateID(jobID); err != nil {
		return "", false, err
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read workspaces root: %w", err)
	}

	prefix := jobID + "-"
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rest, found := strings.CutPrefix(entry.Name(), prefix)
		if !found || len(rest) != 8 || !isHex(rest) {
			continue
		}
		return filepath.Join(m.root, entry.Name()), true, nil
	}
	return "", false, nil
}

// CleanupOptions tunes a retention sweep.
type CleanupOptions struct {
	// DryRun lists matching directories without removing anything.
	DryRun bool
	// Keep reports whether jobID's bundle must survive the sweep
	// regardless of age (jobs still in flight). Nil keeps nothing.
	Keep func(jobID string) bool
}

// CleanupReport summarizes a retention sweep.
type CleanupReport struct {
	Removed []string // directory names swept (or matched, on a dry run)
	Kept    int      // aged directories preserved by Keep
}

// Cleanup removes bundle directories older than olderThan, judged by
// directory modification time. Abandoned staging directories are swept
// on the same cutoff.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, opts CleanupOptions) (CleanupReport, error) {
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspaces root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("stat workspace %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if opts.Keep != nil {
			if jobID, ok := JobIDFromInstance(entry.Name()); ok && opts.Keep(jobID) {
				report.Kept++
				continue
			}
		}

		if !opts.DryRun {
			if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
				return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
			}
		}
		report.Removed = append(report.Removed, entry.Name())
	}

	return report, nil
}

// validateID rejects names that could escape the workspaces root.
func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is empty")
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("id %q has surrounding whitespace", id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("id %q is invalid", id)
	}
	if strings.Contains(id, "/") || strings.Contains(id, `\`) {
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	if filepath.Clean(id) != id {
		return fmt.Errorf("id %q is invalid", id)
	}
	return nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
