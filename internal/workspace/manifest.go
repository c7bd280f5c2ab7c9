package workspace

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// manifestFilename is written into every bundle after all other files.
// A bundle directory without a readable manifest is treated as broken.
const manifestFilename = ".manifest.yaml"

// bundleManifest pins the generated bundle contents by digest.
type bundleManifest struct {
	Version     int               `yaml:"version"`
	JobID       string            `yaml:"job_id"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// hashFile computes the BLAKE3 digest of a file.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// writeManifest hashes files (relative to dir) and writes the bundle
// manifest. It must be the last write into a staging dir: the rename
// that follows makes the bundle visible, and the manifest marks it
// complete.
func writeManifest(dir, jobID string, files []string, now time.Time) error {
	manifest := bundleManifest{
		Version:     1,
		JobID:       jobID,
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, name := range files {
		digest, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("hash bundle file: %w", err)
		}
		manifest.Hashes[name] = digest
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal bundle manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFilename), data, 0600); err != nil {
		return fmt.Errorf("write bundle manifest: %w", err)
	}
	return nil
}

// readManifest loads and version-checks a bundle's manifest.
func readManifest(dir string) (*bundleManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bundle manifest missing")
		}
		return nil, fmt.Errorf("read bundle manifest: %w", err)
	}

	var manifest bundleManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported bundle manifest version: %d", manifest.Version)
	}
	return &manifest, nil
}

// Verify recomputes the digests of instanceID's bundle against its
// manifest.
func (m *Manager) Verify(instanceID string) error {
	dir, err := m.Path(instanceID)
	if err != nil {
		return err
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return fmt.Errorf("verify bundle %s: %w", instanceID, err)
	}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		actual, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("verify bundle %s: %w", instanceID, err)
		}
		if actual != manifest.Hashes[name] {
			return fmt.Errorf("verify bundle %s: digest mismatch for %s", instanceID, name)
		}
	}
	return nil
}
