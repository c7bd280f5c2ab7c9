package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/template"
)

const testJobID = "1b4e28ba-2fa1-4d3b-8658-4c13d2300de8"

// newTestGenerator builds a generator over a fresh workspaces root and a
// registry holding the given template manifests (kind -> manifest YAML),
// each with a main.tf and variables.tf source.
func newTestGenerator(t *testing.T, manifests map[string]string) (*Generator, *Manager, string) {
	t.Helper()

	templatesRoot := t.TempDir()
	for kind, manifest := range manifests {
		dir := filepath.Join(templatesRoot, kind)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(manifest), 0644); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"main.tf", "variables.tf"} {
			content := "# " + kind + " " + name + "\n"
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}

	registry, err := template.Discover(templatesRoot, nil)
	if err != nil {
		t.Fatalf("discover templates: %v", err)
	}

	workspacesRoot := t.TempDir()
	manager, err := NewManager(workspacesRoot)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGenerator(manager, registry, logger), manager, templatesRoot
}

func testJob(kind, config string) *store.Job {
	j := &store.Job{
		ID:           testJobID,
		Requester:    "alice",
		ResourceKind: kind,
		Action:       store.ActionCreate,
		Status:       store.StatusProcessing,
	}
	if config != "" {
		j.Config = json.RawMessage(config)
	}
	return j
}

func TestGenerate(t *testing.T) {
	gen, manager, _ := newTestGenerator(t, map[string]string{
		"web_app": `name: web_app
variables:
  required: [name, environment]
  optional: [region, instance_count]
defaults:
  region: us-east-1
`,
	})

	job := testJob("web_app", `{
		"name": "demo-site",
		"environment": "staging",
		"instance_count": 2,
		"tags": {"team": "payments"}
	}`)

	bundle, err := gen.Generate(context.Background(), job)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.HasPrefix(bundle.InstanceID, testJobID+"-") {
		t.Errorf("instance id %q not derived from job id", bundle.InstanceID)
	}
	wantFiles := []string{"main.tf", "terraform.tfvars", "variables.tf"}
	if len(bundle.Files) != len(wantFiles) {
		t.Fatalf("bundle files = %v, want %v", bundle.Files, wantFiles)
	}
	for i, name := range wantFiles {
		if bundle.Files[i] != name {
			t.Fatalf("bundle files = %v, want %v", bundle.Files, wantFiles)
		}
	}

	// No staging residue, exactly one bundle dir.
	entries, err := os.ReadDir(manager.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != bundle.InstanceID {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("workspaces root holds %v, want only %s", names, bundle.InstanceID)
	}

	gotVars, err := os.ReadFile(filepath.Join(bundle.Dir, "terraform.tfvars"))
	if err != nil {
		t.Fatalf("read tfvars: %v", err)
	}
	wantVars := `environment = "staging"
instance_count = 2
region = "us-east-1"
resource_name = "demo-site"
tags = {
  Environment = "staging"
  JobId = "` + testJobID + `"
  ManagedBy = "internal-platform"
  team = "payments"
}
`
	if string(gotVars) != wantVars {
		t.Errorf("terraform.tfvars mismatch:\ngot:\n%s\nwant:\n%s", gotVars, wantVars)
	}

	if err := manager.Verify(bundle.InstanceID); err != nil {
		t.Errorf("Verify on a fresh bundle: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(bundle.Dir, ".manifest.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest bundleManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if manifest.JobID != testJobID || manifest.Version != 1 {
		t.Errorf("manifest header = %+v", manifest)
	}
	if len(manifest.Hashes) != 3 {
		t.Errorf("manifest covers %d files, want 3", len(manifest.Hashes))
	}
}

func TestGenerateFallbackIdentity(t *testing.T) {
	gen, _, _ := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  optional: [name]\n",
	})

	bundle, err := gen.Generate(context.Background(), testJob("s3", ""))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	gotVars, err := os.ReadFile(filepath.Join(bundle.Dir, "terraform.tfvars"))
	if err != nil {
		t.Fatal(err)
	}
	wantVars := `environment = "dev"
region = "us-east-1"
resource_name = "resource-1b4e28ba"
tags = {
  Environment = "dev"
  JobId = "` + testJobID + `"
  ManagedBy = "internal-platform"
}
`
	if string(gotVars) != wantVars {
		t.Errorf("terraform.tfvars mismatch:\ngot:\n%s\nwant:\n%s", gotVars, wantVars)
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	gen, manager, _ := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  required: [name]\n",
	})

	_, err := gen.Generate(context.Background(), testJob("mainframe", `{"name": "x"}`))
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if !strings.Contains(genErr.Error(), "unknown resource kind") {
		t.Errorf("error %q does not name the unknown kind", genErr.Error())
	}

	if entries, _ := os.ReadDir(manager.Root()); len(entries) != 0 {
		t.Error("unknown kind left files in the workspaces root")
	}
}

func TestGenerateMissingRequired(t *testing.T) {
	gen, manager, _ := newTestGenerator(t, map[string]string{
		"rds": "variables:\n  required: [name, environment, engine]\n",
	})

	_, err := gen.Generate(context.Background(), testJob("rds", `{"environment": "  "}`))
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if len(genErr.Fields) != 3 {
		t.Fatalf("reported fields %v, want all three missing variables", genErr.Fields)
	}
	for i, field := range []string{"name", "environment", "engine"} {
		if genErr.Fields[i].Field != field {
			t.Errorf("field %d = %q, want %q (declaration order)", i, genErr.Fields[i].Field, field)
		}
	}
	// One line per field in the rendered error.
	if lines := strings.Split(genErr.Error(), "\n"); len(lines) != 4 {
		t.Errorf("error rendering:\n%s", genErr.Error())
	}

	if entries, _ := os.ReadDir(manager.Root()); len(entries) != 0 {
		t.Error("validation failure left files in the workspaces root")
	}
}

func TestGenerateRefusesSecondBundle(t *testing.T) {
	gen, manager, _ := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  required: [name]\n",
	})
	job := testJob("s3", `{"name": "artifacts"}`)

	first, err := gen.Generate(context.Background(), job)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}

	_, err = gen.Generate(context.Background(), job)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if !strings.Contains(genErr.Error(), "workspace already exists") {
		t.Errorf("error %q does not say the workspace exists", genErr.Error())
	}

	entries, _ := os.ReadDir(manager.Root())
	if len(entries) != 1 || entries[0].Name() != first.InstanceID {
		t.Error("second generation disturbed the existing bundle")
	}
}

func TestGenerateBadConfigJSON(t *testing.T) {
	gen, _, _ := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  optional: [name]\n",
	})

	_, err := gen.Generate(context.Background(), testJob("s3", `["not", "an", "object"]`))
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if genErr.JobID != testJobID {
		t.Errorf("error job id = %q", genErr.JobID)
	}
}

func TestGenerateRemovesStagingOnFailure(t *testing.T) {
	gen, manager, templatesRoot := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  required: [name]\n",
	})

	// Break the template after discovery so the source copy fails
	// mid-generation.
	if err := os.Remove(filepath.Join(templatesRoot, "s3", "main.tf")); err != nil {
		t.Fatal(err)
	}

	_, err := gen.Generate(context.Background(), testJob("s3", `{"name": "artifacts"}`))
	if err == nil {
		t.Fatal("Generate succeeded against a broken template")
	}

	if entries, _ := os.ReadDir(manager.Root()); len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("staging residue left behind: %v", names)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	gen, manager, _ := newTestGenerator(t, map[string]string{
		"s3": "variables:\n  required: [name]\n",
	})

	bundle, err := gen.Generate(context.Background(), testJob("s3", `{"name": "artifacts"}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := os.WriteFile(filepath.Join(bundle.Dir, "main.tf"), []byte("# edited\n"), 0644); err != nil {
		t.Fatal(err)
	}

	err = manager.Verify(bundle.InstanceID)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("Verify = %v, want a digest mismatch", err)
	}
}

func TestVerifyRequiresManifest(t *testing.T) {
	manager, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir, err := manager.Path("job-1-a1b2c3d4")
	if err != nil {
		t.Fatal(err)
	}
	mustMkdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := manager.Verify("job-1-a1b2c3d4"); err == nil {
		t.Error("Verify accepted a bundle with no manifest")
	}
}

func TestRenderTFVarsValueForms(t *testing.T) {
	got := renderTFVars(map[string]any{
		"count":   float64(3),
		"enabled": true,
		"zones":   []any{"a", "b"},
		"label":   "x",
	})
	want := `count = 3
enabled = true
label = "x"
zones = ["a","b"]
`
	if got != want {
		t.Errorf("renderTFVars:\ngot:\n%s\nwant:\n%s", got, want)
	}
}
