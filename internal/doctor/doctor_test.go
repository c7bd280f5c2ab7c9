package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/groundwork/internal/config"
)

// validEnv builds a config pointing at a real, healthy environment
// under t.TempDir.
func validEnv(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()

	templateDir := filepath.Join(tmp, "templates", "static_site")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(templateDir, "template.yaml"),
		"description: static site\nvariables:\n  required: [site_name]\n", 0o644)
	writeFile(t, filepath.Join(templateDir, "main.tf"),
		`resource "null_resource" "site" {}`, 0o644)

	binary := filepath.Join(tmp, "bin", "terraform")
	if err := os.MkdirAll(filepath.Dir(binary), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, binary, "#!/bin/sh\nexit 0\n", 0o755)

	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(tmp, "data", "groundwork.db")
	cfg.Workspaces.Root = filepath.Join(tmp, "workspaces")
	cfg.Templates.Root = filepath.Join(tmp, "templates")
	cfg.Executor.Binary = binary
	return cfg
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func TestValidate_HealthyEnvironment(t *testing.T) {
	t.Parallel()
	d := New(validEnv(t))
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "intake", "publishing is disabled")
}

func TestValidate_MissingBinary(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)
	cfg.Executor.Binary = "groundwork-doctor-no-such-binary"
	d := New(cfg)
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "executor", "not found")
}

func TestValidate_EmptyTemplatesRoot(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)
	empty := t.TempDir()
	cfg.Templates.Root = empty
	d := New(cfg)
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "templates", "no templates discovered")
}

func TestValidate_MissingTemplatesRoot(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)
	cfg.Templates.Root = filepath.Join(t.TempDir(), "nope")
	d := New(cfg)
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "templates", "does not exist")
}

func TestValidate_InvalidTemplateWarns(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)

	// Manifest name contradicts the directory name.
	brokenDir := filepath.Join(cfg.Templates.Root, "broken")
	if err := os.MkdirAll(brokenDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(brokenDir, "template.yaml"), "name: something_else\n", 0o644)
	writeFile(t, filepath.Join(brokenDir, "main.tf"), "", 0o644)

	d := New(cfg)
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("one broken template must not invalidate the rest, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "templates", "failed to load template")
}

func TestValidate_WorkspaceRootNotCreatable(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)

	blocked := filepath.Join(t.TempDir(), "blocked")
	writeFile(t, blocked, "a file, not a directory", 0o644)
	cfg.Workspaces.Root = filepath.Join(blocked, "workspaces")

	d := New(cfg)
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "workspaces", "cannot create workspace root")
}

func TestValidate_UnresolvedEnvVar(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)
	cfg.Intake.Token = "${GROUNDWORK_TEST_UNSET_VAR}"
	d := New(cfg)
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "env_vars", "GROUNDWORK_TEST_UNSET_VAR")
}

func TestValidate_APIWithoutToken(t *testing.T) {
	t.Parallel()
	cfg := validEnv(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"
	d := New(cfg)
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "no operator token")
	assertHasWarning(t, r, "api", "/nudge is disabled")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "store", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "executor", Field: "executor.binary", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
