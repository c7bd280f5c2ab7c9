// Package doctor validates groundwork configuration against the
// environment it will run in.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattjoyce/groundwork/internal/config"
	"github.com/mattjoyce/groundwork/internal/storage"
	"github.com/mattjoyce/groundwork/internal/template"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host: store and
// workspace filesystems, the IaC binary, the template registry.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkStore(ctx, r)
	d.checkWorkspaces(r)
	d.checkTemplates(r)
	d.checkExecutor(r)
	d.checkIntake(r)
	d.checkAPI(r)
	d.warnUnresolvedEnv(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkStore verifies the job store opens and bootstraps on a local
// filesystem.
func (d *Doctor) checkStore(ctx context.Context, r *Result) {
	if err := storage.ValidateLocalFilesystem(d.cfg.Store.Path); err != nil {
		d.addError(r, "store", "store.path", err.Error())
		return
	}

	db, err := storage.OpenSQLite(ctx, d.cfg.Store.Path)
	if err != nil {
		d.addError(r, "store", "store.path", fmt.Sprintf("cannot open job store: %v", err))
		return
	}
	_ = db.Close()
}

// checkWorkspaces verifies the workspace root is local and writable.
func (d *Doctor) checkWorkspaces(r *Result) {
	root := d.cfg.Workspaces.Root

	if err := storage.ValidateLocalFilesystem(root); err != nil {
		d.addError(r, "workspaces", "workspaces.root", err.Error())
		return
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		d.addError(r, "workspaces", "workspaces.root", fmt.Sprintf("cannot create workspace root: %v", err))
		return
	}

	probe, err := os.CreateTemp(root, ".doctor-probe-*")
	if err != nil {
		d.addError(r, "workspaces", "workspaces.root", fmt.Sprintf("workspace root is not writable: %v", err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// checkTemplates verifies the template registry discovers at least one
// valid template. Individual invalid templates are warnings.
func (d *Doctor) checkTemplates(r *Result) {
	registry, err := template.Discover(d.cfg.Templates.Root, func(level, msg string, args ...any) {
		if level == "warn" {
			d.addWarning(r, "templates", "templates.root", renderLog(msg, args...))
		}
	})
	if err != nil {
		d.addError(r, "templates", "templates.root", err.Error())
		return
	}

	if registry.Len() == 0 {
		d.addError(r, "templates", "templates.root",
			fmt.Sprintf("no templates discovered under %s", d.cfg.Templates.Root))
	}
}

// checkExecutor verifies the IaC binary resolves.
func (d *Doctor) checkExecutor(r *Result) {
	if _, err := exec.LookPath(d.cfg.Executor.Binary); err != nil {
		d.addError(r, "executor", "executor.binary",
			fmt.Sprintf("%q not found: %v", d.cfg.Executor.Binary, err))
	}
}

// checkIntake verifies the intake callback URL when configured.
func (d *Doctor) checkIntake(r *Result) {
	if d.cfg.Intake.BaseURL == "" {
		d.addWarning(r, "intake", "intake.base_url", "not configured; status publishing is disabled")
		return
	}

	u, err := url.Parse(d.cfg.Intake.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.addError(r, "intake", "intake.base_url",
			fmt.Sprintf("must be an http(s) URL (got %q)", d.cfg.Intake.BaseURL))
	}
}

// checkAPI verifies the operator API settings when enabled.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.Token == "" {
		d.addWarning(r, "api", "api.auth.token",
			"no operator token configured; approve/reject/release over HTTP will reject every request")
	}
	if d.cfg.API.NudgeSecret == "" {
		d.addWarning(r, "api", "api.nudge_secret", "not configured; POST /nudge is disabled")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnUnresolvedEnv flags secrets still carrying a ${VAR} placeholder.
// Load leaves unknown variables intact, which surfaces here instead of
// as a confusing auth failure at runtime.
func (d *Doctor) warnUnresolvedEnv(r *Result) {
	fields := []struct {
		field string
		value string
	}{
		{"intake.base_url", d.cfg.Intake.BaseURL},
		{"intake.token", d.cfg.Intake.Token},
		{"api.auth.token", d.cfg.API.Auth.Token},
		{"api.nudge_secret", d.cfg.API.NudgeSecret},
	}

	for _, f := range fields {
		m := envVarRe.FindStringSubmatch(f.value)
		if m == nil {
			continue
		}
		d.addWarning(r, "env_vars", f.field,
			fmt.Sprintf("environment variable ${%s} is not set", m[1]))
	}
}

// renderLog flattens a slog-style message plus key/value args into one line.
func renderLog(msg string, args ...any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Environment valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Environment valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Environment invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
