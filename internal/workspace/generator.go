package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/template"
)

const tfvarsFilename = "terraform.tfvars"

// Bundle is a fully generated workspace directory.
type Bundle struct {
	InstanceID string
	Dir        string
	Files      []string // bundle-relative filenames, sorted, manifest excluded
}

// Generator builds one bundle per job from the template registry.
type Generator struct {
	manager  *Manager
	registry *template.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerator wires a bundle generator over manager and registry.
func NewGenerator(manager *Manager, registry *template.Registry, logger *slog.Logger) *Generator {
	return &Generator{
		manager:  manager,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Generate builds the bundle for job: template sources, the rendered
// terraform.tfvars and the digest manifest. Everything lands in a
// hidden staging directory first and is renamed into place, so a crash
// never leaves a partial bundle under an instance id.
func (g *Generator) Generate(ctx context.Context, job *store.Job) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}

	tmpl, ok := g.registry.Get(job.ResourceKind)
	if !ok {
		return Bundle{}, &GenerationError{
			JobID: job.ID,
			Err: fmt.Errorf("unknown resource kind %q (known: %s)",
				job.ResourceKind, strings.Join(g.registry.Kinds(), ", ")),
		}
	}

	cfg, err := decodeConfig(job.Config)
	if err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: err}
	}

	if missing := tmpl.MissingRequired(cfg); len(missing) > 0 {
		fields := make([]FieldError, 0, len(missing))
		for _, f := range missing {
			fields = append(fields, FieldError{Field: f, Message: "required variable not set"})
		}
		return Bundle{}, &GenerationError{
			JobID:  job.ID,
			Fields: fields,
			Err:    fmt.Errorf("config is missing required variables"),
		}
	}

	existing, found, err := g.manager.FindByJob(job.ID)
	if err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: err}
	}
	if found {
		return Bundle{}, &GenerationError{
			JobID: job.ID,
			Err:   fmt.Errorf("workspace already exists at %s", existing),
		}
	}

	instanceID, err := NewInstanceID(job.ID)
	if err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: err}
	}
	finalDir, err := g.manager.Path(instanceID)
	if err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: err}
	}

	if err := os.MkdirAll(g.manager.Root(), 0755); err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: fmt.Errorf("create workspaces root: %w", err)}
	}
	stagingDir := filepath.Join(g.manager.Root(), "."+instanceID+stagingSuffix)
	if err := os.Mkdir(stagingDir, 0755); err != nil {
		return Bundle{}, &GenerationError{JobID: job.ID, Err: fmt.Errorf("create staging directory: %w", err)}
	}

	files, err := g.populate(ctx, stagingDir, tmpl, job, cfg)
	if err != nil {
		_ = os.RemoveAll(stagingDir)
		return Bundle{}, &GenerationError{JobID: job.ID, Err: err}
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Bundle{}, &GenerationError{JobID: job.ID, Err: fmt.Errorf("activate bundle: %w", err)}
	}

	g.logger.Info("workspace generated",
		"job_id", job.ID, "instance_id", instanceID, "kind", tmpl.Kind, "files", len(files))

	return Bundle{InstanceID: instanceID, Dir: finalDir, Files: files}, nil
}

// populate copies the template sources, renders terraform.tfvars and
// writes the manifest last. Returned filenames exclude the manifest.
func (g *Generator) populate(ctx context.Context, dir string, tmpl *template.Template, job *store.Job, cfg map[string]any) ([]string, error) {
	files := make([]string, 0, len(tmpl.Sources)+1)
	for _, name := range tmpl.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := copyFile(filepath.Join(tmpl.Path, name), filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("copy template source %s: %w", name, err)
		}
		files = append(files, name)
	}

	vars := buildTFVars(job, tmpl, cfg)
	if err := os.WriteFile(filepath.Join(dir, tfvarsFilename), []byte(renderTFVars(vars)), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", tfvarsFilename, err)
	}
	files = append(files, tfvarsFilename)
	sort.Strings(files)

	if err := writeManifest(dir, job.ID, files, g.now()); err != nil {
		return nil, err
	}
	return files, nil
}

// decodeConfig parses the job's config JSON. An absent config is an
// empty variable set, not an error.
func decodeConfig(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse job config: %w", err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// buildTFVars assembles the variable set written to terraform.tfvars.
// Template defaults are laid down first, the job config over them; the
// well-known identity variables (resource_name, environment, region)
// and a tags block stamped with ManagedBy/JobId/Environment are derived
// from the merged set.
func buildTFVars(job *store.Job, tmpl *template.Template, cfg map[string]any) map[string]any {
	merged := make(map[string]any, len(tmpl.Defaults)+len(cfg))
	for k, v := range tmpl.Defaults {
		merged[k] = v
	}
	for k, v := range cfg {
		merged[k] = v
	}

	name := stringVar(merged, "name")
	if name == "" {
		name = "resource-" + shortID(job.ID)
	}
	environment := stringVar(merged, "environment")
	if environment == "" {
		environment = "dev"
	}
	region := stringVar(merged, "region")
	if region == "" {
		region = "us-east-1"
	}

	tags := make(map[string]any)
	if raw, ok := merged["tags"].(map[string]any); ok {
		for k, v := range raw {
			tags[k] = v
		}
	}
	tags["ManagedBy"] = "internal-platform"
	tags["JobId"] = job.ID
	tags["Environment"] = environment

	vars := map[string]any{
		"resource_name": name,
		"environment":   environment,
		"region":        region,
		"tags":          tags,
	}
	for k, v := range merged {
		switch k {
		case "name", "environment", "region", "tags":
			continue
		}
		vars[k] = v
	}
	return vars
}

// renderTFVars renders vars as HCL variable assignments. Maps become a
// block of key = value lines, strings are quoted, everything else is
// emitted in its JSON form (valid HCL for numbers, bools and lists).
// Keys are sorted so identical inputs produce byte-identical bundles.
func renderTFVars(vars map[string]any) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		switch v := vars[key].(type) {
		case map[string]any:
			b.WriteString(key + " = {\n")
			inner := make([]string, 0, len(v))
			for k := range v {
				inner = append(inner, k)
			}
			sort.Strings(inner)
			for _, k := range inner {
				if s, ok := v[k].(string); ok {
					fmt.Fprintf(&b, "  %s = %q\n", k, s)
				} else {
					fmt.Fprintf(&b, "  %s = %s\n", k, jsonValue(v[k]))
				}
			}
			b.WriteString("}\n")
		case string:
			fmt.Fprintf(&b, "%s = %q\n", key, v)
		default:
			fmt.Fprintf(&b, "%s = %s\n", key, jsonValue(v))
		}
	}
	return b.String()
}

func jsonValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func stringVar(vars map[string]any, key string) string {
	s, _ := vars[key].(string)
	return strings.TrimSpace(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
