package template

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "template.yaml"

// Registry holds discovered templates indexed by resource kind.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*Template),
	}
}

// Get retrieves a template by resource kind.
func (r *Registry) Get(kind string) (*Template, bool) {
	t, ok := r.templates[kind]
	return t, ok
}

// Kinds returns all registered resource kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.templates))
	for k := range r.templates {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.templates)
}

// Add registers a template.
func (r *Registry) Add(t *Template) error {
	if _, exists := r.templates[t.Kind]; exists {
		return fmt.Errorf("template %q already registered", t.Kind)
	}
	r.templates[t.Kind] = t
	return nil
}

// Discover scans templatesRoot for directories carrying a template.yaml
// and validates them. Invalid templates are logged but not fatal;
// duplicate kinds keep the first discovered template.
func Discover(templatesRoot string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	if strings.TrimSpace(templatesRoot) == "" {
		return nil, fmt.Errorf("templates root is required")
	}

	absRoot, err := filepath.Abs(templatesRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve templates root %q: %w", templatesRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("templates root does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat templates root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates root is not a directory: %s", absRoot)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		templatePath := filepath.Dir(path)
		kind := filepath.Base(templatePath)

		tmpl, err := loadTemplate(kind, templatePath)
		if err != nil {
			logger("warn", "failed to load template", "root", absRoot, "path", templatePath, "error", err.Error())
			return nil
		}

		if err := registry.Add(tmpl); err != nil {
			if existing, ok := registry.Get(tmpl.Kind); ok {
				logger(
					"warn",
					"duplicate template ignored (keeping first discovered)",
					"kind", tmpl.Kind,
					"ignored_path", tmpl.Path,
					"kept_path", existing.Path,
				)
			} else {
				logger("warn", "duplicate template", "kind", tmpl.Kind, "error", err.Error())
			}
			return nil
		}

		logger("info", "loaded template", "kind", tmpl.Kind, "path", tmpl.Path, "sources", len(tmpl.Sources))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan templates root %s: %w", absRoot, err)
	}

	return registry, nil
}

// loadTemplate reads and validates a single template directory.
func loadTemplate(kind, templatePath string) (*Template, error) {
	manifestPath := filepath.Join(templatePath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest, kind); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	sources, err := listSources(templatePath)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("template has no .tf source files")
	}

	return &Template{
		Kind:        kind,
		Path:        templatePath,
		Description: manifest.Description,
		Variables:   manifest.Variables,
		Defaults:    manifest.Defaults,
		Sources:     sources,
	}, nil
}

// listSources returns the .tf filenames directly inside templatePath,
// sorted for stable bundle contents.
func listSources(templatePath string) ([]string, error) {
	entries, err := os.ReadDir(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var sources []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tf") {
			sources = append(sources, e.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}
