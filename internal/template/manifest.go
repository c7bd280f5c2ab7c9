// Package template discovers and validates the resource templates a
// workspace bundle is generated from. A template is a directory named
// after its resource kind, holding the IaC source files plus a
// template.yaml describing the variables jobs must supply.
package template

import (
	"fmt"
	"strings"
)

// Variables declares which config fields a job must or may provide.
type Variables struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Manifest is the parsed template.yaml of one resource kind.
type Manifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Variables   Variables      `yaml:"variables"`
	Defaults    map[string]any `yaml:"defaults,omitempty"`
}

// Template is a discovered and validated resource template.
type Template struct {
	Kind        string   // directory name; jobs select templates by resource_kind
	Path        string   // absolute path to the template directory
	Description string
	Variables   Variables
	Defaults    map[string]any
	Sources     []string // IaC source filenames copied into each bundle
}

// Requires reports whether field must be present in a job's config.
func (t *Template) Requires(field string) bool {
	for _, f := range t.Variables.Required {
		if f == field {
			return true
		}
	}
	return false
}

// MissingRequired returns the required fields absent from config, in
// declaration order.
func (t *Template) MissingRequired(config map[string]any) []string {
	var missing []string
	for _, f := range t.Variables.Required {
		v, ok := config[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// validateManifest checks required manifest fields for the template in
// dirName.
func validateManifest(m *Manifest, dirName string) error {
	if m.Name != "" && m.Name != dirName {
		return fmt.Errorf("name %q does not match template directory %q", m.Name, dirName)
	}

	seen := make(map[string]string)
	for _, f := range m.Variables.Required {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("variables.required contains an empty field name")
		}
		if prev, dup := seen[f]; dup {
			return fmt.Errorf("variable %q declared twice (%s and required)", f, prev)
		}
		seen[f] = "required"
	}
	for _, f := range m.Variables.Optional {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("variables.optional contains an empty field name")
		}
		if prev, dup := seen[f]; dup {
			return fmt.Errorf("variable %q declared twice (%s and optional)", f, prev)
		}
		seen[f] = "optional"
	}

	for key := range m.Defaults {
		if seen[key] == "required" {
			return fmt.Errorf("required variable %q must not carry a default", key)
		}
	}

	return nil
}
