package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values absent from the
// file keep their Defaults(); ${VAR} references are interpolated from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	return cfg, nil
}

// Parse decodes YAML bytes over Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	// Unmarshal over defaults so absent keys keep their default value,
	// including booleans that default to true (watcher.approval_gate).
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $GROUNDWORK_CONFIG, ~/.config/groundwork/config.yaml,
// /etc/groundwork/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	// 1. Check environment variable
	if path := os.Getenv("GROUNDWORK_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("$GROUNDWORK_CONFIG points at %s but it does not exist", path)
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigPath := filepath.Join(homeDir, ".config", "groundwork", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			return userConfigPath, nil
		}
	}

	// 3. Check system config directory
	systemConfigPath := "/etc/groundwork/config.yaml"
	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath, nil
	}

	// 4. Fallback to config in current directory
	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $GROUNDWORK_CONFIG, ~/.config/groundwork/config.yaml, /etc/groundwork/config.yaml, ./config.yaml)")
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if cfg.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is required")
	}
	if cfg.Workspaces.Retention < 0 {
		return fmt.Errorf("workspaces.retention must not be negative")
	}

	if cfg.Templates.Root == "" {
		return fmt.Errorf("templates.root is required")
	}

	if cfg.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}

	if cfg.Executor.Binary == "" {
		return fmt.Errorf("executor.binary is required")
	}
	if cfg.Executor.StageTimeout < 0 {
		return fmt.Errorf("executor.stage_timeout must not be negative")
	}
	if cfg.Executor.LogTailBytes <= 0 {
		return fmt.Errorf("executor.log_tail_bytes must be positive")
	}

	if cfg.Intake.BaseURL != "" {
		u, err := url.Parse(cfg.Intake.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("intake.base_url must be an http(s) URL (got %q)", cfg.Intake.BaseURL)
		}
		if err := checkResolved("intake.token", cfg.Intake.Token); err != nil {
			return err
		}
		if cfg.Intake.Publish.MaxAttempts < 1 {
			return fmt.Errorf("intake.publish.max_attempts must be at least 1")
		}
		if cfg.Intake.Publish.QueueSize < 1 {
			return fmt.Errorf("intake.publish.queue_size must be at least 1")
		}
		if cfg.Intake.Publish.Workers < 1 {
			return fmt.Errorf("intake.publish.workers must be at least 1")
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if err := checkResolved("api.auth.token", cfg.API.Auth.Token); err != nil {
			return err
		}
		if err := checkResolved("api.nudge_secret", cfg.API.NudgeSecret); err != nil {
			return err
		}
	}

	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		// Look up environment variable
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// checkResolved rejects values still carrying an unexpanded ${VAR}
// placeholder. Secrets sourced from the environment must actually be set.
func checkResolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
