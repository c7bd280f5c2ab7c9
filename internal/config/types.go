package config

import "time"

// Config represents the complete groundwork configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Store      StoreConfig      `yaml:"store"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Intake     IntakeConfig     `yaml:"intake,omitempty"`
	API        APIConfig        `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StoreConfig defines job store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WorkspacesConfig defines where generated bundles live and how long
// terminal-job bundles are retained before cleanup sweeps them.
type WorkspacesConfig struct {
	Root      string        `yaml:"root"`
	Retention time.Duration `yaml:"retention"`
}

// TemplatesConfig defines where resource templates are discovered.
type TemplatesConfig struct {
	Root string `yaml:"root"`
}

// WatcherConfig defines the poll loop behavior.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// ApprovalGate controls whether submissions start at awaiting_approval.
	// When false, new jobs enter the queue directly at pending.
	ApprovalGate bool `yaml:"approval_gate"`
	// RecoverOrphans marks this instance's stale processing jobs as failed
	// at startup. Off by default: a crashed run leaves its jobs untouched
	// for an operator to inspect.
	RecoverOrphans bool `yaml:"recover_orphans"`
}

// ExecutorConfig defines how the IaC tool is invoked.
type ExecutorConfig struct {
	Binary string `yaml:"binary"`
	// StageTimeout bounds a single stage (init/plan/apply/output).
	// Zero means no timeout.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	LogTailBytes int           `yaml:"log_tail_bytes"`
}

// IntakeConfig defines the upstream intake API that receives status
// callbacks. Publishing is disabled when BaseURL is empty.
type IntakeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token,omitempty"`
	Publish PublishConfig `yaml:"publish"`
}

// PublishConfig defines status publisher queue and retry settings.
type PublishConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	QueueSize   int `yaml:"queue_size"`
	Workers     int `yaml:"workers"`
}

// APIConfig defines the operator HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
	// NudgeSecret is the HMAC key shared with the intake API for
	// POST /nudge. Empty disables the endpoint.
	NudgeSecret string `yaml:"nudge_secret,omitempty"`
}

// APIAuthConfig defines operator API authentication settings.
type APIAuthConfig struct {
	Token string `yaml:"token"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "groundwork",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Path: "./data/groundwork.db",
		},
		Workspaces: WorkspacesConfig{
			Root:      "./workspaces",
			Retention: 7 * 24 * time.Hour,
		},
		Templates: TemplatesConfig{
			Root: "./templates",
		},
		Watcher: WatcherConfig{
			PollInterval:   5 * time.Second,
			ApprovalGate:   true,
			RecoverOrphans: false,
		},
		Executor: ExecutorConfig{
			Binary:       "terraform",
			StageTimeout: 0,
			LogTailBytes: 64 * 1024,
		},
		Intake: IntakeConfig{
			Publish: PublishConfig{
				MaxAttempts: 5,
				QueueSize:   256,
				Workers:     2,
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
