package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/groundwork/internal/config"
)

var (
	version   = "0.3.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "process-once":
		if hasHelpFlag(args) {
			printProcessOnceHelp()
			return 0
		}
		return runProcessOnce(args)
	case "submit":
		if hasHelpFlag(args) {
			printSubmitHelp()
			return 0
		}
		return runSubmit(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "approve":
		if hasHelpFlag(args) {
			printApproveHelp()
			return 0
		}
		return runApprove(args)
	case "reject":
		if hasHelpFlag(args) {
			printRejectHelp()
			return 0
		}
		return runReject(args)
	case "release":
		if hasHelpFlag(args) {
			printReleaseHelp()
			return 0
		}
		return runRelease(args)
	case "cleanup":
		if hasHelpFlag(args) {
			printCleanupHelp()
			return 0
		}
		return runCleanup(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: groundwork version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("groundwork %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`groundwork - job queue watcher and provisioning orchestrator

Usage:
  groundwork <command> [flags]

Daemon:
  watch             Run the watcher in the foreground
  process-once      Drain pending jobs once and exit

Jobs:
  submit            Insert a job directly into the store
  status            Show job counts, or one job with its history
  approve <id>      Approve an awaiting job (--hold keeps it out of the queue)
  reject <id>       Reject an awaiting job (reason required)
  release <id>      Queue a held job

Maintenance:
  cleanup           Sweep aged workspace bundles
  doctor            Validate the environment the config points at
  monitor           Live TUI over a running watcher's operator API

General:
  version           Show version information
  help              Show this help message

Use 'groundwork <command> --help' for command-specific flags.
`)
}

func printWatchHelp() {
	fmt.Println("Usage: groundwork watch [--config PATH]")
	fmt.Println("Run the watcher in the foreground: poll for pending jobs, generate")
	fmt.Println("workspace bundles and provision them until interrupted.")
}

func printProcessOnceHelp() {
	fmt.Println("Usage: groundwork process-once [--config PATH]")
	fmt.Println("Claim and process the currently pending jobs, then exit.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Queue drained (including an already-empty queue)")
	fmt.Println("  1  A claim pass failed")
}

func printSubmitHelp() {
	fmt.Println("Usage: groundwork submit --kind KIND --requester WHO [flags]")
	fmt.Println("Insert a job directly into the store, bypassing the intake API.")
	fmt.Println("")
	fmt.Println("Flags:")
	fmt.Println("  --kind KIND           Resource kind (must match a template directory)")
	fmt.Println("  --requester WHO       Requesting identity, recorded on the job")
	fmt.Println("  --action ACTION       create, update or destroy (default: create)")
	fmt.Println("  --config-file FILE    JSON file with the template variables")
	fmt.Println("  --await-approval      Park the job at the approval gate even when")
	fmt.Println("                        the gate is disabled in the config")
	fmt.Println("  --config PATH         Path to configuration file")
}

func printStatusHelp() {
	fmt.Println("Usage: groundwork status [--job ID] [--json] [--config PATH]")
	fmt.Println("Without --job: per-status job counts. With --job: the job's fields")
	fmt.Println("and its full transition history.")
}

func printApproveHelp() {
	fmt.Println("Usage: groundwork approve <job_id> --by WHO [--hold] [--config PATH]")
	fmt.Println("Approve an awaiting job. --hold records the approval but keeps the")
	fmt.Println("job out of the queue until an explicit release.")
}

func printRejectHelp() {
	fmt.Println("Usage: groundwork reject <job_id> --by WHO --reason TEXT [--config PATH]")
	fmt.Println("Reject an awaiting job. The reason is recorded on the job and")
	fmt.Println("reported back to the requester.")
}

func printReleaseHelp() {
	fmt.Println("Usage: groundwork release <job_id> --by WHO [--config PATH]")
	fmt.Println("Queue a job that was approved with --hold.")
}

func printCleanupHelp() {
	fmt.Println("Usage: groundwork cleanup [--older-than DUR] [--dry-run] [--config PATH]")
	fmt.Println("Remove workspace bundles older than the cutoff (default: the")
	fmt.Println("workspaces.retention setting). Bundles of jobs that are still in")
	fmt.Println("flight survive the sweep regardless of age.")
}

func printDoctorHelp() {
	fmt.Println("Usage: groundwork doctor [--json] [--strict] [--config PATH]")
	fmt.Println("Validate the environment the configuration points at: store,")
	fmt.Println("workspaces, templates, executor binary, intake and API settings.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Environment valid")
	fmt.Println("  1  One or more checks failed")
	fmt.Println("  2  Warnings present and --strict was set")
}

func printMonitorHelp() {
	fmt.Println("Usage: groundwork monitor [--api-url URL] [--api-token TOKEN]")
	fmt.Println()
	fmt.Println("Live TUI over a running watcher's operator API. Shows watcher")
	fmt.Println("health, a job board and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL      Operator API URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --api-token TOKEN  Bearer token (or GROUNDWORK_API_TOKEN env var);")
	fmt.Println("                     only needed when a proxy guards the read routes")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C          Quit")
	fmt.Println("  ↑/↓, k/j           Select job")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig resolves the config path (discovering one when empty) and
// loads it.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// pidLockPath derives the watcher lock file from the store path, so two
// watchers sharing a store on one host cannot both run.
func pidLockPath(cfg *config.Config) string {
	dbPath := cfg.Store.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(dbDir, dbBase[:len(dbBase)-len(ext)]+".pid")
}
