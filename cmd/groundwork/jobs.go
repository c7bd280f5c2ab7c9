package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/groundwork/internal/config"
	"github.com/mattjoyce/groundwork/internal/doctor"
	"github.com/mattjoyce/groundwork/internal/gate"
	"github.com/mattjoyce/groundwork/internal/log"
	"github.com/mattjoyce/groundwork/internal/storage"
	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/tui/monitor"
	"github.com/mattjoyce/groundwork/internal/workspace"
)

// statusOrder fixes the lifecycle order for count listings.
var statusOrder = []store.Status{
	store.StatusAwaitingApproval,
	store.StatusPending,
	store.StatusApproved,
	store.StatusProcessing,
	store.StatusCompleted,
	store.StatusFailed,
	store.StatusRejected,
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	kind := fs.String("kind", "", "Resource kind (template directory name)")
	requester := fs.String("requester", "", "Requesting identity")
	action := fs.String("action", "create", "create, update or destroy")
	configFile := fs.String("config-file", "", "JSON file with template variables")
	awaitApproval := fs.Bool("await-approval", false, "Park the job at the approval gate")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *kind == "" || *requester == "" {
		fmt.Fprintln(os.Stderr, "submit requires --kind and --requester")
		return 1
	}

	var jobConfig json.RawMessage
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *configFile, err)
			return 1
		}
		if !json.Valid(data) {
			fmt.Fprintf(os.Stderr, "%s is not valid JSON\n", *configFile)
			return 1
		}
		jobConfig = data
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("warn", cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job store: %v\n", err)
		return 1
	}
	defer db.Close()

	entry := store.StatusPending
	if cfg.Watcher.ApprovalGate || *awaitApproval {
		entry = store.StatusAwaitingApproval
	}

	job, err := store.New(db).Create(ctx, store.NewJob{
		Requester:    *requester,
		ResourceKind: *kind,
		Action:       store.Action(*action),
		Config:       jobConfig,
		Status:       entry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to submit job: %v\n", err)
		return 1
	}

	fmt.Printf("submitted job %s (%s)\n", job.ID, job.Status)
	if job.Status == store.StatusAwaitingApproval {
		fmt.Printf("awaiting approval: groundwork approve %s --by <operator>\n", job.ID)
	} else {
		tryNudge(cfg)
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jobID := fs.String("job", "", "Show one job with its history")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("warn", cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job store: %v\n", err)
		return 1
	}
	defer db.Close()
	st := store.New(db)

	if *jobID != "" {
		return printJob(ctx, st, *jobID, *jsonOut)
	}
	return printCounts(ctx, st, *jsonOut)
}

func printCounts(ctx context.Context, st *store.Store, jsonOut bool) int {
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count jobs: %v\n", err)
		return 1
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	if jsonOut {
		out := struct {
			Counts map[string]int `json:"counts"`
			Total  int            `json:"total"`
		}{Counts: make(map[string]int, len(statusOrder)), Total: total}
		for _, status := range statusOrder {
			out.Counts[string(status)] = counts[status]
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	for _, status := range statusOrder {
		fmt.Printf("%-18s %d\n", status, counts[status])
	}
	fmt.Printf("%-18s %d\n", "total", total)
	return 0
}

type transitionReport struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type jobReport struct {
	ID             string             `json:"id"`
	Requester      string             `json:"requester"`
	ResourceKind   string             `json:"resource_kind"`
	Action         string             `json:"action"`
	Status         string             `json:"status"`
	Config         json.RawMessage    `json:"config,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	Output         json.RawMessage    `json:"output,omitempty"`
	ClaimedBy      *string            `json:"claimed_by,omitempty"`
	WorkspaceDir   *string            `json:"workspace_dir,omitempty"`
	Approver       *string            `json:"approver,omitempty"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty"`
	ApprovalReason *string            `json:"approval_reason,omitempty"`
	History        []transitionReport `json:"history"`
}

func printJob(ctx context.Context, st *store.Store, jobID string, jsonOut bool) int {
	job, err := st.Get(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load job: %v\n", err)
		return 1
	}
	transitions, err := st.Transitions(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load job history: %v\n", err)
		return 1
	}

	if jsonOut {
		report := jobReport{
			ID:             job.ID,
			Requester:      job.Requester,
			ResourceKind:   job.ResourceKind,
			Action:         string(job.Action),
			Status:         string(job.Status),
			Config:         job.Config,
			CreatedAt:      job.CreatedAt,
			UpdatedAt:      job.UpdatedAt,
			StartedAt:      job.StartedAt,
			CompletedAt:    job.CompletedAt,
			ErrorMessage:   job.ErrorMessage,
			Output:         job.Output,
			ClaimedBy:      job.ClaimedBy,
			WorkspaceDir:   job.WorkspaceDir,
			Approver:       job.Approver,
			DecidedAt:      job.DecidedAt,
			ApprovalReason: job.ApprovalReason,
		}
		for _, t := range transitions {
			tr := transitionReport{
				From: string(t.FromStatus),
				To:   string(t.ToStatus),
				At:   t.At,
			}
			if t.Actor != nil {
				tr.Actor = *t.Actor
			}
			if t.Detail != nil {
				tr.Detail = *t.Detail
			}
			report.History = append(report.History, tr)
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Kind:      %s (%s)\n", job.ResourceKind, job.Action)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Requester: %s\n", job.Requester)
	if job.ClaimedBy != nil {
		fmt.Printf("Claimed:   %s\n", *job.ClaimedBy)
	}
	if job.WorkspaceDir != nil {
		fmt.Printf("Workspace: %s\n", *job.WorkspaceDir)
	}
	if job.Approver != nil {
		fmt.Printf("Approver:  %s\n", *job.Approver)
	}
	if job.ApprovalReason != nil {
		fmt.Printf("Reason:    %s\n", *job.ApprovalReason)
	}
	if job.ErrorMessage != nil {
		fmt.Printf("Error:     %s\n", *job.ErrorMessage)
	}
	fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", job.UpdatedAt.Format(time.RFC3339))
	if len(job.Output) > 0 {
		fmt.Printf("Output:    %s\n", string(job.Output))
	}

	if len(transitions) > 0 {
		fmt.Println()
		fmt.Println("History:")
		for _, t := range transitions {
			edge := string(t.ToStatus)
			if t.FromStatus != "" {
				edge = fmt.Sprintf("%s -> %s", t.FromStatus, t.ToStatus)
			}
			line := fmt.Sprintf("  %s  %s", t.At.Format(time.RFC3339), edge)
			if t.Actor != nil && *t.Actor != "" {
				line += "  by " + *t.Actor
			}
			if t.Detail != nil && *t.Detail != "" {
				line += "  (" + *t.Detail + ")"
			}
			fmt.Println(line)
		}
	}
	return 0
}

func runApprove(args []string) int {
	jobID, rest := splitLeadingID(args)

	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	by := fs.String("by", "", "Approving identity")
	hold := fs.Bool("hold", false, "Record the approval but keep the job out of the queue")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: groundwork approve <job_id> --by WHO [--hold]")
		return 1
	}
	if *by == "" {
		fmt.Fprintln(os.Stderr, "approve requires --by")
		return 1
	}

	cfg, g, cleanup, ok := openGate(*configPath)
	if !ok {
		return 1
	}
	defer cleanup()

	ctx := context.Background()

	if *hold {
		job, err := g.ApproveHold(ctx, jobID, *by)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to approve job: %v\n", err)
			return 1
		}
		fmt.Printf("job %s approved and held (release to queue)\n", job.ID)
		return 0
	}

	job, err := g.Approve(ctx, jobID, *by)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to approve job: %v\n", err)
		return 1
	}
	fmt.Printf("job %s approved and queued\n", job.ID)
	tryNudge(cfg)
	return 0
}

func runReject(args []string) int {
	jobID, rest := splitLeadingID(args)

	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	by := fs.String("by", "", "Rejecting identity")
	reason := fs.String("reason", "", "Why the job is rejected (recorded on the job)")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: groundwork reject <job_id> --by WHO --reason TEXT")
		return 1
	}
	if *by == "" || *reason == "" {
		fmt.Fprintln(os.Stderr, "reject requires --by and --reason")
		return 1
	}

	_, g, cleanup, ok := openGate(*configPath)
	if !ok {
		return 1
	}
	defer cleanup()

	job, err := g.Reject(context.Background(), jobID, *by, *reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reject job: %v\n", err)
		return 1
	}
	fmt.Printf("job %s rejected\n", job.ID)
	return 0
}

func runRelease(args []string) int {
	jobID, rest := splitLeadingID(args)

	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	by := fs.String("by", "", "Releasing identity")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: groundwork release <job_id> --by WHO")
		return 1
	}
	if *by == "" {
		fmt.Fprintln(os.Stderr, "release requires --by")
		return 1
	}

	cfg, g, cleanup, ok := openGate(*configPath)
	if !ok {
		return 1
	}
	defer cleanup()

	job, err := g.Release(context.Background(), jobID, *by)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to release job: %v\n", err)
		return 1
	}
	fmt.Printf("job %s queued\n", job.ID)
	tryNudge(cfg)
	return 0
}

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 0, "Age cutoff (default: workspaces.retention)")
	dryRun := fs.Bool("dry-run", false, "List matching workspaces without removing them")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("warn", cfg.Service.LogFormat)

	cutoff := *olderThan
	if cutoff <= 0 {
		cutoff = cfg.Workspaces.Retention
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job store: %v\n", err)
		return 1
	}
	defer db.Close()
	st := store.New(db)

	manager, err := workspace.NewManager(cfg.Workspaces.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open workspace root: %v\n", err)
		return 1
	}

	report, err := manager.Cleanup(ctx, cutoff, workspace.CleanupOptions{
		DryRun: *dryRun,
		Keep: func(jobID string) bool {
			job, err := st.Get(ctx, jobID)
			if err != nil {
				return false
			}
			return !job.Status.Terminal()
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}

	verb := "removed"
	if *dryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d workspace(s) older than %s\n", verb, len(report.Removed), cutoff)
	for _, name := range report.Removed {
		fmt.Printf("  %s\n", name)
	}
	if report.Kept > 0 {
		fmt.Printf("kept %d aged workspace(s) for jobs still in flight\n", report.Kept)
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	strict := fs.Bool("strict", false, "Exit non-zero on warnings too")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate(context.Background())

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Printf("Checked %s\n\n", resolvedPath)
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Operator API URL")
	apiToken := fs.String("api-token", os.Getenv("GROUNDWORK_API_TOKEN"), "Bearer token, only needed behind a proxy")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := monitor.Run(*apiURL, *apiToken); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
		return 1
	}
	return 0
}

// splitLeadingID separates the first non-flag argument from the rest, so
// verbs can take the job id positionally before or between flags.
func splitLeadingID(args []string) (string, []string) {
	id := ""
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if id == "" && !strings.HasPrefix(arg, "-") {
			id = arg
			continue
		}
		rest = append(rest, arg)
	}
	return id, rest
}

// openGate opens the store behind a gate for the one-shot approval verbs.
// The returned cleanup closes the database.
func openGate(configPath string) (*config.Config, *gate.Gate, func(), bool) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, nil, nil, false
	}
	log.Setup("warn", cfg.Service.LogFormat)

	db, err := storage.OpenSQLite(context.Background(), cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job store: %v\n", err)
		return nil, nil, nil, false
	}

	g := gate.New(store.New(db), log.WithComponent("gate"))
	return cfg, g, func() { _ = db.Close() }, true
}

// tryNudge pokes a running watcher so a freshly queued job skips the
// rest of the poll interval. Best effort: no watcher listening is fine.
func tryNudge(cfg *config.Config) {
	if !cfg.API.Enabled || cfg.API.NudgeSecret == "" {
		return
	}

	listen := cfg.API.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}

	body := []byte(`{"source":"cli"}`)
	mac := hmac.New(sha256.New, []byte(cfg.API.NudgeSecret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, "http://"+listen+"/nudge", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Groundwork-Signature", sig)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
