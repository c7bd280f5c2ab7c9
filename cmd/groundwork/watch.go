package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/groundwork/internal/api"
	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/executor"
	"github.com/mattjoyce/groundwork/internal/gate"
	"github.com/mattjoyce/groundwork/internal/lock"
	"github.com/mattjoyce/groundwork/internal/log"
	"github.com/mattjoyce/groundwork/internal/observability"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/storage"
	"github.com/mattjoyce/groundwork/internal/store"
	"github.com/mattjoyce/groundwork/internal/template"
	"github.com/mattjoyce/groundwork/internal/watcher"
	"github.com/mattjoyce/groundwork/internal/workspace"
)

// runWatch is the daemon verb: it supervises the watcher loop, the
// operator API and the status publisher until a signal arrives.
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
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

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("groundwork starting", "version", version, "config", resolvedPath)

	pidLock, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire pid lock, is another watcher using this store?", "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired pid lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open job store", "error", err, "path", cfg.Store.Path)
		return 1
	}
	defer db.Close()
	logger.Info("job store opened", "path", cfg.Store.Path)

	st := store.New(db)
	hub := events.NewHub(256)

	registry, err := template.Discover(cfg.Templates.Root, templateLogAdapter(logger))
	if err != nil {
		logger.Error("template discovery failed", "error", err, "root", cfg.Templates.Root)
		return 1
	}
	logger.Info("templates discovered", "count", registry.Len(), "kinds", registry.Kinds())

	manager, err := workspace.NewManager(cfg.Workspaces.Root)
	if err != nil {
		logger.Error("failed to prepare workspace root", "error", err)
		return 1
	}
	gen := workspace.NewGenerator(manager, registry, log.WithComponent("workspace"))

	runner := executor.NewRunner(cfg.Executor.Binary, cfg.Executor.StageTimeout, cfg.Executor.LogTailBytes, log.WithComponent("executor"))

	name := watcher.Identity(cfg.Service.Name)
	w := watcher.New(name, st, gen, runner, hub, log.Get(), cfg.Watcher.PollInterval, cfg.Watcher.RecoverOrphans)

	var metrics *observability.Metrics
	var metricsHandler http.Handler
	if cfg.API.Enabled {
		metrics, metricsHandler, err = observability.NewMetrics(ctx)
		if err != nil {
			logger.Error("failed to initialize metrics", "error", err)
			return 1
		}
		w.Metrics = metrics
		runner.Observer = metrics
	}

	var notifier *publish.Notifier
	if cfg.Intake.BaseURL != "" {
		var pubMetrics publish.MetricsRecorder
		if metrics != nil {
			pubMetrics = metrics
		}
		notifier, err = publish.NewNotifier(publish.Config{
			BaseURL:     cfg.Intake.BaseURL,
			Token:       cfg.Intake.Token,
			MaxAttempts: cfg.Intake.Publish.MaxAttempts,
			QueueSize:   cfg.Intake.Publish.QueueSize,
			Workers:     cfg.Intake.Publish.Workers,
		}, log.WithComponent("publish"), pubMetrics)
		if err != nil {
			logger.Error("failed to start status publisher", "error", err)
			return 1
		}
		w.Publisher = notifier
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.Close(drainCtx); err != nil {
				logger.Warn("status publisher did not drain cleanly", "error", err)
			}
		}()
	} else {
		logger.Info("intake base URL not configured, status publishing disabled")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(ctx)
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			Token:       cfg.API.Auth.Token,
			CORSOrigins: cfg.API.CORSOrigins,
			NudgeSecret: cfg.API.NudgeSecret,
		}, api.Runtime{
			ServiceName:   cfg.Service.Name,
			Version:       version,
			WatcherName:   name,
			PollInterval:  cfg.Watcher.PollInterval,
			ApprovalGate:  cfg.Watcher.ApprovalGate,
			WorkspaceRoot: manager.Root(),
			TemplateKinds: registry.Kinds(),
			IntakeBaseURL: cfg.Intake.BaseURL,
		}, st, gate.New(st, log.WithComponent("gate")), hub, log.WithComponent("api"))
		apiServer.Waker = w
		if notifier != nil {
			apiServer.Publisher = notifier
		}
		if metrics != nil {
			apiServer.Metrics = metricsHandler
			apiServer.Requests = metrics
		}
		g.Go(func() error {
			return apiServer.Start(ctx)
		})
	}

	// The publish queue gauge only moves when something samples it.
	if metrics != nil && notifier != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					metrics.RecordPublishQueueSize(ctx, int64(notifier.Stats().QueueDepth))
				}
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("groundwork exited with error", "error", err)
		return 1
	}

	logger.Info("groundwork stopped")
	return 0
}

// runProcessOnce drains the queue a single time. It takes no pid lock:
// claims are atomic, so running alongside a daemon is safe.
func runProcessOnce(args []string) int {
	fs := flag.NewFlagSet("process-once", flag.ContinueOnError)
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

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Debug("process-once starting", "config", resolvedPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open job store", "error", err, "path", cfg.Store.Path)
		return 1
	}
	defer db.Close()

	st := store.New(db)

	registry, err := template.Discover(cfg.Templates.Root, templateLogAdapter(logger))
	if err != nil {
		logger.Error("template discovery failed", "error", err, "root", cfg.Templates.Root)
		return 1
	}

	manager, err := workspace.NewManager(cfg.Workspaces.Root)
	if err != nil {
		logger.Error("failed to prepare workspace root", "error", err)
		return 1
	}
	gen := workspace.NewGenerator(manager, registry, log.WithComponent("workspace"))

	runner := executor.NewRunner(cfg.Executor.Binary, cfg.Executor.StageTimeout, cfg.Executor.LogTailBytes, log.WithComponent("executor"))

	name := watcher.Identity(cfg.Service.Name)
	w := watcher.New(name, st, gen, runner, nil, log.Get(), cfg.Watcher.PollInterval, false)

	if cfg.Intake.BaseURL != "" {
		notifier, err := publish.NewNotifier(publish.Config{
			BaseURL:     cfg.Intake.BaseURL,
			Token:       cfg.Intake.Token,
			MaxAttempts: cfg.Intake.Publish.MaxAttempts,
			QueueSize:   cfg.Intake.Publish.QueueSize,
			Workers:     cfg.Intake.Publish.Workers,
		}, log.WithComponent("publish"), nil)
		if err != nil {
			logger.Error("failed to start status publisher", "error", err)
			return 1
		}
		w.Publisher = notifier
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.Close(drainCtx); err != nil {
				logger.Warn("status publisher did not drain cleanly", "error", err)
			}
		}()
	}

	// ProcessOnce does not recover orphans itself; a one-shot invocation
	// after a crashed daemon still needs them back in the queue.
	if cfg.Watcher.RecoverOrphans {
		n, err := st.RecoverOrphans(ctx, name)
		if err != nil {
			logger.Error("orphan recovery failed", "error", err)
			return 1
		}
		if n > 0 {
			logger.Warn("recovered orphaned jobs", "count", n)
		}
	}

	n, err := w.ProcessOnce(ctx)
	if err != nil {
		logger.Error("claim pass failed", "error", err, "processed", n)
		return 1
	}

	fmt.Printf("processed %d job(s)\n", n)
	return 0
}

// templateLogAdapter bridges template discovery's plain logging callback
// onto slog.
func templateLogAdapter(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	}
}
