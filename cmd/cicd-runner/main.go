// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/cicderrors"
	"github.com/ridgeline-ci/cicd-runner/internal/config"
	"github.com/ridgeline-ci/cicd-runner/internal/dashboard"
	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/gate"
	"github.com/ridgeline-ci/cicd-runner/internal/httpapi"
	"github.com/ridgeline-ci/cicd-runner/internal/httpserver"
	"github.com/ridgeline-ci/cicd-runner/internal/pipeline"
	"github.com/ridgeline-ci/cicd-runner/internal/ratelimit"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/internal/webhook"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
	"github.com/ridgeline-ci/cicd-runner/lib/process"
	"github.com/ridgeline-ci/cicd-runner/lib/version"
)

// jobQueueCapacity bounds how many admitted-but-not-yet-running jobs
// may sit in the worker queue. A single worker drains it; capacity
// only needs to absorb a push burst, not steady-state throughput.
const jobQueueCapacity = 256

// drainDeadline is how long an in-flight job is given to finish after
// shutdown is requested before its child process tree is force-killed.
const drainDeadline = 60 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	configFlag := flag.String("config", "", "path to the project configuration TOML file (overrides CICD_CONFIG)")
	flag.Parse()

	if showVersion {
		fmt.Printf("cicd-runner %s\n", version.Info())
		return nil
	}

	logger := newLogger(os.Getenv("CICD_LOG"))
	slog.SetDefault(logger)

	configPath := *configFlag
	if configPath == "" {
		configPath = getenvDefault("CICD_CONFIG", "cicd_config.toml")
	}
	bindAddress := getenvDefault("BIND_ADDRESS", "127.0.0.1:8888")
	databasePath := getenvDefault("DATABASE_PATH", "cicd_data.db")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshot, err := config.Load(configPath)
	if err != nil {
		return &cicderrors.ConfigError{Err: err}
	}
	configStore := config.NewStore(logger)
	configStore.Install(snapshot, "startup")

	realClock := clock.Real()

	st, err := store.Open(store.Config{Path: databasePath, Clock: realClock, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.InsertConfigSnapshot(ctx, snapshot.RawTOML, "startup"); err != nil {
		logger.Warn("failed to record startup config snapshot", "error", err)
	}

	limiter := ratelimit.New(realClock)
	bus := eventbus.New()
	execGate := gate.New()
	executor := pipeline.New(st, bus, realClock, logger)

	queue := make(chan workItem, jobQueueCapacity)
	worker := &worker{
		queue:    queue,
		gate:     execGate,
		executor: executor,
		store:    st,
		bus:      bus,
		clock:    realClock,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go worker.run(ctx)

	webhookHandler := webhook.New(configStore, limiter, st, bus,
		func(job *store.Job, project config.Project) { queue <- workItem{job: job, project: project} },
		realClock, logger)

	api := httpapi.New(httpapi.Config{
		Store:       st,
		ConfigStore: configStore,
		Bus:         bus,
		Gate:        execGate,
		ConfigPath:  configPath,
		Clock:       realClock,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", webhookHandler)
	api.Register(mux)
	mux.Handle("/", dashboard.Handler())

	server := httpserver.New(httpserver.Config{
		Address: bindAddress,
		Handler: mux,
		Logger:  logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
		logger.Info("cicd-runner started", "address", server.Addr().String(), "config", configPath, "database", databasePath)
	case err := <-serveErr:
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown requested, draining in-flight job", "deadline", drainDeadline.String())

	select {
	case <-worker.done:
	case <-time.After(drainDeadline):
		logger.Warn("drain deadline exceeded, forcing in-flight job to terminate")
		worker.forceCancel()
		<-worker.done
	}

	return <-serveErr
}

// workItem is one admitted job handed from the webhook handler to the
// worker, carrying the project configuration snapshot that admitted
// it so a concurrent reload cannot change the rules mid-run.
type workItem struct {
	job     *store.Job
	project config.Project
}

// worker drains the job queue one job at a time, holding the
// execution gate for the duration of each job.
type worker struct {
	queue    chan workItem
	gate     *gate.Gate
	executor *pipeline.Executor
	store    *store.Store
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   *slog.Logger
	done     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case item := <-w.queue:
			w.runJob(item)
		}
	}
}

func (w *worker) runJob(item workItem) {
	jobCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}()

	release, err := w.gate.Acquire(jobCtx)
	if err != nil {
		w.logger.Error("worker: gate acquire failed", "job_id", item.job.ID, "error", err)
		return
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: recovered panic running job", "job_id", item.job.ID, "panic", r, "stack", string(debug.Stack()))
			w.failJobAfterPanic(item.job, r)
		}
	}()

	w.executor.Run(jobCtx, item.job, item.project)
}

// failJobAfterPanic finalizes item's job as failed after its pipeline
// run panicked instead of returning normally, so a bug in a single
// step never leaves a job stuck in "running" forever.
func (w *worker) failJobAfterPanic(job *store.Job, panicValue any) {
	ctx := context.Background()

	startedAt := w.clock.Now().UTC()
	if current, err := w.store.GetJob(ctx, job.ID); err == nil && current != nil && current.StartedAt != nil {
		startedAt = *current.StartedAt
	}

	errMsg := fmt.Sprintf("worker panic: %v", panicValue)
	if err := w.store.FinalizeJob(ctx, job.ID, store.JobFailed, startedAt, "", false, errMsg); err != nil {
		w.logger.Error("worker: finalize job after panic failed", "job_id", job.ID, "error", err)
	}

	w.bus.PublishJob(eventbus.JobEvent{
		Type: eventbus.JobFailed, JobID: job.ID, ProjectName: job.ProjectName,
		Branch: job.Branch, Timestamp: w.clock.Now().UTC(),
	})
}

// forceCancel cancels the currently running job's context, if any.
func (w *worker) forceCancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newLogger(levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
