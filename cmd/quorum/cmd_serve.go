package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/delivery"
	"github.com/user/quorum/internal/gateway"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/scheduler"
	"github.com/user/quorum/internal/state"
	"github.com/user/quorum/internal/telegram"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quorum daemon (Telegram bot, HTTP API, scheduler)",
	RunE:  runServe,
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// taskRequest converts a stored task into a gateway request.
func taskRequest(task *state.Task) (*gateway.Request, error) {
	kind, err := gateway.ParseKind(string(task.Kind))
	if err != nil {
		return nil, err
	}
	req := gateway.NewRequest(types.NewLaneKey("task", task.Name), "task", kind, task.Prompt)
	req.Models = task.Models
	if task.Level != "" {
		level, err := models.ParseLevel(task.Level)
		if err != nil {
			return nil, err
		}
		req.Level = level
	}
	return req, nil
}

// logRecoverReport logs the outcome of a background recovery sweep.
func logRecoverReport(report *orchestrator.RecoverReport) {
	for _, r := range report.Recovered {
		slog.Info("recovered research job", "job_id", r.JobID, "model", r.Model.ID, "chars", len(r.Content))
	}
	for _, r := range report.Failed {
		slog.Warn("research job failed", "job_id", r.JobID, "error", r.Err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a := mustApp()
	defer a.close()
	cfg := a.cfg

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(gateway.Config{
		Service:       a.orch,
		Consensus:     a.consensus,
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Stream:        cfg.Research.Stream,
	})
	gw.Start(ctx)
	defer gw.Stop()

	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("file:", delivery.FileHandler)
	deliveryReg.Register("log:", delivery.LogHandler(slog.Default()))

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, a.orch, cfg.Telegram.AllowedChats, slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started", "allowed_chats", len(cfg.Telegram.AllowedChats))
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// runTask executes a task through the gateway and delivers the reply.
	runTask := func(ctx context.Context, task *state.Task) (string, error) {
		req, err := taskRequest(task)
		if err != nil {
			return "", err
		}
		reply, err := gw.Execute(ctx, req)
		if err != nil {
			return reply, err
		}
		if task.Deliver != "" {
			if err := deliveryReg.Deliver(task.Deliver, reply); err != nil {
				slog.Error("task delivery failed", "task", task.Name, "deliver", task.Deliver, "error", err)
			}
		}
		return reply, nil
	}

	taskStore := state.NewTaskStore(cfg.TasksPath())
	sched := scheduler.New(taskStore, func(task *state.Task) {
		if _, err := runTask(ctx, task); err != nil {
			slog.Error("scheduled task failed", "task", task.Name, "error", err)
		}
	}, slog.Default())
	if err := sched.AddJob("checkpoint-purge", cfg.Checkpoint.PurgeSchedule, func() {
		if _, err := a.orch.PurgeCheckpoints(ctx, cfg.Checkpoint.MaxAge.Std()); err != nil {
			slog.Error("checkpoint purge failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.AddJob("checkpoint-recover", cfg.Checkpoint.RecoverSchedule, func() {
		report, err := a.orch.RecoverPending(ctx)
		if err != nil {
			slog.Error("recovery sweep failed", "error", err)
			return
		}
		logRecoverReport(report)
	}); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Jobs left open by a previous run are checked once at startup.
	go func() {
		report, err := a.orch.RecoverPending(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("startup recovery failed", "error", err)
			}
			return
		}
		logRecoverReport(report)
	}()

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = &http.Server{
			Addr: cfg.HTTP.Listen,
			Handler: webhook.NewServer(webhook.Config{
				Service:   a.orch,
				Consensus: a.consensus,
				Results:   a.results,
				Tasks:     taskStore,
				RunTask:   runTask,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	slog.Info("quorum started",
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.MaxConcurrent,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"scheduled_entries", sched.Entries(),
		"pid_file", pidPath,
	)

	shutdown := func() {
		if httpServer != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			httpServer.Shutdown(sctx)
		}
		cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			shutdown()
			gw.Stop()
			a.close()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return err
			}
		}
		slog.Info("shutting down", "signal", sig)
		shutdown()
		return nil
	}
}
