package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/config"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
}

var errNotRunning = errors.New("no running daemon")

// readPID reads the daemon PID and checks the process is alive with
// signal 0.
func readPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w (PID file not found)", errNotRunning)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("%w (process %d not found)", errNotRunning, pid)
	}
	return pid, nil
}

func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := readPID(loadConfig())
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d). Open research jobs keep their checkpoints.\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and checkpoint status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		if pid, err := readPID(a.cfg); err == nil {
			fmt.Fprintf(os.Stdout, "Daemon: running (PID %d)\n", pid)
		} else if errors.Is(err, errNotRunning) {
			fmt.Fprintln(os.Stdout, "Daemon: stopped")
		} else {
			return err
		}

		cps, err := a.orch.ListCheckpoints(cmd.Context(), true)
		if err != nil {
			return err
		}
		open := 0
		for _, cp := range cps {
			if !cp.Completed() {
				open++
			}
		}
		fmt.Fprintf(os.Stdout, "Checkpoints: %d open, %d failed\n", open, len(cps)-open)

		var configured []string
		for _, name := range []string{config.OpenAI, config.Gemini, config.Anthropic, config.XAI, config.Perplexity, config.OpenRouter} {
			if a.cfg.Provider(name).APIKey != "" {
				configured = append(configured, name)
			}
		}
		if len(configured) == 0 {
			fmt.Fprintln(os.Stdout, "Providers: none configured (run quorum setup)")
		} else {
			fmt.Fprintf(os.Stdout, "Providers: %s\n", strings.Join(configured, ", "))
		}
		return nil
	},
}
