package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/scheduler"
	"github.com/user/quorum/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "question or topic (required)")
	taskAddCmd.Flags().String("kind", "ask", "ask, research or consensus")
	taskAddCmd.Flags().String("level", "", "model level for ask and consensus tasks")
	taskAddCmd.Flags().StringSlice("models", nil, "explicit model ids")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression (empty for webhook-only)")
	taskAddCmd.Flags().String("deliver", "", "delivery key such as telegram:<chat id> or file:<path>")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(cfg.TasksPath())
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		kind, _ := cmd.Flags().GetString("kind")
		level, _ := cmd.Flags().GetString("level")
		ids, _ := cmd.Flags().GetStringSlice("models")
		schedule, _ := cmd.Flags().GetString("schedule")
		deliver, _ := cmd.Flags().GetString("deliver")

		if schedule != "" {
			if err := scheduler.Validate(schedule); err != nil {
				return err
			}
		}
		if level != "" {
			if _, err := models.ParseLevel(level); err != nil {
				return err
			}
		}

		task := &state.Task{
			Name:     name,
			Kind:     state.TaskKind(kind),
			Prompt:   prompt,
			Level:    level,
			Models:   ids,
			Schedule: schedule,
			Deliver:  deliver,
			Enabled:  true,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added.\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tSCHEDULE\tNEXT RUN\tENABLED\tDELIVER")
		now := time.Now()
		for _, t := range tasks {
			next := "-"
			if t.Schedule != "" && t.Enabled {
				if at, err := scheduler.Next(t.Schedule, now); err == nil {
					next = at.Format(time.DateTime)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
				t.Name,
				t.Kind,
				t.Schedule,
				next,
				t.Enabled,
				strings.TrimSpace(t.Deliver),
			)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q enabled.\n", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q disabled.\n", args[0])
		return nil
	},
}
