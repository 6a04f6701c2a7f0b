package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/gateway"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/types"
)

func init() {
	rootCmd.AddCommand(recoverCmd, checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsShowCmd, checkpointsPurgeCmd, checkpointsSweepCmd)

	recoverCmd.Flags().Bool("wait", false, "poll until the job finishes")
	recoverCmd.Flags().String("provider", "", "provider family when no checkpoint exists (openai, gemini)")
	recoverCmd.Flags().Bool("json", false, "print the raw result as JSON")
	checkpointsListCmd.Flags().Bool("all", false, "include checkpoints of failed jobs")
	checkpointsPurgeCmd.Flags().Duration("older-than", 0, "purge checkpoints started before this age (default checkpoint.max_age)")
}

var recoverCmd = &cobra.Command{
	Use:   "recover <job-id>",
	Short: "Fetch a deep research result by job id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		wait, _ := cmd.Flags().GetBool("wait")
		provider, _ := cmd.Flags().GetString("provider")
		resp, err := a.orch.RetrieveByJobID(ctx, args[0], orchestrator.RetrieveOptions{
			Wait:       wait,
			OnProgress: progressPrinter,
			Provider:   types.Provider(provider),
		})
		if err != nil {
			return err
		}
		if wait {
			fmt.Fprintln(os.Stderr)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(resp)
		}
		if !resp.OK() && resp.Err.Category == types.ErrPending {
			fmt.Fprintf(os.Stdout, "Job %s is still running. Try again later or pass --wait.\n", args[0])
			return nil
		}
		fmt.Fprintln(os.Stdout, gateway.FormatResponse(resp))
		return nil
	},
}

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"cp"},
	Short:   "Inspect and manage research checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unfinished research jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		all, _ := cmd.Flags().GetBool("all")
		cps, err := a.orch.ListCheckpoints(cmd.Context(), all)
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		if len(cps) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tMODEL\tSTARTED\tCHARS\tSTATE\tTOPIC")
		for _, cp := range cps {
			st := "open"
			if cp.Completed() {
				st = "failed"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				cp.JobID,
				cp.Model,
				cp.StartedAt.Local().Format(time.DateTime),
				len(cp.Content),
				st,
				cp.Topic,
			)
		}
		return w.Flush()
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print a checkpoint's partial output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		cp, err := a.orch.Checkpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "job %s | %s | %s | started %s\n\n",
			cp.JobID, cp.Provider, cp.Model, cp.StartedAt.Local().Format(time.DateTime))
		fmt.Fprintln(os.Stdout, cp.Content)
		return nil
	},
}

var checkpointsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove old checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		maxAge, _ := cmd.Flags().GetDuration("older-than")
		if maxAge == 0 {
			maxAge = a.cfg.Checkpoint.MaxAge.Std()
		}
		n, err := a.orch.PurgeCheckpoints(cmd.Context(), maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Purged %d checkpoint(s) older than %s.\n", n, maxAge)
		return nil
	},
}

var checkpointsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Check every unfinished job once and store completed results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.orch.RecoverPending(ctx)
		if err != nil {
			return err
		}
		for _, r := range report.Recovered {
			fmt.Fprintf(os.Stdout, "recovered %s (%d chars)\n", r.JobID, len(r.Content))
		}
		for _, id := range report.Pending {
			fmt.Fprintf(os.Stdout, "pending   %s\n", id)
		}
		for _, r := range report.Failed {
			fmt.Fprintf(os.Stdout, "failed    %s: %s\n", r.JobID, r.Err)
		}
		return nil
	},
}
