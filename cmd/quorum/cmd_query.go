package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/gateway"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/types"
)

func init() {
	rootCmd.AddCommand(askCmd, researchCmd, compareCmd, consensusCmd)

	for _, c := range []*cobra.Command{askCmd, researchCmd, compareCmd, consensusCmd} {
		c.Flags().StringSlice("context-url", nil, "fetch URL and include it as background material (repeatable)")
		c.Flags().Bool("json", false, "print the raw result as JSON")
	}
	for _, c := range []*cobra.Command{askCmd, researchCmd} {
		c.Flags().String("model", "", "model id, overriding level selection")
		c.Flags().Bool("no-stream", false, "poll instead of streaming output")
	}
	askCmd.Flags().String("level", "standard", "quick, standard, research, deep or consensus")
	compareCmd.Flags().StringSlice("models", nil, "model ids to compare (at least two)")
	_ = compareCmd.MarkFlagRequired("models")
	consensusCmd.Flags().String("level", "consensus", "level used to pick models when --models is empty")
	consensusCmd.Flags().StringSlice("models", nil, "model ids to consult")
	consensusCmd.Flags().Bool("no-synthesis", false, "concatenate answers instead of synthesizing")
}

// signalContext is cancelled on SIGINT or SIGTERM. Interrupted research
// jobs keep their checkpoints for `quorum recover`.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func progressPrinter(p poll.Progress) {
	if p.Err != nil {
		fmt.Fprintf(os.Stderr, "\r[%s] poll %d/%d failed: %v\n", p.JobID, p.Attempt, p.MaxAttempts, p.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "\r[%s] %s (%s elapsed, poll %d/%d)", p.JobID, p.Status, p.Elapsed.Round(time.Second), p.Attempt, p.MaxAttempts)
}

func queryOptions(cmd *cobra.Command, a *app, streamed *bool) orchestrator.Options {
	urls, _ := cmd.Flags().GetStringSlice("context-url")
	asJSON, _ := cmd.Flags().GetBool("json")
	opts := orchestrator.Options{ContextURLs: urls, OnProgress: progressPrinter}
	if cmd.Flags().Lookup("model") != nil {
		opts.Model, _ = cmd.Flags().GetString("model")
		noStream, _ := cmd.Flags().GetBool("no-stream")
		opts.Stream = a.cfg.Research.Stream && !noStream
	}
	if opts.Stream && !asJSON {
		opts.OnToken = func(s string) {
			*streamed = true
			fmt.Fprint(os.Stdout, s)
		}
	}
	return opts
}

// printResponse writes a single answer. Streamed content is already on
// stdout, so only the footer follows it.
func printResponse(cmd *cobra.Command, resp *types.ModelResponse, streamed bool) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(resp)
	}
	if streamed {
		fmt.Fprintln(os.Stdout)
		if resp.OK() {
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(gateway.FormatResponse(&types.ModelResponse{
				Model: resp.Model, Usage: resp.Usage, Duration: resp.Duration, Citations: resp.Citations,
			}), "\n\n"))
		}
	} else {
		fmt.Fprintln(os.Stdout, gateway.FormatResponse(resp))
	}
	if !resp.OK() {
		if resp.JobID != "" && streamed {
			fmt.Fprintf(os.Stderr, "%s failed: %s\nRecover later with: quorum recover %s\n", resp.Model.Name(), resp.Err, resp.JobID)
		}
		return fmt.Errorf("%s", resp.Err.Category)
	}
	return nil
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one model, chosen by level or --model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		levelName, _ := cmd.Flags().GetString("level")
		level, err := models.ParseLevel(levelName)
		if err != nil {
			return err
		}
		var streamed bool
		resp, err := a.orch.Ask(ctx, strings.Join(args, " "), level, queryOptions(cmd, a, &streamed))
		if err != nil {
			return err
		}
		return printResponse(cmd, resp, streamed)
	},
}

var researchCmd = &cobra.Command{
	Use:   "research <topic>",
	Short: "Run a deep research job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		var streamed bool
		resp, err := a.orch.Research(ctx, strings.Join(args, " "), queryOptions(cmd, a, &streamed))
		if err != nil {
			return err
		}
		return printResponse(cmd, resp, streamed)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <question>",
	Short: "Ask several models the same question side by side",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringSlice("models")
		if len(ids) < 2 {
			return fmt.Errorf("compare needs at least two --models")
		}
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		var streamed bool
		resps, err := a.orch.Compare(ctx, strings.Join(args, " "), ids, queryOptions(cmd, a, &streamed))
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(resps)
		}
		fmt.Fprintln(os.Stdout, gateway.FormatResponses(resps))
		return nil
	},
}

var consensusCmd = &cobra.Command{
	Use:   "consensus <question>",
	Short: "Ask several models and synthesize their answers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		ctx, cancel := signalContext()
		defer cancel()

		ids, _ := cmd.Flags().GetStringSlice("models")
		levelName, _ := cmd.Flags().GetString("level")
		level, err := models.ParseLevel(levelName)
		if err != nil {
			return err
		}
		noSynth, _ := cmd.Flags().GetBool("no-synthesis")
		urls, _ := cmd.Flags().GetStringSlice("context-url")

		result, err := a.consensus.Run(ctx, consensus.Request{
			Question:   strings.Join(args, " "),
			ModelIDs:   ids,
			Level:      level,
			Synthesize: !noSynth,
			OnModelComplete: func(r *types.ModelResponse) {
				status := "done"
				if !r.OK() {
					status = string(r.Err.Category)
				}
				fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", r.Model.Name(), status, r.Duration.Round(time.Second))
			},
			Options: orchestrator.Options{ContextURLs: urls},
		})
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(result)
		}
		fmt.Fprintln(os.Stdout, gateway.FormatConsensus(result))
		return nil
	},
}
