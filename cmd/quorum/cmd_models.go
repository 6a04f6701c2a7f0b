package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/types"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().String("level", "", "only show models for this level")
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models and whether their provider is configured",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		var list []types.Model
		if name, _ := cmd.Flags().GetString("level"); name != "" {
			level, err := models.ParseLevel(name)
			if err != nil {
				return err
			}
			list = a.registry.ForLevel(level)
		} else {
			list = a.registry.All()
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tPROVIDER\tTIER\tDEEP RESEARCH\tIN $/1M\tOUT $/1M\tAVAILABLE")
		for _, m := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%.2f\t%.2f\t%v\n",
				m.ID, m.Provider, m.Tier, m.DeepResearch, m.InputPrice, m.OutputPrice,
				a.registry.Available(m.Provider))
		}
		return w.Flush()
	},
}
