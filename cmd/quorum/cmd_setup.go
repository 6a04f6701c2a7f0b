package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/quorum/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Quorum Setup Wizard")
		fmt.Println("Press Enter to keep the value shown in brackets. Leave a key empty to skip that provider.")
		fmt.Println()

		if cfg.Providers == nil {
			cfg.Providers = make(map[string]config.ProviderConfig)
		}
		for _, name := range []string{config.OpenAI, config.Gemini, config.Anthropic, config.XAI, config.Perplexity, config.OpenRouter} {
			pc := cfg.Providers[name]
			pc.APIKey = promptSecret(scanner, name+" API key", pc.APIKey)
			cfg.Providers[name] = pc
		}

		cfg.Checkpoint.Backend = prompt(scanner, "Checkpoint backend (file or sqlite)", cfg.Checkpoint.Backend)
		cfg.Research.Stream = promptBool(scanner, "Stream deep research output", cfg.Research.Stream)

		cfg.Telegram.Token = promptSecret(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.HTTP.Enabled = promptBool(scanner, "Enable HTTP API", cfg.HTTP.Enabled)
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// promptSecret is prompt without echoing the current value.
func promptSecret(scanner *bufio.Scanner, label, current string) string {
	if current != "" {
		label += " [set]"
	}
	fmt.Printf("%s: ", label)
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return current
}

func promptBool(scanner *bufio.Scanner, label string, current bool) bool {
	v, err := strconv.ParseBool(prompt(scanner, label+" (true/false)", strconv.FormatBool(current)))
	if err != nil {
		return current
	}
	return v
}
