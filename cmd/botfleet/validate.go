package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keepmind9/botfleet/internal/core"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/spf13/cobra"
)

var (
	validateConfigFile string
	validateShow       bool
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Bots     int      `json:"bots"`
	Commands int      `json:"commands"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate botfleet configuration file",
	Long: `Validate the botfleet configuration file without starting the service.

This command checks:
  - YAML syntax and environment variables
  - Database, webhook and scheduler settings
  - Seed bots and their commands

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := validateConfigFile
		if configFile == "" {
			configFile = findConfigFile()
		}
		if configFile == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "❌ No configuration file found")
			fmt.Fprintln(cmd.OutOrStdout(), "\nSpecify a config file with --config or ensure one exists at:")
			fmt.Fprintln(cmd.OutOrStdout(), "  - ./config.yaml")
			fmt.Fprintln(cmd.OutOrStdout(), "  - ~/.config/botfleet/config.yaml")
			fmt.Fprintln(cmd.OutOrStdout(), "  - /etc/botfleet/config.yaml")
			return fmt.Errorf("no configuration file found")
		}

		result, cfg := validateFile(configFile)
		if validateShow && cfg != nil {
			showConfig(cmd.OutOrStdout(), configFile, cfg)
		}
		outputValidationResult(cmd.OutOrStdout(), result, validateJSON)

		if !result.Valid {
			return fmt.Errorf("configuration is invalid")
		}
		return nil
	},
}

// findConfigFile returns the first existing default config location
func findConfigFile() string {
	for _, loc := range []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/botfleet/config.yaml"),
		"/etc/botfleet/config.yaml",
	} {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// validateFile loads a config file and collects errors and warnings
func validateFile(configFile string) (ValidationResult, *core.Config) {
	cfg, err := core.LoadConfig(configFile)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Config: configFile,
			Errors: []string{err.Error()},
		}, nil
	}

	result := ValidationResult{
		Valid:    true,
		Config:   configFile,
		Bots:     len(cfg.Bots),
		Warnings: validateConfigDetails(cfg),
	}
	for _, b := range cfg.Bots {
		result.Commands += len(b.Commands)
	}
	return result, cfg
}

// validateConfigDetails reports settings that load but are likely mistakes
func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	if len(cfg.Bots) == 0 && cfg.Database.Driver == core.DriverMemory {
		warnings = append(warnings, "No bots configured and the memory repository is empty - nothing will run")
	}

	for _, b := range cfg.Bots {
		for _, c := range b.Commands {
			if c.Handler == store.HandlerAI && !cfg.AI.Enabled() {
				warnings = append(warnings, fmt.Sprintf("Bot '%s' command '%s' uses the AI handler but ai is not configured", b.Name, c.Name))
			}
			if c.Handler == store.HandlerPlugin && cfg.Plugins.Dir != "" {
				if _, err := os.Stat(filepath.Join(cfg.Plugins.Dir, c.Plugin+".go")); err != nil {
					warnings = append(warnings, fmt.Sprintf("Bot '%s' command '%s' uses plugin '%s' which is not in %s", b.Name, c.Name, c.Plugin, cfg.Plugins.Dir))
				}
			}
		}
	}

	if cfg.Scheduler.Disabled {
		warnings = append(warnings, "Scheduler is disabled - scheduled messages will not be delivered")
	}

	return warnings
}

func showConfig(w io.Writer, configFile string, cfg *core.Config) {
	fmt.Fprintf(w, "✓ Configuration loaded: %s\n\n", configFile)
	fmt.Fprintf(w, "Database: %s\n", cfg.Database.Driver)
	fmt.Fprintf(w, "Webhook: %s%s\n", cfg.Webhook.Listen, cfg.Webhook.Path)
	fmt.Fprintf(w, "\nBots (%d):\n", len(cfg.Bots))
	for _, b := range cfg.Bots {
		active := "yes"
		if b.Active != nil && !*b.Active {
			active = "no"
		}
		fmt.Fprintf(w, "  - %s: %s (active: %s, commands: %d)\n", b.Name, b.Mode, active, len(b.Commands))
	}
	fmt.Fprintln(w)
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(w, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(w, string(output))
		return
	}

	if result.Valid {
		fmt.Fprintln(w, "✓ Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Bots configured: %d\n", result.Bots)
		fmt.Fprintf(w, "  - Commands configured: %d\n", result.Commands)
		if len(result.Warnings) > 0 {
			fmt.Fprintln(w, "\n⚠️  Warnings:")
			for _, warning := range result.Warnings {
				fmt.Fprintf(w, "  - %s\n", warning)
			}
		}
		return
	}

	fmt.Fprintln(w, "❌ Configuration validation failed:")
	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, errMsg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", errMsg)
		}
	}
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show full configuration details")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
