package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keepmind9/botfleet/internal/core"
	"github.com/spf13/cobra"
)

var (
	statusConfigFile string
	statusJSON       bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show botfleet status",
	Long:  "Display the configured bots and their persisted lifecycle status",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(statusConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		repo, closeRepo, err := openRepository(config)
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}
		defer closeRepo()

		ctx := context.Background()
		engine := core.NewEngine(config, core.Options{Repository: repo})
		if err := engine.Seed(ctx); err != nil {
			return err
		}
		summaries, err := engine.Summaries(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			data, err := json.MarshalIndent(summaries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintln(out, "botfleet status:")
		fmt.Fprintf(out, "  - Version: %s\n", Version)
		fmt.Fprintf(out, "  - Database: %s\n", config.Database.Driver)
		fmt.Fprintf(out, "  - Bots: %d\n", len(summaries))
		for _, s := range summaries {
			fmt.Fprintf(out, "    #%d %s [%s] %s", s.ID, s.Name, s.Mode, s.Status)
			if !s.Active {
				fmt.Fprint(out, " (inactive)")
			}
			if s.LastError != "" {
				fmt.Fprintf(out, " last error: %s", s.LastError)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusConfigFile, "config", "c", "config.yaml", "Configuration file path")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
