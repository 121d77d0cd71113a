package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/plugin"
	"github.com/spf13/cobra"
)

var (
	pluginInput string
	pluginRun   bool
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Work with plugin sources",
}

var pluginCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Compile a plugin file and report diagnostics",
	Long: `Compile a plugin source file offline with the same interpreter and
restrictions the server uses. With --run the plugin is executed once with
--input as the message text.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path := args[0]
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read plugin file: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		class, method, err := plugin.EntryFromSource(string(data))
		if err != nil {
			printDiagnostics(out, err)
			return fmt.Errorf("plugin %s is invalid", name)
		}

		manager := plugin.NewManager(plugin.Options{})
		info, err := manager.CompileAndLoad(ctx, name, plugin.Spec{
			Source:      string(data),
			EntryClass:  class,
			EntryMethod: method,
		})
		if err != nil {
			printDiagnostics(out, err)
			return fmt.Errorf("plugin %s failed to compile", name)
		}
		fmt.Fprintf(out, "✓ Plugin %s compiled (entry: %s, tag: %s)\n", info.Name, info.EntryPoint, info.Tag)

		if !pluginRun {
			return nil
		}
		res := manager.Execute(ctx, name, plugin.Request{Text: pluginInput, Args: strings.Fields(pluginInput)})
		if res.Err != nil {
			fmt.Fprintf(out, "❌ Execution failed after %s: %v\n", res.Elapsed, res.Err)
			return fmt.Errorf("plugin %s failed to run", name)
		}
		fmt.Fprintf(out, "Output (%s):\n%s\n", res.Elapsed, res.Output)
		return nil
	},
}

func printDiagnostics(w io.Writer, err error) {
	fmt.Fprintf(w, "❌ %v\n", err)
	if diags := errs.DiagnosticsOf(err); len(diags) > 0 {
		fmt.Fprintln(w, "\nDiagnostics:")
		for _, d := range diags {
			fmt.Fprintf(w, "  - %s\n", d)
		}
	}
}

func init() {
	pluginCheckCmd.Flags().BoolVar(&pluginRun, "run", false, "Execute the plugin once after compiling")
	pluginCheckCmd.Flags().StringVar(&pluginInput, "input", "", "Message text passed to the plugin with --run")
	pluginCmd.AddCommand(pluginCheckCmd)
}
