package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/cmd/kiln/commands"
	"github.com/kilnworks/kiln/logger"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - WASM smart-contract build and deploy orchestrator",
	Long: `Kiln - multi-tenant WASM smart-contract build and deploy orchestrator.

Kiln accepts contract compile and deploy requests over HTTP, runs them as
durable queue-backed jobs, and streams build output to clients over
WebSocket while every line is persisted in the job store.

Available commands:
  serve   - Start the ingress API and socket hub
  work    - Start a worker instance (compile or deploy)
  status  - Show queue, job, and worker status
  keys    - Manage tenant API keys
  version - Show version information

Examples:
  kiln serve                       # Start ingress on the configured port
  kiln work --type compile         # Consume the compile queue
  kiln work --type deploy          # Consume the deploy queue
  kiln status                      # Render live system status
  kiln keys issue alice --tier free`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit machine-readable JSON output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.KeysCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
