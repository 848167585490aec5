// Package cli wires the cockpit command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/worker"
)

// ExitGuardrail is the process exit code for a guardrail block (protected
// branch push and the like). Supervisors treat it as "stop, do not restart".
const ExitGuardrail = 49

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagBusRoot string
	flagRoster  string
)

// rootCmd is the base command for cockpit.
var rootCmd = &cobra.Command{
	Use:   "cockpit",
	Short: "Filesystem message bus and agent workers for engine-driven tasks",
	Long: `Cockpit runs a multi-agent substrate on a plain directory tree: packets are
markdown files with JSON frontmatter, workers claim them with atomic renames,
drive an external engine turn under a gate chain, and close them with durable
receipts and follow-up dispatch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Check env vars for flags not explicitly set on the command line.
		if !cmd.Flags().Changed("verbose") && os.Getenv("COCKPIT_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("COCKPIT_QUIET") != "" {
			flagQuiet = true
		}

		jsonFormat := os.Getenv("COCKPIT_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: COCKPIT_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: COCKPIT_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to cockpit.toml config file")
	rootCmd.PersistentFlags().StringVar(&flagBusRoot, "bus-root", "", "Bus root directory (env: VALUA_AGENT_BUS_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagRoster, "roster", "", "Path to ROSTER.json (default: ./ROSTER.json)")
}

// Execute runs the root command and returns the exit code. Guardrail blocks
// map to ExitGuardrail; a duplicate worker exits 0 by design.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, worker.ErrGuardrail) {
			fmt.Fprintln(os.Stderr, err)
			return ExitGuardrail
		}
		if errors.Is(err, worker.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
