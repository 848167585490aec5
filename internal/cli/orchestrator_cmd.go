package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valua-ai/cockpit/internal/orchestrator"
	"github.com/valua-ai/cockpit/internal/worker"
)

var (
	orchestratorOnce   bool
	orchestratorPollMs int64
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the digest-forwarding orchestrator loop",
	Long: `Drain the orchestrator's inbox: fan TASK_COMPLETE digests out to chat and
the autopilot, and coalesce review-action packets per root task.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, rost, err := openBus(&cfg)
		if err != nil {
			return err
		}

		lock, err := worker.AcquireLock(store.StateDir(), rost.Orchestrator())
		if err != nil {
			return err
		}
		defer lock.Release()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o := orchestrator.New(orchestrator.Options{
			Store:  store,
			Roster: rost,
			Poll:   time.Duration(orchestratorPollMs) * time.Millisecond,
		})
		return o.Run(ctx, orchestratorOnce)
	},
}

func init() {
	orchestratorCmd.Flags().BoolVar(&orchestratorOnce, "once", false, "Drain once and exit")
	orchestratorCmd.Flags().Int64Var(&orchestratorPollMs, "poll-ms", 0, "Inbox poll interval in milliseconds")
	rootCmd.AddCommand(orchestratorCmd)
}
