package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valua-ai/cockpit/internal/worker"
)

var (
	workerAgent      string
	workerOnce       bool
	workerPollMs     int64
	workerEngineBin  string
	workerSkillsRoot string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task-processing worker for one agent",
	Long: `Run one agent's worker loop: poll the agent's inbox, claim tasks with
atomic renames, drive engine turns under the gate chain, and close tasks with
receipts and follow-up dispatch. Exactly one worker per agent may run; a
duplicate exits 0 immediately.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("engine-bin") {
			cfg.EngineBin = workerEngineBin
		}

		store, rost, err := openBus(&cfg)
		if err != nil {
			return err
		}
		agent, err := rost.Agent(workerAgent)
		if err != nil {
			return err
		}

		lock, err := worker.AcquireLock(store.StateDir(), agent.Name)
		if err != nil {
			return err
		}
		defer lock.Release()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := worker.New(worker.Options{
			Store:      store,
			Roster:     rost,
			Agent:      agent,
			Config:     &cfg,
			SkillsRoot: workerSkillsRoot,
			Poll:       time.Duration(workerPollMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		return w.Run(ctx, workerOnce)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerAgent, "agent", "", "Agent name from the roster (required)")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Process one task and exit")
	workerCmd.Flags().Int64Var(&workerPollMs, "poll-ms", 0, "Inbox poll interval in milliseconds")
	workerCmd.Flags().StringVar(&workerEngineBin, "engine-bin", "", "Engine binary path (overrides config)")
	workerCmd.Flags().StringVar(&workerSkillsRoot, "skills-root", "", "Directory holding skill content")
	_ = workerCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(workerCmd)
}
