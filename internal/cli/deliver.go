package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valua-ai/cockpit/internal/bus"
)

var (
	deliverTo       []string
	deliverFrom     string
	deliverKind     string
	deliverTitle    string
	deliverPriority string
	deliverID       string
	deliverRootID   string
	deliverParentID string
	deliverPhase    string
	deliverSmoke    bool
	deliverBody     string
	deliverBodyFile string
	deliverDryRun   bool
)

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver a packet to one or more agent inboxes",
	Long: `Seed the bus by hand: build a packet from flags and deliver it atomically
to each recipient's inbox/new/. With --dry-run the encoded packet is printed
to stdout and nothing is written.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := deliverBody
		if deliverBodyFile != "" {
			data, err := os.ReadFile(deliverBodyFile)
			if err != nil {
				return fmt.Errorf("reading body file: %w", err)
			}
			body = string(data)
		}

		id := deliverID
		if id == "" {
			id = "task-" + uuid.NewString()[:8]
		}
		meta := bus.Meta{
			ID:       id,
			To:       deliverTo,
			From:     deliverFrom,
			Priority: deliverPriority,
			Title:    deliverTitle,
			Signals: bus.Signals{
				Kind:     deliverKind,
				Phase:    deliverPhase,
				RootID:   deliverRootID,
				ParentID: deliverParentID,
				Smoke:    deliverSmoke,
			},
		}

		if deliverDryRun {
			encoded, err := bus.EncodePacket(meta, body)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(encoded)
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openBus(&cfg)
		if err != nil {
			return err
		}
		res, err := store.Deliver(meta, body)
		if err != nil {
			return err
		}
		for _, agent := range res.Recipients {
			fmt.Println(store.PacketPath(agent, bus.StateNew, meta.ID))
		}
		if len(res.ScanHits) > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d destructive-pattern hit(s) in body\n", len(res.ScanHits))
		}
		return nil
	},
}

func init() {
	deliverCmd.Flags().StringSliceVar(&deliverTo, "to", nil, "Recipient agent name(s) (required)")
	deliverCmd.Flags().StringVar(&deliverFrom, "from", "operator", "Sender name")
	deliverCmd.Flags().StringVar(&deliverKind, "kind", string(bus.KindUserRequest), "Signal kind")
	deliverCmd.Flags().StringVar(&deliverTitle, "title", "", "Packet title (required)")
	deliverCmd.Flags().StringVar(&deliverPriority, "priority", "P2", "Priority (P0..P3)")
	deliverCmd.Flags().StringVar(&deliverID, "id", "", "Explicit packet id (default: generated)")
	deliverCmd.Flags().StringVar(&deliverRootID, "root-id", "", "Root task lineage id")
	deliverCmd.Flags().StringVar(&deliverParentID, "parent-id", "", "Parent task id")
	deliverCmd.Flags().StringVar(&deliverPhase, "phase", "", "Workflow phase hint")
	deliverCmd.Flags().BoolVar(&deliverSmoke, "smoke", false, "Mark as a smoke-test packet")
	deliverCmd.Flags().StringVar(&deliverBody, "body", "", "Packet body text")
	deliverCmd.Flags().StringVar(&deliverBodyFile, "body-file", "", "Read the packet body from a file")
	deliverCmd.Flags().BoolVar(&deliverDryRun, "dry-run", false, "Print the encoded packet instead of delivering")
	_ = deliverCmd.MarkFlagRequired("to")
	_ = deliverCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(deliverCmd)
}
