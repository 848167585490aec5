package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/valua-ai/cockpit/internal/bus"
)

var flagStatusPeek bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize inbox and receipt state per agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, rost, err := openBus(&cfg)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tNEW\tSEEN\tIN_PROGRESS\tPROCESSED\tLAST_OUTCOME")
		for _, name := range rost.Names() {
			counts := make(map[bus.State]int, len(bus.States))
			for _, st := range bus.States {
				ids, err := store.ListState(name, st)
				if err != nil {
					return err
				}
				counts[st] = len(ids)
			}
			last := "-"
			if r, err := store.LatestReceipt(name); err == nil && r != nil {
				last = string(r.Outcome)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", name,
				counts[bus.StateNew], counts[bus.StateSeen],
				counts[bus.StateInProgress], counts[bus.StateProcessed], last)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if flagStatusPeek {
			return peekInboxes(store, rost.Names())
		}
		return nil
	},
}

// peekInboxes lists every waiting packet and marks it seen, so a later peek
// distinguishes already-inspected work from fresh arrivals.
func peekInboxes(store *bus.Store, agents []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nAGENT\tID\tKIND\tPRIORITY\tTITLE")
	for _, name := range agents {
		refs, err := store.ListNew(name)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			pkt, _, err := store.Open(name, ref.ID, true)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name,
				pkt.Meta.ID, pkt.Meta.Signals.Kind, pkt.Meta.Priority, pkt.Meta.Title)
		}
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusPeek, "peek", false,
		"list waiting packets per agent (marks them seen)")
	rootCmd.AddCommand(statusCmd)
}
