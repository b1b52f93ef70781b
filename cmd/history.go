package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/progress"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "history",
		Short: "Show the most recently processed messages from the journal",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, _, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()

			store, err := openJournal(cfg)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("journal is disabled; set --journal")
			}
			defer store.Close()

			entries, err := store.Recent(c.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				pterm.Info.Println("Journal is empty")
				return nil
			}

			table, err := progress.HistoryTable(entries)
			if err != nil {
				return err
			}
			pterm.Println(table)
			return nil
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show; -1 shows all")
	return c
}
