package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history REQUEST_ID",
		Short: "Show the audit trail of a request",
		Long: `Show every recorded lifecycle change of a request, oldest first, with the
actor that caused it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalOrch == nil || globalStore == nil {
				return fmt.Errorf("components not initialized")
			}

			req, err := globalOrch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := globalStore.ListEvents(cmd.Context(), req.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}

			t := newTable("TIME", "FROM", "TO", "ACTOR", "NOTE")
			for _, ev := range events {
				from := string(ev.From)
				if from == "" {
					from = "-"
				}
				t.Row(
					ev.At.Local().Format("2006-01-02 15:04:05"),
					from,
					renderStatus(ev.To),
					ev.Actor,
					ev.Note,
				)
			}
			fmt.Fprintln(out, titleStyle.Render("History of "+req.ID))
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
}
