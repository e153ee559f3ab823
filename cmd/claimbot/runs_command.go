package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"claimbot/internal/storage"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show finished claim runs from storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(cmd.Context(), func(st storage.Store) error {
				runs, err := st.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show, newest first")
	return cmd
}

func renderRuns(runs []storage.RunRecord) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() && !r.CreatedAt.IsZero() {
			took = r.FinishedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.ProcessID,
			r.Trigger,
			r.Status,
			strconv.Itoa(r.Total),
			strconv.Itoa(r.Completed),
			strconv.Itoa(r.Failed),
			r.CreatedAt.UTC().Format(time.RFC3339),
			took,
		})
	}
	return renderTable(
		[]string{"Process", "Trigger", "Status", "Total", "Completed", "Failed", "Started", "Took"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignRight},
	)
}
