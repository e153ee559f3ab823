package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claimbot/internal/claim"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status [processId]",
		Short: "Show active claim jobs, or one job in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg, addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var job claim.Job
				if err := client.do(cmd.Context(), "GET", "/claim-progress/"+args[0], nil, &job); err != nil {
					return err
				}
				fmt.Fprintln(out, renderJobs([]claim.Job{job}))
				fmt.Fprintln(out, renderResults(job.Results))
				return nil
			}

			var resp struct {
				Jobs []claim.Job `json:"jobs"`
			}
			if err := client.do(cmd.Context(), "GET", "/claim-progress", nil, &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "no active claim jobs")
				return nil
			}
			fmt.Fprintln(out, renderJobs(resp.Jobs))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Admin API address (defaults to api.addr)")
	return cmd
}

func renderJobs(jobs []claim.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ProcessID,
			string(j.Trigger),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.Done(), j.TotalUsers),
			strconv.Itoa(j.FailedUsers),
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.Error,
		})
	}
	return renderTable(
		[]string{"Process", "Trigger", "Status", "Done", "Failed", "Created", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func renderResults(results []claim.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		detail := r.Error
		if r.Success() {
			detail = strings.Join(r.Items, ", ")
		}
		rows = append(rows, []string{r.AccountID, r.OwnerID, string(r.Outcome), detail})
	}
	return renderTable([]string{"Account", "Owner", "Outcome", "Detail"}, rows, nil)
}
