package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newClaimCommand(ctx *commandContext) *cobra.Command {
	var (
		addr string
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "claim [accountId...]",
		Short: "Start a claim job on the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass either --all or one or more account ids")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg, addr)
			if err != nil {
				return err
			}
			var resp struct {
				ProcessID string `json:"processId"`
			}
			if all {
				err = client.do(cmd.Context(), "POST", "/claim-all", nil, &resp)
			} else {
				err = client.do(cmd.Context(), "POST", "/claim-users", map[string][]string{"userIds": args}, &resp)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ProcessID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Claim for every eligible account")
	cmd.Flags().StringVar(&addr, "addr", "", "Admin API address (defaults to api.addr)")
	return cmd
}
