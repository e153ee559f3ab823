package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claimbot/internal/app"
	"claimbot/internal/claim"
	"claimbot/internal/storage"
	"claimbot/pkg/logx"
)

func (c *commandContext) withStore(ctx context.Context, fn func(storage.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newAccountsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and edit linked accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(cmd.Context(), func(st storage.Store) error {
				accounts, err := st.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAccounts(accounts))
				return nil
			})
		},
	})
	cmd.AddCommand(newAccountsSetCommand(ctx))
	return cmd
}

func newAccountsSetCommand(ctx *commandContext) *cobra.Command {
	var a claim.Account
	cmd := &cobra.Command{
		Use:   "set <accountId>",
		Short: "Create or update a linked account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.AccountID = strings.TrimSpace(args[0])
			a.OwnerID = strings.TrimSpace(a.OwnerID)
			if a.AccountID == "" || a.OwnerID == "" {
				return errors.New("account id and --owner are required")
			}
			return ctx.withStore(cmd.Context(), func(st storage.Store) error {
				if err := st.UpsertAccount(cmd.Context(), a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", a.AccountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.OwnerID, "owner", "", "Owner user id on the chat platform")
	cmd.Flags().StringVar(&a.Username, "username", "", "Display name")
	cmd.Flags().BoolVar(&a.Privileged, "privileged", false, "Also deliver confirmations by direct message")
	cmd.Flags().BoolVar(&a.Blocked, "blocked", false, "Exclude the account from claims")
	return cmd
}

func renderAccounts(accounts []claim.Account) string {
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		last := "-"
		if !a.LastClaimedAt.IsZero() {
			last = a.LastClaimedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			a.AccountID,
			a.OwnerID,
			a.Username,
			strconv.FormatBool(a.Privileged),
			strconv.FormatBool(a.Blocked),
			strconv.Itoa(a.TotalClaims),
			last,
		})
	}
	return renderTable(
		[]string{"Account", "Owner", "Username", "Privileged", "Blocked", "Claims", "Last claimed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
