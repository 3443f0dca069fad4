package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/spf13/cobra"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit accounts",
	}
	cmd.AddCommand(newCreditsBalanceCmd(), newCreditsGrantCmd(), newCreditsHistoryCmd())
	return cmd
}

func newCreditsBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "balance <user-id>",
		Short:        "Show a user's balance",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()

			account, err := storage.NewLedger(env.db, env.logger).GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance: %d\nearned: %d\nspent: %d\n",
				account.Balance, account.TotalEarned, account.TotalSpent)
			return nil
		},
	}
}

func newCreditsGrantCmd() *cobra.Command {
	var description string
	var create bool
	cmd := &cobra.Command{
		Use:          "grant <user-id> <amount>",
		Short:        "Add bonus credits to a user",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()

			ledger := storage.NewLedger(env.db, env.logger)
			if create {
				if _, err := ledger.EnsureAccount(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			if description == "" {
				description = "Manual credit grant"
			}
			res, err := ledger.Add(cmd.Context(), storage.Mutation{
				UserID:      args[0],
				Amount:      amount,
				Type:        storage.TransactionBonus,
				Description: description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits, balance now %d\n", amount, res.Transaction.BalanceAfter)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Ledger description")
	cmd.Flags().BoolVar(&create, "create-account", false, "Create an empty account first if the user has none")
	return cmd
}

func newCreditsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "history <user-id>",
		Short:        "List a user's ledger entries, newest first",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()

			entries, err := storage.NewLedger(env.db, env.logger).Transactions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tBALANCE\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Amount, e.BalanceAfter, e.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	return cmd
}
