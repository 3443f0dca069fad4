package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create or update the database schema",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", env.cfg.Database.Driver)
			return nil
		},
	}
}
