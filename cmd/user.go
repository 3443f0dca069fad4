package cmd

import (
	"fmt"

	"github.com/nerdneilsfield/imagegen-billing/internal/auth"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserCreateCmd(), newUserTokenCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var email, username string
	cmd := &cobra.Command{
		Use:          "create",
		Short:        "Create a user and its credit account",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()

			users := storage.NewUserRepository(env.db, storage.NewLedger(env.db, env.logger))
			user, err := users.Create(cmd.Context(), email, username, env.cfg.Credits.InitialBalance)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s) with %d credits\n", user.ID, user.Email, env.cfg.Credits.InitialBalance)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&username, "username", "", "Unique username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newUserTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "token <email>",
		Short:        "Issue an API token for a user",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer env.Close()
			if env.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret is not configured")
			}

			users := storage.NewUserRepository(env.db, storage.NewLedger(env.db, env.logger))
			user, err := users.FindByEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := auth.NewTokenVerifier(env.cfg.Auth.JWTSecret, env.cfg.Auth.CookieName).Issue(auth.Identity{
				UserID:   user.ID,
				Email:    user.Email,
				Username: user.Username,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
