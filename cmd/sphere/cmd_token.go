package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spboyer/agentsphere/internal/auth"
)

func newTokenCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage executor tokens",
	}
	cmd.AddCommand(newTokenIssueCommand(flags))
	return cmd
}

func newTokenIssueCommand(flags *globalFlags) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token a sphere-executor uses to connect for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return errors.New("--user is required")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.Auth.ExecutorSecret, cfg.Auth.ExecutorTokenTTL)
			if err != nil {
				return fmt.Errorf("%w: set auth.executor_secret or SPHERE_AUTH_EXECUTOR_SECRET", err)
			}
			token, claims, err := tokens.Issue(user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "executor %s for user %s, expires %s\n",
				claims.ExecutorID, claims.UserID, claims.ExpiresAt.Time.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User id the executor runs commands for")
	return cmd
}
