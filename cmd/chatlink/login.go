package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an access token and print it",
	Long:  "Logs in with the configured credentials and prints the access token followed by its expiry.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		tokens, err := newTokenSource(cfg, logger)
		if err != nil {
			return err
		}
		token, err := tokens.Token(cmd.Context())
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, token)
		if exp := tokens.Expiry(); !exp.IsZero() {
			fmt.Fprintf(out, "expires %s (in %s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
		}
		return nil
	},
}
