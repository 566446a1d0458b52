package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"watchbot/internal/app"
	"watchbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m := config.NewManager(cfgPath)
		m.SetValidator(func(_ context.Context, c *config.Config) error { return app.Validate(c) })
		cfg, err := m.Load(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (domain=%s)\n", m.Path(), cfg.Domain())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
