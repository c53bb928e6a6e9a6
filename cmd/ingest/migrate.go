package main

import (
	"github.com/spf13/cobra"

	"exam-results/internal/config"
	"exam-results/internal/store"
)

func newMigrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(cmd.Context(), store.Config{DSN: cfg.PostgresDSN, MaxConns: 1})
			if err != nil {
				return err
			}
			defer st.Close()
			return st.RunMigrations(cmd.Context())
		},
	}
}
