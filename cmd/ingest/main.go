package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exam-results/internal/config"
	"exam-results/internal/logging"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Operator tools for exam results ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(cfg), newMigrateCmd(cfg))

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("ingest")
		os.Exit(1)
	}
}
