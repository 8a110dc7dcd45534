package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskpulse/internal/logging"
	"taskpulse/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
			return err
		}
		r, err := cfg.Resolve()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Storage.Path, r.BusyTimeout)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
		log.Info().Str("db", cfg.Storage.Path).Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
