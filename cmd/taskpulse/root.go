package main

import (
	"github.com/spf13/cobra"

	"taskpulse/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskpulse",
	Short: "taskpulse runs scheduled tasks and records their executions",
	Long: `taskpulse keeps a catalogue of tasks (one-time, cron or interval), runs each
one when it is due on a bounded worker pool, retries failures and raises
notifications about what happened.

Configuration comes from a YAML or JSON file (--config), TASKPULSE_* environment
variables and the flags below, in increasing order of precedence.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Manager, *config.Config, error) {
	mgr := config.NewManager(cfgFile)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Storage.Path, _ = flags.GetString("db")
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Dispatcher.Workers, _ = flags.GetInt("workers")
	}
	return mgr, cfg, nil
}
