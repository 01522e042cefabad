package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagLevel     string
	flagBackend   string
	flagAgent     string
	flagRailsFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "xferctl",
		Short:         "Drive a one-sided RDMA/fabric transfer between two agents",
		Long:          "xferctl exercises the xfer.Engine backends (rconn, multirail) over a plain TCP bootstrap channel: one side serves a registered buffer, the other pushes bytes into it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to xferctl config file (defaults to ./xferctl.yaml)")
	root.PersistentFlags().StringVar(&flagLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "", "backend override: rconn or multirail")
	root.PersistentFlags().StringVar(&flagAgent, "agent", "", "local agent id override")
	root.PersistentFlags().StringVar(&flagRailsFile, "rails-file", "", "YAML file naming the multirail backend's data rail devices, overriding multirail.data_rails")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPushCmd())

	return root
}

// setupLogger builds the console logger the subcommands share.
func setupLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(w).With().Timestamp().Logger()
}

// loadCmdConfig loads config from disk and applies persistent-flag
// overrides, which take precedence over the file and its env layer.
func loadCmdConfig() (*Config, error) {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLevel != "" {
		cfg.LogLevel = flagLevel
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagAgent != "" {
		cfg.Agent = flagAgent
	}
	if flagRailsFile != "" {
		rf, err := loadRailsFile(flagRailsFile)
		if err != nil {
			return nil, err
		}
		cfg.Multirail.DataRails = strings.Join(rf.DataRails, ",")
	}
	return cfg, nil
}
