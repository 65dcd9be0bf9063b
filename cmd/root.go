package main

import (
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/orbital/config"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "orbital",
		Short:         "Per-actor balance ledger with write-behind SQLite persistence",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to yaml config")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		newServeCmd(opts),
		newSetupCmd(opts),
		newAccountsCmd(opts),
		newJournalCmd(opts),
	)

	return root
}

// load reads the configuration and builds the process logger from it.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}

	return cfg, logger, nil
}
