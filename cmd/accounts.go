package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vadiminshakov/orbital/config"
	"github.com/vadiminshakov/orbital/internal/executor"
	"github.com/vadiminshakov/orbital/internal/storage/ledgerdb"
	"go.uber.org/zap"
)

// openStore opens the persistence store for a one-shot command.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ledgerdb.Store, func(), error) {
	exec := executor.New(logger.Named("executor"))
	store := ledgerdb.New(ledgerdb.Config{Path: cfg.Database.File, Table: cfg.Database.Table}, exec, logger)

	closeFn := func() {
		if err := exec.Shutdown(executor.DefaultDrainTimeout, executor.DefaultTerminateTimeout); err != nil {
			logger.Warn("executor shutdown", zap.Error(err))
		}
		_ = store.Close()
	}

	if err := store.Initialize(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}

	return store, closeFn, nil
}

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List stored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			accounts, err := store.ListAccounts().Wait(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTOR\tBALANCE")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\n", acc.ID, acc.Balance)
			}
			fmt.Fprintf(w, "\n%d accounts\n", len(accounts))

			return w.Flush()
		},
	}
}
