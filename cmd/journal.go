package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/orbital/internal/lifecycle"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"github.com/vadiminshakov/orbital/internal/storage/ledgerdb"
	"github.com/vadiminshakov/orbital/pkg/retrier"
	"go.uber.org/zap"
)

func newJournalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and replay balance flushes the store never confirmed",
	}

	cmd.AddCommand(newJournalListCmd(opts), newJournalReplayCmd(opts))

	return cmd
}

func newJournalListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unsettled flush intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			journal, err := flushjournal.Open(cfg.JournalDir(), logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			unsettled := journal.Unsettled()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tACTOR\tBALANCE\tSTATUS\tTIME\tERROR")
			for _, intent := range unsettled {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					intent.ID, intent.Actor, intent.Balance, intent.Status, intent.Time.Format(time.RFC3339), intent.Error)
			}
			fmt.Fprintf(w, "\n%d unsettled\n", len(unsettled))

			return w.Flush()
		},
	}
}

func newJournalReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		maxRetries int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Write unsettled flushes back to the store (run with the daemon stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			journal, err := flushjournal.Open(cfg.JournalDir(), logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			store, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			r := retrier.New(
				retrier.WithMaxRetries(maxRetries),
				retrier.WithInitialInterval(interval),
				retrier.WithRetryIf(func(err error) bool {
					return !errors.Is(err, ledgerdb.ErrNotInitialized) && !errors.Is(err, ledgerdb.ErrStatement)
				}),
				retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
					logger.Warn("retrying flush", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
				}),
			)

			result, err := lifecycle.Replay(cmd.Context(), journal, store, r, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d, failed %d\n", len(result.Applied), len(result.Failed))
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d flushes could not be replayed", len(result.Failed))
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&maxRetries, "max-retries", 5, "retries per intent after the first attempt")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "initial backoff interval")

	return cmd
}
