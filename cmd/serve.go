package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/orbital/config"
	"github.com/vadiminshakov/orbital/internal/cooldown"
	"github.com/vadiminshakov/orbital/internal/events"
	"github.com/vadiminshakov/orbital/internal/events/kafka"
	"github.com/vadiminshakov/orbital/internal/executor"
	"github.com/vadiminshakov/orbital/internal/ledger"
	"github.com/vadiminshakov/orbital/internal/lifecycle"
	"github.com/vadiminshakov/orbital/internal/storage/flushjournal"
	"github.com/vadiminshakov/orbital/internal/storage/ledgerdb"
	"github.com/vadiminshakov/orbital/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownFlushTimeout = 60 * time.Second
	broadcastBuffer      = 256
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, opts.configPath, cfg, logger)
		},
	}
}

func serve(ctx context.Context, configPath string, cfg config.Config, logger *zap.Logger) error {
	exec := executor.New(logger.Named("executor"))

	store := ledgerdb.New(ledgerdb.Config{Path: cfg.Database.File, Table: cfg.Database.Table}, exec, logger)
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		// the daemon keeps running; joins fail until the store is fixed
		logger.Error("persistence store is degraded", zap.Error(err))
	}

	journal, err := flushjournal.Open(cfg.JournalDir(), logger)
	if err != nil {
		return errors.Wrap(err, "open flush journal")
	}
	defer journal.Close()

	broadcaster := events.NewBalanceBroadcaster(broadcastBuffer)
	cache := ledger.New(ledger.WithListener(broadcaster.Publish))
	cooldowns := cooldown.NewTracker()

	coordinator := lifecycle.New(lifecycle.Config{
		StartMoney:       cfg.StartMoney,
		SaveInterval:     cfg.Database.SaveInterval,
		EvictAfter:       cfg.Database.EvictAfter,
		TickInterval:     cfg.Cooldown.Tick,
		EarnTicks:        cfg.Cooldown.EarnTicks,
		DrainTimeout:     executor.DefaultDrainTimeout,
		TerminateTimeout: executor.DefaultTerminateTimeout,
	}, cache, store, cooldowns, exec, logger, lifecycle.WithJournal(journal))

	if n := coordinator.ReportUnsettled(); n > 0 {
		logger.Warn("run `orbital journal replay` while the daemon is stopped to re-apply them", zap.Int("unsettled", n))
	}

	server := web.NewServer(cfg.Web.Addr, coordinator, broadcaster, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	g.Go(func() error {
		if len(cfg.Web.TLSDomains) > 0 {
			return server.StartWithAutoTLS(gctx, cfg.Web.TLSDomains, cfg.Web.CertCache)
		}
		return server.Start(gctx)
	})

	g.Go(func() error {
		return config.AutoSave(gctx, configPath, cfg.ConfigSaveInterval, func() config.Config { return cfg }, logger)
	})

	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
		defer publisher.Close()

		changes := broadcaster.Subscribe()
		g.Go(func() error {
			defer broadcaster.Unsubscribe(changes)
			return publisher.Forward(gctx, changes)
		})
	}

	logger.Info("orbital started",
		zap.String("db", cfg.Database.File),
		zap.String("table", store.Table()),
		zap.String("addr", cfg.Web.Addr))

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		logger.Error("serve loop failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := coordinator.OnShutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("orbital stopped")
	return runErr
}
