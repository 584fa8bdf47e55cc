package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/nightlyone/lockfile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"trade-tracker-go/internal/config"
	"trade-tracker-go/internal/database"
	"trade-tracker-go/internal/gateway"
	"trade-tracker-go/internal/logger"
	"trade-tracker-go/internal/models"
	"trade-tracker-go/internal/paper"
	"trade-tracker-go/internal/robinhood"
	"trade-tracker-go/internal/store"
	"trade-tracker-go/internal/trader"
	"trade-tracker-go/internal/tradelog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "trader",
		Short:        "Trade lifecycle tracker for a single crypto symbol",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "./configs", "directory containing config.yml")
	root.AddCommand(newStartCmd(), newStatsCmd())
	return root
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the buy scheduler, pending monitor and exit monitor",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
	flags := cmd.Flags()
	flags.String("symbol", "", "symbol to trade, e.g. DOGE-USD")
	flags.String("quantity", "", "quantity bought per trade")
	flags.Duration("poll-interval", 0, "interval of the pending and exit monitors")
	flags.Bool("dry-run", false, "trade against the paper broker")
	flags.String("store-dir", "", "directory of the trade store and trade log")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print win rate and profit of closed trades",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	cmd.Flags().String("store-dir", "", "directory of the trade store and trade log")
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig(dir, cmd.Flags())
	if err != nil {
		return config.Config{}, fmt.Errorf("could not load config: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Bool("dry_run", cfg.Trading.DryRun))

	// One process per store directory.
	lock, err := acquireLock(cfg.Store.Dir)
	if err != nil {
		log.Error("Failed to lock trade store", zap.Error(err))
		return err
	}
	defer lock.Unlock()

	clock := clockwork.NewRealClock()

	var client robinhood.RestClientInterface
	if cfg.Trading.DryRun {
		client, err = paper.NewBroker(&cfg.Paper, clock, log)
	} else {
		client, err = robinhood.NewRestClient(&cfg.Robinhood, log)
	}
	if err != nil {
		log.Error("Failed to create broker client", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Schedule.BrokerTimeout)
	err = client.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Error("Failed to connect to broker API", zap.Error(err))
		return err
	}
	log.Info("Successfully connected to broker API.")

	st, err := store.Open(cfg.Store.Dir, clock, log)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			log.Error("Trade store is corrupt, refusing to start", zap.Error(err))
		}
		return err
	}

	history, err := openHistory(&cfg, log)
	if err != nil {
		return err
	}

	engine, err := trader.NewEngine(log, &cfg, gateway.New(client, log), st, history, clock)
	if err != nil {
		log.Error("Failed to create trading engine", zap.Error(err))
		return err
	}
	if err := engine.Run(ctx); err != nil {
		return err
	}

	log.Info("Bot has been shut down.")
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var trades []models.ClosedTrade
	if cfg.History.DSN != "" {
		db, err := database.NewDatabase(cfg.History.DSN)
		if err != nil {
			return err
		}
		trades, err = tradelog.LoadHistory(db)
		if err != nil {
			return err
		}
	} else {
		trades, err = tradelog.ReadHistory(cfg.History.Dir)
		if err != nil {
			return err
		}
	}

	stats, err := tradelog.ComputeStatistics(trades, clockwork.NewRealClock().Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func openHistory(cfg *config.Config, log *zap.Logger) (*tradelog.Logger, error) {
	if cfg.History.DSN == "" {
		return tradelog.New(cfg.History.Dir, nil, log)
	}
	db, err := database.NewDatabase(cfg.History.DSN)
	if err != nil {
		log.Error("Failed to open history database", zap.Error(err))
		return nil, err
	}
	log.Info("History database connection successful and schema migrated.")
	return tradelog.New(cfg.History.Dir, db, log)
}

func acquireLock(dir string) (lockfile.Lockfile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	lock, err := lockfile.New(filepath.Join(abs, "trader.lock"))
	if err != nil {
		return "", err
	}
	if err := lock.TryLock(); err != nil {
		return "", fmt.Errorf("store directory %s is in use: %w", abs, err)
	}
	return lock, nil
}
