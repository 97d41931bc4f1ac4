package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trustlines-network/ethindexer/internal/config"
	"github.com/trustlines-network/ethindexer/internal/metrics"
	"github.com/trustlines-network/ethindexer/internal/rpcclient"
	"github.com/trustlines-network/ethindexer/internal/store"
	"github.com/trustlines-network/ethindexer/internal/syncer"
)

var runSyncCmd = &cobra.Command{
	Use:   "runsync",
	Short: "Run the synchronizer loop until killed",
	Args:  cobra.ExactArgs(0),
	RunE:  runRunSync,
}

func runRunSync(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg, err := loadRunSyncConfig(cmd)
	if err != nil {
		return err
	}

	setupLogging(cfg.Logging)
	log.Info().Str("version", version).Str("syncid", cfg.Sync.SyncID).Msg("ethindexer runsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
	}

	syncCfg := syncer.Config{
		SyncID:                cfg.Sync.SyncID,
		MergeWithSyncID:       cfg.Sync.MergeWithSyncID,
		StartBlock:            cfg.Sync.StartBlock,
		BlocksPerRound:        cfg.Sync.BlocksPerRound,
		RequiredConfirmations: cfg.Sync.RequiredConfirmations,
		WaitTime:              cfg.Sync.WaitTime,
	}

	dial := func() (*syncer.Synchronizer, error) {
		client, err := rpcclient.NewClient(cfg.Chain.RPCURL)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(ctx, cfg.Database.DSN)
		if err != nil {
			client.Close()
			return nil, err
		}
		return syncer.New(syncCfg, st, client, m), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncer.RunSupervised(gctx, dial)
	})

	err = g.Wait()
	if err := m.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutting down metrics server")
	}
	if err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("ethindexer shutdown complete")
	return nil
}

// loadRunSyncConfig loads the optional --config YAML file, then layers
// command-line flags and environment variables on top of it: flags win over
// the file, and config.Load's own env-var overrides win over the file too.
func loadRunSyncConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewDefault()
	}

	if dsn, _ := flags.GetString("database-dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	} else if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("ETHINDEXER_DATABASE_DSN")
	}
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database DSN is required: pass --database-dsn, set ETHINDEXER_DATABASE_DSN, or set database.dsn in --config")
	}

	if v, _ := flags.GetString("jsonrpc"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v, _ := flags.GetString("syncid"); v != "" {
		cfg.Sync.SyncID = v
	}
	if v, _ := flags.GetString("merge-with-syncid"); v != "" {
		cfg.Sync.MergeWithSyncID = v
	}
	if v, _ := flags.GetInt64("startblock"); v != 0 {
		cfg.Sync.StartBlock = v
	}
	if v, _ := flags.GetInt64("blocks-per-round"); v != 0 {
		cfg.Sync.BlocksPerRound = v
	}
	if v, _ := flags.GetInt64("required-confirmations"); v != 0 {
		cfg.Sync.RequiredConfirmations = v
	}
	if v, _ := flags.GetDuration("waittime"); v != 0 {
		cfg.Sync.WaitTime = v
	}

	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain RPC URL is required: pass --jsonrpc, set ETHINDEXER_RPC_URL, or set chain.rpc_url in --config")
	}

	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
}
