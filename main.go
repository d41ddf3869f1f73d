package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/config"
	"multibroker-trading-bot/internal/api"
	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/broker/binance"
	"multibroker-trading-bot/internal/broker/coinbase"
	"multibroker-trading-bot/internal/broker/kraken"
	"multibroker-trading-bot/internal/broker/paper"
	"multibroker-trading-bot/internal/broker/uphold"
	"multibroker-trading-bot/internal/engine"
	"multibroker-trading-bot/internal/events"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/journal"
	"multibroker-trading-bot/internal/market"
	"multibroker-trading-bot/internal/metrics"
	"multibroker-trading-bot/internal/reconcile"
	"multibroker-trading-bot/internal/signal"
	"multibroker-trading-bot/internal/state"
	"multibroker-trading-bot/internal/vault"
)

func main() {
	_ = godotenv.Load()

	log := newLogger()

	cfg, err := config.Load("config/config.json")
	if err != nil {
		log.Fatal().Err(err).Msg("configuration rejected")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	flags, err := features.NewManager(cfg.Paths.FeaturesFile, log)
	if err != nil {
		return fmt.Errorf("feature flags: %w", err)
	}
	mode := flags.Mode()

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	symbol, err := market.ParseSymbol(cfg.Engine.Symbol)
	if err != nil {
		return err
	}
	timeframe, err := market.ParseTimeframe(cfg.Engine.Timeframe)
	if err != nil {
		return err
	}

	adapter, err := buildAdapter(ctx, cfg, mode, symbol, log)
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", adapter.BrokerName(), err)
	}
	defer adapter.Disconnect()
	log.Info().
		Str("broker", adapter.BrokerName()).
		Str("mode", string(mode)).
		Msg("venue connected")

	st, err := state.NewManager(cfg.Paths.DataDir, cfg.Broker.StartingBalance, mode, log)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}

	bus := events.NewBus()

	mets := metrics.New()
	mets.ObserveBus(bus)

	store := market.NewStore(market.StoreConfig{}, log)
	mets.RegisterStoreStats(store.DroppedOutOfOrder, store.CacheInvalidations)

	var patterns signal.PatternStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		patterns = signal.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("pattern store on redis")
	} else {
		patterns = signal.NewMemoryStore()
	}

	telemetry, err := signal.NewDecisionLogger(cfg.Paths.LogsDir, log)
	if err != nil {
		return fmt.Errorf("decision logger: %w", err)
	}
	defer telemetry.Close()

	signals := signal.NewEngine(flags, patterns, telemetry, adapter.BrokerName(), log)

	rec := reconcile.New(adapter, st, symbol, mode, reconcile.DefaultThresholds(), log)
	rec.SetInterval(time.Duration(cfg.Reconcile.IntervalSec) * time.Second)
	rec.OnDrift(func(d reconcile.Drift, action string) {
		bus.PublishDrift(adapter.BrokerName(), string(d.Severity), action, d.BalanceDriftQuote, d.PositionDriftBase)
	})

	jnl, err := journal.Open(ctx, cfg.Journal.DSN, log)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer jnl.Close()
	jnl.ObserveBus(bus)

	if cfg.Server.Enabled {
		server := api.NewServer(api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			JWTSecret:      cfg.Server.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, api.Deps{
			State:      st,
			Reconciler: rec,
			Flags:      flags,
			Bus:        bus,
			Metrics:    mets,
		}, log)
		go func() {
			if err := server.Run(ctx); err != nil {
				log.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	eng, err := engine.New(engine.Config{
		Symbol:        symbol,
		Timeframe:     timeframe,
		BaseOrderSize: cfg.Engine.BaseOrderSize,
		MinConfidence: cfg.Engine.MinConfidence,
		WindowSize:    cfg.Engine.WindowSize,
		Backfill:      cfg.Engine.Backfill,
	}, engine.Deps{
		Adapter:    adapter,
		Store:      store,
		Indicators: indicators.NewEngineWithSize(cfg.Engine.WindowSize),
		Signals:    signals,
		State:      st,
		Reconciler: rec,
		Flags:      flags,
		Patterns:   patterns,
		Bus:        bus,
	}, log)
	if err != nil {
		return err
	}

	return eng.Run(ctx)
}

// buildAdapter selects the venue. Paper, test and backtest modes always get
// the simulated venue regardless of the configured broker.
func buildAdapter(ctx context.Context, cfg *config.Config, mode features.Mode, symbol market.Symbol, log zerolog.Logger) (broker.Adapter, error) {
	if mode != features.ModeLive {
		return paper.New(paper.Config{
			StartingBalance: map[string]float64{symbol.Quote(): cfg.Broker.StartingBalance},
			Symbols:         []market.Symbol{symbol},
		}, log), nil
	}

	creds, err := venueCredentials(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	switch cfg.Broker.Active {
	case "kraken":
		return kraken.New(creds, log), nil
	case "coinbase":
		return coinbase.New(creds, log), nil
	case "binance":
		return binance.New(creds, log), nil
	case "uphold":
		return uphold.New(creds, log), nil
	case "paper":
		return paper.New(paper.Config{
			StartingBalance: map[string]float64{symbol.Quote(): cfg.Broker.StartingBalance},
			Symbols:         []market.Symbol{symbol},
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Active)
	}
}

// venueCredentials prefers Vault, falling back to the config file.
func venueCredentials(ctx context.Context, cfg *config.Config, log zerolog.Logger) (broker.Credentials, error) {
	vc, err := vault.NewClient(vault.Config{
		Enabled:   cfg.Vault.Enabled,
		Address:   cfg.Vault.Address,
		Token:     cfg.Vault.Token,
		MountPath: cfg.Vault.MountPath,
		BasePath:  cfg.Vault.BasePath,
	}, log)
	if err != nil {
		return broker.Credentials{}, err
	}

	creds, ok, err := vc.VenueCredentials(ctx, cfg.Broker.Active)
	if err != nil {
		return broker.Credentials{}, err
	}
	if ok {
		return creds, nil
	}

	fromFile := cfg.Venues[cfg.Broker.Active]
	if fromFile.APIKey == "" && fromFile.RefreshToken == "" {
		return broker.Credentials{}, fmt.Errorf("no credentials for venue %q", cfg.Broker.Active)
	}
	return broker.Credentials{
		APIKey:       fromFile.APIKey,
		APISecret:    fromFile.APISecret,
		RefreshToken: fromFile.RefreshToken,
		ClientID:     fromFile.ClientID,
	}, nil
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && os.Getenv("LOG_LEVEL") != "" {
		level = lvl
	}
	var w = zerolog.MultiLevelWriter(os.Stdout)
	if os.Getenv("LOG_PRETTY") == "true" {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
