package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/tokenex/params"
	"github.com/uhyunpark/tokenex/pkg/api"
	"github.com/uhyunpark/tokenex/pkg/app/exchange"
	"github.com/uhyunpark/tokenex/pkg/app/seed"
	"github.com/uhyunpark/tokenex/pkg/storage"
	"github.com/uhyunpark/tokenex/pkg/stream"
	"github.com/uhyunpark/tokenex/pkg/token"
	"github.com/uhyunpark/tokenex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	// ---- Tokens ----
	tokens := token.NewRegistry()
	for _, ts := range cfg.Node.Tokens {
		t, err := token.New(cfg.Node.Deployer, ts.Name, ts.Symbol, token.DefaultDecimals, ts.Supply)
		if err != nil {
			sugar.Fatalw("token_deploy_failed", "symbol", ts.Symbol, "err", err)
		}
		if err := tokens.Register(t); err != nil {
			sugar.Fatalw("token_register_failed", "symbol", ts.Symbol, "err", err)
		}
		sugar.Infow("token_deployed", "symbol", t.Symbol, "address", t.Address().Hex(), "supply", ts.Supply)
	}

	// ---- Exchange ----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := exchange.New(exchange.Config{
		Custody:    cfg.Exchange.Custody,
		FeeAccount: cfg.Exchange.FeeAccount,
		FeePercent: cfg.Exchange.FeePercent,
	}, tokens,
		exchange.WithLogger(logger),
		exchange.WithMetrics(exchange.NewMetrics(registry)),
	)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	sugar.Infow("exchange_ready",
		"custody", cfg.Exchange.Custody.Hex(),
		"fee_account", cfg.Exchange.FeeAccount.Hex(),
		"fee_percent", cfg.Exchange.FeePercent)

	// ---- Event index ----
	// The exchange starts empty on every boot, so the index does too.
	store, err := storage.OpenEventStore(filepath.Join(cfg.Node.DataDir, "events"))
	if err != nil {
		sugar.Fatalw("event_store_open_failed", "err", err)
	}
	defer store.Close()
	if err := store.Reset(); err != nil {
		sugar.Fatalw("event_store_reset_failed", "err", err)
	}

	// ---- API Server ----
	apiServer := api.NewServer(api.Config{
		CORSOrigins: cfg.Node.CORSOrigins,
		Metrics:     registry,
	}, engine, tokens, store, logger)

	sinks := []exchange.Sink{store, apiServer.Hub()}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := stream.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	dispatcher := exchange.NewDispatcher(engine, logger, sinks...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(ctx, 0)
	})

	g.Go(func() error {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ---- Seed (optional) ----
	// Enable with: ENABLE_SEED=true
	if cfg.Node.EnableSeed {
		g.Go(func() error {
			runSeed(ctx, cfg, engine, tokens, util.RealClock{}, logger)
			return nil
		})
	} else {
		sugar.Info("seed_disabled")
	}

	sugar.Infow("node_started", "tokens", len(cfg.Node.Tokens), "data_dir", cfg.Node.DataDir)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("node_failed", "err", err)
		return
	}
	sugar.Infow("node_stopped", "events", engine.EventCount(), "delivered", dispatcher.Delivered())
}

// runSeed populates the book with demo orders. A seeding failure is logged
// and never stops the node.
func runSeed(ctx context.Context, cfg params.Config, engine *exchange.Engine, tokens *token.Registry, clock util.Clock, logger *zap.Logger) {
	sugar := logger.Sugar()
	seedCfg, err := seedConfig(cfg, tokens)
	if err != nil {
		sugar.Errorw("seed_failed", "err", err)
		return
	}
	report, err := seed.Run(ctx, engine, tokens, seedCfg, clock, logger)
	if err != nil && ctx.Err() == nil {
		sugar.Errorw("seed_failed", "err", err, "orders", report.Orders)
	}
}

// seedConfig trades the first two configured tokens against each other
func seedConfig(cfg params.Config, tokens *token.Registry) (seed.Config, error) {
	if len(cfg.Node.Tokens) < 2 {
		return seed.Config{}, errors.New("seeding needs at least two tokens")
	}
	base, err := tokens.BySymbol(cfg.Node.Tokens[0].Symbol)
	if err != nil {
		return seed.Config{}, err
	}
	quote, err := tokens.BySymbol(cfg.Node.Tokens[1].Symbol)
	if err != nil {
		return seed.Config{}, err
	}
	return seed.DefaultConfig(cfg.Node.Deployer, cfg.Node.SeedTrader, base.Address(), quote.Address()), nil
}
