package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rentalescrow/config"
	"rentalescrow/core/events"
	nhbstate "rentalescrow/core/state"
	"rentalescrow/native/bank"
	"rentalescrow/native/nft"
	"rentalescrow/native/rental"
	"rentalescrow/observability/logging"
	telemetry "rentalescrow/observability/otel"
	"rentalescrow/rpc"
	"rentalescrow/services/journal"
	"rentalescrow/storage"
)

const serviceName = "rentald"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("RENTAL_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logOpts := []logging.Option{logging.WithLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger := logging.Setup(serviceName, env, logOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	db, err := storage.Open(cfg.StorageBackend, storagePath(cfg))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	state := nhbstate.NewManager(db)
	ledger := bank.NewLedger(state)
	registry := nft.NewRegistry(state)

	applied, err := applyGenesis(state, ledger, registry, cfg)
	if err != nil {
		logger.Error("Failed to apply genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}
	if applied {
		logger.Info("Applied genesis allocations",
			slog.Int("allocations", len(cfg.Allocations)),
			slog.Int("assets", len(cfg.Assets)))
	}

	var store *journal.Journal
	stream := rpc.NewEventStream()
	emitters := events.MultiEmitter{logEmitter{logger: logger}, stream}
	if cfg.Journal.Driver != "" {
		gdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			logger.Error("Failed to open event journal", slog.Any("error", err))
			os.Exit(1)
		}
		store, err = journal.New(gdb, logger)
		if err != nil {
			logger.Error("Failed to migrate event journal", slog.Any("error", err))
			os.Exit(1)
		}
		emitters = append(emitters, store)
	}

	engine := rental.NewEngine()
	engine.SetState(state)
	engine.SetAssetCustody(registry)
	engine.SetValueLedger(ledger)
	engine.SetEmitter(emitters)

	server, err := rpc.NewServer(rpc.Deps{
		State:    state,
		Engine:   engine,
		Ledger:   ledger,
		Registry: registry,
		Journal:  store,
		Events:   stream,
	}, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		DevMode: cfg.DevMode,
	}, logger)
	if err != nil {
		logger.Error("Failed to build RPC server", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.DevMode {
		logger.Warn("DevMode enabled: bank_credit and nft_mint are exposed")
	}

	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func storagePath(cfg *config.Config) string {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "bolt", "bbolt":
		return filepath.Join(cfg.DataDir, "state.db")
	default:
		return filepath.Join(cfg.DataDir, "state")
	}
}

// logEmitter mirrors every escrow event into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if l.logger == nil || evt == nil {
		return
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		data := payload.Event().Attributes
		attrs = append(attrs,
			slog.String("agreement", data["id"]),
			slog.String("status", data["status"]))
	}
	l.logger.Info("rental event", attrs...)
}
