package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/relaywatch/internal/api"
	"github.com/triage-ai/relaywatch/internal/collector"
	"github.com/triage-ai/relaywatch/internal/control"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"github.com/triage-ai/relaywatch/internal/resolve/tiers"
	"github.com/triage-ai/relaywatch/internal/server"
	"github.com/triage-ai/relaywatch/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run())
}

// run returns the process exit status: 0 for a clean or degraded run, 1 when
// the control port is unreachable, the subscription drops, or a write fails.
func run() int {
	cfg := loadConfig()

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	sessionID := uuid.NewString()
	startedAt := time.Now().UTC()
	logger = logger.With(zap.String("session_id", sessionID))

	logger.Info("starting relaywatch",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("max_circuits", cfg.MaxCircuits),
		zap.Duration("sink_max_wait", cfg.SinkMaxWait),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Resolution: tiers, cache, coalescer
	chainTiers, closeTiers := buildTiers(cfg, logger)
	defer closeTiers()
	cache := resolve.NewCache(cfg.FailureTTL, cfg.FailureCacheSize)
	chain := resolve.NewChain(chainTiers, cache, logger.Named("resolve"))
	resolver := resolve.NewCoalescer(chain, logger.Named("resolve"))

	// Control port (required)
	ctrl, err := control.Dial(ctx, cfg.ControlAddr, cfg.ControlPassword, logger.Named("control"))
	if err != nil {
		logger.Error("cannot connect to control port", zap.Error(err))
		return 1
	}
	defer func() { _ = ctrl.Close() }()

	// Storage
	writer, err := buildWriter(ctx, cfg, sessionID, startedAt, logger)
	if err != nil {
		logger.Error("cannot open output", zap.Error(err))
		return 1
	}

	var health *server.HealthServer
	opts := collector.Options{
		SessionID:   sessionID,
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxCircuits: cfg.MaxCircuits,
		SinkMaxWait: cfg.SinkMaxWait,
		Logger:      logger,
		Inspector:   chain,
	}
	if cfg.GRPCAddr != "" {
		health = server.NewHealthServer(logger.Named("grpc"))
		opts.OnStateChange = health.SetState
	}
	coll := collector.New(ctrl, resolver, writer, opts)

	// gRPC health server (optional)
	if health != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Error("grpc listen failed", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
			_ = writer.Close()
			return 1
		}
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
		defer health.Stop()
	}

	// HTTP ops server (optional)
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      api.NewRouter(&api.Dependencies{Status: coll, Logger: logger.Named("http")}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	runErr := coll.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		cancelShutdown()
	}

	if runErr != nil {
		logger.Error("collection failed", zap.Error(runErr))
		return 1
	}
	logger.Info("relaywatch stopped")
	return 0
}

// buildTiers assembles the resolution chain in priority order. A tier that
// cannot be set up is skipped and the run continues degraded.
func buildTiers(cfg config, logger *zap.Logger) ([]resolve.Tier, func()) {
	var chain []resolve.Tier
	closeFn := func() {}

	paths := cfg.GeoIPPaths
	if len(paths) == 0 {
		paths = tiers.DefaultGeoIPPaths
	}
	if db, err := tiers.OpenLocalDB(paths, logger); err != nil {
		logger.Warn("local geoip database unavailable", zap.Strings("paths", paths), zap.Error(err))
	} else {
		chain = append(chain, db)
		closeFn = func() { _ = db.Close() }
	}

	if cfg.ASNTablePath != "" {
		if table, err := tiers.OpenRangeTable(cfg.ASNTablePath); err != nil {
			logger.Warn("asn range table unavailable", zap.String("path", cfg.ASNTablePath), zap.Error(err))
		} else {
			logger.Info("asn range table loaded",
				zap.String("path", cfg.ASNTablePath),
				zap.Int("ranges", table.Len()),
				zap.Int("skipped", table.Skipped()),
			)
			chain = append(chain, table)
		}
	}

	if !disabled(cfg.GeoHTTPURL) {
		chain = append(chain, tiers.NewGeoHTTP(tiers.GeoHTTPConfig{
			BaseURL: cfg.GeoHTTPURL,
			Timeout: cfg.GeoHTTPTimeout,
			Spacing: cfg.GeoHTTPSpacing,
			Logger:  logger,
		}))
	}

	switch {
	case cfg.ASNTransport == "dns":
		dnsTier, err := tiers.NewCymruDNS(tiers.DNSConfig{
			Server:  cfg.ASNDNSServer,
			Timeout: cfg.ASNTimeout,
			Spacing: cfg.ASNSpacing,
		})
		if err != nil {
			logger.Warn("asn dns tier unavailable", zap.Error(err))
		} else {
			chain = append(chain, dnsTier)
		}
	case !disabled(cfg.ASNWhoisAddr):
		chain = append(chain, tiers.NewCymruWhois(tiers.WhoisConfig{
			Addr:    cfg.ASNWhoisAddr,
			Timeout: cfg.ASNTimeout,
			Spacing: cfg.ASNSpacing,
		}))
	}

	names := make([]string, len(chain))
	for i, t := range chain {
		names[i] = t.Name()
	}
	if len(chain) == 0 {
		logger.Warn("no resolution tier available, every hop will be UNRESOLVED")
	} else {
		logger.Info("resolution tiers", zap.Strings("order", names))
	}
	return chain, closeFn
}

// buildWriter opens the per-session CSV file plus any configured mirrors.
func buildWriter(ctx context.Context, cfg config, sessionID string, startedAt time.Time, logger *zap.Logger) (storage.RecordWriter, error) {
	path := filepath.Join(cfg.OutputDir, storage.SessionFileName(startedAt, sessionID))
	csvWriter, err := storage.OpenCSV(path)
	if err != nil {
		return nil, err
	}
	logger.Info("writing circuits", zap.String("path", csvWriter.Path()))

	writers := []storage.RecordWriter{csvWriter}
	fail := func(err error) (storage.RecordWriter, error) {
		_ = storage.NewMultiWriter(writers...).Close()
		return nil, err
	}

	if cfg.ClickHouseDSN != "" {
		ch, err := storage.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, sessionID, logger)
		if err != nil {
			return fail(fmt.Errorf("clickhouse: %w", err))
		}
		writers = append(writers, ch)
	}
	if cfg.PostgresDSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.PostgresDSN, sessionID, logger)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		writers = append(writers, pg)
	}
	if cfg.LogRecords {
		writers = append(writers, storage.NewLogWriter(logger.Named("records")))
	}

	if len(writers) == 1 {
		return csvWriter, nil
	}
	return storage.NewMultiWriter(writers...), nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
