package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/archive"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/auth"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/curve"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/httpserver"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/metrics"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/rounds"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/service"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/signing"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fl-engine stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build(zap.Fields(zap.String("service", "fl-engine")))
}

func run(cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	signer, err := signing.NewSignerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("signer init: %w", err)
	}
	if ed, ok := signer.(*signing.Ed25519Signer); ok {
		logger.Info("training manifests signed locally",
			zap.String("signer_id", ed.SignerID()),
			zap.String("public_key", base64.StdEncoding.EncodeToString(ed.PublicKey())))
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return fmt.Errorf("kafka publisher init: %w", err)
		}
		publisher = kp
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close publisher", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archiver archive.Archiver = archive.LocalPaths{}
	if cfg.ArchiveBucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
		archiver = s3a
		logger.Info("archiving training results", zap.String("bucket", cfg.ArchiveBucket))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	sim := rounds.New(st, rounds.Config{
		DelayMin:  cfg.RoundDelayMin,
		DelayMax:  cfg.RoundDelayMax,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
	synth := curve.NewSynthesizer(curve.Options{
		EpochPace: cfg.EpochPace,
		MaxDelay:  cfg.MaxTrainDelay,
		Metrics:   m,
		Logger:    logger,
	})
	svc := service.New(st, service.Options{
		Simulator:     sim,
		Synthesizer:   synth,
		Signer:        signer,
		Archiver:      archiver,
		Publisher:     publisher,
		Logger:        logger,
		DefaultRounds: cfg.DefaultRounds,
	})
	server := httpserver.New(svc, httpserver.Options{
		Verifier:          auth.NewVerifier(cfg),
		Gatherer:          reg,
		Logger:            logger,
		RequestTimeout:    httpserver.DefaultRequestTimeout,
		SimulationTimeout: simulationTimeout(cfg),
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fl-engine listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// simulationTimeout covers the largest accepted simulation at the slowest pace.
func simulationTimeout(cfg config.Config) time.Duration {
	return time.Duration(rounds.MaxRounds)*cfg.RoundDelayMax + httpserver.DefaultRequestTimeout
}

// openStore connects to Postgres when a database URL is configured and falls
// back to the in-memory store otherwise.
func openStore(cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return store.NewPGStore(db), func() { _ = db.Close() }, nil
}
