package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/audit"
	"github.com/acumenpress/commerce/internal/config"
	"github.com/acumenpress/commerce/internal/engine"
	"github.com/acumenpress/commerce/internal/httpserver"
	"github.com/acumenpress/commerce/internal/ruleloader"
	"github.com/acumenpress/commerce/internal/rules"
	"github.com/acumenpress/commerce/internal/schema"
	"github.com/acumenpress/commerce/internal/store"
)

func main() {
	cfg := config.LoadFromEnv()
	log := newLogger(cfg.LogLevel)

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	var broadcaster rules.Broadcaster
	var kafkaBroadcaster *rules.KafkaBroadcaster
	if len(cfg.KafkaBrokers) > 0 {
		kafkaBroadcaster, err = rules.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka broadcaster")
		}
		defer kafkaBroadcaster.Close()
		broadcaster = kafkaBroadcaster
	}

	repo := rules.NewRepository(st, cfg.CacheTTL, broadcaster, log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if kafkaBroadcaster != nil {
		listener := rules.NewListener(cfg.KafkaBrokers, cfg.KafkaTopic, kafkaBroadcaster.Origin(), repo, log)
		go func() {
			if err := listener.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Error().Err(err).Msg("invalidation listener stopped")
			}
		}()
	}

	validator := schema.NewCachedValidator(st, log)

	registry := engine.NewRegistry()
	processor := engine.NewProcessor(registry, log)
	dispatcher := engine.NewDispatcher(st, processor, registry, log)

	auditWriter := audit.NewWriter(st, cfg.AuditBuffer, log)
	defer auditWriter.Close()

	var archiver audit.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := audit.NewS3Archiver(rootCtx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 archiver")
		}
		archiver = s3Archiver
	}
	retention := audit.NewRetention(st, archiver, cfg.AuditRetentionDays, cfg.AuditSweepSchedule, log)
	if err := retention.Start(); err != nil {
		log.Fatal().Err(err).Msg("audit retention")
	}
	defer retention.Stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(promRegistry)

	eng := engine.New(engine.Config{
		Rules:          repo,
		Validator:      validator,
		Dispatcher:     dispatcher,
		Audit:          auditWriter,
		Metrics:        metrics,
		DefaultCountry: cfg.DefaultCountry,
		Log:            log,
	})

	if cfg.RulesDir != "" {
		loader := ruleloader.New(st, repo, cfg.RulesDir, log)
		if err := loader.LoadAll(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("load rule files")
		}
		go func() {
			if err := loader.Watch(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Error().Err(err).Msg("rule file watcher stopped")
			}
		}()
	}

	server := httpserver.New(eng, st, repo, validator, promRegistry, cfg.JWTSecret, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("rules service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForShutdown(httpServer, cancel, log)
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL unset, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewPGStore(db), func() { db.Close() }, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "rules").Logger()
}

func waitForShutdown(srv *http.Server, cancel context.CancelFunc, log zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
