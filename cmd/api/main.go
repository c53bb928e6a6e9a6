package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	api "exam-results/internal/api"
	"exam-results/internal/archive"
	"exam-results/internal/config"
	"exam-results/internal/ingest"
	"exam-results/internal/logging"
	"exam-results/internal/ratelimit"
	"exam-results/internal/registry"
	"exam-results/internal/store"
	"exam-results/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, store.Config{
		DSN:             cfg.PostgresDSN,
		MaxConns:        cfg.DBMaxConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	limiter := ratelimit.NewTokenBucket(redisClient, "upload:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("archive: %v", err)
	}

	reg := registry.New(cfg.MaxErrorMessages)
	pool := worker.NewPool(
		worker.WithWorkers(cfg.Workers),
		worker.WithQueueSize(cfg.QueueSize),
		worker.WithLogger(logging.Component("worker")),
	)
	orch := ingest.New(st, reg, pool, archiver, ingest.OptionsFromConfig(cfg))

	server := api.New(orch, reg, limiter, st, cfg.UploadMaxBytes, api.WithTrustedUploaderHeader(cfg.TrustUploaderHeader))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"port":    cfg.HTTPPort,
		"workers": cfg.Workers,
		"batch":   cfg.BatchSize,
		"policy":  cfg.BatchFailurePolicy,
	}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ingestion jobs still running at exit")
	}
}
