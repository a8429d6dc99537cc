package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	api "file-converter/internal/api"
	"file-converter/internal/config"
	"file-converter/internal/events"
	"file-converter/internal/lifecycle"
	"file-converter/internal/ratelimit"
	"file-converter/internal/seed"
	"file-converter/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "err", err)
	}
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).With("env", cfg.Env)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fx, err := seed.Load(cfg.SeedDir)
	if err != nil {
		logger.Error("load seed fixture", "err", err)
		os.Exit(1)
	}
	schedule, err := worker.NewSchedule(cfg.CheckpointDelays)
	if err != nil {
		logger.Error("checkpoint schedule", "err", err)
		os.Exit(1)
	}

	seedRand := time.Now().UnixNano()
	stages := worker.CatalogStages(fx.Formats,
		worker.NewSimulator(cfg.FailureRate, seedRand).Stage,
		worker.NewSimulator(cfg.ImageFailureRate, seedRand+1).Stage,
	)

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithSchedule(schedule),
		lifecycle.WithCatalog(seed.NewCatalog(fx.Formats)),
		lifecycle.WithStage(stages.Run),
	}

	var (
		limiter    *ratelimit.TokenBucket
		publishers events.Multi
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("connect redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.EventsChannel))
		logger.Info("redis enabled", "addr", cfg.RedisAddr, "events_channel", cfg.EventsChannel)
	}
	if cfg.NATSURL != "" {
		np, err := events.ConnectNATS(cfg.NATSURL, cfg.EventsSubject)
		if err != nil {
			logger.Error("connect nats", "err", err)
			os.Exit(1)
		}
		defer np.Close()
		publishers = append(publishers, np)
		logger.Info("nats enabled", "url", cfg.NATSURL, "subject", cfg.EventsSubject)
	}
	if len(publishers) > 0 {
		opts = append(opts, lifecycle.WithPublisher(publishers))
	}

	manager := lifecycle.New(lifecycle.Settings{
		MaxFileSize:       cfg.MaxFileSize,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		DownloadBasePath:  cfg.DownloadBasePath,
		PreviewBasePath:   cfg.PreviewBasePath,
	}, opts...)
	if err := manager.Seed(fx.Jobs); err != nil {
		logger.Error("seed jobs", "err", err)
		os.Exit(1)
	}

	server := api.New(cfg, manager, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "seed_jobs", len(fx.Jobs), "formats", len(fx.Formats))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("stop conversions", "err", err)
	}
	logger.Info("api stopped")
}
