package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lookalike/internal/api"
	"lookalike/internal/config"
	"lookalike/internal/faceapi"
	"lookalike/internal/media"
	"lookalike/internal/pipeline"
	"lookalike/internal/ratelimit"
	"lookalike/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	mediaStore, err := media.NewStore(ctx, media.Options{
		BaseDir:    cfg.MediaDir,
		S3Bucket:   cfg.MediaS3Bucket,
		S3Region:   cfg.MediaS3Region,
		ThumbWidth: cfg.ThumbWidth,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("init media store", zap.Error(err))
	}

	oracle := faceapi.New(faceapi.Options{
		BaseURL:   cfg.FaceAPIURL,
		APIKey:    cfg.FaceAPIKey,
		APISecret: cfg.FaceAPISecret,
		Timeout:   cfg.FaceAPITimeout,
		Logger:    logger,
	})
	if !oracle.Configured() {
		logger.Warn("face API key is not configured, submissions will fail fast")
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Store:   st,
		Corpus:  st,
		Oracle:  oracle,
		Media:   mediaStore,
		Workers: cfg.CompareWorkers,
		TopK:    cfg.TopK,
		Timeout: cfg.ExecuteTimeout,
		Logger:  logger,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSubmissionLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, orchestrator, pipeline.NewQuery(st), st, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("server listening",
		zap.String("port", cfg.HTTPPort),
		zap.Int("compare_workers", cfg.CompareWorkers),
		zap.Int("top_k", cfg.TopK))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	// Let in-flight comparison jobs land in a terminal state before exiting.
	orchestrator.Drain(cfg.DrainTimeout)
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
