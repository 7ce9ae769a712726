package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"askdocs/internal/metrics"
	"askdocs/internal/ratelimit"
	"askdocs/internal/usertoken"
	"askdocs/internal/util"
	"askdocs/pkg/ai"
	"askdocs/pkg/extract"
	"askdocs/pkg/lock"
	"askdocs/pkg/queue"
	"askdocs/pkg/rag"
	"askdocs/pkg/storage"
	"askdocs/pkg/store"
	"askdocs/services/docqa/internal/app"
	"askdocs/services/docqa/internal/config"
	"askdocs/services/docqa/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var pings []func(context.Context) error

	var dataStore store.Store
	switch cfg.StoreDriver {
	case "memory":
		dataStore = store.NewMemoryStore(cfg.EmbeddingDim)
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		defer gormStore.Close()
		pings = append(pings, gormStore.Ping)
		dataStore = gormStore
	}

	var objects storage.ObjectStore
	switch cfg.ObjectStoreDriver {
	case "memory":
		objects = storage.NewMemoryStore(cfg.MinioBucket)
	default:
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	}

	var (
		redisClient *redis.Client
		locker      lock.Locker = lock.NewMemoryLocker()
		jobQueue    *queue.RedisJobQueue
		askLimiter  *ratelimit.FixedWindowLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		pings = append(pings, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })

		locker, err = lock.NewRedisLocker(redisClient, lock.RedisLockerOptions{})
		if err != nil {
			log.Fatalf("failed to init redis locker: %v", err)
		}
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     redisClient,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
		if cfg.AskRateLimit > 0 {
			askLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "askdocs:ratelimit:ask", cfg.AskRateLimit, time.Duration(cfg.AskRateWindowSeconds)*time.Second)
			if err != nil {
				log.Fatalf("failed to init ask rate limiter: %v", err)
			}
		}
	}

	embedder, err := ai.NewEmbedder(ai.ProviderConfig{
		Provider:   cfg.EmbeddingProvider,
		BaseURL:    cfg.EmbeddingBaseURL,
		APIKey:     cfg.EmbeddingAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDim,
		Timeout:    cfg.ProviderTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}
	var ragEmbedder rag.Embedder = embedder
	if cfg.EmbeddingRPS > 0 {
		ragEmbedder = ai.NewRateLimitedEmbedder(embedder, cfg.EmbeddingRPS, int(cfg.EmbeddingRPS))
	}
	generator, err := ai.NewGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   cfg.GenerationAPIKey,
		Model:    cfg.GenerationModel,
		Timeout:  cfg.ProviderTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	appCfg := app.Config{
		Store:                dataStore,
		Objects:              objects,
		Extractor:            extract.New(extract.Options{OCRCommand: cfg.OCRCommand, OCRLanguage: cfg.OCRLanguage, PDFToText: cfg.PDFToText}),
		Embedder:             ragEmbedder,
		Generator:            ai.NewAnswerWriter(generator),
		Locker:               locker,
		Metrics:              m,
		ChunkSize:            cfg.ChunkSize,
		ChunkOverlap:         cfg.ChunkOverlap,
		TopK:                 cfg.TopK,
		CandidateCap:         cfg.CandidateCap,
		EmbeddingDim:         cfg.EmbeddingDim,
		EmbeddingConcurrency: cfg.EmbeddingConcurrency,
		EmbeddingBatchSize:   cfg.EmbeddingBatchSize,
		ProviderTimeout:      cfg.ProviderTimeout(),
	}
	if jobQueue != nil {
		appCfg.Queue = jobQueue
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if jobQueue != nil {
		jobQueue.Start(ctx, cfg.QueueConcurrency, appCore.HandleIndexJob)
		slog.Info("index workers started", "stream", cfg.QueueName, "concurrency", cfg.QueueConcurrency)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		AskLimiter:     askLimiter,
		Metrics:        m,
		TrustedProxies: trusted,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Ready: func(ctx context.Context) error {
			for _, ping := range pings {
				if err := ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("docqa server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
