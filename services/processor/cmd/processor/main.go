package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/accesstoken"
	"docflow/internal/ratelimit"
	"docflow/internal/util"
	"docflow/pkg/queue"
	"docflow/pkg/storage"
	"docflow/pkg/store"
	"docflow/services/processor/internal/app"
	"docflow/services/processor/internal/config"
	"docflow/services/processor/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("processor", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One client backs records, the batch stream and the upload limiter.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer redisClient.Close()
	}

	backend := store.Backend{Kind: cfg.RecordBackend, Dir: cfg.RecordDir, Redis: redisClient}
	if cfg.RecordBackend == store.BackendPostgres {
		db, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		backend.DB = db
	}

	var objects storage.ObjectStore
	var files *storage.LocalStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	} else {
		files, err = storage.NewLocalStore(filepath.Join(cfg.StorageDir, "published"), "/files/")
		if err != nil {
			log.Fatalf("failed to init local object storage: %v", err)
		}
		objects = files
	}

	var jobQueue *queue.RedisJobQueue
	if cfg.Dispatch == "redis" {
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     redisClient,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			ClaimIdle:  15 * time.Minute,
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
	}

	appCore, err := app.New(ctx, app.Config{
		StorageDir:        cfg.StorageDir,
		OutputDir:         cfg.OutputDir,
		Backend:           backend,
		Objects:           objects,
		PresignExpiry:     time.Duration(cfg.PresignExpiryMinutes) * time.Minute,
		OfficeCommand:     cfg.OfficeCommand,
		ThumbnailDPI:      cfg.ThumbnailDPI,
		AllowedExtensions: cfg.AllowedExtensions,
		Queue:             jobQueue,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	appCore.Start(ctx, cfg.QueueConcurrency)
	if cfg.JobRetentionHours > 0 {
		appCore.Batch.StartSweeper(ctx,
			time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
			time.Duration(cfg.JobRetentionHours)*time.Hour)
	}

	var verifier *accesstoken.Verifier
	var revoker store.TokenRevoker
	if cfg.AccessTokenPublicKeyPath != "" {
		verifier, err = accesstoken.NewVerifier(accesstoken.VerifierOptions{
			PublicKeyPath:  cfg.AccessTokenPublicKeyPath,
			KeyID:          cfg.AccessTokenKeyID,
			Audience:       cfg.AccessTokenAudience,
			AllowedIssuers: cfg.AccessTokenIssuers,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		if redisClient != nil {
			revoker, err = store.NewRedisTokenRevoker(redisClient)
			if err != nil {
				log.Fatalf("failed to init token revoker: %v", err)
			}
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
	} else {
		slog.Warn("access token verification disabled; every route is open")
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "docflow:ratelimit:upload", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init upload limiter: %v", err)
		}
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		Revoker:        revoker,
		UploadLimiter:  limiter,
		TrustedProxies: trusted,
		Files:          files,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "err", err)
		}
		if err := appCore.Shutdown(shutdownCtx); err != nil {
			logger.Error("batch shutdown failed", "err", err)
		}
	}()

	slog.Info("processor server listening", "addr", addr, "records", cfg.RecordBackend, "dispatch", cfg.Dispatch)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		stop()
	}
	<-shutdownDone
}
