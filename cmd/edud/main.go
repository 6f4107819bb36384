// cmd/edud/main.go
// Package main implements the entry point for the education backend.
// It builds every client from configuration, injects them into the service
// and serves the HTTP API until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/team4edu/edu-backend-go/internal/config"
	"github.com/team4edu/edu-backend-go/internal/event"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/jwks"
	"github.com/team4edu/edu-backend-go/internal/lock"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/server"
	"github.com/team4edu/edu-backend-go/internal/service"
	"github.com/team4edu/edu-backend-go/internal/storage"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// Uploads per request: one video or thumbnail plus the documents.
const maxFilesPerRequest = 11

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := telemetry.InitTracer("edu-backend", version, cfg.TracingEnabled); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Document store (MongoDB or in-memory)
	var store storage.Store
	if cfg.MongoURI != "" {
		mongoStore, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		store = mongoStore
	} else {
		logger.Warn("EDU_MONGO_URI not set, using in-memory store")
		store = storage.NewMemory()
	}
	defer closeWithTimeout(logger, "store", store.Close)

	return serve(cfg, logger, store)
}

func serve(cfg config.Config, logger *slog.Logger, store storage.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	objects, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var topics notify.TopicService
	if cfg.SNSEndpoint == "memory" {
		logger.Warn("using in-memory notification topics")
		topics = notify.NewMemory()
	} else {
		topics, err = notify.NewSNS(ctx, cfg.AWSRegion, cfg.SNSEndpoint)
		if err != nil {
			return fmt.Errorf("init sns: %w", err)
		}
	}

	journal, err := saga.Open(ctx, cfg.SagaDSN)
	if err != nil {
		return fmt.Errorf("open saga journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn("saga journal close failed", "error", err)
		}
	}()

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		pool, err := lock.NewRedisPool(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		redisLock := lock.NewRedis(pool)
		defer redisLock.Close()
		locker = redisLock
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	svc := service.New(service.Deps{
		Store:   store,
		Topics:  topics,
		Media:   objects,
		Limits:  media.Limits{MaxSize: cfg.MaxMediaSize, AllowedTypes: cfg.AllowedMimeTypes},
		Journal: journal,
		Locker:  locker,
		Events:  pub,
		Logger:  logger,
	})

	var userInfo *identity.Client
	if cfg.UserInfoURL != "" {
		userInfo = identity.New(cfg.UserInfoURL)
	}
	verifier := identity.NewJWTVerifier(jwks.NewClient(cfg.JWKSURL, cfg.JWKSCacheTTL), cfg.JWTIssuer, cfg.JWTAudience, userInfo)

	mux := server.NewMux(svc, verifier, server.Options{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		IsAdmin:            cfg.IsAdmin,
		MaxBodySize:        cfg.MaxMediaSize * maxFilesPerRequest,
		Logger:             logger,
		Auth: server.AuthConfig{
			Issuer:  cfg.JWTIssuer,
			JWKSURL: cfg.JWKSURL,
			Region:  cfg.AWSRegion,
		},
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Bodies carry video uploads
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// newObjectStore picks the upload backend: CloudFront in front of S3, direct
// S3, or in-memory placeholder URLs when no bucket is configured.
func newObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (media.ObjectStore, error) {
	if cfg.S3Bucket == "" {
		logger.Warn("EDU_S3_BUCKET not set, keeping uploads in memory")
		return media.NewLocal(), nil
	}
	publicURL := ""
	if cfg.CDNDomain != "" {
		publicURL = "https://" + cfg.CDNDomain
	}
	s3Client, err := media.NewS3Client(ctx, media.S3Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.AWSRegion,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: publicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3: %w", err)
	}
	if cfg.CDNDomain != "" {
		return media.NewCDNUploader(cfg.CDNDomain, s3Client), nil
	}
	return s3Client, nil
}

func closeWithTimeout(logger *slog.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}
