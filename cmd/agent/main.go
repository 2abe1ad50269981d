// Package main is the entry point for the document QA API server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/api"
	"github.com/alqutdigital/docqa-agent/internal/api/handlers"
	"github.com/alqutdigital/docqa-agent/internal/api/middleware"
	"github.com/alqutdigital/docqa-agent/internal/app"
	"github.com/alqutdigital/docqa-agent/internal/config"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/realtime"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/alqutdigital/docqa-agent/pkg/logger"
	"github.com/alqutdigital/docqa-agent/pkg/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	log.Info("starting document QA agent",
		"version", handlers.ServiceVersion,
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
	)

	shutdownHandler := shutdown.New(log.Logger, cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecks := map[string]handlers.HealthChecker{}

	// ============================
	// Initialize Database
	// ============================
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	store, searcher, err := app.OpenStore(initCtx, cfg.Database, log.Logger)
	initCancel()
	if err != nil {
		log.Warn("failed to connect to database, running in limited mode",
			"driver", cfg.Database.Driver,
			"error", err,
		)
		store, searcher = storage.NewMemoryStore(), nil
	}
	shutdownHandler.RegisterNamed("database", func(ctx context.Context) error {
		return store.Close()
	})
	healthChecks["database"] = handlers.CheckFunc(store.Ping)

	// ============================
	// Initialize Redis
	// ============================
	var embeddingCache storage.EmbeddingCache
	var rateLimitStore middleware.RateLimitStore
	healthChecks["redis"] = nil
	if cfg.Redis.Enabled {
		redisClient, redisErr := storage.NewRedisClient(storage.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if redisErr != nil {
			log.Warn("failed to connect to Redis, using in-process cache and limits", "error", redisErr)
		} else {
			log.Info("connected to Redis", "addr", cfg.Redis.Addr())

			cacheCfg := storage.DefaultCacheConfig()
			cacheCfg.EmbeddingTTL = cfg.Redis.EmbeddingTTL
			embeddingCache = storage.NewRedisEmbeddingCache(redisClient, log.Logger, cacheCfg)
			rateLimitStore = middleware.NewRedisRateLimitStore(redisClient, "docqa:ratelimit", log.Logger)

			healthChecks["redis"] = handlers.CheckFunc(redisClient.Ping)
			shutdownHandler.RegisterNamed("redis", func(ctx context.Context) error {
				return redisClient.Close()
			})
		}
	}
	if rateLimitStore == nil {
		memLimits := middleware.NewMemoryRateLimitStore()
		go memLimits.RunSweeper(ctx, time.Minute)
		rateLimitStore = memLimits
	}

	// ============================
	// Initialize Object Storage
	// ============================
	var objects storage.ObjectStorage
	var objectStorage handlers.ObjectStorage
	healthChecks["object_storage"] = nil
	if cfg.Storage.Enabled {
		minio, storageErr := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			BucketName:      cfg.Storage.BucketName,
			UseSSL:          cfg.Storage.UseSSL,
			Region:          cfg.Storage.Region,
		})
		if storageErr != nil {
			log.Warn("failed to connect to object storage, originals will not be archived", "error", storageErr)
		} else {
			bucketCtx, bucketCancel := context.WithTimeout(ctx, 10*time.Second)
			if err := minio.InitBucket(bucketCtx); err != nil {
				log.Warn("failed to initialize storage bucket", "error", err)
			}
			bucketCancel()

			log.Info("connected to object storage",
				"endpoint", cfg.Storage.Endpoint,
				"bucket", cfg.Storage.BucketName,
			)
			objects = minio
			objectStorage = minio
			healthChecks["object_storage"] = minio
		}
	}

	// ============================
	// Initialize Embedder
	// ============================
	emb, err := app.NewEmbedder(cfg.Embedding, cfg.Ingestion.BatchSize, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	shutdownHandler.RegisterNamed("embedder", func(ctx context.Context) error {
		return emb.Close()
	})
	healthChecks["embedder"] = handlers.CheckFunc(func(ctx context.Context) error {
		_, err := emb.Dimension(ctx)
		return err
	})
	log.Info("embedder configured, backend loads on first use",
		"provider", cfg.Embedding.Provider,
		"model", cfg.Embedding.Model,
		"dimension", cfg.Embedding.Dimension,
	)

	// ============================
	// Initialize Ingestion and Chat
	// ============================
	pipeline := app.NewPipeline(cfg, store, emb, objects, log.Logger)

	provider, err := app.NewGenerator(cfg.Generation, log.Logger)
	if err != nil {
		return err
	}
	if provider == nil {
		log.Warn("no generation provider configured, chat will return sources only")
		healthChecks["generation"] = nil
	} else {
		log.Info("generation provider initialized", "provider", provider.Name())
		healthChecks["generation"] = handlers.CheckFunc(func(context.Context) error { return nil })
	}

	chatService := app.NewChatService(cfg, app.ChatDeps{
		Store:    store,
		Searcher: searcher,
		Embedder: emb,
		Cache:    embeddingCache,
		Provider: provider,
	}, log.Logger)

	// ============================
	// Initialize Progress Delivery
	// ============================
	wsCfg := realtime.DefaultWSConfig()
	wsCfg.AllowedOrigins = cfg.Server.CORSOrigins
	hub := realtime.NewHub(wsCfg, log.Logger)
	shutdownHandler.RegisterNamed("websocket-hub", func(ctx context.Context) error {
		return hub.Stop(ctx)
	})

	var progressSink ingest.ProgressSink = hub
	healthChecks["nats"] = nil
	if cfg.NATS.Enabled {
		natsCfg := realtime.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		natsCfg.JetStream = cfg.NATS.JetStream

		natsClient, natsErr := realtime.NewNATSClient(natsCfg, log.Logger)
		if natsErr != nil {
			log.Warn("failed to connect to NATS, progress stays on this instance", "error", natsErr)
		} else {
			streamCtx, streamCancel := context.WithTimeout(ctx, 10*time.Second)
			if err := natsClient.SetupStream(streamCtx); err != nil {
				log.Warn("failed to setup NATS stream", "error", err)
			}
			streamCancel()

			if err := hub.ListenNATS(natsClient); err != nil {
				log.Warn("failed to subscribe to progress events, progress stays on this instance", "error", err)
			} else {
				// Every instance relays what any instance publishes.
				progressSink = natsClient
				log.Info("progress events routed through NATS", "url", cfg.NATS.URL)
			}

			healthChecks["nats"] = handlers.CheckFunc(func(context.Context) error {
				if !natsClient.IsConnected() {
					return fmt.Errorf("not connected")
				}
				return nil
			})
			shutdownHandler.RegisterNamed("nats", func(ctx context.Context) error {
				return natsClient.Drain()
			})
		}
	}

	// ============================
	// Session Expiry
	// ============================
	go sweepSessions(ctx, store, objects, cfg.Session.SweepInterval, log)

	// ============================
	// Setup API Router
	// ============================
	routerConfig := api.DefaultRouterConfig()
	routerConfig.AllowedOrigins = cfg.Server.CORSOrigins
	routerConfig.Session = middleware.SessionConfig{Header: cfg.Session.Header, TTL: cfg.Session.TTL}
	if cfg.Generation.Timeout > routerConfig.RequestTimeout {
		routerConfig.RequestTimeout = cfg.Generation.Timeout
	}
	routerConfig.EnableRateLimiting = cfg.RateLimit.Enabled
	routerConfig.RateLimitConfig.Chat.Requests = cfg.RateLimit.ChatPerMinute
	routerConfig.RateLimitConfig.Upload.Requests = cfg.RateLimit.UploadPerMinute

	router := api.NewRouter(api.Dependencies{
		Logger:         log.Logger,
		Store:          store,
		ObjectStorage:  objectStorage,
		Pipeline:       pipeline,
		ChatService:    chatService,
		ProgressSink:   progressSink,
		RateLimitStore: rateLimitStore,
		WSHub:          hub,
		HealthChecks:   healthChecks,
	}, routerConfig)

	// ============================
	// Initialize HTTP Server
	// ============================
	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	if cfg.Server.WriteTimeout > 0 {
		serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	}

	server := api.NewServer(router, serverConfig, log.Logger)

	// Registered last so it stops first and drains requests before the backends close.
	shutdownHandler.RegisterNamed("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("HTTP server error", "error", err)
			serverErr <- err
			cancel()
		}
	}()

	// Wait for shutdown signal
	if err := shutdownHandler.Wait(ctx); err != nil {
		log.Error("shutdown finished with errors", "error", err)
	}

	log.Info("server stopped",
		"ingest", pipeline.Stats(),
		"chat", chatService.Stats(),
		"embedder", emb.Stats(),
	)

	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}

// sweepSessions deletes expired sessions and everything they own until ctx ends.
func sweepSessions(ctx context.Context, store app.SessionPruner, objects storage.ObjectStorage, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.PruneSessions(ctx, store, objects, time.Now(), log.Logger)
			if err != nil {
				log.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("deleted expired sessions", "count", n)
			}
		}
	}
}
