package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"clipforge/internal/audit"
	"clipforge/internal/certify"
	"clipforge/internal/config"
	"clipforge/internal/httpapi"
	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/jobstore"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/pkg/shutdown"
	"clipforge/internal/poller"
	"clipforge/internal/reconciler"
	"clipforge/internal/renderer"
	"clipforge/internal/storage"
	"clipforge/internal/submitter"
	"clipforge/internal/webhook"
	"clipforge/internal/worker/queue"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "clipforge-api",
		AddSource:   cfg.Log.Source,
	})
	log.Info("starting clipforge API", "version", version)

	if cfg.Renderer.BaseURL == "" {
		log.LogFatal("rendering service not configured", errors.New("missing env: RENDERER_HTTP_BASEURL"))
	}
	if cfg.Storage.Provider == "localfs" && cfg.Storage.Local.SigningKey == "" {
		log.LogFatal("localfs storage needs a signing key", errors.New("missing env: STORAGE_LOCAL_SIGNING_KEY"))
	}
	if !cfg.Webhook.RequireSignature {
		log.Warn("webhook signatures are not required; unsigned pushes will be accepted")
	}

	ctx := context.Background()
	mgr := shutdown.NewManager(log, 30*time.Second)

	// Registered first so it closes last.
	store, err := jobstore.Open(ctx, cfg.Database, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	mgr.Register("jobstore", func(context.Context) error { return store.Close() })

	var (
		rdb        *redis.Client
		auditQueue *queue.RedisQueue
		sink       reconciler.AuditSink = audit.NewStoreSink(store)
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		mgr.Register("redis", func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		auditQueue = queue.NewRedisQueue(rdb, cfg.Audit.QueueName)
		sink = audit.NewQueueSink(auditQueue)
		log.Info("Redis connected, render history goes through the worker", "queue", cfg.Audit.QueueName)
	} else {
		log.Info("Redis not configured, render history written inline")
	}

	sp, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	sub := submitter.New(submitter.Deps{
		Store:        store,
		Renderer:     renderer.NewHTTPClient(cfg.Renderer.BaseURL, cfg.Renderer.APIKey, cfg.Renderer.Timeout),
		Storage:      sp,
		CallbackURL:  cfg.Renderer.CallbackURL,
		SourceURLTTL: cfg.Renderer.SourceURLTTL,
		Validate:     validator.New(validator.WithRequiredStructEnabled()),
		Log:          log,
	})
	rec := reconciler.New(reconciler.Deps{
		Store:   store,
		Chainer: certify.New(store, log),
		Audit:   sink,
		Log:     log,
	})

	streams, stopStreams := context.WithCancel(ctx)
	hdeps := handlers.Deps{
		Store:      store,
		Submitter:  sub,
		Reconciler: rec,
		Verifier:   webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.RequireSignature, cfg.Webhook.Tolerance),
		Events:     poller.Config{Interval: cfg.Poller.Interval, MaxWait: cfg.Poller.MaxWait, Log: log},
		Storage:    sp,
		RDB:        rdb,
		Log:        log,
		Version:    version,
		Streams:    streams,

		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}
	if auditQueue != nil {
		hdeps.AuditQueue = auditQueue
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:       hdeps,
		Log:            log,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Event streams never finish on their own; end them so Shutdown can drain.
	server.RegisterOnShutdown(stopStreams)
	mgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	serveCtx, serveFailed := context.WithCancel(ctx)
	defer serveFailed()
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr, "public_base_url", cfg.HTTP.PublicBaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err.Error())
			serveFailed()
		}
	}()

	if err := mgr.WaitWithContext(serveCtx); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
		os.Exit(1)
	}
	if serveCtx.Err() != nil {
		os.Exit(1)
	}
}
