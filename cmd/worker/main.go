package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"clipforge/internal/config"
	"clipforge/internal/jobstore"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/pkg/shutdown"
	"clipforge/internal/worker"
	"clipforge/internal/worker/queue"
	"clipforge/internal/worker/reaper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "clipforge-worker",
		AddSource:   cfg.Log.Source,
	})
	log.Info("starting clipforge worker")

	ctx := context.Background()
	mgr := shutdown.NewManager(log, 30*time.Second)

	store, err := jobstore.Open(ctx, cfg.Database, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	mgr.Register("jobstore", func(context.Context) error { return store.Close() })

	deps := worker.Deps{History: store, Log: log}

	var locker reaper.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		mgr.Register("redis", func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		deps.Queue = queue.NewRedisQueue(rdb, cfg.Audit.QueueName)
		locker = reaper.NewRedisLocker(rdb)
	} else {
		log.Warn("Redis not configured; audit drain disabled and the reaper runs unlocked")
	}

	if cfg.Reaper.Enabled {
		deps.Reaper = reaper.New(store, locker, reaper.Config{
			Interval: cfg.Reaper.Interval,
			MaxAge:   cfg.Reaper.MaxAge,
			Log:      log,
		})
	}

	runCtx, runFailed := context.WithCancel(ctx)
	defer runFailed()

	stopped := make(chan struct{})
	var runErr error
	go func() {
		defer close(stopped)
		runErr = worker.Run(mgr.Context(), deps)
		if runErr != nil {
			log.Error("worker stopped", "error", runErr.Error())
		}
		runFailed()
	}()
	mgr.Register("worker", func(ctx context.Context) error {
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := mgr.WaitWithContext(runCtx); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
		os.Exit(1)
	}
	select {
	case <-stopped:
		if runErr != nil {
			os.Exit(1)
		}
	default:
	}
}
