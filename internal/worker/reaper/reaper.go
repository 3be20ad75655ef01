// Package reaper fails render jobs the rendering service never finished.
// Their artifacts stay pending; a late push can still complete them, but
// the job itself stays failed.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"clipforge/internal/metrics"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
)

const DefaultLockKey = "clipforge:reaper:lock"

type Store interface {
	FailStalledJobs(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]string, error)
}

// Locker elects one sweeper per interval across worker replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker takes a SET NX PX lock. It is never released: it expires, so
// at most one replica sweeps per interval.
type RedisLocker struct {
	rdb *redis.Client
	id  string
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, id: uuid.NewString()}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, l.id, ttl).Result()
}

type Config struct {
	Interval time.Duration
	// MaxAge is how long a job may stay pending or processing.
	MaxAge  time.Duration
	LockKey string
	Log     *logger.Logger
	Now     func() time.Time
}

type Reaper struct {
	store    Store
	locker   Locker
	interval time.Duration
	maxAge   time.Duration
	lockKey  string
	log      *logger.Logger
	now      func() time.Time
}

// New returns a Reaper. A nil locker means this process always sweeps.
func New(store Store, locker Locker, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 6 * time.Hour
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{
		store:    store,
		locker:   locker,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		lockKey:  cfg.LockKey,
		log:      cfg.Log.WithComponent("reaper"),
		now:      cfg.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx ends.
// Sweep errors are logged, not returned.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", "interval", r.interval.String(), "max_age", r.maxAge.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("sweep failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep fails every job older than MaxAge that is still pending or
// processing and returns how many it failed. It returns 0 without touching
// the store when another replica holds the lock.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.locker != nil {
		// Slightly shorter than the interval so the next tick can take it.
		ok, err := r.locker.TryLock(ctx, r.lockKey, r.interval*9/10)
		if err != nil {
			return 0, err
		}
		if !ok {
			r.log.Debug("another replica holds the sweep lock")
			return 0, nil
		}
	}

	now := r.now().UTC()
	ids, err := r.store.FailStalledJobs(ctx, now.Add(-r.maxAge), models.MsgRenderTimedOut, now)
	if err != nil {
		return 0, fmt.Errorf("fail stalled jobs: %w", err)
	}
	metrics.RecordJobsReaped(len(ids))
	for _, id := range ids {
		r.log.WithJobID(id).Warn("render job timed out", "max_age", r.maxAge.String())
	}
	if len(ids) > 0 {
		r.log.Info("sweep finished", "failed_jobs", len(ids))
	}
	return len(ids), nil
}
