// Package worker runs clipforge's background loops: the render history
// drain and the stale-job reaper.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"clipforge/internal/audit"
	"clipforge/internal/metrics"
	"clipforge/internal/pkg/logger"
)

var ErrNothingToRun = errors.New("worker: no audit queue and reaper disabled")

// Run blocks until ctx ends or a loop fails.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	if d.Queue == nil && d.Reaper == nil {
		return ErrNothingToRun
	}

	g, ctx := errgroup.WithContext(ctx)
	if d.Queue != nil {
		g.Go(func() error { return Drain(ctx, d.Queue, d.History, log, d.PopWait) })
	}
	if d.Reaper != nil {
		g.Go(func() error { return d.Reaper.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("worker stopped")
		return nil
	}
	return err
}

// Drain moves queued history entries into the store until ctx ends.
// Malformed entries are dropped; entries the store rejects are pushed back
// and retried after a short pause.
func Drain(ctx context.Context, q Queue, store audit.HistoryWriter, log *logger.Logger, wait time.Duration) error {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	log = log.WithFields(map[string]any{"queue": q.Name()})
	log.Info("audit drain started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, err := q.Pop(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if payload == "" {
			continue
		}

		e, err := audit.Decode(payload)
		if err != nil {
			log.Error("dropping malformed history entry", "error", err.Error(), "payload", payload)
			metrics.RecordSideChain("audit_drain", false)
			continue
		}

		entryLog := log.WithJobID(e.JobID).WithArtifactID(e.ArtifactID)
		inserted, err := store.InsertHistory(ctx, e)
		if err != nil {
			metrics.RecordSideChain("audit_drain", false)
			entryLog.Warn("history insert failed, requeueing", "error", err.Error())
			if perr := q.Push(context.WithoutCancel(ctx), payload); perr != nil {
				entryLog.Error("history entry lost", "error", perr.Error(), "payload", payload)
			}
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		metrics.RecordSideChain("audit_drain", true)
		entryLog.Debug("history entry stored",
			"external_render_id", e.ExternalRenderID,
			"status", string(e.Status),
			"duplicate", !inserted,
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
