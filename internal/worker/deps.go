package worker

import (
	"context"
	"time"

	"clipforge/internal/audit"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/worker/reaper"
)

// Queue is the audit list the API pushes history entries onto.
type Queue interface {
	Name() string
	Pop(ctx context.Context, wait time.Duration) (string, error)
	Push(ctx context.Context, payload string) error
}

type Deps struct {
	// Queue and History are nil when redis is not configured; the API then
	// writes history rows itself.
	Queue   Queue
	History audit.HistoryWriter
	// Reaper is nil when stale-job sweeping is disabled.
	Reaper *reaper.Reaper
	Log    *logger.Logger
	// PopWait bounds each blocking pop. Zero means 5s.
	PopWait time.Duration
}
