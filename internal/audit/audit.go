// Package audit records render history rows. Every sink is advisory: the
// reconciler logs a sink error and moves on.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"clipforge/internal/metrics"
	"clipforge/internal/models"
)

type Sink interface {
	Record(ctx context.Context, e models.HistoryEntry) error
}

// HistoryWriter is the store call StoreSink and the worker drain need.
type HistoryWriter interface {
	InsertHistory(ctx context.Context, e models.HistoryEntry) (bool, error)
}

// StoreSink writes history rows straight into the job store. Duplicate
// (render id, status) pairs are ignored by the store.
type StoreSink struct {
	store HistoryWriter
}

func NewStoreSink(store HistoryWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, e models.HistoryEntry) error {
	_, err := s.store.InsertHistory(ctx, e)
	metrics.RecordSideChain("audit", err == nil)
	if err != nil {
		return fmt.Errorf("insert history %s/%s: %w", e.ExternalRenderID, e.Status, err)
	}
	return nil
}

type Pusher interface {
	Push(ctx context.Context, payload string) error
}

// QueueSink defers the write to the worker by pushing the entry as JSON
// onto a redis list.
type QueueSink struct {
	q Pusher
}

func NewQueueSink(q Pusher) *QueueSink {
	return &QueueSink{q: q}
}

func (s *QueueSink) Record(ctx context.Context, e models.HistoryEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.q.Push(ctx, string(b))
	metrics.RecordSideChain("audit", err == nil)
	if err != nil {
		return fmt.Errorf("enqueue history %s: %w", e.ExternalRenderID, err)
	}
	return nil
}

// Decode parses a queued entry.
func Decode(payload string) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, fmt.Errorf("decode history entry: %w", err)
	}
	if e.ExternalRenderID == "" || e.Status == "" {
		return e, fmt.Errorf("decode history entry: missing render id or status")
	}
	return e, nil
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, models.HistoryEntry) error { return nil }
