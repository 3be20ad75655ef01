package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clipforge/internal/pkg/logger"
	"clipforge/internal/poller"

	apperrors "clipforge/internal/pkg/errors"
)

// Event names sent on GET /jobs/{jobId}/events.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
)

type jobEvent struct {
	name     string
	data     []byte
	terminal bool
}

// JobEvents streams a job as Server-Sent Events until it is terminal or the
// client goes away. Each stream owns its poller, so two clients watching
// the same job do not replace each other's watch.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := owner(r)
	if err != nil {
		return err
	}
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.ownedJob(r.Context(), jobID, ownerID); err != nil {
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return apperrors.Internal("streaming not supported")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer context.AfterFunc(h.streams, cancel)()
	events := make(chan jobEvent, 4)
	send := func(ev jobEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	snapshot := func(name string, s poller.Snapshot, terminal bool) {
		data, err := json.Marshal(JobView{Job: s.Job, Artifacts: nonNil(s.Artifacts)})
		if err != nil {
			return
		}
		send(jobEvent{name: name, data: data, terminal: terminal})
	}

	p := poller.New(h.store, h.events)
	stop := p.Watch(ctx, jobID, poller.Handlers{
		OnProgress:  func(s poller.Snapshot) { snapshot(EventProgress, s, false) },
		OnCompleted: func(s poller.Snapshot) { snapshot(EventCompleted, s, true) },
		OnFailed:    func(s poller.Snapshot, _ string) { snapshot(EventFailed, s, true) },
		OnTimeout:   func() { send(jobEvent{name: EventTimeout, data: []byte(`{}`), terminal: true}) },
	})
	// cancel first so a handler blocked in send returns before stop waits on it.
	defer func() {
		cancel()
		stop()
	}()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.log.FromContext(logger.ContextWithJobID(r.Context(), jobID))
	log.Debug("job event stream opened")

	var last []byte
	for {
		select {
		case <-ctx.Done():
			log.Debug("job event stream closed")
			return nil
		case ev := <-events:
			if !ev.terminal && bytes.Equal(ev.data, last) {
				continue
			}
			last = ev.data
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				return nil
			}
			flusher.Flush()
			if ev.terminal {
				log.Debug("job event stream finished", "event", ev.name)
				return nil
			}
		}
	}
}
