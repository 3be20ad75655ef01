// Package handlers serves the clipforge HTTP API.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"clipforge/internal/pkg/logger"
	"clipforge/internal/poller"
	"clipforge/internal/ports"
	"clipforge/internal/reconciler"
	"clipforge/internal/submitter"
	"clipforge/internal/webhook"

	apperrors "clipforge/internal/pkg/errors"
)

// OwnerHeader carries the caller identity set by the gateway in front of the API.
const OwnerHeader = "X-Owner-ID"

// Backlog reports how many audit entries wait for the worker.
type Backlog interface {
	Name() string
	Len(ctx context.Context) (int64, error)
}

type Deps struct {
	Store      ports.JobStore
	Submitter  *submitter.Submitter
	Reconciler *reconciler.Reconciler
	Verifier   *webhook.Verifier
	// Events configures the per-stream poller behind GET /jobs/{jobId}/events.
	Events  poller.Config
	Storage ports.StorageProvider
	// RDB and AuditQueue are nil when redis is not configured.
	RDB        *redis.Client
	AuditQueue Backlog
	Log        *logger.Logger
	// MaxUploadBytes bounds POST /sources. Zero means 2 GiB.
	MaxUploadBytes int64
	Version        string
	// Streams ends every open event stream when canceled.
	Streams context.Context
}

type Handler struct {
	store      ports.JobStore
	submitter  *submitter.Submitter
	reconciler *reconciler.Reconciler
	verifier   *webhook.Verifier
	events     poller.Config
	sp         ports.StorageProvider
	rdb        *redis.Client
	auditQueue Backlog
	log        *logger.Logger
	maxUpload  int64
	version    string
	streams    context.Context
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 2 << 30
	}
	if d.Events.Log == nil {
		d.Events.Log = d.Log
	}
	if d.Streams == nil {
		d.Streams = context.Background()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Handler{
		store:      d.Store,
		submitter:  d.Submitter,
		reconciler: d.Reconciler,
		verifier:   d.Verifier,
		events:     d.Events,
		sp:         d.Storage,
		rdb:        d.RDB,
		auditQueue: d.AuditQueue,
		log:        d.Log.WithComponent("http"),
		maxUpload:  d.MaxUploadBytes,
		version:    d.Version,
		streams:    d.Streams,
	}
}

// owner returns the caller identity or an unauthorized error.
func owner(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if id == "" {
		return "", apperrors.Unauthorized("missing " + OwnerHeader + " header")
	}
	return id, nil
}
