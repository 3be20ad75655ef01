// Package reconciler applies rendering-service status pushes to the job
// store. It is the only writer of terminal artifact state.
package reconciler

import (
	"context"
	"errors"
	"time"

	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/metrics"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"

	apperrors "clipforge/internal/pkg/errors"
)

// ErrInvalidPayload is returned for pushes that cannot be correlated at all.
var ErrInvalidPayload = errors.New("webhook payload missing render id")

type CertChainer interface {
	Advance(ctx context.Context, artifactID string) (bool, error)
}

type AuditSink interface {
	Record(ctx context.Context, e models.HistoryEntry) error
}

type Deps struct {
	Store   ports.JobStore
	Chainer CertChainer
	Audit   AuditSink
	Log     *logger.Logger
	Now     func() time.Time
}

// Result describes what a push did. Outcome is one of the metrics.Webhook*
// values.
type Result struct {
	Outcome    string
	ArtifactID string
	JobID      string
	JobStatus  models.JobStatus
}

type Reconciler struct {
	store   ports.JobStore
	chainer CertChainer
	audit   AuditSink
	log     *logger.Logger
	now     func() time.Time
}

func New(d Deps) *Reconciler {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Reconciler{
		store:   d.Store,
		chainer: d.Chainer,
		audit:   d.Audit,
		log:     d.Log.WithComponent("reconciler"),
		now:     d.Now,
	}
}

// Handle applies one push. Pushes are delivered at least once and in any
// order; every write is a conditional update so replays are no-ops.
//
// A nil error means the caller should acknowledge with success, including
// for unknown render ids and unrecognised statuses. An error is returned
// when the push has no id (ErrInvalidPayload), or as CodeUnavailable when
// the artifact lookup, the artifact write or job finalization failed in the
// store. A redelivered push for a terminal artifact finalizes the job again,
// so a retry completes whatever the first delivery left undone.
func (r *Reconciler) Handle(ctx context.Context, p contracts.WebhookPayload) (Result, error) {
	const op = "reconciler.handle"

	if p.ID == "" {
		metrics.RecordWebhook(p.Status, metrics.WebhookInvalid)
		return Result{Outcome: metrics.WebhookInvalid}, ErrInvalidPayload
	}
	log := r.log.WithFields(map[string]any{"external_render_id": p.ID, "push_status": p.Status})

	art, err := r.store.FindArtifactByExternalID(ctx, p.ID)
	if errors.Is(err, ports.ErrArtifactNotFound) {
		log.Warn("status push for unknown render, acknowledging")
		metrics.RecordWebhook(p.Status, metrics.WebhookUnknown)
		return Result{Outcome: metrics.WebhookUnknown}, nil
	}
	if err != nil {
		metrics.RecordWebhook(p.Status, metrics.WebhookStoreError)
		return Result{Outcome: metrics.WebhookStoreError}, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "lookup artifact")
	}

	ctx = logger.ContextWithJobID(logger.ContextWithArtifactID(ctx, art.ID), art.JobID)
	log = log.WithJobID(art.JobID).WithArtifactID(art.ID)
	res := Result{ArtifactID: art.ID, JobID: art.JobID}
	now := r.now().UTC()

	var transitioned bool
	var terminal models.ArtifactStatus

	switch p.Status {
	case contracts.StatusDone:
		if p.URL == "" {
			log.Warn("done push without url, recording as failed")
			transitioned, err = r.store.MarkArtifactFailed(ctx, art.ID, models.MsgNoOutputURL, now)
			terminal = models.ArtifactFailed
		} else {
			transitioned, err = r.store.MarkArtifactReady(ctx, art.ID, p.URL, now)
			terminal = models.ArtifactReady
		}
	case contracts.StatusFailed:
		msg := p.Error
		if msg == "" {
			msg = models.MsgRenderFailed
		}
		transitioned, err = r.store.MarkArtifactFailed(ctx, art.ID, msg, now)
		terminal = models.ArtifactFailed
	case contracts.StatusQueued, contracts.StatusFetching, contracts.StatusRendering:
		transitioned, err = r.store.UpdateArtifactStage(ctx, art.ID, models.RenderStage(p.Status))
	default:
		log.Warn("unrecognised push status, acknowledging")
		metrics.RecordWebhook(p.Status, metrics.WebhookInvalid)
		res.Outcome = metrics.WebhookInvalid
		return res, nil
	}
	if err != nil {
		metrics.RecordWebhook(p.Status, metrics.WebhookStoreError)
		res.Outcome = metrics.WebhookStoreError
		return res, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "write artifact status")
	}

	if !transitioned {
		log.Debug("push did not change artifact state", "artifact_status", art.Status)
		metrics.RecordWebhook(p.Status, metrics.WebhookNoop)
		res.Outcome = metrics.WebhookNoop
		if terminal == "" && !art.Status.Terminal() {
			return res, nil
		}
		if res.JobStatus, err = r.finalize(ctx, log, art.JobID, now, false); err != nil {
			return res, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "finalize job")
		}
		return res, nil
	}

	metrics.RecordWebhook(p.Status, metrics.WebhookTransitioned)
	res.Outcome = metrics.WebhookTransitioned
	if terminal == "" {
		return res, nil
	}
	log.Info("artifact reached terminal state", "artifact_status", terminal)

	if terminal == models.ArtifactReady {
		r.advanceCert(ctx, log, art.ID)
	}
	r.record(ctx, log, models.HistoryEntry{
		ExternalRenderID: p.ID,
		ArtifactID:       art.ID,
		JobID:            art.JobID,
		Status:           terminal,
		CompletedAt:      now,
		DurationMS:       p.DurationMS,
		SizeBytes:        p.SizeBytes,
	})
	if res.JobStatus, err = r.finalize(ctx, log, art.JobID, now, true); err != nil {
		return res, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "finalize job")
	}
	return res, nil
}

// Side chains below run after the artifact write and only log on failure.

func (r *Reconciler) advanceCert(ctx context.Context, log *logger.Logger, artifactID string) {
	if r.chainer == nil {
		return
	}
	if _, err := r.chainer.Advance(ctx, artifactID); err != nil {
		log.Warn("certification advance failed", "error", err.Error())
	}
}

func (r *Reconciler) record(ctx context.Context, log *logger.Logger, e models.HistoryEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, e); err != nil {
		log.Warn("render history not recorded", "error", err.Error())
	}
}

// finalize is idempotent; a job that is already terminal is reported as is.
// Only a push that moved an artifact counts the finalization.
func (r *Reconciler) finalize(ctx context.Context, log *logger.Logger, jobID string, now time.Time, moved bool) (models.JobStatus, error) {
	status, err := r.store.FinalizeJob(ctx, jobID, now)
	if err != nil {
		log.Warn("job finalization failed, asking for redelivery", "error", err.Error())
		return "", err
	}
	if moved && status.Terminal() {
		metrics.RecordJobFinalized(string(status))
		log.Info("render job finalized", "job_status", status)
	}
	return status, nil
}
