// Package submitter turns a clip request into a render job and hands it to
// the rendering service.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/metrics"
	"clipforge/internal/models"
	"clipforge/internal/pkg/ids"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"
	"clipforge/internal/renderer"

	apperrors "clipforge/internal/pkg/errors"
)

type Clip struct {
	StartMS int64   `json:"start_ms" validate:"gte=0"`
	EndMS   int64   `json:"end_ms" validate:"gtfield=StartMS"`
	Score   float64 `json:"score" validate:"gte=0"`
	Title   string  `json:"title,omitempty" validate:"max=200"`
}

type Request struct {
	// OwnerID comes from the caller identity, never from the body.
	OwnerID   string          `json:"-" validate:"required,max=128"`
	SourceRef string          `json:"source_ref" validate:"required,max=1024"`
	Options   json.RawMessage `json:"options,omitempty"`
	Clips     []Clip          `json:"clips" validate:"required,min=1,max=50,dive"`
}

type Deps struct {
	Store    ports.JobStore
	Renderer renderer.Client
	Storage  ports.StorageProvider
	// CallbackURL is where the service posts status pushes.
	CallbackURL  string
	SourceURLTTL time.Duration
	Validate     *validator.Validate
	Log          *logger.Logger
	Now          func() time.Time
}

type Submitter struct {
	store       ports.JobStore
	renderer    renderer.Client
	storage     ports.StorageProvider
	callbackURL string
	sourceTTL   time.Duration
	validate    *validator.Validate
	log         *logger.Logger
	now         func() time.Time
}

func New(d Deps) *Submitter {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	if d.Validate == nil {
		d.Validate = validator.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SourceURLTTL <= 0 {
		d.SourceURLTTL = 6 * time.Hour
	}
	return &Submitter{
		store:       d.Store,
		renderer:    d.Renderer,
		storage:     d.Storage,
		callbackURL: d.CallbackURL,
		sourceTTL:   d.SourceURLTTL,
		validate:    d.Validate,
		log:         d.Log.WithComponent("submitter"),
		now:         d.Now,
	}
}

// Submit validates and authorizes req, records a pending job with one
// placeholder artifact per clip and calls the rendering service. Each clip
// is offered a render id up front, so a push that beats the acknowledgement
// still finds its artifact. On acknowledgement the job moves to processing.
// If the service call fails the job stays pending without an external id and
// a CodeUpstream error is returned.
func (s *Submitter) Submit(ctx context.Context, req Request) (*models.RenderJob, error) {
	const op = "submitter.submit"

	if err := s.check(req); err != nil {
		metrics.RecordSubmission(metrics.SubmissionRejected)
		return nil, err
	}

	sourceURL, err := s.resolveSource(ctx, req)
	if err != nil {
		metrics.RecordSubmission(metrics.SubmissionRejected)
		return nil, err
	}

	job := &models.RenderJob{
		ID:             ids.NewJob(),
		OwnerID:        req.OwnerID,
		SourceRef:      req.SourceRef,
		Status:         models.JobPending,
		CurrentStep:    "submitting",
		Options:        req.Options,
		TotalArtifacts: len(req.Clips),
		CreatedAt:      s.now().UTC(),
	}
	artifacts := placeholders(req.Clips)
	if err := s.store.CreateJob(ctx, job, artifacts...); err != nil {
		metrics.RecordSubmission(metrics.SubmissionInternal)
		return nil, apperrors.Wrap(err, op, "create render job")
	}

	ctx = logger.ContextWithJobID(ctx, job.ID)
	log := s.log.WithJobID(job.ID)

	clips := make([]contracts.ClipWindow, len(artifacts))
	for i, a := range artifacts {
		clips[i] = contracts.ClipWindow{Index: i, RenderID: a.ExternalRenderID, StartMS: a.StartMS, EndMS: a.EndMS, Title: a.Title}
	}

	res, err := s.renderer.Submit(ctx, contracts.SubmitRequest{
		Reference:   job.ID,
		SourceURL:   sourceURL,
		CallbackURL: s.callbackURL,
		Options:     req.Options,
		Clips:       clips,
	})
	if err != nil {
		metrics.RecordSubmission(metrics.SubmissionUpstream)
		log.Warn("rendering service rejected submission", "error", err.Error())
		return nil, apperrors.Upstream(err, op, upstreamStatus(err)).WithField("job_id", job.ID)
	}

	remapped, err := applyRenderIDs(artifacts, res)
	if err != nil {
		metrics.RecordSubmission(metrics.SubmissionUpstream)
		log.Error("rendering service acknowledged with an unusable response",
			"external_job_id", res.ID, "error", err.Error())
		return nil, apperrors.Upstream(err, op, 0).WithField("job_id", job.ID)
	}
	if remapped > 0 {
		log.Warn("rendering service replaced offered render ids; pushes sent before the acknowledgement are lost",
			"remapped", remapped)
	}

	now := s.now().UTC()
	if err := s.store.MarkJobSubmitted(ctx, job.ID, res.ID, artifacts, now); err != nil {
		metrics.RecordSubmission(metrics.SubmissionInternal)
		s.log.LogError(ctx, "render accepted upstream but not recorded", err, "external_job_id", res.ID)
		return nil, apperrors.Wrap(err, op, "record submission")
	}

	// Pushes that arrived before the acknowledgement could not finish the
	// job while it was pending.
	if status, err := s.store.FinalizeJob(ctx, job.ID, now); err != nil {
		log.Warn("finalization after submission failed", "error", err.Error())
	} else if status.Terminal() {
		metrics.RecordJobFinalized(string(status))
	}

	metrics.RecordSubmission(metrics.SubmissionAccepted)
	log.Info("render job submitted", "external_job_id", res.ID, "clips", len(artifacts))

	out, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "reload render job")
	}
	return out, nil
}

func (s *Submitter) check(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make(map[string]any, len(verrs))
			for _, e := range verrs {
				fields[e.Namespace()] = e.Tag()
			}
			return apperrors.Validationf("invalid field %s (%s)", verrs[0].Field(), verrs[0].Tag()).WithFields(fields)
		}
		return apperrors.Validation(err.Error())
	}
	if len(req.Options) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Options, &obj); err != nil {
			return apperrors.ValidationField("options", "options must be a JSON object")
		}
	}
	return nil
}

// resolveSource checks the source exists and belongs to the caller, and
// returns a URL the rendering service can fetch.
func (s *Submitter) resolveSource(ctx context.Context, req Request) (string, error) {
	const op = "submitter.resolve_source"

	info, err := s.storage.Stat(ctx, req.SourceRef)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return "", apperrors.NotFound("source", req.SourceRef)
	}
	if errors.Is(err, ports.ErrInvalidObjectKey) {
		return "", apperrors.ValidationField("source_ref", "invalid source reference")
	}
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "storage lookup failed")
	}

	if SourceOwner(req.SourceRef, info) != req.OwnerID {
		return "", apperrors.Forbidden("source does not belong to caller").WithField("source_ref", req.SourceRef)
	}

	signed, err := s.storage.GetSignedURL(ctx, req.SourceRef, s.sourceTTL)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "sign source url")
	}
	return signed.URL, nil
}

// SourceOwner prefers the owner recorded by the provider and falls back to
// the sources/<owner>/ key convention.
func SourceOwner(objectKey string, info ports.ObjectInfo) string {
	if info.OwnerID != "" {
		return info.OwnerID
	}
	rest, ok := strings.CutPrefix(objectKey, "sources/")
	if !ok {
		return ""
	}
	owner, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return owner
}

func placeholders(clips []Clip) []models.RenderArtifact {
	out := make([]models.RenderArtifact, len(clips))
	for i, c := range clips {
		out[i] = models.RenderArtifact{
			ID:               ids.NewArtifact(),
			ExternalRenderID: ids.NewRender(),
			Index:            i,
			Status:           models.ArtifactPending,
			CertStatus:       models.CertNotRequested,
			Score:            c.Score,
			StartMS:          c.StartMS,
			EndMS:            c.EndMS,
			Title:            c.Title,
		}
	}
	return out
}

// applyRenderIDs adopts any render id the service chose instead of the one
// offered and reports how many changed. Clips it does not mention keep the
// offered id.
func applyRenderIDs(artifacts []models.RenderArtifact, res *contracts.SubmitResponse) (int, error) {
	if res.ID == "" {
		return 0, errors.New("renderer response missing job id")
	}
	remapped := 0
	seen := make(map[int]bool, len(res.Renders))
	for _, r := range res.Renders {
		if r.Index < 0 || r.Index >= len(artifacts) || seen[r.Index] {
			return 0, fmt.Errorf("renderer response has invalid clip index %d", r.Index)
		}
		seen[r.Index] = true
		if r.ID != "" && r.ID != artifacts[r.Index].ExternalRenderID {
			artifacts[r.Index].ExternalRenderID = r.ID
			remapped++
		}
	}
	return remapped, nil
}

func upstreamStatus(err error) int {
	var se *renderer.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
