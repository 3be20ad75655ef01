package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clipforge/internal/httpkit"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"
	"clipforge/internal/submitter"

	apperrors "clipforge/internal/pkg/errors"
)

// JobView is the body of GET /jobs/{jobId} and of every job event.
type JobView struct {
	Job       *models.RenderJob       `json:"job"`
	Artifacts []models.RenderArtifact `json:"artifacts"`
}

// PostJob submits a clip render request for the calling owner.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := owner(r)
	if err != nil {
		return err
	}

	var req submitter.Request
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return apperrors.Validationf("invalid json body: %v", err)
	}
	req.OwnerID = ownerID

	job, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		return err
	}

	arts, err := h.store.ListArtifacts(r.Context(), job.ID)
	if err != nil {
		return apperrors.Wrap(err, "handlers.post_job", "list artifacts")
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	httpkit.WriteJSON(w, http.StatusCreated, JobView{Job: job, Artifacts: nonNil(arts)})
	return nil
}

// ListJobs returns the caller's jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := owner(r)
	if err != nil {
		return err
	}

	q := r.URL.Query()
	f := ports.ListJobsFilter{OwnerID: ownerID}

	if s := strings.TrimSpace(q.Get("status")); s != "" {
		switch st := models.JobStatus(s); st {
		case models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed:
			f.Status = st
		default:
			return apperrors.ValidationField("status", "unknown job status").WithField("value", s)
		}
	}
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 200 {
			return apperrors.ValidationField("limit", "limit must be between 1 and 200")
		}
		f.Limit = v
	}

	jobs, err := h.store.ListJobs(r.Context(), f)
	if err != nil {
		return apperrors.Wrap(err, "handlers.list_jobs", "list jobs")
	}
	if jobs == nil {
		jobs = []models.RenderJob{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

// GetJob returns one job with its artifacts, best score first.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := owner(r)
	if err != nil {
		return err
	}
	view, err := h.loadJob(r.Context(), chi.URLParam(r, "jobId"), ownerID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, view)
	return nil
}

// GetJobHistory returns the render_history rows of a job.
func (h *Handler) GetJobHistory(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := owner(r)
	if err != nil {
		return err
	}
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.ownedJob(r.Context(), jobID, ownerID); err != nil {
		return err
	}
	rows, err := h.store.ListHistory(r.Context(), jobID)
	if err != nil {
		return apperrors.Wrap(err, "handlers.job_history", "list history")
	}
	if rows == nil {
		rows = []models.HistoryEntry{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"history": rows})
	return nil
}

// ownedJob hides other owners' jobs behind a plain not found.
func (h *Handler) ownedJob(ctx context.Context, jobID, ownerID string) (*models.RenderJob, error) {
	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, ports.ErrJobNotFound) || (err == nil && job.OwnerID != ownerID) {
		return nil, apperrors.NotFound("render job", jobID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "handlers.get_job", "get job")
	}
	return job, nil
}

func (h *Handler) loadJob(ctx context.Context, jobID, ownerID string) (JobView, error) {
	job, err := h.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return JobView{}, err
	}
	arts, err := h.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return JobView{}, apperrors.Wrap(err, "handlers.get_job", "list artifacts")
	}
	ctx = logger.ContextWithJobID(ctx, jobID)
	h.log.FromContext(ctx).Debug("job loaded", "status", string(job.Status), "artifacts", len(arts))
	return JobView{Job: job, Artifacts: nonNil(arts)}, nil
}

func nonNil(a []models.RenderArtifact) []models.RenderArtifact {
	if a == nil {
		return []models.RenderArtifact{}
	}
	return a
}
