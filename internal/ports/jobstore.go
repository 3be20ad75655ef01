package ports

import (
	"context"
	"errors"
	"time"

	"clipforge/internal/models"
)

var (
	ErrJobNotFound      = errors.New("render job not found")
	ErrArtifactNotFound = errors.New("render artifact not found")
)

// ListJobsFilter narrows ListJobs. Zero values mean "any".
type ListJobsFilter struct {
	OwnerID string
	Status  models.JobStatus
	Limit   int
}

// JobReader is the read side of the store. The status poller only needs this.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*models.RenderJob, error)
	// ListArtifacts returns the non-deleted artifacts of a job, highest score first.
	ListArtifacts(ctx context.Context, jobID string) ([]models.RenderArtifact, error)
}

// JobStore persists render jobs and their artifacts.
//
// Every Mark*/Advance* method is a single conditional UPDATE and reports
// whether a row actually transitioned. A false result with a nil error
// means the guard did not match (already terminal, wrong state); callers
// treat that as a no-op.
type JobStore interface {
	JobReader

	// CreateJob inserts a pending job and its placeholder artifacts in one
	// transaction, so pushes for those render ids correlate from the start.
	CreateJob(ctx context.Context, job *models.RenderJob, placeholders ...models.RenderArtifact) error
	// MarkJobSubmitted records the service's job id and flips the job
	// pending -> processing, atomically with an upsert of artifacts by id:
	// missing ones are inserted, existing ones take the given render id.
	MarkJobSubmitted(ctx context.Context, jobID, externalJobID string, artifacts []models.RenderArtifact, at time.Time) error
	ListJobs(ctx context.Context, f ListJobsFilter) ([]models.RenderJob, error)

	FindArtifactByExternalID(ctx context.Context, externalRenderID string) (*models.RenderArtifact, error)
	MarkArtifactReady(ctx context.Context, artifactID, outputLocation string, at time.Time) (bool, error)
	MarkArtifactFailed(ctx context.Context, artifactID, message string, at time.Time) (bool, error)
	UpdateArtifactStage(ctx context.Context, artifactID string, stage models.RenderStage) (bool, error)
	AdvanceCert(ctx context.Context, artifactID string) (bool, error)

	// FinalizeJob refreshes progress on a processing job and moves it to a
	// terminal state once no artifact is pending. It returns the job status
	// after the update.
	FinalizeJob(ctx context.Context, jobID string, at time.Time) (models.JobStatus, error)
	// FailStalledJobs fails pending/processing jobs created before cutoff and
	// returns their ids. Artifacts are left alone.
	FailStalledJobs(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]string, error)

	// InsertHistory records an audit row; a duplicate (render id, status)
	// pair is ignored and reported as false.
	InsertHistory(ctx context.Context, e models.HistoryEntry) (bool, error)
	ListHistory(ctx context.Context, jobID string) ([]models.HistoryEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
