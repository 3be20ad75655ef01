// Package postgres implements ports.JobStore on a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipforge/internal/models"
	"clipforge/internal/ports"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects a new pool and pings it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// Pool exposes the pool for health reporting.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

const jobColumns = `id, owner_id, source_ref, external_job_id, status, progress_percent,
	COALESCE(current_step, ''), options_json, error_message, total_artifacts,
	created_at, started_at, completed_at`

const artifactColumns = `id, job_id, external_render_id, clip_index, status, output_location,
	error_message, cert_status, score, start_ms, end_ms, COALESCE(title, ''), render_stage,
	created_at, completed_at, deleted_at`

func (s *Store) CreateJob(ctx context.Context, j *models.RenderJob, placeholders ...models.RenderArtifact) error {
	options := j.Options
	if len(options) == 0 {
		options = []byte("{}")
	}
	var createdAt *time.Time
	if !j.CreatedAt.IsZero() {
		createdAt = &j.CreatedAt
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO render_jobs (id, owner_id, source_ref, status, current_step, options_json, total_artifacts, created_at)
		VALUES ($1,$2,$3,'pending',$4,$5,$6,COALESCE($7, now()))
		RETURNING created_at
	`, j.ID, j.OwnerID, j.SourceRef, nullIfEmpty(j.CurrentStep), string(options), j.TotalArtifacts, createdAt).Scan(&j.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("render job %s already exists: %w", j.ID, err)
		}
		return err
	}
	if err := upsertArtifacts(ctx, tx, j.ID, placeholders, j.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	j.Status = models.JobPending
	return nil
}

func (s *Store) MarkJobSubmitted(ctx context.Context, jobID, externalJobID string, artifacts []models.RenderArtifact, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE render_jobs
		SET external_job_id=$2, status='processing', started_at=$3,
		    current_step='rendering', total_artifacts=$4
		WHERE id=$1 AND status='pending' AND external_job_id IS NULL
	`, jobID, externalJobID, at, len(artifacts))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark submitted %s: %w", jobID, ports.ErrJobNotFound)
	}
	if err := upsertArtifacts(ctx, tx, jobID, artifacts, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// upsertArtifacts inserts placeholders; a row that already exists for the
// same job only takes the new render id.
func upsertArtifacts(ctx context.Context, tx pgx.Tx, jobID string, artifacts []models.RenderArtifact, at time.Time) error {
	if len(artifacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range artifacts {
		batch.Queue(`
			INSERT INTO render_artifacts (id, job_id, external_render_id, clip_index, score, start_ms, end_ms, title, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET external_render_id = EXCLUDED.external_render_id
			WHERE render_artifacts.job_id = EXCLUDED.job_id
		`, a.ID, jobID, a.ExternalRenderID, a.Index, a.Score, a.StartMS, a.EndMS, nullIfEmpty(a.Title), at)
	}
	br := tx.SendBatch(ctx, batch)
	for _, a := range artifacts {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			_ = br.Close()
			return fmt.Errorf("artifact %s belongs to another job", a.ID)
		}
	}
	return br.Close()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.RenderJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id=$1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f ports.ListJobsFilter) ([]models.RenderJob, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM render_jobs
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, f.OwnerID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RenderJob, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]models.RenderArtifact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM render_artifacts
		WHERE job_id=$1 AND deleted_at IS NULL
		ORDER BY score DESC, clip_index ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RenderArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) FindArtifactByExternalID(ctx context.Context, externalRenderID string) (*models.RenderArtifact, error) {
	row := s.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM render_artifacts WHERE external_render_id=$1`, externalRenderID)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) MarkArtifactReady(ctx context.Context, artifactID, outputLocation string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE render_artifacts
		SET status='ready', output_location=$2, completed_at=$3, render_stage=NULL
		WHERE id=$1 AND status='pending'
	`, artifactID, outputLocation, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkArtifactFailed(ctx context.Context, artifactID, message string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE render_artifacts
		SET status='failed', error_message=$2, completed_at=$3, render_stage=NULL
		WHERE id=$1 AND status='pending'
	`, artifactID, message, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateArtifactStage(ctx context.Context, artifactID string, stage models.RenderStage) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE render_artifacts
		SET render_stage=$2
		WHERE id=$1 AND status='pending'
	`, artifactID, string(stage))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AdvanceCert(ctx context.Context, artifactID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE render_artifacts
		SET cert_status='pending'
		WHERE id=$1 AND status='ready' AND cert_status='not_requested'
	`, artifactID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, at time.Time) (models.JobStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		UPDATE render_jobs j
		SET progress_percent = CASE WHEN t.total = 0 THEN j.progress_percent
		                            ELSE (t.terminal * 100) / t.total END,
		    status = CASE WHEN t.total > 0 AND t.pending = 0 AND t.ready > 0 THEN 'completed'
		                  WHEN t.total > 0 AND t.pending = 0 THEN 'failed'
		                  ELSE j.status END,
		    error_message = CASE WHEN t.total > 0 AND t.pending = 0 AND t.ready = 0 THEN $3
		                         ELSE j.error_message END,
		    current_step = CASE WHEN t.total > 0 AND t.pending = 0 THEN NULL ELSE j.current_step END,
		    completed_at = CASE WHEN t.total > 0 AND t.pending = 0 THEN $2 ELSE j.completed_at END
		FROM (
		    SELECT count(*) AS total,
		           count(*) FILTER (WHERE status = 'pending') AS pending,
		           count(*) FILTER (WHERE status = 'ready') AS ready,
		           count(*) FILTER (WHERE status <> 'pending') AS terminal
		    FROM render_artifacts
		    WHERE job_id = $1 AND deleted_at IS NULL
		) t
		WHERE j.id = $1 AND j.status = 'processing'
		RETURNING j.status
	`, jobID, at, models.MsgAllClipsFailed).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return "", getErr
		}
		return j.Status, nil
	}
	if err != nil {
		return "", err
	}
	return models.JobStatus(status), nil
}

func (s *Store) FailStalledJobs(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE render_jobs
		SET status='failed', error_message=$2, completed_at=$3, current_step=NULL
		WHERE status IN ('pending','processing') AND created_at < $1
		RETURNING id
	`, cutoff, message, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) InsertHistory(ctx context.Context, e models.HistoryEntry) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO render_history (external_render_id, status, artifact_id, job_id, completed_at, duration_ms, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (external_render_id, status) DO NOTHING
	`, e.ExternalRenderID, string(e.Status), e.ArtifactID, e.JobID, e.CompletedAt, e.DurationMS, e.SizeBytes)
	if err != nil {
		if IsUndefinedTable(err) {
			return false, fmt.Errorf("render_history missing, run migrations: %w", err)
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListHistory(ctx context.Context, jobID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT external_render_id, status, artifact_id, job_id, completed_at, duration_ms, size_bytes
		FROM render_history
		WHERE job_id=$1
		ORDER BY completed_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e      models.HistoryEntry
			status string
		)
		if err := rows.Scan(&e.ExternalRenderID, &status, &e.ArtifactID, &e.JobID, &e.CompletedAt, &e.DurationMS, &e.SizeBytes); err != nil {
			return nil, err
		}
		e.Status = models.ArtifactStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*models.RenderJob, error) {
	var (
		j       models.RenderJob
		status  string
		options []byte
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceRef, &j.ExternalJobID, &status, &j.ProgressPercent,
		&j.CurrentStep, &options, &j.ErrorMessage, &j.TotalArtifacts,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Options = options
	return &j, nil
}

func scanArtifact(row pgx.Row) (*models.RenderArtifact, error) {
	var (
		a      models.RenderArtifact
		status string
		cert   string
		stage  *string
	)
	err := row.Scan(
		&a.ID, &a.JobID, &a.ExternalRenderID, &a.Index, &status, &a.OutputLocation,
		&a.ErrorMessage, &cert, &a.Score, &a.StartMS, &a.EndMS, &a.Title, &stage,
		&a.CreatedAt, &a.CompletedAt, &a.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.ArtifactStatus(status)
	a.CertStatus = models.CertStatus(cert)
	if stage != nil {
		st := models.RenderStage(*stage)
		a.RenderStage = &st
	}
	return &a, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
