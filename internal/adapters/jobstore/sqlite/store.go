// Package sqlite implements ports.JobStore on an embedded SQLite database.
// It backs single-node deployments and the SQL-level tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"clipforge/internal/models"
	"clipforge/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

var ErrSchemaMismatch = errors.New("schema version mismatch")

type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func withPragmas(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database %s has version %d, expected %d",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, owner_id, source_ref, external_job_id, status, progress_percent,
	COALESCE(current_step, ''), options_json, error_message, total_artifacts,
	created_at, started_at, completed_at`

const artifactColumns = `id, job_id, external_render_id, clip_index, status, output_location,
	error_message, cert_status, score, start_ms, end_ms, COALESCE(title, ''), render_stage,
	created_at, completed_at, deleted_at`

func (s *Store) CreateJob(ctx context.Context, j *models.RenderJob, placeholders ...models.RenderArtifact) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	options := string(j.Options)
	if options == "" {
		options = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO render_jobs (id, owner_id, source_ref, status, current_step, options_json, total_artifacts, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)
	`, j.ID, j.OwnerID, j.SourceRef, nullString(j.CurrentStep), options, j.TotalArtifacts, toMillis(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert render job %s: %w", j.ID, err)
	}
	if err := upsertArtifacts(ctx, tx, j.ID, placeholders, j.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	j.Status = models.JobPending
	return nil
}

func (s *Store) MarkJobSubmitted(ctx context.Context, jobID, externalJobID string, artifacts []models.RenderArtifact, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE render_jobs
		SET external_job_id = ?, status = 'processing', started_at = ?,
		    current_step = 'rendering', total_artifacts = ?
		WHERE id = ? AND status = 'pending' AND external_job_id IS NULL
	`, externalJobID, toMillis(at), len(artifacts), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark submitted %s: %w", jobID, ports.ErrJobNotFound)
	}
	if err := upsertArtifacts(ctx, tx, jobID, artifacts, at); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertArtifacts inserts placeholders; a row that already exists for the
// same job only takes the new render id.
func upsertArtifacts(ctx context.Context, tx *sql.Tx, jobID string, artifacts []models.RenderArtifact, at time.Time) error {
	for _, a := range artifacts {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO render_artifacts (id, job_id, external_render_id, clip_index, score, start_ms, end_ms, title, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET external_render_id = excluded.external_render_id
			WHERE render_artifacts.job_id = excluded.job_id
		`, a.ID, jobID, a.ExternalRenderID, a.Index, a.Score, a.StartMS, a.EndMS, nullString(a.Title), toMillis(at))
		if err != nil {
			return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("artifact %s belongs to another job", a.ID)
		}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM render_jobs
		WHERE (?1 = '' OR owner_id = ?1) AND (?2 = '' OR status = ?2)
		ORDER BY created_at DESC
		LIMIT ?3
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM render_artifacts
		WHERE job_id = ? AND deleted_at IS NULL
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
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM render_artifacts WHERE external_render_id = ?`, externalRenderID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) MarkArtifactReady(ctx context.Context, artifactID, outputLocation string, at time.Time) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE render_artifacts
		SET status = 'ready', output_location = ?, completed_at = ?, render_stage = NULL
		WHERE id = ? AND status = 'pending'
	`, outputLocation, toMillis(at), artifactID)
}

func (s *Store) MarkArtifactFailed(ctx context.Context, artifactID, message string, at time.Time) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE render_artifacts
		SET status = 'failed', error_message = ?, completed_at = ?, render_stage = NULL
		WHERE id = ? AND status = 'pending'
	`, message, toMillis(at), artifactID)
}

func (s *Store) UpdateArtifactStage(ctx context.Context, artifactID string, stage models.RenderStage) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE render_artifacts SET render_stage = ?
		WHERE id = ? AND status = 'pending'
	`, string(stage), artifactID)
}

func (s *Store) AdvanceCert(ctx context.Context, artifactID string) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE render_artifacts SET cert_status = 'pending'
		WHERE id = ? AND status = 'ready' AND cert_status = 'not_requested'
	`, artifactID)
}

func (s *Store) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, at time.Time) (models.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE render_jobs
		SET progress_percent = CASE WHEN t.total = 0 THEN render_jobs.progress_percent
		                            ELSE (t.terminal * 100) / t.total END,
		    status = CASE WHEN t.total > 0 AND t.pending = 0 AND t.ready > 0 THEN 'completed'
		                  WHEN t.total > 0 AND t.pending = 0 THEN 'failed'
		                  ELSE render_jobs.status END,
		    error_message = CASE WHEN t.total > 0 AND t.pending = 0 AND t.ready = 0 THEN ?3
		                         ELSE render_jobs.error_message END,
		    current_step = CASE WHEN t.total > 0 AND t.pending = 0 THEN NULL
		                        ELSE render_jobs.current_step END,
		    completed_at = CASE WHEN t.total > 0 AND t.pending = 0 THEN ?2
		                        ELSE render_jobs.completed_at END
		FROM (
		    SELECT COUNT(*) AS total,
		           COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
		           COALESCE(SUM(CASE WHEN status = 'ready' THEN 1 ELSE 0 END), 0) AS ready,
		           COALESCE(SUM(CASE WHEN status <> 'pending' THEN 1 ELSE 0 END), 0) AS terminal
		    FROM render_artifacts
		    WHERE job_id = ?1 AND deleted_at IS NULL
		) AS t
		WHERE render_jobs.id = ?1 AND render_jobs.status = 'processing'
		RETURNING status
	`, jobID, toMillis(at), models.MsgAllClipsFailed).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
		UPDATE render_jobs
		SET status = 'failed', error_message = ?, completed_at = ?, current_step = NULL
		WHERE status IN ('pending', 'processing') AND created_at < ?
		RETURNING id
	`, message, toMillis(at), toMillis(cutoff))
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
	return s.execCAS(ctx, `
		INSERT INTO render_history (external_render_id, status, artifact_id, job_id, completed_at, duration_ms, size_bytes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_render_id, status) DO NOTHING
	`, e.ExternalRenderID, string(e.Status), e.ArtifactID, e.JobID, toMillis(e.CompletedAt),
		nullInt64(e.DurationMS), nullInt64(e.SizeBytes), toMillis(time.Now()))
}

func (s *Store) ListHistory(ctx context.Context, jobID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_render_id, status, artifact_id, job_id, completed_at, duration_ms, size_bytes
		FROM render_history
		WHERE job_id = ?
		ORDER BY completed_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e           models.HistoryEntry
			status      string
			completedAt int64
			duration    sql.NullInt64
			size        sql.NullInt64
		)
		if err := rows.Scan(&e.ExternalRenderID, &status, &e.ArtifactID, &e.JobID, &completedAt, &duration, &size); err != nil {
			return nil, err
		}
		e.Status = models.ArtifactStatus(status)
		e.CompletedAt = fromMillis(completedAt)
		e.DurationMS = int64Ptr(duration)
		e.SizeBytes = int64Ptr(size)
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.RenderJob, error) {
	var (
		j                      models.RenderJob
		externalID, errMsg     sql.NullString
		status, options        string
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceRef, &externalID, &status, &j.ProgressPercent,
		&j.CurrentStep, &options, &errMsg, &j.TotalArtifacts,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ExternalJobID = stringPtr(externalID)
	j.Status = models.JobStatus(status)
	j.Options = []byte(options)
	j.ErrorMessage = stringPtr(errMsg)
	j.CreatedAt = fromMillis(createdAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

func scanArtifact(row scanner) (*models.RenderArtifact, error) {
	var (
		a                      models.RenderArtifact
		status, cert           string
		output, errMsg, stage  sql.NullString
		createdAt              int64
		completedAt, deletedAt sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.JobID, &a.ExternalRenderID, &a.Index, &status, &output,
		&errMsg, &cert, &a.Score, &a.StartMS, &a.EndMS, &a.Title, &stage,
		&createdAt, &completedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.ArtifactStatus(status)
	a.CertStatus = models.CertStatus(cert)
	a.OutputLocation = stringPtr(output)
	a.ErrorMessage = stringPtr(errMsg)
	if stage.Valid {
		st := models.RenderStage(stage.String)
		a.RenderStage = &st
	}
	a.CreatedAt = fromMillis(createdAt)
	a.CompletedAt = timePtr(completedAt)
	a.DeletedAt = timePtr(deletedAt)
	return &a, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
