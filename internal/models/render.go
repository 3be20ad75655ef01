package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactReady   ArtifactStatus = "ready"
	ArtifactFailed  ArtifactStatus = "failed"
)

func (s ArtifactStatus) Terminal() bool {
	return s == ArtifactReady || s == ArtifactFailed
}

// CertStatus only ever moves forward along the order below.
type CertStatus string

const (
	CertNotRequested CertStatus = "not_requested"
	CertPending      CertStatus = "pending"
	CertMinting      CertStatus = "minting"
	CertMinted       CertStatus = "minted"
	CertFailed       CertStatus = "failed"
)

var certRank = map[CertStatus]int{
	CertNotRequested: 0,
	CertPending:      1,
	CertMinting:      2,
	CertMinted:       3,
	CertFailed:       3,
}

// CertForward reports whether moving from s to next keeps the chain one-way.
func (s CertStatus) CertForward(next CertStatus) bool {
	a, ok1 := certRank[s]
	b, ok2 := certRank[next]
	return ok1 && ok2 && b > a
}

// RenderStage is the advisory per-clip stage pushed by the rendering service.
type RenderStage string

const (
	StageQueued    RenderStage = "queued"
	StageFetching  RenderStage = "fetching"
	StageRendering RenderStage = "rendering"
)

type RenderJob struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	SourceRef       string          `json:"source_ref"`
	ExternalJobID   *string         `json:"external_job_id,omitempty"`
	Status          JobStatus       `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Options         json.RawMessage `json:"options,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	TotalArtifacts  int             `json:"total_artifacts"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type RenderArtifact struct {
	ID               string         `json:"id"`
	JobID            string         `json:"job_id"`
	ExternalRenderID string         `json:"external_render_id"`
	Index            int            `json:"index"`
	Status           ArtifactStatus `json:"status"`
	OutputLocation   *string        `json:"output_location,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	CertStatus       CertStatus     `json:"cert_status"`
	Score            float64        `json:"score"`
	StartMS          int64          `json:"start_ms"`
	EndMS            int64          `json:"end_ms"`
	Title            string         `json:"title,omitempty"`
	RenderStage      *RenderStage   `json:"render_stage,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
}

// HistoryEntry is one row of render_history, keyed by (ExternalRenderID, Status).
type HistoryEntry struct {
	ExternalRenderID string         `json:"external_render_id"`
	ArtifactID       string         `json:"artifact_id"`
	JobID            string         `json:"job_id"`
	Status           ArtifactStatus `json:"status"`
	CompletedAt      time.Time      `json:"completed_at"`
	DurationMS       *int64         `json:"duration_ms,omitempty"`
	SizeBytes        *int64         `json:"size_bytes,omitempty"`
}

// Messages written into error_message by the pipeline itself.
const (
	MsgRenderFailed   = "render failed"
	MsgNoOutputURL    = "render completed without output url"
	MsgAllClipsFailed = "all clips failed to render"
	MsgRenderTimedOut = "render timed out"
)
