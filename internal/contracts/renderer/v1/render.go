// Package v1 holds the wire types exchanged with the rendering service.
package v1

import "encoding/json"

// ClipWindow is one clip to cut from the source, in milliseconds.
// RenderID is the id the service should use for this clip in its
// acknowledgement and status pushes.
type ClipWindow struct {
	Index    int    `json:"index"`
	RenderID string `json:"render_id"`
	StartMS  int64  `json:"start_ms"`
	EndMS    int64  `json:"end_ms"`
	Title    string `json:"title,omitempty"`
}

// SubmitRequest is POSTed to /v1/renders.
type SubmitRequest struct {
	// Reference is our job id, echoed back for support lookups.
	Reference   string          `json:"reference"`
	SourceURL   string          `json:"source_url"`
	CallbackURL string          `json:"callback_url"`
	Options     json.RawMessage `json:"options,omitempty"`
	Clips       []ClipWindow    `json:"clips"`
}

// RenderRef maps a submitted clip index to the service's render id. It
// normally echoes ClipWindow.RenderID.
type RenderRef struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

// SubmitResponse is the acknowledgement for a SubmitRequest.
type SubmitResponse struct {
	ID      string      `json:"id"`
	Renders []RenderRef `json:"renders"`
}

// Render status values pushed to the callback URL.
const (
	StatusQueued    = "queued"
	StatusFetching  = "fetching"
	StatusRendering = "rendering"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// WebhookPayload is one status push for a single render. Pushes are
// delivered at least once and may arrive in any order.
type WebhookPayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	SizeBytes  *int64 `json:"size_bytes,omitempty"`
}
