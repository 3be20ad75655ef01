package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/httpkit"
	"clipforge/internal/models"
	"clipforge/internal/ports"
	"clipforge/internal/submitter"
)

const ownerHeader = handlers.OwnerHeader

// apiError is a non-2xx answer from the API.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// apiClient talks to the clipforge API. It also serves as the poller's
// ports.JobReader: GetJob fetches the whole view and ListArtifacts answers
// from it, so each poll tick is a single request.
type apiClient struct {
	base    string
	owner   string
	http    *http.Client
	timeout time.Duration

	mu        sync.Mutex
	artifacts map[string][]models.RenderArtifact
}

func newAPIClient(base, owner string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		base:      strings.TrimRight(base, "/"),
		owner:     owner,
		http:      &http.Client{},
		timeout:   timeout,
		artifacts: make(map[string][]models.RenderArtifact),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, hdr http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set(ownerHeader, c.owner)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var env httpkit.ErrorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	hdr := http.Header{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		hdr.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, path, body, hdr, out)
}

// Upload streams a local file to POST /sources and returns its source_ref.
func (c *apiClient) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = "video/mp4"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out struct {
		Source struct {
			SourceRef string `json:"source_ref"`
		} `json:"source"`
	}
	hdr := http.Header{"Content-Type": {mw.FormDataContentType()}}
	if err := c.do(ctx, http.MethodPost, "/sources", pr, hdr, &out); err != nil {
		_ = pr.CloseWithError(err)
		return "", err
	}
	return out.Source.SourceRef, nil
}

func (c *apiClient) Submit(ctx context.Context, req submitter.Request) (handlers.JobView, error) {
	var view handlers.JobView
	err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &view)
	return view, err
}

func (c *apiClient) ListJobs(ctx context.Context, status string, limit int) ([]models.RenderJob, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []models.RenderJob `json:"jobs"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

func (c *apiClient) View(ctx context.Context, jobID string) (handlers.JobView, error) {
	var view handlers.JobView
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &view)
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		return view, fmt.Errorf("%w: %s", ports.ErrJobNotFound, jobID)
	}
	return view, err
}

func (c *apiClient) GetJob(ctx context.Context, jobID string) (*models.RenderJob, error) {
	view, err := c.View(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.artifacts[jobID] = view.Artifacts
	c.mu.Unlock()
	return view.Job, nil
}

func (c *apiClient) ListArtifacts(ctx context.Context, jobID string) ([]models.RenderArtifact, error) {
	c.mu.Lock()
	arts, ok := c.artifacts[jobID]
	delete(c.artifacts, jobID)
	c.mu.Unlock()
	if ok {
		return arts, nil
	}
	view, err := c.View(ctx, jobID)
	return view.Artifacts, err
}

// Push posts a raw status push to the webhook endpoint.
func (c *apiClient) Push(ctx context.Context, body []byte, hdr http.Header) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	hdr.Set("Content-Type", "application/json")
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/webhooks/render", bytes.NewReader(body), hdr, &out)
	return out, err
}
