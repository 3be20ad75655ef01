package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clipforge/internal/adapters/jobstore/sqlite"
	"clipforge/internal/adapters/storage/localfs"
	"clipforge/internal/audit"
	"clipforge/internal/certify"
	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/httpkit"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/poller"
	"clipforge/internal/reconciler"
	"clipforge/internal/submitter"
	"clipforge/internal/webhook"
)

const secret = "whsec_test"

// echoRenderer acknowledges every batch with its own render ids
// "<reference>-r<index>" in place of the offered ones.
type echoRenderer struct{}

func (echoRenderer) Submit(_ context.Context, req contracts.SubmitRequest) (*contracts.SubmitResponse, error) {
	out := &contracts.SubmitResponse{ID: "ext-" + req.Reference}
	for _, c := range req.Clips {
		out.Renders = append(out.Renders, contracts.RenderRef{Index: c.Index, ID: fmt.Sprintf("%s-r%d", req.Reference, c.Index)})
	}
	return out, nil
}

type api struct {
	srv   *httptest.Server
	store *sqlite.Store
	fs    *localfs.LocalFS
}

func newAPI(t *testing.T, requireSignature bool) *api {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "clipforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	a := &api{store: st}
	var handler http.Handler
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(a.srv.Close)

	a.fs = localfs.New(t.TempDir(), a.srv.URL, "signing-key")

	sub := submitter.New(submitter.Deps{
		Store:       st,
		Renderer:    echoRenderer{},
		Storage:     a.fs,
		CallbackURL: a.srv.URL + "/webhooks/render",
		Log:         log,
	})
	rec := reconciler.New(reconciler.Deps{
		Store:   st,
		Chainer: certify.New(st, log),
		Audit:   audit.NewStoreSink(st),
		Log:     log,
	})
	verifierSecret := ""
	if requireSignature {
		verifierSecret = secret
	}

	handler = NewRouter(Deps{
		Log:            log,
		RequestTimeout: 5 * time.Second,
		CORSOrigins:    []string{"http://localhost:5173"},
		Handlers: handlers.Deps{
			Store:      st,
			Submitter:  sub,
			Reconciler: rec,
			Verifier:   webhook.NewVerifier(verifierSecret, requireSignature, time.Minute),
			Events:     poller.Config{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second},
			Storage:    a.fs,
			Version:    "test",
		},
	})
	return a
}

func (a *api) do(t *testing.T, method, path, owner string, body io.Reader, hdr http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if owner != "" {
		req.Header.Set(handlers.OwnerHeader, owner)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

// upload posts a small mp4 for owner and returns its source_ref.
func (a *api) upload(t *testing.T, owner string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="talk.mp4"`)
	h.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("not really a video"))
	_ = mw.Close()

	resp := a.do(t, http.MethodPost, "/sources", owner, &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
	expectStatus(t, resp, http.StatusCreated)
	out := decode[struct {
		Source struct {
			SourceRef string `json:"source_ref"`
		} `json:"source"`
	}](t, resp)
	return out.Source.SourceRef
}

func (a *api) submit(t *testing.T, owner, sourceRef string, clips int) handlers.JobView {
	t.Helper()
	var cs []string
	for i := 0; i < clips; i++ {
		cs = append(cs, fmt.Sprintf(`{"start_ms":%d,"end_ms":%d,"score":%d}`, i*10000, i*10000+5000, i+1))
	}
	body := fmt.Sprintf(`{"source_ref":%q,"clips":[%s]}`, sourceRef, strings.Join(cs, ","))
	resp := a.do(t, http.MethodPost, "/jobs", owner, strings.NewReader(body), nil)
	expectStatus(t, resp, http.StatusCreated)
	return decode[handlers.JobView](t, resp)
}

func (a *api) push(t *testing.T, p contracts.WebhookPayload, sign bool) *http.Response {
	t.Helper()
	body, _ := json.Marshal(p)
	hdr := http.Header{}
	if sign {
		sig, ts := webhook.Sign(secret, time.Now(), body)
		hdr.Set(webhook.SignatureHeader, sig)
		hdr.Set(webhook.TimestampHeader, ts)
	}
	return a.do(t, http.MethodPost, "/webhooks/render", "", bytes.NewReader(body), hdr)
}

func TestSubmitAndReconcile(t *testing.T) {
	a := newAPI(t, false)
	ref := a.upload(t, "owner-1")
	if !strings.HasPrefix(ref, "sources/owner-1/") || !strings.HasSuffix(ref, ".mp4") {
		t.Fatalf("source_ref = %q", ref)
	}

	view := a.submit(t, "owner-1", ref, 2)
	jobID := view.Job.ID
	if view.Job.Status != models.JobProcessing || len(view.Artifacts) != 2 {
		t.Fatalf("submitted view = %+v", view)
	}

	resp := a.push(t, contracts.WebhookPayload{ID: jobID + "-r0", Status: contracts.StatusDone, URL: "https://cdn/clip0.mp4"}, false)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[map[string]any](t, resp); out["outcome"] != "transitioned" {
		t.Errorf("outcome = %v", out["outcome"])
	}
	expectStatus(t, a.push(t, contracts.WebhookPayload{ID: jobID + "-r1", Status: contracts.StatusFailed}, false), http.StatusOK)

	resp = a.do(t, http.MethodGet, "/jobs/"+jobID, "owner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[handlers.JobView](t, resp)
	if got.Job.Status != models.JobCompleted || got.Job.ProgressPercent != 100 {
		t.Errorf("job = %+v", got.Job)
	}
	for _, art := range got.Artifacts {
		switch art.ExternalRenderID {
		case jobID + "-r0":
			if art.Status != models.ArtifactReady || art.CertStatus != models.CertPending {
				t.Errorf("ready artifact = %+v", art)
			}
		case jobID + "-r1":
			if art.Status != models.ArtifactFailed || art.ErrorMessage == nil || *art.ErrorMessage != models.MsgRenderFailed {
				t.Errorf("failed artifact = %+v", art)
			}
		}
	}

	resp = a.do(t, http.MethodGet, "/jobs/"+jobID+"/history", "owner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if h := decode[map[string][]models.HistoryEntry](t, resp)["history"]; len(h) != 2 {
		t.Errorf("history = %+v", h)
	}

	// A replayed push is acknowledged without touching the job.
	resp = a.push(t, contracts.WebhookPayload{ID: jobID + "-r1", Status: contracts.StatusDone, URL: "https://cdn/late.mp4"}, false)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[map[string]any](t, resp); out["outcome"] != "noop" {
		t.Errorf("replay outcome = %v", out["outcome"])
	}
}

func TestOwnership(t *testing.T) {
	a := newAPI(t, false)
	ref := a.upload(t, "owner-1")
	view := a.submit(t, "owner-1", ref, 1)

	tests := []struct {
		name   string
		method string
		path   string
		owner  string
		body   string
		status int
	}{
		{"no identity", http.MethodGet, "/jobs", "", "", http.StatusUnauthorized},
		{"other owner's job", http.MethodGet, "/jobs/" + view.Job.ID, "owner-2", "", http.StatusNotFound},
		{"other owner's source", http.MethodPost, "/jobs", "owner-2", fmt.Sprintf(`{"source_ref":%q,"clips":[{"start_ms":0,"end_ms":10,"score":1}]}`, ref), http.StatusForbidden},
		{"missing source", http.MethodPost, "/jobs", "owner-1", `{"source_ref":"sources/owner-1/nope.mp4","clips":[{"start_ms":0,"end_ms":10,"score":1}]}`, http.StatusNotFound},
		{"empty clips", http.MethodPost, "/jobs", "owner-1", fmt.Sprintf(`{"source_ref":%q,"clips":[]}`, ref), http.StatusBadRequest},
		{"owner in body", http.MethodPost, "/jobs", "owner-1", `{"owner_id":"owner-2"}`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/jobs?status=done", "owner-1", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/jobs?limit=0", "owner-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp := a.do(t, tt.method, tt.path, tt.owner, body, nil)
			expectStatus(t, resp, tt.status)
			env := decode[httpkit.ErrorEnvelope](t, resp)
			if env.Error.Code == "" {
				t.Error("error envelope has no code")
			}
		})
	}

	resp := a.do(t, http.MethodGet, "/jobs?status=processing", "owner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if jobs := decode[map[string][]models.RenderJob](t, resp)["jobs"]; len(jobs) != 1 || jobs[0].ID != view.Job.ID {
		t.Errorf("jobs = %+v", jobs)
	}
	resp = a.do(t, http.MethodGet, "/jobs", "owner-2", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if jobs := decode[map[string][]models.RenderJob](t, resp)["jobs"]; len(jobs) != 0 {
		t.Errorf("owner-2 sees %d jobs", len(jobs))
	}
}

func TestWebhookResponses(t *testing.T) {
	a := newAPI(t, true)
	ref := a.upload(t, "owner-1")
	view := a.submit(t, "owner-1", ref, 1)
	renderID := view.Job.ID + "-r0"

	post := func(body []byte, hdr http.Header) *http.Response {
		return a.do(t, http.MethodPost, "/webhooks/render", "", bytes.NewReader(body), hdr)
	}
	signed := func(body []byte) http.Header {
		sig, ts := webhook.Sign(secret, time.Now(), body)
		return http.Header{webhook.SignatureHeader: {sig}, webhook.TimestampHeader: {ts}}
	}

	tests := []struct {
		name    string
		body    string
		hdr     func([]byte) http.Header
		status  int
		outcome string
	}{
		{"unsigned", `{"id":"x","status":"done"}`, func([]byte) http.Header { return nil }, http.StatusUnauthorized, ""},
		{"wrong signature", `{"id":"x","status":"done"}`, func(b []byte) http.Header {
			h := signed(b)
			h.Set(webhook.SignatureHeader, strings.Repeat("0", 64))
			return h
		}, http.StatusUnauthorized, ""},
		{"bad json", `{"id":`, signed, http.StatusBadRequest, ""},
		{"missing id", `{"status":"done","url":"https://cdn/x.mp4"}`, signed, http.StatusBadRequest, ""},
		{"unknown render", `{"id":"nobody","status":"done","url":"https://cdn/x.mp4"}`, signed, http.StatusOK, "unknown_render"},
		{"unknown status", fmt.Sprintf(`{"id":%q,"status":"exploded"}`, renderID), signed, http.StatusOK, "invalid"},
		{"intermediate", fmt.Sprintf(`{"id":%q,"status":"rendering"}`, renderID), signed, http.StatusOK, "transitioned"},
		{"done", fmt.Sprintf(`{"id":%q,"status":"done","url":"https://cdn/x.mp4"}`, renderID), signed, http.StatusOK, "transitioned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			resp := post(body, tt.hdr(body))
			expectStatus(t, resp, tt.status)
			if tt.outcome == "" {
				return
			}
			if out := decode[map[string]any](t, resp); out["outcome"] != tt.outcome {
				t.Errorf("outcome = %v, want %s", out["outcome"], tt.outcome)
			}
		})
	}
}

func TestWebhookStoreFailureAsksForRetry(t *testing.T) {
	a := newAPI(t, false)
	_ = a.store.Close()

	resp := a.push(t, contracts.WebhookPayload{ID: "job_x-r0", Status: contracts.StatusDone, URL: "https://cdn/x.mp4"}, false)
	expectStatus(t, resp, http.StatusServiceUnavailable)

	resp = a.do(t, http.MethodGet, "/health?deep=true", "", nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if out := decode[map[string]any](t, resp); out["status"] != "degraded" {
		t.Errorf("health = %+v", out)
	}
}

func TestJobEventsStream(t *testing.T) {
	a := newAPI(t, false)
	ref := a.upload(t, "owner-1")
	view := a.submit(t, "owner-1", ref, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, a.srv.URL+"/jobs/"+view.Job.ID+"/events", nil)
	req.Header.Set(handlers.OwnerHeader, "owner-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	if first := <-events; first != handlers.EventProgress {
		t.Fatalf("first event = %q", first)
	}
	a.push(t, contracts.WebhookPayload{ID: view.Job.ID + "-r0", Status: contracts.StatusDone, URL: "https://cdn/a.mp4"}, false)

	var last string
	for name := range events {
		last = name
	}
	if last != handlers.EventCompleted {
		t.Errorf("stream ended with %q, want completed", last)
	}
}

func TestSourceContentRequiresValidSignature(t *testing.T) {
	a := newAPI(t, false)
	ref := a.upload(t, "owner-1")

	signed, err := a.fs.GetSignedURL(context.Background(), ref, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(signed.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if b, _ := io.ReadAll(resp.Body); string(b) != "not really a video" {
		t.Errorf("body = %q", b)
	}

	tampered := strings.Replace(signed.URL, "sig=", "sig=00", 1)
	resp2, err := http.Get(tampered)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	expectStatus(t, resp2, http.StatusForbidden)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t, false)

	resp := a.do(t, http.MethodGet, "/health?deep=true", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["status"] != "ok" || out["version"] != "test" {
		t.Errorf("health = %+v", out)
	}

	resp = a.do(t, http.MethodGet, "/metrics", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `clipforge_http_requests_total{method="GET",path="/health"`) {
		t.Errorf("metrics missing health request:\n%s", b)
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newAPI(t, false)
	resp := a.do(t, http.MethodOptions, "/jobs", "", nil, http.Header{
		"Origin":                        {"http://localhost:5173"},
		"Access-Control-Request-Method": {"POST"},
	})
	expectStatus(t, resp, http.StatusNoContent)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), handlers.OwnerHeader) {
		t.Errorf("allow headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
}
