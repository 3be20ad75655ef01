package submitter

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"clipforge/internal/adapters/jobstore/sqlite"
	"clipforge/internal/adapters/storage/localfs"
	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/metrics"
	"clipforge/internal/models"
	"clipforge/internal/pkg/ids"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"
	"clipforge/internal/reconciler"
	"clipforge/internal/renderer"

	apperrors "clipforge/internal/pkg/errors"
)

// fakeRenderer echoes the offered render ids unless resp or err is set.
// beforeReply runs after the request is received, like a service that
// starts pushing before its acknowledgement reaches us.
type fakeRenderer struct {
	calls       int
	got         contracts.SubmitRequest
	resp        *contracts.SubmitResponse
	err         error
	beforeReply func(req contracts.SubmitRequest)
}

func (f *fakeRenderer) Submit(_ context.Context, req contracts.SubmitRequest) (*contracts.SubmitResponse, error) {
	f.calls++
	f.got = req
	if f.beforeReply != nil {
		f.beforeReply(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	out := &contracts.SubmitResponse{ID: "ext-1"}
	for _, c := range req.Clips {
		out.Renders = append(out.Renders, contracts.RenderRef{Index: c.Index, ID: c.RenderID})
	}
	return out, nil
}

type fixture struct {
	sub   *Submitter
	store *sqlite.Store
	rend  *fakeRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "clipforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fs := localfs.New(t.TempDir(), "http://api.local", "k")
	for _, key := range []string{"sources/owner-1/talk.mp4", "sources/owner-2/other.mp4"} {
		if _, err := fs.PutObject(ctx, ports.PutObjectInput{ObjectKey: key, Reader: strings.NewReader("video")}); err != nil {
			t.Fatalf("seed source: %v", err)
		}
	}

	rend := &fakeRenderer{}
	sub := New(Deps{
		Store:       st,
		Renderer:    rend,
		Storage:     fs,
		CallbackURL: "http://api.local/webhooks/render",
		Log:         logger.Discard(),
	})
	return &fixture{sub: sub, store: st, rend: rend}
}

func validRequest() Request {
	return Request{
		OwnerID:   "owner-1",
		SourceRef: "sources/owner-1/talk.mp4",
		Options:   []byte(`{"aspect":"9:16"}`),
		Clips: []Clip{
			{StartMS: 0, EndMS: 15000, Score: 0.4, Title: "intro"},
			{StartMS: 20000, EndMS: 41000, Score: 0.9},
			{StartMS: 60000, EndMS: 75000, Score: 0.7},
		},
	}
}

func TestSubmitSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.sub.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
	if job.ExternalJobID == nil || *job.ExternalJobID != "ext-1" {
		t.Errorf("external id = %v", job.ExternalJobID)
	}
	if job.TotalArtifacts != 3 || job.StartedAt == nil {
		t.Errorf("job = %+v", job)
	}

	if f.rend.got.Reference != job.ID {
		t.Errorf("reference = %s, want %s", f.rend.got.Reference, job.ID)
	}
	if !strings.HasPrefix(f.rend.got.SourceURL, "http://api.local/sources/content?") {
		t.Errorf("source url = %s", f.rend.got.SourceURL)
	}
	if f.rend.got.CallbackURL != "http://api.local/webhooks/render" {
		t.Errorf("callback = %s", f.rend.got.CallbackURL)
	}

	arts, err := f.store.ListArtifacts(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(arts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(arts))
	}
	if arts[0].Score != 0.9 || arts[0].ExternalRenderID != f.rend.got.Clips[1].RenderID {
		t.Errorf("highest score first with the offered render id, got %+v", arts[0])
	}
	for _, c := range f.rend.got.Clips {
		if !ids.HasPrefix(c.RenderID, ids.PrefixRender) {
			t.Errorf("clip %d offered render id %q", c.Index, c.RenderID)
		}
	}
	for _, a := range arts {
		if a.Status != models.ArtifactPending || a.OutputLocation != nil || a.CertStatus != models.CertNotRequested {
			t.Errorf("placeholder %s = %+v", a.ID, a)
		}
	}
}

func TestSubmitRejectsBeforeCallingRenderer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		code   apperrors.Code
	}{
		{"no clips", func(r *Request) { r.Clips = nil }, apperrors.CodeValidation},
		{"inverted window", func(r *Request) { r.Clips[0].EndMS = r.Clips[0].StartMS }, apperrors.CodeValidation},
		{"missing owner", func(r *Request) { r.OwnerID = "" }, apperrors.CodeValidation},
		{"options not an object", func(r *Request) { r.Options = []byte(`[1,2]`) }, apperrors.CodeValidation},
		{"too many clips", func(r *Request) { r.Clips = make([]Clip, 51) }, apperrors.CodeValidation},
		{"missing source", func(r *Request) { r.SourceRef = "sources/owner-1/nope.mp4" }, apperrors.CodeNotFound},
		{"foreign source", func(r *Request) { r.SourceRef = "sources/owner-2/other.mp4" }, apperrors.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(&req)

			_, err := f.sub.Submit(context.Background(), req)
			if got := apperrors.GetCode(err); got != tt.code {
				t.Fatalf("code = %s, want %s (err %v)", got, tt.code, err)
			}
			if f.rend.calls != 0 {
				t.Errorf("renderer called %d times", f.rend.calls)
			}
			jobs, _ := f.store.ListJobs(context.Background(), ports.ListJobsFilter{})
			if len(jobs) != 0 {
				t.Errorf("rejected request left %d jobs", len(jobs))
			}
		})
	}
}

func TestSubmitUpstreamFailureLeavesJobPending(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus any
	}{
		{"service 5xx", &renderer.StatusError{StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"service 4xx", &renderer.StatusError{StatusCode: http.StatusUnprocessableEntity, Body: "bad clip"}, http.StatusUnprocessableEntity},
		{"transport", errors.New("dial tcp: connection refused"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rend.err = tt.err
			ctx := context.Background()

			_, err := f.sub.Submit(ctx, validRequest())
			if !apperrors.IsUpstream(err) {
				t.Fatalf("expected upstream error, got %v", err)
			}
			if apperrors.GetHTTPStatus(err) != http.StatusBadGateway {
				t.Errorf("http status = %d", apperrors.GetHTTPStatus(err))
			}
			fields := apperrors.GetFields(err)
			if fields["upstream_status"] != tt.wantStatus {
				t.Errorf("upstream_status = %v, want %v", fields["upstream_status"], tt.wantStatus)
			}

			jobID, _ := fields["job_id"].(string)
			job, err := f.store.GetJob(ctx, jobID)
			if err != nil {
				t.Fatalf("GetJob(%q): %v", jobID, err)
			}
			if job.Status != models.JobPending || job.ExternalJobID != nil {
				t.Errorf("job = %+v, want pending without external id", job)
			}
			arts, _ := f.store.ListArtifacts(ctx, jobID)
			if len(arts) != 3 {
				t.Fatalf("placeholders = %d, want 3", len(arts))
			}
			for _, a := range arts {
				if a.Status != models.ArtifactPending || a.OutputLocation != nil {
					t.Errorf("placeholder %s = %+v", a.ID, a)
				}
			}
		})
	}
}

func TestSubmitAdoptsServiceRenderIDs(t *testing.T) {
	f := newFixture(t)
	f.rend.resp = &contracts.SubmitResponse{ID: "ext-1", Renders: []contracts.RenderRef{{Index: 2, ID: "svc-render-c"}}}
	ctx := context.Background()

	job, err := f.sub.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	arts, _ := f.store.ListArtifacts(ctx, job.ID)
	got := make(map[int]string, len(arts))
	for _, a := range arts {
		got[a.Index] = a.ExternalRenderID
	}
	want := map[int]string{0: f.rend.got.Clips[0].RenderID, 1: f.rend.got.Clips[1].RenderID, 2: "svc-render-c"}
	for i, id := range want {
		if got[i] != id {
			t.Errorf("clip %d render id = %q, want %q", i, got[i], id)
		}
	}
}

func TestSubmitUnusableAcknowledgement(t *testing.T) {
	tests := []struct {
		name string
		resp *contracts.SubmitResponse
	}{
		{"index out of range", &contracts.SubmitResponse{ID: "ext-1", Renders: []contracts.RenderRef{{Index: 3, ID: "x"}}}},
		{"duplicate index", &contracts.SubmitResponse{ID: "ext-1", Renders: []contracts.RenderRef{{Index: 0, ID: "x"}, {Index: 0, ID: "y"}}}},
		{"no job id", &contracts.SubmitResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rend.resp = tt.resp
			if _, err := f.sub.Submit(context.Background(), validRequest()); !apperrors.IsUpstream(err) {
				t.Fatalf("expected upstream error, got %v", err)
			}
		})
	}
}

func TestPushBeforeAcknowledgementIsApplied(t *testing.T) {
	f := newFixture(t)
	rec := reconciler.New(reconciler.Deps{Store: f.store, Log: logger.Discard()})
	ctx := context.Background()

	var early []reconciler.Result
	f.rend.beforeReply = func(req contracts.SubmitRequest) {
		for _, c := range req.Clips {
			res, err := rec.Handle(ctx, contracts.WebhookPayload{ID: c.RenderID, Status: contracts.StatusFailed, Error: "source unreachable"})
			if err != nil {
				t.Errorf("Handle: %v", err)
			}
			early = append(early, res)
		}
	}

	job, err := f.sub.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, res := range early {
		if res.Outcome != metrics.WebhookTransitioned {
			t.Errorf("early push outcome = %s, want transitioned", res.Outcome)
		}
	}

	arts, _ := f.store.ListArtifacts(ctx, job.ID)
	for _, a := range arts {
		if a.Status != models.ArtifactFailed || a.ErrorMessage == nil || *a.ErrorMessage != "source unreachable" {
			t.Errorf("artifact %s = %+v", a.ID, a)
		}
	}
	if job.Status != models.JobFailed || job.ErrorMessage == nil || *job.ErrorMessage != models.MsgAllClipsFailed {
		t.Errorf("job = %+v, want failed once every clip failed", job)
	}
}

func TestSourceOwner(t *testing.T) {
	tests := []struct {
		key  string
		info ports.ObjectInfo
		want string
	}{
		{"sources/owner-1/a.mp4", ports.ObjectInfo{}, "owner-1"},
		{"1AbCdriveId", ports.ObjectInfo{OwnerID: "owner-9"}, "owner-9"},
		{"sources/owner-1/a.mp4", ports.ObjectInfo{OwnerID: "owner-2"}, "owner-2"},
		{"uploads/a.mp4", ports.ObjectInfo{}, ""},
		{"sources/a.mp4", ports.ObjectInfo{}, ""},
	}
	for _, tt := range tests {
		if got := SourceOwner(tt.key, tt.info); got != tt.want {
			t.Errorf("SourceOwner(%q, %+v) = %q, want %q", tt.key, tt.info, got, tt.want)
		}
	}
}
