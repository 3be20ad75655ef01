package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipforge/internal/adapters/jobstore/sqlite"
	"clipforge/internal/audit"
	"clipforge/internal/certify"
	contracts "clipforge/internal/contracts/renderer/v1"
	"clipforge/internal/metrics"
	"clipforge/internal/models"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"

	apperrors "clipforge/internal/pkg/errors"
)

type harness struct {
	rec   *Reconciler
	store *sqlite.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "clipforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Discard()
	rec := New(Deps{
		Store:   st,
		Chainer: certify.New(st, log),
		Audit:   audit.NewStoreSink(st),
		Log:     log,
	})
	return &harness{rec: rec, store: st}
}

// submit seeds a processing job with n pending clips. Clip i has render id
// "<jobID>-r<i+1>" and score i+1.
func (h *harness) submit(t *testing.T, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.CreateJob(ctx, &models.RenderJob{ID: jobID, OwnerID: "owner-1", SourceRef: "sources/owner-1/a.mp4", TotalArtifacts: n}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	arts := make([]models.RenderArtifact, n)
	for i := range arts {
		arts[i] = models.RenderArtifact{
			ID:               fmt.Sprintf("%s-a%d", jobID, i+1),
			ExternalRenderID: fmt.Sprintf("%s-r%d", jobID, i+1),
			Index:            i,
			Score:            float64(i + 1),
			StartMS:          int64(i) * 10000,
			EndMS:            int64(i)*10000 + 5000,
		}
	}
	if err := h.store.MarkJobSubmitted(ctx, jobID, "ext-"+jobID, arts, time.Now()); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
}

func (h *harness) push(t *testing.T, p contracts.WebhookPayload) Result {
	t.Helper()
	res, err := h.rec.Handle(context.Background(), p)
	if err != nil {
		t.Fatalf("Handle(%+v): %v", p, err)
	}
	return res
}

func (h *harness) artifact(t *testing.T, renderID string) *models.RenderArtifact {
	t.Helper()
	a, err := h.store.FindArtifactByExternalID(context.Background(), renderID)
	if err != nil {
		t.Fatalf("find %s: %v", renderID, err)
	}
	return a
}

func (h *harness) job(t *testing.T, id string) *models.RenderJob {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

// checkOutputInvariant asserts output_location is set exactly when ready.
func checkOutputInvariant(t *testing.T, st *sqlite.Store, jobID string) {
	t.Helper()
	arts, err := st.ListArtifacts(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range arts {
		if (a.OutputLocation != nil) != (a.Status == models.ArtifactReady) {
			t.Errorf("artifact %s: status=%s output=%v", a.ID, a.Status, a.OutputLocation)
		}
	}
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func done(id, url string) contracts.WebhookPayload {
	return contracts.WebhookPayload{ID: id, Status: contracts.StatusDone, URL: url}
}

func TestPartialCompletionLeavesJobProcessing(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_a", 3)

	h.push(t, done("job_a-r2", "https://cdn/2.mp4"))

	for _, tc := range []struct {
		render string
		status models.ArtifactStatus
	}{
		{"job_a-r1", models.ArtifactPending},
		{"job_a-r2", models.ArtifactReady},
		{"job_a-r3", models.ArtifactPending},
	} {
		a := h.artifact(t, tc.render)
		if a.Status != tc.status {
			t.Errorf("%s status = %s, want %s", tc.render, a.Status, tc.status)
		}
	}
	if a := h.artifact(t, "job_a-r2"); a.OutputLocation == nil || *a.OutputLocation != "https://cdn/2.mp4" {
		t.Errorf("output = %v", a.OutputLocation)
	}
	j := h.job(t, "job_a")
	if j.Status != models.JobProcessing {
		t.Errorf("job status = %s, want processing", j.Status)
	}
	if j.ProgressPercent != 33 {
		t.Errorf("progress = %d, want 33", j.ProgressPercent)
	}
	checkOutputInvariant(t, h.store, "job_a")
}

func TestFailedPushStoresMessageVerbatim(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_b", 2)

	h.push(t, contracts.WebhookPayload{ID: "job_b-r1", Status: contracts.StatusFailed, Error: "encode error"})

	a := h.artifact(t, "job_b-r1")
	if a.Status != models.ArtifactFailed {
		t.Fatalf("status = %s", a.Status)
	}
	if a.ErrorMessage == nil || *a.ErrorMessage != "encode error" {
		t.Errorf("error = %v", a.ErrorMessage)
	}
	if a.OutputLocation != nil {
		t.Errorf("output = %v, want nil", *a.OutputLocation)
	}
}

func TestUnknownRenderAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_c", 1)

	res := h.push(t, done("no-such-render", "https://cdn/x.mp4"))
	if res.Outcome != metrics.WebhookUnknown {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if a := h.artifact(t, "job_c-r1"); a.Status != models.ArtifactPending {
		t.Errorf("unrelated artifact mutated: %s", a.Status)
	}
	if _, err := h.store.FindArtifactByExternalID(context.Background(), "no-such-render"); !errors.Is(err, ports.ErrArtifactNotFound) {
		t.Errorf("a row was created: %v", err)
	}
}

func TestDuplicateDoneRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_d", 2)

	first := h.push(t, done("job_d-r1", "https://cdn/1.mp4"))
	before := h.artifact(t, "job_d-r1")
	second := h.push(t, done("job_d-r1", "https://cdn/1.mp4"))
	after := h.artifact(t, "job_d-r1")

	if first.Outcome != metrics.WebhookTransitioned || second.Outcome != metrics.WebhookNoop {
		t.Errorf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	if *before.OutputLocation != *after.OutputLocation || !before.CompletedAt.Equal(*after.CompletedAt) ||
		before.CertStatus != after.CertStatus {
		t.Errorf("state changed on replay: %+v -> %+v", before, after)
	}

	hist, err := h.store.ListHistory(context.Background(), "job_d")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Errorf("history rows = %d, want 1", len(hist))
	}
}

func TestMonotonicStatus(t *testing.T) {
	replays := []contracts.WebhookPayload{
		{Status: contracts.StatusQueued},
		{Status: contracts.StatusRendering},
		{Status: contracts.StatusFailed, Error: "late failure"},
		{Status: contracts.StatusDone, URL: "https://cdn/other.mp4"},
		{Status: contracts.StatusDone},
	}

	tests := []struct {
		name  string
		first contracts.WebhookPayload
	}{
		{"after ready", contracts.WebhookPayload{Status: contracts.StatusDone, URL: "https://cdn/1.mp4"}},
		{"after failed", contracts.WebhookPayload{Status: contracts.StatusFailed, Error: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.submit(t, "job_m", 1)
			tt.first.ID = "job_m-r1"
			h.push(t, tt.first)
			settled := h.artifact(t, "job_m-r1")

			for _, p := range replays {
				p.ID = "job_m-r1"
				if res := h.push(t, p); res.Outcome != metrics.WebhookNoop {
					t.Errorf("replay %s: outcome %s", p.Status, res.Outcome)
				}
				got := h.artifact(t, "job_m-r1")
				if got.Status != settled.Status || !sameString(got.OutputLocation, settled.OutputLocation) {
					t.Errorf("replay %s changed artifact: %+v", p.Status, got)
				}
				if got.CertStatus != settled.CertStatus {
					t.Errorf("replay %s changed cert: %s -> %s", p.Status, settled.CertStatus, got.CertStatus)
				}
				if got.RenderStage != nil {
					t.Errorf("replay %s set stage on a terminal artifact", p.Status)
				}
			}
			checkOutputInvariant(t, h.store, "job_m")
		})
	}
}

func TestIntermediateStatusRecordsStage(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_s", 1)

	h.push(t, contracts.WebhookPayload{ID: "job_s-r1", Status: contracts.StatusFetching})
	a := h.artifact(t, "job_s-r1")
	if a.Status != models.ArtifactPending || a.RenderStage == nil || *a.RenderStage != models.StageFetching {
		t.Errorf("artifact = %+v", a)
	}

	h.push(t, done("job_s-r1", "https://cdn/s.mp4"))
	if a := h.artifact(t, "job_s-r1"); a.RenderStage != nil {
		t.Errorf("stage should clear on completion, got %s", *a.RenderStage)
	}
}

func TestDoneWithoutURLFails(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_u", 1)

	res := h.push(t, done("job_u-r1", ""))
	a := h.artifact(t, "job_u-r1")
	if a.Status != models.ArtifactFailed || a.ErrorMessage == nil || *a.ErrorMessage != models.MsgNoOutputURL {
		t.Errorf("artifact = %+v", a)
	}
	if res.JobStatus != models.JobFailed {
		t.Errorf("job status = %s, want failed", res.JobStatus)
	}
	if j := h.job(t, "job_u"); j.ErrorMessage == nil || *j.ErrorMessage != models.MsgAllClipsFailed {
		t.Errorf("job error = %v", j.ErrorMessage)
	}
}

func TestFailedWithoutMessageUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_f", 1)

	h.push(t, contracts.WebhookPayload{ID: "job_f-r1", Status: contracts.StatusFailed})
	if a := h.artifact(t, "job_f-r1"); a.ErrorMessage == nil || *a.ErrorMessage != models.MsgRenderFailed {
		t.Errorf("error = %v", a.ErrorMessage)
	}
}

func TestCertChainOneWay(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_p", 2)

	h.push(t, contracts.WebhookPayload{ID: "job_p-r1", Status: contracts.StatusRendering})
	if a := h.artifact(t, "job_p-r1"); a.CertStatus != models.CertNotRequested {
		t.Errorf("cert advanced before ready: %s", a.CertStatus)
	}

	h.push(t, contracts.WebhookPayload{ID: "job_p-r2", Status: contracts.StatusFailed, Error: "x"})
	if a := h.artifact(t, "job_p-r2"); a.CertStatus != models.CertNotRequested {
		t.Errorf("cert advanced on failure: %s", a.CertStatus)
	}

	h.push(t, done("job_p-r1", "https://cdn/p.mp4"))
	if a := h.artifact(t, "job_p-r1"); a.CertStatus != models.CertPending {
		t.Errorf("cert = %s, want pending", a.CertStatus)
	}

	h.push(t, done("job_p-r1", "https://cdn/p.mp4"))
	h.push(t, contracts.WebhookPayload{ID: "job_p-r1", Status: contracts.StatusQueued})
	if a := h.artifact(t, "job_p-r1"); a.CertStatus != models.CertPending {
		t.Errorf("cert after replays = %s", a.CertStatus)
	}
}

func TestJobCompletesWhenNoClipPending(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_j", 3)

	h.push(t, done("job_j-r1", "https://cdn/1.mp4"))
	h.push(t, contracts.WebhookPayload{ID: "job_j-r2", Status: contracts.StatusFailed, Error: "encode error"})
	res := h.push(t, done("job_j-r3", "https://cdn/3.mp4"))

	if res.JobStatus != models.JobCompleted {
		t.Fatalf("job status = %s", res.JobStatus)
	}
	j := h.job(t, "job_j")
	if j.ProgressPercent != 100 || j.CompletedAt == nil || j.ErrorMessage != nil {
		t.Errorf("job = %+v", j)
	}
	arts, _ := h.store.ListArtifacts(context.Background(), "job_j")
	for _, a := range arts {
		if a.Status == models.ArtifactPending {
			t.Errorf("artifact %s pending after completion", a.ID)
		}
	}
	checkOutputInvariant(t, h.store, "job_j")
}

func TestConcurrentDuplicateDone(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_x", 1)

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.rec.Handle(context.Background(), done("job_x-r1", "https://cdn/x.mp4"))
			if err != nil {
				t.Errorf("Handle: %v", err)
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	transitioned := 0
	for _, o := range outcomes {
		if o == metrics.WebhookTransitioned {
			transitioned++
		}
	}
	if transitioned != 1 {
		t.Errorf("transitions = %d, want 1 (%v)", transitioned, outcomes)
	}
	hist, _ := h.store.ListHistory(context.Background(), "job_x")
	if len(hist) != 1 {
		t.Errorf("history rows = %d, want 1", len(hist))
	}
}

func TestMissingIDRejected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Handle(context.Background(), contracts.WebhookPayload{Status: contracts.StatusDone}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("err = %v", err)
	}
}

func TestUnknownStatusAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_k", 1)
	res := h.push(t, contracts.WebhookPayload{ID: "job_k-r1", Status: "exploded"})
	if res.Outcome != metrics.WebhookInvalid {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if a := h.artifact(t, "job_k-r1"); a.Status != models.ArtifactPending {
		t.Errorf("status = %s", a.Status)
	}
}

type brokenSink struct{}

func (brokenSink) Record(context.Context, models.HistoryEntry) error { return errors.New("redis down") }

type brokenChainer struct{}

func (brokenChainer) Advance(context.Context, string) (bool, error) {
	return false, errors.New("db hiccup")
}

func TestSideChainFailuresDoNotFailCompletion(t *testing.T) {
	h := newHarness(t)
	h.rec = New(Deps{Store: h.store, Chainer: brokenChainer{}, Audit: brokenSink{}, Log: logger.Discard()})
	h.submit(t, "job_e", 1)

	res := h.push(t, done("job_e-r1", "https://cdn/e.mp4"))
	if res.Outcome != metrics.WebhookTransitioned || res.JobStatus != models.JobCompleted {
		t.Errorf("result = %+v", res)
	}
	if a := h.artifact(t, "job_e-r1"); a.Status != models.ArtifactReady {
		t.Errorf("status = %s", a.Status)
	}
}

// failingWrites fails the core artifact writes.
type failingWrites struct {
	ports.JobStore
}

func (failingWrites) MarkArtifactReady(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestCoreWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_w", 1)
	rec := New(Deps{Store: failingWrites{h.store}, Log: logger.Discard()})

	res, err := rec.Handle(context.Background(), done("job_w-r1", "https://cdn/w.mp4"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) || res.Outcome != metrics.WebhookStoreError {
		t.Errorf("err = %v outcome = %s", err, res.Outcome)
	}
}

// flakyFinalize fails FinalizeJob the first `failures` times.
type flakyFinalize struct {
	ports.JobStore
	mu       sync.Mutex
	failures int
}

func (f *flakyFinalize) FinalizeJob(ctx context.Context, jobID string, at time.Time) (models.JobStatus, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return "", errors.New("deadlock detected")
	}
	f.mu.Unlock()
	return f.JobStore.FinalizeJob(ctx, jobID, at)
}

func TestRedeliveryFinishesFailedFinalization(t *testing.T) {
	tests := []struct {
		name    string
		first   contracts.WebhookPayload
		replay  contracts.WebhookPayload
		wantJob models.JobStatus
	}{
		{
			name:    "same done",
			first:   done("job_z-r1", "https://cdn/z.mp4"),
			replay:  done("job_z-r1", "https://cdn/z.mp4"),
			wantJob: models.JobCompleted,
		},
		{
			name:    "failed then late stage",
			first:   contracts.WebhookPayload{ID: "job_z-r1", Status: contracts.StatusFailed, Error: "oom"},
			replay:  contracts.WebhookPayload{ID: "job_z-r1", Status: contracts.StatusRendering},
			wantJob: models.JobFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.submit(t, "job_z", 1)
			rec := New(Deps{Store: &flakyFinalize{JobStore: h.store, failures: 1}, Log: logger.Discard()})
			ctx := context.Background()

			res, err := rec.Handle(ctx, tt.first)
			if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
				t.Fatalf("first delivery err = %v, want unavailable so the service retries", err)
			}
			if res.Outcome != metrics.WebhookTransitioned {
				t.Errorf("first outcome = %s", res.Outcome)
			}
			if j := h.job(t, "job_z"); j.Status != models.JobProcessing {
				t.Fatalf("job = %s before redelivery", j.Status)
			}

			res, err = rec.Handle(ctx, tt.replay)
			if err != nil {
				t.Fatalf("redelivery: %v", err)
			}
			if res.Outcome != metrics.WebhookNoop || res.JobStatus != tt.wantJob {
				t.Errorf("redelivery result = %+v", res)
			}
			if j := h.job(t, "job_z"); j.Status != tt.wantJob || j.CompletedAt == nil {
				t.Errorf("job = %+v, want %s", j, tt.wantJob)
			}
		})
	}
}

func TestStagePushOnPendingArtifactSkipsFinalization(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job_q", 1)
	// Every FinalizeJob fails; a stage update must not need it.
	rec := New(Deps{Store: &flakyFinalize{JobStore: h.store, failures: 1 << 30}, Log: logger.Discard()})

	res, err := rec.Handle(context.Background(), contracts.WebhookPayload{ID: "job_q-r1", Status: contracts.StatusQueued})
	if err != nil || res.Outcome != metrics.WebhookTransitioned {
		t.Fatalf("res = %+v err = %v", res, err)
	}
}
