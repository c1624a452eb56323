package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"trainline/internal/config"
	"trainline/internal/db"
	"trainline/internal/domain"
	"trainline/internal/engine"
	"trainline/internal/migrate"
	"trainline/internal/planner"
)

type fakeBackend struct {
	mu         sync.Mutex
	sessions   map[string]domain.TrainingSession
	next       int
	dispatch   domain.DispatchResponse
	dispatched []domain.DispatchRequest
	statuses   []domain.JobStatus
	polls      int
	resolved   []domain.ResolveReviewRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sessions: map[string]domain.TrainingSession{}}
}

func (f *fakeBackend) ListSessions(ctx context.Context) ([]domain.TrainingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.TrainingSession{}
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeBackend) CreateSession(ctx context.Context, name string) (domain.TrainingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := domain.TrainingSession{ID: fmt.Sprintf("sess-%d", f.next), Name: name, Rows: []domain.TrainingRow{}}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeBackend) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeBackend) UpdateSessionRows(ctx context.Context, id string, rows []domain.TrainingRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return errors.New("404")
	}
	s.Rows = rows
	f.sessions[id] = s
	return nil
}

func (f *fakeBackend) DispatchJob(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req)
	return f.dispatch, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeBackend) Presign(ctx context.Context, filename, contentType string) (domain.UploadTarget, error) {
	return domain.UploadTarget{UploadURL: "http://storage/put/" + filename, S3Key: "uploads/" + filename}, nil
}

func (f *fakeBackend) Upload(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

func (f *fakeBackend) PendingReviews(ctx context.Context, tenantID string) ([]domain.ReviewItem, error) {
	return []domain.ReviewItem{{ID: "q1", TenantID: tenantID}}, nil
}

func (f *fakeBackend) ResolveReview(ctx context.Context, req domain.ResolveReviewRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, req)
	return nil
}

type testEnv struct {
	Engine  *engine.Engine
	Backend *fakeBackend
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tenant-1")
	cfg.Polling.IntervalSeconds = 0.005
	backend := newFakeBackend()
	eng := engine.New(conn, cfg, backend, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(eng.Close)
	return testEnv{Engine: eng, Backend: backend, Ctx: ctx}
}

func (env testEnv) seedSession(t *testing.T) string {
	t.Helper()
	s, err := env.Engine.Sessions.Create(env.Ctx, "Plenos")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	text := "Archivo,Fecha,Duracion,Link\n" +
		"acta_01.docx,,,https://youtu.be/aaaaaaaaaaa\n" +
		"acta_02.docx,,,https://youtu.be/bbbbbbbbbbb\n"
	if _, err := env.Engine.Sessions.Import(env.Ctx, s.ID, text); err != nil {
		t.Fatalf("import: %v", err)
	}
	return s.ID
}

func TestRunPlanWaitsForJob(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t)
	env.Backend.dispatch = domain.DispatchResponse{JobID: "job-1", Status: "PENDING"}
	env.Backend.statuses = []domain.JobStatus{
		{JobID: "job-1", Status: "MINING"},
		{JobID: "job-1", Status: domain.JobCompleted, ResultSummary: map[string]any{
			"alignment_stats": map[string]any{"aligned_pairs": 4.0, "avg_confidence": 0.9},
		}},
	}

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	res, err := env.Engine.RunPlan(ctx, sid, domain.ModeFullTraining, true)
	if err != nil {
		t.Fatalf("run plan: %v", err)
	}
	if res.Final == nil || res.Final.State != domain.JobCompleted {
		t.Fatalf("expected completed job, got %+v", res.Final)
	}
	if len(env.Backend.dispatched) != 1 || len(env.Backend.dispatched[0].Rows) != 2 {
		t.Fatalf("expected one dispatch with two rows, got %+v", env.Backend.dispatched)
	}
	if env.Backend.dispatched[0].TenantID != "tenant-1" {
		t.Fatalf("tenant not sent: %q", env.Backend.dispatched[0].TenantID)
	}

	job, err := env.Engine.Job(env.Ctx, sid)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if job.ID != "job-1" || job.State != domain.JobCompleted || job.FinishedAt == nil {
		t.Fatalf("job not finished in repo: %+v", job)
	}
	if job.Report == nil || job.Report.TotalAlignedPairs != 4 {
		t.Fatalf("report not stored: %+v", job.Report)
	}
}

func TestRunPlanPrepOnlyRecordsReport(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t)
	env.Backend.dispatch = domain.DispatchResponse{Report: map[string]any{"total_aligned_pairs": 12.0}}

	res, err := env.Engine.RunPlan(env.Ctx, sid, domain.ModeDataPrepOnly, false)
	if err != nil {
		t.Fatalf("run plan: %v", err)
	}
	if res.Report == nil || res.Report.TotalAlignedPairs != 12 {
		t.Fatalf("expected report, got %+v", res.Report)
	}
	if _, running := env.Engine.Poller.Current(); running {
		t.Fatalf("report run must not start polling")
	}
	job, err := env.Engine.Job(env.Ctx, sid)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if job.State != domain.JobCompleted || job.Mode != domain.ModeDataPrepOnly {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRunPlanNothingToDo(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Sessions.Create(env.Ctx, "empty")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = env.Engine.RunPlan(env.Ctx, s.ID, domain.ModeFullTraining, false)
	if !errors.Is(err, planner.ErrNothingToDo) || !engine.IsWarning(err) {
		t.Fatalf("expected nothing-to-do warning, got %v", err)
	}
	if len(env.Backend.dispatched) != 0 {
		t.Fatalf("dispatch must not be called")
	}
}

func TestWatchJobReturnsRecordedResult(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t)
	env.Backend.dispatch = domain.DispatchResponse{JobID: "job-9"}
	env.Backend.statuses = []domain.JobStatus{{JobID: "job-9", Status: domain.JobFailed, Error: "GPU quota"}}

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	if _, err := env.Engine.RunPlan(ctx, sid, domain.ModeFullTraining, true); err != nil {
		t.Fatalf("run plan: %v", err)
	}
	res, err := env.Engine.WatchJob(ctx, sid, "")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !res.Failed() || res.Reason != "GPU quota" {
		t.Fatalf("expected failed job with reason, got %+v", res)
	}
}

func TestResolveReview(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.ResolveReview(env.Ctx, domain.ResolveReviewRequest{QueueID: "q1", Decision: domain.ReviewEdit})
	if err == nil {
		t.Fatalf("expected EDIT without changes to be rejected")
	}
	text := "corrected"
	if err := env.Engine.ResolveReview(env.Ctx, domain.ResolveReviewRequest{QueueID: "q1", Decision: domain.ReviewEdit, EditedText: &text}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(env.Backend.resolved) != 1 {
		t.Fatalf("expected one resolution, got %d", len(env.Backend.resolved))
	}
	items, err := env.Engine.PendingReviews(env.Ctx)
	if err != nil || len(items) != 1 || items[0].TenantID != "tenant-1" {
		t.Fatalf("pending reviews: %v %+v", err, items)
	}
}
