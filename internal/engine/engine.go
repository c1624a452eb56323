package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trainline/internal/config"
	"trainline/internal/domain"
	"trainline/internal/events"
	"trainline/internal/metrics"
	"trainline/internal/planner"
	"trainline/internal/poller"
	"trainline/internal/repo"
	"trainline/internal/session"
	"trainline/internal/uploads"
)

// Backend is everything the engine needs from the gateway.
type Backend interface {
	session.Remote
	planner.Dispatcher
	poller.StatusSource
	uploads.Storage
	PendingReviews(ctx context.Context, tenantID string) ([]domain.ReviewItem, error)
	ResolveReview(ctx context.Context, req domain.ResolveReviewRequest) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Backend  Backend
	Sessions *session.Store
	Planner  *planner.Planner
	Poller   *poller.Poller
	Uploads  *uploads.Uploader
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Now      func() time.Time
}

// New wires the session store, planner, poller and uploader over a workspace
// database and a backend.
func New(db *sql.DB, cfg *config.Config, backend Backend, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Backend: backend,
		Metrics: metrics.New(),
		Log:     log,
		Now:     time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now, Log: log}

	e.Sessions = session.New(backend)
	e.Sessions.Local = e.Repo
	e.Sessions.Events = e.Events
	e.Sessions.Metrics = e.Metrics
	e.Sessions.Log = log
	e.Sessions.Now = e.now
	e.Sessions.MaxRetries = uint(cfg.Sync.MaxRetries)
	e.Sessions.InitialBackoff = cfg.InitialBackoff()

	e.Planner = &planner.Planner{
		Sessions: e.Sessions,
		Backend:  backend,
		TenantID: cfg.API.TenantID,
		Events:   e.Events,
		Metrics:  e.Metrics,
		Log:      log,
	}
	e.Poller = &poller.Poller{
		Source:   backend,
		Rows:     e.Sessions,
		Interval: cfg.PollInterval(),
		OnFinish: e.jobFinished,
		Events:   e.Events,
		Metrics:  e.Metrics,
		Log:      log,
	}
	e.Uploads = &uploads.Uploader{
		Storage:           backend,
		Rows:              e.Sessions,
		AllowedExtensions: cfg.Uploads.AllowedExtensions,
		MaxBytes:          cfg.Uploads.MaxBytes,
		Log:               log,
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IsWarning reports errors that should be shown as notices: unsaved local
// changes, nothing to submit, or an incomplete dispatch response.
func IsWarning(err error) bool {
	return err != nil && (session.IsStale(err) || planner.IsWarning(err))
}

// Load fetches the session list; see session.Store.Load.
func (e *Engine) Load(ctx context.Context) error {
	return e.Sessions.Load(ctx)
}

// Preview returns what a run would submit without any network call.
func (e *Engine) Preview(sessionID string, mode domain.ExecutionMode) (planner.Submission, error) {
	d, err := e.Planner.Open(sessionID)
	if err != nil {
		return planner.Submission{}, err
	}
	return d.Preview(mode)
}

// RunResult is what RunPlan produced. Final is set when the run waited for a
// job to finish.
type RunResult struct {
	planner.Outcome
	Job   *domain.Job    `json:"job,omitempty"`
	Final *poller.Result `json:"final,omitempty"`
}

// RunPlan executes the planner for a session. A started job is recorded and
// polled; with wait the call blocks until the job is terminal. Without wait
// polling continues in the background after ctx ends.
func (e *Engine) RunPlan(ctx context.Context, sessionID string, mode domain.ExecutionMode, wait bool) (RunResult, error) {
	out, err := e.Planner.Execute(ctx, sessionID, mode)
	res := RunResult{Outcome: out}
	if err != nil {
		return res, err
	}
	started := e.stamp()
	if out.Report != nil {
		job := domain.Job{
			ID:         "prep-" + uuid.NewString(),
			SessionID:  sessionID,
			Mode:       mode,
			State:      domain.JobCompleted,
			Report:     out.Report,
			StartedAt:  started,
			FinishedAt: &started,
		}
		if err := e.Repo.InsertJob(ctx, job); err != nil {
			e.Log.Warn("record report job", "error", err)
		}
		res.Job = &job
		return res, nil
	}

	state := out.Status
	if state == "" {
		state = "PENDING"
	}
	job := domain.Job{
		ID:              out.JobID,
		SessionID:       sessionID,
		Mode:            mode,
		ResumeFromCache: out.Submission.ResumeFromCache,
		State:           state,
		StartedAt:       started,
	}
	if err := e.Repo.InsertJob(ctx, job); err != nil {
		e.Log.Warn("record job", "job", job.ID, "error", err)
	}
	res.Job = &job

	h := e.Poller.Start(context.WithoutCancel(ctx), sessionID, out.JobID)
	if !wait {
		return res, nil
	}
	final, err := h.Wait(ctx)
	if err != nil {
		return res, err
	}
	res.Final = &final
	return res, nil
}

// WatchJob polls an already dispatched job until it is terminal.
func (e *Engine) WatchJob(ctx context.Context, sessionID, jobID string) (poller.Result, error) {
	if jobID == "" {
		j, err := e.Repo.LatestJob(ctx, sessionID)
		if err != nil {
			return poller.Result{}, fmt.Errorf("no job to watch for session %s: %w", sessionID, err)
		}
		if j.State.Terminal() {
			return resultOf(j), nil
		}
		jobID = j.ID
	}
	h := e.Poller.Start(ctx, sessionID, jobID)
	return h.Wait(ctx)
}

// Job returns the latest recorded job of a session.
func (e *Engine) Job(ctx context.Context, sessionID string) (domain.Job, error) {
	return e.Repo.LatestJob(ctx, sessionID)
}

func (e *Engine) jobFinished(r poller.Result) {
	ctx := context.Background()
	mode := ""
	if j, err := e.Repo.GetJob(ctx, r.JobID); err == nil {
		mode = string(j.Mode)
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.Log.Warn("load finished job", "job", r.JobID, "error", err)
	}
	outcome := metrics.JobCompleted
	if r.Failed() {
		outcome = metrics.JobFailed
	}
	e.Metrics.Job(mode, outcome)
	err := e.Repo.FinishJob(ctx, r.JobID, r.State, r.Reason, r.Report, e.stamp())
	if errors.Is(err, repo.ErrNotFound) {
		err = e.Repo.InsertJob(ctx, domain.Job{
			ID: r.JobID, SessionID: r.SessionID, Mode: domain.ExecutionMode(mode), State: r.State, StartedAt: e.stamp(),
		})
		if err == nil {
			err = e.Repo.FinishJob(ctx, r.JobID, r.State, r.Reason, r.Report, e.stamp())
		}
	}
	if err != nil {
		e.Log.Warn("record job result", "job", r.JobID, "error", err)
	}
}

func resultOf(j domain.Job) poller.Result {
	return poller.Result{JobID: j.ID, SessionID: j.SessionID, State: j.State, Report: j.Report, Reason: j.Error}
}

// Attach uploads a ground-truth document for a row.
func (e *Engine) Attach(ctx context.Context, sessionID, rowID, filename string, content []byte) (domain.DocxRef, error) {
	return e.Uploads.Attach(ctx, sessionID, rowID, filename, content)
}

func (e *Engine) PendingReviews(ctx context.Context) ([]domain.ReviewItem, error) {
	return e.Backend.PendingReviews(ctx, e.Config.API.TenantID)
}

func (e *Engine) ResolveReview(ctx context.Context, req domain.ResolveReviewRequest) error {
	if req.QueueID == "" {
		return errors.New("queue id required")
	}
	if req.Decision == domain.ReviewEdit && req.EditedText == nil && req.NewStart == nil && req.NewEnd == nil {
		return errors.New("EDIT needs edited text or new bounds")
	}
	if err := e.Backend.ResolveReview(ctx, req); err != nil {
		return err
	}
	e.Events.Record(ctx, "review.resolve", "", "review", req.QueueID, map[string]any{"decision": string(req.Decision)})
	return nil
}

// Close stops any running poll.
func (e *Engine) Close() {
	e.Poller.Stop()
}
