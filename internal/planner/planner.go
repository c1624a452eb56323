// Package planner decides which rows of a session to submit and dispatches
// them.
//
// The cache flag is computed once, when a draft is opened, from the rows as
// they were then. The submission set is computed at execution time from the
// rows as they are now:
//
//	FULL_TRAINING with cache   -> idle and ready rows, resume_from_cache=true
//	anything else              -> idle rows only
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trainline/internal/domain"
	"trainline/internal/metrics"
	"trainline/internal/report"
	"trainline/internal/rows"
)

var (
	ErrNothingToDo        = errors.New("nothing to do: no pending rows")
	ErrIncompleteResponse = errors.New("incomplete response: neither report nor job id")
)

// IsWarning reports whether err is one of the planner outcomes that should be
// shown as a notice rather than a failure.
func IsWarning(err error) bool {
	return errors.Is(err, ErrNothingToDo) || errors.Is(err, ErrIncompleteResponse)
}

// Sessions gives the planner row access and a strict save.
type Sessions interface {
	Rows(sessionID string) (*rows.Store, error)
	Persist(ctx context.Context, sessionID string) error
}

type Dispatcher interface {
	DispatchJob(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResponse, error)
}

type Recorder interface {
	Record(ctx context.Context, evtType, sessionID, entityKind, entityID string, payload map[string]any)
}

// Submission is the set of rows a run would send.
type Submission struct {
	Mode            domain.ExecutionMode `json:"mode"`
	CacheAvailable  bool                 `json:"cache_available"`
	ResumeFromCache bool                 `json:"resume_from_cache"`
	Rows            []domain.TrainingRow `json:"rows"`
}

// Outcome is what a dispatch produced: a synchronous report or a job to poll.
type Outcome struct {
	Submission Submission            `json:"submission"`
	JobID      string                `json:"job_id,omitempty"`
	Status     domain.JobState       `json:"status,omitempty"`
	Report     *domain.ReportMetrics `json:"report,omitempty"`
}

// CacheAvailable reports whether any row already went through preparation.
func CacheAvailable(rs []domain.TrainingRow) bool {
	for _, r := range rs {
		if r.Status.Prepared() {
			return true
		}
	}
	return false
}

// Plan selects the rows to submit, in session order.
func Plan(rs []domain.TrainingRow, mode domain.ExecutionMode, cacheAvailable bool) Submission {
	resume := mode == domain.ModeFullTraining && cacheAvailable
	out := Submission{
		Mode:            mode,
		CacheAvailable:  cacheAvailable,
		ResumeFromCache: resume,
		Rows:            []domain.TrainingRow{},
	}
	for _, r := range rs {
		if r.Status == domain.RowIdle || (resume && r.Status == domain.RowReady) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

type Planner struct {
	Sessions Sessions
	Backend  Dispatcher
	TenantID string
	Events   Recorder
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

func (p *Planner) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Draft is an opened plan with its cache flag fixed.
type Draft struct {
	SessionID      string
	CacheAvailable bool

	p *Planner
}

// Open snapshots the cache flag of a session.
func (p *Planner) Open(sessionID string) (*Draft, error) {
	rs, err := p.Sessions.Rows(sessionID)
	if err != nil {
		return nil, err
	}
	return &Draft{SessionID: sessionID, CacheAvailable: CacheAvailable(rs.Snapshot()), p: p}, nil
}

// Execute opens a draft and runs it straight away.
func (p *Planner) Execute(ctx context.Context, sessionID string, mode domain.ExecutionMode) (Outcome, error) {
	d, err := p.Open(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	return d.Execute(ctx, mode)
}

// Preview returns the submission set without touching the network.
func (d *Draft) Preview(mode domain.ExecutionMode) (Submission, error) {
	if !mode.Valid() {
		return Submission{}, fmt.Errorf("invalid execution mode %q", mode)
	}
	rs, err := d.p.Sessions.Rows(d.SessionID)
	if err != nil {
		return Submission{}, err
	}
	return Plan(rs.Snapshot(), mode, d.CacheAvailable), nil
}

// Execute saves the full row set, then dispatches the submission. An empty
// submission returns ErrNothingToDo without any network call, and a failed
// save aborts before dispatch.
func (d *Draft) Execute(ctx context.Context, mode domain.ExecutionMode) (Outcome, error) {
	p := d.p
	sub, err := d.Preview(mode)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Submission: sub}
	if len(sub.Rows) == 0 {
		return out, ErrNothingToDo
	}
	if err := p.Sessions.Persist(ctx, d.SessionID); err != nil {
		return out, fmt.Errorf("save session before dispatch: %w", err)
	}

	resp, err := p.Backend.DispatchJob(ctx, domain.DispatchRequest{
		TenantID:       p.TenantID,
		SessionID:      d.SessionID,
		Rows:           sub.Rows,
		ExecutionMode:  mode,
		TrainingConfig: domain.TrainingConfig{ResumeFromCache: sub.ResumeFromCache},
	})
	if err != nil {
		return out, fmt.Errorf("dispatch: %w", err)
	}

	switch {
	case mode == domain.ModeDataPrepOnly && resp.Report != nil:
		m := report.Build(resp.Report)
		out.Report = &m
		p.Metrics.Job(string(mode), metrics.JobReport)
		p.record(ctx, "job.report", d.SessionID, "", map[string]any{"mode": string(mode), "rows": len(sub.Rows)})
	case resp.JobID != "":
		out.JobID = resp.JobID
		out.Status = resp.Status
		p.Metrics.Job(string(mode), metrics.JobDispatched)
		p.record(ctx, "job.dispatch", d.SessionID, resp.JobID, map[string]any{
			"mode":              string(mode),
			"rows":              len(sub.Rows),
			"resume_from_cache": sub.ResumeFromCache,
		})
		p.logger().Info("job dispatched", "session", d.SessionID, "job", resp.JobID, "mode", mode, "rows", len(sub.Rows))
	default:
		p.Metrics.Job(string(mode), metrics.JobIncomplete)
		return out, ErrIncompleteResponse
	}
	return out, nil
}

func (p *Planner) record(ctx context.Context, evtType, sessionID, jobID string, payload map[string]any) {
	if p.Events == nil {
		return
	}
	p.Events.Record(ctx, evtType, sessionID, "job", jobID, payload)
}
