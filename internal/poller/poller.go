// Package poller follows a dispatched job until it reaches a terminal state,
// merging the row progress it reports into the session.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trainline/internal/domain"
	"trainline/internal/metrics"
	"trainline/internal/report"
)

const DefaultInterval = 2 * time.Second

var ErrStopped = errors.New("polling stopped")

type StatusSource interface {
	JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
}

type RowSink interface {
	MergeRows(ctx context.Context, sessionID string, patches []domain.RowPatch) (int, error)
}

type Recorder interface {
	Record(ctx context.Context, evtType, sessionID, entityKind, entityID string, payload map[string]any)
}

// Result is the terminal outcome of a job. Report is set only for completed
// jobs that sent alignment statistics; Reason only for failed ones.
type Result struct {
	JobID     string                `json:"job_id"`
	SessionID string                `json:"session_id"`
	State     domain.JobState       `json:"state"`
	Report    *domain.ReportMetrics `json:"report,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

func (r Result) Failed() bool { return r.State == domain.JobFailed }

// Poller runs at most one poll at a time. Starting a new one stops the
// previous one.
type Poller struct {
	Source   StatusSource
	Rows     RowSink
	Interval time.Duration
	// OnFinish is called once, from the polling goroutine, when the job
	// reaches a terminal state.
	OnFinish func(Result)
	Events   Recorder
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	mu  sync.Mutex
	cur *Handle
}

// Handle is one running poll.
type Handle struct {
	JobID     string
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the poll ends for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop cancels the poll. No request is issued and no row is merged after
// Stop returns, except a request already in flight whose result is dropped.
func (h *Handle) Stop() { h.cancel() }

// Wait blocks until the job finishes, the poll is stopped (ErrStopped) or
// ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Poller) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

// Start begins polling jobID for sessionID. The poll ends with ctx, with
// Stop, or when a new Start replaces it.
func (p *Poller) Start(ctx context.Context, sessionID, jobID string) *Handle {
	pctx, cancel := context.WithCancel(ctx)
	h := &Handle{JobID: jobID, SessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	prev := p.cur
	p.cur = h
	p.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	go p.run(pctx, h)
	return h
}

// Stop cancels the current poll, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	h := p.cur
	p.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Current returns the running poll, if any.
func (p *Poller) Current() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur, p.cur != nil
}

func (p *Poller) release(h *Handle) {
	p.mu.Lock()
	if p.cur == h {
		p.cur = nil
	}
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer p.release(h)
	defer h.cancel()

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	log := p.logger().With("job", h.JobID, "session", h.SessionID)
	for {
		select {
		case <-ctx.Done():
			h.err = ErrStopped
			return
		case <-ticker.C:
		}

		st, err := p.Source.JobStatus(ctx, h.JobID)
		if ctx.Err() != nil {
			h.err = ErrStopped
			return
		}
		if err != nil {
			p.Metrics.PollTick(metrics.TickError)
			log.Warn("polling error", "error", err)
			continue
		}
		if len(st.Rows) > 0 && p.Rows != nil {
			if _, err := p.Rows.MergeRows(ctx, h.SessionID, st.Rows); err != nil {
				log.Warn("merge job rows", "error", err)
			}
		}
		if !st.Status.Terminal() {
			p.Metrics.PollTick(metrics.TickOK)
			log.Debug("job running", "status", st.Status)
			continue
		}

		p.Metrics.PollTick(metrics.TickTerminal)
		h.result = p.finish(ctx, h, st)
		if p.OnFinish != nil {
			p.OnFinish(h.result)
		}
		return
	}
}

func (p *Poller) finish(ctx context.Context, h *Handle, st domain.JobStatus) Result {
	res := Result{JobID: h.JobID, SessionID: h.SessionID, State: st.Status}
	if st.Status == domain.JobFailed {
		res.Reason = st.FailureReason()
		if res.Reason == "" {
			res.Reason = "unknown error"
		}
		p.logger().Warn("job failed", "job", h.JobID, "reason", res.Reason)
		p.record(ctx, "job.failed", h, map[string]any{"reason": res.Reason})
		return res
	}
	if m, ok := report.FromJobStatus(st); ok {
		res.Report = &m
	}
	p.logger().Info("job completed", "job", h.JobID, "report", res.Report != nil)
	p.record(ctx, "job.completed", h, map[string]any{"report": res.Report != nil})
	return res
}

func (p *Poller) record(ctx context.Context, evtType string, h *Handle, payload map[string]any) {
	if p.Events == nil {
		return
	}
	p.Events.Record(ctx, evtType, h.SessionID, "job", h.JobID, payload)
}
