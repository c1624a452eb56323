package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"trainline/internal/domain"
)

const jobColumns = `id,session_id,mode,resume_from_cache,state,COALESCE(error,''),report_json,started_at,finished_at`

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	report, err := encodeReport(j.Report)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO jobs(id,session_id,mode,resume_from_cache,state,error,report_json,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state`,
		j.ID, j.SessionID, string(j.Mode), boolInt(j.ResumeFromCache), string(j.State), nullable(j.Error), report, j.StartedAt, nullableStringPtr(j.FinishedAt))
	return err
}

// FinishJob records the terminal state of a job.
func (r Repo) FinishJob(ctx context.Context, id string, state domain.JobState, reason string, report *domain.ReportMetrics, finishedAt string) error {
	encoded, err := encodeReport(report)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET state=?, error=?, report_json=?, finished_at=? WHERE id=?`,
		string(state), nullable(reason), encoded, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// LatestJob returns the most recently started job of a session.
func (r Repo) LatestJob(ctx context.Context, sessionID string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id=? ORDER BY started_at DESC, rowid DESC LIMIT 1`, sessionID))
}

// ListJobs returns the jobs of a session, newest first. An empty session
// lists every job.
func (r Repo) ListJobs(ctx context.Context, sessionID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var mode, state string
	var resume int
	var report, finished sql.NullString
	err := row.Scan(&j.ID, &j.SessionID, &mode, &resume, &state, &j.Error, &report, &j.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Mode = domain.ExecutionMode(mode)
	j.State = domain.JobState(state)
	j.ResumeFromCache = resume == 1
	if finished.Valid {
		j.FinishedAt = &finished.String
	}
	if report.Valid && report.String != "" {
		var m domain.ReportMetrics
		if err := json.Unmarshal([]byte(report.String), &m); err != nil {
			return j, fmt.Errorf("job %s report: %w", j.ID, err)
		}
		j.Report = &m
	}
	return j, nil
}

func encodeReport(m *domain.ReportMetrics) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
