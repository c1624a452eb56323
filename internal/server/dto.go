package server

import (
	"encoding/json"

	"trainline/internal/domain"
	"trainline/internal/engine"
	"trainline/internal/planner"
	"trainline/internal/poller"
)

// Request payloads

type CreateSessionRequest struct {
	Name string `json:"name,omitempty" doc:"Defaults to a timestamped name"`
}

type RunRequest struct {
	Mode string `json:"mode" doc:"DATA_PREP_ONLY or FULL_TRAINING" example:"FULL_TRAINING"`
	Wait bool   `json:"wait,omitempty" doc:"Block until the job is terminal"`
}

type ResolveReviewRequest struct {
	Decision   string   `json:"decision" doc:"APPROVE, REJECT or EDIT" example:"APPROVE"`
	EditedText *string  `json:"edited_text,omitempty"`
	NewStart   *float64 `json:"new_start,omitempty"`
	NewEnd     *float64 `json:"new_end,omitempty"`
}

// Response payloads

type WhoAmIResponse struct {
	Subject  string `json:"subject"`
	TenantID string `json:"tenant_id,omitempty"`
}

type SessionResponse struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    string               `json:"status,omitempty"`
	CreatedAt string               `json:"created_at,omitempty"`
	Active    bool                 `json:"active"`
	Dirty     bool                 `json:"dirty"`
	Stats     domain.RowStats      `json:"stats"`
	Rows      []domain.TrainingRow `json:"rows,omitempty"`
}

type SessionList struct {
	Items   []SessionResponse `json:"items"`
	Warning string            `json:"warning,omitempty"`
}

type SyncResponse struct {
	Synced  int      `json:"synced"`
	Pending []string `json:"pending"`
	Error   string   `json:"error,omitempty"`
}

type RowResponse struct {
	domain.TrainingRow
	Warning string `json:"warning,omitempty"`
}

type ImportResponse struct {
	Schema   string          `json:"schema"`
	Imported int             `json:"imported"`
	Dropped  int             `json:"dropped"`
	Stats    domain.RowStats `json:"stats"`
	Warning  string          `json:"warning,omitempty"`
}

type PlanResponse struct {
	Mode            domain.ExecutionMode `json:"mode"`
	CacheAvailable  bool                 `json:"cache_available"`
	ResumeFromCache bool                 `json:"resume_from_cache"`
	RowCount        int                  `json:"row_count"`
	Rows            []domain.TrainingRow `json:"rows"`
}

type RunResponse struct {
	Mode            domain.ExecutionMode  `json:"mode"`
	ResumeFromCache bool                  `json:"resume_from_cache"`
	RowCount        int                   `json:"row_count"`
	JobID           string                `json:"job_id,omitempty"`
	Status          domain.JobState       `json:"status,omitempty"`
	Report          *domain.ReportMetrics `json:"report,omitempty"`
	Final           *poller.Result        `json:"final,omitempty"`
	Warning         string                `json:"warning,omitempty"`
}

type JobResponse struct {
	domain.Job
	Polling bool `json:"polling"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func sessionResponse(rec domain.SessionRecord, withRows bool) SessionResponse {
	s := rec.Session
	out := SessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		Active:    rec.Active,
		Dirty:     rec.Dirty,
		Stats:     domain.StatsOf(s.Rows),
	}
	if withRows {
		out.Rows = nonNil(s.Rows)
	}
	return out
}

func planResponse(sub planner.Submission) PlanResponse {
	return PlanResponse{
		Mode:            sub.Mode,
		CacheAvailable:  sub.CacheAvailable,
		ResumeFromCache: sub.ResumeFromCache,
		RowCount:        len(sub.Rows),
		Rows:            nonNil(sub.Rows),
	}
}

func runResponse(res engine.RunResult, warning string) RunResponse {
	sub := res.Outcome.Submission
	return RunResponse{
		Mode:            sub.Mode,
		ResumeFromCache: sub.ResumeFromCache,
		RowCount:        len(sub.Rows),
		JobID:           res.JobID,
		Status:          res.Status,
		Report:          res.Report,
		Final:           res.Final,
		Warning:         warning,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage(evt.Payload)
	}
	return out
}
