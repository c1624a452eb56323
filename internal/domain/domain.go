package domain

import (
	"encoding/json"
	"strings"
)

// RowStatus is the advisory lifecycle stage of a training row. The expected
// order is idle -> downloading -> transcribing -> ready -> training -> done,
// but the backend may set any value at any time.
type RowStatus string

const (
	RowIdle         RowStatus = "idle"
	RowDownloading  RowStatus = "downloading"
	RowTranscribing RowStatus = "transcribing"
	RowReady        RowStatus = "ready"
	RowTraining     RowStatus = "training"
	RowDone         RowStatus = "done"
)

var rowStatusOrder = map[RowStatus]int{
	RowIdle:         0,
	RowDownloading:  1,
	RowTranscribing: 2,
	RowReady:        3,
	RowTraining:     4,
	RowDone:         5,
}

// Prepared reports whether the row holds cached preparation output.
func (s RowStatus) Prepared() bool {
	return s == RowReady || s == RowDone
}

// InFlight reports whether progress is meaningful for the status.
func (s RowStatus) InFlight() bool {
	return s == RowDownloading || s == RowTranscribing || s == RowTraining
}

// Known reports whether s is one of the documented statuses.
func (s RowStatus) Known() bool {
	_, ok := rowStatusOrder[s]
	return ok
}

// Regresses reports whether moving from s to next goes backwards in the
// documented order. Unknown statuses never regress.
func (s RowStatus) Regresses(next RowStatus) bool {
	a, okA := rowStatusOrder[s]
	b, okB := rowStatusOrder[next]
	return okA && okB && b < a
}

type DocxRef struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	S3Key     string `json:"s3_key,omitempty"`
	Uploading bool   `json:"uploading,omitempty"`
}

type TrainingRow struct {
	ID       string    `json:"id"`
	YtURL    string    `json:"ytUrl"`
	ActaName string    `json:"actaName"`
	Docx     *DocxRef  `json:"docx"`
	Status   RowStatus `json:"status"`
	Progress int       `json:"progress"`
}

// HasSource reports whether the row carries a source reference.
func (r TrainingRow) HasSource() bool { return strings.TrimSpace(r.YtURL) != "" }

// HasGroundTruth reports whether the row carries a ground-truth reference.
func (r TrainingRow) HasGroundTruth() bool {
	return r.Docx != nil || strings.TrimSpace(r.ActaName) != ""
}

// Incomplete rows have neither a source nor a ground truth. They are kept.
func (r TrainingRow) Incomplete() bool { return !r.HasSource() && !r.HasGroundTruth() }

type TrainingSession struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    string        `json:"status,omitempty"`
	CreatedAt string        `json:"created_at,omitempty" format:"date-time"`
	Rows      []TrainingRow `json:"rows"`
}

// SessionRecord is the locally persisted view of a session.
type SessionRecord struct {
	Session   TrainingSession `json:"session"`
	Position  int             `json:"position"`
	Active    bool            `json:"active"`
	Dirty     bool            `json:"dirty"`
	UpdatedAt string          `json:"updated_at,omitempty" format:"date-time"`
}

// RowStats summarizes a row set the way the session header shows it.
type RowStats struct {
	Total           int `json:"total"`
	WithSource      int `json:"with_source"`
	WithGroundTruth int `json:"with_ground_truth"`
	Incomplete      int `json:"incomplete"`
	Prepared        int `json:"prepared"`
}

func StatsOf(rows []TrainingRow) RowStats {
	st := RowStats{Total: len(rows)}
	for _, r := range rows {
		if r.HasSource() {
			st.WithSource++
		}
		if r.HasGroundTruth() {
			st.WithGroundTruth++
		}
		if r.Incomplete() {
			st.Incomplete++
		}
		if r.Status.Prepared() {
			st.Prepared++
		}
	}
	return st
}

type ExecutionMode string

const (
	ModeDataPrepOnly ExecutionMode = "DATA_PREP_ONLY"
	ModeFullTraining ExecutionMode = "FULL_TRAINING"
)

func (m ExecutionMode) Valid() bool {
	return m == ModeDataPrepOnly || m == ModeFullTraining
}

// ParseExecutionMode accepts the wire values case-insensitively plus the
// short forms "prep" and "full".
func ParseExecutionMode(s string) (ExecutionMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ModeDataPrepOnly), "PREP":
		return ModeDataPrepOnly, true
	case string(ModeFullTraining), "FULL":
		return ModeFullTraining, true
	}
	return "", false
}

// JobState is opaque except for the two terminal values.
type JobState string

const (
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RowPatch is a partial row update keyed by field name. Only the fields
// present in the object are applied.
type RowPatch map[string]json.RawMessage

// ID returns the row id the patch targets, or "" if absent.
func (p RowPatch) ID() string {
	raw, ok := p["id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// JobStatus is one poll response from the orchestrator.
type JobStatus struct {
	JobID         string         `json:"job_id"`
	Status        JobState       `json:"status"`
	Rows          []RowPatch     `json:"rows,omitempty"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// FailureReason returns the backend supplied reason for a failed job, or "".
func (s JobStatus) FailureReason() string {
	if s.Error != "" {
		return s.Error
	}
	if s.ResultSummary != nil {
		if v, ok := s.ResultSummary["error"].(string); ok {
			return v
		}
	}
	return ""
}

type TrainingConfig struct {
	ResumeFromCache bool `json:"resume_from_cache"`
}

type DispatchRequest struct {
	TenantID       string         `json:"tenant_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Rows           []TrainingRow  `json:"rows"`
	ExecutionMode  ExecutionMode  `json:"execution_mode"`
	TrainingConfig TrainingConfig `json:"training_config"`
}

// DispatchResponse carries either a job id or a synchronous report.
type DispatchResponse struct {
	JobID  string         `json:"job_id,omitempty"`
	Status JobState       `json:"status,omitempty"`
	Report map[string]any `json:"report,omitempty"`
}

type SamplePair struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	Score  float64 `json:"score"`
}

// ReportMetrics is the normalized readiness report shape.
type ReportMetrics struct {
	StructuralCoveragePct float64      `json:"structural_coverage_pct"`
	TotalAlignedPairs     int          `json:"total_aligned_pairs"`
	StaticNodes           int          `json:"static_nodes"`
	DynamicNodes          int          `json:"dynamic_nodes"`
	SamplePairs           []SamplePair `json:"sample_pairs"`
}

type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	S3Key     string `json:"s3_key"`
}

type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewReject  ReviewDecision = "REJECT"
	ReviewEdit    ReviewDecision = "EDIT"
)

func (d ReviewDecision) Valid() bool {
	return d == ReviewApprove || d == ReviewReject || d == ReviewEdit
}

type ReviewItem struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	Data                map[string]any `json:"data_json"`
	ValidationScore     *float64       `json:"validation_score,omitempty"`
	ValidationReasoning string         `json:"validation_reasoning,omitempty"`
	CreatedAt           string         `json:"created_at"`
}

type ResolveReviewRequest struct {
	QueueID    string         `json:"queue_id"`
	Decision   ReviewDecision `json:"decision"`
	EditedText *string        `json:"edited_text,omitempty"`
	NewStart   *float64       `json:"new_start,omitempty"`
	NewEnd     *float64       `json:"new_end,omitempty"`
}

// Job is the local record of a dispatched job.
type Job struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Mode            ExecutionMode  `json:"mode"`
	ResumeFromCache bool           `json:"resume_from_cache"`
	State           JobState       `json:"state"`
	Error           string         `json:"error,omitempty"`
	Report          *ReportMetrics `json:"report,omitempty"`
	StartedAt       string         `json:"started_at" format:"date-time"`
	FinishedAt      *string        `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
