package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
	"trainline/internal/rows"
)

type fakeSessions struct {
	store    *rows.Store
	persists int
	failSave error
	order    *[]string
}

func (f *fakeSessions) Rows(id string) (*rows.Store, error) {
	if id != "s1" {
		return nil, errors.New("session not found")
	}
	return f.store, nil
}

func (f *fakeSessions) Persist(ctx context.Context, id string) error {
	f.persists++
	*f.order = append(*f.order, "persist")
	return f.failSave
}

type fakeBackend struct {
	calls int
	last  domain.DispatchRequest
	resp  domain.DispatchResponse
	err   error
	order *[]string
}

func (f *fakeBackend) DispatchJob(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResponse, error) {
	f.calls++
	f.last = req
	*f.order = append(*f.order, "dispatch")
	return f.resp, f.err
}

func statusRows(statuses ...domain.RowStatus) []domain.TrainingRow {
	out := make([]domain.TrainingRow, len(statuses))
	for i, s := range statuses {
		out[i] = domain.TrainingRow{ID: string(rune('a' + i)), YtURL: "https://youtu.be/x", Status: s}
	}
	return out
}

func newPlanner(rs []domain.TrainingRow, resp domain.DispatchResponse) (*Planner, *fakeSessions, *fakeBackend, *[]string) {
	order := &[]string{}
	sessions := &fakeSessions{store: rows.New(rs), order: order}
	backend := &fakeBackend{resp: resp, order: order}
	return &Planner{Sessions: sessions, Backend: backend, TenantID: "concejo"}, sessions, backend, order
}

func ids(rs []domain.TrainingRow) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestPlanSelection(t *testing.T) {
	rs := statusRows(domain.RowIdle, domain.RowIdle, domain.RowReady, domain.RowDone, domain.RowTraining)
	require.True(t, CacheAvailable(rs))

	full := Plan(rs, domain.ModeFullTraining, true)
	assert.Equal(t, []string{"a", "b", "c"}, ids(full.Rows))
	assert.True(t, full.ResumeFromCache)

	prep := Plan(rs, domain.ModeDataPrepOnly, true)
	assert.Equal(t, []string{"a", "b"}, ids(prep.Rows))
	assert.False(t, prep.ResumeFromCache)

	noCache := Plan(rs, domain.ModeFullTraining, false)
	assert.Equal(t, []string{"a", "b"}, ids(noCache.Rows))
	assert.False(t, noCache.ResumeFromCache)
}

func TestCacheAvailable(t *testing.T) {
	assert.False(t, CacheAvailable(nil))
	assert.False(t, CacheAvailable(statusRows(domain.RowIdle, domain.RowTraining, "error")))
	assert.True(t, CacheAvailable(statusRows(domain.RowDone)))
}

func TestNothingToDoSkipsNetwork(t *testing.T) {
	p, sessions, backend, _ := newPlanner(statusRows(domain.RowDone, domain.RowTraining), domain.DispatchResponse{JobID: "j"})
	out, err := p.Execute(context.Background(), "s1", domain.ModeDataPrepOnly)
	require.ErrorIs(t, err, ErrNothingToDo)
	assert.True(t, IsWarning(err))
	assert.Empty(t, out.Submission.Rows)
	assert.Zero(t, backend.calls)
	assert.Zero(t, sessions.persists)
}

func TestPersistBeforeDispatch(t *testing.T) {
	p, _, backend, order := newPlanner(statusRows(domain.RowIdle), domain.DispatchResponse{JobID: "job-9", Status: "PENDING"})
	out, err := p.Execute(context.Background(), "s1", domain.ModeFullTraining)
	require.NoError(t, err)
	assert.Equal(t, []string{"persist", "dispatch"}, *order)
	assert.Equal(t, "job-9", out.JobID)
	assert.Nil(t, out.Report)
	assert.Equal(t, "concejo", backend.last.TenantID)
	assert.Equal(t, domain.ModeFullTraining, backend.last.ExecutionMode)
	assert.False(t, backend.last.TrainingConfig.ResumeFromCache)
}

func TestPersistFailureAbortsDispatch(t *testing.T) {
	p, sessions, backend, _ := newPlanner(statusRows(domain.RowIdle), domain.DispatchResponse{JobID: "j"})
	sessions.failSave = errors.New("503")
	_, err := p.Execute(context.Background(), "s1", domain.ModeFullTraining)
	require.Error(t, err)
	assert.False(t, IsWarning(err))
	assert.Zero(t, backend.calls)
}

func TestPrepOnlyReport(t *testing.T) {
	p, _, _, _ := newPlanner(statusRows(domain.RowIdle), domain.DispatchResponse{
		Report: map[string]any{"aligned_pairs": 7.0},
	})
	out, err := p.Execute(context.Background(), "s1", domain.ModeDataPrepOnly)
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	assert.Equal(t, 7, out.Report.TotalAlignedPairs)
	assert.Empty(t, out.JobID)
}

func TestIncompleteResponse(t *testing.T) {
	p, _, _, _ := newPlanner(statusRows(domain.RowIdle), domain.DispatchResponse{})
	_, err := p.Execute(context.Background(), "s1", domain.ModeFullTraining)
	assert.ErrorIs(t, err, ErrIncompleteResponse)
	assert.True(t, IsWarning(err))
}

func TestDraftKeepsCacheFlagFromOpen(t *testing.T) {
	p, sessions, backend, _ := newPlanner(statusRows(domain.RowReady, domain.RowIdle), domain.DispatchResponse{JobID: "j"})
	d, err := p.Open("s1")
	require.NoError(t, err)
	require.True(t, d.CacheAvailable)

	// The prepared row is reset after the draft was opened.
	_, err = sessions.store.Update("a", rows.FieldStatus, domain.RowIdle)
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), domain.ModeFullTraining)
	require.NoError(t, err)
	assert.True(t, backend.last.TrainingConfig.ResumeFromCache)
	assert.Equal(t, []string{"a", "b"}, ids(backend.last.Rows))
}

func TestInvalidMode(t *testing.T) {
	p, _, backend, _ := newPlanner(statusRows(domain.RowIdle), domain.DispatchResponse{JobID: "j"})
	_, err := p.Execute(context.Background(), "s1", "TURBO")
	require.Error(t, err)
	assert.Zero(t, backend.calls)
}
