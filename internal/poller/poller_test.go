package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
)

type scriptedSource struct {
	mu     sync.Mutex
	script []func() (domain.JobStatus, error)
	calls  int
}

func (s *scriptedSource) JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i]()
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSink struct {
	mu      sync.Mutex
	patches []domain.RowPatch
}

func (r *recordingSink) MergeRows(ctx context.Context, sessionID string, patches []domain.RowPatch) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patches...)
	return len(patches), nil
}

func status(state domain.JobState) func() (domain.JobStatus, error) {
	return func() (domain.JobStatus, error) {
		return domain.JobStatus{JobID: "j1", Status: state}, nil
	}
}

func waitResult(t *testing.T, h *Handle) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestPollUntilCompleted(t *testing.T) {
	src := &scriptedSource{script: []func() (domain.JobStatus, error){
		func() (domain.JobStatus, error) { return domain.JobStatus{}, errors.New("gateway timeout") },
		func() (domain.JobStatus, error) {
			return domain.JobStatus{JobID: "j1", Status: "MINING", Rows: []domain.RowPatch{
				{"id": []byte(`"r1"`), "status": []byte(`"transcribing"`)},
			}}, nil
		},
		func() (domain.JobStatus, error) {
			return domain.JobStatus{JobID: "j1", Status: domain.JobCompleted, ResultSummary: map[string]any{
				"alignment_stats": map[string]any{"aligned_pairs": 3.0},
			}}, nil
		},
	}}
	sink := &recordingSink{}
	var finished []Result
	var mu sync.Mutex
	p := &Poller{Source: src, Rows: sink, Interval: 5 * time.Millisecond, OnFinish: func(r Result) {
		mu.Lock()
		finished = append(finished, r)
		mu.Unlock()
	}}

	h := p.Start(context.Background(), "s1", "j1")
	res, err := waitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, res.State)
	require.NotNil(t, res.Report)
	assert.Equal(t, 3, res.Report.TotalAlignedPairs)
	assert.Len(t, sink.patches, 1)

	calls := src.count()
	assert.Equal(t, 3, calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.count(), "no fetch after a terminal state")

	mu.Lock()
	assert.Len(t, finished, 1)
	mu.Unlock()
	_, running := p.Current()
	assert.False(t, running)
}

func TestFailedWithoutReason(t *testing.T) {
	src := &scriptedSource{script: []func() (domain.JobStatus, error){status(domain.JobFailed)}}
	p := &Poller{Source: src, Interval: 5 * time.Millisecond}
	res, err := waitResult(t, p.Start(context.Background(), "s1", "j1"))
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, "unknown error", res.Reason)
	assert.Nil(t, res.Report)
}

func TestFailedReasonFromSummary(t *testing.T) {
	src := &scriptedSource{script: []func() (domain.JobStatus, error){func() (domain.JobStatus, error) {
		return domain.JobStatus{Status: domain.JobFailed, ResultSummary: map[string]any{"error": "GPU quota"}}, nil
	}}}
	p := &Poller{Source: src, Interval: 5 * time.Millisecond}
	res, err := waitResult(t, p.Start(context.Background(), "s1", "j1"))
	require.NoError(t, err)
	assert.Equal(t, "GPU quota", res.Reason)
}

func TestErrorsDoNotStopPolling(t *testing.T) {
	src := &scriptedSource{script: []func() (domain.JobStatus, error){
		func() (domain.JobStatus, error) { return domain.JobStatus{}, errors.New("boom") },
	}}
	p := &Poller{Source: src, Interval: 2 * time.Millisecond}
	h := p.Start(context.Background(), "s1", "j1")
	require.Eventually(t, func() bool { return src.count() >= 3 }, time.Second, time.Millisecond)
	select {
	case <-h.Done():
		t.Fatal("poll ended on fetch errors")
	default:
	}
	h.Stop()
	_, err := waitResult(t, h)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStartReplacesPreviousPoll(t *testing.T) {
	first := &scriptedSource{script: []func() (domain.JobStatus, error){status("TRAINING")}}
	p := &Poller{Source: first, Interval: 2 * time.Millisecond}
	h1 := p.Start(context.Background(), "s1", "j1")
	h2 := p.Start(context.Background(), "s1", "j2")

	_, err := waitResult(t, h1)
	assert.ErrorIs(t, err, ErrStopped)
	cur, ok := p.Current()
	require.True(t, ok)
	assert.Same(t, h2, cur)

	p.Stop()
	_, err = waitResult(t, h2)
	assert.ErrorIs(t, err, ErrStopped)
	calls := first.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, first.count())
}

func TestContextCancelStops(t *testing.T) {
	src := &scriptedSource{script: []func() (domain.JobStatus, error){status("PENDING")}}
	p := &Poller{Source: src, Interval: 2 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	h := p.Start(ctx, "s1", "j1")
	cancel()
	_, err := waitResult(t, h)
	assert.ErrorIs(t, err, ErrStopped)
}
