package report

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
)

func TestBuildAlignedPairsOnly(t *testing.T) {
	got := Build(map[string]any{"aligned_pairs": 7})
	assert.Equal(t, domain.ReportMetrics{
		TotalAlignedPairs: 7,
		SamplePairs:       []domain.SamplePair{},
	}, got)
}

func TestBuildEmptyAndNil(t *testing.T) {
	for _, raw := range []map[string]any{nil, {}} {
		got := Build(raw)
		assert.Zero(t, got.TotalAlignedPairs)
		assert.Zero(t, got.StructuralCoveragePct)
		require.NotNil(t, got.SamplePairs)
		assert.Empty(t, got.SamplePairs)
	}
}

func TestBuildAliasPrecedence(t *testing.T) {
	assert.Equal(t, 3, Build(map[string]any{"aligned_pairs": 3, "total_aligned_pairs": 9}).TotalAlignedPairs)
	assert.Equal(t, 9, Build(map[string]any{"aligned_pairs": 0, "total_aligned_pairs": 9}).TotalAlignedPairs)
	assert.Equal(t, 9, Build(map[string]any{"total_aligned_pairs": 9}).TotalAlignedPairs)
}

func TestBuildFromDecodedJSON(t *testing.T) {
	var raw map[string]any
	payload := `{
		"structural_coverage_pct": 92.5,
		"total_aligned_pairs": "12",
		"static_nodes": 15,
		"dynamic_nodes": null,
		"sample_pairs": [
			{"input": "transcript", "output": "acta", "score": 0.87},
			"garbage",
			{"input": "only input"}
		]
	}`
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	got := Build(raw)
	assert.Equal(t, 92.5, got.StructuralCoveragePct)
	assert.Equal(t, 12, got.TotalAlignedPairs)
	assert.Equal(t, 15, got.StaticNodes)
	assert.Zero(t, got.DynamicNodes)
	assert.Equal(t, []domain.SamplePair{
		{Input: "transcript", Output: "acta", Score: 0.87},
		{Input: "only input"},
	}, got.SamplePairs)
}

func TestBuildIgnoresGarbageNumbers(t *testing.T) {
	got := Build(map[string]any{"structural_coverage_pct": "n/a", "static_nodes": []int{1}})
	assert.Zero(t, got.StructuralCoveragePct)
	assert.Zero(t, got.StaticNodes)
}

func TestFromJobStatus(t *testing.T) {
	_, ok := FromJobStatus(domain.JobStatus{Status: domain.JobCompleted})
	assert.False(t, ok)

	st := domain.JobStatus{
		Status: domain.JobCompleted,
		ResultSummary: map[string]any{
			"alignment_stats": map[string]any{"aligned_pairs": 4.0, "structural_coverage_pct": 80.0},
		},
	}
	got, ok := FromJobStatus(st)
	require.True(t, ok)
	assert.Equal(t, 4, got.TotalAlignedPairs)
	assert.Equal(t, 80.0, got.StructuralCoveragePct)
}
