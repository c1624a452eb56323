// Package report normalizes readiness report payloads.
//
// Reports come either straight from a prep-only dispatch or from the
// alignment_stats of a finished job, and the two do not agree on field names.
// Build is the single place where aliases are resolved:
//
//	total_aligned_pairs <- aligned_pairs (if non-zero), then total_aligned_pairs
//
// Every numeric field defaults to 0 and sample_pairs to an empty list.
package report

import (
	"math"

	"github.com/spf13/cast"

	"trainline/internal/domain"
)

const (
	keyCoverage     = "structural_coverage_pct"
	keyAlignedPairs = "aligned_pairs"
	keyTotalPairs   = "total_aligned_pairs"
	keyStaticNodes  = "static_nodes"
	keyDynamicNodes = "dynamic_nodes"
	keySamplePairs  = "sample_pairs"
	keyStats        = "alignment_stats"
)

// Build maps a raw payload to the fixed metrics shape. It never fails.
func Build(raw map[string]any) domain.ReportMetrics {
	m := domain.ReportMetrics{SamplePairs: []domain.SamplePair{}}
	if raw == nil {
		return m
	}
	m.StructuralCoveragePct = toFloat(raw[keyCoverage])
	m.TotalAlignedPairs = toInt(raw[keyAlignedPairs])
	if m.TotalAlignedPairs == 0 {
		m.TotalAlignedPairs = toInt(raw[keyTotalPairs])
	}
	m.StaticNodes = toInt(raw[keyStaticNodes])
	m.DynamicNodes = toInt(raw[keyDynamicNodes])
	m.SamplePairs = samplePairs(raw[keySamplePairs])
	return m
}

// FromJobStatus builds a report from the alignment statistics of a terminal
// job payload. The second result is false when no statistics were sent.
func FromJobStatus(st domain.JobStatus) (domain.ReportMetrics, bool) {
	stats, ok := st.ResultSummary[keyStats].(map[string]any)
	if !ok || stats == nil {
		return domain.ReportMetrics{}, false
	}
	return Build(stats), true
}

func samplePairs(v any) []domain.SamplePair {
	out := []domain.SamplePair{}
	switch items := v.(type) {
	case []domain.SamplePair:
		return append(out, items...)
	case []map[string]any:
		for _, it := range items {
			out = append(out, samplePair(it))
		}
	case []any:
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, samplePair(m))
		}
	}
	return out
}

func samplePair(m map[string]any) domain.SamplePair {
	return domain.SamplePair{
		Input:  cast.ToString(m["input"]),
		Output: cast.ToString(m["output"]),
		Score:  toFloat(m["score"]),
	}
}

func toFloat(v any) float64 {
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toInt(v any) int {
	return int(math.Round(toFloat(v)))
}
