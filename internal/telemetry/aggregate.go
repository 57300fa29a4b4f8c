package telemetry

import (
	"math"
	"sort"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const topReasonLimit = 5

// computeAggregate reduces an in-window sample set to its statistical summary.
// Percentiles use the nearest-rank method; rate means cover only the samples
// that carry the field.
func computeAggregate(seg model.SegmentKey, windowMinutes int, samples []model.Sample) model.Aggregate {
	agg := model.Aggregate{Segment: seg, WindowMinutes: windowMinutes, Count: len(samples)}
	if len(samples) == 0 {
		return agg
	}

	latencies := make([]float64, 0, len(samples))
	var retryAfter []float64
	reasons := map[string]int{}
	seen := map[model.Source]bool{}
	for _, s := range samples {
		latencies = append(latencies, s.LatencyMs)
		if s.RetryAfterMs != nil {
			retryAfter = append(retryAfter, *s.RetryAfterMs)
		}
		if s.ThrottleReason != "" {
			reasons[s.ThrottleReason]++
		}
		seen[s.Source] = true
	}

	sort.Float64s(latencies)
	agg.LatencyP50Ms = nearestRank(latencies, 50)
	agg.LatencyP95Ms = nearestRank(latencies, 95)
	agg.LatencyP99Ms = nearestRank(latencies, 99)

	if len(retryAfter) > 0 {
		sort.Float64s(retryAfter)
		p50 := nearestRank(retryAfter, 50)
		p95 := nearestRank(retryAfter, 95)
		agg.RetryAfterP50 = &p50
		agg.RetryAfterP95 = &p95
	}

	agg.Rates = model.RateMeans{
		HTTP5xx:          meanOf(samples, func(s model.Sample) *float64 { return s.HTTP5xxRate }),
		HTTP429:          meanOf(samples, func(s model.Sample) *float64 { return s.HTTP429Rate }),
		RetryAfterMs:     meanOf(samples, func(s model.Sample) *float64 { return s.RetryAfterMs }),
		TokensPerSec:     meanOf(samples, func(s model.Sample) *float64 { return s.TokensPerSec }),
		StreamDisconnect: meanOf(samples, func(s model.Sample) *float64 { return s.StreamDisconnectRate }),
		Refusal:          meanOf(samples, func(s model.Sample) *float64 { return s.RefusalRate }),
		ToolSuccess:      meanOf(samples, func(s model.Sample) *float64 { return s.ToolSuccessRate }),
		SchemaValid:      meanOf(samples, func(s model.Sample) *float64 { return s.SchemaValidRate }),
		CompletionLength: meanOf(samples, func(s model.Sample) *float64 { return s.CompletionLength }),
	}

	agg.Sources = make([]model.Source, 0, len(seen))
	for src := range seen {
		agg.Sources = append(agg.Sources, src)
	}
	sort.Slice(agg.Sources, func(i, j int) bool { return agg.Sources[i] < agg.Sources[j] })

	agg.ThrottleTop = topReasons(reasons, topReasonLimit)
	return agg
}

// nearestRank returns the p-th percentile of sorted values: the value at
// 1-based rank ceil(p/100 * n). Exact for any n, including very small sets.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func meanOf(samples []model.Sample, field func(model.Sample) *float64) *float64 {
	var sum float64
	n := 0
	for _, s := range samples {
		if v := field(s); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

func topReasons(tally map[string]int, limit int) []model.ReasonTally {
	if len(tally) == 0 {
		return nil
	}
	out := make([]model.ReasonTally, 0, len(tally))
	for reason, count := range tally {
		out = append(out, model.ReasonTally{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
