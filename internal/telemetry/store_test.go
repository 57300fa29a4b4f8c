package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

func testSegment() model.SegmentKey {
	return model.SegmentKey{
		Provider: "openai",
		Model:    "gpt-4o",
		Endpoint: "chat",
		Region:   "us-east",
		Tier:     "pro",
	}
}

func testSample(seg model.SegmentKey, latency float64, src model.Source, ts time.Time) model.Sample {
	return model.Sample{Segment: seg, Source: src, Timestamp: ts, LatencyMs: latency}
}

func TestIngestThenQueryImmediately(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(24*time.Hour, mock)
	seg := testSegment()

	if err := store.Ingest(testSample(seg, 820, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	agg, err := store.Query(seg, 15)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if agg.Count != 1 {
		t.Fatalf("count = %d, want 1", agg.Count)
	}
	if agg.LatencyP95Ms != 820 {
		t.Fatalf("p95 = %g, want 820", agg.LatencyP95Ms)
	}
}

func TestIngestValidation(t *testing.T) {
	store := NewStore(time.Hour, clock.NewMock())
	seg := testSegment()

	cases := []struct {
		name   string
		sample model.Sample
	}{
		{"missing provider", model.Sample{Segment: model.SegmentKey{Model: "m", Endpoint: "e", Region: "r"}, Source: model.SourceCheck}},
		{"missing model", model.Sample{Segment: model.SegmentKey{Provider: "p", Endpoint: "e", Region: "r"}, Source: model.SourceCheck}},
		{"negative latency", testSample(seg, -1, model.SourceCheck, time.Now())},
		{"unknown source", model.Sample{Segment: seg, Source: "gossip", LatencyMs: 1}},
	}
	for _, tc := range cases {
		err := store.Ingest(tc.sample)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !model.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if got := store.IngestedTotal(); got != 0 {
		t.Fatalf("rejected samples counted as ingested: %d", got)
	}
}

func TestQuerySourceFilter(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(24*time.Hour, mock)
	seg := testSegment()
	now := mock.Now()

	for i := 0; i < 3; i++ {
		if err := store.Ingest(testSample(seg, 100, model.SourceCheck, now)); err != nil {
			t.Fatalf("ingest check: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := store.Ingest(testSample(seg, 200, model.SourceSynthetic, now)); err != nil {
			t.Fatalf("ingest synthetic: %v", err)
		}
	}

	all, err := store.Query(seg, 15)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if all.Count != 5 {
		t.Fatalf("unfiltered count = %d, want 5", all.Count)
	}
	checks, err := store.Query(seg, 15, model.SourceCheck)
	if err != nil {
		t.Fatalf("query checks: %v", err)
	}
	if checks.Count != 3 {
		t.Fatalf("check count = %d, want 3", checks.Count)
	}
	if len(checks.Sources) != 1 || checks.Sources[0] != model.SourceCheck {
		t.Fatalf("sources = %v, want [check]", checks.Sources)
	}
}

func TestQueryWindowExcludesOldSamples(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(24*time.Hour, mock)
	seg := testSegment()

	if err := store.Ingest(testSample(seg, 500, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	mock.Add(20 * time.Minute)

	narrow, err := store.Query(seg, 15)
	if err != nil {
		t.Fatalf("query narrow: %v", err)
	}
	if narrow.Count != 0 {
		t.Fatalf("15m window should exclude 20m-old sample, count = %d", narrow.Count)
	}
	wide, err := store.Query(seg, 30)
	if err != nil {
		t.Fatalf("query wide: %v", err)
	}
	if wide.Count != 1 {
		t.Fatalf("30m window should include the sample, count = %d", wide.Count)
	}
}

func TestQueryRejectsNonPositiveWindow(t *testing.T) {
	store := NewStore(time.Hour, clock.NewMock())
	if _, err := store.Query(testSegment(), 0); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.Query(testSegment(), -5); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestQueryUnknownSegment(t *testing.T) {
	store := NewStore(time.Hour, clock.NewMock())
	agg, err := store.Query(testSegment(), 15)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if agg.Count != 0 || agg.Segment != testSegment() || agg.WindowMinutes != 15 {
		t.Fatalf("unexpected empty aggregate: %+v", agg)
	}
}

func TestEvictionPastHorizon(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(time.Hour, mock)
	seg := testSegment()

	if err := store.Ingest(testSample(seg, 100, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest old: %v", err)
	}
	mock.Add(2 * time.Hour)
	if err := store.Ingest(testSample(seg, 200, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest new: %v", err)
	}

	if got := store.EvictedTotal(); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
	agg, err := store.Query(seg, 240)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if agg.Count != 1 || agg.LatencyP50Ms != 200 {
		t.Fatalf("expected only the fresh sample, got %+v", agg)
	}
}

func TestSweepExpiredDropsEmptyBuffers(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(time.Hour, mock)
	seg := testSegment()

	if err := store.Ingest(testSample(seg, 100, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d, want 1", store.Len())
	}
	if store.SampleTotal() != 1 {
		t.Fatalf("sample total = %d, want 1", store.SampleTotal())
	}

	mock.Add(2 * time.Hour)
	if n := store.SweepExpired(); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if store.Len() != 0 {
		t.Fatalf("empty buffer not dropped, len = %d", store.Len())
	}
	if store.SampleTotal() != 0 {
		t.Fatalf("sample total after sweep = %d, want 0", store.SampleTotal())
	}
	if n := store.SweepExpired(); n != 0 {
		t.Fatalf("second sweep evicted %d, want 0", n)
	}
}

func TestSegmentsListing(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(time.Hour, mock)
	now := mock.Now()

	segA := model.SegmentKey{Provider: "anthropic", Model: "claude-sonnet", Endpoint: "messages", Region: "us-east", Tier: "pro"}
	segB := model.SegmentKey{Provider: "openai", Model: "gpt-4o", Endpoint: "chat", Region: "us-east", Tier: "pro"}
	segC := model.SegmentKey{Provider: "openai", Model: "gpt-4o", Endpoint: "chat", Region: "eu-west", Tier: "pro"}
	for _, seg := range []model.SegmentKey{segB, segC, segA} {
		if err := store.Ingest(testSample(seg, 100, model.SourceCheck, now)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	all := store.Segments("")
	if len(all) != 3 {
		t.Fatalf("all segments = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].String() >= all[i].String() {
			t.Fatalf("segments not sorted: %v", all)
		}
	}
	openai := store.Segments("openai")
	if len(openai) != 2 {
		t.Fatalf("openai segments = %d, want 2", len(openai))
	}
	for _, seg := range openai {
		if seg.Provider != "openai" {
			t.Fatalf("foreign provider leaked: %+v", seg)
		}
	}
}

func TestConcurrentIngest(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(time.Hour, mock)
	now := mock.Now()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			seg := model.SegmentKey{
				Provider: "openai",
				Model:    fmt.Sprintf("model-%d", w),
				Endpoint: "chat",
				Region:   "us-east",
				Tier:     "pro",
			}
			for i := 0; i < perWorker; i++ {
				if err := store.Ingest(testSample(seg, float64(i), model.SourceCheck, now)); err != nil {
					t.Errorf("ingest: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := store.IngestedTotal(); got != workers*perWorker {
		t.Fatalf("ingested = %d, want %d", got, workers*perWorker)
	}
	for w := 0; w < workers; w++ {
		seg := model.SegmentKey{
			Provider: "openai",
			Model:    fmt.Sprintf("model-%d", w),
			Endpoint: "chat",
			Region:   "us-east",
			Tier:     "pro",
		}
		agg, err := store.Query(seg, 60)
		if err != nil {
			t.Fatalf("query worker %d: %v", w, err)
		}
		if agg.Count != perWorker {
			t.Fatalf("worker %d count = %d, want %d", w, agg.Count, perWorker)
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(time.Hour, mock)
	if err := store.Ingest(testSample(testSegment(), 100, model.SourceCheck, mock.Now())); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	store.Reset()
	if store.Len() != 0 {
		t.Fatalf("len after reset = %d", store.Len())
	}
	agg, err := store.Query(testSegment(), 15)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if agg.Count != 0 {
		t.Fatalf("count after reset = %d", agg.Count)
	}
}

func TestIngestStampsMissingTimestamp(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(100 * time.Hour)
	store := NewStore(24*time.Hour, mock)
	seg := testSegment()

	s := testSample(seg, 100, model.SourceCheck, time.Time{})
	if err := store.Ingest(s); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	agg, err := store.Query(seg, 15)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if agg.Count != 1 {
		t.Fatalf("zero-timestamp sample should land at clock now, count = %d", agg.Count)
	}
}
