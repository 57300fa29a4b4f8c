package lens

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/evidence"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

type fakeSamples struct {
	aggs map[model.Source]model.Aggregate
	segs []model.SegmentKey
	err  error
}

func (f *fakeSamples) Query(key model.SegmentKey, windowMinutes int, sources ...model.Source) (model.Aggregate, error) {
	if f.err != nil {
		return model.Aggregate{}, f.err
	}
	if len(sources) != 1 {
		return model.Aggregate{}, nil
	}
	agg, ok := f.aggs[sources[0]]
	if !ok {
		return model.Aggregate{Segment: key, WindowMinutes: windowMinutes}, nil
	}
	agg.Segment = key
	agg.WindowMinutes = windowMinutes
	return agg, nil
}

func (f *fakeSamples) Segments(provider string) []model.SegmentKey { return f.segs }

type fakeIncidents struct {
	incidents []model.Incident
	err       error
	block     time.Duration
}

func (f *fakeIncidents) ActiveForProvider(ctx context.Context, provider string) ([]model.Incident, error) {
	if f.block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.block):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.incidents, nil
}

func segKey() model.SegmentKey {
	return model.SegmentKey{Provider: "openai", Model: "gpt-4o", Endpoint: "chat", Region: "us-east", Tier: "pro"}
}

func newTestResolver(samples *fakeSamples, incidents *fakeIncidents) *Resolver {
	asm := evidence.NewAssembler(20, 200)
	thresholds := func(string) model.Thresholds { return testThresholds() }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(samples, incidents, asm, thresholds, 100*time.Millisecond, logger)
}

func TestResolveHealthyObservedWindow(t *testing.T) {
	samples := &fakeSamples{aggs: map[model.Source]model.Aggregate{
		model.SourceCheck: {
			Count:        100,
			Sources:      []model.Source{model.SourceCheck},
			LatencyP95Ms: 1800,
			Rates:        model.RateMeans{HTTP429: f64(0.01), HTTP5xx: f64(0.004)},
		},
	}}
	r := newTestResolver(samples, &fakeIncidents{})

	got, err := r.Resolve(context.Background(), segKey(), 15, model.LensObserved)
	require.NoError(t, err)
	assert.Equal(t, model.SignalHealthy, got.Signal)
	require.NotNil(t, got.Evidence)
	assert.Equal(t, 100, got.Evidence.SampleCount)
	assert.Greater(t, got.Evidence.Confidence, 0.5, "a hundred-sample healthy window deserves trust")
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 1800.0, got.Metrics.LatencyP95Ms)
}

func TestResolveEmptyWindowIsNoDataWithLowConfidence(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{})

	got, err := r.Resolve(context.Background(), segKey(), 15, model.LensSynthetic)
	require.NoError(t, err)
	assert.Equal(t, model.SignalNoData, got.Signal)
	require.NotNil(t, got.Evidence)
	assert.LessOrEqual(t, got.Evidence.Confidence, 0.2)
	assert.Nil(t, got.Metrics)
}

func TestResolveOfficialMapsSeverity(t *testing.T) {
	cases := []struct {
		severity model.Severity
		want     model.Signal
	}{
		{model.SeverityCritical, model.SignalDown},
		{model.SeverityMajor, model.SignalDown},
		{model.SeverityMinor, model.SignalDegraded},
		{model.SeverityMaintenance, model.SignalDegraded},
	}
	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			incidents := &fakeIncidents{incidents: []model.Incident{
				{ID: "a", Provider: "openai", Severity: tc.severity},
			}}
			r := newTestResolver(&fakeSamples{}, incidents)

			got, err := r.Resolve(context.Background(), segKey(), 15, model.LensOfficial)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Signal)
			assert.Contains(t, got.Summary, "1 open incident")
			require.NotNil(t, got.Evidence)
			assert.InDelta(t, 0.85, got.Evidence.Confidence, 1e-9)
		})
	}
}

func TestResolveOfficialHealthyWithoutIncidents(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{})
	got, err := r.Resolve(context.Background(), segKey(), 15, model.LensOfficial)
	require.NoError(t, err)
	assert.Equal(t, model.SignalHealthy, got.Signal)
}

func TestResolveOfficialUnavailableDegradesToNoData(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{err: model.ErrUpstreamUnavailable})

	got, err := r.Resolve(context.Background(), segKey(), 15, model.LensOfficial)
	require.NoError(t, err)
	assert.Equal(t, model.SignalNoData, got.Signal)
	assert.NotEmpty(t, got.Err, "the failure must be surfaced, not hidden")
	require.NotNil(t, got.Evidence)
	assert.LessOrEqual(t, got.Evidence.Confidence, 0.2)
}

func TestResolveOfficialBoundedByTimeout(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{block: 5 * time.Second})

	start := time.Now()
	got, err := r.Resolve(context.Background(), segKey(), 15, model.LensOfficial)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "a hung feed must not stall resolution")
	assert.Equal(t, model.SignalNoData, got.Signal)
	assert.Equal(t, model.ErrUpstreamUnavailable.Error(), got.Err)
}

func TestResolveAllKeepsLensesIndependent(t *testing.T) {
	samples := &fakeSamples{aggs: map[model.Source]model.Aggregate{
		model.SourceCheck: {
			Count:        40,
			Sources:      []model.Source{model.SourceCheck},
			LatencyP95Ms: 1500,
		},
	}}
	r := newTestResolver(samples, &fakeIncidents{err: model.ErrUpstreamUnavailable})

	resp, err := r.ResolveAll(context.Background(), segKey(), 15, nil)
	require.NoError(t, err)
	require.Len(t, resp.Lenses, len(model.AllLenses))

	official := resp.Lenses[model.LensOfficial]
	assert.Equal(t, model.SignalNoData, official.Signal)
	assert.NotEmpty(t, official.Err)

	observed := resp.Lenses[model.LensObserved]
	assert.Equal(t, model.SignalHealthy, observed.Signal, "one failed lens must not poison the others")
	assert.Empty(t, observed.Err)

	crowd := resp.Lenses[model.LensCrowd]
	assert.Equal(t, model.SignalNoData, crowd.Signal)
}

func TestResolveRejectsUnknownLens(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{})
	_, err := r.Resolve(context.Background(), segKey(), 15, model.Lens("oracle"))
	assert.True(t, model.IsValidation(err))
}

func TestResolveRejectsBadWindow(t *testing.T) {
	r := newTestResolver(&fakeSamples{}, &fakeIncidents{})
	_, err := r.Resolve(context.Background(), segKey(), 0, model.LensObserved)
	assert.True(t, model.IsValidation(err))
}

func TestStalenessFlagsDivergence(t *testing.T) {
	samples := &fakeSamples{
		segs: []model.SegmentKey{segKey()},
		aggs: map[model.Source]model.Aggregate{
			model.SourceCheck: {
				Count:        60,
				Sources:      []model.Source{model.SourceCheck},
				LatencyP95Ms: 2200,
				Rates:        model.RateMeans{HTTP5xx: f64(0.30)},
			},
		},
	}
	r := newTestResolver(samples, &fakeIncidents{})

	sig, err := r.Staleness(context.Background(), "openai", 15)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.SignalHealthy, sig.OfficialStatus)
	assert.Equal(t, model.SignalDown, sig.ObservedSignal)
	assert.Equal(t, 60, sig.Evidence.SampleCount)
}

func TestStalenessSilentOnThinWindow(t *testing.T) {
	samples := &fakeSamples{
		segs: []model.SegmentKey{segKey()},
		aggs: map[model.Source]model.Aggregate{
			model.SourceCheck: {
				Count:        5,
				Sources:      []model.Source{model.SourceCheck},
				LatencyP95Ms: 2200,
				Rates:        model.RateMeans{HTTP5xx: f64(0.40)},
			},
		},
	}
	r := newTestResolver(samples, &fakeIncidents{})

	sig, err := r.Staleness(context.Background(), "openai", 15)
	require.NoError(t, err)
	assert.Nil(t, sig, "five samples are noise, not grounds for accusation")
}

func TestStalenessSilentWhenOfficialAlreadyReporting(t *testing.T) {
	samples := &fakeSamples{
		segs: []model.SegmentKey{segKey()},
		aggs: map[model.Source]model.Aggregate{
			model.SourceCheck: {
				Count:   60,
				Sources: []model.Source{model.SourceCheck},
				Rates:   model.RateMeans{HTTP5xx: f64(0.30)},
			},
		},
	}
	incidents := &fakeIncidents{incidents: []model.Incident{
		{ID: "a", Provider: "openai", Severity: model.SeverityMajor},
	}}
	r := newTestResolver(samples, incidents)

	sig, err := r.Staleness(context.Background(), "openai", 15)
	require.NoError(t, err)
	assert.Nil(t, sig, "no divergence when the provider already acknowledges trouble")
}
