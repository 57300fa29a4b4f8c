package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

func TestConfidenceEmptyWindowStaysUnderFloor(t *testing.T) {
	a := NewAssembler(20, 200)
	assert.LessOrEqual(t, a.Confidence(0), 0.2, "no data must never look trustworthy")
	assert.LessOrEqual(t, a.Confidence(-5), 0.2)
}

func TestConfidenceMonotonic(t *testing.T) {
	a := NewAssembler(20, 200)
	prev := -1.0
	for n := 0; n <= 400; n++ {
		c := a.Confidence(n)
		require.GreaterOrEqual(t, c, prev, "confidence regressed at n=%d", n)
		require.Less(t, c, 1.0, "confidence reached certainty at n=%d", n)
		prev = c
	}
}

func TestConfidenceCrossesFloorAtMinimum(t *testing.T) {
	a := NewAssembler(20, 200)
	assert.Less(t, a.Confidence(19), 0.2)
	assert.InDelta(t, 0.2, a.Confidence(20), 1e-9)
	assert.Greater(t, a.Confidence(100), 0.5, "a healthy hundred-sample window should be trusted")
}

func TestConfidenceSaturates(t *testing.T) {
	a := NewAssembler(20, 200)
	assert.InDelta(t, a.Confidence(200), a.Confidence(10000), 1e-9)
}

func TestAssembleBindsAggregateToPacket(t *testing.T) {
	a := NewAssembler(20, 200)
	agg := model.Aggregate{
		Segment:       model.SegmentKey{Provider: "openai", Model: "gpt-4o", Endpoint: "chat", Region: "us-east", Tier: "pro"},
		WindowMinutes: 15,
		Count:         80,
		Sources:       []model.Source{model.SourceCheck, model.SourceCrowd},
		LatencyP95Ms:  1800,
	}
	th := model.Thresholds{
		DegradedLatencyP95Ms: 10000,
		DownLatencyP95Ms:     30000,
		Degraded429Rate:      0.10,
		Down5xxRate:          0.25,
	}

	pkt := a.Assemble(agg, th, false)
	assert.Equal(t, 15, pkt.WindowMinutes)
	assert.Equal(t, 80, pkt.SampleCount, "evidence sample count must equal the aggregate count")
	assert.Equal(t, []string{"check", "crowd"}, pkt.Sources)
	assert.Equal(t, th.Snapshot(), pkt.Thresholds)
	assert.Nil(t, pkt.Snapshot)

	withSnap := a.Assemble(agg, th, true)
	require.NotNil(t, withSnap.Snapshot)
	assert.Equal(t, agg.LatencyP95Ms, withSnap.Snapshot.LatencyP95Ms)
}

func TestOfficialPacketFixedConfidence(t *testing.T) {
	a := NewAssembler(20, 200)
	pkt := a.Official(15, 2)
	assert.Equal(t, 2, pkt.SampleCount)
	assert.Equal(t, []string{"official"}, pkt.Sources)
	assert.InDelta(t, 0.85, pkt.Confidence, 1e-9)
	assert.Less(t, pkt.Confidence, 1.0)
}

func TestDefaultsApplied(t *testing.T) {
	a := NewAssembler(0, 0)
	assert.True(t, a.Thin(19))
	assert.False(t, a.Thin(20))
}
