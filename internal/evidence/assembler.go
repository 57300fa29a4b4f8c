package evidence

import (
	"math"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const (
	// DefaultMinSamples is the count below which a window is considered
	// statistically thin and confidence stays under the trust floor.
	DefaultMinSamples = 20

	// DefaultSaturation is the count at which confidence stops growing.
	DefaultSaturation = 200

	// officialConfidence is the fixed confidence attached to signals taken
	// from a provider's own status feed. High, but never certain: feeds lag.
	officialConfidence = 0.85

	confidenceCeiling = 0.92
	trustFloor        = 0.2
	emptyConfidence   = 0.05
)

// Assembler builds the evidence packet attached to every derived signal.
// Nothing leaves the engine without one.
type Assembler struct {
	minSamples int
	saturation int
}

func NewAssembler(minSamples, saturation int) *Assembler {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if saturation <= minSamples {
		saturation = minSamples + DefaultSaturation
	}
	return &Assembler{minSamples: minSamples, saturation: saturation}
}

// Assemble produces the packet for one aggregate under the thresholds that
// judged it. includeSnapshot embeds the full aggregate for consumers that
// replay the decision; summaries leave it out to keep payloads small.
func (a *Assembler) Assemble(agg model.Aggregate, th model.Thresholds, includeSnapshot bool) model.EvidencePacket {
	sources := make([]string, 0, len(agg.Sources))
	for _, s := range agg.Sources {
		sources = append(sources, string(s))
	}
	pkt := model.EvidencePacket{
		WindowMinutes: agg.WindowMinutes,
		SampleCount:   agg.Count,
		Sources:       sources,
		Thresholds:    th.Snapshot(),
		Confidence:    a.Confidence(agg.Count),
	}
	if includeSnapshot {
		snap := agg
		pkt.Snapshot = &snap
	}
	return pkt
}

// Official produces the packet for a signal taken from the provider's own
// feed. Sample count is the incident count; confidence is fixed.
func (a *Assembler) Official(windowMinutes, incidentCount int) model.EvidencePacket {
	return model.EvidencePacket{
		WindowMinutes: windowMinutes,
		SampleCount:   incidentCount,
		Sources:       []string{"official"},
		Confidence:    officialConfidence,
	}
}

// Unavailable produces the packet attached when a collaborator could not be
// reached. Confidence bottoms out: an unreachable feed proves nothing.
func (a *Assembler) Unavailable(windowMinutes int) model.EvidencePacket {
	return model.EvidencePacket{
		WindowMinutes: windowMinutes,
		Sources:       []string{"official"},
		Confidence:    emptyConfidence,
	}
}

// Confidence maps a window's sample count to [0, 1). It grows monotonically,
// crosses the trust floor exactly at minSamples, flattens logarithmically,
// and is capped below 1 because sampled telemetry never proves anything.
func (a *Assembler) Confidence(n int) float64 {
	switch {
	case n <= 0:
		return emptyConfidence
	case n < a.minSamples:
		return emptyConfidence + (trustFloor-emptyConfidence)*float64(n)/float64(a.minSamples)
	}
	span := math.Log1p(float64(a.saturation - a.minSamples))
	if span <= 0 {
		return confidenceCeiling
	}
	c := trustFloor + (confidenceCeiling-trustFloor)*math.Log1p(float64(n-a.minSamples))/span
	return math.Min(c, confidenceCeiling)
}

// Thin reports whether a count is below the minimum for a trusted judgment.
func (a *Assembler) Thin(n int) bool {
	return n < a.minSamples
}
