package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

func f64(v float64) *float64 { return &v }

func testThresholds() model.Thresholds {
	return model.Thresholds{
		DegradedLatencyP95Ms: 10000,
		DownLatencyP95Ms:     30000,
		Degraded429Rate:      0.10,
		Down5xxRate:          0.25,
		DegradedDisconnect:   0.10,
	}
}

func TestClassifyEmptyWindowIsNoData(t *testing.T) {
	cls := Classify(model.Aggregate{WindowMinutes: 15}, testThresholds())
	assert.Equal(t, model.SignalNoData, cls.Signal, "an empty window must never classify as healthy")
	assert.Empty(t, cls.Breaches)
}

func TestClassifyHealthy(t *testing.T) {
	agg := model.Aggregate{
		Count:        100,
		LatencyP95Ms: 1800,
		Rates: model.RateMeans{
			HTTP429: f64(0.01),
			HTTP5xx: f64(0.004),
		},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalHealthy, cls.Signal)
	assert.Empty(t, cls.Breaches)
	assert.NotEmpty(t, cls.Summary())
}

func TestClassifyDownOn5xx(t *testing.T) {
	agg := model.Aggregate{
		Count:        60,
		LatencyP95Ms: 2400,
		Rates:        model.RateMeans{HTTP5xx: f64(0.31)},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalDown, cls.Signal)
	assert.Contains(t, cls.Breaches, model.BreachHTTP5xx)
}

func TestClassifyDegradedOn429(t *testing.T) {
	agg := model.Aggregate{
		Count:        60,
		LatencyP95Ms: 2400,
		Rates:        model.RateMeans{HTTP429: f64(0.14)},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalDegraded, cls.Signal)
	assert.Contains(t, cls.Breaches, model.BreachHTTP429)
}

func TestClassifyDownOutranksDegraded(t *testing.T) {
	agg := model.Aggregate{
		Count:        60,
		LatencyP95Ms: 2400,
		Rates: model.RateMeans{
			HTTP5xx: f64(0.30),
			HTTP429: f64(0.20),
		},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalDown, cls.Signal)
	assert.ElementsMatch(t, []model.BreachType{model.BreachHTTP5xx, model.BreachHTTP429}, cls.Breaches,
		"every breached family is recorded even when down wins")
}

func TestClassifyLatencyTiers(t *testing.T) {
	th := testThresholds()

	degraded := Classify(model.Aggregate{Count: 40, LatencyP95Ms: 12000}, th)
	assert.Equal(t, model.SignalDegraded, degraded.Signal)
	assert.Equal(t, []model.BreachType{model.BreachLatencyP95}, degraded.Breaches)

	down := Classify(model.Aggregate{Count: 40, LatencyP95Ms: 45000}, th)
	assert.Equal(t, model.SignalDown, down.Signal)
	assert.Equal(t, []model.BreachType{model.BreachLatencyP95}, down.Breaches,
		"latency is one breach family, recorded once at its worst tier")
}

func TestClassifyAbsentRateCannotBreach(t *testing.T) {
	agg := model.Aggregate{Count: 50, LatencyP95Ms: 900}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalHealthy, cls.Signal, "absent rate fields are unknown, not breaching")
}

func TestClassifyDisconnectDegrades(t *testing.T) {
	agg := model.Aggregate{
		Count:        50,
		LatencyP95Ms: 900,
		Rates:        model.RateMeans{StreamDisconnect: f64(0.22)},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalDegraded, cls.Signal)
	assert.Contains(t, cls.Breaches, model.BreachStreamDisconn)
}

func TestClassifyThresholdBoundaryInclusive(t *testing.T) {
	agg := model.Aggregate{
		Count:        50,
		LatencyP95Ms: 900,
		Rates:        model.RateMeans{HTTP429: f64(0.10)},
	}
	cls := Classify(agg, testThresholds())
	assert.Equal(t, model.SignalDegraded, cls.Signal, "exactly at threshold counts as a breach")
}
