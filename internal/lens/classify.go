package lens

import (
	"fmt"
	"strings"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

// Classification is the outcome of judging one aggregate against thresholds.
// Breaches lists every threshold family crossed, not just the worst one, so
// downstream consumers can fingerprint each condition separately.
type Classification struct {
	Signal   model.Signal
	Breaches []model.BreachType
	Reasons  []string
}

// Classify applies the ordered threshold rule to a windowed aggregate. An
// empty window is no-data, never healthy. Down conditions are checked before
// degraded ones; a rate field absent from every in-window sample cannot
// breach anything.
func Classify(agg model.Aggregate, th model.Thresholds) Classification {
	if agg.Count == 0 {
		return Classification{
			Signal:  model.SignalNoData,
			Reasons: []string{"no samples in window"},
		}
	}

	c := Classification{Signal: model.SignalHealthy}

	if r := agg.Rates.HTTP5xx; r != nil && th.Down5xxRate > 0 && *r >= th.Down5xxRate {
		c.mark(model.SignalDown, model.BreachHTTP5xx,
			fmt.Sprintf("5xx rate %.3f at or above down threshold %.3f", *r, th.Down5xxRate))
	}
	if th.DownLatencyP95Ms > 0 && agg.LatencyP95Ms >= th.DownLatencyP95Ms {
		c.mark(model.SignalDown, model.BreachLatencyP95,
			fmt.Sprintf("latency p95 %.0fms at or above down threshold %.0fms", agg.LatencyP95Ms, th.DownLatencyP95Ms))
	} else if th.DegradedLatencyP95Ms > 0 && agg.LatencyP95Ms >= th.DegradedLatencyP95Ms {
		c.mark(model.SignalDegraded, model.BreachLatencyP95,
			fmt.Sprintf("latency p95 %.0fms at or above degraded threshold %.0fms", agg.LatencyP95Ms, th.DegradedLatencyP95Ms))
	}
	if r := agg.Rates.HTTP429; r != nil && th.Degraded429Rate > 0 && *r >= th.Degraded429Rate {
		c.mark(model.SignalDegraded, model.BreachHTTP429,
			fmt.Sprintf("429 rate %.3f at or above degraded threshold %.3f", *r, th.Degraded429Rate))
	}
	if r := agg.Rates.StreamDisconnect; r != nil && th.DegradedDisconnect > 0 && *r >= th.DegradedDisconnect {
		c.mark(model.SignalDegraded, model.BreachStreamDisconn,
			fmt.Sprintf("stream disconnect rate %.3f at or above degraded threshold %.3f", *r, th.DegradedDisconnect))
	}

	if len(c.Reasons) == 0 {
		c.Reasons = []string{fmt.Sprintf("latency p95 %.0fms over %d samples", agg.LatencyP95Ms, agg.Count)}
	}
	return c
}

func (c *Classification) mark(sig model.Signal, breach model.BreachType, reason string) {
	if sig.Worse(c.Signal) {
		c.Signal = sig
	}
	c.Breaches = append(c.Breaches, breach)
	c.Reasons = append(c.Reasons, reason)
}

// Summary renders the classification for humans.
func (c Classification) Summary() string {
	return strings.Join(c.Reasons, "; ")
}
