package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/evidence"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/lens"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const (
	ObjectiveReliability = "reliability"
	ObjectiveLatency     = "latency"
	ObjectiveCost        = "cost"

	defaultPlanWindow = 15
	maxBackoffMs      = 30000
)

// Request asks for a routing recommendation. Provider, model, endpoint, and
// region identify the segment and are required, never defaulted. Tier and
// streaming narrow the match when set and otherwise cover every variant.
type Request struct {
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Endpoint      string       `json:"endpoint"`
	Region        string       `json:"region"`
	Tier          string       `json:"tier,omitempty"`
	Streaming     *bool        `json:"streaming,omitempty"`
	Objective     string       `json:"objective,omitempty"`
	WindowMinutes int          `json:"window_minutes,omitempty"`
	Current       *LiveMetrics `json:"current,omitempty"`
}

// LiveMetrics is one caller-supplied observation from a request that just
// finished. It outranks stored aggregates for classification because it is
// fresher than any window, but it is still a single data point and scores
// like one.
type LiveMetrics struct {
	LatencyMs            float64  `json:"latency_ms"`
	HTTP5xxRate          *float64 `json:"http_5xx_rate,omitempty"`
	HTTP429Rate          *float64 `json:"http_429_rate,omitempty"`
	RetryAfterMs         *float64 `json:"retry_after_ms,omitempty"`
	StreamDisconnectRate *float64 `json:"stream_disconnect_rate,omitempty"`
}

// Generator turns current lens state into fallback plans. Plans are pure
// derivations: nothing is stored, two identical calls over the same window
// give the same answer.
type Generator struct {
	resolver   *lens.Resolver
	samples    lens.AggregateSource
	assembler  *evidence.Assembler
	thresholds lens.ThresholdFunc
	logger     *slog.Logger
}

func NewGenerator(resolver *lens.Resolver, samples lens.AggregateSource, asm *evidence.Assembler, thresholds lens.ThresholdFunc, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		resolver:   resolver,
		samples:    samples,
		assembler:  asm,
		thresholds: thresholds,
		logger:     logger.With("component", "fallback"),
	}
}

// Plan synthesizes the recommendation for one request.
func (g *Generator) Plan(ctx context.Context, req Request) (model.FallbackPlan, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Model = strings.TrimSpace(req.Model)
	req.Endpoint = strings.ToLower(strings.TrimSpace(req.Endpoint))
	req.Region = strings.ToLower(strings.TrimSpace(req.Region))
	req.Objective = strings.ToLower(strings.TrimSpace(req.Objective))
	if req.Provider == "" {
		return model.FallbackPlan{}, model.Validationf("provider", "required")
	}
	if req.Model == "" {
		return model.FallbackPlan{}, model.Validationf("model", "required")
	}
	if req.Endpoint == "" {
		return model.FallbackPlan{}, model.Validationf("endpoint", "required")
	}
	if req.Region == "" {
		return model.FallbackPlan{}, model.Validationf("region", "required")
	}
	switch req.Objective {
	case "", ObjectiveReliability, ObjectiveLatency, ObjectiveCost:
	default:
		return model.FallbackPlan{}, model.Validationf("objective", "unknown objective %q", req.Objective)
	}
	if req.Objective == "" {
		req.Objective = ObjectiveReliability
	}
	if req.WindowMinutes == 0 {
		req.WindowMinutes = defaultPlanWindow
	}
	if req.WindowMinutes < 0 {
		return model.FallbackPlan{}, model.Validationf("window_minutes", "must be > 0, got %d", req.WindowMinutes)
	}

	if req.Current != nil {
		if err := req.Current.validate(); err != nil {
			return model.FallbackPlan{}, err
		}
		return g.livePlan(req), nil
	}

	worst, matched := g.worstMatching(ctx, req)
	if !matched {
		return g.noDataPlan(ctx, req), nil
	}

	var breaches []model.BreachType
	if worst.Metrics != nil {
		breaches = lens.Classify(*worst.Metrics, g.thresholds(req.Provider)).Breaches
	}
	actions := composeActions(worst.Signal, breaches, worst.Metrics, req)
	rankActions(actions, req.Objective)

	plan := model.FallbackPlan{
		Segment: segmentOf(req, worst),
		Signal:  worst.Signal,
		Summary: planSummary(worst, req),
		Actions: texts(actions),
		Policy:  policyFor(worst.Signal, worst.Metrics),
	}
	if worst.Evidence != nil {
		plan.Evidence = *worst.Evidence
	}
	return plan, nil
}

// worstMatching resolves every known segment the request covers and returns
// the worst judgment, preferring live engine-operated lenses.
func (g *Generator) worstMatching(ctx context.Context, req Request) (model.LensSummary, bool) {
	var (
		worst model.LensSummary
		found bool
	)
	for _, seg := range g.samples.Segments(req.Provider) {
		if !matches(seg, req) {
			continue
		}
		for _, l := range []model.Lens{model.LensObserved, model.LensSynthetic} {
			summary, err := g.resolver.Resolve(ctx, seg, req.WindowMinutes, l)
			if err != nil {
				g.logger.Error("plan resolution failed", "segment", seg.String(), "lens", string(l), "error", err)
				continue
			}
			if summary.Signal == model.SignalNoData {
				continue
			}
			if !found || summary.Signal.Worse(worst.Signal) ||
				(summary.Signal == worst.Signal && sampleCount(summary) > sampleCount(worst)) {
				worst = summary
				found = true
			}
		}
	}
	return worst, found
}

// noDataPlan is the conservative answer when nothing matches the request.
// The official lens still gets a say: a provider-declared outage downgrades
// the plan even without local telemetry.
func (g *Generator) noDataPlan(ctx context.Context, req Request) model.FallbackPlan {
	signal := model.SignalNoData
	summary := "no recent telemetry for this segment"
	var pkt model.EvidencePacket

	official, err := g.resolver.Resolve(ctx, model.SegmentKey{Provider: req.Provider}, req.WindowMinutes, model.LensOfficial)
	if err == nil && official.Err == "" && official.Evidence != nil {
		pkt = *official.Evidence
		if official.Signal.Worse(model.SignalNoData) {
			signal = official.Signal
			summary = fmt.Sprintf("no local telemetry; provider feed reports %s", official.Signal)
		}
	} else {
		pkt = g.assembler.Unavailable(req.WindowMinutes)
	}
	// Confidence reflects the empty window regardless of what the feed said.
	pkt.Confidence = math.Min(pkt.Confidence, g.assembler.Confidence(0))
	pkt.SampleCount = 0

	actions := composeActions(signal, nil, nil, req)
	rankActions(actions, req.Objective)
	return model.FallbackPlan{
		Segment:  segmentOf(req, model.LensSummary{}),
		Signal:   signal,
		Summary:  summary,
		Actions:  texts(actions),
		Policy:   policyFor(signal, nil),
		Evidence: pkt,
	}
}

func (m *LiveMetrics) validate() error {
	if m.LatencyMs < 0 {
		return model.Validationf("current.latency_ms", "must not be negative, got %g", m.LatencyMs)
	}
	rates := []struct {
		name string
		val  *float64
	}{
		{"current.http_5xx_rate", m.HTTP5xxRate},
		{"current.http_429_rate", m.HTTP429Rate},
		{"current.stream_disconnect_rate", m.StreamDisconnectRate},
	}
	for _, r := range rates {
		if r.val != nil && (*r.val < 0 || *r.val > 1) {
			return model.Validationf(r.name, "must be within [0,1], got %g", *r.val)
		}
	}
	return nil
}

// aggregate lifts the single live observation into the shape the classifier
// and policy scaler consume.
func (m *LiveMetrics) aggregate(seg model.SegmentKey, windowMinutes int) model.Aggregate {
	agg := model.Aggregate{
		Segment:       seg,
		WindowMinutes: windowMinutes,
		Count:         1,
		LatencyP50Ms:  m.LatencyMs,
		LatencyP95Ms:  m.LatencyMs,
		LatencyP99Ms:  m.LatencyMs,
		Rates: model.RateMeans{
			HTTP5xx:          m.HTTP5xxRate,
			HTTP429:          m.HTTP429Rate,
			RetryAfterMs:     m.RetryAfterMs,
			StreamDisconnect: m.StreamDisconnectRate,
		},
	}
	if m.RetryAfterMs != nil {
		agg.RetryAfterP50 = m.RetryAfterMs
		agg.RetryAfterP95 = m.RetryAfterMs
	}
	return agg
}

// livePlan classifies the caller's own observation instead of the stored
// window. Same thresholds, same action table; only the input differs.
func (g *Generator) livePlan(req Request) model.FallbackPlan {
	agg := req.Current.aggregate(segmentOf(req, model.LensSummary{}), req.WindowMinutes)
	cls := lens.Classify(agg, g.thresholds(req.Provider))

	actions := composeActions(cls.Signal, cls.Breaches, &agg, req)
	rankActions(actions, req.Objective)

	pkt := g.assembler.Assemble(agg, g.thresholds(req.Provider), false)
	pkt.Sources = []string{"live"}

	return model.FallbackPlan{
		Segment:  agg.Segment,
		Signal:   cls.Signal,
		Summary:  fmt.Sprintf("%s/%s is %s on live metrics: %s", req.Provider, req.Model, cls.Signal, cls.Summary()),
		Actions:  texts(actions),
		Policy:   policyFor(cls.Signal, &agg),
		Evidence: pkt,
	}
}

func matches(seg model.SegmentKey, req Request) bool {
	if seg.Model != req.Model || seg.Endpoint != req.Endpoint || seg.Region != req.Region {
		return false
	}
	if req.Tier != "" && seg.Tier != strings.ToLower(req.Tier) {
		return false
	}
	if req.Streaming != nil && seg.Streaming != *req.Streaming {
		return false
	}
	return true
}

func segmentOf(req Request, worst model.LensSummary) model.SegmentKey {
	if worst.Metrics != nil {
		return worst.Metrics.Segment
	}
	seg := model.SegmentKey{
		Provider: req.Provider,
		Model:    req.Model,
		Endpoint: req.Endpoint,
		Region:   req.Region,
		Tier:     strings.ToLower(req.Tier),
	}
	if seg.Tier == "" {
		seg.Tier = "unknown"
	}
	if req.Streaming != nil {
		seg.Streaming = *req.Streaming
	}
	return seg
}

func sampleCount(s model.LensSummary) int {
	if s.Evidence == nil {
		return 0
	}
	return s.Evidence.SampleCount
}

func planSummary(worst model.LensSummary, req Request) string {
	base := fmt.Sprintf("%s/%s is %s", req.Provider, req.Model, worst.Signal)
	if worst.Summary != "" {
		return base + ": " + worst.Summary
	}
	return base
}

// action classes drive objective-biased ordering.
const (
	classFailover  = "failover"
	classThrottle  = "throttle"
	classLatency   = "latency"
	classIntegrity = "integrity"
	classKeep      = "keep"
	classProbe     = "probe"
)

type action struct {
	text  string
	class string
}

func composeActions(signal model.Signal, breaches []model.BreachType, metrics *model.Aggregate, req Request) []action {
	switch signal {
	case model.SignalDown:
		return []action{
			{fmt.Sprintf("fail over %s traffic to an alternate provider", req.Model), classFailover},
			{"open the circuit breaker and shed non-critical requests", classFailover},
			{"queue deferrable work and retry after recovery", classThrottle},
		}
	case model.SignalDegraded:
		var out []action
		for _, b := range breaches {
			switch b {
			case model.BreachHTTP429:
				out = append(out,
					action{throttleAdvice(metrics), classThrottle},
					action{"spread traffic across additional regions or keys", classThrottle},
					action{"defer batch and background workloads", classThrottle},
				)
			case model.BreachLatencyP95:
				out = append(out,
					action{"route latency-sensitive traffic to an alternate region", classLatency},
					action{"cap completion length for interactive requests", classLatency},
				)
			case model.BreachHTTP5xx:
				out = append(out,
					action{"retry idempotent requests against a secondary provider", classFailover},
				)
			case model.BreachStreamDisconn:
				out = append(out,
					action{"prefer non-streaming completions while disconnects are elevated", classIntegrity},
				)
			}
		}
		if len(out) == 0 {
			out = append(out, action{"reduce pressure on the degraded segment", classThrottle})
		}
		return out
	case model.SignalNoData:
		return []action{
			{"keep current routing, telemetry is insufficient to recommend a change", classKeep},
			{"enable synthetic probes for this segment", classProbe},
		}
	}
	return []action{{"keep current routing", classKeep}}
}

func throttleAdvice(metrics *model.Aggregate) string {
	if metrics != nil && metrics.RetryAfterP95 != nil {
		return fmt.Sprintf("honor retry-after headers (observed p95 %.0fms) and reduce request rate", *metrics.RetryAfterP95)
	}
	return "honor retry-after headers and reduce request rate"
}

// rankActions stable-sorts by objective preference, so the first action is
// the one the requested objective cares about most.
func rankActions(actions []action, objective string) {
	weight := func(class string) int {
		switch objective {
		case ObjectiveLatency:
			switch class {
			case classLatency:
				return 0
			case classFailover:
				return 1
			case classThrottle:
				return 2
			}
		case ObjectiveCost:
			switch class {
			case classThrottle:
				return 0
			case classLatency:
				return 1
			case classFailover:
				return 3
			}
		default:
			switch class {
			case classFailover:
				return 0
			case classThrottle:
				return 1
			case classLatency:
				return 2
			}
		}
		return 2
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return weight(actions[i].class) < weight(actions[j].class)
	})
}

func texts(actions []action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.text
	}
	return out
}

// policyFor scales the machine-readable policy with severity and prefers
// observed retry-after over the static backoff when the window has one.
func policyFor(signal model.Signal, metrics *model.Aggregate) model.JSONPolicy {
	var p model.JSONPolicy
	switch signal {
	case model.SignalDown:
		p = model.JSONPolicy{
			Retry:          model.RetryPolicy{MaxAttempts: 1, BackoffMs: 5000},
			CircuitBreaker: model.BreakerPolicy{OpenAfterErrorRate: 0.10},
		}
	case model.SignalDegraded:
		p = model.JSONPolicy{
			Retry:          model.RetryPolicy{MaxAttempts: 2, BackoffMs: 2000},
			CircuitBreaker: model.BreakerPolicy{OpenAfterErrorRate: 0.25},
		}
	case model.SignalNoData:
		p = model.JSONPolicy{
			Retry:          model.RetryPolicy{MaxAttempts: 2, BackoffMs: 1000},
			CircuitBreaker: model.BreakerPolicy{OpenAfterErrorRate: 0.30},
		}
	default:
		p = model.JSONPolicy{
			Retry:          model.RetryPolicy{MaxAttempts: 3, BackoffMs: 500},
			CircuitBreaker: model.BreakerPolicy{OpenAfterErrorRate: 0.50},
		}
	}
	if metrics != nil && metrics.RetryAfterP95 != nil {
		if ra := int(*metrics.RetryAfterP95); ra > p.Retry.BackoffMs {
			if ra > maxBackoffMs {
				ra = maxBackoffMs
			}
			p.Retry.BackoffMs = ra
		}
	}
	return p
}
