// Package engine is the orchestrator: it consumes the intake channel into
// the telemetry store, drives the periodic evaluation and retention cycles,
// and answers the query API's composite views. All derived answers carry
// evidence assembled from the same window the judgment was made on.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/anomaly"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/evidence"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/fallback"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/incident"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/lens"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/storage"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/telemetry"
)

const (
	defaultEvalInterval  = time.Minute
	defaultSweepInterval = 5 * time.Minute
	currentWindowMinutes = 30
	warnCooldown         = 10 * time.Minute
	topReasonLimit       = 5
)

type Engine struct {
	logger    *slog.Logger
	cfg       *config.Manager
	samples   *telemetry.Store
	incidents *incident.Store
	resolver  *lens.Resolver
	assembler *evidence.Assembler
	detector  *anomaly.Detector
	registry  *anomaly.Registry
	archive   storage.Store
	throttle  *logThrottle
	clock     clock.Clock

	lastEvicted atomic.Uint64
}

// NewEngine wires the store, resolver, and detector together. archive may be
// nil; warnings then live only in memory. Detection cadence and debounce
// settings are fixed at construction; thresholds and windows re-read the
// manager on every call and follow config reloads.
func NewEngine(cfg *config.Manager, samples *telemetry.Store, incidents *incident.Store, archive storage.Store, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	current := cfg.Get()
	asm := evidence.NewAssembler(current.Evidence.MinSamples, current.Evidence.SaturationSamples)
	thresholds := lens.ThresholdFunc(func(provider string) model.Thresholds {
		return cfg.Get().ThresholdsFor(provider)
	})
	registry := anomaly.NewRegistry(current.Anomaly.RetiredLimit)

	e := &Engine{
		logger:    logger.With("component", "engine"),
		cfg:       cfg,
		samples:   samples,
		incidents: incidents,
		resolver:  lens.NewResolver(samples, incidents, asm, thresholds, current.Incident.FeedTimeout, logger),
		assembler: asm,
		registry:  registry,
		archive:   archive,
		throttle:  newLogThrottle(warnCooldown, clk),
		clock:     clk,
	}
	e.detector = anomaly.NewDetector(samples, incidents, registry, asm, thresholds, anomaly.Config{
		ConfirmCycles: current.Anomaly.ConfirmCycles,
		ClearCycles:   current.Anomaly.ClearCycles,
		WindowMinutes: current.Anomaly.WindowMinutes,
	}, clk, logger)
	return e
}

// NewPlanner builds a fallback generator sharing the engine's resolver,
// evidence rules, and live thresholds.
func (e *Engine) NewPlanner() *fallback.Generator {
	thresholds := lens.ThresholdFunc(func(provider string) model.Thresholds {
		return e.cfg.Get().ThresholdsFor(provider)
	})
	return fallback.NewGenerator(e.resolver, e.samples, e.assembler, thresholds, e.logger)
}

// Start launches the intake, evaluation, and retention goroutines. They run
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, in <-chan model.Sample) {
	go e.consume(ctx, in)
	go e.evalLoop(ctx)
	go e.sweepLoop(ctx)
}

func (e *Engine) consume(ctx context.Context, in <-chan model.Sample) {
	for {
		select {
		case s := <-in:
			if err := e.samples.Ingest(s); err != nil {
				metrics.IngestRejected.WithLabelValues("intake", "invalid").Inc()
				if e.throttle.allow("intake-reject") {
					e.logger.Warn("sample rejected at store", "segment", s.Segment.String(), "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) evalLoop(ctx context.Context) {
	interval := e.cfg.Get().Anomaly.EvalInterval
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.cfg.Get().Retention.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// EvaluateOnce runs one detector cycle, updates the instrumentation, and
// archives whatever changed.
func (e *Engine) EvaluateOnce(ctx context.Context) anomaly.Result {
	res := e.detector.Evaluate(ctx)

	metrics.EvalCycles.Inc()
	metrics.SignalsPromoted.Add(float64(len(res.Promoted)))
	metrics.SignalsRetired.Add(float64(len(res.Retired)))
	metrics.SignalsActive.Set(float64(e.registry.ActiveCount()))

	for _, warning := range res.Warnings {
		if e.throttle.allow(warning) {
			e.logger.Warn("evaluation degraded", "detail", warning)
		}
	}

	e.archiveWarnings(ctx, "confirmed", res.Promoted)
	e.archiveWarnings(ctx, "updated", res.Updated)
	e.archiveWarnings(ctx, "retired", res.Retired)
	return res
}

func (e *Engine) archiveWarnings(ctx context.Context, event string, signals []model.EarlyWarningSignal) {
	if e.archive == nil || len(signals) == 0 {
		return
	}
	if err := e.archive.SaveWarnings(ctx, event, signals); err != nil {
		if e.throttle.allow("archive|" + event) {
			e.logger.Warn("warning archive failed", "event", event, "count", len(signals), "error", err)
		}
	}
}

// Sweep evicts past-horizon samples and refreshes the store gauges. Returns
// how many samples were evicted.
func (e *Engine) Sweep() int {
	dropped := e.samples.SweepExpired()
	total := e.samples.EvictedTotal()
	if prev := e.lastEvicted.Swap(total); total > prev {
		metrics.StoreEvicted.Add(float64(total - prev))
	}
	metrics.StoreSamples.Set(float64(e.samples.SampleTotal()))
	if dropped > 0 {
		e.logger.Debug("retention sweep", "evicted", dropped, "segments", e.samples.Len())
	}
	return dropped
}

// Copilot returns the segment through every lens side by side.
func (e *Engine) Copilot(ctx context.Context, seg model.SegmentKey, windowMinutes int) (model.CopilotResponse, error) {
	return e.resolver.ResolveAll(ctx, seg, windowMinutes, nil)
}

// RateLimits summarizes throttle pressure for one provider, one entry per
// (model, region, tier) group, worst 429 rate first. Segments that differ
// only by endpoint or streaming mode fold into the same group: rates merge
// as sample-weighted means, retry-after percentiles come from the group's
// best-sampled member.
func (e *Engine) RateLimits(ctx context.Context, provider string, windowMinutes int) (model.RateLimitSummary, error) {
	if err := ctx.Err(); err != nil {
		return model.RateLimitSummary{}, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return model.RateLimitSummary{}, model.Validationf("provider", "required")
	}
	if windowMinutes <= 0 {
		return model.RateLimitSummary{}, model.Validationf("window_minutes", "must be > 0, got %d", windowMinutes)
	}

	type group struct {
		seg     model.RateLimitSegment
		w429    int
		wTPS    int
		pctRef  int
		reasons map[string]int
	}
	groups := make(map[string]*group)
	totalSamples := 0
	sources := make(map[model.Source]bool)

	for _, key := range e.samples.Segments(provider) {
		agg, err := e.samples.Query(key, windowMinutes)
		if err != nil {
			return model.RateLimitSummary{}, err
		}
		if agg.Count == 0 {
			continue
		}
		if agg.Rates.HTTP429 == nil && agg.RetryAfterP50 == nil && len(agg.ThrottleTop) == 0 {
			continue
		}

		gk := key.Model + "|" + key.Region + "|" + key.Tier
		g, ok := groups[gk]
		if !ok {
			g = &group{
				seg:     model.RateLimitSegment{Model: key.Model, Region: key.Region, Tier: key.Tier},
				reasons: make(map[string]int),
			}
			groups[gk] = g
		}
		if agg.Rates.HTTP429 != nil {
			g.seg.HTTP429Rate = weightedMean(g.seg.HTTP429Rate, g.w429, *agg.Rates.HTTP429, agg.Count)
			g.w429 += agg.Count
		}
		if agg.Rates.TokensPerSec != nil {
			prev := 0.0
			if g.seg.EffectiveTPS != nil {
				prev = *g.seg.EffectiveTPS
			}
			merged := weightedMean(prev, g.wTPS, *agg.Rates.TokensPerSec, agg.Count)
			g.seg.EffectiveTPS = &merged
			g.wTPS += agg.Count
		}
		if agg.RetryAfterP50 != nil && agg.Count > g.pctRef {
			g.seg.RetryAfterP50 = agg.RetryAfterP50
			g.seg.RetryAfterP95 = agg.RetryAfterP95
			g.pctRef = agg.Count
		}
		for _, rt := range agg.ThrottleTop {
			g.reasons[rt.Reason] += rt.Count
		}
		g.seg.SampleCount += agg.Count
		totalSamples += agg.Count
		for _, s := range agg.Sources {
			sources[s] = true
		}
	}

	segments := make([]model.RateLimitSegment, 0, len(groups))
	for _, g := range groups {
		g.seg.TopReasons = rankReasons(g.reasons, topReasonLimit)
		segments = append(segments, g.seg)
	}
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].HTTP429Rate != segments[j].HTTP429Rate {
			return segments[i].HTTP429Rate > segments[j].HTTP429Rate
		}
		return groupKey(segments[i]) < groupKey(segments[j])
	})

	rollup := model.Aggregate{WindowMinutes: windowMinutes, Count: totalSamples, Sources: sortedSources(sources)}
	return model.RateLimitSummary{
		Provider:      provider,
		WindowMinutes: windowMinutes,
		Segments:      segments,
		Evidence:      e.assembler.Assemble(rollup, e.cfg.Get().ThresholdsFor(provider), false),
	}, nil
}

// Throughput compares the segment's short-window tokens/sec against the
// configured baseline window. Delta is the fractional change versus baseline
// and is present only when both windows carry throughput data.
func (e *Engine) Throughput(ctx context.Context, seg model.SegmentKey) (model.ThroughputBaseline, error) {
	if err := ctx.Err(); err != nil {
		return model.ThroughputBaseline{}, err
	}
	currentWin := currentWindowMinutes
	baselineWin := e.cfg.Get().Windows.BaselineMinutes
	if baselineWin <= 0 {
		baselineWin = config.DefaultConfig().Windows.BaselineMinutes
	}
	if currentWin > baselineWin {
		currentWin = baselineWin
	}

	current, err := e.samples.Query(seg, currentWin)
	if err != nil {
		return model.ThroughputBaseline{}, err
	}
	baseline, err := e.samples.Query(seg, baselineWin)
	if err != nil {
		return model.ThroughputBaseline{}, err
	}

	out := model.ThroughputBaseline{
		Segment:              seg,
		CurrentTokensPerSec:  current.Rates.TokensPerSec,
		BaselineTokensPerSec: baseline.Rates.TokensPerSec,
		CurrentWindowMin:     currentWin,
		BaselineWindowMin:    baselineWin,
		Evidence:             e.assembler.Assemble(current, e.cfg.Get().ThresholdsFor(seg.Provider), false),
	}
	if out.CurrentTokensPerSec != nil && out.BaselineTokensPerSec != nil && *out.BaselineTokensPerSec > 0 {
		delta := (*out.CurrentTokensPerSec - *out.BaselineTokensPerSec) / *out.BaselineTokensPerSec
		out.Delta = &delta
	}
	return out, nil
}

// Staleness surfaces providers whose official lens says healthy while
// observed telemetry disagrees. An empty provider checks every provider with
// samples; per-provider failures are logged and skipped so one dead feed
// does not blank the whole answer.
func (e *Engine) Staleness(ctx context.Context, provider string, windowMinutes int) ([]model.StalenessSignal, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	single := provider != ""
	providers := []string{provider}
	if !single {
		providers = e.providers()
	}

	out := make([]model.StalenessSignal, 0, len(providers))
	for _, p := range providers {
		sig, err := e.resolver.Staleness(ctx, p, windowMinutes)
		if err != nil {
			if model.IsValidation(err) {
				return nil, err
			}
			if single {
				return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
			}
			if e.throttle.allow("staleness|" + p) {
				e.logger.Warn("staleness check failed", "provider", p, "error", err)
			}
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

// Warnings lists signals, optionally one provider's, active first.
func (e *Engine) Warnings(provider string, includeRetired bool) []model.EarlyWarningSignal {
	provider = strings.ToLower(strings.TrimSpace(provider))
	list := e.registry.Active()
	if includeRetired {
		list = append(list, e.registry.Retired()...)
	}
	if provider == "" {
		return list
	}
	out := make([]model.EarlyWarningSignal, 0, len(list))
	for _, sig := range list {
		if sig.Provider == provider {
			out = append(out, sig)
		}
	}
	return out
}

// Warning fetches one signal by ID, active or retired.
func (e *Engine) Warning(id string) (model.EarlyWarningSignal, bool) {
	return e.registry.Get(id)
}

// SegmentCount reports how many segments currently hold samples.
func (e *Engine) SegmentCount() int {
	return e.samples.Len()
}

// Reset drops samples, signals, and debounce state. Incident records stay;
// they re-sync from the feed on its own schedule.
func (e *Engine) Reset() {
	e.samples.Reset()
	e.detector.Reset()
	e.registry.Reset()
	e.throttle.reset()
	metrics.SignalsActive.Set(0)
	metrics.StoreSamples.Set(0)
	e.logger.Info("engine state reset")
}

func (e *Engine) providers() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, seg := range e.samples.Segments("") {
		if _, ok := seen[seg.Provider]; ok {
			continue
		}
		seen[seg.Provider] = struct{}{}
		out = append(out, seg.Provider)
	}
	sort.Strings(out)
	return out
}

func weightedMean(prev float64, prevWeight int, next float64, nextWeight int) float64 {
	if prevWeight+nextWeight == 0 {
		return 0
	}
	return (prev*float64(prevWeight) + next*float64(nextWeight)) / float64(prevWeight+nextWeight)
}

func groupKey(seg model.RateLimitSegment) string {
	return seg.Model + "|" + seg.Region + "|" + seg.Tier
}

func rankReasons(tally map[string]int, limit int) []model.ReasonTally {
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

func sortedSources(set map[model.Source]bool) []model.Source {
	if len(set) == 0 {
		return nil
	}
	out := make([]model.Source, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
