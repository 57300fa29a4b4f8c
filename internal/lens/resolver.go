package lens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/evidence"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const defaultFeedTimeout = 2 * time.Second

// AggregateSource is the windowed sample view the resolver reads. The
// telemetry store satisfies it.
type AggregateSource interface {
	Query(key model.SegmentKey, windowMinutes int, sources ...model.Source) (model.Aggregate, error)
	Segments(provider string) []model.SegmentKey
}

// IncidentSource is the official-feed view. Reads carry a context so a hung
// collaborator degrades the official lens instead of stalling the request.
type IncidentSource interface {
	ActiveForProvider(ctx context.Context, provider string) ([]model.Incident, error)
}

// ThresholdFunc returns the classification cutoffs for a provider.
type ThresholdFunc func(provider string) model.Thresholds

// Resolver answers "is this segment healthy" once per lens, keeping the
// lenses independent. One lens failing or disagreeing never bleeds into the
// others; disagreement is the product.
type Resolver struct {
	samples     AggregateSource
	incidents   IncidentSource
	assembler   *evidence.Assembler
	thresholds  ThresholdFunc
	feedTimeout time.Duration
	logger      *slog.Logger
}

func NewResolver(samples AggregateSource, incidents IncidentSource, asm *evidence.Assembler, thresholds ThresholdFunc, feedTimeout time.Duration, logger *slog.Logger) *Resolver {
	if feedTimeout <= 0 {
		feedTimeout = defaultFeedTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		samples:     samples,
		incidents:   incidents,
		assembler:   asm,
		thresholds:  thresholds,
		feedTimeout: feedTimeout,
		logger:      logger.With("component", "lens"),
	}
}

// Resolve computes one lens's summary for one segment.
func (r *Resolver) Resolve(ctx context.Context, seg model.SegmentKey, windowMinutes int, lens model.Lens) (model.LensSummary, error) {
	if windowMinutes <= 0 {
		return model.LensSummary{}, model.Validationf("window_minutes", "must be > 0, got %d", windowMinutes)
	}
	if lens == model.LensOfficial {
		return r.resolveOfficial(ctx, seg.Provider, windowMinutes), nil
	}
	src, ok := lens.SampleSource()
	if !ok {
		return model.LensSummary{}, model.Validationf("lens", "unknown lens %q", lens)
	}
	return r.resolveSamples(seg, windowMinutes, lens, src)
}

// ResolveAll computes every requested lens, independently. A failing lens
// contributes a summary with its error set; the others are unaffected.
func (r *Resolver) ResolveAll(ctx context.Context, seg model.SegmentKey, windowMinutes int, lenses []model.Lens) (model.CopilotResponse, error) {
	if windowMinutes <= 0 {
		return model.CopilotResponse{}, model.Validationf("window_minutes", "must be > 0, got %d", windowMinutes)
	}
	if len(lenses) == 0 {
		lenses = model.AllLenses
	}
	resp := model.CopilotResponse{
		WindowMinutes: windowMinutes,
		Segment:       seg,
		Lenses:        make(map[model.Lens]model.LensSummary, len(lenses)),
	}
	for _, l := range lenses {
		summary, err := r.Resolve(ctx, seg, windowMinutes, l)
		if err != nil {
			if model.IsValidation(err) {
				return model.CopilotResponse{}, err
			}
			summary = model.LensSummary{Lens: l, Signal: model.SignalNoData, Err: err.Error()}
		}
		resp.Lenses[l] = summary
	}
	return resp, nil
}

// resolveOfficial reads the provider's own feed under a bounded timeout.
// Unreachable or stale feeds yield no-data with the error surfaced, never a
// guess in either direction.
func (r *Resolver) resolveOfficial(ctx context.Context, provider string, windowMinutes int) model.LensSummary {
	fctx, cancel := context.WithTimeout(ctx, r.feedTimeout)
	defer cancel()

	incidents, err := r.incidents.ActiveForProvider(fctx, provider)
	if err != nil {
		r.logger.Warn("official lens unavailable", "provider", provider, "error", err)
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = model.ErrUpstreamUnavailable.Error()
		}
		pkt := r.assembler.Unavailable(windowMinutes)
		return model.LensSummary{
			Lens:     model.LensOfficial,
			Signal:   model.SignalNoData,
			Summary:  "incident feed unreachable",
			Evidence: &pkt,
			Err:      msg,
		}
	}

	signal := model.SignalHealthy
	worst := model.Severity("")
	for _, inc := range incidents {
		s := severitySignal(inc.Severity)
		if s.Worse(signal) {
			signal = s
		}
		if severityRank(inc.Severity) > severityRank(worst) {
			worst = inc.Severity
		}
	}

	summary := "no open incidents reported"
	if len(incidents) > 0 {
		summary = fmt.Sprintf("provider reports %d open incident(s), worst severity %s", len(incidents), worst)
	}
	pkt := r.assembler.Official(windowMinutes, len(incidents))
	return model.LensSummary{
		Lens:     model.LensOfficial,
		Signal:   signal,
		Summary:  summary,
		Evidence: &pkt,
	}
}

func (r *Resolver) resolveSamples(seg model.SegmentKey, windowMinutes int, lens model.Lens, src model.Source) (model.LensSummary, error) {
	agg, err := r.samples.Query(seg, windowMinutes, src)
	if err != nil {
		if model.IsValidation(err) {
			return model.LensSummary{}, err
		}
		r.logger.Error("lens aggregation failed", "lens", lens, "segment", seg.String(), "error", err)
		return model.LensSummary{Lens: lens, Signal: model.SignalNoData, Err: err.Error()}, nil
	}

	th := r.thresholds(seg.Provider)
	cls := Classify(agg, th)
	pkt := r.assembler.Assemble(agg, th, false)

	summary := model.LensSummary{
		Lens:     lens,
		Signal:   cls.Signal,
		Summary:  cls.Summary(),
		Evidence: &pkt,
	}
	if agg.Count > 0 {
		snap := agg
		summary.Metrics = &snap
	}
	return summary, nil
}

// Staleness flags providers whose official feed says healthy while direct
// checks observe trouble. Thin windows never accuse: below the minimum
// sample count the divergence is noise, not evidence.
func (r *Resolver) Staleness(ctx context.Context, provider string, windowMinutes int) (*model.StalenessSignal, error) {
	if windowMinutes <= 0 {
		return nil, model.Validationf("window_minutes", "must be > 0, got %d", windowMinutes)
	}
	official := r.resolveOfficial(ctx, provider, windowMinutes)
	if official.Err != "" {
		return nil, fmt.Errorf("official lens: %s", official.Err)
	}
	if official.Signal != model.SignalHealthy {
		return nil, nil
	}

	var (
		worst    = model.SignalHealthy
		worstPkt model.EvidencePacket
		seen     bool
	)
	for _, seg := range r.samples.Segments(provider) {
		agg, err := r.samples.Query(seg, windowMinutes, model.SourceCheck)
		if err != nil {
			r.logger.Error("staleness aggregation failed", "segment", seg.String(), "error", err)
			continue
		}
		if agg.Count == 0 || r.assembler.Thin(agg.Count) {
			continue
		}
		cls := Classify(agg, r.thresholds(provider))
		if cls.Signal.Worse(worst) || !seen {
			worst = cls.Signal
			worstPkt = r.assembler.Assemble(agg, r.thresholds(provider), false)
			seen = true
		}
	}
	if !seen || (worst != model.SignalDegraded && worst != model.SignalDown) {
		return nil, nil
	}

	return &model.StalenessSignal{
		Provider:       provider,
		OfficialStatus: model.SignalHealthy,
		ObservedSignal: worst,
		Summary:        fmt.Sprintf("official feed reports healthy while direct checks observe %s", worst),
		WindowMinutes:  windowMinutes,
		Evidence:       worstPkt,
	}, nil
}

// severitySignal maps an unresolved incident to the official-lens signal:
// major and critical take the provider down, anything lesser degrades it.
func severitySignal(sev model.Severity) model.Signal {
	switch sev {
	case model.SeverityCritical, model.SeverityMajor:
		return model.SignalDown
	}
	return model.SignalDegraded
}

func severityRank(sev model.Severity) int {
	switch sev {
	case model.SeverityCritical:
		return 4
	case model.SeverityMajor:
		return 3
	case model.SeverityMinor:
		return 2
	case model.SeverityMaintenance:
		return 1
	}
	return 0
}
