package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/evidence"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/lens"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const (
	DefaultConfirmCycles = 3
	DefaultClearCycles   = 3
	defaultDetectWindow  = 15
	officialTimeout      = 2 * time.Second
)

// detectionSources are the engine-operated vantage points breaches are judged
// from. Crowd and account feeds inform lenses but are too noisy to page on.
var detectionSources = []model.Source{model.SourceCheck, model.SourceSynthetic}

// Config tunes the debounce behavior.
type Config struct {
	ConfirmCycles int
	ClearCycles   int
	WindowMinutes int
}

func (c Config) withDefaults() Config {
	if c.ConfirmCycles <= 0 {
		c.ConfirmCycles = DefaultConfirmCycles
	}
	if c.ClearCycles <= 0 {
		c.ClearCycles = DefaultClearCycles
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = defaultDetectWindow
	}
	return c
}

// Result reports what one evaluation cycle changed.
type Result struct {
	Promoted   []model.EarlyWarningSignal
	Updated    []model.EarlyWarningSignal
	Retired    []model.EarlyWarningSignal
	Suppressed int
	Warnings   []string
}

// streak is the per-condition debounce state.
type streak struct {
	hits   int
	misses int
}

// candidate is one breach condition observed in the current cycle, coalesced
// across the provider's affected segments.
type candidate struct {
	provider string
	breach   model.BreachType
	fp       model.Fingerprint
	models   map[string]struct{}
	regions  map[string]struct{}
	best     model.Aggregate
}

// Detector runs the debounced breach state machine. A condition must persist
// for ConfirmCycles consecutive evaluations before it becomes a signal, must
// stay clear for ClearCycles before that signal retires, and is identified by
// fingerprint throughout so ten evaluations of one outage produce one signal.
type Detector struct {
	samples    lens.AggregateSource
	incidents  lens.IncidentSource
	registry   *Registry
	assembler  *evidence.Assembler
	thresholds lens.ThresholdFunc
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	streaks map[string]*streak
}

func NewDetector(samples lens.AggregateSource, incidents lens.IncidentSource, registry *Registry, asm *evidence.Assembler, thresholds lens.ThresholdFunc, cfg Config, clk clock.Clock, logger *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		samples:    samples,
		incidents:  incidents,
		registry:   registry,
		assembler:  asm,
		thresholds: thresholds,
		cfg:        cfg.withDefaults(),
		clock:      clk,
		logger:     logger.With("component", "anomaly"),
		streaks:    make(map[string]*streak),
	}
}

// Reset drops all debounce streaks. Confirmation counting starts over on the
// next evaluation cycle.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaks = make(map[string]*streak)
}

// Evaluate runs one cycle: observe breaches, advance streaks, promote
// confirmed conditions, retire cleared or officially acknowledged ones.
func (d *Detector) Evaluate(ctx context.Context) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now().UTC()
	var res Result

	candidates := d.observe()
	officials := make(map[string]officialState)

	// Advance every known streak: a hit resets misses, a miss resets hits.
	seen := make(map[string]bool, len(candidates))
	for sig := range candidates {
		seen[sig] = true
	}
	for sig, st := range d.streaks {
		if seen[sig] {
			st.hits++
			st.misses = 0
		} else {
			st.hits = 0
			st.misses++
		}
	}
	for sig := range candidates {
		if _, ok := d.streaks[sig]; !ok {
			d.streaks[sig] = &streak{hits: 1}
		}
	}

	for sig, cand := range candidates {
		st := d.streaks[sig]
		pkt := d.assembler.Assemble(cand.best, d.thresholds(cand.provider), true)

		if existing, ok := d.registry.Find(sig); ok {
			existing.LastEvaluated = now
			existing.AffectedModels = sortedKeys(cand.models)
			existing.AffectedRegions = sortedKeys(cand.regions)
			existing.Evidence = pkt
			d.registry.Upsert(existing)
			res.Updated = append(res.Updated, existing)
			continue
		}

		if st.hits < d.cfg.ConfirmCycles {
			continue
		}

		state := d.officialFor(ctx, officials, cand.provider)
		if state.err != nil {
			// Fail open: an unreachable feed must not silence the warning.
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("official feed check failed for %s, promoting anyway: %v", cand.provider, state.err))
		} else if state.reporting {
			res.Suppressed++
			d.logger.Debug("breach already acknowledged by provider",
				"provider", cand.provider, "breach", string(cand.breach))
			continue
		}

		created := model.EarlyWarningSignal{
			ID:              uuid.NewString(),
			Provider:        cand.provider,
			Risk:            cand.breach.Risk(),
			BreachType:      cand.breach,
			AffectedModels:  sortedKeys(cand.models),
			AffectedRegions: sortedKeys(cand.regions),
			Evidence:        pkt,
			Fingerprint:     cand.fp,
			FirstDetected:   now,
			LastEvaluated:   now,
		}
		d.registry.Upsert(created)
		res.Promoted = append(res.Promoted, created)
		d.logger.Info("early warning promoted",
			"provider", cand.provider, "breach", string(cand.breach), "risk", string(created.Risk), "id", created.ID)
	}

	// Retirement pass. Official acknowledgment retires a signal even while
	// the breach persists: once the provider reports it, the warning is no
	// longer early. A cleared condition retires only after ClearCycles.
	for _, active := range d.registry.Active() {
		sig := active.Fingerprint.Signature
		st, ok := d.streaks[sig]
		if !ok {
			st = &streak{misses: 1}
			d.streaks[sig] = st
		}

		state := d.officialFor(ctx, officials, active.Provider)
		switch {
		case state.err == nil && state.reporting:
			if retired, ok := d.registry.Retire(sig, now); ok {
				res.Retired = append(res.Retired, retired)
				d.logger.Info("early warning retired", "id", retired.ID, "reason", "official acknowledgment")
			}
		case seen[sig]:
			// Still breaching and still unacknowledged: stays active.
		case state.err != nil:
			// Fail open: never retire on an unverifiable feed.
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("official feed check failed for %s, keeping signal %s active: %v", active.Provider, active.ID, state.err))
		case st.misses >= d.cfg.ClearCycles:
			if retired, ok := d.registry.Retire(sig, now); ok {
				res.Retired = append(res.Retired, retired)
				d.logger.Info("early warning retired", "id", retired.ID, "reason", "condition cleared")
			}
		}
	}

	// Drop streaks that track nothing anymore.
	for sig, st := range d.streaks {
		if st.hits == 0 && st.misses >= d.cfg.ClearCycles {
			if _, ok := d.registry.Find(sig); !ok {
				delete(d.streaks, sig)
			}
		}
	}

	return res
}

// observe classifies every known segment and coalesces breaches into
// provider-level candidates. Thin windows never become candidates.
func (d *Detector) observe() map[string]candidate {
	out := make(map[string]candidate)
	for _, seg := range d.samples.Segments("") {
		agg, err := d.samples.Query(seg, d.cfg.WindowMinutes, detectionSources...)
		if err != nil {
			d.logger.Error("detector aggregation failed", "segment", seg.String(), "error", err)
			continue
		}
		if agg.Count == 0 || d.assembler.Thin(agg.Count) {
			continue
		}
		cls := lens.Classify(agg, d.thresholds(seg.Provider))
		for _, breach := range cls.Breaches {
			fp := Fingerprint(seg.Provider, breach)
			cand, ok := out[fp.Signature]
			if !ok {
				cand = candidate{
					provider: seg.Provider,
					breach:   breach,
					fp:       fp,
					models:   make(map[string]struct{}),
					regions:  make(map[string]struct{}),
				}
			}
			cand.models[seg.Model] = struct{}{}
			cand.regions[seg.Region] = struct{}{}
			if agg.Count > cand.best.Count {
				cand.best = agg
			}
			out[fp.Signature] = cand
		}
	}
	return out
}

type officialState struct {
	reporting bool
	err       error
}

// officialFor checks, once per provider per cycle, whether the provider's own
// feed already reports trouble. The call is bounded so a hung feed costs at
// most one timeout per provider.
func (d *Detector) officialFor(ctx context.Context, cache map[string]officialState, provider string) officialState {
	if state, ok := cache[provider]; ok {
		return state
	}
	octx, cancel := context.WithTimeout(ctx, officialTimeout)
	incidents, err := d.incidents.ActiveForProvider(octx, provider)
	cancel()
	state := officialState{err: err}
	if err == nil {
		for _, inc := range incidents {
			if inc.Unresolved() && inc.Severity != model.SeverityMaintenance {
				state.reporting = true
				break
			}
		}
	}
	cache[provider] = state
	return state
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
