package model

import (
	"strconv"
	"strings"
	"time"
)

// Source identifies where a sample came from.
type Source string

const (
	SourceCrowd     Source = "crowd"
	SourceAccount   Source = "account"
	SourceSynthetic Source = "synthetic"
	SourceCheck     Source = "check"
)

func ParseSource(s string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceCrowd:
		return SourceCrowd, true
	case SourceAccount:
		return SourceAccount, true
	case SourceSynthetic:
		return SourceSynthetic, true
	case SourceCheck:
		return SourceCheck, true
	}
	return "", false
}

// Lens is one independent source of truth about a segment's health.
type Lens string

const (
	LensOfficial  Lens = "official"
	LensObserved  Lens = "observed"
	LensSynthetic Lens = "synthetic"
	LensCrowd     Lens = "crowd"
	LensAccount   Lens = "account"
)

// AllLenses lists every lens in presentation order.
var AllLenses = []Lens{LensOfficial, LensObserved, LensSynthetic, LensCrowd, LensAccount}

func ParseLens(s string) (Lens, bool) {
	switch Lens(strings.ToLower(strings.TrimSpace(s))) {
	case LensOfficial:
		return LensOfficial, true
	case LensObserved:
		return LensObserved, true
	case LensSynthetic:
		return LensSynthetic, true
	case LensCrowd:
		return LensCrowd, true
	case LensAccount:
		return LensAccount, true
	}
	return "", false
}

// SampleSource returns the sample source a lens reads from, or false for
// lenses that are not sample-derived (official).
func (l Lens) SampleSource() (Source, bool) {
	switch l {
	case LensObserved:
		return SourceCheck, true
	case LensSynthetic:
		return SourceSynthetic, true
	case LensCrowd:
		return SourceCrowd, true
	case LensAccount:
		return SourceAccount, true
	}
	return "", false
}

type Signal string

const (
	SignalHealthy  Signal = "healthy"
	SignalDegraded Signal = "degraded"
	SignalDown     Signal = "down"
	SignalNoData   Signal = "no-data"
)

// Worse reports whether s is a worse condition than other.
func (s Signal) Worse(other Signal) bool {
	return signalRank(s) > signalRank(other)
}

func signalRank(s Signal) int {
	switch s {
	case SignalHealthy:
		return 0
	case SignalNoData:
		return 1
	case SignalDegraded:
		return 2
	case SignalDown:
		return 3
	}
	return 1
}

// SegmentKey is the identity telemetry is grouped by.
type SegmentKey struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Tier      string `json:"tier"`
	Streaming bool   `json:"streaming"`
}

func (k SegmentKey) String() string {
	return strings.Join([]string{
		k.Provider, k.Model, k.Endpoint, k.Region, k.Tier, strconv.FormatBool(k.Streaming),
	}, "|")
}

// Sample is one immutable telemetry or probe observation.
type Sample struct {
	Segment   SegmentKey `json:"segment"`
	Source    Source     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
	LatencyMs float64    `json:"latency_ms"`

	HTTP5xxRate          *float64 `json:"http_5xx_rate,omitempty"`
	HTTP429Rate          *float64 `json:"http_429_rate,omitempty"`
	RetryAfterMs         *float64 `json:"retry_after_ms,omitempty"`
	TokensPerSec         *float64 `json:"tokens_per_sec,omitempty"`
	StreamDisconnectRate *float64 `json:"stream_disconnect_rate,omitempty"`
	RefusalRate          *float64 `json:"refusal_rate,omitempty"`
	ToolSuccessRate      *float64 `json:"tool_success_rate,omitempty"`
	SchemaValidRate      *float64 `json:"schema_valid_rate,omitempty"`
	CompletionLength     *float64 `json:"completion_length,omitempty"`

	ThrottleReason string `json:"throttle_reason,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ClientIDHash   string `json:"client_id_hash,omitempty"`
	AccountIDHash  string `json:"account_id_hash,omitempty"`
}

// RateMeans holds per-field unweighted means over a window. A nil field means
// no in-window sample carried that field; absence is not zero.
type RateMeans struct {
	HTTP5xx          *float64 `json:"http_5xx,omitempty"`
	HTTP429          *float64 `json:"http_429,omitempty"`
	RetryAfterMs     *float64 `json:"retry_after_ms,omitempty"`
	TokensPerSec     *float64 `json:"tokens_per_sec,omitempty"`
	StreamDisconnect *float64 `json:"stream_disconnect,omitempty"`
	Refusal          *float64 `json:"refusal,omitempty"`
	ToolSuccess      *float64 `json:"tool_success,omitempty"`
	SchemaValid      *float64 `json:"schema_valid,omitempty"`
	CompletionLength *float64 `json:"completion_length,omitempty"`
}

// Aggregate is a windowed statistical summary for one segment. It is derived
// on read and never outlives the raw samples behind it.
type Aggregate struct {
	Segment       SegmentKey    `json:"segment"`
	WindowMinutes int           `json:"window_minutes"`
	Count         int           `json:"count"`
	Sources       []Source      `json:"sources,omitempty"`
	LatencyP50Ms  float64       `json:"latency_p50_ms"`
	LatencyP95Ms  float64       `json:"latency_p95_ms"`
	LatencyP99Ms  float64       `json:"latency_p99_ms"`
	RetryAfterP50 *float64      `json:"retry_after_p50_ms,omitempty"`
	RetryAfterP95 *float64      `json:"retry_after_p95_ms,omitempty"`
	Rates         RateMeans     `json:"rates"`
	ThrottleTop   []ReasonTally `json:"throttle_top,omitempty"`
}

// ReasonTally counts one throttle reason inside a window.
type ReasonTally struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Thresholds are the classification cutoffs applied to an aggregate. They are
// configuration, injected per provider, never hard-coded.
type Thresholds struct {
	DegradedLatencyP95Ms float64 `json:"degraded_latency_p95_ms" yaml:"degraded_latency_p95_ms"`
	DownLatencyP95Ms     float64 `json:"down_latency_p95_ms" yaml:"down_latency_p95_ms"`
	Degraded429Rate      float64 `json:"degraded_429_rate" yaml:"degraded_429_rate"`
	Down5xxRate          float64 `json:"down_5xx_rate" yaml:"down_5xx_rate"`
	DegradedDisconnect   float64 `json:"degraded_disconnect_rate" yaml:"degraded_disconnect_rate"`
}

// Snapshot reduces thresholds to the subset recorded inside evidence.
func (t Thresholds) Snapshot() ThresholdSnapshot {
	return ThresholdSnapshot{
		LatencyP95Ms: t.DegradedLatencyP95Ms,
		HTTP429Rate:  t.Degraded429Rate,
		HTTP5xxRate:  t.Down5xxRate,
	}
}

// ThresholdSnapshot is the subset of thresholds recorded inside evidence.
type ThresholdSnapshot struct {
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	HTTP429Rate  float64 `json:"http_429_rate"`
	HTTP5xxRate  float64 `json:"http_5xx_rate"`
}

// EvidencePacket backs every derived signal. SampleCount always equals the
// count of the aggregate the signal was computed from.
type EvidencePacket struct {
	WindowMinutes int               `json:"window_minutes"`
	SampleCount   int               `json:"sample_count"`
	Sources       []string          `json:"sources"`
	Thresholds    ThresholdSnapshot `json:"thresholds"`
	Confidence    float64           `json:"confidence"`
	Snapshot      *Aggregate        `json:"snapshot,omitempty"`
}

// LensSummary is one lens's judgment of one segment.
type LensSummary struct {
	Lens     Lens            `json:"lens"`
	Signal   Signal          `json:"signal"`
	Summary  string          `json:"summary"`
	Metrics  *Aggregate      `json:"metrics,omitempty"`
	Evidence *EvidencePacket `json:"evidence,omitempty"`
	Err      string          `json:"error,omitempty"`
}

type Risk string

const (
	RiskElevated Risk = "elevated"
	RiskHigh     Risk = "high"
)

// BreachType names the threshold family an anomaly breached.
type BreachType string

const (
	BreachHTTP5xx       BreachType = "http_5xx"
	BreachLatencyP95    BreachType = "latency_p95"
	BreachHTTP429       BreachType = "http_429"
	BreachStreamDisconn BreachType = "stream_disconnect"
)

// Risk maps a breach family to the risk it carries: down-class breaches are
// high, degraded-class breaches elevated.
func (b BreachType) Risk() Risk {
	switch b {
	case BreachHTTP5xx, BreachLatencyP95:
		return RiskHigh
	}
	return RiskElevated
}

// Fingerprint identifies one ongoing anomaly condition.
type Fingerprint struct {
	Tags      []string `json:"tags"`
	Signature string   `json:"signature"`
}

// EarlyWarningSignal flags a confirmed breach the official lens has not
// acknowledged yet. Signals retire; they are never deleted.
type EarlyWarningSignal struct {
	ID              string         `json:"id"`
	Provider        string         `json:"provider"`
	Risk            Risk           `json:"risk"`
	BreachType      BreachType     `json:"breach_type"`
	AffectedModels  []string       `json:"affected_models"`
	AffectedRegions []string       `json:"affected_regions"`
	Evidence        EvidencePacket `json:"evidence"`
	Fingerprint     Fingerprint    `json:"fingerprint"`
	FirstDetected   time.Time      `json:"first_detected"`
	LastEvaluated   time.Time      `json:"last_evaluated"`
	RetiredAt       *time.Time     `json:"retired_at,omitempty"`
}

// RetryPolicy and BreakerPolicy form the machine-readable half of a plan.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMs   int `json:"backoff_ms"`
}

type BreakerPolicy struct {
	OpenAfterErrorRate float64 `json:"open_after_error_rate"`
}

type JSONPolicy struct {
	Retry          RetryPolicy   `json:"retry"`
	CircuitBreaker BreakerPolicy `json:"circuit_breaker"`
}

// FallbackPlan is a routing/retry recommendation for one segment. It is a
// pure function of current lens state and is recomputed per request.
type FallbackPlan struct {
	Segment  SegmentKey     `json:"segment"`
	Signal   Signal         `json:"signal"`
	Summary  string         `json:"summary"`
	Actions  []string       `json:"actions"`
	Policy   JSONPolicy     `json:"json_policy"`
	Evidence EvidencePacket `json:"evidence"`
}

// StalenessSignal flags divergence between the official lens and what the
// engine observes. Computed per evaluation, never persisted.
type StalenessSignal struct {
	Provider       string         `json:"provider"`
	OfficialStatus Signal         `json:"official_status"`
	ObservedSignal Signal         `json:"observed_signal"`
	Summary        string         `json:"summary"`
	WindowMinutes  int            `json:"window_minutes"`
	Evidence       EvidencePacket `json:"evidence"`
}

type Severity string

const (
	SeverityMinor       Severity = "minor"
	SeverityMajor       Severity = "major"
	SeverityCritical    Severity = "critical"
	SeverityMaintenance Severity = "maintenance"
)

type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is one normalized record from an official status feed. The engine
// reads incidents; it never owns them.
type Incident struct {
	ID         string         `json:"id"`
	Provider   string         `json:"provider"`
	Severity   Severity       `json:"severity"`
	Status     IncidentStatus `json:"status"`
	Title      string         `json:"title"`
	Source     string         `json:"source"`
	StartedAt  time.Time      `json:"started_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Unresolved reports whether the incident still affects the provider.
func (i Incident) Unresolved() bool {
	return i.Status != IncidentResolved && i.ResolvedAt == nil
}

// CopilotResponse returns the requested lenses side by side. Disagreement
// between lenses is surfaced, never collapsed.
type CopilotResponse struct {
	WindowMinutes int                  `json:"window_minutes"`
	Segment       SegmentKey           `json:"segment"`
	Lenses        map[Lens]LensSummary `json:"lenses"`
}

// RateLimitSegment summarizes 429 pressure on one (model, region, tier) cut.
type RateLimitSegment struct {
	Model         string        `json:"model"`
	Region        string        `json:"region"`
	Tier          string        `json:"tier"`
	HTTP429Rate   float64       `json:"http_429_rate"`
	EffectiveTPS  *float64      `json:"effective_tokens_per_sec,omitempty"`
	RetryAfterP50 *float64      `json:"retry_after_p50_ms,omitempty"`
	RetryAfterP95 *float64      `json:"retry_after_p95_ms,omitempty"`
	TopReasons    []ReasonTally `json:"top_reasons,omitempty"`
	SampleCount   int           `json:"sample_count"`
}

type RateLimitSummary struct {
	Provider      string             `json:"provider"`
	WindowMinutes int                `json:"window_minutes"`
	Segments      []RateLimitSegment `json:"segments"`
	Evidence      EvidencePacket     `json:"evidence"`
}

// ThroughputBaseline compares current tokens/sec against a long baseline.
type ThroughputBaseline struct {
	Segment              SegmentKey     `json:"segment"`
	CurrentTokensPerSec  *float64       `json:"current_tokens_per_sec,omitempty"`
	BaselineTokensPerSec *float64       `json:"baseline_tokens_per_sec,omitempty"`
	Delta                *float64       `json:"delta,omitempty"`
	CurrentWindowMin     int            `json:"current_window_minutes"`
	BaselineWindowMin    int            `json:"baseline_window_minutes"`
	Evidence             EvidencePacket `json:"evidence"`
}
