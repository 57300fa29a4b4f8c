package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

// maxFutureSkew is how far ahead of the local clock a reported timestamp may
// sit before it is clamped. Probe fleets and crowd clients have skewed clocks.
const maxFutureSkew = 5 * time.Minute

// RawSample is an intake-level observation before validation. String fields
// arrive as-is from JSON, Kafka, or file tails; pointers distinguish absent
// metrics from zero values.
type RawSample struct {
	Provider  string
	Model     string
	Endpoint  string
	Region    string
	Tier      string
	Streaming *bool
	Source    string
	Timestamp string

	LatencyMs            *float64
	HTTP5xxRate          *float64
	HTTP429Rate          *float64
	RetryAfterMs         *float64
	TokensPerSec         *float64
	StreamDisconnectRate *float64
	RefusalRate          *float64
	ToolSuccessRate      *float64
	SchemaValidRate      *float64
	CompletionLength     *float64

	ThrottleReason string
	ErrorCode      string
	ClientIDHash   string
	AccountIDHash  string
}

// Normalize validates a raw observation and produces the canonical sample.
// Identity fields are trimmed and lower-cased so segment keys line up across
// intake paths; tier defaults to "unknown" and streaming to false when the
// emitter leaves them out. fallback is the source assumed when the record
// carries none, which lets each intake path stamp its own origin.
func Normalize(raw RawSample, fallback model.Source, now time.Time) (model.Sample, error) {
	seg := model.SegmentKey{
		Provider: strings.ToLower(strings.TrimSpace(raw.Provider)),
		Model:    strings.TrimSpace(raw.Model),
		Endpoint: strings.ToLower(strings.TrimSpace(raw.Endpoint)),
		Region:   strings.ToLower(strings.TrimSpace(raw.Region)),
		Tier:     strings.ToLower(strings.TrimSpace(raw.Tier)),
	}
	if seg.Provider == "" {
		return model.Sample{}, model.Validationf("provider", "required")
	}
	if seg.Model == "" {
		return model.Sample{}, model.Validationf("model", "required")
	}
	if seg.Endpoint == "" {
		return model.Sample{}, model.Validationf("endpoint", "required")
	}
	if seg.Region == "" {
		return model.Sample{}, model.Validationf("region", "required")
	}
	if seg.Tier == "" {
		seg.Tier = "unknown"
	}
	if raw.Streaming != nil {
		seg.Streaming = *raw.Streaming
	}

	source := fallback
	if strings.TrimSpace(raw.Source) != "" {
		parsed, ok := model.ParseSource(raw.Source)
		if !ok {
			return model.Sample{}, model.Validationf("source", "unknown source %q", raw.Source)
		}
		source = parsed
	}
	if _, ok := model.ParseSource(string(source)); !ok {
		return model.Sample{}, model.Validationf("source", "unknown source %q", source)
	}

	if raw.LatencyMs == nil {
		return model.Sample{}, model.Validationf("latency_ms", "required")
	}
	if *raw.LatencyMs < 0 {
		return model.Sample{}, model.Validationf("latency_ms", "must be >= 0, got %v", *raw.LatencyMs)
	}

	ts := now.UTC()
	if strings.TrimSpace(raw.Timestamp) != "" {
		parsed, err := ParseTimestamp(raw.Timestamp, time.UTC)
		if err != nil {
			return model.Sample{}, model.Validationf("timestamp", "%v", err)
		}
		ts = clampTimestamp(parsed.UTC(), now.UTC())
	}

	s := model.Sample{
		Segment:        seg,
		Source:         source,
		Timestamp:      ts,
		LatencyMs:      *raw.LatencyMs,
		ThrottleReason: strings.ToLower(strings.TrimSpace(raw.ThrottleReason)),
		ErrorCode:      strings.TrimSpace(raw.ErrorCode),
		ClientIDHash:   strings.TrimSpace(raw.ClientIDHash),
		AccountIDHash:  strings.TrimSpace(raw.AccountIDHash),
	}

	for _, f := range []struct {
		name string
		src  *float64
		dst  **float64
		rate bool
	}{
		{"http_5xx_rate", raw.HTTP5xxRate, &s.HTTP5xxRate, true},
		{"http_429_rate", raw.HTTP429Rate, &s.HTTP429Rate, true},
		{"retry_after_ms", raw.RetryAfterMs, &s.RetryAfterMs, false},
		{"tokens_per_sec", raw.TokensPerSec, &s.TokensPerSec, false},
		{"stream_disconnect_rate", raw.StreamDisconnectRate, &s.StreamDisconnectRate, true},
		{"refusal_rate", raw.RefusalRate, &s.RefusalRate, true},
		{"tool_success_rate", raw.ToolSuccessRate, &s.ToolSuccessRate, true},
		{"schema_valid_rate", raw.SchemaValidRate, &s.SchemaValidRate, true},
		{"completion_length", raw.CompletionLength, &s.CompletionLength, false},
	} {
		if f.src == nil {
			continue
		}
		v := *f.src
		if v < 0 {
			return model.Sample{}, model.Validationf(f.name, "must be >= 0, got %v", v)
		}
		if f.rate && v > 1 {
			return model.Sample{}, model.Validationf(f.name, "must be within [0,1], got %v", v)
		}
		*f.dst = &v
	}

	return s, nil
}

// clampTimestamp pulls future-dated timestamps back to now. Past timestamps
// pass through untouched; the store's horizon handles anything too old.
func clampTimestamp(ts, now time.Time) time.Time {
	if ts.After(now.Add(maxFutureSkew)) {
		return now
	}
	return ts
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts RFC3339 variants plus unix seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
