package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/normalize"
)

// maxBatch caps one intake payload. Emitters batching harder than this are
// misconfigured, not legitimate load.
const maxBatch = 1000

// wireSample is the JSON shape accepted on every intake path: REST bodies,
// Kafka messages, and tailed NDJSON lines all decode through it.
type wireSample struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Endpoint  string   `json:"endpoint"`
	Region    string   `json:"region"`
	Tier      string   `json:"tier,omitempty"`
	Streaming *bool    `json:"streaming,omitempty"`
	Source    string   `json:"source,omitempty"`
	Timestamp flexTime `json:"timestamp,omitempty"`

	LatencyMs            *float64 `json:"latency_ms"`
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

// flexTime tolerates both string and numeric timestamps on the wire;
// normalization sorts out the format.
type flexTime string

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = flexTime(s)
		return nil
	}
	*t = flexTime(bytes.TrimSpace(b))
	return nil
}

func (w wireSample) raw() normalize.RawSample {
	return normalize.RawSample{
		Provider:             w.Provider,
		Model:                w.Model,
		Endpoint:             w.Endpoint,
		Region:               w.Region,
		Tier:                 w.Tier,
		Streaming:            w.Streaming,
		Source:               w.Source,
		Timestamp:            string(w.Timestamp),
		LatencyMs:            w.LatencyMs,
		HTTP5xxRate:          w.HTTP5xxRate,
		HTTP429Rate:          w.HTTP429Rate,
		RetryAfterMs:         w.RetryAfterMs,
		TokensPerSec:         w.TokensPerSec,
		StreamDisconnectRate: w.StreamDisconnectRate,
		RefusalRate:          w.RefusalRate,
		ToolSuccessRate:      w.ToolSuccessRate,
		SchemaValidRate:      w.SchemaValidRate,
		CompletionLength:     w.CompletionLength,
		ThrottleReason:       w.ThrottleReason,
		ErrorCode:            w.ErrorCode,
		ClientIDHash:         w.ClientIDHash,
		AccountIDHash:        w.AccountIDHash,
	}
}

// decodeSamples accepts a single JSON object or an array of them.
func decodeSamples(data []byte) ([]wireSample, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trim[0] == '[' {
		var list []wireSample
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, fmt.Errorf("decode sample array: %w", err)
		}
		if len(list) > maxBatch {
			return nil, fmt.Errorf("batch of %d exceeds limit %d", len(list), maxBatch)
		}
		return list, nil
	}
	var one wireSample
	if err := json.Unmarshal(trim, &one); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return []wireSample{one}, nil
}
