package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

func newTestServer(out chan model.Sample, guard *Guard) *RESTServer {
	return &RESTServer{
		guard:  guard,
		out:    out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func postIntake(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/samples", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.7:54321"
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeIntakeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestIntakeAcceptsValidSample(t *testing.T) {
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, nil)

	rec := postIntake(t, srv.handleIntake(model.SourceCrowd),
		`{"provider":"OpenAI","model":"gpt-4o","endpoint":"chat","region":"US-East","latency_ms":820}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	resp := decodeIntakeResponse(t, rec)
	if resp["accepted"] != float64(1) || resp["rejected"] != float64(0) {
		t.Fatalf("unexpected accounting: %+v", resp)
	}

	select {
	case s := <-out:
		if s.Segment.Provider != "openai" || s.Segment.Region != "us-east" {
			t.Fatalf("sample not canonicalized: %+v", s.Segment)
		}
		if s.Source != model.SourceCrowd {
			t.Fatalf("source = %q, want crowd fallback", s.Source)
		}
	default:
		t.Fatal("sample never reached the channel")
	}
}

func TestIntakeProbeDefaultsToSynthetic(t *testing.T) {
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, nil)

	rec := postIntake(t, srv.handleIntake(model.SourceSynthetic),
		`{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":400}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	s := <-out
	if s.Source != model.SourceSynthetic {
		t.Fatalf("source = %q, want synthetic", s.Source)
	}
}

func TestIntakeExplicitSourceWinsOverFallback(t *testing.T) {
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, nil)

	postIntake(t, srv.handleIntake(model.SourceCrowd),
		`{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":400,"source":"account"}`)
	s := <-out
	if s.Source != model.SourceAccount {
		t.Fatalf("source = %q, want account", s.Source)
	}
}

func TestIntakeRejectsInvalidSample(t *testing.T) {
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, nil)

	rec := postIntake(t, srv.handleIntake(model.SourceCrowd),
		`{"model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":820}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeIntakeResponse(t, rec)
	if resp["rejected"] != float64(1) || resp["accepted"] != float64(0) {
		t.Fatalf("unexpected accounting: %+v", resp)
	}
	if _, ok := resp["error"]; !ok {
		t.Fatal("expected error detail in response")
	}
	select {
	case <-out:
		t.Fatal("invalid sample leaked into the channel")
	default:
	}
}

func TestIntakeMixedBatchPartiallyAccepted(t *testing.T) {
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, nil)

	rec := postIntake(t, srv.handleIntake(model.SourceCrowd), `[
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":820},
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":-5}
	]`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for partial acceptance", rec.Code)
	}
	resp := decodeIntakeResponse(t, rec)
	if resp["accepted"] != float64(1) || resp["rejected"] != float64(1) {
		t.Fatalf("unexpected accounting: %+v", resp)
	}
}

func TestIntakeMalformedBody(t *testing.T) {
	srv := newTestServer(make(chan model.Sample, 1), nil)
	rec := postIntake(t, srv.handleIntake(model.SourceCrowd), "not json at all")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIntakeMethodNotAllowed(t *testing.T) {
	srv := newTestServer(make(chan model.Sample, 1), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/samples", nil)
	rec := httptest.NewRecorder()
	srv.handleIntake(model.SourceCrowd)(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestIntakeRateLimited(t *testing.T) {
	guard := NewGuard(config.GuardConfig{Enabled: true, RatePerSec: 1, Burst: 1})
	out := make(chan model.Sample, 16)
	srv := newTestServer(out, guard)

	rec := postIntake(t, srv.handleIntake(model.SourceCrowd), `[
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":1,"client_id_hash":"emitter-1"},
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":2,"client_id_hash":"emitter-1"},
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":3,"client_id_hash":"emitter-1"}
	]`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	select {
	case <-out:
		t.Fatal("rate limited batch leaked into the channel")
	default:
	}
}

func TestIntakeBlocksUnlistedProvider(t *testing.T) {
	guard := NewGuard(config.GuardConfig{
		Enabled:          true,
		RatePerSec:       100,
		Burst:            100,
		AllowedProviders: []string{"openai"},
	})
	out := make(chan model.Sample, 4)
	srv := newTestServer(out, guard)

	rec := postIntake(t, srv.handleIntake(model.SourceCrowd), `[
		{"provider":"openai","model":"gpt-4o","endpoint":"chat","region":"us-east","latency_ms":1},
		{"provider":"mystery","model":"m1","endpoint":"chat","region":"us-east","latency_ms":2}
	]`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for partial acceptance", rec.Code)
	}
	resp := decodeIntakeResponse(t, rec)
	if resp["accepted"] != float64(1) || resp["rejected"] != float64(1) {
		t.Fatalf("unexpected accounting: %+v", resp)
	}
	if s := <-out; s.Segment.Provider != "openai" {
		t.Fatalf("wrong sample passed the allowlist: %+v", s.Segment)
	}
	select {
	case s := <-out:
		t.Fatalf("blocked provider leaked into the channel: %+v", s.Segment)
	default:
	}
}

func TestClientKeyPrefersEmitterHash(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/samples", nil)
	req.RemoteAddr = "10.0.0.7:54321"

	withHash := []wireSample{{ClientIDHash: "emitter-1"}}
	if got := clientKey(withHash, req); got != "emitter-1" {
		t.Fatalf("clientKey = %q, want emitter hash", got)
	}
	if got := clientKey([]wireSample{{}}, req); got != "10.0.0.7" {
		t.Fatalf("clientKey = %q, want remote host", got)
	}
}
