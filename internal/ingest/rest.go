package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/normalize"
)

const maxIntakeBody = 4 << 20

// RESTServer accepts telemetry over HTTP. /v1/samples takes crowd and
// account reports; /v1/probes takes the engine-operated checker fleet, which
// defaults to the synthetic source.
type RESTServer struct {
	cfg    *config.Manager
	guard  *Guard
	out    chan<- model.Sample
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, guard *Guard, out chan<- model.Sample, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest intake disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest intake enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, guard: guard, out: out, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/samples", server.handleIntake(model.SourceCrowd))
	mux.HandleFunc("/v1/probes", server.handleIntake(model.SourceSynthetic))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest intake server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleIntake(fallback model.Source) http.HandlerFunc {
	transport := "rest"
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIntakeBody))
		if err != nil {
			metrics.IngestRejected.WithLabelValues(transport, "oversize").Inc()
			writeIntakeError(w, http.StatusBadRequest, "body unreadable or too large")
			return
		}

		samples, err := decodeSamples(body)
		if err != nil {
			metrics.IngestRejected.WithLabelValues(transport, "malformed").Inc()
			writeIntakeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if !s.guard.AllowN(clientKey(samples, r), len(samples)) {
			metrics.IngestRejected.WithLabelValues(transport, "rate_limited").Inc()
			writeIntakeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}

		now := time.Now().UTC()
		accepted, rejected := 0, 0
		var firstErr string
		for _, ws := range samples {
			sample, err := normalize.Normalize(ws.raw(), fallback, now)
			if err != nil {
				rejected++
				if firstErr == "" {
					firstErr = err.Error()
				}
				metrics.IngestRejected.WithLabelValues(transport, "invalid").Inc()
				if s.logger != nil {
					s.logger.Warn("rejecting sample", "transport", transport, "err", err)
				}
				continue
			}
			if !s.guard.ProviderAllowed(sample.Segment.Provider) {
				rejected++
				if firstErr == "" {
					firstErr = "provider " + sample.Segment.Provider + " not allowed"
				}
				metrics.IngestRejected.WithLabelValues(transport, "blocked").Inc()
				continue
			}
			if SendNonBlocking(r.Context(), s.out, sample, s.logger) {
				accepted++
				metrics.IngestAccepted.WithLabelValues(transport, string(sample.Source)).Inc()
			} else {
				rejected++
			}
		}

		status := http.StatusAccepted
		if accepted == 0 && rejected > 0 {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := map[string]any{"accepted": accepted, "rejected": rejected}
		if firstErr != "" {
			resp["error"] = firstErr
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// clientKey prefers the emitter's own hashed identity and falls back to the
// connection's remote host.
func clientKey(samples []wireSample, r *http.Request) string {
	for _, ws := range samples {
		if ws.ClientIDHash != "" {
			return ws.ClientIDHash
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeIntakeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
