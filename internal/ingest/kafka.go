package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/normalize"
)

// StartKafka consumes telemetry from a Kafka topic. Messages carry the same
// wire shape as REST bodies, single object or array. Records default to the
// account source since provider-side exporters are the usual producers here.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Sample, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka intake disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka intake enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			samples, err := decodeSamples(m.Value)
			if err != nil {
				metrics.IngestRejected.WithLabelValues("kafka", "malformed").Inc()
				if logger != nil {
					logger.Warn("kafka decode error", "err", err, "offset", m.Offset)
				}
				continue
			}
			now := time.Now().UTC()
			for _, ws := range samples {
				sample, err := normalize.Normalize(ws.raw(), model.SourceAccount, now)
				if err != nil {
					metrics.IngestRejected.WithLabelValues("kafka", "invalid").Inc()
					if logger != nil {
						logger.Warn("kafka normalize error", "err", err)
					}
					continue
				}
				if SendNonBlocking(ctx, out, sample, logger) {
					metrics.IngestAccepted.WithLabelValues("kafka", string(sample.Source)).Inc()
				}
			}
		}
	}()
}
