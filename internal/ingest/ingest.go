package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

// SendNonBlocking offers a sample to the intake channel. A full channel drops
// the sample with a warning; intake pressure must never stall a transport.
func SendNonBlocking(ctx context.Context, out chan<- model.Sample, s model.Sample, logger *slog.Logger) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.IngestDropped.Inc()
		if logger != nil {
			logger.Warn("intake channel full, dropping sample",
				"segment", s.Segment.String(), "source", string(s.Source))
		}
		return false
	}
}

// BackoffSleep pauses between retries, bailing out on cancellation.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
