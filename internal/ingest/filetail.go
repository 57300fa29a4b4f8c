package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/normalize"
)

// StartFileTail follows NDJSON telemetry files, one wire sample per line.
// Checker fleets that cannot reach the network API drop files instead.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Sample, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail intake disabled")
		}
		return
	}
	for _, path := range current.Files {
		path := path
		if logger != nil {
			logger.Info("file tail intake enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, out chan<- model.Sample, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					// Reopen when the file was truncated or rotated.
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			processTailLine(ctx, line, out, logger)
		}
	}
}

func processTailLine(ctx context.Context, line string, out chan<- model.Sample, logger *slog.Logger) {
	if strings.TrimSpace(line) == "" {
		return
	}
	samples, err := decodeSamples([]byte(line))
	if err != nil {
		metrics.IngestRejected.WithLabelValues("file_tail", "malformed").Inc()
		return
	}
	now := time.Now().UTC()
	for _, ws := range samples {
		sample, err := normalize.Normalize(ws.raw(), model.SourceCheck, now)
		if err != nil {
			metrics.IngestRejected.WithLabelValues("file_tail", "invalid").Inc()
			if logger != nil {
				logger.Warn("tail normalize error", "err", err)
			}
			continue
		}
		if SendNonBlocking(ctx, out, sample, logger) {
			metrics.IngestAccepted.WithLabelValues("file_tail", string(sample.Source)).Inc()
		}
	}
}
