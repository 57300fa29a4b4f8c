package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const (
	defaultFeedTimeout = 3 * time.Second
	defaultRefresh     = 60 * time.Second
	maxFeedBody        = 4 << 20
	feedRetries        = 3
)

// Record is the wire shape served by provider status feeds and accepted on
// the incident webhook.
type Record struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Severity   string     `json:"severity"`
	Status     string     `json:"status"`
	Title      string     `json:"title"`
	Source     string     `json:"source"`
	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (r Record) Incident() model.Incident {
	return model.Incident{
		ID:         r.ID,
		Provider:   r.Provider,
		Severity:   model.Severity(r.Severity),
		Status:     model.IncidentStatus(r.Status),
		Title:      r.Title,
		Source:     r.Source,
		StartedAt:  r.StartedAt,
		ResolvedAt: r.ResolvedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// DecodeRecords accepts a single record or an array of them.
func DecodeRecords(data []byte) ([]Record, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trim[0] == '[' {
		var list []Record
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, fmt.Errorf("decode incident array: %w", err)
		}
		return list, nil
	}
	var one Record
	if err := json.Unmarshal(trim, &one); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	return []Record{one}, nil
}

// Client polls a remote incident feed and lands records in the store. Every
// fetch is bounded by the client timeout so a hung feed cannot stall callers.
type Client struct {
	url      string
	interval time.Duration
	httpc    *http.Client
	store    *Store
	logger   *slog.Logger
}

func NewClient(url string, timeout, interval time.Duration, store *Store, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultFeedTimeout
	}
	if interval <= 0 {
		interval = defaultRefresh
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		interval: interval,
		httpc:    &http.Client{Timeout: timeout},
		store:    store,
		logger:   logger.With("component", "incident-feed"),
	}
}

// Run refreshes on the configured interval until ctx is cancelled. Failures
// are logged and retried next tick; the store's staleness window decides when
// the official lens stops trusting old data.
func (c *Client) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial feed refresh failed", "url", c.url, "error", err)
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("feed refresh failed", "url", c.url, "error", err)
			}
		}
	}
}

// Refresh fetches the feed once, retrying transient failures with
// exponential backoff, and upserts every record.
func (c *Client) Refresh(ctx context.Context) error {
	var records []Record
	fetch := func() error {
		var err error
		records, err = c.fetch(ctx)
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(fetch, backoff.WithMaxRetries(policy, feedRetries)); err != nil {
		metrics.FeedFailures.Inc()
		return fmt.Errorf("fetch incident feed: %w", err)
	}

	for _, rec := range records {
		if err := c.store.Upsert(rec.Incident()); err != nil {
			c.logger.Warn("dropping malformed feed record", "id", rec.ID, "error", err)
		}
	}
	c.store.MarkSynced()
	c.logger.Debug("feed refreshed", "records", len(records))
	return nil
}

func (c *Client) fetch(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxFeedBody))
		err := fmt.Errorf("feed returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var records []Record
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBody))
	if err := dec.Decode(&records); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode feed: %w", err))
	}
	return records, nil
}
