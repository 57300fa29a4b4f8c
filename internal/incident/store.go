package incident

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const defaultKeepResolved = 500

// Store is the normalized, deduplicated incident record owned outside the
// engine. Webhook-normalized records and the feed client both land here; the
// engine only reads. When a feed is configured and has not synced within
// maxAge, reads fail with ErrUpstreamUnavailable so the official lens degrades
// to no-data instead of serving stale certainty.
type Store struct {
	mu           sync.RWMutex
	incidents    map[string]model.Incident
	lastSync     time.Time
	maxAge       time.Duration
	keepResolved int
	clock        clock.Clock
	archive      func(model.Incident)
}

// NewStore builds a store. maxAge <= 0 disables staleness checks, which is
// the mode used when incidents arrive by webhook push only.
func NewStore(maxAge time.Duration, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		incidents:    make(map[string]model.Incident),
		maxAge:       maxAge,
		keepResolved: defaultKeepResolved,
		clock:        clk,
	}
}

// SetArchive registers a hook invoked after every accepted upsert. The hook
// runs outside the store lock and must tolerate duplicate records.
func (s *Store) SetArchive(fn func(model.Incident)) {
	s.mu.Lock()
	s.archive = fn
	s.mu.Unlock()
}

// Upsert inserts or updates one incident, deduplicated by (source, id).
func (s *Store) Upsert(inc model.Incident) error {
	if strings.TrimSpace(inc.ID) == "" {
		return model.Validationf("id", "required")
	}
	if strings.TrimSpace(inc.Provider) == "" {
		return model.Validationf("provider", "required")
	}
	inc.Provider = strings.ToLower(strings.TrimSpace(inc.Provider))
	inc.Severity = normalizeSeverity(inc.Severity)
	if inc.Status == "" {
		if inc.ResolvedAt != nil {
			inc.Status = model.IncidentResolved
		} else {
			inc.Status = model.IncidentOpen
		}
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = s.clock.Now().UTC()
	}
	if inc.StartedAt.IsZero() {
		inc.StartedAt = inc.UpdatedAt
	}

	key := dedupeKey(inc)
	s.mu.Lock()
	existing, ok := s.incidents[key]
	accepted := !ok || !inc.UpdatedAt.Before(existing.UpdatedAt)
	if accepted {
		s.incidents[key] = inc
	}
	s.pruneLocked()
	archive := s.archive
	s.mu.Unlock()
	if accepted && archive != nil {
		archive(inc)
	}
	return nil
}

// MarkSynced records a successful feed refresh.
func (s *Store) MarkSynced() {
	s.mu.Lock()
	s.lastSync = s.clock.Now().UTC()
	s.mu.Unlock()
}

// ActiveForProvider returns the provider's unresolved incidents. It fails
// with ErrUpstreamUnavailable when the configured feed has gone stale.
func (s *Store) ActiveForProvider(ctx context.Context, provider string) ([]model.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxAge > 0 && s.clock.Now().UTC().Sub(s.lastSync) > s.maxAge {
		return nil, model.ErrUpstreamUnavailable
	}
	var out []model.Incident
	for _, inc := range s.incidents {
		if inc.Provider == provider && inc.Unresolved() {
			out = append(out, inc)
		}
	}
	sortIncidents(out)
	return out, nil
}

// All lists incidents, newest update first, optionally one provider's.
func (s *Store) All(provider string) []model.Incident {
	provider = strings.ToLower(strings.TrimSpace(provider))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if provider == "" || inc.Provider == provider {
			out = append(out, inc)
		}
	}
	sortIncidents(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}

// pruneLocked caps resolved history so long-running processes stay bounded.
func (s *Store) pruneLocked() {
	resolved := make([]string, 0)
	for key, inc := range s.incidents {
		if !inc.Unresolved() {
			resolved = append(resolved, key)
		}
	}
	if len(resolved) <= s.keepResolved {
		return
	}
	sort.Slice(resolved, func(i, j int) bool {
		return s.incidents[resolved[i]].UpdatedAt.Before(s.incidents[resolved[j]].UpdatedAt)
	})
	for _, key := range resolved[:len(resolved)-s.keepResolved] {
		delete(s.incidents, key)
	}
}

func dedupeKey(inc model.Incident) string {
	if inc.Source != "" {
		return inc.Source + "/" + inc.ID
	}
	return inc.ID
}

func sortIncidents(list []model.Incident) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func normalizeSeverity(sev model.Severity) model.Severity {
	switch model.Severity(strings.ToLower(strings.TrimSpace(string(sev)))) {
	case model.SeverityCritical:
		return model.SeverityCritical
	case model.SeverityMajor:
		return model.SeverityMajor
	case model.SeverityMaintenance:
		return model.SeverityMaintenance
	default:
		return model.SeverityMinor
	}
}
