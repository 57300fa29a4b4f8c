package telemetry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const (
	shardCount     = 32
	defaultHorizon = 24 * time.Hour
)

type shard struct {
	mu      sync.RWMutex
	buffers map[model.SegmentKey]*buffer
}

// Store owns all raw sample storage and window bookkeeping. It is sharded by
// segment so concurrent ingestion of unrelated segments never serializes, and
// every query observes a point-in-time snapshot.
type Store struct {
	shards  [shardCount]*shard
	horizon time.Duration
	clock   clock.Clock

	ingested atomic.Uint64
	evicted  atomic.Uint64
}

func NewStore(horizon time.Duration, clk clock.Clock) *Store {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{horizon: horizon, clock: clk}
	for i := range s.shards {
		s.shards[i] = &shard{buffers: make(map[model.SegmentKey]*buffer)}
	}
	return s
}

// Horizon is the retention span; it bounds the largest answerable window.
func (s *Store) Horizon() time.Duration {
	return s.horizon
}

// Ingest validates and appends one sample, tagged with arrival time, and
// opportunistically evicts entries past the retention horizon.
func (s *Store) Ingest(sample model.Sample) error {
	if err := validateSample(sample); err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}

	sh := s.shardFor(sample.Segment)
	sh.mu.Lock()
	buf, ok := sh.buffers[sample.Segment]
	if !ok {
		buf = newBuffer()
		sh.buffers[sample.Segment] = buf
	}
	dropped := buf.evict(now.Add(-s.horizon))
	buf.append(entry{arrival: now, sample: sample})
	sh.mu.Unlock()

	s.ingested.Add(1)
	if dropped > 0 {
		s.evicted.Add(uint64(dropped))
	}
	return nil
}

// Query computes the aggregate over samples whose timestamp falls within
// [now - windowMinutes, now], optionally restricted to the given sources.
// An unknown segment or an empty window yields a zero-count aggregate.
func (s *Store) Query(key model.SegmentKey, windowMinutes int, sources ...model.Source) (model.Aggregate, error) {
	if windowMinutes <= 0 {
		return model.Aggregate{}, model.Validationf("windowMinutes", "must be positive, got %d", windowMinutes)
	}
	now := s.clock.Now().UTC()
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)

	var filter map[model.Source]bool
	if len(sources) > 0 {
		filter = make(map[model.Source]bool, len(sources))
		for _, src := range sources {
			filter[src] = true
		}
	}

	sh := s.shardFor(key)
	sh.mu.RLock()
	buf, ok := sh.buffers[key]
	if !ok {
		sh.mu.RUnlock()
		return model.Aggregate{Segment: key, WindowMinutes: windowMinutes}, nil
	}
	samples, err := buf.snapshot(cutoff, filter)
	sh.mu.RUnlock()
	if err != nil {
		return model.Aggregate{}, err
	}
	return computeAggregate(key, windowMinutes, samples), nil
}

// Segments lists known segment keys, all of them or one provider's, sorted by
// canonical key for stable output.
func (s *Store) Segments(provider string) []model.SegmentKey {
	var out []model.SegmentKey
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.buffers {
			if provider == "" || key.Provider == provider {
				out = append(out, key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SweepExpired evicts past-horizon samples across all segments and drops
// buffers left empty. Returns the number of samples evicted.
func (s *Store) SweepExpired() int {
	cutoff := s.clock.Now().UTC().Add(-s.horizon)
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, buf := range sh.buffers {
			total += buf.evict(cutoff)
			if buf.empty() {
				delete(sh.buffers, key)
			}
		}
		sh.mu.Unlock()
	}
	if total > 0 {
		s.evicted.Add(uint64(total))
	}
	return total
}

// Len reports how many segments currently hold samples.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.buffers)
		sh.mu.RUnlock()
	}
	return n
}

// SampleTotal reports how many samples are resident across all segments.
func (s *Store) SampleTotal() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, buf := range sh.buffers {
			n += buf.count
		}
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.buffers = make(map[model.SegmentKey]*buffer)
		sh.mu.Unlock()
	}
}

// IngestedTotal and EvictedTotal feed the exported counters.
func (s *Store) IngestedTotal() uint64 { return s.ingested.Load() }

func (s *Store) EvictedTotal() uint64 { return s.evicted.Load() }

func (s *Store) shardFor(key model.SegmentKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%shardCount]
}

func validateSample(sample model.Sample) error {
	switch {
	case sample.Segment.Provider == "":
		return model.Validationf("provider", "required")
	case sample.Segment.Model == "":
		return model.Validationf("model", "required")
	case sample.Segment.Endpoint == "":
		return model.Validationf("endpoint", "required")
	case sample.Segment.Region == "":
		return model.Validationf("region", "required")
	}
	if sample.LatencyMs < 0 {
		return model.Validationf("latency_ms", "must not be negative, got %g", sample.LatencyMs)
	}
	if _, ok := model.ParseSource(string(sample.Source)); !ok {
		return model.Validationf("source", "unknown source %q", sample.Source)
	}
	return nil
}
