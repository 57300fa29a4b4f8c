package telemetry

import (
	"fmt"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

type entry struct {
	arrival time.Time
	sample  model.Sample
}

// buffer holds one segment's raw samples in arrival order. Eviction advances
// a head index and compacts lazily, so readers behind a snapshot never see a
// half-removed entry.
type buffer struct {
	entries []entry
	head    int
	count   int
}

func newBuffer() *buffer {
	return &buffer{entries: make([]entry, 0, 64)}
}

func (b *buffer) append(e entry) {
	b.entries = append(b.entries, e)
	b.count++
}

// evict drops samples whose timestamp is older than cutoff. Returns how many
// were dropped. Retention here is coarse; queries filter exactly.
func (b *buffer) evict(cutoff time.Time) int {
	evicted := 0
	for b.head < len(b.entries) {
		if !b.entries[b.head].sample.Timestamp.Before(cutoff) {
			break
		}
		b.head++
		b.count--
		evicted++
	}
	if b.head > 0 && b.head*2 >= len(b.entries) {
		b.entries = append([]entry{}, b.entries[b.head:]...)
		b.head = 0
	}
	return evicted
}

// snapshot copies the samples inside [cutoff, now] that match the source
// filter. An empty filter matches every source.
func (b *buffer) snapshot(cutoff time.Time, sources map[model.Source]bool) ([]model.Sample, error) {
	if b.head > len(b.entries) || b.count != len(b.entries)-b.head {
		return nil, fmt.Errorf("%w: buffer count %d does not match live entries %d",
			model.ErrInternalAggregation, b.count, len(b.entries)-b.head)
	}
	out := make([]model.Sample, 0, b.count)
	for i := b.head; i < len(b.entries); i++ {
		s := b.entries[i].sample
		if s.Timestamp.Before(cutoff) {
			continue
		}
		if len(sources) > 0 && !sources[s.Source] {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *buffer) empty() bool {
	return b.count == 0
}
