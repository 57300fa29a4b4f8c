package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// logThrottle suppresses repeats of the same warning key inside a cooldown
// window. Evaluation cycles re-report a persistent upstream failure every
// tick; the log gets one line per cooldown instead.
type logThrottle struct {
	clock    clock.Clock
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newLogThrottle(cooldown time.Duration, clk clock.Clock) *logThrottle {
	if clk == nil {
		clk = clock.New()
	}
	return &logThrottle{clock: clk, cooldown: cooldown, last: make(map[string]time.Time)}
}

func (t *logThrottle) allow(key string) bool {
	if t.cooldown <= 0 {
		return true
	}
	now := t.clock.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.last[key]; ok && now.Sub(ts) < t.cooldown {
		return false
	}
	t.last[key] = now
	return true
}

func (t *logThrottle) reset() {
	t.mu.Lock()
	t.last = make(map[string]time.Time)
	t.mu.Unlock()
}
