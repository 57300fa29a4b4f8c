package anomaly

import (
	"sort"
	"sync"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const defaultRetiredCap = 500

// Registry holds early warning signals: active ones keyed by fingerprint
// signature, plus a bounded ring of retired ones. Signals retire, they are
// never deleted, and the ring keeps memory flat on long uptimes.
type Registry struct {
	mu         sync.RWMutex
	active     map[string]model.EarlyWarningSignal
	retired    []model.EarlyWarningSignal
	retiredCap int
}

func NewRegistry(retiredCap int) *Registry {
	if retiredCap <= 0 {
		retiredCap = defaultRetiredCap
	}
	return &Registry{
		active:     make(map[string]model.EarlyWarningSignal),
		retiredCap: retiredCap,
	}
}

// Upsert stores a signal under its fingerprint signature.
func (r *Registry) Upsert(sig model.EarlyWarningSignal) {
	r.mu.Lock()
	r.active[sig.Fingerprint.Signature] = sig
	r.mu.Unlock()
}

// Retire moves an active signal into the retired ring, stamping RetiredAt.
// It returns the retired copy so callers can archive it.
func (r *Registry) Retire(signature string, at time.Time) (model.EarlyWarningSignal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.active[signature]
	if !ok {
		return model.EarlyWarningSignal{}, false
	}
	delete(r.active, signature)
	retiredAt := at
	sig.RetiredAt = &retiredAt
	r.retired = append(r.retired, sig)
	if over := len(r.retired) - r.retiredCap; over > 0 {
		r.retired = append(r.retired[:0:0], r.retired[over:]...)
	}
	return sig, true
}

// Find returns the active signal for a fingerprint signature.
func (r *Registry) Find(signature string) (model.EarlyWarningSignal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.active[signature]
	return sig, ok
}

// Get looks a signal up by ID across active and retired.
func (r *Registry) Get(id string) (model.EarlyWarningSignal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sig := range r.active {
		if sig.ID == id {
			return sig, true
		}
	}
	for i := len(r.retired) - 1; i >= 0; i-- {
		if r.retired[i].ID == id {
			return r.retired[i], true
		}
	}
	return model.EarlyWarningSignal{}, false
}

// Active lists live signals, most recently detected first.
func (r *Registry) Active() []model.EarlyWarningSignal {
	r.mu.RLock()
	out := make([]model.EarlyWarningSignal, 0, len(r.active))
	for _, sig := range r.active {
		out = append(out, sig)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstDetected.Equal(out[j].FirstDetected) {
			return out[i].FirstDetected.After(out[j].FirstDetected)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Retired lists retired signals, most recently retired first.
func (r *Registry) Retired() []model.EarlyWarningSignal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EarlyWarningSignal, len(r.retired))
	for i := range r.retired {
		out[len(r.retired)-1-i] = r.retired[i]
	}
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Reset drops all signals, active and retired.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]model.EarlyWarningSignal)
	r.retired = nil
}
