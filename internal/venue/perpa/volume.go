package perpa

import (
	"strings"
	"sync"
	"time"
)

// volumeSample is one Add() call, aged out of InMemoryVolumeTracker's
// window once it falls outside the trailing 24h.
type volumeSample struct {
	at     time.Time
	amount float64
}

// InMemoryVolumeTracker is the process-local DailyVolumeTracker. The
// coordinator is PERP-A's only writer (all submissions go through this
// process's module-signing key), so an in-memory rolling window is
// sufficient; see DESIGN.md for why this isn't backed by the repo.
type InMemoryVolumeTracker struct {
	mu      sync.Mutex
	samples map[string][]volumeSample
}

func NewInMemoryVolumeTracker() *InMemoryVolumeTracker {
	return &InMemoryVolumeTracker{samples: make(map[string][]volumeSample)}
}

func (t *InMemoryVolumeTracker) Add(vault string, amount float64) {
	vault = strings.ToLower(vault)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[vault] = append(t.samples[vault], volumeSample{at: time.Now(), amount: amount})
}

// Last24h sums amounts recorded for vault in the trailing 24 hours,
// pruning anything older as a side effect.
func (t *InMemoryVolumeTracker) Last24h(vault string) float64 {
	vault = strings.ToLower(vault)
	cutoff := time.Now().Add(-24 * time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.samples[vault][:0]
	var total float64
	for _, s := range t.samples[vault] {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		total += s.amount
	}
	t.samples[vault] = kept
	return total
}
