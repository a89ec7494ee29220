package perpa

import (
	"testing"
	"time"
)

func TestInMemoryVolumeTracker_Last24h_SumsRecentSamples(t *testing.T) {
	tr := NewInMemoryVolumeTracker()
	tr.Add("0xVault", 100)
	tr.Add("0xVault", 250)

	got := tr.Last24h("0xVault")
	if got != 350 {
		t.Errorf("expected 350, got %v", got)
	}
}

func TestInMemoryVolumeTracker_Last24h_IsCaseInsensitiveOnVault(t *testing.T) {
	tr := NewInMemoryVolumeTracker()
	tr.Add("0xAbC", 100)

	if got := tr.Last24h("0xabc"); got != 100 {
		t.Errorf("expected case-insensitive vault lookup, got %v", got)
	}
}

func TestInMemoryVolumeTracker_Last24h_PrunesStaleSamples(t *testing.T) {
	tr := NewInMemoryVolumeTracker()
	tr.mu.Lock()
	tr.samples["0xvault"] = []volumeSample{
		{at: time.Now().Add(-25 * time.Hour), amount: 1000},
		{at: time.Now().Add(-1 * time.Hour), amount: 50},
	}
	tr.mu.Unlock()

	got := tr.Last24h("0xvault")
	if got != 50 {
		t.Errorf("expected stale sample excluded, got %v", got)
	}

	tr.mu.Lock()
	remaining := len(tr.samples["0xvault"])
	tr.mu.Unlock()
	if remaining != 1 {
		t.Errorf("expected pruning to drop stale sample, %d remain", remaining)
	}
}

func TestInMemoryVolumeTracker_Last24h_UnknownVaultIsZero(t *testing.T) {
	tr := NewInMemoryVolumeTracker()
	if got := tr.Last24h("0xnope"); got != 0 {
		t.Errorf("expected zero for unknown vault, got %v", got)
	}
}
