package monitor

import (
	"testing"

	"github.com/maxxit-ai/coordinator/internal/repo"
)

// Scenario 1 (spec.md §8): spot 1% trailing, price rises then falls back
// through the trailing stop once armed.
func TestEvaluateTrailing_LongArmsAndTriggers(t *testing.T) {
	entry := 2000.0
	trailing := repo.TrailingParams{Enabled: true, TrailingPercent: 1}

	d := evaluateTrailing(repo.SideLong, entry, 2040, trailing, 10, 3)
	if d.ShouldClose {
		t.Fatalf("did not expect a close at 2040, got reason %q", d.Reason)
	}
	if d.NewHighest != 2040 {
		t.Fatalf("expected highest 2040, got %v", d.NewHighest)
	}
	trailing.HighestPrice = d.NewHighest

	d = evaluateTrailing(repo.SideLong, entry, 2070, trailing, 10, 3)
	if d.ShouldClose {
		t.Fatalf("did not expect a close at 2070, got reason %q", d.Reason)
	}
	trailing.HighestPrice = d.NewHighest
	if trailing.HighestPrice != 2070 {
		t.Fatalf("expected highest 2070, got %v", trailing.HighestPrice)
	}

	d = evaluateTrailing(repo.SideLong, entry, 2049, trailing, 10, 3)
	if !d.ShouldClose || d.Reason != "TRAILING_STOP" {
		t.Fatalf("expected TRAILING_STOP at 2049 once armed at 2070, got %+v", d)
	}
}

// Scenario 2 (spec.md §8): PERP-A hard stop on LONG fires before trailing
// ever arms.
func TestEvaluateTrailing_LongHardStop(t *testing.T) {
	entry := 50000.0
	trailing := repo.TrailingParams{Enabled: true, TrailingPercent: 2}

	d := evaluateTrailing(repo.SideLong, entry, 45100, trailing, 10, 3)
	if d.ShouldClose {
		t.Fatalf("45100 is still above the 10%% hard stop (45000), got close reason %q", d.Reason)
	}

	d = evaluateTrailing(repo.SideLong, entry, 44900, trailing, 10, 3)
	if !d.ShouldClose || d.Reason != "HARD_STOP_LOSS" {
		t.Fatalf("expected HARD_STOP_LOSS at 44900, got %+v", d)
	}
}

func TestEvaluateTrailing_ShortArmsAndTriggers(t *testing.T) {
	entry := 100.0
	trailing := repo.TrailingParams{Enabled: true, TrailingPercent: 2}

	// Price drops past activation (entry * 0.97 = 97).
	d := evaluateTrailing(repo.SideShort, entry, 95, trailing, 10, 3)
	if d.ShouldClose {
		t.Fatalf("did not expect a close at 95, got reason %q", d.Reason)
	}
	trailing.LowestPrice = d.NewLowest
	if trailing.LowestPrice != 95 {
		t.Fatalf("expected lowest 95, got %v", trailing.LowestPrice)
	}

	// Bounces back up 2% off the low (95 * 1.02 = 96.9) -> trailing stop.
	d = evaluateTrailing(repo.SideShort, entry, 97, trailing, 10, 3)
	if !d.ShouldClose || d.Reason != "TRAILING_STOP" {
		t.Fatalf("expected TRAILING_STOP at 97 once armed at 95, got %+v", d)
	}
}

func TestEvaluateTrailing_DisabledNeverTriggersTrailingStop(t *testing.T) {
	trailing := repo.TrailingParams{Enabled: false}
	d := evaluateTrailing(repo.SideLong, 100, 80, trailing, 10, 3)
	if !d.ShouldClose || d.Reason != "HARD_STOP_LOSS" {
		t.Fatalf("hard stop must still fire even with trailing disabled, got %+v", d)
	}

	d = evaluateTrailing(repo.SideLong, 100, 95, trailing, 10, 3)
	if d.ShouldClose {
		t.Fatalf("trailing disabled must never close on its own, got %+v", d)
	}
}
