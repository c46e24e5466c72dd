package connector

import (
	"testing"
	"time"
)

func TestBackoffFor_MatchesFixedSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		15 * time.Second,
	}
	for i, w := range want {
		if got := backoffFor(i); got != w {
			t.Fatalf("attempt %d: got %v want %v", i, got, w)
		}
	}
}

func TestBackoffFor_CapsAtFifteenSeconds(t *testing.T) {
	for _, attempt := range []int{5, 6, 100} {
		if got := backoffFor(attempt); got != 15*time.Second {
			t.Fatalf("attempt %d: expected 15s cap, got %v", attempt, got)
		}
	}
}
