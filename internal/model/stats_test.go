package model

import (
	"testing"
	"time"
)

func TestRefreshStats_Duration(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stats := RefreshStats{StartedAt: start, CompletedAt: start.Add(1500 * time.Millisecond)}

	if got := stats.Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", got)
	}
}
