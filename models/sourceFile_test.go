package models

import (
	"testing"
	"time"
)

func TestBuildProgress_PercentagesStayBounded(t *testing.T) {
	started := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	// A batch whose single row conflicted: processed but unmatched.
	conflictOnly := &SourceFile{
		ID:                   1,
		ProcessingStatus:     ProcessingStatusCompleted,
		RecordsCount:         1,
		ProcessedRecords:     1,
		MatchedRecords:       0,
		ErrorRecords:         0,
		ProcessingStartedAt:  &started,
		ProcessingFinishedAt: &finished,
	}
	p := buildProgress(conflictOnly)
	if p.ProcessingPercent != 100 {
		t.Fatalf("a fully handled batch is 100%% complete, got %v", p.ProcessingPercent)
	}
	if p.MatchingPercent != 0 {
		t.Fatalf("a conflict-only batch matched nothing, got %v", p.MatchingPercent)
	}
	if p.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %v", p.DurationSeconds)
	}

	mixed := &SourceFile{
		ID:               2,
		RecordsCount:     4,
		ProcessedRecords: 3,
		MatchedRecords:   2,
		ErrorRecords:     1,
	}
	p = buildProgress(mixed)
	if p.ProcessingPercent != 100 {
		t.Fatalf("3 processed + 1 rejected of 4 rows is 100%%, got %v", p.ProcessingPercent)
	}
	if p.ProcessingPercent > 100 {
		t.Fatalf("progress must never exceed 100%%, got %v", p.ProcessingPercent)
	}
}
