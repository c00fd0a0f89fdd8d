package workflow

import (
	"testing"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
)

func candidateAt(id int, eventTime time.Time, sources int, lastMatched time.Time, anchors models.RecordAnchors) Candidate {
	order := &models.UnifiedOrder{
		ID:            id,
		EventTime:     eventTime,
		LastMatchedAt: &lastMatched,
	}
	for i := 0; i < sources; i++ {
		order.Sources = append(order.Sources, "s")
	}
	return NewCandidate(order, anchors)
}

func TestRankCandidates_ClosestTimeWins(t *testing.T) {
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	anchors := models.RecordAnchors{Timestamp: at}

	best, ambiguous := RankCandidates([]Candidate{
		candidateAt(1, at.Add(90*time.Second), 1, at, anchors),
		candidateAt(2, at.Add(10*time.Second), 1, at, anchors),
	})
	if ambiguous {
		t.Fatal("distinct time deltas must not be ambiguous")
	}
	if best.Order.ID != 2 {
		t.Fatalf("expected the closer order to win, got %d", best.Order.ID)
	}
}

func TestRankCandidates_CorroborationBreaksTimeTie(t *testing.T) {
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	anchors := models.RecordAnchors{Timestamp: at}

	best, ambiguous := RankCandidates([]Candidate{
		candidateAt(1, at.Add(30*time.Second), 1, at, anchors),
		candidateAt(2, at.Add(-30*time.Second), 3, at, anchors),
	})
	if ambiguous {
		t.Fatal("different corroboration must break the tie")
	}
	if best.Order.ID != 2 {
		t.Fatalf("expected the better-corroborated order to win, got %d", best.Order.ID)
	}
}

func TestRankCandidates_FullTieIsAmbiguous(t *testing.T) {
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	anchors := models.RecordAnchors{Timestamp: at}

	_, ambiguous := RankCandidates([]Candidate{
		candidateAt(1, at.Add(30*time.Second), 1, at, anchors),
		candidateAt(2, at.Add(-30*time.Second), 1, at, anchors),
	})
	if !ambiguous {
		t.Fatal("indistinguishable candidates must be reported as ambiguous")
	}
}

func TestFuzzyConfidence_Bounds(t *testing.T) {
	window := 2 * time.Minute
	if got := FuzzyConfidence(0, window); got != 90 {
		t.Fatalf("zero delta should score 90, got %v", got)
	}
	if got := FuzzyConfidence(window, window); got != 60 {
		t.Fatalf("full-window delta should score 60, got %v", got)
	}
	mid := FuzzyConfidence(window/2, window)
	if mid <= 60 || mid >= 90 {
		t.Fatalf("mid-window delta should land strictly between, got %v", mid)
	}
}
