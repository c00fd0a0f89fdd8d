package workflow

import (
	"sort"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
)

// Candidate is one fuzzy-match candidate with its distance to the incoming
// record's anchors precomputed.
type Candidate struct {
	Order     *models.UnifiedOrder
	TimeDelta time.Duration
}

// NewCandidate measures one order against the record's anchors.
func NewCandidate(order *models.UnifiedOrder, anchors models.RecordAnchors) Candidate {
	return Candidate{
		Order:     order,
		TimeDelta: utils.AbsDuration(order.EventTime.Sub(anchors.Timestamp)),
	}
}

// RankCandidates orders candidates best-first: smallest time delta, then the
// most corroborated order, then the most recently matched. Returns ambiguous
// when the two best candidates are indistinguishable on all three; the
// caller must then stage the record instead of guessing.
func RankCandidates(candidates []Candidate) (best Candidate, ambiguous bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidateLess(candidates[i], candidates[j])
	})
	if len(candidates) > 1 && !candidateLess(candidates[0], candidates[1]) {
		return candidates[0], true
	}
	return candidates[0], false
}

func candidateLess(a, b Candidate) bool {
	ad, bd := a.TimeDelta.Round(time.Second), b.TimeDelta.Round(time.Second)
	if ad != bd {
		return ad < bd
	}
	if len(a.Order.Sources) != len(b.Order.Sources) {
		return len(a.Order.Sources) > len(b.Order.Sources)
	}
	at, bt := lastMatched(a.Order), lastMatched(b.Order)
	return at.After(bt)
}

func lastMatched(order *models.UnifiedOrder) time.Time {
	if order.LastMatchedAt != nil {
		return *order.LastMatchedAt
	}
	return order.CreatedAt
}

// FuzzyConfidence maps time proximity inside the window to 60..90. Exact
// order-number matches use 100 and never come through here.
func FuzzyConfidence(delta, window time.Duration) float64 {
	if window <= 0 {
		return 60
	}
	closeness := 1 - float64(delta)/float64(window)
	if closeness < 0 {
		closeness = 0
	}
	return 60 + 30*closeness
}
