package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
)

func TestConsolidateOnce_BackfilledOrderSurvivesRetirement(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	// A hardware file backfilled a day late: the business event is already
	// past the horizon, but the order itself was created just now.
	backfilled := hardwarePayload("ORD-30", 8000)
	backfilled.CreationTime = time.Now().UTC().Add(-25 * time.Hour)
	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, backfilled)); err != nil {
		t.Fatal(err)
	}

	stats, err := engine.ConsolidateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.MarkedPartial != 0 {
		t.Fatalf("a freshly created order must survive the sweep, retired %d", stats.MarkedPartial)
	}
	if store.singleOrder(t).PermanentlyPartial {
		t.Fatal("retirement must run on the corroboration clock, not the event time")
	}

	// The T+1 settlement feed can still consolidate it.
	match, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, fiscalPayload("FR-30", 8000, backfilled.CreationTime.Add(30*time.Second))))
	if err != nil {
		t.Fatal(err)
	}
	if match.Operation != models.MatchOperationMerge {
		t.Fatalf("late settlement must still merge, got %s", match.Operation)
	}
}

func TestConsolidateOnce_RetiresUncorroboratedOrders(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-31", 4000))); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	stale := time.Now().UTC().Add(-25 * time.Hour)
	for _, order := range store.orders {
		order.LastMatchedAt = &stale
	}
	store.mu.Unlock()

	stats, err := engine.ConsolidateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.MarkedPartial != 1 {
		t.Fatalf("an order uncorroborated past the horizon must retire, got %d", stats.MarkedPartial)
	}
	if !store.singleOrder(t).PermanentlyPartial {
		t.Fatal("retired orders must be flagged permanently partial")
	}
}

func TestConsolidateOnce_SkipsRecordsBehindLiveReviewEntries(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-32", 9000))); err != nil {
		t.Fatal(err)
	}

	disagreeing := hardwarePayload("ORD-32", 9000)
	disagreeing.GoodsName = "Espresso"
	record := mustRecord(t, 2, 11, disagreeing)
	record.CreatedAt = time.Now().UTC().Add(-time.Hour)
	match, err := engine.MatchRecord(ctx, record)
	if err != nil {
		t.Fatal(err)
	}
	if match.Operation != models.MatchOperationConflict {
		t.Fatalf("expected conflict, got %s", match.Operation)
	}
	store.mu.Lock()
	store.records = append(store.records, record)
	store.mu.Unlock()

	// Open entry: the sweep must not re-raise it.
	stats, err := engine.ConsolidateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 0 {
		t.Fatalf("a record behind an open review entry must be skipped, retried %d", stats.Retried)
	}

	// Resolved entry: the operator dealt with the disagreement; still no retry.
	store.mu.Lock()
	store.errors[0].ResolutionStatus = models.ResolutionStatusResolved
	store.mu.Unlock()
	stats, err = engine.ConsolidateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 0 {
		t.Fatalf("resolving an entry must not put the record back into the sweep, retried %d", stats.Retried)
	}
	if len(store.errors) != 1 {
		t.Fatalf("resolution must not grow the review queue, got %d entries", len(store.errors))
	}

	// Rejected entry: the operator asked for a retry.
	store.mu.Lock()
	store.errors[0].ResolutionStatus = models.ResolutionStatusRejected
	store.mu.Unlock()
	stats, err = engine.ConsolidateOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 1 {
		t.Fatalf("a rejected entry must release its record to the sweep, retried %d", stats.Retried)
	}
}
