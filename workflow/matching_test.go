package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB-free. They validate the matching
// semantics against an in-memory store: exact and fuzzy merges, ambiguity
// staging, conflict veto, and arrival-order convergence.
//
// Full DB integration tests should be added in an environment that can run
// MySQL + redis.

type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	orders  map[int]*models.UnifiedOrder
	rows    map[int]map[string]any
	records []*models.SourceRecord
	changes []*models.OrderChange
	errors  []*models.OrderError
	staged  map[int]bool
	matched map[int]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:  map[int]*models.UnifiedOrder{},
		rows:    map[int]map[string]any{},
		staged:  map[int]bool{},
		matched: map[int]int{},
	}
}

func (s *fakeStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.UnifiedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == orderNumber {
			clone := *order
			return &clone, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *fakeStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]*models.UnifiedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UnifiedOrder
	for _, order := range s.orders {
		if order.PermanentlyPartial {
			continue
		}
		if order.EventTime.Before(q.Center.Add(-q.Window)) || order.EventTime.After(q.Center.Add(q.Window)) {
			continue
		}
		if q.MachineCode != "" && order.MachineCode != "" && order.MachineCode != q.MachineCode {
			continue
		}
		if !q.Amount.IsZero() && !order.OrderPrice.IsZero() &&
			order.OrderPrice.Sub(q.Amount).Abs().GreaterThan(q.Tolerance) {
			continue
		}
		clone := *order
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) RowAsMap(ctx context.Context, orderID int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{}
	for k, v := range s.rows[orderID] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) InsertOrder(ctx context.Context, order *models.UnifiedOrder, writes map[string]any, recordID int, changes []*models.OrderChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orders {
		if existing.OrderNumber == order.OrderNumber {
			return utils.ErrorDuplicateKey
		}
	}
	s.nextID++
	order.ID = s.nextID
	stored := *order
	s.orders[order.ID] = &stored
	s.rows[order.ID] = map[string]any{
		"order_number": order.OrderNumber,
		"machine_code": order.MachineCode,
		"order_price":  order.OrderPrice,
		"event_time":   order.EventTime,
	}
	s.applyWritesLocked(&stored, writes)
	for _, change := range changes {
		change.OrderID = order.ID
		s.changes = append(s.changes, change)
	}
	s.matched[recordID] = order.ID
	return nil
}

func (s *fakeStore) ApplyMerge(ctx context.Context, apply MergeApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[apply.OrderID]
	if !ok || order.Version != apply.ExpectedVersion {
		return utils.ErrorConcurrentUpdate
	}
	s.applyWritesLocked(order, apply.Writes)
	for _, change := range apply.Changes {
		change.OrderID = apply.OrderID
		s.changes = append(s.changes, change)
	}
	s.matched[apply.RecordID] = apply.OrderID
	delete(s.staged, apply.RecordID)
	return nil
}

func (s *fakeStore) applyWritesLocked(order *models.UnifiedOrder, writes map[string]any) {
	row := s.rows[order.ID]
	for col, v := range writes {
		row[col] = v
	}
	if v, ok := writes["order_number"].(string); ok {
		order.OrderNumber = v
	}
	if v, ok := writes["machine_code"].(string); ok {
		order.MachineCode = v
	}
	if v, ok := writes["order_price"].(decimal.Decimal); ok {
		order.OrderPrice = v
	}
	if v, ok := writes["event_time"].(time.Time); ok {
		order.EventTime = v
	}
	if v, ok := writes["sources"].(models.StringList); ok {
		order.Sources = v
	}
	if v, ok := writes["source_files"].(models.IntList); ok {
		order.SourceFiles = v
	}
	if v, ok := writes["match_score"].(int); ok {
		order.MatchScore = v
	}
	if v, ok := writes["is_temporary"].(bool); ok {
		order.IsTemporary = v
	}
	if v, ok := writes["version"].(int); ok {
		order.Version = v
	}
	if v, ok := writes["last_matched_at"].(*time.Time); ok {
		order.LastMatchedAt = v
	}
}

func (s *fakeStore) StageRecord(ctx context.Context, recordID int, candidateIDs models.IntList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[recordID] = true
	return nil
}

func (s *fakeStore) RecordError(ctx context.Context, e *models.OrderError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

func (s *fakeStore) RetireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var retired int64
	for _, order := range s.orders {
		if !order.IsTemporary || order.PermanentlyPartial {
			continue
		}
		last := order.CreatedAt
		if order.LastMatchedAt != nil {
			last = *order.LastMatchedAt
		}
		if last.Before(cutoff) {
			order.PermanentlyPartial = true
			retired++
		}
	}
	return retired, nil
}

func (s *fakeStore) SweepableRecords(ctx context.Context, cutoff time.Time, limit int) ([]*models.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SourceRecord
	for _, record := range s.records {
		if len(out) == limit {
			break
		}
		if _, ok := s.matched[record.ID]; ok {
			continue
		}
		if s.staged[record.ID] || !record.CreatedAt.Before(cutoff) {
			continue
		}
		blocked := false
		for _, e := range s.errors {
			if e.SourceRecordID != nil && *e.SourceRecordID == record.ID &&
				e.ResolutionStatus != models.ResolutionStatusRejected {
				blocked = true
			}
		}
		if blocked {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *fakeStore) Lock(ctx context.Context, key string, fn func() error) error {
	return fn()
}

func (s *fakeStore) singleOrder(t *testing.T) *models.UnifiedOrder {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orders) != 1 {
		t.Fatalf("expected exactly 1 order, got %d", len(s.orders))
	}
	for _, order := range s.orders {
		return order
	}
	return nil
}

func newTestEngine(store OrderStore) *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Engine{
		Store:  store,
		Cfg:    config.DefaultMatchingConfig(),
		Logger: logger,
	}
}

var testTime = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func mustRecord(t *testing.T, id, fileID int, payload models.RecordPayload) *models.SourceRecord {
	t.Helper()
	record, err := models.NewSourceRecord(fileID, 0, payload)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	record.ID = id
	return record
}

func hardwarePayload(orderNumber string, price int64) models.HardwareOrder {
	return models.HardwareOrder{
		OrderNumber:   orderNumber,
		MachineCode:   "VM-042",
		OrderPrice:    decimal.NewFromInt(price),
		GoodsName:     "Latte",
		PaymentStatus: "paid",
		CreationTime:  testTime,
	}
}

func paymePayload(orderNumber string, amount int64, at time.Time) models.PaymePayment {
	return models.PaymePayment{
		ProviderPaymentID:       "pm-779",
		OrderNumber:             orderNumber,
		PaymentTime:             at,
		PaymentState:            "paid",
		AmountWithoutCommission: decimal.NewFromInt(amount),
		CashboxIdentifier:       "VM-042",
	}
}

func fiscalPayload(receipt string, amount int64, at time.Time) models.FiscalReceipt {
	return models.FiscalReceipt{
		ReceiptNumber:     receipt,
		OperationDatetime: at,
		OperationAmount:   decimal.NewFromInt(amount),
	}
}

func TestMatchRecord_ExactOrderNumberMerge(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-1", 15000)))
	if err != nil {
		t.Fatalf("hardware: %v", err)
	}
	if first.Operation != models.MatchOperationInsert {
		t.Fatalf("expected insert, got %s", first.Operation)
	}

	second, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, paymePayload("ORD-1", 15000, testTime.Add(40*time.Second))))
	if err != nil {
		t.Fatalf("payme: %v", err)
	}
	if second.Operation != models.MatchOperationMerge {
		t.Fatalf("expected merge, got %s", second.Operation)
	}
	if second.Confidence != 100 {
		t.Fatalf("exact match confidence should be 100, got %v", second.Confidence)
	}

	order := store.singleOrder(t)
	if len(order.Sources) != 2 || order.MatchScore != 70 {
		t.Fatalf("expected 2 sources and score 70, got %v / %d", order.Sources, order.MatchScore)
	}
	if order.IsTemporary {
		t.Fatal("two corroborating sources should flip is_temporary off")
	}
	if store.rows[order.ID]["payme_provider_payment_id"] != "pm-779" {
		t.Fatal("payme group columns were not written")
	}
	if store.rows[order.ID]["goods_name"] != "Latte" {
		t.Fatal("hardware group columns were lost")
	}
}

func TestMatchRecord_FuzzyWindowMerge(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-2", 9000))); err != nil {
		t.Fatalf("hardware: %v", err)
	}

	// Fiscal receipts carry no order number or machine; time+amount must do.
	match, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, fiscalPayload("FR-55", 9000, testTime.Add(30*time.Second))))
	if err != nil {
		t.Fatalf("fiscal: %v", err)
	}
	if match.Operation != models.MatchOperationMerge {
		t.Fatalf("expected merge, got %s", match.Operation)
	}
	if match.Confidence < 60 || match.Confidence > 90 {
		t.Fatalf("fuzzy confidence must stay in [60,90], got %v", match.Confidence)
	}

	order := store.singleOrder(t)
	if store.rows[order.ID]["fiscal_receipt_number"] != "FR-55" {
		t.Fatal("fiscal group columns were not written")
	}
}

func TestMatchRecord_AmbiguityStagesWithoutMutation(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-3", 5000))); err != nil {
		t.Fatal(err)
	}
	other := hardwarePayload("ORD-4", 5000)
	if _, err := engine.MatchRecord(ctx, mustRecord(t, 2, 10, other)); err != nil {
		t.Fatal(err)
	}

	// Equalize the last tie-breaker so neither order can win it.
	store.mu.Lock()
	for _, order := range store.orders {
		at := testTime
		order.LastMatchedAt = &at
	}
	store.mu.Unlock()

	changesBefore := len(store.changes)

	// Equidistant from both orders on every tie-breaker.
	match, err := engine.MatchRecord(ctx, mustRecord(t, 3, 11, fiscalPayload("FR-77", 5000, testTime)))
	if err != nil {
		t.Fatalf("fiscal: %v", err)
	}
	if match.Operation != models.MatchOperationAmbiguous {
		t.Fatalf("expected ambiguous, got %s", match.Operation)
	}
	if !store.staged[3] {
		t.Fatal("ambiguous record must be staged")
	}
	if len(store.changes) != changesBefore {
		t.Fatal("ambiguity must not mutate any order")
	}
	if len(store.errors) != 1 || store.errors[0].ErrorType != models.OrderErrorTypeMatchAmbiguity {
		t.Fatalf("expected one match_ambiguity error, got %+v", store.errors)
	}
	if len(store.errors[0].CandidateOrderIDs) != 2 {
		t.Fatalf("ambiguity error should list both candidates, got %v", store.errors[0].CandidateOrderIDs)
	}
}

func TestMatchRecord_ConflictWritesNothing(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-5", 7000))); err != nil {
		t.Fatal(err)
	}
	order := store.singleOrder(t)
	versionBefore := order.Version
	changesBefore := len(store.changes)

	disagreeing := hardwarePayload("ORD-5", 7000)
	disagreeing.GoodsName = "Espresso"
	disagreeing.TasteName = "Vanilla"

	match, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, disagreeing))
	if err != nil {
		t.Fatalf("conflicting record: %v", err)
	}
	if match.Operation != models.MatchOperationConflict {
		t.Fatalf("expected conflict, got %s", match.Operation)
	}
	if store.rows[order.ID]["goods_name"] != "Latte" {
		t.Fatal("existing value must be kept on conflict")
	}
	if _, written := store.rows[order.ID]["taste_name"]; written {
		t.Fatal("conflict must veto the whole group, including clean fields")
	}
	if store.orders[order.ID].Version != versionBefore {
		t.Fatal("conflict must not bump the order version")
	}
	if len(store.changes) != changesBefore {
		t.Fatal("conflict must not append audit rows")
	}
	if len(store.errors) != 1 || store.errors[0].ErrorType != models.OrderErrorTypeFieldConflict {
		t.Fatalf("expected one field_conflict error, got %+v", store.errors)
	}
	if _, ok := store.errors[0].ConflictingValues["goods_name"]; !ok {
		t.Fatal("conflict error must carry the disagreeing values")
	}
}

func TestMatchRecord_ArrivalOrderConverges(t *testing.T) {
	run := func(first, second models.RecordPayload) *fakeStore {
		store := newFakeStore()
		engine := newTestEngine(store)
		ctx := context.Background()
		if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, first)); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, second)); err != nil {
			t.Fatal(err)
		}
		return store
	}

	hw := hardwarePayload("ORD-6", 12000)
	pm := paymePayload("ORD-6", 12000, testTime.Add(20*time.Second))

	a := run(hw, pm)
	b := run(pm, hw)

	orderA := a.singleOrder(t)
	orderB := b.singleOrder(t)

	if orderA.OrderNumber != orderB.OrderNumber {
		t.Fatalf("order numbers diverged: %s vs %s", orderA.OrderNumber, orderB.OrderNumber)
	}
	if orderA.MatchScore != orderB.MatchScore || len(orderA.Sources) != len(orderB.Sources) {
		t.Fatalf("scores diverged: %d/%v vs %d/%v",
			orderA.MatchScore, orderA.Sources, orderB.MatchScore, orderB.Sources)
	}
	if !orderA.EventTime.Equal(orderB.EventTime) {
		t.Fatalf("event times diverged: %v vs %v", orderA.EventTime, orderB.EventTime)
	}
	for _, col := range []string{"goods_name", "payme_provider_payment_id", "payme_payment_state", "payment_status"} {
		va := normalizeValue(a.rows[orderA.ID][col])
		vb := normalizeValue(b.rows[orderB.ID][col])
		if va != vb {
			t.Fatalf("column %s diverged: %q vs %q", col, va, vb)
		}
	}
}

func TestMatchRecord_OneChangeRowPerWrittenField(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-7", 4500))); err != nil {
		t.Fatal(err)
	}
	changesBefore := len(store.changes)

	match, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, paymePayload("ORD-7", 4500, testTime.Add(10*time.Second))))
	if err != nil {
		t.Fatal(err)
	}
	appended := len(store.changes) - changesBefore
	if appended != match.FieldsWritten {
		t.Fatalf("engine reported %d fields written but appended %d audit rows", match.FieldsWritten, appended)
	}
	if appended == 0 {
		t.Fatal("a merge that writes fields must audit them")
	}
	for _, change := range store.changes[changesBefore:] {
		if change.ChangeType != models.ChangeTypeMerge {
			t.Fatalf("merge audit rows must use change_type merge, got %s", change.ChangeType)
		}
		if change.MatchConfidence == nil || *change.MatchConfidence != 100 {
			t.Fatal("exact-merge audit rows must carry confidence 100")
		}
	}
}

func TestMatchRecord_RematchIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	record := mustRecord(t, 1, 10, hardwarePayload("ORD-8", 3000))
	if _, err := engine.MatchRecord(ctx, record); err != nil {
		t.Fatal(err)
	}
	changesBefore := len(store.changes)

	// The same payload arriving again (another export of the same stream).
	again, err := engine.MatchRecord(ctx, mustRecord(t, 2, 12, hardwarePayload("ORD-8", 3000)))
	if err != nil {
		t.Fatal(err)
	}
	if again.Operation != models.MatchOperationMerge {
		t.Fatalf("expected merge, got %s", again.Operation)
	}
	if len(store.changes) != changesBefore {
		t.Fatal("identical values must produce zero audit rows")
	}
	order := store.singleOrder(t)
	if len(order.Sources) != 1 || order.MatchScore != 35 {
		t.Fatalf("re-merge of the same stream must not inflate corroboration: %v / %d", order.Sources, order.MatchScore)
	}
}

func TestMatchRecord_PromoteScoreFlipsTemporary(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	// Three sources required, but score 70 clears the promote threshold.
	engine.Cfg.CorroborationSources = 3
	ctx := context.Background()

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-10", 6000))); err != nil {
		t.Fatal(err)
	}
	if !store.singleOrder(t).IsTemporary {
		t.Fatal("a single-source order must start temporary")
	}

	if _, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, paymePayload("ORD-10", 6000, testTime.Add(15*time.Second)))); err != nil {
		t.Fatal(err)
	}
	order := store.singleOrder(t)
	if order.MatchScore != 70 {
		t.Fatalf("two sources must score 70, got %d", order.MatchScore)
	}
	if order.IsTemporary {
		t.Fatal("a score at the promote threshold must flip is_temporary off")
	}
}

func TestMatchRecord_EventTimeOverwriteIsAudited(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	// The payment arrives first and anchors the order on its own clock.
	if _, err := engine.MatchRecord(ctx, mustRecord(t, 1, 10, paymePayload("ORD-11", 5500, testTime.Add(25*time.Second)))); err != nil {
		t.Fatal(err)
	}
	match, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, hardwarePayload("ORD-11", 5500)))
	if err != nil {
		t.Fatal(err)
	}
	if match.Operation != models.MatchOperationMerge {
		t.Fatalf("expected merge, got %s", match.Operation)
	}

	order := store.singleOrder(t)
	if !order.EventTime.Equal(testTime) {
		t.Fatalf("hardware must own the canonical event time, got %v", order.EventTime)
	}
	var audited *models.OrderChange
	for _, change := range store.changes {
		if change.FieldName == "event_time" {
			audited = change
		}
	}
	if audited == nil {
		t.Fatal("the event_time overwrite must append an audit row")
	}
	if audited.OldValue == audited.NewValue {
		t.Fatalf("the audit row must show the overwrite: %q -> %q", audited.OldValue, audited.NewValue)
	}
}

// racingStore simulates another writer that wins every merge attempt.
type racingStore struct {
	*fakeStore
}

func (s *racingStore) ApplyMerge(ctx context.Context, apply MergeApply) error {
	return utils.ErrorConcurrentUpdate
}

func TestMatchRecord_ConcurrentUpdateEscalatesAfterRetries(t *testing.T) {
	base := newFakeStore()
	setup := newTestEngine(base)
	ctx := context.Background()

	if _, err := setup.MatchRecord(ctx, mustRecord(t, 1, 10, hardwarePayload("ORD-9", 2500))); err != nil {
		t.Fatal(err)
	}

	racing := &racingStore{fakeStore: base}
	engine := newTestEngine(racing)

	_, err := engine.MatchRecord(ctx, mustRecord(t, 2, 11, paymePayload("ORD-9", 2500, testTime)))
	if !errors.Is(err, utils.ErrorConcurrentUpdate) {
		t.Fatalf("expected ErrorConcurrentUpdate, got %v", err)
	}
	found := false
	for _, e := range base.errors {
		if e.ErrorType == models.OrderErrorTypeConcurrentUpdate {
			found = true
		}
	}
	if !found {
		t.Fatal("exhausted retries must land in the review queue")
	}
}
