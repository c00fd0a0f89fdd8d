package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/sirupsen/logrus"
)

// Engine reconciles one normalized record at a time into the unified order
// store. All decisions run under the record's contention lock; the version
// column catches anything the lock cannot cover.
type Engine struct {
	Store  OrderStore
	Cfg    config.MatchingConfig
	Logger *logrus.Logger
}

func NewEngine() *Engine {
	return &Engine{
		Store:  NewOrderStore(),
		Cfg:    config.LoadMatchingConfig(),
		Logger: config.GetLogger(),
	}
}

// MatchResult reports what the engine did with one record.
type MatchResult struct {
	Operation     models.MatchOperation `json:"operation"`
	OrderID       int                   `json:"order_id"`
	OrderNumber   string                `json:"order_number"`
	Confidence    float64               `json:"confidence"`
	FieldsWritten int                   `json:"fields_written"`
}

// MatchRecord runs the full decision for one record: exact order-number
// lookup, then the fuzzy window search, then create. Ambiguity stages the
// record and mutates nothing; a field conflict queues a review entry and
// writes nothing.
func (e *Engine) MatchRecord(ctx context.Context, record *models.SourceRecord) (*MatchResult, error) {
	payload, err := record.DecodePayload()
	if err != nil {
		return nil, err
	}
	key := ContentionKey(payload.Anchors(), e.Cfg.TimeWindow)
	var result *MatchResult
	err = e.Store.Lock(ctx, key, func() error {
		var innerErr error
		result, innerErr = e.matchLocked(ctx, record, payload)
		return innerErr
	})
	return result, err
}

func (e *Engine) matchLocked(ctx context.Context, record *models.SourceRecord, payload models.RecordPayload) (*MatchResult, error) {
	for attempt := 0; attempt <= e.Cfg.MaxRetries; attempt++ {
		result, err := e.attempt(ctx, record, payload)
		if errors.Is(err, utils.ErrorConcurrentUpdate) || errors.Is(err, utils.ErrorDuplicateKey) {
			e.Logger.WithFields(logrus.Fields{
				"record_id": record.ID,
				"attempt":   attempt + 1,
			}).Warn("matching attempt lost a write race, retrying")
			continue
		}
		return result, err
	}

	anchors := payload.Anchors()
	_ = e.Store.RecordError(ctx, &models.OrderError{
		ErrorType:      models.OrderErrorTypeConcurrentUpdate,
		Severity:       models.ErrorSeverityHigh,
		Description:    fmt.Sprintf("record %d exhausted %d matching retries", record.ID, e.Cfg.MaxRetries),
		OrderNumber:    anchors.OrderNumber,
		MachineCode:    anchors.MachineCode,
		SourceFileID:   &record.SourceFileID,
		SourceRecordID: &record.ID,
	})
	return nil, utils.ErrorConcurrentUpdate
}

func (e *Engine) attempt(ctx context.Context, record *models.SourceRecord, payload models.RecordPayload) (*MatchResult, error) {
	anchors := payload.Anchors()

	if anchors.OrderNumber != "" {
		order, err := e.Store.GetByOrderNumber(ctx, anchors.OrderNumber)
		if err == nil {
			return e.merge(ctx, record, payload, order, 100)
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
	}

	candidates, err := e.fuzzyCandidates(ctx, anchors)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		best, ambiguous := RankCandidates(candidates)
		if ambiguous {
			return e.stageAmbiguous(ctx, record, anchors, candidates)
		}
		confidence := FuzzyConfidence(best.TimeDelta, e.Cfg.TimeWindow)
		if confidence >= float64(e.Cfg.FuzzyConfidenceFloor) {
			return e.merge(ctx, record, payload, best.Order, confidence)
		}
	}

	return e.insert(ctx, record, payload)
}

// fuzzyCandidates searches the time window around the record. Records that
// carry the business order number may only consolidate temporary orders:
// an order already owning a different real number is a different sale.
func (e *Engine) fuzzyCandidates(ctx context.Context, anchors models.RecordAnchors) ([]Candidate, error) {
	orders, err := e.Store.FindCandidates(ctx, CandidateQuery{
		MachineCode: anchors.MachineCode,
		Center:      anchors.Timestamp,
		Window:      e.Cfg.TimeWindow,
		Amount:      anchors.Amount,
		Tolerance:   e.Cfg.AmountTolerance,
	})
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(orders))
	for _, order := range orders {
		if anchors.OrderNumber != "" && !models.IsTemporaryOrderNumber(order.OrderNumber) {
			continue
		}
		candidates = append(candidates, NewCandidate(order, anchors))
	}
	return candidates, nil
}

func (e *Engine) stageAmbiguous(ctx context.Context, record *models.SourceRecord, anchors models.RecordAnchors, candidates []Candidate) (*MatchResult, error) {
	ids := make(models.IntList, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Order.ID)
	}
	if err := e.Store.StageRecord(ctx, record.ID, ids); err != nil {
		return nil, err
	}
	err := e.Store.RecordError(ctx, &models.OrderError{
		ErrorType:         models.OrderErrorTypeMatchAmbiguity,
		Severity:          models.ErrorSeverityMedium,
		Description:       fmt.Sprintf("record %d matches %d orders equally well within the window", record.ID, len(ids)),
		OrderNumber:       anchors.OrderNumber,
		MachineCode:       anchors.MachineCode,
		SourceFileID:      &record.SourceFileID,
		SourceRecordID:    &record.ID,
		CandidateOrderIDs: ids,
		SuggestedResolution: "pick the candidate order and resubmit the record against it, " +
			"or widen the match window if the streams' clocks have drifted",
	})
	if err != nil {
		return nil, err
	}
	return &MatchResult{Operation: models.MatchOperationAmbiguous}, nil
}

func (e *Engine) merge(ctx context.Context, record *models.SourceRecord, payload models.RecordPayload, order *models.UnifiedOrder, confidence float64) (*MatchResult, error) {
	current, err := e.Store.RowAsMap(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	anchors := payload.Anchors()
	plan := PlanMerge(current, payload, e.Cfg.AmountTolerance)

	if len(plan.Conflicts) > 0 {
		err := e.Store.RecordError(ctx, &models.OrderError{
			ErrorType:         models.OrderErrorTypeFieldConflict,
			Severity:          models.ErrorSeverityHigh,
			Description:       fmt.Sprintf("record %d disagrees with order %s on %d field(s)", record.ID, order.OrderNumber, len(plan.Conflicts)),
			OrderNumber:       order.OrderNumber,
			MachineCode:       order.MachineCode,
			OrderID:           &order.ID,
			SourceFileID:      &record.SourceFileID,
			SourceRecordID:    &record.ID,
			ConflictingValues: plan.ConflictValues(),
			SuggestedResolution: "both streams claim this sale with different values; keep the " +
				"existing value or correct it manually, then resolve",
		})
		if err != nil {
			return nil, err
		}
		return &MatchResult{
			Operation:   models.MatchOperationConflict,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Confidence:  confidence,
		}, nil
	}

	writes := plan.Writes
	changes := changeRows(plan.Changes, models.ChangeTypeMerge, record, confidence)

	if anchors.OrderNumber != "" && models.IsTemporaryOrderNumber(order.OrderNumber) {
		writes["order_number"] = anchors.OrderNumber
		changes = append(changes, changeRow("order_number", order.OrderNumber, anchors.OrderNumber, models.ChangeTypeMerge, record, confidence))
	}
	// Hardware owns the canonical event time.
	if payload.Kind() == models.SourceKindHardware && !anchors.Timestamp.IsZero() &&
		!anchors.Timestamp.UTC().Equal(order.EventTime.UTC()) {
		writes["event_time"] = anchors.Timestamp.UTC()
		changes = append(changes, changeRow("event_time", normalizeValue(order.EventTime), normalizeValue(anchors.Timestamp), models.ChangeTypeMerge, record, confidence))
	}

	sources := unionSources(order.Sources, string(payload.Kind()))
	if len(sources) != len(order.Sources) {
		score := models.MatchScoreForSources(len(sources))
		writes["sources"] = sources
		writes["match_score"] = score
		writes["is_temporary"] = len(sources) < e.Cfg.CorroborationSources && score < e.Cfg.PromoteScore
	}
	if !order.SourceFiles.Contains(record.SourceFileID) {
		writes["source_files"] = append(order.SourceFiles, record.SourceFileID)
	}
	now := time.Now().UTC()
	writes["last_matched_at"] = &now
	writes["version"] = order.Version + 1

	err = e.Store.ApplyMerge(ctx, MergeApply{
		OrderID:         order.ID,
		ExpectedVersion: order.Version,
		Writes:          writes,
		Changes:         changes,
		RecordID:        record.ID,
	})
	if err != nil {
		return nil, err
	}
	e.Logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"record_id":  record.ID,
		"kind":       payload.Kind(),
		"fields":     len(plan.Changes),
		"confidence": confidence,
	}).Debug("record merged into unified order")
	return &MatchResult{
		Operation:     models.MatchOperationMerge,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Confidence:    confidence,
		FieldsWritten: len(changes),
	}, nil
}

func (e *Engine) insert(ctx context.Context, record *models.SourceRecord, payload models.RecordPayload) (*MatchResult, error) {
	anchors := payload.Anchors()
	orderNumber := anchors.OrderNumber
	if orderNumber == "" {
		orderNumber = models.NewTemporaryOrderNumber()
	}
	now := time.Now().UTC()
	order := &models.UnifiedOrder{
		OrderNumber:   orderNumber,
		MachineCode:   anchors.MachineCode,
		OrderPrice:    anchors.Amount,
		EventTime:     anchors.Timestamp.UTC(),
		Sources:       models.StringList{string(payload.Kind())},
		SourceFiles:   models.IntList{record.SourceFileID},
		MatchScore:    models.MatchScoreForSources(1),
		IsTemporary:   true,
		LastMatchedAt: &now,
	}

	plan := PlanMerge(map[string]any{}, payload, e.Cfg.AmountTolerance)
	confidence := 100.0
	changes := changeRows(plan.Changes, models.ChangeTypeInsert, record, confidence)
	changes = append(changes, changeRow("order_number", "", orderNumber, models.ChangeTypeInsert, record, confidence))

	// The struct already carries the canonical anchors.
	delete(plan.Writes, "machine_code")
	delete(plan.Writes, "order_price")

	if err := e.Store.InsertOrder(ctx, order, plan.Writes, record.ID, changes); err != nil {
		return nil, err
	}
	e.Logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"record_id": record.ID,
		"kind":      payload.Kind(),
		"temporary": models.IsTemporaryOrderNumber(orderNumber),
	}).Debug("unified order created from record")
	return &MatchResult{
		Operation:     models.MatchOperationInsert,
		OrderID:       order.ID,
		OrderNumber:   orderNumber,
		Confidence:    confidence,
		FieldsWritten: len(changes),
	}, nil
}

func changeRows(fields []FieldChange, changeType models.ChangeType, record *models.SourceRecord, confidence float64) []*models.OrderChange {
	out := make([]*models.OrderChange, 0, len(fields))
	for _, f := range fields {
		out = append(out, changeRow(f.Column, f.Old, f.New, changeType, record, confidence))
	}
	return out
}

func changeRow(column, oldValue, newValue string, changeType models.ChangeType, record *models.SourceRecord, confidence float64) *models.OrderChange {
	c := confidence
	return &models.OrderChange{
		ChangeType:      changeType,
		FieldName:       column,
		OldValue:        oldValue,
		NewValue:        newValue,
		SourceFileID:    &record.SourceFileID,
		SourceRecordID:  &record.ID,
		MatchConfidence: &c,
		ChangeReason:    fmt.Sprintf("%s record %d", record.FileType, record.ID),
	}
}

func unionSources(sources models.StringList, kind string) models.StringList {
	for _, s := range sources {
		if s == kind {
			return sources
		}
	}
	out := append(models.StringList{}, sources...)
	out = append(out, kind)
	sort.Strings(out)
	return out
}
