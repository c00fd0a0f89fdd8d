package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CandidateQuery bounds the fuzzy candidate search around a record's anchors.
type CandidateQuery struct {
	MachineCode string
	Center      time.Time
	Window      time.Duration
	Amount      decimal.Decimal
	Tolerance   decimal.Decimal
}

// MergeApply is one atomic merge: the column writes, their audit rows and
// the record being consumed, guarded by the order's version.
type MergeApply struct {
	OrderID         int
	ExpectedVersion int
	Writes          map[string]any
	Changes         []*models.OrderChange
	RecordID        int
}

// OrderStore is the persistence seam of the matching engine. The production
// implementation runs on gorm; tests run on an in-memory fake.
type OrderStore interface {
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.UnifiedOrder, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*models.UnifiedOrder, error)
	RowAsMap(ctx context.Context, orderID int) (map[string]any, error)
	// InsertOrder creates the order, applies the group writes and marks the
	// record consumed in one tx. A lost create race returns
	// utils.ErrorDuplicateKey.
	InsertOrder(ctx context.Context, order *models.UnifiedOrder, writes map[string]any, recordID int, changes []*models.OrderChange) error
	// ApplyMerge performs the writes iff the version still matches, else
	// utils.ErrorConcurrentUpdate.
	ApplyMerge(ctx context.Context, apply MergeApply) error
	StageRecord(ctx context.Context, recordID int, candidateIDs models.IntList) error
	RecordError(ctx context.Context, e *models.OrderError) error
	// RetireStale marks temporary orders whose last corroboration predates
	// cutoff as permanently partial. Returns the number retired.
	RetireStale(ctx context.Context, cutoff time.Time) (int64, error)
	// SweepableRecords returns unmatched, unstaged records created before
	// cutoff that are not parked behind a live review-queue entry.
	SweepableRecords(ctx context.Context, cutoff time.Time, limit int) ([]*models.SourceRecord, error)
	// Lock runs fn while holding the named cross-instance lock.
	Lock(ctx context.Context, key string, fn func() error) error
}

// NewOrderStore returns the gorm-backed store.
func NewOrderStore() OrderStore {
	return &dbOrderStore{}
}

type dbOrderStore struct{}

func (s *dbOrderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.UnifiedOrder, error) {
	return models.GetUnifiedOrderByNumber(ctx, orderNumber)
}

func (s *dbOrderStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]*models.UnifiedOrder, error) {
	db := config.GetDB().WithContext(ctx).Model(&models.UnifiedOrder{}).
		Where("permanently_partial = ?", false).
		Where("event_time BETWEEN ? AND ?", q.Center.Add(-q.Window), q.Center.Add(q.Window))
	if q.MachineCode != "" {
		db = db.Where("machine_code = ? OR machine_code = ''", q.MachineCode)
	}
	if !q.Amount.IsZero() {
		db = db.Where("order_price = 0 OR ABS(order_price - ?) <= ?", q.Amount, q.Tolerance)
	}
	var out []*models.UnifiedOrder
	if err := db.Limit(config.SearchLimit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *dbOrderStore) RowAsMap(ctx context.Context, orderID int) (map[string]any, error) {
	return models.OrderRowAsMap(config.GetDB().WithContext(ctx), orderID)
}

func (s *dbOrderStore) InsertOrder(ctx context.Context, order *models.UnifiedOrder, writes map[string]any, recordID int, changes []*models.OrderChange) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			if isDuplicateKey(err) {
				return utils.ErrorDuplicateKey
			}
			return err
		}
		if len(writes) > 0 {
			err := tx.Model(&models.UnifiedOrder{}).
				Where("id = ?", order.ID).
				Updates(writes).Error
			if err != nil {
				return err
			}
		}
		for _, change := range changes {
			change.OrderID = order.ID
		}
		if err := models.AppendOrderChanges(ctx, tx, changes); err != nil {
			return err
		}
		return tx.Model(&models.SourceRecord{}).
			Where("id = ?", recordID).
			Updates(map[string]interface{}{"matched_order_id": order.ID, "staged": false}).Error
	})
}

func (s *dbOrderStore) ApplyMerge(ctx context.Context, apply MergeApply) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UnifiedOrder{}).
			Where("id = ? AND version = ?", apply.OrderID, apply.ExpectedVersion).
			Updates(apply.Writes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorConcurrentUpdate
		}
		for _, change := range apply.Changes {
			change.OrderID = apply.OrderID
		}
		if err := models.AppendOrderChanges(ctx, tx, apply.Changes); err != nil {
			return err
		}
		return tx.Model(&models.SourceRecord{}).
			Where("id = ?", apply.RecordID).
			Updates(map[string]interface{}{"matched_order_id": apply.OrderID, "staged": false}).Error
	})
}

func (s *dbOrderStore) StageRecord(ctx context.Context, recordID int, candidateIDs models.IntList) error {
	_ = candidateIDs
	return config.GetDB().WithContext(ctx).Model(&models.SourceRecord{}).
		Where("id = ?", recordID).
		Update("staged", true).Error
}

func (s *dbOrderStore) RecordError(ctx context.Context, e *models.OrderError) error {
	return models.CreateOrderError(ctx, config.GetDB(), e)
}

func (s *dbOrderStore) RetireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	// The retirement clock is the time since the order last gained
	// corroboration, not the business event time: settlement feeds arrive
	// T+1, so a backfilled order's event_time is routinely past the horizon
	// the moment it is created.
	res := config.GetDB().WithContext(ctx).Model(&models.UnifiedOrder{}).
		Where("is_temporary = ? AND permanently_partial = ?", true, false).
		Where("COALESCE(last_matched_at, created_at) < ?", cutoff).
		Updates(map[string]interface{}{"permanently_partial": true})
	return res.RowsAffected, res.Error
}

func (s *dbOrderStore) SweepableRecords(ctx context.Context, cutoff time.Time, limit int) ([]*models.SourceRecord, error) {
	var records []*models.SourceRecord
	err := config.GetDB().WithContext(ctx).
		Where("matched_order_id IS NULL AND staged = ?", false).
		Where("created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM order_errors WHERE order_errors.source_record_id = source_records.id AND order_errors.resolution_status <> ?)",
			models.ResolutionStatusRejected).
		Order("created_at").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (s *dbOrderStore) Lock(ctx context.Context, key string, fn func() error) error {
	db := config.GetDB().WithContext(ctx)
	// GET_LOCK is connection-scoped; pin one connection for the duration.
	return db.Connection(func(conn *gorm.DB) error {
		if err := AcquireMatchLock(conn, key); err != nil {
			return err
		}
		defer ReleaseMatchLock(conn, key)
		return fn()
	})
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
