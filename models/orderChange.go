package models

import (
	"context"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"gorm.io/gorm"
)

// OrderChange is the append-only audit trail of a unified order. One row per
// written field, in the same transaction as the write itself, so the trail
// can never disagree with the order. Rows are never updated or deleted.
type OrderChange struct {
	ID                int        `gorm:"primary_key" json:"id"`
	OrderID           int        `gorm:"index:idx_changes_order_seq;not null" json:"order_id"`
	Seq               int        `gorm:"index:idx_changes_order_seq;not null" json:"seq"`
	ChangeType        ChangeType `gorm:"size:10;not null" json:"change_type"`
	FieldName         string     `gorm:"size:100;not null" json:"field_name"`
	OldValue          string     `gorm:"type:text" json:"old_value"`
	NewValue          string     `gorm:"type:text" json:"new_value"`
	SourceFileID      *int       `json:"source_file_id"`
	SourceRecordID    *int       `json:"source_record_id"`
	MatchConfidence   *float64   `json:"match_confidence"`
	ChangeReason      string     `gorm:"size:255" json:"change_reason"`
	ChangedBy         string     `gorm:"size:100" json:"changed_by"`
	ProcessingBatchID string     `gorm:"size:64;index" json:"processing_batch_id"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// AppendOrderChange writes one audit row inside the caller's tx. Seq is
// assigned here; callers holding the order's row lock get gapless ordering.
func AppendOrderChange(ctx context.Context, tx *gorm.DB, change *OrderChange) error {
	var last int
	err := tx.Model(&OrderChange{}).
		Where("order_id = ?", change.OrderID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	if err != nil {
		return err
	}
	change.Seq = last + 1
	if change.ChangedBy == "" {
		change.ChangedBy = "system"
	}
	if change.ProcessingBatchID == "" {
		change.ProcessingBatchID, _ = utils.GetBatchIdFromContext(ctx)
	}
	return tx.Create(change).Error
}

// AppendOrderChanges writes a set of audit rows with consecutive seqs.
func AppendOrderChanges(ctx context.Context, tx *gorm.DB, changes []*OrderChange) error {
	for _, change := range changes {
		if err := AppendOrderChange(ctx, tx, change); err != nil {
			return err
		}
	}
	return nil
}

// GetOrderChanges returns the full trail of one order in seq order.
func GetOrderChanges(ctx context.Context, orderID int) ([]*OrderChange, error) {
	var out []*OrderChange
	err := config.GetDB().WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
