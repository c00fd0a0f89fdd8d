package models

import (
	"context"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"gorm.io/gorm"
)

// OrderError is one entry of the manual review queue. Every rejection the
// pipeline makes, from duplicate files down to single-field conflicts, lands
// here instead of being silently dropped. Resolving an entry never mutates
// the order it points at; an operator does that explicitly.
type OrderError struct {
	ID                  int              `gorm:"primary_key" json:"id"`
	ErrorType           OrderErrorType   `gorm:"size:30;index;not null" json:"error_type"`
	Severity            ErrorSeverity    `gorm:"size:10;index;not null;default:medium" json:"severity"`
	Description         string           `gorm:"type:text;not null" json:"description"`
	OrderNumber         string           `gorm:"size:100;index" json:"order_number"`
	MachineCode         string           `gorm:"size:50" json:"machine_code"`
	SourceFileID        *int             `gorm:"index" json:"source_file_id"`
	SourceRecordID      *int             `json:"source_record_id"`
	OrderID             *int             `gorm:"index" json:"order_id"`
	CandidateOrderIDs   IntList          `gorm:"type:json" json:"candidate_order_ids"`
	ConflictingValues   JSONMap          `gorm:"type:json" json:"conflicting_values"`
	SuggestedResolution string           `gorm:"type:text" json:"suggested_resolution"`
	ProcessingBatchID   string           `gorm:"size:64;index" json:"processing_batch_id"`
	ResolutionStatus    ResolutionStatus `gorm:"size:10;index;not null;default:open" json:"resolution_status"`
	ResolvedBy          string           `gorm:"size:100" json:"resolved_by"`
	ResolvedAt          *time.Time       `json:"resolved_at"`
	ResolutionNote      string           `gorm:"type:text" json:"resolution_note"`
	CreatedAt           time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// CreateOrderError records one review-queue entry inside the caller's tx.
func CreateOrderError(ctx context.Context, tx *gorm.DB, e *OrderError) error {
	if e.Severity == "" {
		e.Severity = ErrorSeverityMedium
	}
	if e.ResolutionStatus == "" {
		e.ResolutionStatus = ResolutionStatusOpen
	}
	if e.ProcessingBatchID == "" {
		e.ProcessingBatchID, _ = utils.GetBatchIdFromContext(ctx)
	}
	return tx.WithContext(ctx).Create(e).Error
}

// OrderErrorFilter narrows ListOrderErrors. Zero values mean "any".
type OrderErrorFilter struct {
	ErrorType    OrderErrorType
	Severity     ErrorSeverity
	Status       ResolutionStatus
	SourceFileID int
	OrderNumber  string
	Limit        int
}

func ListOrderErrors(ctx context.Context, filter OrderErrorFilter) ([]*OrderError, error) {
	db := config.GetDB().WithContext(ctx).Model(&OrderError{})
	if filter.ErrorType != "" {
		db = db.Where("error_type = ?", filter.ErrorType)
	}
	if filter.Severity != "" {
		db = db.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		db = db.Where("resolution_status = ?", filter.Status)
	}
	if filter.SourceFileID > 0 {
		db = db.Where("source_file_id = ?", filter.SourceFileID)
	}
	if filter.OrderNumber != "" {
		db = db.Where("order_number = ?", filter.OrderNumber)
	}
	limit := filter.Limit
	if limit <= 0 || limit > config.SearchLimit {
		limit = config.SearchLimit
	}
	var out []*OrderError
	if err := db.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func GetOrderError(ctx context.Context, id int) (*OrderError, error) {
	var e OrderError
	if err := config.GetDB().WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &e, nil
}

// ResolveOrderError closes a review-queue entry. When the entry points at an
// order, the resolution itself is audited on that order's change history. The
// order data stays untouched.
func ResolveOrderError(ctx context.Context, id int, status ResolutionStatus, resolvedBy, note string) (*OrderError, error) {
	if status != ResolutionStatusResolved && status != ResolutionStatusRejected {
		return nil, utils.ErrorValidation
	}
	db := config.GetDB()
	var e OrderError
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&e, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if e.ResolutionStatus != ResolutionStatusOpen {
			return utils.ErrorValidation
		}
		now := time.Now().UTC()
		e.ResolutionStatus = status
		e.ResolvedBy = resolvedBy
		e.ResolvedAt = &now
		e.ResolutionNote = note
		if err := tx.Model(&OrderError{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"resolution_status": status,
				"resolved_by":       resolvedBy,
				"resolved_at":       &now,
				"resolution_note":   note,
			}).Error; err != nil {
			return err
		}
		if e.OrderID != nil {
			return AppendOrderChange(ctx, tx, &OrderChange{
				OrderID:      *e.OrderID,
				ChangeType:   ChangeTypeResolve,
				FieldName:    "resolution_status",
				OldValue:     string(ResolutionStatusOpen),
				NewValue:     string(status),
				ChangeReason: note,
				ChangedBy:    resolvedBy,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}
