package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Normalizer turns one batch of typed rows into immutable SourceRecords and
// feeds them through the matching engine. Row failures never abort the
// batch: the bad row lands in the review queue and its siblings continue.
type Normalizer struct {
	Engine   *Engine
	Validate *validator.Validate
	Logger   *logrus.Logger
}

func NewNormalizer(engine *Engine) *Normalizer {
	return &Normalizer{
		Engine:   engine,
		Validate: validator.New(),
		Logger:   config.GetLogger(),
	}
}

// BatchResult sums up one NormalizeBatch call. Errored counts rows that
// never entered the engine; conflict and ambiguous rows are processed but
// unmatched, visible through Operations and the Matched gap.
type BatchResult struct {
	Processed  int                           `json:"processed"`
	Matched    int                           `json:"matched"`
	Errored    int                           `json:"errored"`
	Operations map[models.MatchOperation]int `json:"operations"`
}

func (r *BatchResult) tally(op models.MatchOperation) {
	r.Processed++
	r.Operations[op]++
	switch op {
	case models.MatchOperationInsert, models.MatchOperationMerge:
		r.Matched++
	}
}

// ValidatePayload enforces the per-kind required anchors on a decoded row.
func ValidatePayload(v *validator.Validate, payload models.RecordPayload) error {
	if err := v.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrorValidation, err.Error())
	}
	return nil
}

// NormalizeBatch ingests rows for one registered file, preserving file
// order. Rows are raw JSON objects of the file's kind.
func (n *Normalizer) NormalizeBatch(ctx context.Context, file *models.SourceFile, rows []json.RawMessage) (*BatchResult, error) {
	if file.ProcessingStatus != models.ProcessingStatusPending &&
		file.ProcessingStatus != models.ProcessingStatusProcessing {
		return nil, utils.ErrorValidation
	}
	if err := models.MarkFileProcessing(ctx, file.ID, len(rows)); err != nil {
		return nil, err
	}

	db := config.GetDB()
	result := &BatchResult{Operations: map[models.MatchOperation]int{}}
	startIndex := file.RecordsCount

	for i, raw := range rows {
		rowIndex := startIndex + i
		payload, err := models.DecodePayloadFor(file.FileType, raw)
		if err == nil {
			err = ValidatePayload(n.Validate, payload)
		}
		if err != nil {
			result.Errored++
			_ = models.CreateOrderError(ctx, db, &models.OrderError{
				ErrorType:    models.OrderErrorTypeValidation,
				Severity:     models.ErrorSeverityMedium,
				Description:  fmt.Sprintf("row %d of file %d rejected: %s", rowIndex, file.ID, err.Error()),
				SourceFileID: &file.ID,
			})
			continue
		}

		record, err := models.NewSourceRecord(file.ID, rowIndex, payload)
		if err != nil {
			result.Errored++
			continue
		}
		if err := db.WithContext(ctx).Create(record).Error; err != nil {
			config.LogError(n.Logger, "workflow", "NormalizeBatch", "create source record", rowIndex, err)
			result.Errored++
			continue
		}

		match, err := n.Engine.MatchRecord(ctx, record)
		if err != nil {
			config.LogError(n.Logger, "workflow", "NormalizeBatch", "match record", record.ID, err)
			result.Errored++
			continue
		}
		result.tally(match.Operation)
	}

	if err := models.AddFileCounts(db.WithContext(ctx), file.ID, result.Processed, result.Matched, result.Errored); err != nil {
		return nil, err
	}
	errMessage := ""
	if result.Processed == 0 && result.Errored > 0 {
		errMessage = fmt.Sprintf("all %d rows of the batch failed", result.Errored)
	}
	if err := models.MarkFileFinished(ctx, file.ID, errMessage); err != nil {
		return nil, err
	}
	return result, nil
}
