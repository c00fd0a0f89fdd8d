package models

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// SourceFile is one ingested batch file. Identity is (content_hash,
// file_type): re-uploading identical bytes for the same kind is rejected,
// never re-ingested.
type SourceFile struct {
	ID                int              `gorm:"primary_key" json:"id"`
	ContentHash       string           `gorm:"size:64;not null;uniqueIndex:idx_files_hash_type" json:"content_hash"`
	FileType          SourceKind       `gorm:"size:20;not null;uniqueIndex:idx_files_hash_type" json:"file_type"`
	DetectedLanguage  string           `gorm:"size:10" json:"detected_language"`
	Filename          string           `gorm:"size:255;not null" json:"filename"`
	OriginalName      string           `gorm:"size:255;not null" json:"original_name"`
	FileSize          int64            `json:"file_size"`
	DetectedEncoding  string           `gorm:"size:30" json:"detected_encoding"`
	DetectedDelimiter string           `gorm:"size:5" json:"detected_delimiter"`
	SheetNames        StringList       `gorm:"type:json" json:"sheet_names"`
	ProcessedSheet    string           `gorm:"size:100" json:"processed_sheet"`
	SimilarityPercent float64          `json:"similarity_percent"`
	ProcessingStatus  ProcessingStatus `gorm:"size:20;index;not null;default:pending" json:"processing_status"`
	ErrorMessage      string           `gorm:"type:text" json:"error_message"`
	RecordsCount      int              `json:"records_count"`
	ProcessedRecords  int              `json:"processed_records"`
	MatchedRecords    int              `json:"matched_records"`
	ErrorRecords      int              `json:"error_records"`
	ProcessingStartedAt  *time.Time    `json:"processing_started_at"`
	ProcessingFinishedAt *time.Time    `json:"processing_finished_at"`
	UploadedAt        time.Time        `gorm:"autoCreateTime" json:"uploaded_at"`
}

// ContentFingerprint is the dedup identity of raw file bytes.
func ContentFingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RegisterSourceFile is the single intake gate. It fingerprints the bytes,
// rejects duplicates, classifies the batch by its headers and registers a
// pending SourceFile. No record-level work happens here.
//
// Returned errors: utils.ErrorDuplicateFile (prior file in the returned
// *SourceFile), utils.ErrorSchemaMismatch (file registered with status
// error so the rejection stays visible).
func RegisterSourceFile(ctx context.Context, raw []byte, declaredKind SourceKind, originalName string, headers []string) (*SourceFile, error) {
	db := config.GetDB()
	hash := ContentFingerprint(raw)

	kind := declaredKind
	language := ""
	similarity := 0.0
	if len(headers) > 0 {
		detection := DetectFileType(ctx, headers, declaredKind)
		kind = detection.FileType
		language = detection.Language
		similarity = detection.MatchPercent
	}
	if kind == SourceKindUnknown || kind == "" {
		return nil, utils.ErrorSchemaMismatch
	}

	var prior SourceFile
	err := db.WithContext(ctx).
		Where("content_hash = ? AND file_type = ?", hash, kind).
		First(&prior).Error
	if err == nil {
		// Keep the rejected attempt visible in the error queue, pointing at
		// the file that already owns these bytes.
		_ = CreateOrderError(ctx, db, &OrderError{
			ErrorType:    OrderErrorTypeDuplicateFile,
			Severity:     ErrorSeverityLow,
			Description:  fmt.Sprintf("file %q re-uploaded; identical content already ingested as file #%d", originalName, prior.ID),
			SourceFileID: &prior.ID,
		})
		return &prior, utils.ErrorDuplicateFile
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	file := SourceFile{
		ContentHash:       hash,
		FileType:          kind,
		DetectedLanguage:  language,
		Filename:          fmt.Sprintf("%s_%s", hash[:12], originalName),
		OriginalName:      originalName,
		FileSize:          int64(len(raw)),
		SimilarityPercent: similarity,
		ProcessingStatus:  ProcessingStatusPending,
	}
	sniffFileFormat(raw, &file)

	if len(headers) > 0 && similarity < config.LoadMatchingConfig().ClassifyMinPercent {
		file.ProcessingStatus = ProcessingStatusError
		file.ErrorMessage = fmt.Sprintf("column match %.1f%% below threshold", similarity)
		if err := db.WithContext(ctx).Create(&file).Error; err != nil {
			return nil, err
		}
		_ = CreateOrderError(ctx, db, &OrderError{
			ErrorType:    OrderErrorTypeSchemaMismatch,
			Severity:     ErrorSeverityHigh,
			Description:  file.ErrorMessage,
			SourceFileID: &file.ID,
		})
		return &file, utils.ErrorSchemaMismatch
	}

	if err := db.WithContext(ctx).Create(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// sniffFileFormat records sheet names for xlsx content and delimiter +
// encoding for text content. Best effort; never fails registration.
func sniffFileFormat(raw []byte, file *SourceFile) {
	if bytes.HasPrefix(raw, []byte("PK")) {
		book, err := excelize.OpenReader(bytes.NewReader(raw))
		if err != nil {
			return
		}
		defer book.Close()
		file.SheetNames = book.GetSheetList()
		if len(file.SheetNames) > 0 {
			file.ProcessedSheet = file.SheetNames[0]
		}
		file.DetectedEncoding = "utf-8"
		return
	}

	sample := raw
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}) || utf8.Valid(sample) {
		file.DetectedEncoding = "utf-8"
	} else {
		// Regional exports that are not UTF-8 are invariably cp1251.
		file.DetectedEncoding = "windows-1251"
	}
	firstLine := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		firstLine = sample[:i]
	}
	best, bestCount := ",", 0
	for _, d := range []string{",", ";", "\t", "|"} {
		if n := bytes.Count(firstLine, []byte(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	if bestCount > 0 {
		file.DetectedDelimiter = best
	}
}

func GetSourceFile(ctx context.Context, id int) (*SourceFile, error) {
	db := config.GetDB()
	var file SourceFile
	if err := db.WithContext(ctx).First(&file, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &file, nil
}

// MarkFileProcessing transitions pending -> processing and stamps the start.
func MarkFileProcessing(ctx context.Context, id int, recordsCount int) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&SourceFile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processing_status":     ProcessingStatusProcessing,
			"processing_started_at": &now,
			"records_count":         gorm.Expr("records_count + ?", recordsCount),
		}).Error
}

// MarkFileFinished stamps the end of a batch run. The file ends in error
// status only when nothing at all was processed.
func MarkFileFinished(ctx context.Context, id int, errMessage string) error {
	db := config.GetDB()
	now := time.Now().UTC()
	status := ProcessingStatusCompleted
	if errMessage != "" {
		status = ProcessingStatusError
	}
	return db.WithContext(ctx).Model(&SourceFile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processing_status":      status,
			"error_message":          errMessage,
			"processing_finished_at": &now,
		}).Error
}

// AddFileCounts bumps the per-file progress counters inside the caller's tx.
func AddFileCounts(tx *gorm.DB, id int, processed, matched, errored int) error {
	return tx.Model(&SourceFile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_records": gorm.Expr("processed_records + ?", processed),
			"matched_records":   gorm.Expr("matched_records + ?", matched),
			"error_records":     gorm.Expr("error_records + ?", errored),
		}).Error
}

// FileProcessingProgress is the per-file progress view exposed to callers.
type FileProcessingProgress struct {
	ID                 int              `json:"id"`
	OriginalName       string           `json:"original_name"`
	FileType           SourceKind       `json:"file_type"`
	ProcessingStatus   ProcessingStatus `json:"processing_status"`
	RecordsCount       int              `json:"records_count"`
	ProcessedRecords   int              `json:"processed_records"`
	MatchedRecords     int              `json:"matched_records"`
	ErrorRecords       int              `json:"error_records"`
	ProcessingPercent  float64          `json:"processing_percentage"`
	MatchingPercent    float64          `json:"matching_percentage"`
	DurationSeconds    float64          `json:"processing_duration_seconds"`
	UploadedAt         time.Time        `json:"uploaded_at"`
	ErrorMessage       string           `json:"error_message,omitempty"`
}

func GetFileProgress(ctx context.Context, id int) (*FileProcessingProgress, error) {
	file, err := GetSourceFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return buildProgress(file), nil
}

func ListFileProgress(ctx context.Context) ([]*FileProcessingProgress, error) {
	db := config.GetDB()
	var files []*SourceFile
	if err := db.WithContext(ctx).Order("uploaded_at DESC").Limit(config.SearchLimit).Find(&files).Error; err != nil {
		return nil, err
	}
	out := make([]*FileProcessingProgress, 0, len(files))
	for _, f := range files {
		out = append(out, buildProgress(f))
	}
	return out, nil
}

func buildProgress(file *SourceFile) *FileProcessingProgress {
	p := &FileProcessingProgress{
		ID:               file.ID,
		OriginalName:     file.OriginalName,
		FileType:         file.FileType,
		ProcessingStatus: file.ProcessingStatus,
		RecordsCount:     file.RecordsCount,
		ProcessedRecords: file.ProcessedRecords,
		MatchedRecords:   file.MatchedRecords,
		ErrorRecords:     file.ErrorRecords,
		UploadedAt:       file.UploadedAt,
		ErrorMessage:     file.ErrorMessage,
	}
	if file.RecordsCount > 0 {
		p.ProcessingPercent = 100 * float64(file.ProcessedRecords+file.ErrorRecords) / float64(file.RecordsCount)
	}
	if file.ProcessedRecords > 0 {
		p.MatchingPercent = 100 * float64(file.MatchedRecords) / float64(file.ProcessedRecords)
	}
	if file.ProcessingStartedAt != nil {
		end := time.Now().UTC()
		if file.ProcessingFinishedAt != nil {
			end = *file.ProcessingFinishedAt
		}
		p.DurationSeconds = end.Sub(*file.ProcessingStartedAt).Seconds()
	}
	return p
}

// helper for handlers that accept either name or kind string
func KindFromRequest(s string) (SourceKind, error) {
	kind, err := ParseSourceKind(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return SourceKindUnknown, err
	}
	return kind, nil
}
