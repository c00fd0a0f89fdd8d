package models

import "errors"

// SourceKind identifies which of the six transactional streams a file or
// record came from. The set is closed: the matching engine dispatches on it.
type SourceKind string

const (
	SourceKindHardware SourceKind = "hardware"
	SourceKindSales    SourceKind = "sales"
	SourceKindFiscal   SourceKind = "fiscal"
	SourceKindPayme    SourceKind = "payme"
	SourceKindClick    SourceKind = "click"
	SourceKindUzum     SourceKind = "uzum"
	SourceKindUnknown  SourceKind = "unknown"
)

var AllSourceKinds = []SourceKind{
	SourceKindHardware,
	SourceKindSales,
	SourceKindFiscal,
	SourceKindPayme,
	SourceKindClick,
	SourceKindUzum,
}

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceKindHardware, SourceKindSales, SourceKindFiscal,
		SourceKindPayme, SourceKindClick, SourceKindUzum:
		return SourceKind(s), nil
	}
	return SourceKindUnknown, errors.New("invalid source kind")
}

type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusError      ProcessingStatus = "error"
)

type ChangeType string

const (
	ChangeTypeInsert  ChangeType = "insert"
	ChangeTypeUpdate  ChangeType = "update"
	ChangeTypeMerge   ChangeType = "merge"
	ChangeTypeResolve ChangeType = "resolve"
)

type OrderErrorType string

const (
	OrderErrorTypeDuplicateFile    OrderErrorType = "duplicate_file"
	OrderErrorTypeSchemaMismatch   OrderErrorType = "schema_mismatch"
	OrderErrorTypeValidation       OrderErrorType = "validation"
	OrderErrorTypeMatchAmbiguity   OrderErrorType = "match_ambiguity"
	OrderErrorTypeFieldConflict    OrderErrorType = "field_conflict"
	OrderErrorTypeConcurrentUpdate OrderErrorType = "concurrent_update"
)

type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

type ResolutionStatus string

const (
	ResolutionStatusOpen     ResolutionStatus = "open"
	ResolutionStatusResolved ResolutionStatus = "resolved"
	ResolutionStatusRejected ResolutionStatus = "rejected"
)

// MatchOperation is what the engine reports back for one processed record.
type MatchOperation string

const (
	MatchOperationInsert    MatchOperation = "insert"
	MatchOperationMerge     MatchOperation = "merge"
	MatchOperationConflict  MatchOperation = "conflict"
	MatchOperationAmbiguous MatchOperation = "ambiguous"
)

// MatchQuality bands mirror the dashboard's reporting buckets.
type MatchQuality string

const (
	MatchQualityExcellent MatchQuality = "excellent" // score >= 90
	MatchQualityGood      MatchQuality = "good"      // 70..89
	MatchQualityFair      MatchQuality = "fair"      // 40..69
	MatchQualityPoor      MatchQuality = "poor"      // < 40
)

func QualityForScore(score int) MatchQuality {
	switch {
	case score >= 90:
		return MatchQualityExcellent
	case score >= 70:
		return MatchQualityGood
	case score >= 40:
		return MatchQualityFair
	default:
		return MatchQualityPoor
	}
}
