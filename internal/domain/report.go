package domain

import "time"

// Rejection reason codes. INPUT_VALIDATION and DUPLICATE_RECORD reject a
// single row and never abort the batch.
const (
	ReasonInputValidation = "INPUT_VALIDATION"
	ReasonDuplicateRecord = "DUPLICATE_RECORD"
)

// INPUT_VALIDATION detail codes.
const (
	DetailMissingField     = "MISSING_FIELD"
	DetailNonNumeric       = "NON_NUMERIC"
	DetailCoordOutOfRange  = "COORD_OUT_OF_RANGE"
	DetailTimestampOutside = "TIMESTAMP_OUT_OF_WINDOW"
)

// Rejection records a single rejected input row.
type Rejection struct {
	RowID  string `json:"rowId"` // upstream row identifier, preserved
	Source string `json:"source"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// BatchReport is the per-run acceptance and processing summary returned to
// the ingestion caller and persisted for operators.
type BatchReport struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
	Period   string `json:"period"`

	LandAccepted int `json:"landAccepted"`
	POSAccepted  int `json:"posAccepted"`

	Rejections []Rejection `json:"rejections,omitempty"`

	// Classification counts over accepted transactions.
	Normal          int `json:"normal"`
	OverEntitlement int `json:"overEntitlement"`
	Unentitled      int `json:"unentitled"`
	HardBlocked     int `json:"hardBlocked"`
	GeoFlagged      int `json:"geoFlagged"`
	Outliers        int `json:"outliers"`

	FlagsUpdated int `json:"flagsUpdated"`

	// Deferred lists entity IDs whose aggregation missed the batch
	// deadline. The runner folds their inputs into the next run for the
	// same tenant and period; the IDs here are the operator's record.
	Deferred []string `json:"deferred,omitempty"`
	TimedOut bool     `json:"timedOut,omitempty"`

	ModelVersion string    `json:"modelVersion,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
}
