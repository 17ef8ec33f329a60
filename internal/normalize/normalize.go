// Package normalize translates heterogeneous upstream rows into the
// canonical record model. It is the single point of schema translation:
// no downstream component tolerates malformed input.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

// Row sources.
const (
	SourceLand = "land"
	SourcePOS  = "pos"
)

// RawRow is one upstream row before normalization. Fields are keyed by the
// upstream column names; the parser strategy maps them to canonical names.
type RawRow struct {
	RowID  string            `json:"rowId"`
	Source string            `json:"source"` // "land" or "pos"
	Fields map[string]string `json:"fields"`
}

// Result is the outcome of normalizing one batch of raw rows. Row-level
// failures land in Rejections; they never abort sibling rows.
type Result struct {
	Land       []*domain.LandRecord
	POS        []*domain.POSTransaction
	Rejections []domain.Rejection
}

// Normalizer validates and converts raw rows using a named parser strategy
// per source format.
type Normalizer struct {
	strategy Strategy
	window   time.Duration
	now      func() time.Time
}

// New creates a Normalizer for a format strategy. acceptWindow bounds how
// far a row timestamp may lie from ingestion time.
func New(strategy Strategy, acceptWindow time.Duration) *Normalizer {
	return &Normalizer{
		strategy: strategy,
		window:   acceptWindow,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeBatch validates each row independently and returns canonical
// records plus a rejection entry per failed row, row identifiers preserved.
func (n *Normalizer) NormalizeBatch(tenantID string, rows []RawRow) *Result {
	res := &Result{}
	seenTx := make(map[string]bool)

	for i, row := range rows {
		rowID := row.RowID
		if rowID == "" {
			rowID = fmt.Sprintf("row-%d", i)
		}

		switch row.Source {
		case SourceLand:
			rec, rej := n.normalizeLand(tenantID, rowID, row.Fields)
			if rej != nil {
				res.Rejections = append(res.Rejections, *rej)
				continue
			}
			res.Land = append(res.Land, rec)

		case SourcePOS:
			tx, rej := n.normalizePOS(tenantID, rowID, row.Fields)
			if rej != nil {
				res.Rejections = append(res.Rejections, *rej)
				continue
			}
			if seenTx[tx.ID] {
				res.Rejections = append(res.Rejections, domain.Rejection{
					RowID:  rowID,
					Source: SourcePOS,
					Code:   domain.ReasonDuplicateRecord,
					Detail: fmt.Sprintf("transaction %s already seen in batch", tx.ID),
				})
				continue
			}
			seenTx[tx.ID] = true
			res.POS = append(res.POS, tx)

		default:
			res.Rejections = append(res.Rejections, domain.Rejection{
				RowID:  rowID,
				Source: row.Source,
				Code:   domain.ReasonInputValidation,
				Detail: domain.DetailMissingField + ": unknown source " + row.Source,
			})
		}
	}

	return res
}

func (n *Normalizer) normalizeLand(tenantID, rowID string, fields map[string]string) (*domain.LandRecord, *domain.Rejection) {
	get := n.strategy.landField(fields)

	farmerID, err := requireString(get, "farmer_id")
	if err != nil {
		return nil, reject(rowID, SourceLand, err)
	}
	area, err := requireFloat(get, "area_hectares")
	if err != nil {
		return nil, reject(rowID, SourceLand, err)
	}
	if area <= 0 || math.IsNaN(area) || math.IsInf(area, 0) {
		return nil, reject(rowID, SourceLand, fieldErr(domain.DetailNonNumeric, "area_hectares must be a positive number"))
	}
	crop, err := requireString(get, "crop")
	if err != nil {
		return nil, reject(rowID, SourceLand, err)
	}
	loc, err := parsePoint(get)
	if err != nil {
		return nil, reject(rowID, SourceLand, err)
	}
	registeredAt, err := n.parseTimestamp(get, "registered_at")
	if err != nil {
		return nil, reject(rowID, SourceLand, err)
	}

	version := 1
	if v := get("version"); v != "" {
		parsed, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil || parsed < 1 {
			return nil, reject(rowID, SourceLand, fieldErr(domain.DetailNonNumeric, "version must be a positive integer"))
		}
		version = parsed
	}

	return &domain.LandRecord{
		FarmerID:     farmerID,
		TenantID:     tenantID,
		Version:      version,
		AreaHectares: area,
		Crop:         crop,
		Location:     loc,
		RegisteredAt: registeredAt,
		IngestedAt:   n.now(),
	}, nil
}

func (n *Normalizer) normalizePOS(tenantID, rowID string, fields map[string]string) (*domain.POSTransaction, *domain.Rejection) {
	get := n.strategy.posField(fields)

	txID, err := requireString(get, "transaction_id")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	dealerID, err := requireString(get, "dealer_id")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	farmerID, err := requireString(get, "farmer_id")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	item, err := requireString(get, "item")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	qty, err := requireFloat(get, "quantity")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return nil, reject(rowID, SourcePOS, fieldErr(domain.DetailNonNumeric, "quantity must be a positive number"))
	}
	unitPrice := 0.0
	if v := get("unit_price"); v != "" {
		unitPrice, err = requireFloat(get, "unit_price")
		if err != nil {
			return nil, reject(rowID, SourcePOS, err)
		}
	}
	loc, err := parsePoint(get)
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}
	ts, err := n.parseTimestamp(get, "timestamp")
	if err != nil {
		return nil, reject(rowID, SourcePOS, err)
	}

	return &domain.POSTransaction{
		ID:         txID,
		TenantID:   tenantID,
		DealerID:   dealerID,
		FarmerID:   farmerID,
		Item:       item,
		Quantity:   qty,
		UnitPrice:  unitPrice,
		Timestamp:  ts,
		Location:   loc,
		IngestedAt: n.now(),
	}, nil
}

// parseTimestamp parses an RFC3339 timestamp and enforces the acceptance
// window around ingestion time.
func (n *Normalizer) parseTimestamp(get func(string) string, field string) (time.Time, error) {
	raw := get(field)
	if raw == "" {
		return time.Time{}, fieldErr(domain.DetailMissingField, field+" is required")
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fieldErr(domain.DetailNonNumeric, field+" is not a valid RFC3339 timestamp")
	}
	if n.window > 0 {
		now := n.now()
		if ts.Before(now.Add(-n.window)) || ts.After(now.Add(n.window)) {
			return time.Time{}, fieldErr(domain.DetailTimestampOutside, fmt.Sprintf("%s %s outside acceptance window", field, ts.Format(time.RFC3339)))
		}
	}
	return ts.UTC(), nil
}

func parsePoint(get func(string) string) (domain.GeoPoint, error) {
	lat, err := requireFloat(get, "lat")
	if err != nil {
		return domain.GeoPoint{}, err
	}
	lon, err := requireFloat(get, "lon")
	if err != nil {
		return domain.GeoPoint{}, err
	}
	p := domain.GeoPoint{Lat: lat, Lon: lon}
	if !p.Valid() {
		return domain.GeoPoint{}, fieldErr(domain.DetailCoordOutOfRange, fmt.Sprintf("coordinate (%v, %v) out of range", lat, lon))
	}
	return p, nil
}

func requireString(get func(string) string, field string) (string, error) {
	v := strings.TrimSpace(get(field))
	if v == "" {
		return "", fieldErr(domain.DetailMissingField, field+" is required")
	}
	return v, nil
}

func requireFloat(get func(string) string, field string) (float64, error) {
	raw := strings.TrimSpace(get(field))
	if raw == "" {
		return 0, fieldErr(domain.DetailMissingField, field+" is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fieldErr(domain.DetailNonNumeric, field+" is not numeric: "+raw)
	}
	return v, nil
}

// validationError carries the INPUT_VALIDATION detail code.
type validationError struct {
	detail string
	msg    string
}

func (e *validationError) Error() string { return e.detail + ": " + e.msg }

func fieldErr(detail, msg string) error {
	return &validationError{detail: detail, msg: msg}
}

func reject(rowID, source string, err error) *domain.Rejection {
	return &domain.Rejection{
		RowID:  rowID,
		Source: source,
		Code:   domain.ReasonInputValidation,
		Detail: err.Error(),
	}
}
