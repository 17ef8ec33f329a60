package domain

import (
	"time"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies in the WGS84 coordinate range.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// LandRecord is a canonical land-ownership registry entry.
// Records are immutable per version; an update arrives as a new version
// that supersedes the old one, it never mutates it.
type LandRecord struct {
	FarmerID string `json:"farmerId"`
	TenantID string `json:"tenantId"`

	// Version increases with each registry update for the same farmer.
	Version int `json:"version"`

	AreaHectares float64  `json:"areaHectares"`
	Crop         string   `json:"crop"`
	Location     GeoPoint `json:"location"`

	RegisteredAt time.Time `json:"registeredAt"`
	IngestedAt   time.Time `json:"ingestedAt"`
}

// POSTransaction is a canonical point-of-sale subsidy redemption.
// Immutable once ingested.
type POSTransaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	DealerID string `json:"dealerId"`
	FarmerID string `json:"farmerId"`

	Item      string  `json:"item"`
	Quantity  float64 `json:"quantity"` // kg
	UnitPrice float64 `json:"unitPrice"`

	Timestamp time.Time `json:"timestamp"`
	Location  GeoPoint  `json:"location"`

	IngestedAt time.Time `json:"ingestedAt"`
}

// Entitlement status values.
const (
	EntitlementActive   = "ACTIVE"
	EntitlementInactive = "INACTIVE"
)

// EntitlementRecord is the derived subsidy ceiling for a farmer.
// At most one ACTIVE record may exist per (farmer, scheme, period) key.
type EntitlementRecord struct {
	FarmerID string `json:"farmerId"`
	TenantID string `json:"tenantId"`
	SchemeID string `json:"schemeId"`
	Item     string `json:"item"`
	Period   string `json:"period"`

	// CeilingQty is the maximum subsidized quantity for the period,
	// floored to the scheme's minimum purchasable unit.
	CeilingQty float64 `json:"ceilingQty"`

	Status string `json:"status"`

	// LandVersion is the land-record version this ceiling was derived from.
	LandVersion int       `json:"landVersion"`
	ComputedAt  time.Time `json:"computedAt"`
}

// Key returns the uniqueness key for the active-entitlement invariant.
func (e *EntitlementRecord) Key() string {
	return e.FarmerID + "|" + e.SchemeID + "|" + e.Period
}

// Transaction classifications from triangulation.
const (
	ClassNormal          = "NORMAL"
	ClassOverEntitlement = "OVER_ENTITLEMENT"
	ClassUnentitled      = "UNENTITLED"
)

// Geospatial plausibility flags.
const (
	FlagImpossibleTravel = "IMPOSSIBLE_TRAVEL"
	FlagOutOfRegion      = "OUT_OF_REGION"
	FlagDealerHotspot    = "DEALER_HOTSPOT"
)

// EnrichedTransaction is a POSTransaction joined against the entitlement
// and land registries, carrying derived fraud signals. It is owned by its
// source transaction and recomputed whenever inputs change.
type EnrichedTransaction struct {
	Tx *POSTransaction `json:"tx"`

	Classification string `json:"classification"`

	// ExcessRatio is quantity / ceiling. Nil when the purchase is
	// UNENTITLED: the ratio is undefined, never zero.
	ExcessRatio *float64 `json:"excessRatio,omitempty"`

	// HardBlockExceeded marks ratios above the configured multiplier.
	// A downstream signal, never an exception.
	HardBlockExceeded bool `json:"hardBlockExceeded,omitempty"`

	Entitlement *EntitlementRecord `json:"entitlement,omitempty"`

	GeoFlags []string `json:"geoFlags,omitempty"`

	Features FeatureVector `json:"features"`

	AnomalyScore float64 `json:"anomalyScore"`
	Outlier      bool    `json:"outlier"`
}

// FeatureVector is the model input derived from an enriched transaction.
type FeatureVector struct {
	ExcessRatio  float64 `json:"excessRatio"` // 0 when unentitled; see Unentitled
	Unentitled   float64 `json:"unentitled"`  // 1 when no entitlement exists
	GeoFlagCount float64 `json:"geoFlagCount"`
	HourOfDay    float64 `json:"hourOfDay"`
	QtyDeviation float64 `json:"qtyDeviation"` // z-score vs farmer's own history
	DealerAvgQty float64 `json:"dealerAvgQty"`
	DealerTxRate float64 `json:"dealerTxRate"`
}

// FeatureNames lists vector dimensions in Values() order.
var FeatureNames = []string{
	"excess_ratio", "unentitled", "geo_flag_count", "hour_of_day",
	"qty_deviation", "dealer_avg_qty", "dealer_tx_rate",
}

// Values returns the vector as an ordered slice for model consumption.
func (f FeatureVector) Values() []float64 {
	return []float64{
		f.ExcessRatio, f.Unentitled, f.GeoFlagCount, f.HourOfDay,
		f.QtyDeviation, f.DealerAvgQty, f.DealerTxRate,
	}
}
