// Package geo evaluates transaction sequences for physically implausible
// movement and for purchases far from the registered landholding.
package geo

import (
	"math"
	"sort"

	"github.com/opensource-agri/heron/internal/domain"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Checker applies the independent, additive geospatial checks. A transaction
// may carry zero, one, or several flags.
type Checker struct {
	MaxSpeedKmh  float64
	HomeRadiusKm float64
	HotspotZ     float64
}

// NewChecker creates a checker from batch configuration.
func NewChecker(cfg domain.BatchConfig) *Checker {
	return &Checker{
		MaxSpeedKmh:  cfg.MaxSpeedKmh,
		HomeRadiusKm: cfg.HomeRadiusKm,
		HotspotZ:     cfg.HotspotZ,
	}
}

// CheckVelocity walks a single identity's transactions in time order and
// flags IMPOSSIBLE_TRAVEL on both endpoints of every consecutive pair whose
// implied speed exceeds the plausible maximum. The same sequence check runs
// per farmer ID and per dealer ID.
func (c *Checker) CheckVelocity(seq []*domain.EnrichedTransaction) {
	if len(seq) < 2 {
		return
	}

	ordered := make([]*domain.EnrichedTransaction, len(seq))
	copy(ordered, seq)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tx.Timestamp.Before(ordered[j].Tx.Timestamp)
	})

	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]

		distKm := Haversine(prev.Tx.Location, cur.Tx.Location)
		if distKm == 0 {
			continue
		}

		elapsedH := cur.Tx.Timestamp.Sub(prev.Tx.Timestamp).Hours()
		// Zero elapsed time with nonzero distance is impossible outright.
		if elapsedH <= 0 || distKm/elapsedH > c.MaxSpeedKmh {
			addFlag(prev, domain.FlagImpossibleTravel)
			addFlag(cur, domain.FlagImpossibleTravel)
		}
	}
}

// CheckLocality flags OUT_OF_REGION when a purchase lies farther than the
// configured radius from the farmer's registered landholding.
func (c *Checker) CheckLocality(tx *domain.EnrichedTransaction, home domain.GeoPoint) {
	if Haversine(tx.Tx.Location, home) > c.HomeRadiusKm {
		addFlag(tx, domain.FlagOutOfRegion)
	}
}

// HotspotDealers returns the dealers whose period transaction count exceeds
// the regional mean by more than HotspotZ standard deviations; a proxy for
// ghost-beneficiary farming at a single point of sale.
func (c *Checker) HotspotDealers(counts map[string]int) map[string]bool {
	if len(counts) < 2 {
		return nil
	}

	var sum float64
	for _, n := range counts {
		sum += float64(n)
	}
	mean := sum / float64(len(counts))

	var variance float64
	for _, n := range counts {
		d := float64(n) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(counts)))
	if std == 0 {
		return nil
	}

	threshold := mean + c.HotspotZ*std
	hot := make(map[string]bool)
	for dealer, n := range counts {
		if float64(n) > threshold {
			hot[dealer] = true
		}
	}
	return hot
}

// FlagDealer marks a transaction as belonging to a hotspot dealer.
func FlagDealer(tx *domain.EnrichedTransaction) {
	addFlag(tx, domain.FlagDealerHotspot)
}

func addFlag(tx *domain.EnrichedTransaction, flag string) {
	for _, f := range tx.GeoFlags {
		if f == flag {
			return
		}
	}
	tx.GeoFlags = append(tx.GeoFlags, flag)
	tx.Features.GeoFlagCount = float64(len(tx.GeoFlags))
}
