package domain

// Scheme defines subsidy entitlement rules for one item under one scheme.
// Rates map crop type to the per-hectare ceiling for that crop/item pair.
type Scheme struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Item is the subsidized item this scheme governs (e.g. "fertilizer").
	Item string `json:"item"`

	// RatePerHectare maps crop type to kg of Item per hectare.
	RatePerHectare map[string]float64 `json:"ratePerHectare"`

	// MinUnit is the minimum purchasable unit in kg; ceilings are floored
	// to a multiple of it.
	MinUnit float64 `json:"minUnit"`
}

// SchemeSet is the scheme-rule configuration for a batch run. Read-only
// reference data once the run starts.
type SchemeSet struct {
	Schemes []Scheme `json:"schemes"`
}

// ForItem returns the schemes applicable to an item type.
func (s *SchemeSet) ForItem(item string) []Scheme {
	var out []Scheme
	for _, sc := range s.Schemes {
		if sc.Item == item {
			out = append(out, sc)
		}
	}
	return out
}

// Rate returns the per-hectare rate for a crop, if the scheme covers it.
func (s *Scheme) Rate(crop string) (float64, bool) {
	rate, ok := s.RatePerHectare[crop]
	return rate, ok
}
