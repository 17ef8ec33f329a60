package normalize

import "fmt"

// Strategy is a named parser strategy: it maps one upstream source format's
// column names onto canonical field names. Heterogeneous formats are a fixed
// set of tagged strategies, not runtime reflection.
type Strategy struct {
	// Name tags the upstream format, e.g. "canonical", "state-portal-v2".
	Name string

	// LandFields and POSFields map canonical field name -> upstream column
	// name. Missing entries fall through to the canonical name itself.
	LandFields map[string]string
	POSFields  map[string]string
}

// Canonical is the identity strategy: upstream columns already use the
// canonical field names.
func Canonical() Strategy {
	return Strategy{Name: "canonical"}
}

// NewStrategy builds a mapped strategy for a named upstream format.
func NewStrategy(name string, landFields, posFields map[string]string) (Strategy, error) {
	if name == "" {
		return Strategy{}, fmt.Errorf("strategy name is required")
	}
	return Strategy{Name: name, LandFields: landFields, POSFields: posFields}, nil
}

func (s Strategy) landField(fields map[string]string) func(string) string {
	return s.lookup(s.LandFields, fields)
}

func (s Strategy) posField(fields map[string]string) func(string) string {
	return s.lookup(s.POSFields, fields)
}

func (s Strategy) lookup(mapping map[string]string, fields map[string]string) func(string) string {
	return func(canonical string) string {
		col := canonical
		if mapping != nil {
			if mapped, ok := mapping[canonical]; ok {
				col = mapped
			}
		}
		return fields[col]
	}
}
