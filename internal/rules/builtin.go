package rules

// FloatPtr returns a pointer to v, for rule band limits.
func FloatPtr(v float64) *float64 {
	return &v
}
