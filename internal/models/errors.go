package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyInput is returned when an aggregate is requested over no samples.
var ErrEmptyInput = errors.New("empty sample sequence")

// MalformedSampleError names the sample field that carried an unusable value
type MalformedSampleError struct {
	Index int
	Field string
	Value float64
}

func (e *MalformedSampleError) Error() string {
	return fmt.Sprintf("sample %d: malformed %s value %v", e.Index, e.Field, e.Value)
}

// InvalidConfigurationError reports a configuration value that was replaced
type InvalidConfigurationError struct {
	Key     string
	Value   float64
	Applied float64
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v, using %v", e.Key, e.Value, e.Applied)
}

// CheckFinite returns a *MalformedSampleError for the first NaN or infinite
// numeric field of the sample.
func CheckFinite(index int, s EnergySample) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"kvah", s.ApparentEnergy},
		{"kva", s.ApparentPower},
		{"kw", s.ActivePower},
		{"kwh", s.ActiveEnergy},
		{"pf", s.PowerFactor},
		{"kvarh_lag", s.ReactiveEnergyLag},
		{"kvarh_lead", s.ReactiveEnergyLead},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &MalformedSampleError{Index: index, Field: f.name, Value: f.value}
		}
	}
	return nil
}
