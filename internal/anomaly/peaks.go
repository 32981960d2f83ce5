// Package anomaly flags samples that stand out against their own sequence mean.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"energy-metrics-monitor/internal/models"
)

// DefaultMultiplier marks a value as a peak once it exceeds the mean by 30%.
const DefaultMultiplier = 1.3

var ErrUnknownField = errors.New("unknown sample field")

// Field selects the sample value that is compared against the mean
type Field string

const (
	FieldApparentEnergy Field = "kvah"
	FieldApparentPower  Field = "kva"
	FieldActivePower    Field = "kw"
	FieldActiveEnergy   Field = "kwh"
	FieldPowerFactor    Field = "pf"
	FieldReactiveLag    Field = "kvarh_lag"
	FieldReactiveLead   Field = "kvarh_lead"
	FieldCO2            Field = "co2_emissions"
)

// ParseField resolves a field name; empty means active energy.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FieldActiveEnergy, nil
	}
	if _, err := f.value(models.EnergySample{}); err != nil {
		return "", err
	}
	return f, nil
}

func (f Field) value(s models.EnergySample) (float64, error) {
	switch f {
	case FieldApparentEnergy:
		return s.ApparentEnergy, nil
	case FieldApparentPower:
		return s.ApparentPower, nil
	case FieldActivePower:
		return s.ActivePower, nil
	case FieldActiveEnergy:
		return s.ActiveEnergy, nil
	case FieldPowerFactor:
		return s.PowerFactor, nil
	case FieldReactiveLag:
		return s.ReactiveEnergyLag, nil
	case FieldReactiveLead:
		return s.ReactiveEnergyLead, nil
	case FieldCO2:
		return s.CO2(), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, string(f))
	}
}

// Values extracts the field from every sample.
func Values(samples models.SampleSequence, field Field) ([]float64, error) {
	values := make([]float64, 0, len(samples))
	for i, s := range samples {
		v, err := field.value(s)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &models.MalformedSampleError{Index: i, Field: string(field), Value: v}
		}
		values = append(values, v)
	}
	return values, nil
}

// Threshold returns mean(values) * multiplier. A non-positive multiplier
// falls back to DefaultMultiplier.
func Threshold(values []float64, multiplier float64) (float64, error) {
	if len(values) == 0 {
		return 0, models.ErrEmptyInput
	}
	if multiplier <= 0 || math.IsNaN(multiplier) {
		multiplier = DefaultMultiplier
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)) * multiplier, nil
}

// FlagValues marks each value strictly above mean * multiplier.
func FlagValues(values []float64, multiplier float64) ([]bool, error) {
	threshold, err := Threshold(values, multiplier)
	if err != nil {
		return nil, err
	}
	flags := make([]bool, len(values))
	for i, v := range values {
		flags[i] = v > threshold
	}
	return flags, nil
}

// FlagPeaks flags samples whose field value exceeds the sequence mean times
// the multiplier. The result is aligned with samples.
func FlagPeaks(samples models.SampleSequence, field Field, multiplier float64) ([]bool, error) {
	if len(samples) == 0 {
		return nil, models.ErrEmptyInput
	}
	values, err := Values(samples, field)
	if err != nil {
		return nil, err
	}
	return FlagValues(values, multiplier)
}

// Peak describes one flagged sample
type Peak struct {
	Index     int     `json:"index"`
	DeviceID  string  `json:"device_id"`
	Label     string  `json:"label"`
	Field     Field   `json:"field"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Peaks returns only the flagged samples with the threshold they crossed.
func Peaks(samples models.SampleSequence, field Field, multiplier float64) ([]Peak, error) {
	if len(samples) == 0 {
		return nil, models.ErrEmptyInput
	}
	values, err := Values(samples, field)
	if err != nil {
		return nil, err
	}
	threshold, err := Threshold(values, multiplier)
	if err != nil {
		return nil, err
	}

	var peaks []Peak
	for i, v := range values {
		if v > threshold {
			peaks = append(peaks, Peak{
				Index:     i,
				DeviceID:  samples[i].DeviceID,
				Label:     samples[i].DisplayTime(),
				Field:     field,
				Value:     v,
				Threshold: threshold,
			})
		}
	}
	return peaks, nil
}
