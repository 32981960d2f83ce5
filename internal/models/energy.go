package models

import (
	"math"
	"time"
)

const (
	// EmissionFactor is the grid emission factor in kg CO2 per kWh.
	EmissionFactor = 0.82

	// DefaultPricePerUnit is the tariff applied when no price is configured.
	DefaultPricePerUnit = 8.5

	// MinPricePerUnit is the floor a non-positive price is clamped to.
	MinPricePerUnit = 0.01

	// ImportedDeviceID labels samples that came from a file without a device column.
	ImportedDeviceID = "imported"
)

// EnergySample represents a single energy meter reading
type EnergySample struct {
	DeviceID           string    `json:"device_id"`
	Timestamp          time.Time `json:"timestamp"`
	Label              string    `json:"label,omitempty"`
	ApparentEnergy     float64   `json:"kvah"` // kVAh
	ApparentPower      float64   `json:"kva"`  // kVA
	ActivePower        float64   `json:"kw"`   // kW
	ActiveEnergy       float64   `json:"kwh"`  // kWh
	PowerFactor        float64   `json:"pf"`
	ReactiveEnergyLag  float64   `json:"kvarh_lag"`  // kVARh
	ReactiveEnergyLead float64   `json:"kvarh_lead"` // kVARh
}

// SampleSequence is an ordered run of samples. Operations never mutate it.
type SampleSequence []EnergySample

// Billing is the cost of the sample's active energy under the tariff.
func (s EnergySample) Billing(t Tariff) float64 {
	return s.ActiveEnergy * t.PricePerUnit
}

// CO2 is the emitted kg of CO2 for the sample's active energy.
func (s EnergySample) CO2() float64 {
	return s.ActiveEnergy * EmissionFactor
}

// Dated reports whether the timestamp carries a calendar date rather than
// only a time of day.
func (s EnergySample) Dated() bool {
	return s.Timestamp.Year() > 1
}

// DisplayTime returns the label if present, otherwise the RFC3339 timestamp.
func (s EnergySample) DisplayTime() string {
	if s.Label != "" {
		return s.Label
	}
	if s.Timestamp.IsZero() {
		return ""
	}
	return s.Timestamp.Format(time.RFC3339)
}

// Dated reports whether every sample in the sequence is dated.
func (seq SampleSequence) Dated() bool {
	if len(seq) == 0 {
		return false
	}
	for _, s := range seq {
		if !s.Dated() {
			return false
		}
	}
	return true
}

// Last returns the final sample of the sequence.
func (seq SampleSequence) Last() (EnergySample, error) {
	if len(seq) == 0 {
		return EnergySample{}, ErrEmptyInput
	}
	return seq[len(seq)-1], nil
}

// Tariff holds the price applied to active energy
type Tariff struct {
	PricePerUnit float64 `json:"price_per_unit"`
}

// DefaultTariff returns the tariff used when nothing is configured.
func DefaultTariff() Tariff {
	return Tariff{PricePerUnit: DefaultPricePerUnit}
}

// NewTariff builds a tariff for the given price. A non-positive or NaN price
// is clamped to MinPricePerUnit; the returned tariff is always usable and the
// error, when non-nil, is an *InvalidConfigurationError describing the clamp.
func NewTariff(pricePerUnit float64) (Tariff, error) {
	if math.IsNaN(pricePerUnit) || pricePerUnit <= 0 {
		return Tariff{PricePerUnit: MinPricePerUnit}, &InvalidConfigurationError{
			Key:     "price_per_unit",
			Value:   pricePerUnit,
			Applied: MinPricePerUnit,
		}
	}
	return Tariff{PricePerUnit: pricePerUnit}, nil
}

// SampleView is a sample together with its derived billing and CO2 figures
type SampleView struct {
	EnergySample
	Billing      float64 `json:"billing"`
	CO2Emissions float64 `json:"co2_emissions"`
}

// Views derives billing and CO2 for every sample under the tariff.
func (seq SampleSequence) Views(t Tariff) []SampleView {
	views := make([]SampleView, 0, len(seq))
	for _, s := range seq {
		views = append(views, SampleView{
			EnergySample: s,
			Billing:      s.Billing(t),
			CO2Emissions: s.CO2(),
		})
	}
	return views
}

// Summary holds aggregate statistics over a sample sequence. Values are not rounded.
type Summary struct {
	Count               int     `json:"count"`
	TotalActiveEnergy   float64 `json:"total_active_energy"`
	AverageActivePower  float64 `json:"average_active_power"`
	PeakActivePower     float64 `json:"peak_active_power"`
	TotalBilling        float64 `json:"total_billing"`
	AveragePowerFactor  float64 `json:"average_power_factor"`
	TotalCO2            float64 `json:"total_co2"`
	AverageCO2          float64 `json:"average_co2"`
	TotalApparentEnergy float64 `json:"total_apparent_energy"`
	TotalReactiveLag    float64 `json:"total_reactive_lag"`
	TotalReactiveLead   float64 `json:"total_reactive_lead"`
}

// Period names a summary report row
type Period string

const (
	PeriodToday     Period = "Today"
	PeriodYesterday Period = "Yesterday"
	PeriodThisMonth Period = "This Month"
	PeriodLatest    Period = "Latest"
)

// Status returns the label displayed next to a period row.
func (p Period) Status() string {
	switch p {
	case PeriodToday:
		return "Active"
	case PeriodYesterday:
		return "Completed"
	case PeriodThisMonth:
		return "In Progress"
	case PeriodLatest:
		return "Live"
	default:
		return ""
	}
}

// PeriodSummary is the aggregation of one report period
type PeriodSummary struct {
	Period             Period  `json:"period"`
	Samples            int     `json:"samples"`
	TotalEnergy        float64 `json:"total_energy"`
	TotalBilling       float64 `json:"total_billing"`
	PeakActivePower    float64 `json:"peak_active_power"`
	AveragePowerFactor float64 `json:"average_power_factor"`
	TotalCO2           float64 `json:"total_co2"`
	Status             string  `json:"status"`
	Estimated          bool    `json:"estimated"`
}

// Device represents a metered installation
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Import records one uploaded file and the samples parsed from it
type Import struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Filename     string    `json:"filename"`
	PricePerUnit float64   `json:"price_per_unit"`
	Records      int       `json:"records"`
	Skipped      int       `json:"skipped"`
	CreatedAt    time.Time `json:"created_at"`
}

// SampleQuery represents query parameters for sample searches
type SampleQuery struct {
	ImportID  string
	DeviceID  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}
