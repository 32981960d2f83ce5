// Package environment derives sustainability figures from energy summaries.
package environment

import (
	"energy-metrics-monitor/internal/models"
)

// TreeAbsorptionKg is the CO2 one tree absorbs per year.
const TreeAbsorptionKg = 22.0

// Level classifies average hourly emissions
type Level string

const (
	LevelLow      Level = "Low"
	LevelModerate Level = "Moderate"
	LevelHigh     Level = "High"
)

// Thresholds are the kg CO2 per hour cut points between levels
type Thresholds struct {
	Low      float64 `mapstructure:"low_threshold" json:"low_threshold"`
	Moderate float64 `mapstructure:"moderate_threshold" json:"moderate_threshold"`
}

// DefaultThresholds returns the 30 / 50 kg CO2 per hour cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Moderate: 50}
}

// Level returns Low below t.Low, Moderate below t.Moderate and High otherwise.
func (t Thresholds) Level(averageCO2PerHour float64) Level {
	switch {
	case averageCO2PerHour < t.Low:
		return LevelLow
	case averageCO2PerHour < t.Moderate:
		return LevelModerate
	default:
		return LevelHigh
	}
}

// EmissionLevel classifies with the default thresholds.
func EmissionLevel(averageCO2PerHour float64) Level {
	return DefaultThresholds().Level(averageCO2PerHour)
}

// TreesEquivalent is the number of trees absorbing totalCO2 in a year.
func TreesEquivalent(totalCO2 float64) float64 {
	return totalCO2 / TreeAbsorptionKg
}

// Impact is the environmental panel of a summary
type Impact struct {
	TotalCO2          float64 `json:"total_co2"`
	AverageCO2PerHour float64 `json:"average_co2_per_hour"`
	TotalActiveEnergy float64 `json:"total_active_energy"`
	EmissionFactor    float64 `json:"emission_factor"`
	TreesEquivalent   float64 `json:"trees_equivalent"`
	Level             Level   `json:"level"`
}

// Assess builds the impact panel. Each sample is taken as one hour.
func Assess(s models.Summary, t Thresholds) Impact {
	return Impact{
		TotalCO2:          s.TotalCO2,
		AverageCO2PerHour: s.AverageCO2,
		TotalActiveEnergy: s.TotalActiveEnergy,
		EmissionFactor:    models.EmissionFactor,
		TreesEquivalent:   TreesEquivalent(s.TotalCO2),
		Level:             t.Level(s.AverageCO2),
	}
}
