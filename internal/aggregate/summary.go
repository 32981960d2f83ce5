// Package aggregate reduces energy sample sequences into summary statistics
// and period rollups.
package aggregate

import (
	"math"

	"energy-metrics-monitor/internal/models"
)

// Summarize computes totals, means and the peak over a non-empty sequence.
// Billing and CO2 are derived from active energy under the given tariff.
func Summarize(samples models.SampleSequence, tariff models.Tariff) (models.Summary, error) {
	if len(samples) == 0 {
		return models.Summary{}, models.ErrEmptyInput
	}

	s := models.Summary{
		Count:           len(samples),
		PeakActivePower: math.Inf(-1),
	}
	var powerSum, pfSum float64

	for i, sample := range samples {
		if err := models.CheckFinite(i, sample); err != nil {
			return models.Summary{}, err
		}
		s.TotalActiveEnergy += sample.ActiveEnergy
		s.TotalBilling += sample.Billing(tariff)
		s.TotalCO2 += sample.CO2()
		s.TotalApparentEnergy += sample.ApparentEnergy
		s.TotalReactiveLag += sample.ReactiveEnergyLag
		s.TotalReactiveLead += sample.ReactiveEnergyLead
		powerSum += sample.ActivePower
		pfSum += sample.PowerFactor
		if sample.ActivePower > s.PeakActivePower {
			s.PeakActivePower = sample.ActivePower
		}
	}

	n := float64(len(samples))
	s.AverageActivePower = powerSum / n
	s.AveragePowerFactor = pfSum / n
	s.AverageCO2 = s.TotalCO2 / n

	return s, nil
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// RoundSummary returns a copy rounded for presentation: two decimals for
// energy, power, currency and CO2, three for the power factor.
func RoundSummary(s models.Summary) models.Summary {
	return models.Summary{
		Count:               s.Count,
		TotalActiveEnergy:   Round(s.TotalActiveEnergy, 2),
		AverageActivePower:  Round(s.AverageActivePower, 2),
		PeakActivePower:     Round(s.PeakActivePower, 2),
		TotalBilling:        Round(s.TotalBilling, 2),
		AveragePowerFactor:  Round(s.AveragePowerFactor, 3),
		TotalCO2:            Round(s.TotalCO2, 2),
		AverageCO2:          Round(s.AverageCO2, 2),
		TotalApparentEnergy: Round(s.TotalApparentEnergy, 2),
		TotalReactiveLag:    Round(s.TotalReactiveLag, 2),
		TotalReactiveLead:   Round(s.TotalReactiveLead, 2),
	}
}

// RoundPeriod rounds a period row the same way as RoundSummary.
func RoundPeriod(p models.PeriodSummary) models.PeriodSummary {
	p.TotalEnergy = Round(p.TotalEnergy, 2)
	p.TotalBilling = Round(p.TotalBilling, 2)
	p.PeakActivePower = Round(p.PeakActivePower, 2)
	p.AveragePowerFactor = Round(p.AveragePowerFactor, 3)
	p.TotalCO2 = Round(p.TotalCO2, 2)
	return p
}
