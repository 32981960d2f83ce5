package predict

import (
	"fmt"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/models"
)

// StandbyAdvice closes every recommendation list.
const StandbyAdvice = "Unplug devices left on standby overnight."

// PeakHour returns the hour of day with the highest mean active energy. Ties
// resolve to the earliest hour.
func PeakHour(samples models.SampleSequence) (int, error) {
	if len(samples) == 0 {
		return 0, models.ErrEmptyInput
	}

	var sums [24]float64
	var counts [24]int
	for _, s := range samples {
		h := s.Timestamp.Hour()
		sums[h] += s.ActiveEnergy
		counts[h]++
	}

	peak, best := -1, 0.0
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		mean := sums[h] / float64(counts[h])
		if peak < 0 || mean > best {
			peak, best = h, mean
		}
	}
	return peak, nil
}

// Recommend builds consumption advice from the samples: the peak hour, the
// mean consumption per sample and the standby reminder.
func Recommend(samples models.SampleSequence) ([]string, error) {
	hour, err := PeakHour(samples)
	if err != nil {
		return nil, err
	}

	var total float64
	for i, s := range samples {
		if err := models.CheckFinite(i, s); err != nil {
			return nil, err
		}
		total += s.ActiveEnergy
	}
	mean := total / float64(len(samples))

	return []string{
		fmt.Sprintf("Your consumption peaks at %d:00. Avoid running heavy appliances at that hour.", hour),
		fmt.Sprintf("Your average consumption is %.2f kWh.", aggregate.Round(mean, 2)),
		StandbyAdvice,
	}, nil
}
