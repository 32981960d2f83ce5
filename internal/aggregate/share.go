package aggregate

import (
	"energy-metrics-monitor/internal/models"
)

// DeviceConsumption is the active energy consumed by one device
type DeviceConsumption struct {
	DeviceID    string  `json:"device_id"`
	Consumption float64 `json:"consumption"`
}

// DeviceShare is a device's consumption with its percentage of the total
type DeviceShare struct {
	DeviceConsumption
	Percent float64 `json:"percent"`
}

// TotalsByDevice sums active energy per device, in first-seen order.
func TotalsByDevice(samples models.SampleSequence) []DeviceConsumption {
	index := make(map[string]int)
	var totals []DeviceConsumption
	for _, s := range samples {
		i, ok := index[s.DeviceID]
		if !ok {
			i = len(totals)
			index[s.DeviceID] = i
			totals = append(totals, DeviceConsumption{DeviceID: s.DeviceID})
		}
		totals[i].Consumption += s.ActiveEnergy
	}
	return totals
}

// DeviceShares computes each device's percentage of the total consumption.
// A zero total yields zero shares.
func DeviceShares(totals []DeviceConsumption) ([]DeviceShare, error) {
	if len(totals) == 0 {
		return nil, models.ErrEmptyInput
	}

	var total float64
	for _, t := range totals {
		total += t.Consumption
	}

	shares := make([]DeviceShare, 0, len(totals))
	for _, t := range totals {
		share := DeviceShare{DeviceConsumption: t}
		if total > 0 {
			share.Percent = t.Consumption / total * 100
		}
		shares = append(shares, share)
	}
	return shares, nil
}
