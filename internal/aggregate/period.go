package aggregate

import (
	"errors"
	"fmt"
	"time"

	"energy-metrics-monitor/internal/models"
)

var (
	// ErrUndatedSamples is returned when a calendar period is requested over
	// samples that only carry a time of day and estimation is disabled.
	ErrUndatedSamples = errors.New("samples carry no calendar date")
	ErrUnknownPeriod  = errors.New("unknown period")
)

// Fractions of the full sequence used when period totals have to be estimated.
const (
	TodayFraction     = 0.30
	YesterdayFraction = 0.25

	todayPeakFactor     = 0.8
	yesterdayPeakFactor = 0.75
	yesterdayPFFactor   = 0.95
)

// ReportPeriods lists the summary report rows in display order.
var ReportPeriods = []models.Period{
	models.PeriodToday,
	models.PeriodYesterday,
	models.PeriodThisMonth,
	models.PeriodLatest,
}

// PeriodOptions controls how period rows are computed
type PeriodOptions struct {
	// Now anchors Today, Yesterday and This Month. Zero means time.Now().
	Now    time.Time
	Tariff models.Tariff
	// AllowEstimate enables the proportional fallback for undated samples.
	AllowEstimate bool
}

func (o PeriodOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// BucketByPeriod aggregates the samples that fall inside the period. Dated
// sequences are filtered by timestamp; undated ones are estimated from the
// full sequence when opts.AllowEstimate is set.
func BucketByPeriod(samples models.SampleSequence, period models.Period, opts PeriodOptions) (models.PeriodSummary, error) {
	if len(samples) == 0 {
		return models.PeriodSummary{}, models.ErrEmptyInput
	}

	if period == models.PeriodLatest {
		last, _ := samples.Last()
		if err := models.CheckFinite(len(samples)-1, last); err != nil {
			return models.PeriodSummary{}, err
		}
		return models.PeriodSummary{
			Period:             period,
			Samples:            1,
			TotalEnergy:        last.ActiveEnergy,
			TotalBilling:       last.Billing(opts.Tariff),
			PeakActivePower:    last.ActivePower,
			AveragePowerFactor: last.PowerFactor,
			TotalCO2:           last.CO2(),
			Status:             period.Status(),
		}, nil
	}

	if !samples.Dated() {
		if !opts.AllowEstimate {
			return models.PeriodSummary{}, fmt.Errorf("%s: %w", period, ErrUndatedSamples)
		}
		return estimate(samples, period, opts.Tariff)
	}

	from, to, err := periodRange(period, opts.now(), samples[len(samples)-1].Timestamp.Location())
	if err != nil {
		return models.PeriodSummary{}, err
	}
	bucket := Between(samples, from, to)
	if len(bucket) == 0 {
		return models.PeriodSummary{Period: period, Status: period.Status()}, nil
	}

	sum, err := Summarize(bucket, opts.Tariff)
	if err != nil {
		return models.PeriodSummary{}, err
	}
	return fromSummary(period, sum), nil
}

// Report computes every summary report row.
func Report(samples models.SampleSequence, opts PeriodOptions) ([]models.PeriodSummary, error) {
	rows := make([]models.PeriodSummary, 0, len(ReportPeriods))
	for _, p := range ReportPeriods {
		row, err := BucketByPeriod(samples, p, opts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Between returns the samples with from <= timestamp < to.
func Between(samples models.SampleSequence, from, to time.Time) models.SampleSequence {
	var out models.SampleSequence
	for _, s := range samples {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out
}

// periodRange takes the calendar date of now and lays the period boundaries
// out in loc, the zone the readings were recorded in.
func periodRange(period models.Period, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	switch period {
	case models.PeriodToday:
		return dayStart, dayStart.AddDate(0, 0, 1), nil
	case models.PeriodYesterday:
		return dayStart.AddDate(0, 0, -1), dayStart, nil
	case models.PeriodThisMonth:
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return monthStart, monthStart.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
	}
}

func fromSummary(period models.Period, s models.Summary) models.PeriodSummary {
	return models.PeriodSummary{
		Period:             period,
		Samples:            s.Count,
		TotalEnergy:        s.TotalActiveEnergy,
		TotalBilling:       s.TotalBilling,
		PeakActivePower:    s.PeakActivePower,
		AveragePowerFactor: s.AveragePowerFactor,
		TotalCO2:           s.TotalCO2,
		Status:             period.Status(),
	}
}

// estimate scales whole-sequence totals by fixed fractions. Billing and CO2
// are recomputed from the scaled energy.
func estimate(samples models.SampleSequence, period models.Period, tariff models.Tariff) (models.PeriodSummary, error) {
	sum, err := Summarize(samples, tariff)
	if err != nil {
		return models.PeriodSummary{}, err
	}

	row := fromSummary(period, sum)
	row.Estimated = true

	switch period {
	case models.PeriodToday:
		row.TotalEnergy = sum.TotalActiveEnergy * TodayFraction
		row.PeakActivePower = sum.PeakActivePower * todayPeakFactor
	case models.PeriodYesterday:
		row.TotalEnergy = sum.TotalActiveEnergy * YesterdayFraction
		row.PeakActivePower = sum.PeakActivePower * yesterdayPeakFactor
		row.AveragePowerFactor = sum.AveragePowerFactor * yesterdayPFFactor
	case models.PeriodThisMonth:
		return row, nil
	default:
		return models.PeriodSummary{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
	}

	row.TotalBilling = row.TotalEnergy * tariff.PricePerUnit
	row.TotalCO2 = row.TotalEnergy * models.EmissionFactor
	return row, nil
}
