// Package export serializes sample sequences and report rows as CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"energy-metrics-monitor/internal/models"
)

var ErrUnknownColumn = errors.New("unknown export column")

// Column names a CSV export column
type Column string

const (
	ColDeviceID  Column = "deviceId"
	ColTimestamp Column = "timestamp"
	ColKVAh      Column = "kvah"
	ColBilling   Column = "billing"
	ColKVA       Column = "kva"
	ColKW        Column = "kw"
	ColKWh       Column = "kwh"
	ColPF        Column = "pf"
	ColKVARhLag  Column = "kvarh_lag"
	ColKVARhLead Column = "kvarh_lead"
	ColCO2       Column = "co2_emissions"
)

// DefaultColumns is the header order of the analytics export.
var DefaultColumns = []Column{
	ColDeviceID, ColTimestamp, ColKVAh, ColBilling, ColKVA, ColKW,
	ColKWh, ColPF, ColKVARhLag, ColKVARhLead, ColCO2,
}

// ParseColumns splits a comma separated column list. Empty input yields
// DefaultColumns.
func ParseColumns(s string) ([]Column, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultColumns, nil
	}
	var cols []Column
	for _, part := range strings.Split(s, ",") {
		c := Column(strings.TrimSpace(part))
		if _, err := c.format(models.EnergySample{}, models.Tariff{}); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func (c Column) format(s models.EnergySample, t models.Tariff) (string, error) {
	switch c {
	case ColDeviceID:
		return s.DeviceID, nil
	case ColTimestamp:
		return s.DisplayTime(), nil
	case ColKVAh:
		return fixed(s.ApparentEnergy, 2), nil
	case ColBilling:
		return fixed(s.Billing(t), 2), nil
	case ColKVA:
		return fixed(s.ApparentPower, 2), nil
	case ColKW:
		return fixed(s.ActivePower, 2), nil
	case ColKWh:
		return fixed(s.ActiveEnergy, 2), nil
	case ColPF:
		return fixed(s.PowerFactor, 3), nil
	case ColKVARhLag:
		return fixed(s.ReactiveEnergyLag, 2), nil
	case ColKVARhLead:
		return fixed(s.ReactiveEnergyLead, 2), nil
	case ColCO2:
		return fixed(s.CO2(), 2), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownColumn, string(c))
	}
}

func fixed(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// ToCSV writes a header row followed by one row per sample. Fields that
// contain commas, quotes or newlines are quoted.
func ToCSV(w io.Writer, samples models.SampleSequence, columns []Column, tariff models.Tariff) error {
	if len(columns) == 0 {
		columns = DefaultColumns
	}

	cw := csv.NewWriter(w)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = string(c)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(columns))
	for i, s := range samples {
		for j, c := range columns {
			v, err := c.format(s, tariff)
			if err != nil {
				return err
			}
			row[j] = v
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// CSVString renders ToCSV into a string.
func CSVString(samples models.SampleSequence, columns []Column, tariff models.Tariff) (string, error) {
	var buf bytes.Buffer
	if err := ToCSV(&buf, samples, columns, tariff); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ReportHeader is the header of the summary report export.
var ReportHeader = []string{"period", "kwh", "billing", "peak_kw", "avg_pf", "co2_kg", "status"}

// ReportCSV writes the summary report rows.
func ReportCSV(w io.Writer, rows []models.PeriodSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ReportHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			string(r.Period),
			fixed(r.TotalEnergy, 2),
			fixed(r.TotalBilling, 2),
			fixed(r.PeakActivePower, 2),
			fixed(r.AveragePowerFactor, 3),
			fixed(r.TotalCO2, 2),
			r.Status,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write %s row: %w", r.Period, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
