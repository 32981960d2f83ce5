package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"energy-metrics-monitor/internal/models"

	"github.com/xuri/excelize/v2"
)

// DefaultMaxBytes is the largest import accepted by default (800 KB).
const DefaultMaxBytes = 800 * 1024

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMissingColumns    = errors.New("missing required columns")
	ErrTooLarge          = errors.New("file exceeds maximum import size")
)

// Canonical column keys.
const (
	keyDevice    = "device_id"
	keyTimestamp = "timestamp"
	keyKVAh      = "kvah"
	keyKVA       = "kva"
	keyKW        = "kw"
	keyKWh       = "kwh"
	keyPF        = "pf"
	keyLag       = "kvarh_lag"
	keyLead      = "kvarh_lead"
)

// aliases maps accepted header names to canonical keys
var aliases = map[string]string{
	"device_id": keyDevice, "deviceid": keyDevice, "device": keyDevice, "meter_id": keyDevice, "meter": keyDevice,
	"timestamp": keyTimestamp, "time": keyTimestamp, "datetime": keyTimestamp, "date": keyTimestamp, "fecha": keyTimestamp, "hora": keyTimestamp,
	"kvah": keyKVAh, "apparent_energy": keyKVAh,
	"kva": keyKVA, "apparent_power": keyKVA,
	"kw": keyKW, "active_power": keyKW, "power": keyKW, "potencia_kw": keyKW,
	"kwh": keyKWh, "active_energy": keyKWh, "energy": keyKWh, "consumo kwh": keyKWh, "consumo_kwh": keyKWh,
	"pf": keyPF, "power_factor": keyPF, "factor_potencia": keyPF,
	"kvarh_lag": keyLag, "reactive_lag": keyLag,
	"kvarh_lead": keyLead, "reactive_lead": keyLead,
}

// Result holds the samples of one import and the rows that were skipped
type Result struct {
	Samples  models.SampleSequence `json:"-"`
	Records  int                   `json:"records"`
	Skipped  int                   `json:"skipped"`
	Warnings []string              `json:"warnings,omitempty"`
}

func (r *Result) skip(line int, err error) {
	r.Skipped++
	r.Warnings = append(r.Warnings, fmt.Sprintf("line %d: %v", line, err))
}

// Parser handles parsing of energy data files
type Parser struct {
	format   string
	deviceID string
	maxBytes int64
}

// NewParser creates a new parser with the specified format. An empty format
// or "auto" picks the format from the file extension.
func NewParser(format string) *Parser {
	return &Parser{format: strings.ToLower(format), maxBytes: DefaultMaxBytes}
}

// WithDevice sets the device id used for rows that carry none.
func (p *Parser) WithDevice(deviceID string) *Parser {
	p.deviceID = deviceID
	return p
}

// WithMaxBytes sets the import size limit; zero or less disables it.
func (p *Parser) WithMaxBytes(n int64) *Parser {
	p.maxBytes = n
	return p
}

// ParseFile parses an energy data file
func (p *Parser) ParseFile(filename string) (*Result, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file, filename)
}

// Parse reads an import from r. The filename is only used to detect the format.
func (p *Parser) Parse(r io.Reader, filename string) (*Result, error) {
	format, err := p.detect(filename)
	if err != nil {
		return nil, err
	}

	if p.maxBytes > 0 {
		r = io.LimitReader(r, p.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read import: %w", err)
	}
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, p.maxBytes)
	}

	switch format {
	case "csv":
		return p.parseCSV(bytes.NewReader(data))
	case "json":
		return p.parseJSON(data)
	case "xlsx":
		return p.parseXLSX(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func (p *Parser) detect(filename string) (string, error) {
	format := p.format
	if format == "" || format == "auto" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	}
	switch format {
	case "csv", "json", "xlsx":
		return format, nil
	case "":
		return "", fmt.Errorf("%w: cannot detect format of %q", ErrUnsupportedFormat, filename)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// parseCSV parses CSV formatted energy data
func (p *Parser) parseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable fields
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return p.parseRows(rows)
}

// parseXLSX parses the first sheet of a workbook
func (p *Parser) parseXLSX(r io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMissingColumns)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return p.parseRows(rows)
}

// parseRows maps a header row and converts the remaining rows to samples
func (p *Parser) parseRows(rows [][]string) (*Result, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}

	indices := make(map[string]int)
	for i, h := range rows[0] {
		if key, ok := aliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := indices[key]; !seen {
				indices[key] = i
			}
		}
	}
	if err := requireColumns(indices); err != nil {
		return nil, err
	}

	res := &Result{}
	for n, record := range rows[1:] {
		line := n + 2
		if blank(record) {
			continue
		}
		res.Records++

		s, err := p.recordToSample(record, indices)
		if err == nil {
			err = ValidateSample(len(res.Samples), s)
		}
		if err != nil {
			res.skip(line, err)
			continue
		}
		res.Samples = append(res.Samples, s)
	}
	return res, nil
}

func requireColumns(indices map[string]int) error {
	var missing []string
	for _, key := range []string{keyTimestamp, keyKWh} {
		if _, ok := indices[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// recordToSample converts a row to an EnergySample
func (p *Parser) recordToSample(record []string, indices map[string]int) (models.EnergySample, error) {
	var s models.EnergySample

	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	s.DeviceID = getValue(keyDevice)
	if s.DeviceID == "" {
		s.DeviceID = p.deviceID
	}
	if s.DeviceID == "" {
		s.DeviceID = models.ImportedDeviceID
	}

	tsStr := getValue(keyTimestamp)
	if tsStr == "" {
		return s, fmt.Errorf("missing timestamp")
	}
	ts, err := parseTimestamp(tsStr)
	if err != nil {
		return s, err
	}
	s.Timestamp = ts
	if !s.Dated() {
		s.Label = tsStr
	}

	kwh := getValue(keyKWh)
	if kwh == "" {
		return s, fmt.Errorf("missing kwh value")
	}

	fields := []struct {
		key string
		dst *float64
	}{
		{keyKWh, &s.ActiveEnergy},
		{keyKW, &s.ActivePower},
		{keyKVAh, &s.ApparentEnergy},
		{keyKVA, &s.ApparentPower},
		{keyPF, &s.PowerFactor},
		{keyLag, &s.ReactiveEnergyLag},
		{keyLead, &s.ReactiveEnergyLead},
	}
	for _, f := range fields {
		raw := getValue(f.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, fmt.Errorf("invalid %s value %q", f.key, raw)
		}
		*f.dst = v
	}

	return s, nil
}

// parseJSON parses a JSON array or newline-delimited JSON
func (p *Parser) parseJSON(data []byte) (*Result, error) {
	var samples []models.EnergySample
	if err := json.Unmarshal(data, &samples); err == nil {
		res := &Result{}
		for i, s := range samples {
			res.Records++
			p.fillDevice(&s)
			if err := ValidateSample(len(res.Samples), s); err != nil {
				res.skip(i+1, err)
				continue
			}
			res.Samples = append(res.Samples, s)
		}
		return res, nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}
		line = strings.TrimSuffix(line, ",")
		res.Records++

		var s models.EnergySample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			res.skip(lineNum, err)
			continue
		}
		p.fillDevice(&s)
		if err := ValidateSample(len(res.Samples), s); err != nil {
			res.skip(lineNum, err)
			continue
		}
		res.Samples = append(res.Samples, s)
	}

	return res, scanner.Err()
}

func (p *Parser) fillDevice(s *models.EnergySample) {
	if s.DeviceID != "" {
		return
	}
	s.DeviceID = p.deviceID
	if s.DeviceID == "" {
		s.DeviceID = models.ImportedDeviceID
	}
}

// parseTimestamp tries multiple timestamp formats. Time-of-day formats
// yield undated timestamps.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"2006-01-02",
		"15:04:05",
		"15:04",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateSample rejects non-finite values and negative energy or power.
// The power factor is not range checked.
func ValidateSample(index int, s models.EnergySample) error {
	if err := models.CheckFinite(index, s); err != nil {
		return err
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{keyKVAh, s.ApparentEnergy},
		{keyKVA, s.ApparentPower},
		{keyKW, s.ActivePower},
		{keyKWh, s.ActiveEnergy},
		{keyLag, s.ReactiveEnergyLag},
		{keyLead, s.ReactiveEnergyLead},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return &models.MalformedSampleError{Index: index, Field: f.name, Value: f.value}
		}
	}
	return nil
}
