// Package provider supplies sample sequences to the engine from generated,
// file or stored data.
package provider

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/parser"
)

// Provider returns the samples recorded for a device. An empty device id
// means every device the source knows.
type Provider interface {
	Samples(deviceID string) (models.SampleSequence, error)
}

// SyntheticHours is the number of hourly samples a synthetic day holds.
const SyntheticHours = 24

// Synthetic generates a day of hourly readings. The same seed and device id
// always produce the same sequence.
type Synthetic struct {
	seed int64
	base time.Time
}

// NewSynthetic returns a generator anchored at the start of base's day. A zero
// base yields undated samples labelled by hour.
func NewSynthetic(seed int64, base time.Time) *Synthetic {
	if !base.IsZero() {
		y, m, d := base.Date()
		base = time.Date(y, m, d, 0, 0, 0, 0, base.Location())
	}
	return &Synthetic{seed: seed, base: base}
}

// Samples implements Provider.
func (s *Synthetic) Samples(deviceID string) (models.SampleSequence, error) {
	if deviceID == "" {
		deviceID = "device-001"
	}

	h := fnv.New64a()
	h.Write([]byte(deviceID))
	rng := rand.New(rand.NewSource(s.seed ^ int64(h.Sum64())))

	seq := make(models.SampleSequence, SyntheticHours)
	for i := range seq {
		seq[i] = models.EnergySample{
			DeviceID:           deviceID,
			Timestamp:          s.base.Add(time.Duration(i) * time.Hour),
			Label:              fmt.Sprintf("%02d:00", i),
			ApparentEnergy:     45 + rng.Float64()*20,
			ApparentPower:      42 + rng.Float64()*18,
			ActivePower:        38 + rng.Float64()*15,
			ActiveEnergy:       35 + rng.Float64()*25,
			PowerFactor:        0.85 + rng.Float64()*0.1,
			ReactiveEnergyLag:  12 + rng.Float64()*8,
			ReactiveEnergyLead: 8 + rng.Float64()*5,
		}
	}
	return seq, nil
}

// File reads samples from an import file on every call.
type File struct {
	Path   string
	Parser *parser.Parser
}

// NewFile returns a file provider that detects the format from the extension.
func NewFile(path string) *File {
	return &File{Path: path, Parser: parser.NewParser("")}
}

// Samples implements Provider. Files without a device column are attributed
// to the requested device.
func (f *File) Samples(deviceID string) (models.SampleSequence, error) {
	res, err := f.Parser.ParseFile(f.Path)
	if err != nil {
		return nil, err
	}
	seq := byDevice(res.Samples, deviceID)
	if len(seq) == 0 {
		return nil, fmt.Errorf("%s: %w", f.Path, models.ErrEmptyInput)
	}
	return seq, nil
}

func byDevice(samples models.SampleSequence, deviceID string) models.SampleSequence {
	if deviceID == "" {
		return samples
	}

	var out models.SampleSequence
	anonymous := true
	for _, s := range samples {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
		if s.DeviceID != models.ImportedDeviceID {
			anonymous = false
		}
	}
	if len(out) > 0 || !anonymous {
		return out
	}

	out = make(models.SampleSequence, len(samples))
	for i, s := range samples {
		s.DeviceID = deviceID
		out[i] = s
	}
	return out
}

// SampleQuerier is the part of the store a Store provider reads from.
type SampleQuerier interface {
	QuerySamples(q models.SampleQuery) (models.SampleSequence, error)
}

// Store loads samples persisted in the database, optionally limited to one import.
type Store struct {
	DB       SampleQuerier
	ImportID string
}

// Samples implements Provider.
func (s *Store) Samples(deviceID string) (models.SampleSequence, error) {
	seq, err := s.DB.QuerySamples(models.SampleQuery{ImportID: s.ImportID, DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	if len(seq) == 0 {
		return nil, models.ErrEmptyInput
	}
	return seq, nil
}
