package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"energy-metrics-monitor/internal/models"
)

var ErrUnknownShift = errors.New("unknown shift")

// Shift is a working shift used to narrow the analytics view
type Shift string

const (
	ShiftAll       Shift = "all"
	ShiftMorning   Shift = "morning"   // 06:00 - 14:00
	ShiftAfternoon Shift = "afternoon" // 14:00 - 22:00
	ShiftNight     Shift = "night"     // 22:00 - 06:00
)

// ParseShift accepts a shift name; empty means all shifts.
func ParseShift(s string) (Shift, error) {
	switch sh := Shift(strings.ToLower(strings.TrimSpace(s))); sh {
	case "", ShiftAll:
		return ShiftAll, nil
	case ShiftMorning, ShiftAfternoon, ShiftNight:
		return sh, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownShift, s)
	}
}

// Contains reports whether the hour of day belongs to the shift.
func (sh Shift) Contains(hour int) bool {
	switch sh {
	case ShiftAll:
		return true
	case ShiftMorning:
		return hour >= 6 && hour < 14
	case ShiftAfternoon:
		return hour >= 14 && hour < 22
	case ShiftNight:
		return hour >= 22 || hour < 6
	default:
		return false
	}
}

// FilterShift keeps the samples whose timestamp hour falls in the shift.
func FilterShift(samples models.SampleSequence, shift Shift) (models.SampleSequence, error) {
	if _, err := ParseShift(string(shift)); err != nil {
		return nil, err
	}
	if shift == ShiftAll {
		return samples, nil
	}
	var out models.SampleSequence
	for _, s := range samples {
		if shift.Contains(s.Timestamp.Hour()) {
			out = append(out, s)
		}
	}
	return out, nil
}
