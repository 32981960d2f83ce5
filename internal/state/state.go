// Package state holds the serializable dashboard session state and the
// reducer that applies actions to it.
package state

import (
	"errors"
	"fmt"
	"sync"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/models"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidValue  = errors.New("invalid action value")
)

// Pages of the dashboard
const (
	PageAbout            = "about"
	PageDashboard        = "dashboard"
	PageAnalysisRealtime = "analysis-realtime"
	PageAnalysisImported = "analysis-imported"
	PageConfiguration    = "configuration"
	PageReports          = "reports"
	PageSparkCheck       = "sparkcheck"
	PageSettings         = "settings"
)

var pages = map[string]bool{
	PageAbout: true, PageDashboard: true, PageAnalysisRealtime: true, PageAnalysisImported: true,
	PageConfiguration: true, PageReports: true, PageSparkCheck: true, PageSettings: true,
}

// Graph types
const (
	GraphConsumption   = "consumption"
	GraphParameterized = "parameterized"
	GraphHarmonic      = "harmonic"
)

// Report types
const (
	ReportMonthly = "monthly"
	ReportAnnual  = "annual"
)

// ImportValidation describes the outcome of the last file import
type ImportValidation struct {
	Filename string   `json:"filename"`
	Valid    bool     `json:"valid"`
	Records  int      `json:"records"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}

// State is the dashboard session
type State struct {
	Page           string            `json:"page"`
	DeviceID       string            `json:"device_id"`
	Shift          aggregate.Shift   `json:"shift"`
	GraphType      string            `json:"graph_type"`
	ReportType     string            `json:"report_type"`
	PricePerUnit   float64           `json:"price_per_unit"`
	ActiveImportID string            `json:"active_import_id,omitempty"`
	Validation     *ImportValidation `json:"import_validation,omitempty"`
}

// Initial returns the state of a fresh session.
func Initial() State {
	return State{
		Page:         PageAbout,
		DeviceID:     "device-001",
		Shift:        aggregate.ShiftAll,
		GraphType:    GraphConsumption,
		ReportType:   ReportMonthly,
		PricePerUnit: models.DefaultPricePerUnit,
	}
}

// Tariff returns the tariff selected in the session.
func (s State) Tariff() models.Tariff {
	return models.Tariff{PricePerUnit: s.PricePerUnit}
}

// ActionType names a state transition
type ActionType string

const (
	ActionSetPage       ActionType = "set_page"
	ActionSelectDevice  ActionType = "select_device"
	ActionSetShift      ActionType = "set_shift"
	ActionSetGraphType  ActionType = "set_graph_type"
	ActionSetReportType ActionType = "set_report_type"
	ActionSetPrice      ActionType = "set_price"
	ActionImportLoaded  ActionType = "import_loaded"
	ActionImportCleared ActionType = "import_cleared"
	ActionReset         ActionType = "reset"
)

// Action is a state transition request. Only the fields relevant to Type are read.
type Action struct {
	Type       ActionType        `json:"type"`
	Value      string            `json:"value,omitempty"`
	Price      float64           `json:"price,omitempty"`
	ImportID   string            `json:"import_id,omitempty"`
	Validation *ImportValidation `json:"validation,omitempty"`
}

// Reduce applies an action and returns the next state. It never mutates s.
// A price clamp returns the clamped state together with an
// *models.InvalidConfigurationError; any other error leaves s unchanged.
func Reduce(s State, a Action) (State, error) {
	next := s
	if s.Validation != nil {
		v := *s.Validation
		next.Validation = &v
	}

	switch a.Type {
	case ActionSetPage:
		if !pages[a.Value] {
			return s, fmt.Errorf("%w: page %q", ErrInvalidValue, a.Value)
		}
		next.Page = a.Value
	case ActionSelectDevice:
		if a.Value == "" {
			return s, fmt.Errorf("%w: empty device", ErrInvalidValue)
		}
		next.DeviceID = a.Value
	case ActionSetShift:
		shift, err := aggregate.ParseShift(a.Value)
		if err != nil {
			return s, err
		}
		next.Shift = shift
	case ActionSetGraphType:
		switch a.Value {
		case GraphConsumption, GraphParameterized, GraphHarmonic:
			next.GraphType = a.Value
		default:
			return s, fmt.Errorf("%w: graph type %q", ErrInvalidValue, a.Value)
		}
	case ActionSetReportType:
		switch a.Value {
		case ReportMonthly, ReportAnnual:
			next.ReportType = a.Value
		default:
			return s, fmt.Errorf("%w: report type %q", ErrInvalidValue, a.Value)
		}
	case ActionSetPrice:
		tariff, err := models.NewTariff(a.Price)
		next.PricePerUnit = tariff.PricePerUnit
		return next, err
	case ActionImportLoaded:
		if a.ImportID == "" {
			return s, fmt.Errorf("%w: empty import id", ErrInvalidValue)
		}
		next.ActiveImportID = a.ImportID
		next.Validation = a.Validation
		next.Page = PageAnalysisImported
	case ActionImportCleared:
		next.ActiveImportID = ""
		next.Validation = nil
	case ActionReset:
		return Initial(), nil
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	return next, nil
}

// Store serializes dispatches against a single session state
type Store struct {
	mu    sync.Mutex
	state State
}

// NewStore returns a store holding the initial state with the given price.
func NewStore(pricePerUnit float64) *Store {
	s := Initial()
	s.PricePerUnit = pricePerUnit
	return &Store{state: s}
}

// Snapshot returns a copy of the current state.
func (st *Store) Snapshot() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Dispatch reduces the action into the stored state and returns the new
// state. Price clamps are committed and reported.
func (st *Store) Dispatch(a Action) (State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next, err := Reduce(st.state, a)
	var clamp *models.InvalidConfigurationError
	if err != nil && !errors.As(err, &clamp) {
		return st.state, err
	}
	st.state = next
	return next, err
}
