package state

import (
	"sync"
	"testing"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduce(t *testing.T) {
	t.Run("Should apply selections", func(t *testing.T) {
		s, err := Reduce(Initial(), Action{Type: ActionSetShift, Value: "night"})
		require.NoError(t, err)
		assert.Equal(t, aggregate.ShiftNight, s.Shift)

		s, err = Reduce(s, Action{Type: ActionSelectDevice, Value: "device-002"})
		require.NoError(t, err)
		assert.Equal(t, "device-002", s.DeviceID)

		s, err = Reduce(s, Action{Type: ActionSetGraphType, Value: GraphHarmonic})
		require.NoError(t, err)
		assert.Equal(t, GraphHarmonic, s.GraphType)

		s, err = Reduce(s, Action{Type: ActionSetReportType, Value: ReportAnnual})
		require.NoError(t, err)
		assert.Equal(t, ReportAnnual, s.ReportType)

		s, err = Reduce(s, Action{Type: ActionSetPage, Value: PageReports})
		require.NoError(t, err)
		assert.Equal(t, PageReports, s.Page)
	})

	t.Run("Should reject invalid values and keep the state", func(t *testing.T) {
		start := Initial()
		cases := []Action{
			{Type: ActionSetPage, Value: "login"},
			{Type: ActionSelectDevice},
			{Type: ActionSetGraphType, Value: "pie"},
			{Type: ActionSetReportType, Value: "weekly"},
			{Type: ActionImportLoaded},
		}
		for _, a := range cases {
			s, err := Reduce(start, a)
			assert.ErrorIs(t, err, ErrInvalidValue, "action %s", a.Type)
			assert.Equal(t, start, s)
		}

		_, err := Reduce(start, Action{Type: ActionSetShift, Value: "evening"})
		assert.ErrorIs(t, err, aggregate.ErrUnknownShift)

		_, err = Reduce(start, Action{Type: "fly"})
		assert.ErrorIs(t, err, ErrUnknownAction)
	})

	t.Run("Should clamp non-positive prices", func(t *testing.T) {
		s, err := Reduce(Initial(), Action{Type: ActionSetPrice, Price: -3})
		var clamp *models.InvalidConfigurationError
		require.ErrorAs(t, err, &clamp)
		assert.Equal(t, models.MinPricePerUnit, s.PricePerUnit)
		assert.Equal(t, models.MinPricePerUnit, s.Tariff().PricePerUnit)

		s, err = Reduce(s, Action{Type: ActionSetPrice, Price: 12})
		require.NoError(t, err)
		assert.Equal(t, 12.0, s.PricePerUnit)
	})

	t.Run("Should track and clear the active import", func(t *testing.T) {
		v := &ImportValidation{Filename: "a.csv", Valid: true, Records: 3}
		s, err := Reduce(Initial(), Action{Type: ActionImportLoaded, ImportID: "imp-1", Validation: v})
		require.NoError(t, err)
		assert.Equal(t, "imp-1", s.ActiveImportID)
		assert.Equal(t, PageAnalysisImported, s.Page)
		require.NotNil(t, s.Validation)

		cleared, err := Reduce(s, Action{Type: ActionImportCleared})
		require.NoError(t, err)
		assert.Empty(t, cleared.ActiveImportID)
		assert.Nil(t, cleared.Validation)
		assert.Equal(t, "imp-1", s.ActiveImportID)
	})

	t.Run("Should not mutate the input state", func(t *testing.T) {
		s, err := Reduce(Initial(), Action{Type: ActionImportLoaded, ImportID: "imp-1",
			Validation: &ImportValidation{Filename: "a.csv"}})
		require.NoError(t, err)

		next, err := Reduce(s, Action{Type: ActionSetPrice, Price: 4})
		require.NoError(t, err)
		next.Validation.Filename = "changed.csv"
		assert.Equal(t, "a.csv", s.Validation.Filename)
		assert.Equal(t, models.DefaultPricePerUnit, s.PricePerUnit)
	})

	t.Run("Should reset to the initial state", func(t *testing.T) {
		s, _ := Reduce(Initial(), Action{Type: ActionImportLoaded, ImportID: "imp-1"})
		s, err := Reduce(s, Action{Type: ActionReset})
		require.NoError(t, err)
		assert.Equal(t, Initial(), s)
	})
}

func TestStore(t *testing.T) {
	st := NewStore(9)
	assert.Equal(t, 9.0, st.Snapshot().PricePerUnit)

	t.Run("Should keep state on rejected actions", func(t *testing.T) {
		before := st.Snapshot()
		_, err := st.Dispatch(Action{Type: ActionSetPage, Value: "nowhere"})
		assert.Error(t, err)
		assert.Equal(t, before, st.Snapshot())
	})

	t.Run("Should commit clamped prices", func(t *testing.T) {
		s, err := st.Dispatch(Action{Type: ActionSetPrice, Price: 0})
		assert.Error(t, err)
		assert.Equal(t, models.MinPricePerUnit, s.PricePerUnit)
		assert.Equal(t, models.MinPricePerUnit, st.Snapshot().PricePerUnit)
	})

	t.Run("Should serialize concurrent dispatches", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.Dispatch(Action{Type: ActionSetPrice, Price: float64(i + 1)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		assert.Greater(t, st.Snapshot().PricePerUnit, 0.0)
	})
}
