package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"energy-metrics-monitor/internal/alerts"
	"energy-metrics-monitor/internal/db"
	"energy-metrics-monitor/internal/environment"
	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/predict"
	"energy-metrics-monitor/internal/provider"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)

type envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Error    string          `json:"error"`
	Warnings []string        `json:"warnings"`
	Meta     *meta           `json:"meta"`
}

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *recordingWriter) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	w := &recordingWriter{}
	s := NewServer(database, Options{
		Tariff:        models.DefaultTariff(),
		Multiplier:    1.3,
		Thresholds:    environment.DefaultThresholds(),
		AllowEstimate: true,
		Alerts:        alerts.NewPublisherWithWriter(w, nil),
		Synthetic:     provider.NewSynthetic(7, testNow),
		Now:           func() time.Time { return testNow },
	})
	return s, w
}

func do(t *testing.T, s *Server, method, path string, body []byte, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func upload(t *testing.T, s *Server, filename, content string, fields map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return do(t, s, http.MethodPost, "/api/v1/imports", buf.Bytes(), mw.FormDataContentType())
}

// dayCSV holds 24 hourly samples of 2026-10-18 with a spike at 19:00.
func dayCSV(device string) string {
	var b strings.Builder
	b.WriteString("deviceId,timestamp,kw,kwh,pf\n")
	for h := 0; h < 24; h++ {
		kwh := 10.0
		if h == 19 {
			kwh = 50
		}
		ts := time.Date(2026, 10, 18, h, 0, 0, 0, time.UTC).Format(time.RFC3339)
		b.WriteString(strings.Join([]string{device, ts, "20", jsonNumber(kwh), "0.9"}, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func jsonNumber(v float64) string {
	out, _ := json.Marshal(v)
	return string(out)
}

func createImport(t *testing.T, s *Server) models.Import {
	t.Helper()
	rec, env := upload(t, s, "meter.csv", dayCSV("device-001"), map[string]string{"price": "2"})
	require.Equal(t, http.StatusCreated, rec.Code, env.Error)

	var resp importResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp.Import
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestDevices(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/api/v1/devices", []byte(`{"id":"device-001","name":"Main panel"}`), "application/json")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/devices", []byte(`{"id":"device-001"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/devices", []byte(`{"name":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, s, http.MethodGet, "/api/v1/devices/device-001", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.Device
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Equal(t, "Main panel", d.Name)

	rec, env = do(t, s, http.MethodGet, "/api/v1/devices/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
}

func TestImportLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	imp := createImport(t, s)

	assert.Equal(t, 2.0, imp.PricePerUnit)
	assert.Equal(t, 24, imp.Records)

	t.Run("Should activate the import in the session", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, "/api/v1/state", nil, "")
		var st map[string]interface{}
		require.NoError(t, json.Unmarshal(env.Data, &st))
		assert.Equal(t, imp.ID, st["active_import_id"])
		assert.Equal(t, "analysis-imported", st["page"])
	})

	t.Run("Should list imports", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, "/api/v1/imports", nil, "")
		require.NotNil(t, env.Meta)
		assert.Equal(t, 1, env.Meta.Total)
	})

	t.Run("Should discard the import", func(t *testing.T) {
		rec, _ := do(t, s, http.MethodDelete, "/api/v1/imports/"+imp.ID, nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = do(t, s, http.MethodGet, "/api/v1/imports/"+imp.ID, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		_, env := do(t, s, http.MethodGet, "/api/v1/state", nil, "")
		assert.NotContains(t, string(env.Data), imp.ID)
	})
}

func TestImportRejections(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("Should reject missing columns", func(t *testing.T) {
		rec, env := upload(t, s, "a.csv", "timestamp,kw\n08:00,1\n", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, env.Error, "missing required columns")
	})

	t.Run("Should reject pdf files", func(t *testing.T) {
		rec, _ := upload(t, s, "bill.pdf", "%PDF-1.4", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should report files without valid rows", func(t *testing.T) {
		rec, env := upload(t, s, "a.csv", "timestamp,kwh\n08:00,-1\n", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Len(t, env.Warnings, 1)
	})

	t.Run("Should clamp a non-positive price with a warning", func(t *testing.T) {
		rec, env := upload(t, s, "a.csv", "timestamp,kwh\n08:00,1\n", map[string]string{"price": "0"})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, env.Warnings, 1)

		var resp importResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, models.MinPricePerUnit, resp.Import.PricePerUnit)
	})
}

func TestImportAnalytics(t *testing.T) {
	s, w := newTestServer(t)
	imp := createImport(t, s)
	base := "/api/v1/imports/" + imp.ID

	t.Run("Should summarize with the import tariff", func(t *testing.T) {
		rec, env := do(t, s, http.MethodGet, base+"/summary", nil, "")
		require.Equal(t, http.StatusOK, rec.Code, env.Error)

		var resp summaryResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, 24, resp.Summary.Count)
		assert.Equal(t, 280.0, resp.Summary.TotalActiveEnergy)
		assert.Equal(t, 560.0, resp.Summary.TotalBilling)
		require.Len(t, resp.Devices, 1)
		assert.Equal(t, 100.0, resp.Devices[0].Percent)
	})

	t.Run("Should override the price from the query", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/summary?price=10", nil, "")
		var resp summaryResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, 2800.0, resp.Summary.TotalBilling)
	})

	t.Run("Should filter by shift", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/samples?shift=morning", nil, "")
		assert.Equal(t, 8, env.Meta.Total)

		rec, _ := do(t, s, http.MethodGet, base+"/samples?shift=evening", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should report empty selections as unprocessable", func(t *testing.T) {
		rec, _ := do(t, s, http.MethodGet, base+"/summary?device=nope", nil, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Should page samples", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/samples?limit=5&offset=20", nil, "")
		var views []models.SampleView
		require.NoError(t, json.Unmarshal(env.Data, &views))
		assert.Len(t, views, 4)
		assert.Equal(t, 24, env.Meta.Total)
	})

	t.Run("Should build the period report from timestamps", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/report", nil, "")
		var rows []models.PeriodSummary
		require.NoError(t, json.Unmarshal(env.Data, &rows))
		require.Len(t, rows, 4)
		assert.Equal(t, models.PeriodToday, rows[0].Period)
		assert.Equal(t, 280.0, rows[0].TotalEnergy)
		assert.Equal(t, 0, rows[1].Samples)
		assert.Equal(t, "Live", rows[3].Status)
		assert.False(t, rows[0].Estimated)
	})

	t.Run("Should export the report as csv", func(t *testing.T) {
		rec, _ := do(t, s, http.MethodGet, base+"/report?format=csv", nil, "")
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "This Month,280.00")
	})

	t.Run("Should flag and publish peaks", func(t *testing.T) {
		rec, env := do(t, s, http.MethodGet, base+"/peaks?publish=true", nil, "")
		require.Equal(t, http.StatusOK, rec.Code, env.Error)

		var resp peaksResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		require.Len(t, resp.Peaks, 1)
		assert.Equal(t, 19, resp.Peaks[0].Index)
		assert.True(t, resp.Flags[19])
		assert.Equal(t, 1, resp.Published)
		require.Len(t, w.msgs, 1)
		assert.Equal(t, "device-001", string(w.msgs[0].Key))
	})

	t.Run("Should reject unknown peak fields", func(t *testing.T) {
		rec, _ := do(t, s, http.MethodGet, base+"/peaks?field=voltage", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should assess the environmental impact", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/environment", nil, "")
		var impact environment.Impact
		require.NoError(t, json.Unmarshal(env.Data, &impact))
		assert.InDelta(t, 229.6, impact.TotalCO2, 1e-9)
		assert.InDelta(t, 10.44, impact.TreesEquivalent, 1e-9)
		assert.Equal(t, environment.LevelLow, impact.Level)
	})

	t.Run("Should recommend from the peak hour", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, base+"/recommendations", nil, "")
		var recs []string
		require.NoError(t, json.Unmarshal(env.Data, &recs))
		require.Len(t, recs, 3)
		assert.Contains(t, recs[0], "19:00")
	})

	t.Run("Should export selected columns", func(t *testing.T) {
		rec, _ := do(t, s, http.MethodGet, base+"/export.csv?columns=timestamp,kwh,billing", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "import-"+imp.ID)

		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 25)
		assert.Equal(t, []string{"timestamp", "kwh", "billing"}, records[0])
		assert.Equal(t, []string{"2026-10-18T19:00:00Z", "50.00", "100.00"}, records[20])

		rec, _ = do(t, s, http.MethodGet, base+"/export.csv?columns=voltage", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSyntheticAnalytics(t *testing.T) {
	s, _ := newTestServer(t)

	rec, env := do(t, s, http.MethodGet, "/api/v1/synthetic/device-007/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Equal(t, "synthetic:device-007", env.Meta.Source)

	var resp summaryResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 24, resp.Summary.Count)
	assert.Equal(t, models.DefaultPricePerUnit, resp.Tariff.PricePerUnit)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/synthetic/device-007/report", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateDispatch(t *testing.T) {
	s, _ := newTestServer(t)

	rec, env := do(t, s, http.MethodPost, "/api/v1/state", []byte(`{"type":"set_shift","value":"night"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"shift":"night"`)

	rec, env = do(t, s, http.MethodPost, "/api/v1/state", []byte(`{"type":"set_price","price":-1}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Warnings, 1)
	assert.Contains(t, string(env.Data), `"price_per_unit":0.01`)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/state", []byte(`{"type":"explode"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/state", []byte(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	createImport(t, s)

	_, env := do(t, s, http.MethodGet, "/api/v1/stats", nil, "")
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 24.0, stats["total_samples"])
	assert.Equal(t, true, stats["alerts_enabled"])
}

func TestOversizedUploads(t *testing.T) {
	s, _ := newTestServer(t)
	s.opts.Predictor = predict.NewClient("http://127.0.0.1:1", time.Second, nil)
	big := "timestamp,kwh\n" + strings.Repeat("08:00,1\n", (3<<20)/8)

	t.Run("Should answer 413 for a file just over the import limit", func(t *testing.T) {
		content := "timestamp,kwh\n" + strings.Repeat("08:00,1\n", (900<<10)/8)
		rec, _ := upload(t, s, "a.csv", content, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("Should answer 413 when the body exceeds the request limit", func(t *testing.T) {
		rec, env := upload(t, s, "a.csv", big, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Contains(t, env.Error, "exceeds")
	})

	t.Run("Should answer 413 for an oversized prediction upload", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "a.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(big))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		rec, _ := do(t, s, http.MethodPost, "/api/v1/predict", buf.Bytes(), mw.FormDataContentType())
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestRecoveredPanicsAreLogged(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	core, logs := observer.New(zap.ErrorLevel)
	s := NewServer(database, Options{Logger: zap.New(core), Production: true})
	s.Router().HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("meter exploded")
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessageSnippet("meter exploded").Len())
}

func TestPredictNotConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/api/v1/predict", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
