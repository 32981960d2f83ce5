package predict

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"energy-metrics-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload(t *testing.T) {
	var gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload/", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotName, gotBody = header.Filename, string(data)

		pred := make([]float64, 24)
		for i := range pred {
			pred[i] = 10
		}
		pred[19] = 30
		json.NewEncoder(w).Encode(map[string]interface{}{
			"filename":        header.Filename,
			"prediccion_24h":  pred,
			"recomendaciones": []string{"a", "b", "c"},
			"status":          "trained",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, nil)
	p, err := c.Upload(context.Background(), "consumo.csv", strings.NewReader("timestamp,consumo kwh\n"))
	require.NoError(t, err)

	assert.Equal(t, "consumo.csv", gotName)
	assert.Equal(t, "timestamp,consumo kwh\n", gotBody)
	assert.Len(t, p.Next24h, 24)
	assert.Equal(t, []string{"a", "b", "c"}, p.Recommendations)
	assert.Equal(t, "trained", p.Status)

	t.Run("Should flag predicted peaks", func(t *testing.T) {
		flags, err := p.Peaks(0)
		require.NoError(t, err)
		assert.True(t, flags[19])
		assert.False(t, flags[0])
	})
}

func TestUploadErrors(t *testing.T) {
	t.Run("Should surface the service error message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"missing columns: timestamp"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, time.Second, nil).Upload(context.Background(), "a.csv", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrRemote)
		assert.Contains(t, err.Error(), "missing columns")
	})

	t.Run("Should report bad payloads", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, time.Second, nil).Upload(context.Background(), "a.csv", strings.NewReader("x"))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrRemote)
	})

	t.Run("Should require a url", func(t *testing.T) {
		_, err := NewClient("", time.Second, nil).Upload(context.Background(), "a.csv", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("Should honor context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewClient(srv.URL, time.Second, nil).Upload(ctx, "a.csv", strings.NewReader("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAsk(t *testing.T) {
	t.Run("Should post the prompt and files to the assistant route", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/spark-check-ai/", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			assert.Equal(t, "where are my peaks?", r.FormValue("prompt"))
			assert.Len(t, r.MultipartForm.File["files"], 1)
			w.Write([]byte(`{"response":"at 19:00"}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		ans, err := NewClient(srv.URL, time.Second, nil).Ask(context.Background(), "where are my peaks?",
			map[string]io.Reader{"bill.pdf": strings.NewReader("%PDF")})
		require.NoError(t, err)
		assert.Equal(t, "at 19:00", ans.Response)
	})

	t.Run("Should surface an error body on success status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"no documents"}`))
		}))
		defer srv.Close()

		ans, err := NewClient(srv.URL, time.Second, nil).Ask(context.Background(), "hello", nil)
		assert.Nil(t, ans)
		assert.ErrorIs(t, err, ErrRemote)
		assert.Contains(t, err.Error(), "no documents")
	})
}

func TestRecommend(t *testing.T) {
	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	var samples models.SampleSequence
	for d := 0; d < 2; d++ {
		for h := 0; h < 24; h++ {
			kwh := 2.0
			if h == 19 {
				kwh = 8
			}
			samples = append(samples, models.EnergySample{
				Timestamp:    day.Add(time.Duration(d*24+h) * time.Hour),
				ActiveEnergy: kwh,
			})
		}
	}

	recs, err := Recommend(samples)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Contains(t, recs[0], "19:00")
	assert.Contains(t, recs[1], "2.25 kWh")
	assert.Equal(t, StandbyAdvice, recs[2])

	_, err = Recommend(nil)
	assert.ErrorIs(t, err, models.ErrEmptyInput)
}

func TestPeakHourTies(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 0, 0, 0, time.UTC) }
	h, err := PeakHour(models.SampleSequence{
		{Timestamp: at(9), ActiveEnergy: 5},
		{Timestamp: at(3), ActiveEnergy: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, h)
}
