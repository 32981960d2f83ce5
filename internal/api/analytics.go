package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/anomaly"
	"energy-metrics-monitor/internal/environment"
	"energy-metrics-monitor/internal/export"
	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/predict"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// dataset is the sample selection an analytics request runs on
type dataset struct {
	source  string
	samples models.SampleSequence
	tariff  models.Tariff
}

type loader func(r *http.Request) (dataset, error)

type analyticsHandler func(w http.ResponseWriter, r *http.Request, d dataset)

// analyticsRoutes registers the analytics views below prefix
func (s *Server) analyticsRoutes(prefix string, load loader) {
	views := map[string]analyticsHandler{
		"/samples":         s.handleSamples,
		"/summary":         s.handleSummary,
		"/report":          s.handleReport,
		"/peaks":           s.handlePeaks,
		"/environment":     s.handleEnvironment,
		"/recommendations": s.handleRecommendations,
		"/export.csv":      s.handleExport,
	}
	for path, h := range views {
		s.router.HandleFunc(prefix+path, s.withDataset(load, h)).Methods("GET")
	}
}

// withDataset loads the samples and applies the price, device and shift query parameters
func (s *Server) withDataset(load loader, next analyticsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := load(r)
		if err != nil {
			s.respondErr(w, err)
			return
		}

		q := r.URL.Query()
		if v := q.Get("price"); v != "" {
			price, err := strconv.ParseFloat(v, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid price")
				return
			}
			tariff, err := models.NewTariff(price)
			if err != nil {
				s.log.Warn("price clamped", zap.String("source", d.source), zap.Error(err))
			}
			d.tariff = tariff
		}

		if device := q.Get("device"); device != "" {
			var filtered models.SampleSequence
			for _, smp := range d.samples {
				if smp.DeviceID == device {
					filtered = append(filtered, smp)
				}
			}
			d.samples = filtered
		}

		shift, err := aggregate.ParseShift(q.Get("shift"))
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if d.samples, err = aggregate.FilterShift(d.samples, shift); err != nil {
			s.respondErr(w, err)
			return
		}

		next(w, r, d)
	}
}

func (s *Server) loadImport(r *http.Request) (dataset, error) {
	id := mux.Vars(r)["id"]
	imp, err := s.db.GetImport(id)
	if err != nil {
		return dataset{}, err
	}
	samples, err := s.db.LoadSamples(id)
	if err != nil {
		return dataset{}, err
	}
	return dataset{
		source:  "import:" + id,
		samples: samples,
		tariff:  models.Tariff{PricePerUnit: imp.PricePerUnit},
	}, nil
}

func (s *Server) loadSynthetic(r *http.Request) (dataset, error) {
	device := mux.Vars(r)["device_id"]
	samples, err := s.opts.Synthetic.Samples(device)
	if err != nil {
		return dataset{}, err
	}
	return dataset{
		source:  "synthetic:" + device,
		samples: samples,
		tariff:  s.state.Snapshot().Tariff(),
	}, nil
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request, d dataset) {
	start := time.Now()
	views := d.samples.Views(d.tariff)
	total := len(views)

	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	if offset > 0 {
		if offset > len(views) {
			offset = len(views)
		}
		views = views[offset:]
	}
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}

	respondWithMeta(w, views, &meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Source:  d.source,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

type summaryResponse struct {
	Summary models.Summary          `json:"summary"`
	Tariff  models.Tariff           `json:"tariff"`
	Devices []aggregate.DeviceShare `json:"devices"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, d dataset) {
	sum, err := aggregate.Summarize(d.samples, d.tariff)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	shares, err := aggregate.DeviceShares(aggregate.TotalsByDevice(d.samples))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondWithMeta(w, summaryResponse{
		Summary: aggregate.RoundSummary(sum),
		Tariff:  d.tariff,
		Devices: shares,
	}, &meta{Total: sum.Count, Source: d.source})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, d dataset) {
	rows, err := aggregate.Report(d.samples, aggregate.PeriodOptions{
		Now:           s.opts.Now(),
		Tariff:        d.tariff,
		AllowEstimate: s.opts.AllowEstimate,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	for i := range rows {
		rows[i] = aggregate.RoundPeriod(rows[i])
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="report.csv"`)
		if err := export.ReportCSV(w, rows); err != nil {
			s.log.Error("report export failed", zap.Error(err))
		}
		return
	}
	respondWithMeta(w, rows, &meta{Total: len(rows), Source: d.source})
}

type peaksResponse struct {
	Field      anomaly.Field  `json:"field"`
	Multiplier float64        `json:"multiplier"`
	Flags      []bool         `json:"flags"`
	Peaks      []anomaly.Peak `json:"peaks"`
	Published  int            `json:"published"`
}

func (s *Server) handlePeaks(w http.ResponseWriter, r *http.Request, d dataset) {
	q := r.URL.Query()
	field, err := anomaly.ParseField(q.Get("field"))
	if err != nil {
		s.respondErr(w, err)
		return
	}

	multiplier := s.opts.Multiplier
	if v := q.Get("multiplier"); v != "" {
		if multiplier, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid multiplier")
			return
		}
	}
	if multiplier <= 0 {
		multiplier = anomaly.DefaultMultiplier
	}

	flags, err := anomaly.FlagPeaks(d.samples, field, multiplier)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	peaks, err := anomaly.Peaks(d.samples, field, multiplier)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if peaks == nil {
		peaks = []anomaly.Peak{}
	}

	resp := peaksResponse{Field: field, Multiplier: multiplier, Flags: flags, Peaks: peaks}
	if q.Get("publish") == "true" {
		n, err := s.opts.Alerts.Publish(r.Context(), d.source, peaks)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		resp.Published = n
	}
	respondWithMeta(w, resp, &meta{Total: len(peaks), Source: d.source})
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request, d dataset) {
	sum, err := aggregate.Summarize(d.samples, d.tariff)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	impact := environment.Assess(sum, s.opts.Thresholds)
	impact.TotalCO2 = aggregate.Round(impact.TotalCO2, 2)
	impact.AverageCO2PerHour = aggregate.Round(impact.AverageCO2PerHour, 2)
	impact.TreesEquivalent = aggregate.Round(impact.TreesEquivalent, 2)
	respondWithMeta(w, impact, &meta{Total: sum.Count, Source: d.source})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request, d dataset) {
	recs, err := predict.Recommend(d.samples)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondWithMeta(w, recs, &meta{Total: len(recs), Source: d.source})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, d dataset) {
	cols, err := export.ParseColumns(r.URL.Query().Get("columns"))
	if err != nil {
		s.respondErr(w, err)
		return
	}

	out, err := export.CSVString(d.samples, cols, d.tariff)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, exportName(d.source)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func exportName(source string) string {
	out := []rune(source)
	for i, c := range out {
		if c == ':' || c == '/' || c == '"' {
			out[i] = '-'
		}
	}
	return string(out)
}
