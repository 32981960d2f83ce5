package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/parser"
	"energy-metrics-monitor/internal/state"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.db.ListDevices()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d models.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if d.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.db.InsertDevice(&d); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			respondError(w, http.StatusConflict, "device already exists")
			return
		}
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.db.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	imports, err := s.db.ListImports()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if imports == nil {
		imports = []models.Import{}
	}
	respondWithMeta(w, imports, &meta{Total: len(imports)})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	imp, err := s.db.GetImport(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, imp)
}

func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.db.DeleteImport(id); err != nil {
		s.respondErr(w, err)
		return
	}
	if s.state.Snapshot().ActiveImportID == id {
		s.state.Dispatch(state.Action{Type: state.ActionImportCleared})
	}
	s.log.Info("import discarded", zap.String("import_id", id))
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type importResponse struct {
	Import     models.Import          `json:"import"`
	Validation state.ImportValidation `json:"validation"`
}

// handleCreateImport accepts a multipart upload in the "file" field with
// optional "device_id", "format" and "price" fields.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(s.opts.MaxBytes); err != nil {
		respondUploadError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var warnings []string
	tariff := s.opts.Tariff
	if v := r.FormValue("price"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price")
			return
		}
		if tariff, err = models.NewTariff(price); err != nil {
			warnings = append(warnings, err.Error())
		}
	}

	deviceID := r.FormValue("device_id")
	p := parser.NewParser(r.FormValue("format")).WithDevice(deviceID).WithMaxBytes(s.opts.MaxBytes)
	res, err := p.Parse(file, header.Filename)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	validation := state.ImportValidation{
		Filename: header.Filename,
		Valid:    len(res.Samples) > 0,
		Records:  res.Records,
		Skipped:  res.Skipped,
		Warnings: res.Warnings,
	}
	if !validation.Valid {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(apiResponse{
			Success:  false,
			Error:    models.ErrEmptyInput.Error(),
			Data:     validation,
			Warnings: res.Warnings,
		})
		return
	}

	imp := models.Import{
		DeviceID:     deviceID,
		Filename:     header.Filename,
		PricePerUnit: tariff.PricePerUnit,
		Records:      res.Records,
		Skipped:      res.Skipped,
	}
	if err := s.db.CreateImport(&imp, res.Samples); err != nil {
		s.respondErr(w, err)
		return
	}

	if _, err := s.state.Dispatch(state.Action{
		Type:       state.ActionImportLoaded,
		ImportID:   imp.ID,
		Validation: &validation,
	}); err != nil {
		s.log.Warn("failed to activate import", zap.String("import_id", imp.ID), zap.Error(err))
	}

	s.log.Info("import stored",
		zap.String("import_id", imp.ID),
		zap.String("filename", imp.Filename),
		zap.Int("samples", len(res.Samples)),
		zap.Int("skipped", res.Skipped),
	)
	respondWithWarnings(w, http.StatusCreated, importResponse{Import: imp, Validation: validation}, warnings)
}

// respondUploadError answers a failed multipart parse; bodies cut off by
// http.MaxBytesReader are reported as too large.
func respondUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
}

// handlePredict forwards an upload to the prediction service
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.opts.Predictor == nil {
		respondError(w, http.StatusServiceUnavailable, "prediction service not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(s.opts.MaxBytes); err != nil {
		respondUploadError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	pred, err := s.opts.Predictor.Upload(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.respondErr(w, err)
		return
	}

	flags, err := pred.Peaks(s.opts.Multiplier)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"prediction": pred,
		"peaks":      flags,
	})
}
