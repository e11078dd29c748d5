package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/httputil"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/tracks"
)

// Form fields of POST /recalibrate.
const (
	FieldFile        = "file"
	FieldCalibration = "calibration"
)

// RunIDHeader carries the run ID on /recalibrate responses.
const RunIDHeader = "X-Run-ID"

// sourceUpload tags runs started over HTTP in the history.
const sourceUpload = "upload"

// multipartMemory is how much of a form ParseMultipartForm keeps in memory
// before spilling file parts to disk.
const multipartMemory = 32 << 20

// Upload error messages.
const (
	msgNoFile        = "No file uploaded"
	msgNoCalibration = "No initial calibration uploaded"
)

// statusForKind maps a run failure class to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case refine.KindMalformedLabel, refine.KindShapeMismatch, refine.KindUnknownCamera:
		return http.StatusBadRequest
	case refine.KindInsufficientObservations:
		return http.StatusUnprocessableEntity
	case refine.KindTimeout:
		return http.StatusGatewayTimeout
	case refine.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.GetMaxUploadBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httputil.RequestTooLarge(w, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, http.ErrNotMultipart):
			httputil.BadRequest(w, msgNoFile)
		default:
			httputil.BadRequest(w, fmt.Sprintf("invalid upload: %v", err))
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile(FieldFile)
	if err != nil {
		httputil.BadRequest(w, msgNoFile)
		return
	}
	defer file.Close()

	calibJSON, err := calibrationField(r)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Error reading calibration: %v", err))
		return
	}
	if len(bytes.TrimSpace(calibJSON)) == 0 {
		httputil.BadRequest(w, msgNoCalibration)
		return
	}

	table, err := tracks.ReadCSV(file)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: fmt.Sprintf("Error reading CSV file: %v", err),
			Kind:  csvErrorKind(err),
		})
		return
	}

	calibration, err := calib.ParseCalibration(calibJSON)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Error reading calibration: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GetRequestTimeout())
	defer cancel()

	run := s.orch.NewRun(refine.Request{
		Rows:        table.Rows(),
		Calibration: calibration,
		Config:      refine.ConfigFromTuning(s.cfg),
	})
	w.Header().Set(RunIDHeader, run.ID())

	res, err := run.Execute(ctx)
	s.record(run.Summary())
	if err != nil {
		summary := run.Summary()
		httputil.WriteError(w, statusForKind(summary.ErrorKind), httputil.ErrorResponse{
			Error: err.Error(),
			Kind:  summary.ErrorKind,
			Stage: string(summary.FailedStage),
			RunID: summary.ID,
		})
		return
	}
	httputil.WriteJSONOK(w, res.Calibration)
}

// calibrationField returns the calibration JSON, sent either as a plain form
// value or as a file part.
func calibrationField(r *http.Request) ([]byte, error) {
	if v := r.FormValue(FieldCalibration); v != "" {
		return []byte(v), nil
	}
	f, _, err := r.FormFile(FieldCalibration)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func csvErrorKind(err error) string {
	if errors.Is(err, tracks.ErrMalformedHeader) {
		return "malformed_header"
	}
	if k := refine.Kind(err); k != refine.KindInternal {
		return k
	}
	return ""
}

// record stores a finished run. History is best effort: a failed insert is
// logged and the response is unaffected.
func (s *Server) record(summary refine.Summary) {
	if s.runs == nil {
		return
	}
	rec, err := db.NewRunRecord(summary, sourceUpload)
	if err != nil {
		log.Printf("run %s: %v", summary.ID, err)
		return
	}
	if err := s.runs.Insert(rec); err != nil {
		log.Printf("run %s: failed to record: %v", summary.ID, err)
	}
}
