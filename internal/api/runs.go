package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/httputil"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/report"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 1000
)

const msgHistoryDisabled = "run history is not enabled"

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runs == nil {
		httputil.NotFound(w, msgHistoryDisabled)
		return
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.runs.List(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*db.RunRecord{}
	}
	httputil.WriteJSONOK(w, runs)
}

// lookupRun resolves the {id} path value, writing the error response itself
// when the run cannot be served.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*db.RunRecord, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return nil, false
	}
	if s.runs == nil {
		httputil.NotFound(w, msgHistoryDisabled)
		return nil, false
	}
	run, err := s.runs.Get(r.PathValue("id"))
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return nil, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, run)
}

// handleRunChart renders the per-camera error of a run as an echarts page,
// or as a PNG with ?format=png.
func (s *Server) handleRunChart(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	per, err := run.CameraErrors()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(per) == 0 {
		httputil.NotFound(w, fmt.Sprintf("run %s has no per-camera errors", run.RunID))
		return
	}

	opts := report.Options{
		Title:      "Run " + run.RunID,
		AssetsHost: s.AssetsHost,
	}
	if run.InitialError != nil && run.FinalError != nil {
		opts.Subtitle = report.Subtitle(refine.Report{
			InitialError: *run.InitialError,
			FinalError:   *run.FinalError,
			Iterations:   run.Iterations,
		})
	}

	var buf bytes.Buffer
	switch format := r.URL.Query().Get("format"); format {
	case "", "html":
		if err := report.RenderHTML(&buf, per, opts); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		httputil.WriteHTML(w, buf.Bytes())
	case "png":
		if err := report.RenderPNG(&buf, per, opts); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	default:
		httputil.BadRequest(w, fmt.Sprintf("unsupported chart format %q", format))
	}
}
