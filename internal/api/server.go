// Package api serves recalibration over HTTP: multipart uploads of keypoint
// tracks plus a calibration, and the history of past runs.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/recalibrate/internal/config"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/httputil"
	"github.com/banshee-data/recalibrate/internal/refine"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Greeting is the body of GET /.
const Greeting = "Hello from recalibration server!"

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	orch *refine.Orchestrator
	// runs is nil when run history is disabled.
	runs *db.RunStore
	cfg  *config.RecalibConfig

	// AssetsHost overrides where run charts load echarts from.
	AssetsHost string
}

// NewServer returns a Server. runs may be nil; cfg may be nil for defaults.
func NewServer(orch *refine.Orchestrator, runs *db.RunStore, cfg *config.RecalibConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyRecalibConfig()
	}
	return &Server{orch: orch, runs: runs, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// CORSMiddleware allows cross-origin calls from browser front ends and
// answers preflight requests.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Expose-Headers", RunIDHeader)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeMux returns the service routes without any prefix or middleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleHello)
	mux.HandleFunc("/recalibrate", s.handleRecalibrate)
	mux.HandleFunc("/runs", s.handleListRuns)
	mux.HandleFunc("/runs/{id}", s.handleGetRun)
	mux.HandleFunc("/runs/{id}/chart", s.handleRunChart)
	return mux
}

// Handler mounts the routes at both / and /api/ and wraps them in the CORS
// and logging middleware.
func (s *Server) Handler() http.Handler {
	routes := s.ServeMux()
	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", routes))
	mux.Handle("/", routes)
	return LoggingMiddleware(CORSMiddleware(mux))
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Greeting))
}
