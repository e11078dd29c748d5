package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/config"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/httputil"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/testutil"
)

func calibrationJSON(t *testing.T, c *calib.Calibration) string {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return string(data)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHello(t *testing.T) {
	s, _ := setupTestServer(t, passSolver(), nil)
	h := s.Handler()

	for _, path := range []string{"/", "/api/"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.Equal(t, Greeting, rec.Body.String(), path)
	}

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/nope", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestRecalibrateSuccess(t *testing.T) {
	s, store := setupTestServer(t, passSolver(), nil)
	h := s.Handler()
	rig := testutil.NewRig(3, 4, 2)

	for _, path := range []string{"/recalibrate", "/api/recalibrate"} {
		t.Run(path, func(t *testing.T) {
			req := testutil.NewUploadRequest(t, path, rig.CSV(), calibrationJSON(t, rig.Calibration))
			rec := serve(h, req)
			testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			got, err := calib.ParseCalibration(rec.Body.Bytes())
			require.NoError(t, err)
			assert.Equal(t, rig.Calibration.CameraOrder, got.CameraOrder)
			require.Equal(t, rig.Cameras().Names(), got.Cameras.Names())
			for i, cam := range got.Cameras.Cameras() {
				assert.Equal(t, rig.Cameras().At(i).Offset, cam.Offset)
			}

			runID := rec.Header().Get(RunIDHeader)
			require.NotEmpty(t, runID)
			run, err := store.Get(runID)
			require.NoError(t, err)
			assert.Equal(t, refine.StatusDone, run.Status)
			assert.Equal(t, "upload", run.Source)
			assert.Equal(t, 3, run.Cameras)
			assert.Equal(t, 4, run.Points)
			assert.Equal(t, 2, run.Keypoints)
			assert.Equal(t, 8, run.Columns)
			require.NotNil(t, run.FinalError)
			assert.Equal(t, 0.4, *run.FinalError)
		})
	}
}

func TestRecalibrateCalibrationAsFilePart(t *testing.T) {
	s, _ := setupTestServer(t, passSolver(), nil)
	rig := testutil.NewRig(2, 3, 1)

	var body bytes.Buffer
	mw := newMultipart(t, &body, map[string][]byte{
		FieldFile:        rig.CSV(),
		FieldCalibration: []byte(calibrationJSON(t, rig.Calibration)),
	})
	req := httptest.NewRequest(http.MethodPost, "/recalibrate", &body)
	req.Header.Set("Content-Type", mw)

	rec := serve(s.Handler(), req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestRecalibrateUploadErrors(t *testing.T) {
	s, store := setupTestServer(t, passSolver(), nil)
	h := s.Handler()
	rig := testutil.NewRig(2, 3, 1)
	cal := calibrationJSON(t, rig.Calibration)

	tests := []struct {
		name    string
		req     *http.Request
		status  int
		message string
	}{
		{
			name:    "no file",
			req:     testutil.NewUploadRequest(t, "/recalibrate", nil, cal),
			status:  http.StatusBadRequest,
			message: "No file uploaded",
		},
		{
			name:    "no calibration",
			req:     testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), ""),
			status:  http.StatusBadRequest,
			message: "No initial calibration uploaded",
		},
		{
			name: "not multipart",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/recalibrate", strings.NewReader("{}"))
				r.Header.Set("Content-Type", "application/json")
				return r
			}(),
			status:  http.StatusBadRequest,
			message: "No file uploaded",
		},
		{
			name:    "bad csv header",
			req:     testutil.NewUploadRequest(t, "/recalibrate", []byte("a,b\n1,2\n"), cal),
			status:  http.StatusBadRequest,
			message: "Error reading CSV file",
		},
		{
			name:    "bad csv value",
			req:     testutil.NewUploadRequest(t, "/recalibrate", []byte("scorer,s,s\nbodyparts,kp,kp\ncoords,x,y\nsession/cam--cam0/frame-0000,1.5,abc\n"), cal),
			status:  http.StatusBadRequest,
			message: "Error reading CSV file",
		},
		{
			name:    "bad calibration",
			req:     testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), `{"cameras": 7}`),
			status:  http.StatusBadRequest,
			message: "Error reading calibration",
		},
		{
			name:    "wrong method",
			req:     httptest.NewRequest(http.MethodGet, "/recalibrate", nil),
			status:  http.StatusMethodNotAllowed,
			message: "method not allowed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.req)
			testutil.AssertStatusCode(t, rec.Code, tt.status)
			body := decodeError(t, rec)
			assert.Contains(t, body.Error, tt.message)
		})
	}

	// none of these got far enough to start a run
	runs, err := store.List(0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRecalibrateRunFailures(t *testing.T) {
	rig := testutil.NewRig(3, 4, 2)
	single := testutil.NewRig(1, 4, 2)

	// drop cam2 so its rows name an unknown camera
	partial := rig.Cameras().Clone()
	known, err := calib.NewCameraSet(partial.Cameras()[:2])
	require.NoError(t, err)
	missingCam := &calib.Calibration{Cameras: known, CameraOrder: []string{"cam0", "cam1"}}

	tests := []struct {
		name   string
		solver refine.Solver
		csv    []byte
		cal    *calib.Calibration
		status int
		kind   string
		stage  refine.Stage
	}{
		{
			name:   "malformed label",
			solver: passSolver(),
			csv:    []byte("scorer,s,s\nbodyparts,kp,kp\ncoords,x,y\nno-camera-here,1,2\n"),
			cal:    rig.Calibration,
			status: http.StatusBadRequest,
			kind:   refine.KindMalformedLabel,
			stage:  refine.StageParsingObservations,
		},
		{
			name:   "unknown camera",
			solver: passSolver(),
			csv:    rig.CSV(),
			cal:    missingCam,
			status: http.StatusBadRequest,
			kind:   refine.KindUnknownCamera,
			stage:  refine.StageReconcilingTensor,
		},
		{
			name:   "insufficient observations",
			solver: passSolver(),
			csv:    single.CSV(),
			cal:    single.Calibration,
			status: http.StatusUnprocessableEntity,
			kind:   refine.KindInsufficientObservations,
			stage:  refine.StageFiltering,
		},
		{
			name:   "solver error",
			solver: failingSolver(errors.New("diverged")),
			csv:    rig.CSV(),
			cal:    rig.Calibration,
			status: http.StatusInternalServerError,
			kind:   refine.KindRefinementFailed,
			stage:  refine.StageRefining,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := setupTestServer(t, tt.solver, nil)
			req := testutil.NewUploadRequest(t, "/recalibrate", tt.csv, calibrationJSON(t, tt.cal))
			rec := serve(s.Handler(), req)

			testutil.AssertStatusCode(t, rec.Code, tt.status)
			body := decodeError(t, rec)
			assert.Equal(t, tt.kind, body.Kind)
			assert.Equal(t, string(tt.stage), body.Stage)
			require.NotEmpty(t, body.RunID)
			assert.Equal(t, body.RunID, rec.Header().Get(RunIDHeader))

			run, err := store.Get(body.RunID)
			require.NoError(t, err)
			assert.Equal(t, refine.StatusFailed, run.Status)
			assert.Equal(t, tt.kind, run.ErrorKind)
			assert.Equal(t, string(tt.stage), run.FailedStage)
		})
	}
}

func TestRecalibrateTimeout(t *testing.T) {
	timeout := "20ms"
	s, store := setupTestServer(t, blockingSolver(), &config.RecalibConfig{RequestTimeout: &timeout})
	rig := testutil.NewRig(2, 3, 1)

	rec := serve(s.Handler(), testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), calibrationJSON(t, rig.Calibration)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusGatewayTimeout)
	body := decodeError(t, rec)
	assert.Equal(t, refine.KindTimeout, body.Kind)

	run, err := store.Get(body.RunID)
	require.NoError(t, err)
	assert.Equal(t, refine.KindTimeout, run.ErrorKind)
}

func TestRecalibrateUploadTooLarge(t *testing.T) {
	limit := int64(256)
	s, _ := setupTestServer(t, passSolver(), &config.RecalibConfig{MaxUploadBytes: &limit})
	rig := testutil.NewRig(3, 20, 4)

	rec := serve(s.Handler(), testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), calibrationJSON(t, rig.Calibration)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusRequestEntityTooLarge)
	assert.Contains(t, decodeError(t, rec).Error, "256")
}

func TestRunHistoryRoutes(t *testing.T) {
	s, _ := setupTestServer(t, passSolver(), nil)
	h := s.Handler()
	rig := testutil.NewRig(3, 4, 2)

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		rec := serve(h, testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), calibrationJSON(t, rig.Calibration)))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		ids = append(ids, rec.Header().Get(RunIDHeader))
	}

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var runs []db.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.ElementsMatch(t, ids, []string{runs[0].RunID, runs[1].RunID})

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs?limit=zero", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs/"+ids[0], nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var run db.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, ids[0], run.RunID)
	per, err := run.CameraErrors()
	require.NoError(t, err)
	assert.Len(t, per, 3)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs/"+ids[0]+"/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "cam2")

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/runs/"+ids[0]+"/chart?format=png", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err = png.Decode(bytes.NewReader(rec.Body.Bytes()))
	assert.NoError(t, err)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs/"+ids[0]+"/chart?format=gif", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/runs/missing/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestRunChartWithoutCameraErrors(t *testing.T) {
	s, store := setupTestServer(t, passSolver(), nil)
	require.NoError(t, store.Insert(&db.RunRecord{RunID: "failed-run", Status: refine.StatusFailed, Stage: string(refine.StageFailed)}))

	rec := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/runs/failed-run/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	assert.Contains(t, decodeError(t, rec).Error, "no per-camera errors")
}

func TestRunHistoryDisabled(t *testing.T) {
	s := NewServer(refine.NewOrchestrator(passSolver()), nil, nil)
	h := s.Handler()

	for _, path := range []string{"/runs", "/runs/abc", "/runs/abc/chart"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
		assert.Equal(t, msgHistoryDisabled, decodeError(t, rec).Error)
	}

	// uploads still work without a store
	rig := testutil.NewRig(2, 3, 1)
	rec := serve(h, testutil.NewUploadRequest(t, "/recalibrate", rig.CSV(), calibrationJSON(t, rig.Calibration)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestCORS(t *testing.T) {
	s, _ := setupTestServer(t, passSolver(), nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/recalibrate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(h, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, RunIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestStatusForKind(t *testing.T) {
	tests := map[string]int{
		refine.KindMalformedLabel:           http.StatusBadRequest,
		refine.KindShapeMismatch:            http.StatusBadRequest,
		refine.KindUnknownCamera:            http.StatusBadRequest,
		refine.KindInsufficientObservations: http.StatusUnprocessableEntity,
		refine.KindRefinementFailed:         http.StatusInternalServerError,
		refine.KindTimeout:                  http.StatusGatewayTimeout,
		refine.KindCanceled:                 http.StatusServiceUnavailable,
		refine.KindInternal:                 http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(304), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(500), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
