// Package testutil provides shared test helpers and a synthetic camera rig
// with known geometry.
package testutil

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewUploadRequest builds a multipart POST in the shape the recalibration
// endpoint expects: the tracks CSV as the "file" part and the calibration
// JSON as the "calibration" form field. A nil csv or empty calibration omits
// that part.
func NewUploadRequest(t *testing.T, path string, csv []byte, calibration string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if csv != nil {
		part, err := w.CreateFormFile("file", "poses.csv")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write(csv); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if calibration != "" {
		if err := w.WriteField("calibration", calibration); err != nil {
			t.Fatalf("write calibration field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}
