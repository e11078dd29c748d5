package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/httputil"
)

// Client calls a running recalibration service.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient returns a client for the service at baseURL. A nil hc uses
// http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// APIError is a non-2xx reply from the service.
type APIError struct {
	StatusCode int
	httputil.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

// RecalibrateResult is the outcome of a remote recalibration.
type RecalibrateResult struct {
	RunID       string
	Calibration *calib.Calibration
}

// Recalibrate uploads a tracks CSV and a calibration and returns the refined
// calibration.
func (c *Client) Recalibrate(ctx context.Context, csv io.Reader, calibration []byte) (*RecalibrateResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(FieldFile, "poses.csv")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, csv); err != nil {
		return nil, fmt.Errorf("read tracks: %w", err)
	}
	if err := mw.WriteField(FieldCalibration, string(calibration)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recalibrate", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recalibrate request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	cal, err := calib.ParseCalibration(data)
	if err != nil {
		return nil, fmt.Errorf("decode calibration: %w", err)
	}
	return &RecalibrateResult{RunID: resp.Header.Get(RunIDHeader), Calibration: cal}, nil
}

// Run fetches one run record.
func (c *Client) Run(ctx context.Context, id string) (*db.RunRecord, error) {
	var run db.RunRecord
	if err := c.getJSON(ctx, "/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs lists the most recent runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]*db.RunRecord, error) {
	path := "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []*db.RunRecord
	if err := c.getJSON(ctx, path, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
		apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
	}
	return apiErr
}
