package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/recalibrate/internal/refine"
)

// ErrRunNotFound is returned by RunStore.Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one persisted recalibration run.
type RunRecord struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source,omitempty"`
	Status       string          `json:"status"`
	Stage        string          `json:"stage"`
	FailedStage  string          `json:"failed_stage,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Cameras      int             `json:"cameras"`
	Points       int             `json:"points"`
	Keypoints    int             `json:"keypoints"`
	Columns      int             `json:"columns"`
	InitialError *float64        `json:"initial_error,omitempty"`
	FinalError   *float64        `json:"final_error,omitempty"`
	Iterations   int             `json:"iterations"`
	PerCamera    json.RawMessage `json:"per_camera,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	StartedAt    int64           `json:"started_at"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
}

// CameraErrors decodes the per-camera error breakdown.
func (r *RunRecord) CameraErrors() ([]refine.CameraError, error) {
	if len(r.PerCamera) == 0 {
		return nil, nil
	}
	var out []refine.CameraError
	if err := json.Unmarshal(r.PerCamera, &out); err != nil {
		return nil, fmt.Errorf("decode per-camera errors: %w", err)
	}
	return out, nil
}

// NewRunRecord builds a record from a run summary.
func NewRunRecord(s refine.Summary, source string) (*RunRecord, error) {
	rec := &RunRecord{
		RunID:        s.ID,
		Source:       source,
		Status:       s.Status,
		Stage:        string(s.Stage),
		FailedStage:  string(s.FailedStage),
		ErrorKind:    s.ErrorKind,
		ErrorMessage: s.Error,
		Cameras:      s.Cameras,
		Points:       s.Points,
		Keypoints:    s.Keypoints,
		Columns:      s.Columns,
		StartedAt:    unixNanos(s.StartedAt),
		FinishedAt:   unixNanos(s.FinishedAt),
	}

	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	rec.Config = cfg

	if s.Report != nil {
		rec.InitialError = finiteOrNil(s.Report.InitialError)
		rec.FinalError = finiteOrNil(s.Report.FinalError)
		rec.Iterations = s.Report.Iterations
		if len(s.Report.PerCamera) > 0 {
			cams := make([]refine.CameraError, len(s.Report.PerCamera))
			for i, c := range s.Report.PerCamera {
				// JSON has no NaN; a camera without views has no error to report
				c.Before = finiteOrZero(c.Before)
				c.After = finiteOrZero(c.After)
				cams[i] = c
			}
			per, err := json.Marshal(cams)
			if err != nil {
				return nil, fmt.Errorf("encode per-camera errors: %w", err)
			}
			rec.PerCamera = per
		}
	}
	return rec, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// RunStore persists recalibration runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Insert persists a run. If RunID is empty, a UUID is generated.
func (s *RunStore) Insert(run *RunRecord) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}

	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO recalibration_runs (
				run_id, source, status, stage, failed_stage, error_kind, error_message,
				cameras, points, keypoints, columns_kept,
				initial_error, final_error, iterations, per_camera_json, config_json,
				started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Source, run.Status, run.Stage,
			nullStr(run.FailedStage), nullStr(run.ErrorKind), nullStr(run.ErrorMessage),
			run.Cameras, run.Points, run.Keypoints, run.Columns,
			nullFloat(run.InitialError), nullFloat(run.FinalError), run.Iterations,
			nullJSON(run.PerCamera), nullJSON(run.Config),
			run.StartedAt, nullInt(run.FinishedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	return nil
}

const runColumns = `
	run_id, source, status, stage, failed_stage, error_kind, error_message,
	cameras, points, keypoints, columns_kept,
	initial_error, final_error, iterations, per_camera_json, config_json,
	started_at, finished_at`

// Get returns a single run by ID.
func (s *RunStore) Get(runID string) (*RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM recalibration_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// List returns the most recent runs, newest first. A non-positive limit
// returns every run.
func (s *RunStore) List(limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM recalibration_runs ORDER BY started_at DESC, run_id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Delete removes a run by ID.
func (s *RunStore) Delete(runID string) error {
	var affected int64
	err := retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM recalibration_runs WHERE run_id = ?`, runID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		r                          RunRecord
		failedStage, kind, message sql.NullString
		perCamera, config          sql.NullString
		initialError, finalError   sql.NullFloat64
		finishedAt                 sql.NullInt64
	)
	err := row.Scan(
		&r.RunID, &r.Source, &r.Status, &r.Stage, &failedStage, &kind, &message,
		&r.Cameras, &r.Points, &r.Keypoints, &r.Columns,
		&initialError, &finalError, &r.Iterations, &perCamera, &config,
		&r.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.FailedStage = failedStage.String
	r.ErrorKind = kind.String
	r.ErrorMessage = message.String
	if initialError.Valid {
		v := initialError.Float64
		r.InitialError = &v
	}
	if finalError.Valid {
		v := finalError.Float64
		r.FinalError = &v
	}
	if perCamera.Valid {
		r.PerCamera = json.RawMessage(perCamera.String)
	}
	if config.Valid {
		r.Config = json.RawMessage(config.String)
	}
	r.FinishedAt = finishedAt.Int64
	return &r, nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

const (
	busyRetries = 5
	busyBackoff = 20 * time.Millisecond
)

// isSQLiteBusy reports whether err is a transient lock error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnBusy runs fn, retrying with linear backoff while SQLite reports the
// database as locked.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * busyBackoff)
	}
	return err
}
