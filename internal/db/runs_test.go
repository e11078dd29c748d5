package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recalibrate/internal/bundle"
	"github.com/banshee-data/recalibrate/internal/observe"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/testutil"
)

func doneSummary(id string, started time.Time) refine.Summary {
	return refine.Summary{
		ID:        id,
		Status:    refine.StatusDone,
		Stage:     refine.StageDone,
		Cameras:   3,
		Points:    4,
		Keypoints: 2,
		Columns:   8,
		Config:    refine.DefaultConfig(),
		Report: &refine.Report{
			InitialError: 4.5,
			FinalError:   0.7,
			Iterations:   6,
			PerCamera: []refine.CameraError{
				{Name: "cam0", Before: 4.0, After: 0.5, Observations: 8},
				{Name: "cam1", Before: 5.0, After: 0.9, Observations: 8},
			},
		},
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}
}

func TestRunStoreInsertGet(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := NewRunRecord(doneSummary("run-1", started), "upload")
	require.NoError(t, err)
	require.NoError(t, store.Insert(rec))

	got, err := store.Get("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("stored run mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, got.FinalError)
	assert.Equal(t, 0.7, *got.FinalError)
	assert.Equal(t, started.Add(2*time.Second).UnixNano(), got.FinishedAt)

	per, err := got.CameraErrors()
	require.NoError(t, err)
	require.Len(t, per, 2)
	assert.Equal(t, "cam1", per[1].Name)
	assert.Equal(t, 0.9, per[1].After)
}

func TestRunStoreFailedRun(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	s := refine.Summary{
		ID:          "run-failed",
		Status:      refine.StatusFailed,
		Stage:       refine.StageFailed,
		FailedStage: refine.StageParsingObservations,
		ErrorKind:   refine.KindMalformedLabel,
		Error:       "malformed label",
		StartedAt:   time.Unix(100, 0),
	}
	rec, err := NewRunRecord(s, "")
	require.NoError(t, err)
	require.NoError(t, store.Insert(rec))

	got, err := store.Get("run-failed")
	require.NoError(t, err)
	assert.Equal(t, string(refine.StageParsingObservations), got.FailedStage)
	assert.Equal(t, refine.KindMalformedLabel, got.ErrorKind)
	assert.Nil(t, got.InitialError)
	assert.Nil(t, got.FinalError)
	assert.Empty(t, got.PerCamera)
	assert.Zero(t, got.FinishedAt)

	per, err := got.CameraErrors()
	require.NoError(t, err)
	assert.Nil(t, per)
}

func TestRunStoreInsertGeneratesID(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	rec := &RunRecord{Status: refine.StatusRunning, Stage: string(refine.StageIdle)}
	require.NoError(t, store.Insert(rec))
	assert.NotEmpty(t, rec.RunID)
	assert.NotZero(t, rec.StartedAt)

	_, err := store.Get(rec.RunID)
	assert.NoError(t, err)

	// primary key collision
	assert.Error(t, store.Insert(rec))
}

func TestRunStoreList(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		rec, err := NewRunRecord(doneSummary(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute)), "")
		require.NoError(t, err)
		require.NoError(t, store.Insert(rec))
	}

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "run-4", all[0].RunID)
	assert.Equal(t, "run-0", all[4].RunID)

	recent, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []string{"run-4", "run-3"}, []string{recent[0].RunID, recent[1].RunID})
}

func TestRunStoreNotFound(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, store.Delete("missing"), ErrRunNotFound)

	empty, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRunStoreDelete(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	rec, err := NewRunRecord(doneSummary("run-del", time.Unix(5, 0)), "")
	require.NoError(t, err)
	require.NoError(t, store.Insert(rec))
	require.NoError(t, store.Delete("run-del"))

	_, err = store.Get("run-del")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked"), true},
		{"busy code", errors.New("sqlite: step: SQLITE_BUSY"), true},
		{"wrapped", fmt.Errorf("insert: %w", errors.New("database is locked (5)")), true},
		{"other", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("constraint failed")
	err = retryOnBusy(func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, busyRetries, calls)
}

func TestNewRunRecordNonFiniteErrors(t *testing.T) {
	s := doneSummary("run-nan", time.Unix(100, 0))
	s.Report.InitialError = math.NaN()
	s.Report.PerCamera = append(s.Report.PerCamera, refine.CameraError{
		Name: "cam2", Before: math.NaN(), After: math.Inf(1),
	})

	rec, err := NewRunRecord(s, "upload")
	require.NoError(t, err)
	assert.Nil(t, rec.InitialError)
	require.NotNil(t, rec.FinalError)

	per, err := rec.CameraErrors()
	require.NoError(t, err)
	require.Len(t, per, 3)
	assert.Equal(t, refine.CameraError{Name: "cam2"}, per[2])
	// the summary itself is left alone
	assert.True(t, math.IsNaN(s.Report.PerCamera[2].Before))
}

func TestRunWithUnseenCameraIsRecorded(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	rig := testutil.NewRig(3, 10, 2)
	var rows []observe.Row
	for _, row := range rig.Rows() {
		if !strings.Contains(row.Label, "cam--cam2/") {
			rows = append(rows, row)
		}
	}
	cfg := refine.DefaultConfig()
	cfg.Iterations = 2
	cfg.SampleIter = 40
	cfg.MaxEvaluations = 40
	cfg.Verbose = false

	res, err := refine.NewOrchestrator(bundle.NewSolver()).Run(context.Background(), refine.Request{
		Rows:        rows,
		Calibration: rig.Calibration,
		Config:      cfg,
	})
	require.NoError(t, err)

	rec, err := NewRunRecord(res.Summary, "cli")
	require.NoError(t, err)
	require.NoError(t, store.Insert(rec))

	got, err := store.Get(res.Summary.ID)
	require.NoError(t, err)
	assert.Equal(t, refine.StatusDone, got.Status)
	per, err := got.CameraErrors()
	require.NoError(t, err)
	require.Len(t, per, 3)
	assert.Equal(t, "cam2", per[2].Name)
	assert.Zero(t, per[2].Observations)
}
