// Package refine drives a recalibration run from raw observation rows to an
// updated calibration. It owns the run's stage machine and hands the filtered
// observations to a Solver.
package refine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/observe"
	"github.com/banshee-data/recalibrate/internal/timeutil"
)

// Stage is a step of a run's lifecycle.
type Stage string

const (
	StageIdle                Stage = "idle"
	StageParsingObservations Stage = "parsing_observations"
	StageReconcilingTensor   Stage = "reconciling_tensor"
	StageFiltering           Stage = "filtering"
	StageRefining            Stage = "refining"
	StageDone                Stage = "done"
	StageFailed              Stage = "failed"
)

// Run statuses recorded in summaries.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Request is the input of one recalibration run.
type Request struct {
	Rows        []observe.Row
	Calibration *calib.Calibration
	// Config is the solver schedule. The zero value selects DefaultConfig.
	Config Config
}

// Result is the output of a successful run.
type Result struct {
	Calibration *calib.Calibration
	Report      Report
	Summary     Summary
}

// Summary describes a run for logs and the run history.
type Summary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Stage  Stage  `json:"stage"`
	// FailedStage is the stage that was active when the run failed.
	FailedStage Stage  `json:"failed_stage,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`

	Cameras   int `json:"cameras"`
	Points    int `json:"points"`
	Keypoints int `json:"keypoints"`
	Columns   int `json:"columns"`

	Config     Config    `json:"config"`
	Report     *Report   `json:"report,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the run took, or zero while it is running.
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Orchestrator creates and executes runs against a Solver. It is safe for
// concurrent use; every run works on its own copy of the camera set.
type Orchestrator struct {
	solver Solver

	mu      sync.RWMutex
	clock   timeutil.Clock
	onStage func(*Run, Stage)
}

// NewOrchestrator returns an Orchestrator backed by solver.
func NewOrchestrator(solver Solver) *Orchestrator {
	return &Orchestrator{solver: solver, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used to stamp runs.
func (o *Orchestrator) SetClock(c timeutil.Clock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = c
}

func (o *Orchestrator) now() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clock.Now()
}

// OnStage registers a hook called on every stage transition of every run.
// The hook runs synchronously on the run's goroutine.
func (o *Orchestrator) OnStage(fn func(run *Run, stage Stage)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStage = fn
}

// Run executes a new run for req and waits for it to finish.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	return o.NewRun(req).Execute(ctx)
}

// NewRun prepares a run without starting it.
func (o *Orchestrator) NewRun(req Request) *Run {
	cfg := req.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	r := &Run{
		o:     o,
		req:   req,
		cfg:   cfg,
		stage: StageIdle,
	}
	r.summary = Summary{
		ID:     uuid.New().String(),
		Status: StatusRunning,
		Stage:  StageIdle,
		Config: cfg,
	}
	return r
}

// Run is a single recalibration attempt. A Run executes at most once.
type Run struct {
	o   *Orchestrator
	req Request
	cfg Config

	mu       sync.Mutex
	stage    Stage
	executed bool
	summary  Summary
}

// ID returns the run's unique identifier.
func (r *Run) ID() string {
	return r.summary.ID
}

// Stage returns the current stage.
func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Summary returns a snapshot of the run's summary.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	if s.Report != nil {
		rep := *s.Report
		rep.PerCamera = append([]CameraError(nil), rep.PerCamera...)
		s.Report = &rep
	}
	return s
}

func (r *Run) setStage(s Stage) {
	r.mu.Lock()
	r.stage = s
	r.summary.Stage = s
	r.mu.Unlock()

	r.o.mu.RLock()
	hook := r.o.onStage
	r.o.mu.RUnlock()
	if hook != nil {
		hook(r, s)
	}
}

// Execute performs the run. On failure the run ends in StageFailed and the
// returned error keeps the sentinel of the stage that failed. When ctx is
// done before the solver returns, Execute stops waiting and returns ctx.Err().
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.executed {
		r.mu.Unlock()
		return nil, ErrAlreadyExecuted
	}
	r.executed = true
	r.summary.StartedAt = r.o.now()
	r.mu.Unlock()

	res, err := r.execute(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}

	r.mu.Lock()
	r.summary.Status = StatusDone
	r.summary.FinishedAt = r.o.now()
	rep := res.Report
	r.summary.Report = &rep
	r.mu.Unlock()
	r.setStage(StageDone)

	res.Summary = r.Summary()
	return res, nil
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	r.summary.Status = StatusFailed
	r.summary.FailedStage = r.stage
	r.summary.ErrorKind = Kind(err)
	r.summary.Error = err.Error()
	r.summary.FinishedAt = r.o.now()
	r.mu.Unlock()
	r.setStage(StageFailed)
}

func (r *Run) execute(ctx context.Context) (*Result, error) {
	if r.req.Calibration == nil || r.req.Calibration.Cameras == nil {
		return nil, errors.New("request has no calibration")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.setStage(StageParsingObservations)
	obs, err := observe.ParseRows(r.req.Rows)
	if err != nil {
		return nil, err
	}

	r.setStage(StageReconcilingTensor)
	original := r.req.Calibration.Cameras
	working := original.Clone()
	tensor, err := observe.Reconcile(obs, working)
	if err != nil {
		return nil, err
	}
	shape := tensor.Shape()
	r.mu.Lock()
	r.summary.Cameras = shape[0]
	r.summary.Points = shape[1]
	r.summary.Keypoints = shape[2]
	r.mu.Unlock()

	r.setStage(StageFiltering)
	filtered, err := observe.Filter(tensor.Flatten())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.summary.Columns = filtered.Columns
	r.mu.Unlock()

	r.setStage(StageRefining)
	sol, err := r.solve(ctx, working, filtered)
	if err != nil {
		return nil, err
	}

	merged, err := mergeSolution(original, sol.Cameras)
	if err != nil {
		return nil, err
	}
	return &Result{
		Calibration: &calib.Calibration{
			Cameras:     merged,
			CameraOrder: append([]string(nil), r.req.Calibration.CameraOrder...),
		},
		Report: sol.Report,
	}, nil
}

type solveOutcome struct {
	sol *Solution
	err error
}

// solve runs the solver on its own goroutine so a cancelled context releases
// the caller immediately. The abandoned solver sees the same ctx and is
// expected to stop on its own.
func (r *Run) solve(ctx context.Context, cams *calib.CameraSet, obs *observe.Observations) (*Solution, error) {
	done := make(chan solveOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- solveOutcome{err: fmt.Errorf("%w: solver panic: %v", ErrRefinementFailed, p)}
			}
		}()
		sol, err := r.o.solver.Refine(ctx, cams, obs, r.cfg)
		done <- solveOutcome{sol: sol, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(out.err, ctxErr) {
				return nil, ctxErr
			}
			if errors.Is(out.err, ErrRefinementFailed) {
				return nil, out.err
			}
			return nil, fmt.Errorf("%w: %w", ErrRefinementFailed, out.err)
		}
		if out.sol == nil || out.sol.Cameras == nil {
			return nil, fmt.Errorf("%w: solver returned no cameras", ErrRefinementFailed)
		}
		return out.sol, nil
	}
}

// mergeSolution lines the refined cameras up with the originals and restores
// each camera's offset, which solvers do not model.
func mergeSolution(original, refined *calib.CameraSet) (*calib.CameraSet, error) {
	if refined.Len() != original.Len() {
		return nil, fmt.Errorf("%w: solver returned %d cameras, want %d",
			ErrRefinementFailed, refined.Len(), original.Len())
	}
	out := make([]*calib.Camera, 0, original.Len())
	for _, orig := range original.Cameras() {
		got, ok := refined.Lookup(orig.Name)
		if !ok {
			return nil, fmt.Errorf("%w: solver dropped camera %q", ErrRefinementFailed, orig.Name)
		}
		cam := got.Clone()
		cam.Offset = orig.Clone().Offset
		if cam.Extra == nil && orig.Extra != nil {
			cam.Extra = orig.Clone().Extra
		}
		out = append(out, cam)
	}
	set, err := calib.NewCameraSet(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefinementFailed, err)
	}
	return set, nil
}
