package refine

import (
	"context"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/observe"
)

// Solver adjusts camera parameters to minimise the reprojection error of the
// filtered observations. Implementations must treat cams as their own copy
// and return a set with the same cameras in the same order.
type Solver interface {
	Refine(ctx context.Context, cams *calib.CameraSet, obs *observe.Observations, cfg Config) (*Solution, error)
}

// SolverFunc adapts a function to the Solver interface.
type SolverFunc func(ctx context.Context, cams *calib.CameraSet, obs *observe.Observations, cfg Config) (*Solution, error)

// Refine calls f.
func (f SolverFunc) Refine(ctx context.Context, cams *calib.CameraSet, obs *observe.Observations, cfg Config) (*Solution, error) {
	return f(ctx, cams, obs, cfg)
}

// Solution is a solver's refined camera set and its diagnostics.
type Solution struct {
	Cameras *calib.CameraSet
	Report  Report
}

// Report summarises the reprojection error before and after refinement.
type Report struct {
	InitialError float64       `json:"initial_error"`
	FinalError   float64       `json:"final_error"`
	Iterations   int           `json:"iterations"`
	PerCamera    []CameraError `json:"per_camera,omitempty"`
}

// CameraError is the mean reprojection error of one camera's views.
type CameraError struct {
	Name         string  `json:"name"`
	Before       float64 `json:"before"`
	After        float64 `json:"after"`
	Observations int     `json:"observations"`
}
