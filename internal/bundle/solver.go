// Package bundle refines a multi-camera calibration by iterative bundle
// adjustment with outlier rejection.
//
// Each round triangulates a sample of keypoint columns, keeps the columns
// whose reprojection error falls under a shrinking threshold, and runs one
// adjustment pass over them. A pass alternates between triangulating the
// inlier columns and refining each camera against those points with L-BFGS.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/monitoring"
	"github.com/banshee-data/recalibrate/internal/observe"
	"github.com/banshee-data/recalibrate/internal/refine"
)

const (
	// maxAlternations bounds the triangulate/refine cycles of one pass.
	maxAlternations = 5
	// minFinalEvaluations is the evaluation budget floor of the final pass.
	minFinalEvaluations = 200
	// minCameraViews is the number of views a camera needs to be refined.
	minCameraViews = 4
	// behindCameraPenalty is the squared-pixel cost of a point that projects
	// behind the camera.
	behindCameraPenalty = 1e8
)

var errNoUsableColumns = errors.New("no keypoint column could be triangulated")

// Solver implements refine.Solver.
type Solver struct{}

// NewSolver returns a bundle-adjustment solver.
func NewSolver() *Solver {
	return &Solver{}
}

var _ refine.Solver = (*Solver)(nil)

// Refine adjusts cams in place to fit obs and returns them with a report. The
// camera set returned is the best configuration seen, measured by median
// column error, so the final error never exceeds the initial one.
func (s *Solver) Refine(ctx context.Context, cams *calib.CameraSet, obs *observe.Observations, cfg refine.Config) (*refine.Solution, error) {
	if cams.Len() != len(obs.CameraNames) {
		return nil, fmt.Errorf("observations cover %d cameras, calibration has %d", len(obs.CameraNames), cams.Len())
	}
	for i, name := range obs.CameraNames {
		if cams.At(i).Name != name {
			return nil, fmt.Errorf("camera %d is %q in the observations and %q in the calibration", i, name, cams.At(i).Name)
		}
	}

	logf := func(string, ...interface{}) {}
	if cfg.Verbose {
		logf = monitoring.Prefixed("bundle")
	}

	models := make([]model, cams.Len())
	for i, c := range cams.Cameras() {
		models[i] = newModel(c)
	}

	all := make([]int, obs.Columns)
	for i := range all {
		all[i] = i
	}
	full := sampleColumns(all, cfg.SampleFull)

	start := evaluate(models, obs, full)
	initial := start.median()
	if !finite(initial) {
		return nil, errNoUsableColumns
	}
	logf("initial error: %.3f px over %d columns", initial, len(start.usable()))

	best := append([]model(nil), models...)
	bestErr := initial
	keepBest := func() {
		if e := evaluate(models, obs, full).median(); finite(e) && e < bestErr {
			copy(best, models)
			bestErr = e
		}
	}

	mus := muSchedule(cfg.StartMu, cfg.EndMu, cfg.Iterations)
	rounds := 0
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := evaluate(models, obs, full)
		median := ev.median()
		if !finite(median) {
			return nil, errNoUsableColumns
		}
		if median < cfg.ErrorThreshold {
			logf("round %d: error %.3f px below threshold %.3f, stopping", i, median, cfg.ErrorThreshold)
			break
		}

		mu := mus[i]
		if low, high, ok := ev.spread(); ok {
			mu = math.Max(math.Min(high, mu), low)
		}
		good := ev.inliers(mu)
		sample := sampleColumns(good, cfg.SampleIter)
		logf("round %d: error %.3f px, mu %.1f, ratio %.3f", i, median, mu, float64(len(good))/float64(len(full)))
		if len(sample) == 0 {
			continue
		}

		if err := s.adjust(ctx, models, obs, sample, cfg, cfg.MaxEvaluations); err != nil {
			return nil, err
		}
		rounds++
		keepBest()
	}

	// final pass over everything but the worst columns
	ev := evaluate(models, obs, full)
	mu := cfg.EndMu
	if low, high, ok := ev.spread(); ok {
		mu = math.Max(math.Max(high, cfg.EndMu), low)
	}
	if good := ev.inliers(mu); len(good) > 0 {
		budget := cfg.MaxEvaluations
		if budget < minFinalEvaluations {
			budget = minFinalEvaluations
		}
		if err := s.adjust(ctx, models, obs, good, cfg, budget); err != nil {
			return nil, err
		}
		rounds++
		keepBest()
	}

	copy(models, best)
	end := evaluate(models, obs, full)
	logf("final error: %.3f px after %d passes", bestErr, rounds)

	report := refine.Report{
		InitialError: initial,
		FinalError:   bestErr,
		Iterations:   rounds,
		PerCamera:    make([]refine.CameraError, cams.Len()),
	}
	for i, c := range cams.Cameras() {
		models[i].apply(c)
		before, n := start.cameraMean(i)
		after, _ := end.cameraMean(i)
		report.PerCamera[i] = refine.CameraError{
			Name:         c.Name,
			Before:       before,
			After:        after,
			Observations: n,
		}
	}
	return &refine.Solution{Cameras: cams, Report: report}, nil
}

// adjust runs one bundle-adjustment pass over cols.
func (s *Solver) adjust(ctx context.Context, models []model, obs *observe.Observations, cols []int, cfg refine.Config, budget int) error {
	for a := 0; a < maxAlternations; a++ {
		ev := evaluate(models, obs, cols)
		before := totalCost(models, obs, ev)
		if before == 0 {
			return nil
		}
		for c := range models {
			if err := refineCamera(ctx, &models[c], c, obs, ev, cfg, budget); err != nil {
				return err
			}
		}
		after := totalCost(models, obs, ev)
		if before-after <= cfg.FTol*before {
			return nil
		}
	}
	return nil
}

// totalCost is the summed squared reprojection error of the evaluated points
// under models.
func totalCost(models []model, obs *observe.Observations, ev *evaluation) float64 {
	sum := 0.0
	for c := range models {
		sum += cameraCost(&models[c], c, obs, ev)
	}
	return sum
}

func cameraCost(m *model, cam int, obs *observe.Observations, ev *evaluation) float64 {
	sum := 0.0
	for j, col := range ev.cols {
		if !ev.ok[j] || !obs.Visible(cam, col) {
			continue
		}
		x, y := obs.At(cam, col)
		u, v := m.project(ev.points[j])
		if !finite(u) || !finite(v) {
			sum += behindCameraPenalty
			continue
		}
		sum += (u-x)*(u-x) + (v-y)*(v-y)
	}
	return sum
}

// refineCamera minimises one camera's reprojection error against fixed
// points. The parameters are the rotation vector, the translation and, unless
// only extrinsics are refined, a log focal scale and k1.
func refineCamera(ctx context.Context, m *model, cam int, obs *observe.Observations, ev *evaluation, cfg refine.Config, budget int) error {
	views := 0
	for j, col := range ev.cols {
		if ev.ok[j] && obs.Visible(cam, col) {
			views++
		}
	}
	if views < minCameraViews {
		return nil
	}

	base := *m
	n := 6
	if !cfg.OnlyExtrinsics {
		n = 8
	}
	x0 := make([]float64, n)
	copy(x0[0:3], base.rvec[:])
	copy(x0[3:6], base.tvec[:])
	if n == 8 {
		x0[7] = base.dist[0]
	}

	trial := func(x []float64) model {
		t := base
		t.setPose([3]float64{x[0], x[1], x[2]}, [3]float64{x[3], x[4], x[5]})
		if len(x) == 8 {
			scale := math.Exp(x[6])
			t.fx = base.fx * scale
			t.fy = base.fy * scale
			t.dist[0] = x[7]
		}
		return t
	}
	f := func(x []float64) float64 {
		t := trial(x)
		return cameraCost(&t, cam, obs, ev) / float64(views)
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: budget,
		GradEvaluations: budget,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   cfg.FTol,
			Iterations: 3,
		},
	}

	f0 := f(x0)
	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if res == nil {
		if err != nil {
			return fmt.Errorf("camera %d: %w", cam, err)
		}
		return nil
	}
	// line-search failures still leave the best location found
	if finite(res.F) && res.F < f0 {
		*m = trial(res.X)
	}
	return nil
}
