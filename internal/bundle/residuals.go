package bundle

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/recalibrate/internal/observe"
)

// minPairPoints is the number of shared columns a camera pair needs before
// its error spread feeds the inlier threshold.
const minPairPoints = 10

// evaluation holds the triangulated points and reprojection errors of a set
// of columns under one camera configuration.
type evaluation struct {
	cols   []int
	points [][3]float64
	ok     []bool
	// colErr is the mean pixel error of each column over its views, NaN when
	// the column could not be triangulated.
	colErr []float64
	// viewErr is indexed [camera][column]; NaN where the camera has no view.
	viewErr [][]float64
}

// columnViews gathers one column's x/y pairs across cameras.
func columnViews(obs *observe.Observations, col int, dst []float64) []float64 {
	dst = dst[:0]
	for c := range obs.CameraNames {
		x, y := obs.At(c, col)
		dst = append(dst, x, y)
	}
	return dst
}

func evaluate(models []model, obs *observe.Observations, cols []int) *evaluation {
	e := &evaluation{
		cols:    cols,
		points:  make([][3]float64, len(cols)),
		ok:      make([]bool, len(cols)),
		colErr:  make([]float64, len(cols)),
		viewErr: make([][]float64, len(models)),
	}
	for c := range e.viewErr {
		e.viewErr[c] = make([]float64, len(cols))
	}

	views := make([]float64, 0, 2*len(models))
	for j, col := range cols {
		views = columnViews(obs, col, views)
		p, ok := triangulate(models, views)
		e.points[j], e.ok[j] = p, ok

		sum, n := 0.0, 0
		for c := range models {
			e.viewErr[c][j] = math.NaN()
			if !ok || !finite(views[2*c]) || !finite(views[2*c+1]) {
				continue
			}
			u, v := models[c].project(p)
			d := math.Hypot(u-views[2*c], v-views[2*c+1])
			e.viewErr[c][j] = d
			sum += d
			n++
		}
		if n == 0 || !finite(sum) {
			e.colErr[j] = math.NaN()
			continue
		}
		e.colErr[j] = sum / float64(n)
	}
	return e
}

// usable returns the finite column errors in ascending order.
func (e *evaluation) usable() []float64 {
	out := make([]float64, 0, len(e.colErr))
	for _, v := range e.colErr {
		if finite(v) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// median returns the median column error, or NaN when no column is usable.
func (e *evaluation) median() float64 {
	errs := e.usable()
	if len(errs) == 0 {
		return math.NaN()
	}
	return stat.Quantile(0.5, stat.LinInterp, errs, nil)
}

// cameraMean returns the mean pixel error of camera c's views and how many
// views contributed. A camera with no usable views reports 0 and 0.
func (e *evaluation) cameraMean(c int) (float64, int) {
	vals := make([]float64, 0, len(e.cols))
	for _, d := range e.viewErr[c] {
		if finite(d) {
			vals = append(vals, d)
		}
	}
	if len(vals) == 0 {
		return 0, 0
	}
	return stat.Mean(vals, nil), len(vals)
}

// spread computes, over every camera pair sharing at least minPairPoints
// columns, the 15th and 75th percentile of the pair's mean view error. It
// returns the largest of each, and false when no pair qualifies.
func (e *evaluation) spread() (low, high float64, ok bool) {
	n := len(e.viewErr)
	pair := make([]float64, 0, len(e.cols))
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			pair = pair[:0]
			for j := range e.cols {
				da, db := e.viewErr[a][j], e.viewErr[b][j]
				if finite(da) && finite(db) {
					pair = append(pair, (da+db)/2)
				}
			}
			if len(pair) <= minPairPoints {
				continue
			}
			sort.Float64s(pair)
			p15 := stat.Quantile(0.15, stat.LinInterp, pair, nil)
			p75 := stat.Quantile(0.75, stat.LinInterp, pair, nil)
			if !ok {
				low, high, ok = p15, p75, true
				continue
			}
			low = math.Max(low, p15)
			high = math.Max(high, p75)
		}
	}
	return low, high, ok
}

// inliers returns the evaluated columns whose error is below mu.
func (e *evaluation) inliers(mu float64) []int {
	out := make([]int, 0, len(e.cols))
	for j, col := range e.cols {
		if finite(e.colErr[j]) && e.colErr[j] < mu {
			out = append(out, col)
		}
	}
	return out
}

// muSchedule returns n thresholds decaying geometrically from start to end.
func muSchedule(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	logs := make([]float64, n)
	floats.Span(logs, math.Log(start), math.Log(end))
	for i, l := range logs {
		logs[i] = math.Exp(l)
	}
	return logs
}

// sampleColumns picks at most n of cols at an even stride, keeping order.
func sampleColumns(cols []int, n int) []int {
	if n <= 0 || len(cols) <= n {
		return append([]int(nil), cols...)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = cols[i*len(cols)/n]
	}
	return out
}
