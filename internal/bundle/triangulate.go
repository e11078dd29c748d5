package bundle

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/recalibrate/internal/calib"
)

// ErrTooFewViews is returned when a point is seen by fewer than two cameras.
var ErrTooFewViews = errors.New("at least two views are required to triangulate")

// Triangulate recovers the world point seen at pixel coordinates points[i] by
// cams[i] using the direct linear transform on undistorted coordinates.
// Views with a NaN coordinate are ignored.
func Triangulate(cams []*calib.Camera, points [][2]float64) ([3]float64, error) {
	if len(cams) != len(points) {
		return [3]float64{}, fmt.Errorf("got %d cameras and %d points", len(cams), len(points))
	}
	models := make([]model, len(cams))
	views := make([]float64, 0, 2*len(points))
	for i, c := range cams {
		models[i] = newModel(c)
		views = append(views, points[i][0], points[i][1])
	}
	p, ok := triangulate(models, views)
	if !ok {
		return p, ErrTooFewViews
	}
	return p, nil
}

// triangulate solves for the point whose projections best match views, a
// flat x/y slice with one pair per model. It reports false when fewer than two
// views are finite or the solution is degenerate.
func triangulate(models []model, views []float64) ([3]float64, bool) {
	var rows []float64
	for i := range models {
		u, v := views[2*i], views[2*i+1]
		if !finite(u) || !finite(v) {
			continue
		}
		x, y := models[i].undistort(u, v)
		R, t := &models[i].rot, &models[i].tvec
		for j := 0; j < 4; j++ {
			rows = append(rows, x*extrinsic(R, t, 2, j)-extrinsic(R, t, 0, j))
		}
		for j := 0; j < 4; j++ {
			rows = append(rows, y*extrinsic(R, t, 2, j)-extrinsic(R, t, 1, j))
		}
	}
	n := len(rows) / 4
	if n < 4 {
		return [3]float64{}, false
	}

	A := mat.NewDense(n, 4, rows)
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFullV); !ok {
		return [3]float64{}, false
	}
	var V mat.Dense
	svd.VTo(&V)

	// V is not transposed; the last column belongs to the smallest singular value
	w := V.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return [3]float64{}, false
	}
	p := [3]float64{V.At(0, 3) / w, V.At(1, 3) / w, V.At(2, 3) / w}
	return p, finite(p[0]) && finite(p[1]) && finite(p[2])
}

// extrinsic returns element (i, j) of the 3x4 matrix [R|t].
func extrinsic(R *[3][3]float64, t *[3]float64, i, j int) float64 {
	if j == 3 {
		return t[i]
	}
	return R[i][j]
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
