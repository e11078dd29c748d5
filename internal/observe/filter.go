package observe

import (
	"fmt"
	"math"
)

// MinCameras is the number of views a keypoint needs before it constrains
// refinement.
const MinCameras = 2

// Observations is the flattened [camera][column][xy] array handed to the
// solver, where a column is one keypoint of one point.
type Observations struct {
	CameraNames []string
	Columns     int
	Data        []float64
}

// At returns the x/y value of one camera's view of a column.
func (o *Observations) At(cam, col int) (x, y float64) {
	i := (cam*o.Columns + col) * 2
	return o.Data[i], o.Data[i+1]
}

// Visible reports whether the camera has a finite x for the column.
func (o *Observations) Visible(cam, col int) bool {
	x, _ := o.At(cam, col)
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// ViewCount returns how many cameras see the column.
func (o *Observations) ViewCount(col int) int {
	n := 0
	for c := range o.CameraNames {
		if o.Visible(c, col) {
			n++
		}
	}
	return n
}

// Flatten merges the point and keypoint axes into columns. The data is copied.
func (t *Tensor) Flatten() *Observations {
	return &Observations{
		CameraNames: append([]string(nil), t.CameraNames...),
		Columns:     len(t.PointNames) * t.Keypoints,
		Data:        append([]float64(nil), t.Data...),
	}
}

// Filter keeps the columns seen by at least MinCameras cameras, preserving
// their order. It fails with ErrInsufficientObservations when nothing is left.
func Filter(o *Observations) (*Observations, error) {
	keep := make([]int, 0, o.Columns)
	for col := 0; col < o.Columns; col++ {
		if o.ViewCount(col) >= MinCameras {
			keep = append(keep, col)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: none of %d keypoint columns is seen by %d or more cameras",
			ErrInsufficientObservations, o.Columns, MinCameras)
	}

	out := &Observations{
		CameraNames: append([]string(nil), o.CameraNames...),
		Columns:     len(keep),
		Data:        make([]float64, len(o.CameraNames)*len(keep)*2),
	}
	for c := range o.CameraNames {
		for j, col := range keep {
			x, y := o.At(c, col)
			i := (c*out.Columns + j) * 2
			out.Data[i] = x
			out.Data[i+1] = y
		}
	}
	return out, nil
}
