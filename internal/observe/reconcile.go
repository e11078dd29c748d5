package observe

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/recalibrate/internal/calib"
)

// Tensor is the dense [camera][point][keypoint][xy] observation array stored
// row-major in Data. Missing views are NaN.
type Tensor struct {
	CameraNames []string
	PointNames  []string
	Keypoints   int
	Data        []float64
}

// Shape returns (cameras, points, keypoints, 2).
func (t *Tensor) Shape() [4]int {
	return [4]int{len(t.CameraNames), len(t.PointNames), t.Keypoints, 2}
}

func (t *Tensor) offset(cam, point, kp int) int {
	return ((cam*len(t.PointNames)+point)*t.Keypoints + kp) * 2
}

// At returns the x/y value of one keypoint.
func (t *Tensor) At(cam, point, kp int) (x, y float64) {
	i := t.offset(cam, point, kp)
	return t.Data[i], t.Data[i+1]
}

// View returns the flat keypoint values of one camera's view of one point.
// The slice aliases Data.
func (t *Tensor) View(cam, point int) []float64 {
	i := t.offset(cam, point, 0)
	return t.Data[i : i+2*t.Keypoints]
}

// Reconcile builds the observation tensor for cams from parsed observations.
// Points are ordered lexicographically by name and cameras follow the set's
// enumeration order. Each observed view is shifted by its camera's x/y offset.
// When the same (camera, point) pair appears more than once the last row wins.
func Reconcile(obs []Observation, cams *calib.CameraSet) (*Tensor, error) {
	keypoints := 0
	views := make(map[Key][]float64, len(obs))
	points := make(map[string]struct{})
	for i, o := range obs {
		if len(o.Values)%2 != 0 {
			return nil, fmt.Errorf("%w: row %d (%s/%s) has %d values, not an x/y sequence",
				ErrShapeMismatch, i, o.Camera, o.Point, len(o.Values))
		}
		n := len(o.Values) / 2
		if i > 0 && n != keypoints {
			return nil, fmt.Errorf("%w: row %d (%s/%s) has %d keypoints, previous rows have %d",
				ErrShapeMismatch, i, o.Camera, o.Point, n, keypoints)
		}
		keypoints = n

		if _, ok := cams.Index(o.Camera); !ok {
			return nil, fmt.Errorf("%w: %q (row %d)", ErrUnknownCamera, o.Camera, i)
		}
		views[o.Key] = o.Values
		points[o.Point] = struct{}{}
	}

	t := &Tensor{
		CameraNames: cams.Names(),
		PointNames:  make([]string, 0, len(points)),
		Keypoints:   keypoints,
	}
	for p := range points {
		t.PointNames = append(t.PointNames, p)
	}
	sort.Strings(t.PointNames)

	t.Data = make([]float64, len(t.CameraNames)*len(t.PointNames)*keypoints*2)
	for i := range t.Data {
		t.Data[i] = math.NaN()
	}

	for p, point := range t.PointNames {
		for c, cam := range cams.Cameras() {
			values, ok := views[Key{Camera: cam.Name, Point: point}]
			if !ok {
				continue
			}
			dx, dy := cam.OffsetXY()
			dst := t.View(c, p)
			for k := 0; k < keypoints; k++ {
				dst[2*k] = values[2*k] + dx
				dst[2*k+1] = values[2*k+1] + dy
			}
		}
	}
	return t, nil
}

// ReconcileRows parses row labels and reconciles them in one step.
func ReconcileRows(rows []Row, cams *calib.CameraSet) (*Tensor, error) {
	obs, err := ParseRows(rows)
	if err != nil {
		return nil, err
	}
	return Reconcile(obs, cams)
}
