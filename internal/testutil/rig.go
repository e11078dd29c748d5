package testutil

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/observe"
)

// Rig is a synthetic multi-camera setup with known geometry. Cameras sit on a
// ring around the origin looking inwards, and every camera sees every
// keypoint, so its observations reproject with zero error under the true
// calibration.
type Rig struct {
	Calibration *calib.Calibration
	// Points holds the world coordinates indexed [frame][keypoint].
	Points    [][][3]float64
	Keypoints int
}

// NewRig builds a rig with the given number of cameras, frames and keypoints
// per frame. Camera i is rotated by i*2π/n about the y axis, three units from
// the origin, with a pixel offset of (i*100, i*50).
func NewRig(cameras, frames, keypoints int) *Rig {
	cams := make([]*calib.Camera, cameras)
	order := make([]string, cameras)
	for i := range cams {
		theta := float64(i) * 2 * math.Pi / float64(cameras)
		name := fmt.Sprintf("cam%d", i)
		cams[i] = &calib.Camera{
			Name:        name,
			Size:        []float64{1280, 960},
			Matrix:      [3][3]float64{{1000, 0, 640}, {0, 1000, 480}, {0, 0, 1}},
			Distortions: []float64{0, 0, 0, 0, 0},
			Rotation:    [3]float64{0, theta, 0},
			Translation: [3]float64{0, 0, 3},
			Offset:      []float64{float64(i) * 100, float64(i) * 50},
		}
		order[i] = name
	}
	set, err := calib.NewCameraSet(cams)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid rig: %v", err))
	}

	points := make([][][3]float64, frames)
	n := 0
	for f := range points {
		points[f] = make([][3]float64, keypoints)
		for k := range points[f] {
			n++
			// R3 low-discrepancy sequence keeps points spread and deterministic
			points[f][k] = [3]float64{
				frac(float64(n)*0.8191725134) - 0.5,
				frac(float64(n)*0.6710436067) - 0.5,
				frac(float64(n)*0.5497004779) - 0.5,
			}
		}
	}

	return &Rig{
		Calibration: &calib.Calibration{Cameras: set, CameraOrder: order},
		Points:      points,
		Keypoints:   keypoints,
	}
}

// Cameras returns the rig's true camera set.
func (r *Rig) Cameras() *calib.CameraSet {
	return r.Calibration.Cameras
}

// Project maps a world point to full-sensor pixel coordinates using an
// undistorted pinhole model.
func Project(cam *calib.Camera, p [3]float64) (x, y float64) {
	R := rotationMatrix(cam.Rotation)
	var c [3]float64
	for i := 0; i < 3; i++ {
		c[i] = R[i][0]*p[0] + R[i][1]*p[1] + R[i][2]*p[2] + cam.Translation[i]
	}
	u, v := c[0]/c[2], c[1]/c[2]
	K := cam.Matrix
	return K[0][0]*u + K[0][1]*v + K[0][2], K[1][1]*v + K[1][2]
}

// Label returns the row label the rig uses for one camera's view of a frame.
func Label(camera string, frame int) string {
	return fmt.Sprintf("session/cam--%s/frame-%04d", camera, frame)
}

// Rows returns one row per camera and frame, with the camera offset removed
// from the projected coordinates as a cropped recording would store them.
func (r *Rig) Rows() []observe.Row {
	cams := r.Cameras()
	rows := make([]observe.Row, 0, cams.Len()*len(r.Points))
	for f, frame := range r.Points {
		for _, cam := range cams.Cameras() {
			dx, dy := cam.OffsetXY()
			values := make([]float64, 0, 2*len(frame))
			for _, p := range frame {
				x, y := Project(cam, p)
				values = append(values, x-dx, y-dy)
			}
			rows = append(rows, observe.Row{Label: Label(cam.Name, f), Values: values})
		}
	}
	return rows
}

// Observations reconciles and filters the rig's rows against its cameras.
func (r *Rig) Observations(t testing.TB) *observe.Observations {
	t.Helper()
	tensor, err := observe.ReconcileRows(r.Rows(), r.Cameras())
	if err != nil {
		t.Fatalf("reconcile rig rows: %v", err)
	}
	obs, err := observe.Filter(tensor.Flatten())
	if err != nil {
		t.Fatalf("filter rig observations: %v", err)
	}
	return obs
}

// CSV renders the rig's rows as a three-row-header tracks file.
func (r *Rig) CSV() []byte {
	var buf bytes.Buffer
	buf.WriteString("scorer")
	for k := 0; k < 2*r.Keypoints; k++ {
		buf.WriteString(",rig")
	}
	buf.WriteString("\nbodyparts")
	for k := 0; k < r.Keypoints; k++ {
		fmt.Fprintf(&buf, ",kp%d,kp%d", k, k)
	}
	buf.WriteString("\ncoords")
	for k := 0; k < r.Keypoints; k++ {
		buf.WriteString(",x,y")
	}
	buf.WriteByte('\n')
	for _, row := range r.Rows() {
		buf.WriteString(row.Label)
		for _, v := range row.Values {
			buf.WriteByte(',')
			buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Perturb returns a copy of the rig's cameras with one camera's rotation and
// translation shifted by the given deltas.
func (r *Rig) Perturb(cam int, dRot, dTrans [3]float64) *calib.CameraSet {
	set := r.Cameras().Clone()
	c := set.At(cam)
	for i := 0; i < 3; i++ {
		c.Rotation[i] += dRot[i]
		c.Translation[i] += dTrans[i]
	}
	return set
}

func frac(v float64) float64 {
	return v - math.Floor(v)
}

// rotationMatrix converts a Rodrigues vector to a rotation matrix.
func rotationMatrix(rvec [3]float64) [3][3]float64 {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return [3][3]float64{
		{c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s},
		{ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s},
		{kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v},
	}
}
