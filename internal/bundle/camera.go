package bundle

import (
	"math"

	"github.com/banshee-data/recalibrate/internal/calib"
)

// undistortIterations is the number of fixed-point refinements used to invert
// the lens model.
const undistortIterations = 5

// model is the solver's working copy of one camera with the rotation matrix
// cached.
type model struct {
	rvec [3]float64
	tvec [3]float64
	rot  [3][3]float64

	fx, fy, cx, cy, skew float64
	// dist holds k1 k2 p1 p2 k3 k4 k5 k6; absent coefficients are zero.
	dist [8]float64
}

func newModel(c *calib.Camera) model {
	m := model{
		rvec: c.Rotation,
		tvec: c.Translation,
		fx:   c.Matrix[0][0],
		fy:   c.Matrix[1][1],
		cx:   c.Matrix[0][2],
		cy:   c.Matrix[1][2],
		skew: c.Matrix[0][1],
	}
	copy(m.dist[:], c.Distortions)
	m.rot = Rodrigues(m.rvec)
	return m
}

// apply writes the model's parameters back into c. Distortion coefficients
// keep the length c already had, growing only when k1 must be stored.
func (m *model) apply(c *calib.Camera) {
	c.Rotation = m.rvec
	c.Translation = m.tvec
	c.Matrix[0][0] = m.fx
	c.Matrix[1][1] = m.fy
	if len(c.Distortions) == 0 && m.dist[0] != 0 {
		c.Distortions = make([]float64, 5)
	}
	n := copy(c.Distortions, m.dist[:])
	c.Distortions = c.Distortions[:n]
}

func (m *model) setPose(rvec, tvec [3]float64) {
	m.rvec = rvec
	m.tvec = tvec
	m.rot = Rodrigues(rvec)
}

// project maps a world point to pixel coordinates. Points at or behind the
// camera plane project to NaN.
func (m *model) project(p [3]float64) (u, v float64) {
	R := &m.rot
	X := R[0][0]*p[0] + R[0][1]*p[1] + R[0][2]*p[2] + m.tvec[0]
	Y := R[1][0]*p[0] + R[1][1]*p[1] + R[1][2]*p[2] + m.tvec[1]
	Z := R[2][0]*p[0] + R[2][1]*p[1] + R[2][2]*p[2] + m.tvec[2]
	if Z <= 0 {
		return math.NaN(), math.NaN()
	}
	x, y := X/Z, Y/Z

	k := &m.dist
	r2 := x*x + y*y
	radial := (1 + r2*(k[0]+r2*(k[1]+r2*k[4]))) / (1 + r2*(k[5]+r2*(k[6]+r2*k[7])))
	xd := x*radial + 2*k[2]*x*y + k[3]*(r2+2*x*x)
	yd := y*radial + k[2]*(r2+2*y*y) + 2*k[3]*x*y

	return m.fx*xd + m.skew*yd + m.cx, m.fy*yd + m.cy
}

// undistort maps pixel coordinates to normalised, undistorted image
// coordinates.
func (m *model) undistort(u, v float64) (x, y float64) {
	y0 := (v - m.cy) / m.fy
	x0 := (u - m.cx - m.skew*y0) / m.fx
	x, y = x0, y0

	k := &m.dist
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := (1 + r2*(k[5]+r2*(k[6]+r2*k[7]))) / (1 + r2*(k[0]+r2*(k[1]+r2*k[4])))
		dx := 2*k[2]*x*y + k[3]*(r2+2*x*x)
		dy := k[2]*(r2+2*y*y) + 2*k[3]*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

// Rodrigues converts a rotation vector to a rotation matrix.
func Rodrigues(rvec [3]float64) [3][3]float64 {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	return [3][3]float64{
		{c + kx*kx*t, kx*ky*t - kz*s, kx*kz*t + ky*s},
		{ky*kx*t + kz*s, c + ky*ky*t, ky*kz*t - kx*s},
		{kz*kx*t - ky*s, kz*ky*t + kx*s, c + kz*kz*t},
	}
}

// Project maps a world point to c's full-sensor pixel coordinates, including
// lens distortion.
func Project(c *calib.Camera, p [3]float64) (u, v float64) {
	m := newModel(c)
	return m.project(p)
}

// Undistort maps full-sensor pixel coordinates of c to normalised image
// coordinates with lens distortion removed.
func Undistort(c *calib.Camera, u, v float64) (x, y float64) {
	m := newModel(c)
	return m.undistort(u, v)
}
