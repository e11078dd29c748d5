// Package observe turns per-camera keypoint rows into the dense observation
// tensor consumed by bundle adjustment.
//
// Rows are labelled with a path whose last two segments name the camera and
// the point, e.g. "session1/cam--left/frame-0042". Every camera gets one slot
// per point; slots for points a camera never saw hold NaN.
package observe

import (
	"fmt"
	"strings"
)

const (
	pathSeparator   = "/"
	cameraSeparator = "--"
)

// Key identifies one camera's view of one point.
type Key struct {
	Camera string
	Point  string
}

// Row is one input record: a hierarchical label and the flat x/y values of
// every keypoint, [x0, y0, x1, y1, ...].
type Row struct {
	Label  string
	Values []float64
}

// Observation is a row whose label has been resolved to a Key.
type Observation struct {
	Key
	Values []float64
}

// ParseLabel resolves a row label into its camera and point names. Windows
// path separators are accepted.
func ParseLabel(label string) (Key, error) {
	parts := strings.Split(strings.ReplaceAll(label, `\`, pathSeparator), pathSeparator)
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("%w: %q has fewer than two path segments", ErrMalformedLabel, label)
	}

	cameraSegment := parts[len(parts)-2]
	i := strings.LastIndex(cameraSegment, cameraSeparator)
	if i < 0 {
		return Key{}, fmt.Errorf("%w: segment %q of %q has no %q", ErrMalformedLabel, cameraSegment, label, cameraSeparator)
	}

	key := Key{
		Camera: cameraSegment[i+len(cameraSeparator):],
		Point:  parts[len(parts)-1],
	}
	if key.Camera == "" || key.Point == "" {
		return Key{}, fmt.Errorf("%w: %q has an empty camera or point name", ErrMalformedLabel, label)
	}
	return key, nil
}

// ParseRows resolves every row label. The first malformed label rejects the
// whole input.
func ParseRows(rows []Row) ([]Observation, error) {
	out := make([]Observation, 0, len(rows))
	for i, r := range rows {
		key, err := ParseLabel(r.Label)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, Observation{Key: key, Values: r.Values})
	}
	return out, nil
}
