// Package calib holds camera parameter sets in the JSON layout exchanged with
// the labelling front end: a "cameras" object keyed by camera name plus an
// opaque "camera_order" list.
package calib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Camera is one calibrated camera. Offset is the origin of the camera's
// sub-image within the shared sensor frame; it is carried through refinement
// untouched.
type Camera struct {
	Name        string
	Size        []float64
	Matrix      [3][3]float64
	Distortions []float64
	Rotation    [3]float64
	Translation [3]float64
	Offset      []float64

	// Extra holds fields this package does not interpret (for example
	// "fisheye"), keyed by their JSON name.
	Extra map[string]json.RawMessage
}

// known JSON keys of a camera entry
const (
	keyName        = "name"
	keySize        = "size"
	keyMatrix      = "matrix"
	keyDistortions = "distortions"
	keyRotation    = "rotation"
	keyTranslation = "translation"
	keyOffset      = "offset"
)

// OffsetXY returns the first two offset components, or zeros when the camera
// has no offset.
func (c *Camera) OffsetXY() (x, y float64) {
	if len(c.Offset) < 2 {
		return 0, 0
	}
	return c.Offset[0], c.Offset[1]
}

// Clone returns a deep copy of the camera.
func (c *Camera) Clone() *Camera {
	out := *c
	out.Size = cloneFloats(c.Size)
	out.Distortions = cloneFloats(c.Distortions)
	out.Offset = cloneFloats(c.Offset)
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Validate checks the parameter values that the solver depends on.
func (c *Camera) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("camera has no name")
	}
	if n := len(c.Offset); n != 0 && n != 2 && n != 3 {
		return fmt.Errorf("camera %q: offset must have 2 or 3 elements, got %d", c.Name, n)
	}
	if len(c.Distortions) > 8 {
		return fmt.Errorf("camera %q: at most 8 distortion coefficients supported, got %d", c.Name, len(c.Distortions))
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !isFinite(c.Matrix[i][j]) {
				return fmt.Errorf("camera %q: matrix[%d][%d] is not finite", c.Name, i, j)
			}
		}
	}
	if c.Matrix[0][0] == 0 || c.Matrix[1][1] == 0 {
		return fmt.Errorf("camera %q: focal length must be non-zero", c.Name)
	}
	return nil
}

func (c *Camera) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var matrix [][]float64
	var rotation, translation []float64
	decoders := []struct {
		key string
		dst interface{}
	}{
		{keyName, &c.Name},
		{keySize, &c.Size},
		{keyMatrix, &matrix},
		{keyDistortions, &c.Distortions},
		{keyRotation, &rotation},
		{keyTranslation, &translation},
		{keyOffset, &c.Offset},
	}
	for _, d := range decoders {
		raw, ok := fields[d.key]
		if !ok {
			continue
		}
		delete(fields, d.key)
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, d.dst); err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if len(matrix) != 3 {
		return fmt.Errorf("invalid matrix: expected 3 rows, got %d", len(matrix))
	}
	for i, row := range matrix {
		if len(row) != 3 {
			return fmt.Errorf("invalid matrix: row %d has %d columns, want 3", i, len(row))
		}
		copy(c.Matrix[i][:], row)
	}
	if rotation != nil && len(rotation) != 3 {
		return fmt.Errorf("invalid rotation: expected 3 elements, got %d", len(rotation))
	}
	copy(c.Rotation[:], rotation)
	if translation != nil && len(translation) != 3 {
		return fmt.Errorf("invalid translation: expected 3 elements, got %d", len(translation))
	}
	copy(c.Translation[:], translation)

	if len(fields) > 0 {
		c.Extra = fields
	}
	return nil
}

func (c Camera) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.Extra)+7)
	for k, v := range c.Extra {
		out[k] = v
	}
	matrix := make([][]float64, 3)
	for i := range matrix {
		matrix[i] = c.Matrix[i][:]
	}
	out[keyName] = c.Name
	out[keyMatrix] = matrix
	out[keyRotation] = c.Rotation[:]
	out[keyTranslation] = c.Translation[:]
	if c.Size != nil {
		out[keySize] = c.Size
	}
	distortions := c.Distortions
	if distortions == nil {
		distortions = []float64{}
	}
	out[keyDistortions] = distortions
	if c.Offset != nil {
		out[keyOffset] = c.Offset
	}
	return json.Marshal(out)
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	return append([]float64(nil), in...)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
