package calib

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CameraSet is an ordered collection of cameras with lookup by name. The
// order is the declared enumeration order of the input and is the order used
// for every per-camera axis downstream.
type CameraSet struct {
	cameras []*Camera
	index   map[string]int
}

// NewCameraSet builds a set from cameras in enumeration order. Names must be
// unique and every camera must validate.
func NewCameraSet(cameras []*Camera) (*CameraSet, error) {
	s := &CameraSet{
		cameras: make([]*Camera, 0, len(cameras)),
		index:   make(map[string]int, len(cameras)),
	}
	for _, c := range cameras {
		if c == nil {
			return nil, fmt.Errorf("nil camera in set")
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate camera name %q", c.Name)
		}
		s.index[c.Name] = len(s.cameras)
		s.cameras = append(s.cameras, c)
	}
	return s, nil
}

// Len returns the number of cameras.
func (s *CameraSet) Len() int { return len(s.cameras) }

// At returns the camera at enumeration index i.
func (s *CameraSet) At(i int) *Camera { return s.cameras[i] }

// Cameras returns the cameras in enumeration order. The slice is shared.
func (s *CameraSet) Cameras() []*Camera { return s.cameras }

// Names returns the camera names in enumeration order.
func (s *CameraSet) Names() []string {
	names := make([]string, len(s.cameras))
	for i, c := range s.cameras {
		names[i] = c.Name
	}
	return names
}

// Index returns the enumeration index of the named camera.
func (s *CameraSet) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Lookup returns the named camera.
func (s *CameraSet) Lookup(name string) (*Camera, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.cameras[i], true
}

// Clone returns a deep copy so a run can mutate parameters without aliasing
// the caller's set.
func (s *CameraSet) Clone() *CameraSet {
	out := &CameraSet{
		cameras: make([]*Camera, len(s.cameras)),
		index:   make(map[string]int, len(s.index)),
	}
	for i, c := range s.cameras {
		out.cameras[i] = c.Clone()
		out.index[c.Name] = i
	}
	return out
}

// Calibration is the exchanged document: the camera set plus the externally
// supplied camera order, which is never inspected here.
type Calibration struct {
	Cameras     *CameraSet
	CameraOrder []string
}

// ParseCalibration decodes a calibration document, keeping the key order of
// the "cameras" object as the enumeration order.
func ParseCalibration(data []byte) (*Calibration, error) {
	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Calibration) UnmarshalJSON(data []byte) error {
	var doc struct {
		Cameras     json.RawMessage `json:"cameras"`
		CameraOrder []string        `json:"camera_order"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}
	if len(doc.Cameras) == 0 {
		return fmt.Errorf("invalid calibration: missing cameras")
	}
	cams, err := decodeCameraObject(doc.Cameras)
	if err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}
	set, err := NewCameraSet(cams)
	if err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}
	c.Cameras = set
	c.CameraOrder = doc.CameraOrder
	return nil
}

func (c *Calibration) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"cameras":{`)
	if c.Cameras != nil {
		for i, cam := range c.Cameras.Cameras() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(cam.Name)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(cam)
			if err != nil {
				return nil, fmt.Errorf("camera %q: %w", cam.Name, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteString(`},"camera_order":`)
	order, err := json.Marshal(c.CameraOrder)
	if err != nil {
		return nil, err
	}
	buf.Write(order)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeCameraObject walks the cameras object token by token so that the key
// order survives decoding.
func decodeCameraObject(raw json.RawMessage) ([]*Camera, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("cameras must be a JSON object")
	}

	var cams []*Camera
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in cameras", tok)
		}
		cam := &Camera{}
		if err := dec.Decode(cam); err != nil {
			return nil, fmt.Errorf("camera %q: %w", key, err)
		}
		switch {
		case cam.Name == "":
			cam.Name = key
		case cam.Name != key:
			return nil, fmt.Errorf("camera key %q does not match name %q", key, cam.Name)
		}
		cams = append(cams, cam)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return cams, nil
}
