package observe

import "errors"

var (
	// ErrMalformedLabel reports a row label that does not end in
	// ".../<prefix>--<camera>/<point>".
	ErrMalformedLabel = errors.New("malformed observation label")

	// ErrShapeMismatch reports rows whose value counts are odd or disagree
	// on the number of keypoints.
	ErrShapeMismatch = errors.New("observation shape mismatch")

	// ErrUnknownCamera reports a row for a camera absent from the camera set.
	ErrUnknownCamera = errors.New("unknown camera")

	// ErrInsufficientObservations reports that no point was seen by enough
	// cameras to constrain refinement.
	ErrInsufficientObservations = errors.New("insufficient observations")
)
