package refine

import (
	"context"
	"errors"

	"github.com/banshee-data/recalibrate/internal/observe"
)

// ErrRefinementFailed wraps any error reported by the solver.
var ErrRefinementFailed = errors.New("refinement failed")

// ErrAlreadyExecuted is returned when a Run is executed twice.
var ErrAlreadyExecuted = errors.New("run already executed")

// Error kinds reported in run summaries and HTTP error bodies.
const (
	KindMalformedLabel           = "malformed_label"
	KindShapeMismatch            = "shape_mismatch"
	KindUnknownCamera            = "unknown_camera"
	KindInsufficientObservations = "insufficient_observations"
	KindRefinementFailed         = "refinement_failed"
	KindCanceled                 = "canceled"
	KindTimeout                  = "timeout"
	KindInternal                 = "internal"
)

// Kind classifies err into one of the Kind* constants. A nil error has no
// kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, observe.ErrMalformedLabel):
		return KindMalformedLabel
	case errors.Is(err, observe.ErrShapeMismatch):
		return KindShapeMismatch
	case errors.Is(err, observe.ErrUnknownCamera):
		return KindUnknownCamera
	case errors.Is(err, observe.ErrInsufficientObservations):
		return KindInsufficientObservations
	case errors.Is(err, ErrRefinementFailed):
		return KindRefinementFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
