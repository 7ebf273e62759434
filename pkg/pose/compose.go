// Package pose composes per-marker poses into the reference frame.
package pose

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// ErrInvalidGeometry is returned when an input or the result is not a usable rigid transform.
var ErrInvalidGeometry = errors.New("pose: invalid marker geometry")

// Compose returns the marker pose in the reference frame:
//
//	refToMarker = refToCam ∘ offset ∘ camToMarker
//
// offset sits between the reported camera frame and the rectified image plane in
// which camToMarker was measured, so it is applied in camera space.
func Compose(refToCam, offset, camToMarker spatial.Transform) (spatial.Transform, error) {
	for _, in := range []struct {
		name string
		tr   spatial.Transform
	}{
		{"reference->camera", refToCam},
		{"stereo offset", offset},
		{"camera->marker", camToMarker},
	} {
		if err := in.tr.Validate(); err != nil {
			return spatial.Transform{}, fmt.Errorf("%w: %s: %v", ErrInvalidGeometry, in.name, err)
		}
	}

	out := spatial.Chain(refToCam, offset, camToMarker)
	if err := out.Validate(); err != nil {
		return spatial.Transform{}, fmt.Errorf("%w: result: %v", ErrInvalidGeometry, err)
	}
	return out, nil
}
