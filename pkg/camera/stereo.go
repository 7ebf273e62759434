package camera

import (
	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// StereoOffset returns the translation between the physical optical center of
// the reporting camera and the rectified image plane the detector works in.
//
// For a rectified pair the projection matrix of the secondary camera carries
// Tx = -fx·B (and Ty likewise), so the offset is (-Tx/fx, -Ty/fy, 0). A
// monocular camera has Tx = Ty = 0 and gets the identity.
//
// A zero focal length leaves that axis at zero instead of dividing by it, so
// malformed intrinsics degrade to the identity.
func StereoOffset(info Info) spatial.Transform {
	var ox, oy float64
	if fx := info.P[0]; fx != 0 {
		ox = -info.P[3] / fx
	}
	if fy := info.P[5]; fy != 0 {
		oy = -info.P[7] / fy
	}
	// Adding zero folds -0 into 0 for monocular cameras.
	return spatial.FromTranslation(ox+0, oy+0, 0)
}
