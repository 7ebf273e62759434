package aruco

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// ErrNoPose is returned when a marker pose cannot be recovered from its corners.
var ErrNoPose = errors.New("aruco: cannot estimate marker pose")

// Limits on the corner geometry EstimatePose accepts.
const (
	// minQuadArea is in normalized image units; 1e-10 is well under a pixel
	// at any practical focal length.
	minQuadArea = 1e-10

	// minConditioning is the smallest ratio of the eighth to the first
	// singular value of the DLT system. Below it the homography is not unique.
	minConditioning = 1e-9

	// Reprojection tolerance: a fraction of the mean side length, with a
	// floor in pixels for small markers.
	maxReprojectionRatio  = 0.15
	minReprojectionPixels = 2.0
)

// ObjectPoints returns the marker corners in the marker frame for a marker of
// side size metres. The marker lies in z=0 with z pointing out of its face,
// in the same order as Marker.Corners.
func ObjectPoints(size float64) [4]r3.Vec {
	h := size / 2
	return [4]r3.Vec{
		{X: -h, Y: h},
		{X: h, Y: h},
		{X: h, Y: -h},
		{X: -h, Y: -h},
	}
}

// EstimatePose recovers the marker pose in the camera optical frame from its
// four corners. The plane-to-image homography is solved by DLT on undistorted
// normalized coordinates and decomposed into rotation and translation.
func EstimatePose(corners [4]Point, params camera.Parameters, size float64) (spatial.Transform, error) {
	if !params.Valid() {
		return spatial.Transform{}, fmt.Errorf("%w: invalid camera parameters", ErrNoPose)
	}
	if !(size > 0) || math.IsInf(size, 0) {
		return spatial.Transform{}, fmt.Errorf("%w: marker size %v", ErrNoPose, size)
	}

	var norm [4]Point
	for i, c := range corners {
		if !finite(c.X) || !finite(c.Y) {
			return spatial.Transform{}, fmt.Errorf("%w: corner %d is not finite", ErrNoPose, i)
		}
		norm[i].X, norm[i].Y = Undistort(c, params)
	}
	if err := checkQuad(norm); err != nil {
		return spatial.Transform{}, err
	}

	// Object points are scaled to ±1 to keep the DLT system well conditioned.
	unit := ObjectPoints(2)
	a := mat.NewDense(8, 9, nil)
	for i, c := range norm {
		x, y := c.X, c.Y
		X, Y := unit[i].X, unit[i].Y
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -x * X, -x * Y, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -y * X, -y * Y, -y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return spatial.Transform{}, fmt.Errorf("%w: homography SVD failed", ErrNoPose)
	}
	if sv := svd.Values(nil); !(sv[0] > 0) || sv[7]/sv[0] < minConditioning {
		return spatial.Transform{}, fmt.Errorf("%w: homography is not unique", ErrNoPose)
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.Col(nil, 8, &v)

	h1 := r3.Vec{X: h[0], Y: h[3], Z: h[6]}
	h2 := r3.Vec{X: h[1], Y: h[4], Z: h[7]}
	h3 := r3.Vec{X: h[2], Y: h[5], Z: h[8]}
	k := (r3.Norm(h1) + r3.Norm(h2)) / 2
	if k < 1e-12 {
		return spatial.Transform{}, fmt.Errorf("%w: degenerate homography", ErrNoPose)
	}
	// The marker is in front of the camera.
	if h3.Z < 0 {
		k = -k
	}

	r1 := r3.Scale(1/k, h1)
	r2 := r3.Scale(1/k, h2)
	r3v := r3.Cross(r1, r2)
	t := r3.Scale(size/2/k, h3)
	if !(t.Z > 0) {
		return spatial.Transform{}, fmt.Errorf("%w: marker is not in front of the camera", ErrNoPose)
	}

	rot, err := spatial.Orthonormalize([9]float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	if err != nil {
		return spatial.Transform{}, fmt.Errorf("%w: %v", ErrNoPose, err)
	}
	q, err := spatial.QuatFromRotationMatrix(rot)
	if err != nil {
		return spatial.Transform{}, fmt.Errorf("%w: %v", ErrNoPose, err)
	}
	out := spatial.New(t, q)
	if err := out.Validate(); err != nil {
		return spatial.Transform{}, fmt.Errorf("%w: %v", ErrNoPose, err)
	}

	// A quad that is not the image of a square survives the DLT but not the
	// projection back through the orthonormalized pose.
	limit := math.Max(minReprojectionPixels, maxReprojectionRatio*Marker{Corners: corners}.Perimeter()/4)
	if e := ReprojectionError(corners, out, params, size); !(e <= limit) {
		return spatial.Transform{}, fmt.Errorf("%w: reprojection error %.1fpx exceeds %.1fpx", ErrNoPose, e, limit)
	}
	return out, nil
}

// ReprojectionError returns the largest pixel distance between corners and
// the marker corners projected through pose.
func ReprojectionError(corners [4]Point, pose spatial.Transform, params camera.Parameters, size float64) float64 {
	var worst float64
	for i, p := range ObjectPoints(size) {
		c := pose.Apply(p)
		if !(c.Z > 0) {
			return math.Inf(1)
		}
		px := Project(c, params)
		worst = math.Max(worst, math.Hypot(px.X-corners[i].X, px.Y-corners[i].Y))
	}
	return worst
}

// checkQuad rejects corner sets that cannot be the image of a square: repeated
// or collinear corners, self-intersecting and non-convex quads.
func checkQuad(q [4]Point) error {
	var sign, area float64
	for i := range q {
		a, b, c := q[i], q[(i+1)%4], q[(i+2)%4]
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if math.Abs(cross) < minQuadArea {
			return fmt.Errorf("%w: degenerate corners", ErrNoPose)
		}
		if sign != 0 && (cross > 0) != (sign > 0) {
			return fmt.Errorf("%w: corners do not form a convex quad", ErrNoPose)
		}
		sign = cross
		area += a.X*b.Y - b.X*a.Y
	}
	if math.Abs(area)/2 < minQuadArea {
		return fmt.Errorf("%w: zero-area quad", ErrNoPose)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Project maps a point in the camera optical frame to pixels, applying the
// plumb-bob distortion in params.
func Project(p r3.Vec, params camera.Parameters) Point {
	x, y := p.X/p.Z, p.Y/p.Z
	x, y = distort(x, y, coefficients(params.Distortion))
	return Point{
		X: params.Fx()*x + params.CameraMatrix[1]*y + params.Cx(),
		Y: params.Fy()*y + params.Cy(),
	}
}

// Undistort maps a pixel to normalized image coordinates with lens distortion
// removed. The inverse of the plumb-bob model is found by Newton iteration.
func Undistort(p Point, params camera.Parameters) (float64, float64) {
	yd := (p.Y - params.Cy()) / params.Fy()
	xd := (p.X - params.Cx() - params.CameraMatrix[1]*yd) / params.Fx()

	c := coefficients(params.Distortion)
	if c == (distortion{}) {
		return xd, yd
	}

	const (
		maxIterations = 20
		tolerance     = 1e-12
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		ex, ey := distort(xu, yu, c)
		ex -= xd
		ey -= yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		r2 := xu*xu + yu*yu
		radial := 1 + c.k1*r2 + c.k2*r2*r2 + c.k3*r2*r2*r2
		dRadial := 2 * (c.k1 + 2*c.k2*r2 + 3*c.k3*r2*r2)

		jxx := radial + xu*xu*dRadial + 2*c.p1*yu + 6*c.p2*xu
		jxy := xu*yu*dRadial + 2*c.p1*xu + 2*c.p2*yu
		jyx := xu*yu*dRadial + 2*c.p2*yu + 2*c.p1*xu
		jyy := radial + yu*yu*dRadial + 2*c.p2*xu + 6*c.p1*yu

		det := jxx*jyy - jxy*jyx
		if det == 0 {
			break
		}
		xu -= (jyy*ex - jxy*ey) / det
		yu -= (-jyx*ex + jxx*ey) / det
	}
	return xu, yu
}

// distortion holds plumb-bob coefficients in k1, k2, p1, p2, k3 order.
type distortion struct {
	k1, k2, p1, p2, k3 float64
}

func coefficients(d []float64) distortion {
	var v [5]float64
	copy(v[:], d)
	return distortion{k1: v[0], k2: v[1], p1: v[2], p2: v[3], k3: v[4]}
}

func distort(x, y float64, c distortion) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + c.k1*r2 + c.k2*r2*r2 + c.k3*r2*r2*r2
	return x*radial + 2*c.p1*x*y + c.p2*(r2+2*x*x),
		y*radial + 2*c.p2*x*y + c.p1*(r2+2*y*y)
}
