// Package spatial provides rigid transforms between coordinate frames.
//
// A Transform is the pose of a child frame expressed in a parent frame: applying
// it to a point given in child coordinates yields the point in parent coordinates.
// Transforms compose left to right, so Compose(a, b) maps through b first and then a.
package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// normEpsilon is how far a quaternion norm may drift from 1 before it is renormalized.
const normEpsilon = 1e-12

// Transform is a rigid transform: rotation followed by translation.
type Transform struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// New builds a transform from a translation and a (w, x, y, z) quaternion.
// The quaternion is normalized.
func New(translation r3.Vec, rotation quat.Number) Transform {
	return Transform{Translation: translation, Rotation: rotation}.Normalize()
}

// FromTranslation returns a pure translation.
func FromTranslation(x, y, z float64) Transform {
	return Transform{Translation: r3.Vec{X: x, Y: y, Z: z}, Rotation: quat.Number{Real: 1}}
}

// FromAxisAngle returns a pure rotation of angle radians about axis.
func FromAxisAngle(axis r3.Vec, angle float64) Transform {
	n := r3.Norm(axis)
	if n == 0 || angle == 0 {
		return Identity()
	}
	axis = r3.Scale(1/n, axis)
	s := math.Sin(angle / 2)
	return Transform{Rotation: quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}}
}

// Compose returns a∘b: the transform that applies b and then a.
// For T_ac = Compose(T_ab, T_bc).
func Compose(a, b Transform) Transform {
	return Transform{
		Translation: r3.Add(a.rotate(b.Translation), a.Translation),
		Rotation:    quat.Mul(a.Rotation, b.Rotation),
	}.Normalize()
}

// Chain composes transforms left to right: Chain(a, b, c) == Compose(Compose(a, b), c).
func Chain(ts ...Transform) Transform {
	out := Identity()
	for _, t := range ts {
		out = Compose(out, t)
	}
	return out
}

// Inverse returns the transform that undoes t.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Normalize().Rotation)
	rot := r3.Rotation(inv)
	return Transform{
		Translation: r3.Scale(-1, rot.Rotate(t.Translation)),
		Rotation:    inv,
	}
}

// Apply maps a point from child coordinates into parent coordinates.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(t.rotate(p), t.Translation)
}

func (t Transform) rotate(p r3.Vec) r3.Vec {
	return r3.Rotation(t.Rotation).Rotate(p)
}

// Normalize rescales the rotation to unit norm if it drifted.
// A zero quaternion is left untouched so callers can detect it with Valid.
func (t Transform) Normalize() Transform {
	n := quat.Abs(t.Rotation)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return t
	}
	if math.Abs(n-1) > normEpsilon {
		t.Rotation = quat.Scale(1/n, t.Rotation)
	}
	// Keep the scalar part non-negative so equal rotations compare equal.
	if t.Rotation.Real < 0 {
		t.Rotation = quat.Scale(-1, t.Rotation)
	}
	return t
}

// IsFinite reports whether every component is a finite number.
func (t Transform) IsFinite() bool {
	for _, v := range [...]float64{
		t.Translation.X, t.Translation.Y, t.Translation.Z,
		t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate returns an error if t cannot be used as a rigid transform.
func (t Transform) Validate() error {
	if !t.IsFinite() {
		return fmt.Errorf("%w: non-finite component in %v", ErrInvalidTransform, t)
	}
	if quat.Abs(t.Rotation) < 1e-9 {
		return fmt.Errorf("%w: zero rotation quaternion", ErrInvalidTransform)
	}
	return nil
}

// IsIdentity reports whether t is the identity within tol.
func (t Transform) IsIdentity(tol float64) bool {
	return AlmostEqual(t, Identity(), tol)
}

// AlmostEqual compares two transforms component-wise. Quaternions q and -q
// describe the same rotation and compare equal.
func AlmostEqual(a, b Transform, tol float64) bool {
	if r3.Norm(r3.Sub(a.Translation, b.Translation)) > tol {
		return false
	}
	d := quat.Abs(quat.Sub(a.Rotation, b.Rotation))
	s := quat.Abs(quat.Add(a.Rotation, b.Rotation))
	return math.Min(d, s) <= tol
}

// Interpolate blends a toward b by ratio in [0, 1]: linear on translation,
// spherical on rotation.
func Interpolate(a, b Transform, ratio float64) Transform {
	switch {
	case ratio <= 0:
		return a
	case ratio >= 1:
		return b
	}
	tr := r3.Add(a.Translation, r3.Scale(ratio, r3.Sub(b.Translation, a.Translation)))
	return Transform{Translation: tr, Rotation: slerp(a.Rotation, b.Rotation, ratio)}.Normalize()
}

func slerp(a, b quat.Number, ratio float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return quat.Add(a, quat.Scale(ratio, quat.Sub(b, a)))
	}
	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-ratio)*theta) / sin
	wb := math.Sin(ratio*theta) / sin
	return quat.Add(quat.Scale(wa, a), quat.Scale(wb, b))
}

// String formats the transform for logs.
func (t Transform) String() string {
	return fmt.Sprintf("t=(%.4f, %.4f, %.4f) q=(w=%.4f, x=%.4f, y=%.4f, z=%.4f)",
		t.Translation.X, t.Translation.Y, t.Translation.Z,
		t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag)
}
