package spatial

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidTransform is returned for transforms with NaN/Inf components or a
// degenerate rotation.
var ErrInvalidTransform = errors.New("spatial: invalid transform")

// MatrixValidationTolerance is the tolerance used when checking that a 3x3
// block is a proper rotation.
const MatrixValidationTolerance = 0.01

// Matrix returns t as a row-major homogeneous 4x4 matrix.
func (t Transform) Matrix() [16]float64 {
	r := t.RotationMatrix()
	return [16]float64{
		r[0], r[1], r[2], t.Translation.X,
		r[3], r[4], r[5], t.Translation.Y,
		r[6], r[7], r[8], t.Translation.Z,
		0, 0, 0, 1,
	}
}

// RotationMatrix returns the rotation as a row-major 3x3 matrix.
func (t Transform) RotationMatrix() [9]float64 {
	q := t.Normalize().Rotation
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// FromMatrix builds a transform from a row-major 4x4 matrix. The rotation block
// must be a proper rotation (det ≈ 1) and the last row must be [0 0 0 1].
func FromMatrix(m [16]float64) (Transform, error) {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, ErrInvalidTransform
		}
	}
	if m[12] != 0 || m[13] != 0 || m[14] != 0 || math.Abs(m[15]-1) > 1e-3 {
		return Transform{}, ErrInvalidTransform
	}
	var r [9]float64
	copy(r[0:3], m[0:3])
	copy(r[3:6], m[4:7])
	copy(r[6:9], m[8:11])
	q, err := QuatFromRotationMatrix(r)
	if err != nil {
		return Transform{}, err
	}
	return New(r3.Vec{X: m[3], Y: m[7], Z: m[11]}, q), nil
}

// QuatFromRotationMatrix converts a row-major 3x3 rotation matrix into a unit quaternion.
func QuatFromRotationMatrix(r [9]float64) (quat.Number, error) {
	det := mat.Det(mat.NewDense(3, 3, r[:]))
	if math.Abs(det-1) > MatrixValidationTolerance {
		return quat.Number{}, ErrInvalidTransform
	}
	m00, m01, m02 := r[0], r[1], r[2]
	m10, m11, m12 := r[3], r[4], r[5]
	m20, m21, m22 := r[6], r[7], r[8]

	var q quat.Number
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}
	return quat.Scale(1/quat.Abs(q), q), nil
}

// Orthonormalize projects an approximately orthonormal 3x3 matrix onto the
// closest rotation (R = U·Vᵀ from its SVD), flipping the last axis if needed
// to keep det = +1.
func Orthonormalize(r [9]float64) ([9]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(3, 3, r[:]), mat.SVDFull); !ok {
		return r, ErrInvalidTransform
	}
	var u, v, out mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	var res [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			res[i*3+j] = out.At(i, j)
		}
	}
	return res, nil
}
