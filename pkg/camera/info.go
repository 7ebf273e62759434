// Package camera describes camera intrinsics as published alongside images and
// derives the parameters the marker detector and the pose pipeline need.
package camera

import (
	"math"
)

// Distortion models understood by the detector.
const (
	DistortionPlumbBob           = "plumb_bob"
	DistortionRationalPolynomial = "rational_polynomial"
)

// Info holds the calibration of one camera as sent with each image.
// Matrices are row-major: K is 3x3, R is 3x3, P is 3x4.
type Info struct {
	FrameID         string      `json:"frame_id" yaml:"frame_id"`
	Width           int         `json:"width" yaml:"width"`
	Height          int         `json:"height" yaml:"height"`
	DistortionModel string      `json:"distortion_model" yaml:"distortion_model"`
	D               []float64   `json:"d" yaml:"d"`
	K               [9]float64  `json:"k" yaml:"k"`
	R               [9]float64  `json:"r" yaml:"r"`
	P               [12]float64 `json:"p" yaml:"p"`
}

// Parameters are the intrinsics handed to the detector.
type Parameters struct {
	// CameraMatrix is the row-major 3x3 pinhole matrix [fx 0 cx; 0 fy cy; 0 0 1].
	CameraMatrix [9]float64
	Distortion   []float64
	Width        int
	Height       int
}

// NewParameters converts Info into detector parameters. With rectified images the
// projection matrix P already describes the image plane and distortion is zero;
// otherwise K and D of the raw sensor are used.
func NewParameters(info Info, rectified bool) Parameters {
	p := Parameters{Width: info.Width, Height: info.Height}
	if rectified {
		p.CameraMatrix = [9]float64{
			info.P[0], info.P[1], info.P[2],
			info.P[4], info.P[5], info.P[6],
			info.P[8], info.P[9], info.P[10],
		}
		p.Distortion = make([]float64, 4)
		return p
	}
	p.CameraMatrix = info.K
	d := make([]float64, 4)
	copy(d, info.D)
	if len(info.D) > 4 {
		d = append(d, info.D[4])
	}
	p.Distortion = d
	return p
}

// Fx returns the horizontal focal length in pixels.
func (p Parameters) Fx() float64 { return p.CameraMatrix[0] }

// Fy returns the vertical focal length in pixels.
func (p Parameters) Fy() float64 { return p.CameraMatrix[4] }

// Cx returns the principal point x coordinate.
func (p Parameters) Cx() float64 { return p.CameraMatrix[2] }

// Cy returns the principal point y coordinate.
func (p Parameters) Cy() float64 { return p.CameraMatrix[5] }

// Valid reports whether the parameters are usable for 3D pose estimation.
func (p Parameters) Valid() bool {
	if p.Width <= 0 || p.Height <= 0 {
		return false
	}
	for _, v := range p.CameraMatrix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return p.Fx() > 0 && p.Fy() > 0
}
