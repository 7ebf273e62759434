package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func projection(fx, fy, cx, cy, tx, ty float64) [12]float64 {
	return [12]float64{
		fx, 0, cx, tx,
		0, fy, cy, ty,
		0, 0, 1, 0,
	}
}

func TestStereoOffset(t *testing.T) {
	tests := []struct {
		name string
		p    [12]float64
		want r3.Vec
	}{
		{
			name: "monocular",
			p:    projection(500, 500, 320, 240, 0, 0),
			want: r3.Vec{},
		},
		{
			name: "right camera of a 12cm baseline",
			p:    projection(500, 500, 320, 240, -60, 0),
			want: r3.Vec{X: 0.12},
		},
		{
			name: "vertical pair",
			p:    projection(400, 800, 320, 240, 0, 40),
			want: r3.Vec{Y: -0.05},
		},
		{
			name: "zero focal lengths fall back to identity",
			p:    projection(0, 0, 320, 240, -60, 30),
			want: r3.Vec{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off := StereoOffset(Info{P: tt.p})
			assert.InDelta(t, tt.want.X, off.Translation.X, 1e-12)
			assert.InDelta(t, tt.want.Y, off.Translation.Y, 1e-12)
			assert.Zero(t, off.Translation.Z)
			assert.Equal(t, 1.0, off.Rotation.Real, "rotation must be identity")
		})
	}
}

func TestNewParametersRectified(t *testing.T) {
	info := Info{
		Width:  640,
		Height: 480,
		K:      [9]float64{510, 0, 330, 0, 505, 250, 0, 0, 1},
		D:      []float64{0.1, -0.2, 0.001, 0.002, 0.05},
		P:      projection(500, 498, 320, 240, -60, 0),
	}

	p := NewParameters(info, true)
	assert.Equal(t, 500.0, p.Fx())
	assert.Equal(t, 498.0, p.Fy())
	assert.Equal(t, 320.0, p.Cx())
	assert.Equal(t, 240.0, p.Cy())
	assert.Equal(t, []float64{0, 0, 0, 0}, p.Distortion)
	assert.True(t, p.Valid())

	raw := NewParameters(info, false)
	assert.Equal(t, 510.0, raw.Fx())
	assert.Equal(t, []float64{0.1, -0.2, 0.001, 0.002, 0.05}, raw.Distortion)
}

func TestParametersValid(t *testing.T) {
	assert.False(t, Parameters{}.Valid(), "zero value")
	assert.False(t, NewParameters(Info{Width: 640, Height: 480}, true).Valid(), "zero focal length")
	assert.False(t, NewParameters(Info{P: projection(500, 500, 320, 240, 0, 0)}, true).Valid(), "unknown size")
}

const calibrationYAML = `
image_width: 640
image_height: 480
camera_name: narrow_stereo/right
camera_matrix:
  rows: 3
  cols: 3
  data: [510.2, 0, 321.5, 0, 509.8, 244.1, 0, 0, 1]
distortion_model: plumb_bob
distortion_coefficients:
  rows: 1
  cols: 5
  data: [-0.31, 0.12, 0.0009, -0.0004, 0]
rectification_matrix:
  rows: 3
  cols: 3
  data: [1, 0, 0, 0, 1, 0, 0, 0, 1]
projection_matrix:
  rows: 3
  cols: 4
  data: [500, 0, 320, -60, 0, 500, 240, 0, 0, 0, 1, 0]
`

func TestParseCalibration(t *testing.T) {
	info, err := ParseCalibration([]byte(calibrationYAML), "right_optical")
	require.NoError(t, err)

	assert.Equal(t, "right_optical", info.FrameID)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)
	assert.Equal(t, 510.2, info.K[0])
	assert.Len(t, info.D, 5)
	assert.Equal(t, -60.0, info.P[3])
	assert.InDelta(t, 0.12, StereoOffset(info).Translation.X, 1e-12)
}

func TestParseCalibrationWithoutProjection(t *testing.T) {
	data := []byte(`
image_width: 320
image_height: 240
camera_matrix: {rows: 3, cols: 3, data: [250, 0, 160, 0, 250, 120, 0, 0, 1]}
`)
	info, err := ParseCalibration(data, "cam")
	require.NoError(t, err)
	assert.Equal(t, DistortionPlumbBob, info.DistortionModel)
	assert.Equal(t, 250.0, info.P[0])
	assert.Equal(t, 120.0, info.P[6])
	assert.Zero(t, info.P[3])
	assert.Equal(t, 1.0, info.R[8])
}

func TestParseCalibrationRejectsShortMatrix(t *testing.T) {
	_, err := ParseCalibration([]byte(`camera_matrix: {rows: 3, cols: 3, data: [1, 2, 3]}`), "cam")
	assert.Error(t, err)
}

func TestManagerApply(t *testing.T) {
	m := NewManager(true)

	_, ok := m.Current()
	assert.False(t, ok)

	first := m.Apply(Info{FrameID: "cam", Width: 640, Height: 480, P: projection(500, 500, 320, 240, -60, 0)})
	assert.True(t, first.Parameters.Valid())
	assert.InDelta(t, 0.12, first.Offset.Translation.X, 1e-12)

	second := m.Apply(Info{FrameID: "cam", Width: 640, Height: 480, P: projection(500, 500, 320, 240, 0, 0)})
	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, second, cur)
	assert.Zero(t, cur.Offset.Translation.X)

	assert.Equal(t, uint64(2), m.Updates())
}
