package protocol

import (
	"encoding/base64"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// =============================================================================
// Conversions
// =============================================================================

// Stamp converts t to Unix nanoseconds; the zero time is 0.
func Stamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Time converts Unix nanoseconds back to a time; 0 is the zero time.
func Time(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// PoseFromTransform converts a transform to a wire pose.
func PoseFromTransform(t spatial.Transform) Pose {
	q := t.Rotation
	return Pose{
		Position:    Vector3{X: t.Translation.X, Y: t.Translation.Y, Z: t.Translation.Z},
		Orientation: Quaternion{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real},
	}
}

// Transform converts a wire pose to a transform.
func (p Pose) Transform() spatial.Transform {
	return spatial.Transform{
		Translation: r3.Vec{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
		Rotation:    quat.Number{Real: p.Orientation.W, Imag: p.Orientation.X, Jmag: p.Orientation.Y, Kmag: p.Orientation.Z},
	}
}

// TransformDataFrom converts a stamped transform to its wire form.
func TransformDataFrom(ts tf.TransformStamped, static bool) TransformData {
	p := PoseFromTransform(ts.Transform)
	return TransformData{
		FrameID:      ts.FrameID,
		ChildFrameID: ts.ChildFrameID,
		Stamp:        Stamp(ts.Stamp),
		Translation:  p.Position,
		Rotation:     p.Orientation,
		Static:       static,
	}
}

// Stamped converts wire data to a stamped transform.
func (d TransformData) Stamped() tf.TransformStamped {
	return tf.TransformStamped{
		Stamp:        Time(d.Stamp),
		FrameID:      d.FrameID,
		ChildFrameID: d.ChildFrameID,
		Transform:    Pose{Position: d.Translation, Orientation: d.Rotation}.Transform(),
	}
}

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewImageMessage creates an image message from encoded or raw image bytes
func NewImageMessage(frameID string, stamp time.Time, img aruco.Image, info *camera.Info) (*Message, error) {
	return NewMessage(TypeImage, ImageData{
		FrameID:    frameID,
		Stamp:      Stamp(stamp),
		Encoding:   img.Encoding,
		Width:      img.Width,
		Height:     img.Height,
		Step:       img.Step,
		Data:       base64.StdEncoding.EncodeToString(img.Data),
		CameraInfo: info,
	})
}

// NewCameraInfoMessage creates a camera info message
func NewCameraInfoMessage(info camera.Info) (*Message, error) {
	return NewMessage(TypeCameraInfo, info)
}

// NewTransformMessage creates a transform update message
func NewTransformMessage(transforms []tf.TransformStamped, static bool) (*Message, error) {
	data := TFData{Transforms: make([]TransformData, len(transforms))}
	for i, ts := range transforms {
		data.Transforms[i] = TransformDataFrom(ts, static)
	}
	return NewMessage(TypeTransform, data)
}

// NewTFMessage creates a per-marker frame broadcast
func NewTFMessage(transforms []tf.TransformStamped) (*Message, error) {
	data := TFData{Transforms: make([]TransformData, len(transforms))}
	for i, ts := range transforms {
		data.Transforms[i] = TransformDataFrom(ts, false)
	}
	return NewMessage(TypeTF, data)
}

// NewMarkersMessage creates a marker array message from a pipeline batch
func NewMarkersMessage(batch pipeline.MarkerBatch) (*Message, error) {
	data := MarkerArrayData{
		Seq:     batch.Seq,
		FrameID: batch.FrameID,
		Stamp:   Stamp(batch.Stamp),
		Markers: make([]MarkerData, len(batch.Markers)),
	}
	for i, m := range batch.Markers {
		data.Markers[i] = MarkerData{
			ID:         m.ID,
			FrameID:    m.FrameID,
			Stamp:      Stamp(m.Stamp),
			Confidence: m.Confidence,
			Pose:       PoseFromTransform(m.Pose),
		}
	}
	return NewMessage(TypeMarkers, data)
}

// NewVisualizationMessage creates a display marker message
func NewVisualizationMessage(markers []pipeline.VisualizationMarker) (*Message, error) {
	data := VisualizationData{Markers: make([]VisualizationMarkerData, len(markers))}
	for i, m := range markers {
		data.Markers[i] = VisualizationMarkerData{
			Namespace: m.Namespace,
			ID:        m.ID,
			Type:      "cube",
			Action:    "add",
			FrameID:   m.FrameID,
			Stamp:     Stamp(m.Stamp),
			Pose:      PoseFromTransform(m.Pose),
			Scale:     Vector3{X: m.Scale.X, Y: m.Scale.Y, Z: m.Scale.Z},
			Color: ColorRGBA{
				R: float64(m.Color.R) / 255,
				G: float64(m.Color.G) / 255,
				B: float64(m.Color.B) / 255,
				A: float64(m.Color.A) / 255,
			},
			LifetimeMs: m.Lifetime.Milliseconds(),
		}
	}
	return NewMessage(TypeVisualization, data)
}

// NewResultImageMessage creates a JPEG image message for the result or debug topics
func NewResultImageMessage(frameID string, stamp time.Time, jpeg []byte) (*Message, error) {
	return NewMessage(TypeResultImage, ImageData{
		FrameID:  frameID,
		Stamp:    Stamp(stamp),
		Encoding: aruco.EncodingJPEG,
		Data:     base64.StdEncoding.EncodeToString(jpeg),
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetImageData extracts image data from a message
func (m *Message) GetImageData() (*ImageData, error) {
	var data ImageData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Image decodes the base64 payload into an image
func (d *ImageData) Image() (aruco.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return aruco.Image{}, fmt.Errorf("%w: base64: %v", aruco.ErrImageDecode, err)
	}
	return aruco.Image{
		Encoding: d.Encoding,
		Width:    d.Width,
		Height:   d.Height,
		Step:     d.Step,
		Data:     raw,
	}, nil
}

// Event converts the image data into a pipeline event
func (d *ImageData) Event() (pipeline.ImageEvent, error) {
	img, err := d.Image()
	if err != nil {
		return pipeline.ImageEvent{}, err
	}
	return pipeline.ImageEvent{
		FrameID:    d.FrameID,
		Stamp:      Time(d.Stamp),
		Image:      img,
		CameraInfo: d.CameraInfo,
	}, nil
}

// GetCameraInfo extracts camera info from a message
func (m *Message) GetCameraInfo() (*camera.Info, error) {
	var data camera.Info
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTFData extracts transforms from a transform or tf message
func (m *Message) GetTFData() (*TFData, error) {
	var data TFData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetMarkerArray extracts marker poses from a message
func (m *Message) GetMarkerArray() (*MarkerArrayData, error) {
	var data MarkerArrayData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetVisualizationData extracts display markers from a message
func (m *Message) GetVisualizationData() (*VisualizationData, error) {
	var data VisualizationData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
