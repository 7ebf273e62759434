package protocol

import (
	"encoding/json"
	"errors"
	"image/color"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

var stamp = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "image message",
			msgType: TypeImage,
			data:    ImageData{FrameID: "cam", Encoding: "jpeg"},
			wantErr: false,
		},
		{
			name:    "markers message",
			msgType: TypeMarkers,
			data:    MarkerArrayData{Seq: 1, FrameID: "map"},
			wantErr: false,
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
			wantErr: false,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeMarkers,
			data:    MarkerData{Confidence: math.NaN()},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestImageMessageToEvent(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10} // Fake JPEG header
	info := &camera.Info{FrameID: "cam", Width: 640, Height: 480, P: [12]float64{500, 0, 320, -60, 0, 500, 240, 0, 0, 0, 1, 0}}

	msg, err := NewImageMessage("cam", stamp, aruco.Image{Encoding: aruco.EncodingJPEG, Data: jpegData}, info)
	if err != nil {
		t.Fatalf("NewImageMessage() error = %v", err)
	}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	parsed, err := ParseMessage(bytes)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != TypeImage {
		t.Errorf("Type = %v, want %v", parsed.Type, TypeImage)
	}

	data, err := parsed.GetImageData()
	if err != nil {
		t.Fatalf("GetImageData() error = %v", err)
	}
	ev, err := data.Event()
	if err != nil {
		t.Fatalf("Event() error = %v", err)
	}

	if ev.FrameID != "cam" {
		t.Errorf("FrameID = %v, want cam", ev.FrameID)
	}
	if !ev.Stamp.Equal(stamp) {
		t.Errorf("Stamp = %v, want %v", ev.Stamp, stamp)
	}
	if len(ev.Image.Data) != len(jpegData) {
		t.Errorf("Decoded length = %v, want %v", len(ev.Image.Data), len(jpegData))
	}
	if ev.CameraInfo == nil || ev.CameraInfo.P[3] != -60 {
		t.Errorf("CameraInfo = %+v, want P[3] = -60", ev.CameraInfo)
	}
}

func TestImageDataBadBase64(t *testing.T) {
	data := &ImageData{Encoding: "jpeg", Data: "***"}
	_, err := data.Event()
	if !errors.Is(err, aruco.ErrImageDecode) {
		t.Errorf("Event() error = %v, want ErrImageDecode", err)
	}
}

func TestPoseConversion(t *testing.T) {
	tr := spatial.Compose(spatial.FromTranslation(1, -2, 3), spatial.FromAxisAngle(r3.Vec{X: 1, Z: 1}, 0.8))

	p := PoseFromTransform(tr)
	if p.Orientation.W != tr.Rotation.Real || p.Orientation.X != tr.Rotation.Imag {
		t.Errorf("Orientation = %+v, want w=%v x=%v", p.Orientation, tr.Rotation.Real, tr.Rotation.Imag)
	}
	if back := p.Transform(); !spatial.AlmostEqual(tr, back, 1e-12) {
		t.Errorf("Transform() = %v, want %v", back, tr)
	}
}

func TestTransformMessage(t *testing.T) {
	in := []tf.TransformStamped{
		{Stamp: stamp, FrameID: "map", ChildFrameID: "base", Transform: spatial.FromTranslation(1, 0, 0)},
		{Stamp: stamp, FrameID: "base", ChildFrameID: "cam", Transform: spatial.FromTranslation(0, 0, 0.5)},
	}

	msg, err := NewTransformMessage(in, true)
	if err != nil {
		t.Fatalf("NewTransformMessage() error = %v", err)
	}
	data, err := msg.GetTFData()
	if err != nil {
		t.Fatalf("GetTFData() error = %v", err)
	}
	if len(data.Transforms) != 2 {
		t.Fatalf("len(Transforms) = %v, want 2", len(data.Transforms))
	}
	if !data.Transforms[1].Static {
		t.Error("Static should be true")
	}

	got := data.Transforms[1].Stamped()
	if got.FrameID != "base" || got.ChildFrameID != "cam" {
		t.Errorf("frames = %s -> %s, want base -> cam", got.FrameID, got.ChildFrameID)
	}
	if !got.Stamp.Equal(stamp) {
		t.Errorf("Stamp = %v, want %v", got.Stamp, stamp)
	}
	if got.Transform.Translation.Z != 0.5 {
		t.Errorf("Translation.Z = %v, want 0.5", got.Transform.Translation.Z)
	}
}

func TestMarkersMessage(t *testing.T) {
	batch := pipeline.MarkerBatch{
		Seq:     4,
		Stamp:   stamp.Add(time.Second),
		FrameID: "map",
		Markers: []pipeline.MarkerPoseRecord{
			{ID: 7, Pose: spatial.FromTranslation(0.1, 0.2, 1), Stamp: stamp, FrameID: "map", ChildFrameID: "aruco_marker_7", Confidence: 1},
		},
	}

	msg, err := NewMarkersMessage(batch)
	if err != nil {
		t.Fatalf("NewMarkersMessage() error = %v", err)
	}
	if msg.Type != TypeMarkers {
		t.Errorf("Type = %v, want %v", msg.Type, TypeMarkers)
	}

	data, err := msg.GetMarkerArray()
	if err != nil {
		t.Fatalf("GetMarkerArray() error = %v", err)
	}
	if data.Seq != 4 {
		t.Errorf("Seq = %v, want 4", data.Seq)
	}
	if data.Stamp != stamp.Add(time.Second).UnixNano() {
		t.Errorf("batch Stamp = %v, want wall clock", data.Stamp)
	}
	if len(data.Markers) != 1 {
		t.Fatalf("len(Markers) = %v, want 1", len(data.Markers))
	}
	m := data.Markers[0]
	if m.ID != 7 || m.Confidence != 1 || m.FrameID != "map" {
		t.Errorf("marker = %+v", m)
	}
	if m.Stamp != stamp.UnixNano() {
		t.Errorf("marker Stamp = %v, want image stamp", m.Stamp)
	}
	if m.Pose.Position.Z != 1 || m.Pose.Orientation.W != 1 {
		t.Errorf("Pose = %+v", m.Pose)
	}
}

func TestVisualizationMessage(t *testing.T) {
	msg, err := NewVisualizationMessage([]pipeline.VisualizationMarker{{
		Namespace: "basic_shapes",
		ID:        3,
		FrameID:   "map",
		Stamp:     stamp,
		Pose:      spatial.Identity(),
		Scale:     r3.Vec{X: 0.05, Y: 0.001, Z: 0.05},
		Color:     color.RGBA{R: 255, A: 255},
		Lifetime:  3 * time.Second,
	}})
	if err != nil {
		t.Fatalf("NewVisualizationMessage() error = %v", err)
	}

	data, err := msg.GetVisualizationData()
	if err != nil {
		t.Fatalf("GetVisualizationData() error = %v", err)
	}
	v := data.Markers[0]
	if v.Type != "cube" || v.Action != "add" {
		t.Errorf("Type/Action = %v/%v, want cube/add", v.Type, v.Action)
	}
	if v.Color != (ColorRGBA{R: 1, A: 1}) {
		t.Errorf("Color = %+v, want opaque red", v.Color)
	}
	if v.LifetimeMs != 3000 {
		t.Errorf("LifetimeMs = %v, want 3000", v.LifetimeMs)
	}
	if v.Scale.Y != 0.001 {
		t.Errorf("Scale.Y = %v, want 0.001", v.Scale.Y)
	}
}

func TestCameraInfoMessage(t *testing.T) {
	info := camera.Info{FrameID: "cam", Width: 640, Height: 480, DistortionModel: camera.DistortionPlumbBob, D: []float64{0.1, 0, 0, 0, 0}}

	msg, err := NewCameraInfoMessage(info)
	if err != nil {
		t.Fatalf("NewCameraInfoMessage() error = %v", err)
	}
	got, err := msg.GetCameraInfo()
	if err != nil {
		t.Fatalf("GetCameraInfo() error = %v", err)
	}
	if got.FrameID != "cam" || got.Width != 640 || len(got.D) != 5 {
		t.Errorf("GetCameraInfo() = %+v", got)
	}
}

func TestPingPongMessage(t *testing.T) {
	pingMsg, err := NewPingMessage("test-123")
	if err != nil {
		t.Fatalf("NewPingMessage() error = %v", err)
	}

	if pingMsg.Type != TypePing {
		t.Errorf("Type = %v, want %v", pingMsg.Type, TypePing)
	}

	pingData, err := pingMsg.GetPingData()
	if err != nil {
		t.Fatalf("GetPingData() error = %v", err)
	}

	if pingData.ID != "test-123" {
		t.Errorf("ID = %v, want test-123", pingData.ID)
	}

	// Create pong response
	now := time.Now().UnixMilli()
	pongMsg, err := NewPongMessage("test-123", pingMsg.Timestamp, now)
	if err != nil {
		t.Fatalf("NewPongMessage() error = %v", err)
	}

	pongData, err := pongMsg.GetPongData()
	if err != nil {
		t.Fatalf("GetPongData() error = %v", err)
	}

	if pongData.ID != "test-123" {
		t.Errorf("ID = %v, want test-123", pongData.ID)
	}
	if pongData.LatencyMs < 0 {
		t.Errorf("LatencyMs = %v, should be >= 0", pongData.LatencyMs)
	}
}

func TestStampZero(t *testing.T) {
	if Stamp(time.Time{}) != 0 {
		t.Error("zero time should encode as 0")
	}
	if !Time(0).IsZero() {
		t.Error("0 should decode as the zero time")
	}
}

func TestParseInvalidMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "invalid json",
			input:   "not json",
			wantErr: true,
		},
		{
			name:    "empty json",
			input:   "{}",
			wantErr: false, // Empty is valid, just no type
		},
		{
			name:    "valid message",
			input:   `{"type":"ping","ts":1234567890}`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageJSON(t *testing.T) {
	// Verify JSON structure matches expected format
	msg, _ := NewMarkersMessage(pipeline.MarkerBatch{Seq: 1, FrameID: "map"})

	bytes, _ := msg.Bytes()

	var parsed map[string]interface{}
	if err := json.Unmarshal(bytes, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal as map: %v", err)
	}

	if parsed["type"] != "markers" {
		t.Errorf("type = %v, want markers", parsed["type"])
	}

	if _, ok := parsed["ts"]; !ok {
		t.Error("ts field should be present")
	}

	if _, ok := parsed["data"]; !ok {
		t.Error("data field should be present")
	}
}

func BenchmarkNewImageMessage(b *testing.B) {
	img := aruco.Image{Encoding: aruco.EncodingJPEG, Data: make([]byte, 100*1024)} // 100KB fake JPEG

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewImageMessage("cam", stamp, img, nil)
	}
}

func BenchmarkParseMessage(b *testing.B) {
	msg, _ := NewImageMessage("cam", stamp, aruco.Image{Encoding: aruco.EncodingJPEG, Data: make([]byte, 100*1024)}, nil)
	bytes, _ := msg.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseMessage(bytes)
	}
}
