// Package protocol defines the WebSocket message types exchanged between
// cameras, the marker node and its consumers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-fiducial/pkg/camera"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Camera → Node messages
	TypeImage      MessageType = "image"       // Image with optional camera info
	TypeCameraInfo MessageType = "camera_info" // Calibration update
	TypeTransform  MessageType = "transform"   // Frame tree updates for the transform buffer

	// Node → Consumer messages
	TypeMarkers       MessageType = "markers"               // Marker poses in the reference frame
	TypeTF            MessageType = "tf"                    // Per-marker frame broadcast
	TypeVisualization MessageType = "visualization_markers" // Display cubes
	TypeResultImage   MessageType = "result_image"          // Annotated or threshold image

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Geometry
// =============================================================================

// Vector3 is a translation in metres.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a rotation in (x, y, z, w) order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is a position and orientation.
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// ColorRGBA has components in [0, 1].
type ColorRGBA struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// =============================================================================
// Camera → Node Message Types
// =============================================================================

// ImageData contains one camera image
type ImageData struct {
	FrameID    string       `json:"frame_id"`
	Stamp      int64        `json:"stamp_ns"` // Capture time, Unix nanoseconds
	Encoding   string       `json:"encoding"` // "jpeg", "png", "rgb8", "bgr8", "mono8"
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	Step       int          `json:"step,omitempty"`
	Data       string       `json:"data"` // base64 encoded
	CameraInfo *camera.Info `json:"camera_info,omitempty"`
}

// TransformData is the pose of ChildFrameID in FrameID.
type TransformData struct {
	FrameID      string     `json:"frame_id"`
	ChildFrameID string     `json:"child_frame_id"`
	Stamp        int64      `json:"stamp_ns"`
	Translation  Vector3    `json:"translation"`
	Rotation     Quaternion `json:"rotation"`
	Static       bool       `json:"static,omitempty"`
}

// TFData carries several transforms.
type TFData struct {
	Transforms []TransformData `json:"transforms"`
}

// =============================================================================
// Node → Consumer Message Types
// =============================================================================

// MarkerData is one marker pose.
type MarkerData struct {
	ID         int     `json:"id"`
	FrameID    string  `json:"frame_id"`
	Stamp      int64   `json:"stamp_ns"`
	Confidence float64 `json:"confidence"`
	Pose       Pose    `json:"pose"`
}

// MarkerArrayData is every marker seen in one image.
type MarkerArrayData struct {
	Seq     uint64       `json:"seq"`
	FrameID string       `json:"frame_id"`
	Stamp   int64        `json:"stamp_ns"`
	Markers []MarkerData `json:"markers"`
}

// VisualizationMarkerData describes one display shape.
type VisualizationMarkerData struct {
	Namespace  string    `json:"ns"`
	ID         int       `json:"id"`
	Type       string    `json:"type"`   // "cube"
	Action     string    `json:"action"` // "add"
	FrameID    string    `json:"frame_id"`
	Stamp      int64     `json:"stamp_ns"`
	Pose       Pose      `json:"pose"`
	Scale      Vector3   `json:"scale"`
	Color      ColorRGBA `json:"color"`
	LifetimeMs int64     `json:"lifetime_ms"`
}

// VisualizationData carries display shapes.
type VisualizationData struct {
	Markers []VisualizationMarkerData `json:"markers"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
