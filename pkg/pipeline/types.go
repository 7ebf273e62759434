package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// Output topics.
const (
	TopicMarkers       = "markers"
	TopicTF            = "tf"
	TopicVisualization = "visualization_markers"
	TopicResult        = "result"
	TopicDebug         = "debug"
)

// Topics lists every output topic.
var Topics = []string{TopicMarkers, TopicTF, TopicVisualization, TopicResult, TopicDebug}

// ImageEvent is one image arrival. CameraInfo, when set, is applied before the
// image is processed.
type ImageEvent struct {
	FrameID    string
	Stamp      time.Time
	Image      aruco.Image
	CameraInfo *camera.Info
}

// MarkerPoseRecord is the pose of one marker in the reference frame.
type MarkerPoseRecord struct {
	ID           int               `json:"id"`
	Pose         spatial.Transform `json:"-"`
	Stamp        time.Time         `json:"stamp"`
	FrameID      string            `json:"frame_id"`
	ChildFrameID string            `json:"child_frame_id"`
	Confidence   float64           `json:"confidence"`
}

// MarkerBatch is every marker pose published for one image.
type MarkerBatch struct {
	Seq     uint64             `json:"seq"`
	Stamp   time.Time          `json:"stamp"`
	FrameID string             `json:"frame_id"`
	Markers []MarkerPoseRecord `json:"markers"`
}

// VisualizationMarker is a display cube covering one detected marker.
type VisualizationMarker struct {
	Namespace string
	ID        int
	FrameID   string
	Stamp     time.Time
	Pose      spatial.Transform
	Scale     r3.Vec
	Color     color.RGBA
	Lifetime  time.Duration
}

// Sink receives pipeline output.
type Sink interface {
	PublishMarkers(ctx context.Context, batch MarkerBatch) error

	// Subscribers returns how many consumers listen on topic. Images are only
	// rendered for topics with listeners.
	Subscribers(topic string) int

	PublishImage(ctx context.Context, topic string, frameID string, stamp time.Time, jpeg []byte) error
}

// TransformPublisher is implemented by sinks that broadcast per-marker frames.
type TransformPublisher interface {
	PublishTransforms(ctx context.Context, transforms []tf.TransformStamped) error
}

// VisualizationPublisher is implemented by sinks that accept display markers.
type VisualizationPublisher interface {
	PublishVisualization(ctx context.Context, markers []VisualizationMarker) error
}

// Resolver returns the pose of target in reference at a given time.
type Resolver interface {
	Resolve(ctx context.Context, reference, target string, at time.Time) (spatial.Transform, error)
}

// State is the pipeline's position in the per-event cycle.
type State int32

// Event states.
const (
	StateIdle State = iota
	StateIntrinsicsApplied
	StateDetecting
	StateComposing
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIntrinsicsApplied:
		return "intrinsics_applied"
	case StateDetecting:
		return "detecting"
	case StateComposing:
		return "composing"
	case StatePublishing:
		return "publishing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EventResult summarizes one processed image.
type EventResult struct {
	ReferenceFrame string
	Detected       int
	Published      int
	Skipped        int

	// Degraded is set when the reference transform was unavailable and
	// identity was used instead.
	Degraded bool

	// PoseErr is ErrCameraParametersInvalid when no 3D pose could be composed.
	PoseErr error

	// Err is the error that aborted the event, if any.
	Err      error
	Duration time.Duration
}

// PoseSkipped reports whether 3D composition was skipped for the whole event.
func (r EventResult) PoseSkipped() bool {
	return errors.Is(r.PoseErr, ErrCameraParametersInvalid)
}
