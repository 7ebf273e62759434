// Package pipeline turns image events into marker poses in a reference frame.
//
// Each event runs to completion before the next: camera info is applied, the
// reference frame is bound on first use, the reference→camera transform is
// resolved once, markers are detected, each marker pose is composed, and the
// batch is handed to a Sink. A missing reference transform degrades to the
// identity so detections are still published relative to the camera.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/metrics"
	"github.com/teslashibe/go-fiducial/pkg/pose"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// Config holds pipeline configuration.
type Config struct {
	// ReferenceFrame poses are expressed in. Empty binds it to the first
	// image's frame.
	ReferenceFrame string

	// MarkerSize is the marker side length in metres.
	MarkerSize float64

	// MarkerFramePrefix names per-marker frames: prefix + id.
	MarkerFramePrefix string

	// VisualizationLifetime is how long display markers persist.
	VisualizationLifetime time.Duration
}

// DefaultConfig returns 5cm markers with the reference frame taken from the camera.
func DefaultConfig() Config {
	return Config{
		MarkerSize:            0.05,
		MarkerFramePrefix:     "aruco_marker_",
		VisualizationLifetime: 3 * time.Second,
	}
}

// Deps are the collaborators of a Pipeline. Camera, Resolver, Detector and
// Sink are required.
type Deps struct {
	Camera   *camera.Manager
	Resolver Resolver
	Detector aruco.Detector
	Sink     Sink
	Metrics  metrics.Recorder
	Logger   *slog.Logger

	// Now returns the wall clock; batch and broadcast stamps use it.
	Now func() time.Time
}

// Stats are running counters for status reporting.
type Stats struct {
	Events          uint64    `json:"events"`
	Batches         uint64    `json:"batches"`
	MarkersSent     uint64    `json:"markers_published"`
	MarkersSkipped  uint64    `json:"markers_skipped"`
	Fallbacks       uint64    `json:"transform_fallbacks"`
	Failures        uint64    `json:"failed_events"`
	LastEvent       time.Time `json:"last_event"`
	ReferenceFrame  string    `json:"reference_frame"`
	CameraInfoCount uint64    `json:"camera_info_updates"`
	State           string    `json:"state"`
}

// Pipeline processes image events. HandleImage must not be called
// concurrently; Runner serializes events for transport callers.
type Pipeline struct {
	config   Config
	camera   *camera.Manager
	resolver Resolver
	detector aruco.Detector
	sink     Sink
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	reference atomic.Pointer[string]
	state     atomic.Int32
	seq       atomic.Uint64

	events         atomic.Uint64
	markersSent    atomic.Uint64
	markersSkipped atomic.Uint64
	fallbacks      atomic.Uint64
	failures       atomic.Uint64
	lastEvent      atomic.Int64
}

// New creates a pipeline. A configured reference frame is bound immediately.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Camera == nil:
		return nil, errors.New("pipeline: camera manager is required")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if !(cfg.MarkerSize > 0) {
		return nil, fmt.Errorf("pipeline: marker size must be positive, got %v", cfg.MarkerSize)
	}
	if cfg.MarkerFramePrefix == "" {
		cfg.MarkerFramePrefix = DefaultConfig().MarkerFramePrefix
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Component("pipeline")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	p := &Pipeline{
		config:   cfg,
		camera:   deps.Camera,
		resolver: deps.Resolver,
		detector: deps.Detector,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if cfg.ReferenceFrame != "" {
		p.bindReference(cfg.ReferenceFrame)
	}
	return p, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// ReferenceFrame returns the bound reference frame, or false before the first image.
func (p *Pipeline) ReferenceFrame() (string, bool) {
	ref := p.reference.Load()
	if ref == nil {
		return "", false
	}
	return *ref, true
}

// bindReference binds frame if nothing is bound yet and returns the bound frame.
func (p *Pipeline) bindReference(frame string) string {
	if frame != "" && p.reference.CompareAndSwap(nil, &frame) {
		p.logger.Info("reference frame bound", "frame", frame)
	}
	ref, _ := p.ReferenceFrame()
	return ref
}

// State returns the current event state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// ApplyCameraInfo replaces the camera parameters and stereo offset as one unit.
// It may be called between events; it does not touch the event state.
func (p *Pipeline) ApplyCameraInfo(info camera.Info) camera.State {
	s := p.camera.Apply(info)
	if !s.Parameters.Valid() {
		p.logger.Debug("camera info gives invalid parameters", "frame", info.FrameID)
	}
	return s
}

// HandleImage processes one image event to completion. A panic inside the
// event is recovered and reported as ErrEventPanic; later events are unaffected.
func (p *Pipeline) HandleImage(ctx context.Context, ev ImageEvent) (res EventResult) {
	start := p.now()
	defer p.setState(StateIdle)
	defer func() {
		if v := recover(); v != nil {
			res.Err = fmt.Errorf("%w: %v", ErrEventPanic, v)
			res.Duration = p.now().Sub(start)
			p.failures.Add(1)
			p.logger.Error("image event panicked", "frame", ev.FrameID, "panic", v, "stack", string(debug.Stack()))
			p.metrics.RecordEvent(ctx, metrics.OutcomePanic, res.Duration)
		}
	}()
	p.events.Add(1)
	p.lastEvent.Store(start.UnixNano())

	if ev.CameraInfo != nil {
		p.ApplyCameraInfo(*ev.CameraInfo)
		p.setState(StateIntrinsicsApplied)
	}
	cam, _ := p.camera.Current()

	res = EventResult{ReferenceFrame: p.bindReference(ev.FrameID)}
	finish := func(outcome string) EventResult {
		res.Duration = p.now().Sub(start)
		p.metrics.RecordEvent(ctx, outcome, res.Duration)
		return res
	}

	p.setState(StateDetecting)
	refToCam, err := p.resolver.Resolve(ctx, res.ReferenceFrame, ev.FrameID, ev.Stamp)
	if err != nil {
		p.logger.Warn("reference transform unavailable, using identity",
			"reference", res.ReferenceFrame, "camera", ev.FrameID, "error", err)
		refToCam = spatial.Identity()
		res.Degraded = true
		p.fallbacks.Add(1)
		p.metrics.RecordTransformFallback(ctx)
	}

	markers, err := p.detector.Detect(ctx, ev.Image, cam.Parameters, p.config.MarkerSize)
	if err != nil {
		res.Err = err
		p.failures.Add(1)
		if errors.Is(err, aruco.ErrImageDecode) {
			p.logger.Error("image decode failed", "frame", ev.FrameID, "error", err)
			return finish(metrics.OutcomeDecodeError)
		}
		p.logger.Error("marker detection failed", "frame", ev.FrameID, "error", err)
		return finish(metrics.OutcomeDetectError)
	}
	res.Detected = len(markers)

	p.setState(StateComposing)
	records := p.compose(ev, markers, cam, refToCam, &res)

	p.setState(StatePublishing)
	p.publish(ctx, records)
	p.publishImages(ctx, ev, markers, cam)

	res.Published = len(records)
	p.markersSent.Add(uint64(res.Published))
	p.markersSkipped.Add(uint64(res.Skipped))
	p.metrics.RecordMarkers(ctx, res.Published, res.Skipped)
	if res.Published == 0 {
		return finish(metrics.OutcomeEmpty)
	}
	return finish(metrics.OutcomePublished)
}

func (p *Pipeline) compose(ev ImageEvent, markers []aruco.Marker, cam camera.State, refToCam spatial.Transform, res *EventResult) []MarkerPoseRecord {
	if len(markers) == 0 {
		return nil
	}
	if !cam.Parameters.Valid() {
		res.PoseErr = ErrCameraParametersInvalid
		p.logger.Warn("skipping 3D pose for all markers", "frame", ev.FrameID, "markers", len(markers), "error", res.PoseErr)
		return nil
	}

	records := make([]MarkerPoseRecord, 0, len(markers))
	for _, m := range markers {
		if !m.HasPose {
			// Parameters are valid, so the detector rejected the corner geometry.
			res.Skipped++
			p.logger.Debug("skipping marker without pose", "id", m.ID)
			continue
		}
		refToMarker, err := pose.Compose(refToCam, cam.Offset, m.Pose)
		if err != nil {
			res.Skipped++
			p.logger.Warn("skipping marker", "id", m.ID, "error", err)
			continue
		}
		records = append(records, MarkerPoseRecord{
			ID:           m.ID,
			Pose:         refToMarker,
			Stamp:        ev.Stamp,
			FrameID:      res.ReferenceFrame,
			ChildFrameID: p.markerFrame(m.ID),
			Confidence:   1,
		})
	}
	return records
}

func (p *Pipeline) markerFrame(id int) string {
	return fmt.Sprintf("%s%d", p.config.MarkerFramePrefix, id)
}

func (p *Pipeline) publish(ctx context.Context, records []MarkerPoseRecord) {
	if len(records) == 0 {
		return
	}
	now := p.now()

	if tp, ok := p.sink.(TransformPublisher); ok {
		transforms := make([]tf.TransformStamped, len(records))
		for i, r := range records {
			transforms[i] = tf.TransformStamped{Stamp: now, FrameID: r.FrameID, ChildFrameID: r.ChildFrameID, Transform: r.Pose}
		}
		if err := tp.PublishTransforms(ctx, transforms); err != nil {
			p.logger.Warn("publish transforms failed", "error", err)
		}
	}

	if vp, ok := p.sink.(VisualizationPublisher); ok {
		viz := make([]VisualizationMarker, len(records))
		for i, r := range records {
			viz[i] = VisualizationMarker{
				Namespace: "basic_shapes",
				ID:        r.ID,
				FrameID:   r.FrameID,
				Stamp:     now,
				Pose:      r.Pose,
				Scale:     r3.Vec{X: p.config.MarkerSize, Y: 0.001, Z: p.config.MarkerSize},
				Color:     color.RGBA{R: 255, A: 255},
				Lifetime:  p.config.VisualizationLifetime,
			}
		}
		if err := vp.PublishVisualization(ctx, viz); err != nil {
			p.logger.Warn("publish visualization failed", "error", err)
		}
	}

	batch := MarkerBatch{
		Seq:     p.seq.Add(1),
		Stamp:   now,
		FrameID: records[0].FrameID,
		Markers: records,
	}
	if err := p.sink.PublishMarkers(ctx, batch); err != nil {
		p.logger.Warn("publish markers failed", "seq", batch.Seq, "error", err)
	}
}

func (p *Pipeline) publishImages(ctx context.Context, ev ImageEvent, markers []aruco.Marker, cam camera.State) {
	if an, ok := p.detector.(aruco.Annotator); ok && p.sink.Subscribers(TopicResult) > 0 {
		out, err := an.Annotate(ev.Image, markers, cam.Parameters, p.config.MarkerSize)
		if err != nil {
			p.logger.Warn("annotate image failed", "error", err)
		} else if err := p.sink.PublishImage(ctx, TopicResult, ev.FrameID, ev.Stamp, out); err != nil {
			p.logger.Warn("publish result image failed", "error", err)
		}
	}

	if th, ok := p.detector.(aruco.ThresholdImager); ok && p.sink.Subscribers(TopicDebug) > 0 {
		out, err := th.ThresholdImage(ev.Image)
		if err != nil {
			p.logger.Warn("threshold image failed", "error", err)
		} else if err := p.sink.PublishImage(ctx, TopicDebug, ev.FrameID, ev.Stamp, out); err != nil {
			p.logger.Warn("publish debug image failed", "error", err)
		}
	}
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() Stats {
	ref, _ := p.ReferenceFrame()
	s := Stats{
		Events:          p.events.Load(),
		Batches:         p.seq.Load(),
		MarkersSent:     p.markersSent.Load(),
		MarkersSkipped:  p.markersSkipped.Load(),
		Fallbacks:       p.fallbacks.Load(),
		Failures:        p.failures.Load(),
		ReferenceFrame:  ref,
		CameraInfoCount: p.camera.Updates(),
		State:           p.State().String(),
	}
	if ns := p.lastEvent.Load(); ns != 0 {
		s.LastEvent = time.Unix(0, ns)
	}
	return s
}
