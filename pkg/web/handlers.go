package web

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// PublishMarkers broadcasts a batch on the markers topic.
func (s *Server) PublishMarkers(ctx context.Context, batch pipeline.MarkerBatch) error {
	msg, err := protocol.NewMarkersMessage(batch)
	if err != nil {
		return err
	}
	return s.topics.Get(pipeline.TopicMarkers).BroadcastMessage(msg)
}

// Subscribers returns how many websocket clients listen on topic.
func (s *Server) Subscribers(topic string) int {
	return s.topics.Subscribers(topic)
}

// PublishImage broadcasts a JPEG on the result or debug topic.
func (s *Server) PublishImage(ctx context.Context, topic string, frameID string, stamp time.Time, jpeg []byte) error {
	h := s.topics.Get(topic)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	msg, err := protocol.NewResultImageMessage(frameID, stamp, jpeg)
	if err != nil {
		return err
	}
	return h.BroadcastMessage(msg)
}

// PublishTransforms records per-marker frames in the marker buffer and
// broadcasts them on the tf topic.
func (s *Server) PublishTransforms(ctx context.Context, transforms []tf.TransformStamped) error {
	for _, ts := range transforms {
		if err := s.markers.SetTransform(ts, false); err != nil {
			s.logger.Warn("marker frame not stored", "child", ts.ChildFrameID, "error", err)
		}
	}
	msg, err := protocol.NewTFMessage(transforms)
	if err != nil {
		return err
	}
	return s.topics.Get(pipeline.TopicTF).BroadcastMessage(msg)
}

// PublishVisualization broadcasts display markers.
func (s *Server) PublishVisualization(ctx context.Context, markers []pipeline.VisualizationMarker) error {
	msg, err := protocol.NewVisualizationMessage(markers)
	if err != nil {
		return err
	}
	return s.topics.Get(pipeline.TopicVisualization).BroadcastMessage(msg)
}

// handleStatus returns uptime, topic and camera counters, and node status
func (s *Server) handleStatus(c *fiber.Ctx) error {
	status := fiber.Map{
		"uptime_s": int64(time.Since(s.start).Seconds()),
		"topics":   s.topics.Stats(),
		"cameras":  s.ingest.GetStats(),
	}
	if s.StatusFunc != nil {
		status["node"] = s.StatusFunc()
	}
	return c.JSON(status)
}

// handleConfig returns the effective configuration
func (s *Server) handleConfig(c *fiber.Ctx) error {
	if s.ConfigFunc == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(s.ConfigFunc())
}

// handleFrames lists known frames with their parents
func (s *Server) handleFrames(c *fiber.Ctx) error {
	parents := make(map[string]string)
	seen := make(map[string]bool)
	// Marker frames first so a frame the main buffer also knows keeps its parent there.
	for _, b := range []*tf.Buffer{s.markers, s.buffer} {
		for _, f := range b.Frames() {
			seen[f] = true
			if p, ok := b.Parent(f); ok {
				parents[f] = p
			}
		}
	}
	frames := make([]string, 0, len(seen))
	for f := range seen {
		frames = append(frames, f)
	}
	sort.Strings(frames)
	return c.JSON(fiber.Map{
		"frames":  frames,
		"parents": parents,
	})
}

// lookup resolves target and source in the main buffer. A frame only the
// marker buffer knows is anchored on its parent there, using the newest
// marker sample; the rest of the path is looked up at at.
func (s *Server) lookup(target, source string, at time.Time) (tf.TransformStamped, error) {
	ts, err := s.buffer.Lookup(target, source, at)
	if err == nil || !errors.Is(err, tf.ErrUnknownFrame) {
		return ts, err
	}

	targetAnchor, targetLeg, okTarget := s.markerLeg(target)
	sourceAnchor, sourceLeg, okSource := s.markerLeg(source)
	if !okTarget && !okSource {
		return ts, err
	}
	mid, err := s.buffer.Lookup(targetAnchor, sourceAnchor, at)
	if err != nil {
		return mid, err
	}
	mid.FrameID, mid.ChildFrameID = target, source
	mid.Transform = spatial.Chain(targetLeg.Inverse(), mid.Transform, sourceLeg)
	return mid, nil
}

// markerLeg returns the parent of a marker frame and the frame's pose in it.
func (s *Server) markerLeg(frame string) (string, spatial.Transform, bool) {
	if s.buffer.Has(frame) {
		return frame, spatial.Identity(), false
	}
	parent, ok := s.markers.Parent(frame)
	if !ok {
		return frame, spatial.Identity(), false
	}
	ts, err := s.markers.Lookup(parent, frame, time.Time{})
	if err != nil {
		return frame, spatial.Identity(), false
	}
	return parent, ts.Transform, true
}

// handleTransform looks up ?target=&source=[&stamp_ns=] in the buffer
func (s *Server) handleTransform(c *fiber.Ctx) error {
	target := c.Query("target")
	source := c.Query("source")
	if target == "" || source == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "target and source are required",
		})
	}

	var at time.Time
	if raw := c.Query("stamp_ns"); raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "stamp_ns must be an integer",
			})
		}
		at = protocol.Time(ns)
	}

	ts, err := s.lookup(target, source, at)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(transformResponse{
		TransformData: protocol.TransformDataFrom(ts, false),
		Matrix:        ts.Transform.Matrix(),
	})
}

// transformResponse adds the row-major 4x4 matrix to a transform.
type transformResponse struct {
	protocol.TransformData
	Matrix [16]float64 `json:"matrix"`
}
