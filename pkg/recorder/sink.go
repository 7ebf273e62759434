package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// Sink records every marker batch before forwarding it to the wrapped sink.
// A recording failure is logged and never blocks publishing.
type Sink struct {
	next   pipeline.Sink
	store  *Store
	logger *slog.Logger
}

var (
	_ pipeline.Sink                   = (*Sink)(nil)
	_ pipeline.TransformPublisher     = (*Sink)(nil)
	_ pipeline.VisualizationPublisher = (*Sink)(nil)
)

// NewSink wraps next. A nil logger uses the global one.
func NewSink(next pipeline.Sink, store *Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = log.Component("recorder")
	}
	return &Sink{next: next, store: store, logger: logger}
}

// PublishMarkers records batch, then forwards it.
func (s *Sink) PublishMarkers(ctx context.Context, batch pipeline.MarkerBatch) error {
	if err := s.store.SaveBatch(ctx, batch); err != nil {
		s.logger.Warn("pose batch not recorded", "seq", batch.Seq, "error", err)
	}
	return s.next.PublishMarkers(ctx, batch)
}

// Subscribers forwards to the wrapped sink.
func (s *Sink) Subscribers(topic string) int {
	return s.next.Subscribers(topic)
}

// PublishImage forwards to the wrapped sink.
func (s *Sink) PublishImage(ctx context.Context, topic string, frameID string, stamp time.Time, jpeg []byte) error {
	return s.next.PublishImage(ctx, topic, frameID, stamp, jpeg)
}

// PublishTransforms forwards when the wrapped sink accepts transforms.
func (s *Sink) PublishTransforms(ctx context.Context, transforms []tf.TransformStamped) error {
	if tp, ok := s.next.(pipeline.TransformPublisher); ok {
		return tp.PublishTransforms(ctx, transforms)
	}
	return nil
}

// PublishVisualization forwards when the wrapped sink accepts display markers.
func (s *Sink) PublishVisualization(ctx context.Context, markers []pipeline.VisualizationMarker) error {
	if vp, ok := s.next.(pipeline.VisualizationPublisher); ok {
		return vp.PublishVisualization(ctx, markers)
	}
	return nil
}
