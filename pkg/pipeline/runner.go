package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/teslashibe/go-fiducial/internal/log"
)

// DefaultQueueDepth matches a camera subscription that keeps two frames.
const DefaultQueueDepth = 2

// Runner feeds events to a Pipeline from a single goroutine. Producers never
// block: when the queue is full the incoming event is dropped.
type Runner struct {
	pipeline *Pipeline
	events   chan ImageEvent
	dropped  atomic.Uint64
	logger   *slog.Logger

	// Callback after each processed event
	OnResult func(ImageEvent, EventResult)
}

// NewRunner creates a runner with a queue of depth events. depth < 1 uses
// DefaultQueueDepth.
func NewRunner(p *Pipeline, depth int) *Runner {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &Runner{
		pipeline: p,
		events:   make(chan ImageEvent, depth),
		logger:   log.Component("runner"),
	}
}

// Submit queues ev. It returns false if the queue was full and ev was dropped.
func (r *Runner) Submit(ev ImageEvent) bool {
	select {
	case r.events <- ev:
		return true
	default:
		n := r.dropped.Add(1)
		r.pipeline.metrics.RecordDroppedEvent(context.Background())
		r.logger.Debug("queue full, dropping image", "frame", ev.FrameID, "dropped_total", n)
		return false
	}
}

// Run processes events one at a time until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			res := r.pipeline.HandleImage(ctx, ev)
			if r.OnResult != nil {
				r.OnResult(ev, res)
			}
		}
	}
}

// Dropped returns how many events were discarded on a full queue.
func (r *Runner) Dropped() uint64 {
	return r.dropped.Load()
}

// Pending returns how many events are queued.
func (r *Runner) Pending() int {
	return len(r.events)
}
