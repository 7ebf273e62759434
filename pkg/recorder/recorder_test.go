package recorder

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

func batch(seq uint64, stamp time.Time, ids ...int) pipeline.MarkerBatch {
	b := pipeline.MarkerBatch{Seq: seq, Stamp: stamp, FrameID: "map"}
	for _, id := range ids {
		b.Markers = append(b.Markers, pipeline.MarkerPoseRecord{
			ID:           id,
			Pose:         spatial.Compose(spatial.FromTranslation(float64(id), 0, 1), spatial.FromAxisAngle(r3.Vec{Z: 1}, 0.3)),
			Stamp:        stamp,
			FrameID:      "map",
			ChildFrameID: "aruco_marker_" + strconv.Itoa(id),
			Confidence:   1,
		})
	}
	return b
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndHistory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBatch(ctx, batch(1, t0, 1, 2)))
	require.NoError(t, s.SaveBatch(ctx, batch(2, t0.Add(time.Second), 1)))

	hist, err := s.History(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Stamp.Equal(t0.Add(time.Second)), "newest first")
	assert.Equal(t, "map", hist[0].FrameID)
	assert.Equal(t, 1.0, hist[0].Confidence)

	want := batch(1, t0, 1).Markers[0].Pose
	assert.True(t, spatial.AlmostEqual(want, hist[1].Pose, 1e-12))

	latest, err := s.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.ID)

	_, err = s.Latest(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_HistoryLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveBatch(ctx, batch(uint64(i+1), t0.Add(time.Duration(i)*time.Second), 3)))
	}

	hist, err := s.History(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestStore_Sessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poses.db")
	ctx := context.Background()

	first, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveBatch(ctx, batch(1, time.Unix(1, 0), 1)))
	require.NoError(t, first.Close())

	second, err := NewStore(path)
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, first.SessionID(), second.SessionID())

	sessions, err := second.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	batches := map[string]int{}
	for _, sess := range sessions {
		batches[sess.ID] = sess.Batches
	}
	assert.Equal(t, 1, batches[first.SessionID()])
	assert.Equal(t, 0, batches[second.SessionID()])

	// History spans sessions.
	hist, err := second.History(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestStore_Closed(t *testing.T) {
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SaveBatch(context.Background(), batch(1, time.Unix(1, 0), 1)), ErrStoreClosed)
	_, err = s.History(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/poses.db")
	assert.Error(t, err)
}

func TestStore_Concurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.SaveBatch(ctx, batch(uint64(i), time.Unix(int64(i), 0), 5)))
			_, err := s.History(ctx, 5, 10)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	hist, err := s.History(ctx, 5, 100)
	require.NoError(t, err)
	assert.Len(t, hist, 10)
}

type recordingSink struct {
	batches    int
	transforms int
	viz        int
	images     int
}

func (r *recordingSink) PublishMarkers(ctx context.Context, b pipeline.MarkerBatch) error {
	r.batches++
	return nil
}
func (r *recordingSink) Subscribers(topic string) int { return 3 }
func (r *recordingSink) PublishImage(ctx context.Context, topic, frameID string, stamp time.Time, jpeg []byte) error {
	r.images++
	return nil
}
func (r *recordingSink) PublishTransforms(ctx context.Context, ts []tf.TransformStamped) error {
	r.transforms += len(ts)
	return nil
}
func (r *recordingSink) PublishVisualization(ctx context.Context, m []pipeline.VisualizationMarker) error {
	r.viz += len(m)
	return nil
}

func TestSink_RecordsAndForwards(t *testing.T) {
	store := newStore(t)
	next := &recordingSink{}
	sink := NewSink(next, store, log.Discard())
	ctx := context.Background()

	require.NoError(t, sink.PublishMarkers(ctx, batch(1, time.Unix(5, 0), 4)))
	require.NoError(t, sink.PublishTransforms(ctx, make([]tf.TransformStamped, 2)))
	require.NoError(t, sink.PublishVisualization(ctx, make([]pipeline.VisualizationMarker, 1)))
	require.NoError(t, sink.PublishImage(ctx, pipeline.TopicResult, "cam", time.Time{}, nil))

	assert.Equal(t, 1, next.batches)
	assert.Equal(t, 2, next.transforms)
	assert.Equal(t, 1, next.viz)
	assert.Equal(t, 1, next.images)
	assert.Equal(t, 3, sink.Subscribers(pipeline.TopicResult))

	latest, err := store.Latest(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "map", latest.FrameID)
}

func TestSink_OptionalInterfacesAbsent(t *testing.T) {
	store := newStore(t)
	next := &recordingSink{}
	bare := struct{ pipeline.Sink }{next}
	sink := NewSink(bare, store, log.Discard())

	// The wrapped sink only implements pipeline.Sink; extras are dropped quietly.
	assert.NoError(t, sink.PublishTransforms(context.Background(), make([]tf.TransformStamped, 1)))
	assert.NoError(t, sink.PublishVisualization(context.Background(), nil))
	assert.Equal(t, 0, next.transforms)
}

func TestSink_ForwardsWhenStoreClosed(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	next := &recordingSink{}
	sink := NewSink(next, store, log.Discard())
	require.NoError(t, sink.PublishMarkers(context.Background(), batch(1, time.Unix(1, 0), 1)))
	assert.Equal(t, 1, next.batches)
}

func TestAPIRoutes(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveBatch(context.Background(), batch(1, time.Unix(7, 0), 6)))

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	store.RegisterAPIRoutes(app.Group("/api"))

	tests := []struct {
		path string
		want int
	}{
		{"/api/sessions", 200},
		{"/api/markers/6/history?limit=5", 200},
		{"/api/markers/6/latest", 200},
		{"/api/markers/8/latest", 404},
		{"/api/markers/abc/history", 400},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/markers/6/latest", nil))
	require.NoError(t, err)
	var got poseJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 6, got.ID)
	assert.Equal(t, int64(7e9), got.Stamp)
}
