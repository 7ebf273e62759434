package tf

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func stamped(parent, child string, at time.Time, tr spatial.Transform) TransformStamped {
	return TransformStamped{Stamp: at, FrameID: parent, ChildFrameID: child, Transform: tr}
}

func TestLookupSameFrameIsIdentity(t *testing.T) {
	b := NewBuffer(0)
	ts, err := b.Lookup("map", "map", t0)
	require.NoError(t, err)
	assert.True(t, ts.Transform.IsIdentity(0))
}

func TestLookupUnknownFrame(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.FromTranslation(1, 0, 0)), false))

	_, err := b.Lookup("map", "camera", t0)
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestLookupNotConnected(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.Identity()), false))
	require.NoError(t, b.SetTransform(stamped("odom", "camera", t0, spatial.Identity()), false))

	_, err := b.Lookup("map", "camera", t0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLookupChainAndInverse(t *testing.T) {
	b := NewBuffer(0)
	mapToBase := spatial.FromTranslation(1, 2, 0)
	baseToCam := spatial.Compose(spatial.FromTranslation(0, 0, 0.5), spatial.FromAxisAngle(r3.Vec{Z: 1}, math.Pi/2))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, mapToBase), false))
	require.NoError(t, b.SetTransform(stamped("base", "camera", t0, baseToCam), true))

	ts, err := b.Lookup("map", "camera", t0)
	require.NoError(t, err)
	assert.Equal(t, "map", ts.FrameID)
	assert.Equal(t, "camera", ts.ChildFrameID)
	assert.True(t, spatial.AlmostEqual(spatial.Compose(mapToBase, baseToCam), ts.Transform, 1e-9))

	back, err := b.Lookup("camera", "map", t0)
	require.NoError(t, err)
	assert.True(t, spatial.AlmostEqual(ts.Transform.Inverse(), back.Transform, 1e-9))
}

func TestLookupSiblings(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("base", "left", t0, spatial.FromTranslation(0, 0.1, 0)), true))
	require.NoError(t, b.SetTransform(stamped("base", "right", t0, spatial.FromTranslation(0, -0.1, 0)), true))

	ts, err := b.Lookup("left", "right", t0)
	require.NoError(t, err)
	assert.InDelta(t, -0.2, ts.Transform.Translation.Y, 1e-12)
}

func TestLookupInterpolates(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.FromTranslation(0, 0, 0)), false))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0.Add(time.Second), spatial.FromTranslation(2, 0, 0)), false))

	ts, err := b.Lookup("map", "base", t0.Add(250*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ts.Transform.Translation.X, 1e-9)
}

func TestLookupOutOfOrderInsert(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0.Add(time.Second), spatial.FromTranslation(2, 0, 0)), false))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.FromTranslation(0, 0, 0)), false))

	ts, err := b.Lookup("map", "base", t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ts.Transform.Translation.X, 1e-9)
}

func TestLookupExtrapolation(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.Identity()), false))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0.Add(time.Second), spatial.Identity()), false))

	_, err := b.Lookup("map", "base", t0.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrExtrapolation)
	_, err = b.Lookup("map", "base", t0.Add(-time.Second))
	assert.ErrorIs(t, err, ErrExtrapolation)
}

func TestLookupLatestUsesNewestCommonTime(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.FromTranslation(1, 0, 0)), false))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0.Add(time.Second), spatial.FromTranslation(3, 0, 0)), false))
	require.NoError(t, b.SetTransform(stamped("base", "camera", t0, spatial.Identity()), true))

	ts, err := b.Lookup("map", "camera", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), ts.Stamp)
	assert.InDelta(t, 3.0, ts.Transform.Translation.X, 1e-12)
}

func TestStaticHoldsForAllTimes(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("base", "camera", t0, spatial.FromTranslation(0, 0, 1)), true))

	ts, err := b.Lookup("base", "camera", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ts.Transform.Translation.Z, 1e-12)
}

func TestHistoryIsPruned(t *testing.T) {
	b := NewBuffer(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.SetTransform(stamped("map", "base", t0.Add(time.Duration(i)*time.Second), spatial.Identity()), false))
	}

	_, err := b.Lookup("map", "base", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrExtrapolation)
	_, err = b.Lookup("map", "base", t0.Add(3500*time.Millisecond))
	assert.NoError(t, err)
}

func TestSetTransformRejectsInvalid(t *testing.T) {
	b := NewBuffer(0)
	nan := spatial.FromTranslation(math.NaN(), 0, 0)

	tests := []struct {
		name string
		ts   TransformStamped
	}{
		{"empty parent", stamped("", "base", t0, spatial.Identity())},
		{"empty child", stamped("map", "", t0, spatial.Identity())},
		{"self parent", stamped("map", "map", t0, spatial.Identity())},
		{"nan", stamped("map", "base", t0, nan)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, b.SetTransform(tt.ts, false), ErrInvalidTransform)
		})
	}
}

func TestSetTransformRejectsLoop(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("a", "b", t0, spatial.Identity()), false))
	require.NoError(t, b.SetTransform(stamped("b", "c", t0, spatial.Identity()), false))

	err := b.SetTransform(stamped("c", "a", t0, spatial.Identity()), false)
	assert.ErrorIs(t, err, ErrInvalidTransform)
}

func TestReparent(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("odom", "base", t0, spatial.Identity()), false))
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.Identity()), false))

	parent, ok := b.Parent("base")
	require.True(t, ok)
	assert.Equal(t, "map", parent)
	assert.Equal(t, []string{"base", "map"}, b.Frames())
}

func TestWaitSucceedsWhenDataArrives(t *testing.T) {
	b := NewBuffer(0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.SetTransform(stamped("map", "camera", t0, spatial.Identity()), true)
	}()

	err := b.Wait(context.Background(), "map", "camera", t0, time.Second, 5*time.Millisecond)
	assert.NoError(t, err)
	_, err = b.Lookup("map", "camera", t0)
	assert.NoError(t, err)
}

func TestWaitTimesOut(t *testing.T) {
	b := NewBuffer(0)
	start := time.Now()

	err := b.Wait(context.Background(), "map", "camera", t0, 30*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrUnknownFrame)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitHonoursContext(t *testing.T) {
	b := NewBuffer(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Wait(ctx, "map", "camera", t0, time.Minute, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheDuration(t *testing.T) {
	assert.Equal(t, DefaultCacheDuration, NewBuffer(0).CacheDuration())
	assert.Equal(t, time.Second, NewBuffer(time.Second).CacheDuration())
}

func TestHas(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.SetTransform(stamped("map", "base", t0, spatial.Identity()), false))
	assert.True(t, b.Has("map"))
	assert.True(t, b.Has("base"))
	assert.False(t, b.Has("camera"))
}
