package tf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

type fakeHistory struct {
	waits   int
	lookups int
	waitErr error
	result  TransformStamped
	lastAt  time.Time
}

func (f *fakeHistory) Lookup(target, source string, at time.Time) (TransformStamped, error) {
	f.lookups++
	f.lastAt = at
	return f.result, nil
}

func (f *fakeHistory) Wait(ctx context.Context, target, source string, at time.Time, timeout, poll time.Duration) error {
	f.waits++
	return f.waitErr
}

func TestResolveSameFrameSkipsHistory(t *testing.T) {
	h := &fakeHistory{}
	r := NewResolver(h, DefaultResolverConfig())

	for _, frame := range []string{"", "camera", "map"} {
		tr, err := r.Resolve(context.Background(), frame, frame, t0)
		require.NoError(t, err)
		assert.True(t, tr.IsIdentity(0))
	}
	assert.Zero(t, h.waits)
	assert.Zero(t, h.lookups)
}

func TestResolveReturnsLookup(t *testing.T) {
	want := spatial.FromTranslation(1, 2, 3)
	h := &fakeHistory{result: TransformStamped{Transform: want}}
	r := NewResolver(h, DefaultResolverConfig())

	got, err := r.Resolve(context.Background(), "map", "camera", t0)
	require.NoError(t, err)
	assert.True(t, spatial.AlmostEqual(want, got, 1e-12))
	assert.Equal(t, 1, h.waits)
	assert.Equal(t, t0, h.lastAt)
}

func TestResolveLookupLatest(t *testing.T) {
	h := &fakeHistory{result: TransformStamped{Transform: spatial.Identity()}}
	r := NewResolver(h, ResolverConfig{LookupLatest: true})

	_, err := r.Resolve(context.Background(), "map", "camera", t0)
	require.NoError(t, err)
	assert.True(t, h.lastAt.IsZero())
}

func TestResolveTimeoutIsUnavailable(t *testing.T) {
	b := NewBuffer(0)
	r := NewResolver(b, ResolverConfig{Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	tr, err := r.Resolve(context.Background(), "map", "camera", t0)
	require.Error(t, err)
	assert.True(t, tr.IsIdentity(0))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrTimeout)

	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "map", ue.Reference)
	assert.Equal(t, "camera", ue.Target)
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(NewBuffer(0), ResolverConfig{})
	assert.Equal(t, DefaultTimeout, r.Config().Timeout)
	assert.Equal(t, DefaultPollInterval, r.Config().PollInterval)
}
