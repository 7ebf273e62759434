package camera

import (
	"sync/atomic"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// State is everything derived from one camera info message. It is replaced as a
// whole on every update and never mutated in place.
type State struct {
	Info       Info
	Parameters Parameters
	Offset     spatial.Transform
}

// Manager holds the current camera state and swaps it atomically on update.
type Manager struct {
	rectified bool
	current   atomic.Pointer[State]
	updates   atomic.Uint64
}

// NewManager creates a manager. rectified selects whether the detector sees
// rectified images (projection matrix) or raw ones (K and D).
func NewManager(rectified bool) *Manager {
	return &Manager{rectified: rectified}
}

// Apply derives parameters and stereo offset from info and publishes them as the
// new current state.
func (m *Manager) Apply(info Info) State {
	s := &State{
		Info:       info,
		Parameters: NewParameters(info, m.rectified),
		Offset:     StereoOffset(info),
	}
	m.current.Store(s)
	m.updates.Add(1)
	return *s
}

// Current returns the latest state, or false if no camera info arrived yet.
func (m *Manager) Current() (State, bool) {
	s := m.current.Load()
	if s == nil {
		return State{Offset: spatial.Identity()}, false
	}
	return *s, true
}

// Updates returns how many camera info messages were applied.
func (m *Manager) Updates() uint64 {
	return m.updates.Load()
}
