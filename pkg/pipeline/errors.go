package pipeline

import "errors"

var (
	// ErrCameraParametersInvalid reports that 3D composition was skipped because
	// no usable camera parameters were available.
	ErrCameraParametersInvalid = errors.New("pipeline: camera parameters invalid")

	// ErrEventPanic reports an event aborted by a recovered panic.
	ErrEventPanic = errors.New("pipeline: event panicked")
)
