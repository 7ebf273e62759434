package tf

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lookup failures.
var (
	// ErrUnknownFrame is returned when a frame was never seen.
	ErrUnknownFrame = errors.New("tf: unknown frame")

	// ErrNotConnected is returned when two frames share no common ancestor.
	ErrNotConnected = errors.New("tf: frames not connected")

	// ErrExtrapolation is returned when the requested time is outside the stored history.
	ErrExtrapolation = errors.New("tf: extrapolation outside stored history")

	// ErrTimeout is returned by Wait when data did not arrive in time.
	ErrTimeout = errors.New("tf: timed out waiting for transform")

	// ErrInvalidTransform is returned by SetTransform for unusable input.
	ErrInvalidTransform = errors.New("tf: invalid transform")

	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("tf: transform unavailable")
)

// UnavailableError reports that a reference→target transform could not be
// resolved within the resolver's time budget.
type UnavailableError struct {
	Reference string
	Target    string
	At        time.Time
	Err       error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tf: transform %s -> %s at %s unavailable: %v",
		e.Reference, e.Target, e.At.Format(time.RFC3339Nano), e.Err)
}

// Unwrap returns the underlying lookup or wait error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) hold for every UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}
