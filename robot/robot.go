// Package robot holds the actuator side of a differential drive rover: the
// Robot capability the supervisor drives, a reference-counted handle for
// sharing one robot between holders, and a SocketCAN implementation.
package robot

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSpeed is returned for NaN or infinite wheel speeds.
	ErrInvalidSpeed = errors.New("invalid wheel speed")
	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("robot handle released")
	// ErrClosed is returned when the robot has been closed.
	ErrClosed = errors.New("robot closed")
)

// Robot exposes the physical parameters of a differential drive and accepts
// wheel angular speeds in radians per second.
type Robot interface {
	// Wheelbase is the distance between the drive wheels in meters.
	Wheelbase() float64
	// WheelRadius is the drive wheel radius in meters.
	WheelRadius() float64
	SetWheelSpeed(ctx context.Context, right, left float64) error
}

// Geometry is the physical layout of the drive wheels.
type Geometry struct {
	WheelbaseMeters   float64
	WheelRadiusMeters float64
}

// Validate rejects zero, negative or non-finite dimensions.
func (g Geometry) Validate() error {
	if !finite(g.WheelbaseMeters) || g.WheelbaseMeters <= 0 {
		return errors.Errorf("wheelbase must be a positive number of meters, got %v", g.WheelbaseMeters)
	}
	if !finite(g.WheelRadiusMeters) || g.WheelRadiusMeters <= 0 {
		return errors.Errorf("wheel radius must be a positive number of meters, got %v", g.WheelRadiusMeters)
	}
	return nil
}

// WheelCircumferenceMeters returns 2*pi*r.
func (g Geometry) WheelCircumferenceMeters() float64 {
	return 2 * math.Pi * g.WheelRadiusMeters
}

// LimitWheelSpeeds rejects non-finite speeds and scales both wheels down by
// the same factor when either exceeds max, so the turning radius is kept.
// A non-positive max disables the limit.
func LimitWheelSpeeds(right, left, max float64) (float64, float64, error) {
	if !finite(right) || !finite(left) {
		return 0, 0, errors.Wrapf(ErrInvalidSpeed, "right=%v left=%v", right, left)
	}
	if max <= 0 {
		return right, left, nil
	}
	peak := math.Max(math.Abs(right), math.Abs(left))
	if peak > max {
		right *= max / peak
		left *= max / peak
	}
	return right, left, nil
}

// Handle is one holder's reference to a shared Robot. The underlying robot is
// closed when the last handle is released.
type Handle struct {
	shared   *shared
	mu       sync.RWMutex
	released bool
}

type shared struct {
	robot Robot

	mu   sync.Mutex
	refs int
}

// Share wraps r and returns the first handle to it.
func Share(r Robot) *Handle {
	return &Handle{shared: &shared{robot: r, refs: 1}}
}

// Acquire returns a new handle to the same robot.
func (h *Handle) Acquire() (*Handle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return nil, ErrReleased
	}

	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	h.shared.refs++
	return &Handle{shared: h.shared}, nil
}

// Release drops this handle. Releasing twice is a no-op. The last release
// closes the robot if it has a Close(context.Context) error method.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	h.shared.mu.Lock()
	h.shared.refs--
	last := h.shared.refs == 0
	h.shared.mu.Unlock()

	if !last {
		return nil
	}
	if closer, ok := h.shared.robot.(interface{ Close(context.Context) error }); ok {
		return closer.Close(ctx)
	}
	return nil
}

// Refs returns the number of live handles.
func (h *Handle) Refs() int {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.refs
}

// Unwrap returns the shared robot.
func (h *Handle) Unwrap() Robot {
	return h.shared.robot
}

// Wheelbase implements Robot.
func (h *Handle) Wheelbase() float64 {
	return h.shared.robot.Wheelbase()
}

// WheelRadius implements Robot.
func (h *Handle) WheelRadius() float64 {
	return h.shared.robot.WheelRadius()
}

// SetWheelSpeed implements Robot.
func (h *Handle) SetWheelSpeed(ctx context.Context, right, left float64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return ErrReleased
	}
	return h.shared.robot.SetWheelSpeed(ctx, right, left)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
