// Package kinematics converts between the unicycle motion model and the wheel
// speeds of a differential drive.
package kinematics

import (
	"math"

	"github.com/pkg/errors"
)

// ErrNonFinite is returned when an input or result is NaN or infinite.
var ErrNonFinite = errors.New("non-finite value")

// WheelCommand holds right and left wheel angular speeds in radians per second.
type WheelCommand struct {
	Right float64
	Left  float64
}

// IsZero reports whether both wheels are commanded to stand still.
func (wc WheelCommand) IsZero() bool {
	return wc.Right == 0 && wc.Left == 0
}

// DifferentialDrive is configured with the distance between the drive wheels
// and the wheel radius, both in meters.
//
// Positive angular velocity is counter-clockwise seen from above, so the right
// wheel turns faster than the left one.
type DifferentialDrive struct {
	wheelbase   float64
	wheelRadius float64
}

// New returns a DifferentialDrive for the given geometry. Both parameters must
// be finite and strictly positive.
func New(wheelbase, wheelRadius float64) (*DifferentialDrive, error) {
	if !finite(wheelbase) || wheelbase <= 0 {
		return nil, errors.Errorf("wheelbase must be positive, got %v", wheelbase)
	}
	if !finite(wheelRadius) || wheelRadius <= 0 {
		return nil, errors.Errorf("wheel radius must be positive, got %v", wheelRadius)
	}
	return &DifferentialDrive{wheelbase: wheelbase, wheelRadius: wheelRadius}, nil
}

// Wheelbase returns the configured wheelbase in meters.
func (dd *DifferentialDrive) Wheelbase() float64 {
	return dd.wheelbase
}

// WheelRadius returns the configured wheel radius in meters.
func (dd *DifferentialDrive) WheelRadius() float64 {
	return dd.wheelRadius
}

// UniToDiff converts a linear velocity v (m/s) and angular velocity w (rad/s)
// into wheel angular speeds (rad/s).
func (dd *DifferentialDrive) UniToDiff(v, w float64) (WheelCommand, error) {
	if !finite(v) || !finite(w) {
		return WheelCommand{}, errors.Wrapf(ErrNonFinite, "unicycle command (v=%v, w=%v)", v, w)
	}

	wc := WheelCommand{
		Right: (2*v + w*dd.wheelbase) / (2 * dd.wheelRadius),
		Left:  (2*v - w*dd.wheelbase) / (2 * dd.wheelRadius),
	}
	if !finite(wc.Right) || !finite(wc.Left) {
		return WheelCommand{}, errors.Wrapf(ErrNonFinite, "wheel command (vr=%v, vl=%v)", wc.Right, wc.Left)
	}
	return wc, nil
}

// DiffToUni converts wheel angular speeds (rad/s) back into the linear (m/s)
// and angular (rad/s) velocity of the robot.
func (dd *DifferentialDrive) DiffToUni(right, left float64) (v, w float64) {
	v = dd.wheelRadius * (right + left) / 2
	w = dd.wheelRadius * (right - left) / dd.wheelbase
	return v, w
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
