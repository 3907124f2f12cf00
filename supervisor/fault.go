package supervisor

import "fmt"

// Stage is the tick step that failed.
type Stage int

const (
	// StageController means the active controller failed, overran its
	// deadline or produced a non-finite command.
	StageController Stage = iota + 1
	// StageKinematics means the wheel speeds could not be computed.
	StageKinematics
	// StageActuator means the robot rejected the wheel command.
	StageActuator
)

func (s Stage) String() string {
	switch s {
	case StageController:
		return "controller"
	case StageKinematics:
		return "kinematics"
	case StageActuator:
		return "actuator"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Fault is the error returned by a failed tick.
type Fault struct {
	Stage Stage
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Stage, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
