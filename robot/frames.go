package robot

import (
	"encoding/binary"

	"github.com/go-daq/canbus"
)

// CAN identifiers of the differential drive unit.
const (
	canIDDriveCmd   uint32 = 0x220
	canIDWheelCmd   uint32 = 0x222
	canIDWheelSpeed uint32 = 0x241
	canIDBattery    uint32 = 0x251
)

const (
	// pedal and brake percentage per bit
	pedalScale = 0.0625
	// degrees per bit
	steeringScale = 0.0078125
	// radians per second per bit
	wheelSpeedScale = 0.0078125

	// MaxEncodableWheelSpeed is the largest wheel speed the wheel frame can
	// carry, in rad/s.
	MaxEncodableWheelSpeed = 32767 * wheelSpeedScale

	pedalMax = 100.0
)

const (
	gearPark          = "park"
	gearReverse       = "reverse"
	gearNeutral       = "neutral"
	gearDrive         = "drive"
	gearEmergencyStop = "emergency_stop"

	driveModeIndependentSpeed = "independent-speed-drive"

	steerModeNone = "none"
)

var (
	gears = map[string]byte{
		gearPark:          0,
		gearReverse:       1,
		gearNeutral:       2,
		gearDrive:         3,
		gearEmergencyStop: 4,
	}
	driveModes = map[string]byte{
		driveModeIndependentSpeed: 4,
	}
	steerModes = map[string]byte{
		steerModeNone: 0,
	}
)

var (
	driveCmd = driveCommand{
		Gear:      gears[gearDrive],
		DriveMode: driveModes[driveModeIndependentSpeed],
		SteerMode: steerModes[steerModeNone],
	}
	stopCmd = driveCommand{
		Brake:     1,
		Gear:      gears[gearPark],
		DriveMode: driveModes[driveModeIndependentSpeed],
		SteerMode: steerModes[steerModeNone],
	}
	emergencyCmd = driveCommand{
		Brake:     1,
		Gear:      gears[gearEmergencyStop],
		DriveMode: driveModes[driveModeIndependentSpeed],
		SteerMode: steerModes[steerModeNone],
	}
)

var (
	signalWheelSpeedLeft       = Signal{Scale: wheelSpeedScale, Start: 0, Length: 16, Signed: true}
	signalWheelSpeedRight      = Signal{Scale: wheelSpeedScale, Start: 16, Length: 16, Signed: true}
	signalBatteryStateOfCharge = Signal{Scale: 0.1, Start: 0, Length: 16}
)

// driveCommand selects gear and drive mode. Speeds are carried by the wheel
// frame, so the accelerator stays at zero.
type driveCommand struct {
	Accelerator float64
	Brake       float64
	Gear        byte
	DriveMode   byte
	SteerMode   byte
}

// toFrame converts the drive command to a canbus data frame.
func (cmd *driveCommand) toFrame() canbus.Frame {
	frame := canbus.Frame{
		ID:   canIDDriveCmd,
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}

	binary.LittleEndian.PutUint16(frame.Data[0:2], encodeUnsigned16(cmd.Accelerator*pedalMax, pedalScale))
	binary.LittleEndian.PutUint16(frame.Data[2:4], encodeUnsigned16(cmd.Brake*pedalMax, pedalScale))
	// no steering on a differential drive
	binary.LittleEndian.PutUint16(frame.Data[4:6], encodeSigned16(0, steeringScale))
	frame.Data[6] = cmd.Gear | (cmd.DriveMode << 4)
	frame.Data[7] = cmd.SteerMode

	return frame
}

// wheelCommand carries right and left wheel speeds in rad/s.
type wheelCommand struct {
	Right float64
	Left  float64
	Brake float64
}

// toFrame converts the wheel command to a canbus data frame.
func (cmd *wheelCommand) toFrame() canbus.Frame {
	frame := canbus.Frame{
		ID:   canIDWheelCmd,
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}

	binary.LittleEndian.PutUint16(frame.Data[0:2], encodeSigned16(cmd.Right, wheelSpeedScale))
	binary.LittleEndian.PutUint16(frame.Data[2:4], encodeSigned16(cmd.Left, wheelSpeedScale))
	binary.LittleEndian.PutUint16(frame.Data[4:6], encodeUnsigned16(cmd.Brake*pedalMax, pedalScale))

	return frame
}
