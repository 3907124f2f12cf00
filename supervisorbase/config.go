package supervisorbase

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"modalsupervisor/controller"
	"modalsupervisor/robot"
	"modalsupervisor/supervisor"
)

const (
	defaultMaxWheelSpeed = 50.0
	defaultMaxLinear     = 0.5
	defaultMaxAngular    = 2.0
)

// Config describes how to configure the supervisor base.
type Config struct {
	WheelbaseMeters        float64 `json:"wheelbase_m"`
	WheelRadiusMeters      float64 `json:"wheel_radius_m"`
	CANChannel             string  `json:"can_channel,omitempty"`
	TickPeriodMs           int     `json:"tick_period_ms,omitempty"`
	ControllerTimeoutMs    int     `json:"controller_timeout_ms,omitempty"`
	FaultThreshold         int     `json:"fault_threshold,omitempty"`
	DefaultMode            string  `json:"default_mode,omitempty"`
	MaxWheelSpeedRadPerSec float64 `json:"max_wheel_speed_rad_per_sec,omitempty"`
	CommandTimeoutMs       int     `json:"command_timeout_ms,omitempty"`
	CommsTimeoutMs         int     `json:"comms_timeout_ms,omitempty"`
	MaxLinearMPerSec       float64 `json:"max_linear_m_per_sec,omitempty"`
	MaxAngularRadPerSec    float64 `json:"max_angular_rad_per_sec,omitempty"`
	InputController        string  `json:"input_controller,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the
// implicit dependencies.
func (conf *Config) Validate(path string) ([]string, error) {
	if conf.WheelbaseMeters == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "wheelbase_m")
	}
	if conf.WheelRadiusMeters == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "wheel_radius_m")
	}
	if err := conf.geometry().Validate(); err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}

	for _, field := range []struct {
		name  string
		value float64
	}{
		{"tick_period_ms", float64(conf.TickPeriodMs)},
		{"controller_timeout_ms", float64(conf.ControllerTimeoutMs)},
		{"command_timeout_ms", float64(conf.CommandTimeoutMs)},
		{"comms_timeout_ms", float64(conf.CommsTimeoutMs)},
		{"max_linear_m_per_sec", conf.MaxLinearMPerSec},
		{"max_angular_rad_per_sec", conf.MaxAngularRadPerSec},
	} {
		if field.value < 0 {
			return nil, utils.NewConfigValidationError(path, errors.Errorf("%s must not be negative, got %v", field.name, field.value))
		}
	}
	if conf.MaxWheelSpeedRadPerSec < 0 || conf.MaxWheelSpeedRadPerSec > robot.MaxEncodableWheelSpeed {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("max_wheel_speed_rad_per_sec must be within [0, %v]", robot.MaxEncodableWheelSpeed))
	}
	if _, err := conf.defaultMode(); err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}

	var deps []string
	if conf.InputController != "" {
		deps = append(deps, conf.InputController)
	}
	return deps, nil
}

func (conf *Config) geometry() robot.Geometry {
	return robot.Geometry{WheelbaseMeters: conf.WheelbaseMeters, WheelRadiusMeters: conf.WheelRadiusMeters}
}

func (conf *Config) defaultMode() (controller.Mode, error) {
	if conf.DefaultMode == "" {
		return supervisor.DefaultMode, nil
	}
	return controller.ParseMode(conf.DefaultMode)
}

func (conf *Config) supervisorConfig() (supervisor.Config, error) {
	mode, err := conf.defaultMode()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Period:            msOrDefault(conf.TickPeriodMs, supervisor.DefaultPeriod),
		ControllerTimeout: msOrDefault(conf.ControllerTimeoutMs, supervisor.DefaultControllerTimeout),
		FaultThreshold:    conf.FaultThreshold,
		InitialMode:       mode,
	}, nil
}

func (conf *Config) teleopConfig() controller.TeleopConfig {
	return controller.TeleopConfig{
		MaxLinear:      floatOrDefault(conf.MaxLinearMPerSec, defaultMaxLinear),
		MaxAngular:     floatOrDefault(conf.MaxAngularRadPerSec, defaultMaxAngular),
		// base commands hold until Stop unless a timeout is configured
		CommandTimeout: time.Duration(conf.CommandTimeoutMs) * time.Millisecond,
	}
}

func (conf *Config) canConfig() robot.CANConfig {
	return robot.CANConfig{
		Channel:       conf.CANChannel,
		Geometry:      conf.geometry(),
		MaxWheelSpeed: floatOrDefault(conf.MaxWheelSpeedRadPerSec, defaultMaxWheelSpeed),
		CommsTimeout:  time.Duration(conf.CommsTimeoutMs) * time.Millisecond,
	}
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func floatOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
