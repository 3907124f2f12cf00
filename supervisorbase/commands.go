package supervisorbase

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/input"

	"modalsupervisor/controller"
	"modalsupervisor/robot"
)

const (
	cmdSetMode      = "set_mode"
	cmdGetMode      = "get_mode"
	cmdGetTelemetry = "get_telemetry"
	cmdGetStats     = "get_stats"
)

type doCommandRequest struct {
	Command string `mapstructure:"command"`
	Mode    string `mapstructure:"mode"`
}

// telemetrySource is implemented by robots that report telemetry.
type telemetrySource interface {
	Telemetry() *robot.Telemetry
}

// DoCommand executes additional commands beyond the Base{} interface: mode
// switching and status reports.
func (b *supervisorBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var req doCommandRequest
	if err := mapstructure.Decode(cmd, &req); err != nil {
		return nil, errors.Wrap(err, "decoding command")
	}
	if req.Command == "" {
		return nil, errors.New("missing 'command' value")
	}

	switch req.Command {
	case cmdSetMode:
		if req.Mode == "" {
			return nil, errors.New("mode must be set, one of rc_teleop|hold")
		}
		mode, err := controller.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		if err := b.switchMode(mode); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": fmt.Sprintf("set_mode command processed: %s", mode)}, nil

	case cmdGetMode:
		return b.modeStatus(), nil

	case cmdGetTelemetry:
		return b.telemetry(), nil

	case cmdGetStats:
		stats := b.supervisor.Stats()
		return map[string]interface{}{
			"mode":               stats.Mode.String(),
			"ticks":              stats.Ticks,
			"faults":             stats.Faults,
			"consecutive_faults": stats.ConsecutiveFaults,
			"safe_stops":         stats.SafeStops,
			"last_right":         stats.LastCommand.Right,
			"last_left":          stats.LastCommand.Left,
		}, nil

	default:
		return nil, errors.Errorf("no such command: %s", req.Command)
	}
}

// switchMode stops any timed move and clears the operator command, so
// rc_teleop is always entered at rest.
func (b *supervisorBase) switchMode(mode controller.Mode) error {
	b.stopMotion()
	b.teleop.Stop()
	return b.supervisor.SwitchMode(mode)
}

func (b *supervisorBase) modeStatus() map[string]interface{} {
	modes := []interface{}{}
	for _, m := range b.registry.Modes() {
		modes = append(modes, m.String())
	}
	return map[string]interface{}{
		"mode":  b.supervisor.Mode().String(),
		"modes": modes,
	}
}

// telemetry reports robot readings when the robot provides them, plus the
// measured body velocity derived from the wheel speeds.
func (b *supervisorBase) telemetry() map[string]interface{} {
	out := map[string]interface{}{}
	if source, ok := b.robot.Unwrap().(telemetrySource); ok {
		telem := source.Telemetry()
		out = telem.Snapshot()
		if right, left, ok := telem.MeasuredWheelSpeeds(); ok {
			v, w := b.supervisor.Kinematics().DiffToUni(right, left)
			out["measured_linear_m_per_sec"] = v
			out["measured_angular_rad_per_sec"] = w
		}
	}
	cmd, updated := b.teleop.Command()
	out["teleop_linear_m_per_sec"] = cmd.V
	out["teleop_angular_rad_per_sec"] = cmd.W
	out["teleop_updated"] = updated.String()
	out["mode"] = b.supervisor.Mode().String()
	return out
}

var (
	holdButtons   = []input.Control{input.ButtonEStop, input.ButtonSelect}
	teleopButtons = []input.Control{input.ButtonStart}
)

func (b *supervisorBase) attachButtons(ctx context.Context) error {
	for _, control := range append(append([]input.Control{}, holdButtons...), teleopButtons...) {
		if err := b.gamepad.RegisterControlCallback(
			ctx, control, []input.EventType{input.ButtonPress}, b.handleButton, map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	return nil
}

func (b *supervisorBase) detachButtons(ctx context.Context) error {
	for _, control := range append(append([]input.Control{}, holdButtons...), teleopButtons...) {
		if err := b.gamepad.RegisterControlCallback(
			ctx, control, []input.EventType{input.ButtonPress}, nil, map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	return nil
}

// handleButton switches to hold on the e-stop and select buttons and back to
// rc_teleop on start.
func (b *supervisorBase) handleButton(ctx context.Context, event input.Event) {
	if event.Event != input.ButtonPress {
		return
	}

	var mode controller.Mode
	switch event.Control {
	case input.ButtonEStop, input.ButtonSelect:
		mode = controller.ModeHold
	case input.ButtonStart:
		mode = controller.ModeRCTeleop
	default:
		return
	}

	if err := b.switchMode(mode); err != nil {
		b.logger.Errorw("gamepad mode switch failed", "button", event.Control, "mode", mode, "error", err)
		return
	}
	b.logger.Infow("gamepad mode switch", "button", event.Control, "mode", mode)
}
