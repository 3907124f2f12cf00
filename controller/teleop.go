package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
)

// joystick values at or below this magnitude are treated as centered.
const joystickDeadZone = 0.27

var (
	teleopAxes          = []input.Control{input.AbsoluteX, input.AbsoluteY}
	teleopConnectEvents = []input.EventType{input.Connect, input.Disconnect}
)

// TeleopConfig bounds and ages operator commands.
type TeleopConfig struct {
	// MaxLinear is the largest accepted |V| in m/s, also full throttle.
	MaxLinear float64
	// MaxAngular is the largest accepted |W| in rad/s, also full throttle.
	MaxAngular float64
	// CommandTimeout is how long a command stays valid without being
	// refreshed. Zero keeps commands forever.
	CommandTimeout time.Duration
}

// Teleop is a remote teleoperation controller. It reports the most recent
// operator command, fed either directly or from a gamepad.
type Teleop struct {
	cfg    TeleopConfig
	clock  clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	cmd     VelocityCommand
	updated time.Time
	// joystick throttles in [-1, 1]
	linearThrottle, angularThrottle float64
}

// NewTeleop returns a stopped teleop controller.
func NewTeleop(cfg TeleopConfig, clk clock.Clock, logger logging.Logger) *Teleop {
	if clk == nil {
		clk = clock.New()
	}
	return &Teleop{cfg: cfg, clock: clk, logger: logger}
}

// SetVelocity sets the commanded velocity in SI units, clamped to the
// configured maxima.
func (t *Teleop) SetVelocity(cmd VelocityCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setVelocityLocked(cmd)
}

// setVelocityLocked must be called with mu held.
func (t *Teleop) setVelocityLocked(cmd VelocityCommand) {
	cmd.V = clampAbs(cmd.V, t.cfg.MaxLinear)
	cmd.W = clampAbs(cmd.W, t.cfg.MaxAngular)
	t.cmd = cmd
	t.updated = t.clock.Now()
}

// SetThrottle sets the command from normalized [-1, 1] linear and angular
// throttles.
func (t *Teleop) SetThrottle(linear, angular float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setThrottleLocked(linear, angular)
}

// setThrottleLocked must be called with mu held.
func (t *Teleop) setThrottleLocked(linear, angular float64) {
	t.setVelocityLocked(VelocityCommand{
		V: clampAbs(linear, 1) * t.cfg.MaxLinear,
		W: clampAbs(angular, 1) * t.cfg.MaxAngular,
	})
}

// Stop commands zero velocity.
func (t *Teleop) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cmd = VelocityCommand{}
	t.linearThrottle, t.angularThrottle = 0, 0
	t.updated = t.clock.Now()
}

// Command returns the latest command and when it was set.
func (t *Teleop) Command() (VelocityCommand, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd, t.updated
}

// Execute returns the latest operator command, or zero once it has gone
// stale.
func (t *Teleop) Execute(ctx context.Context) (VelocityCommand, error) {
	if err := ctx.Err(); err != nil {
		return VelocityCommand{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.CommandTimeout > 0 && t.clock.Since(t.updated) > t.cfg.CommandTimeout {
		if t.cmd != (VelocityCommand{}) {
			t.logger.Debugw("teleop command expired", "age", t.clock.Since(t.updated))
		}
		return VelocityCommand{}, nil
	}
	return t.cmd, nil
}

// HandleEvent applies a gamepad event. The left stick Y axis drives forward
// and back, the X axis turns.
func (t *Teleop) HandleEvent(ctx context.Context, event input.Event) {
	switch event.Event {
	case input.Connect, input.Disconnect:
		t.logger.Infow("gamepad connection changed, stopping", "event", event.Event)
		t.Stop()
		return
	case input.PositionChangeAbs:
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch event.Control {
	case input.AbsoluteY:
		t.linearThrottle = scaleThrottle(-1.0 * event.Value)
	case input.AbsoluteX:
		t.angularThrottle = scaleThrottle(-1.0 * event.Value)
	default:
		return
	}
	t.setThrottleLocked(t.linearThrottle, t.angularThrottle)
}

// Attach registers the teleop joystick callbacks on a gamepad.
func (t *Teleop) Attach(ctx context.Context, ic input.Controller) error {
	for _, control := range teleopAxes {
		if err := ic.RegisterControlCallback(
			ctx, control, []input.EventType{input.PositionChangeAbs}, t.HandleEvent, map[string]interface{}{},
		); err != nil {
			return err
		}
		if err := ic.RegisterControlCallback(
			ctx, control, teleopConnectEvents, t.HandleEvent, map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the callbacks installed by Attach.
func (t *Teleop) Detach(ctx context.Context, ic input.Controller) error {
	for _, control := range teleopAxes {
		triggers := append([]input.EventType{input.PositionChangeAbs}, teleopConnectEvents...)
		if err := ic.RegisterControlCallback(ctx, control, triggers, nil, map[string]interface{}{}); err != nil {
			return err
		}
	}
	return nil
}

// scaleThrottle zeroes small stick deflections and rounds the rest up to
// tenths.
func scaleThrottle(a float64) float64 {
	neg := a < 0

	a = math.Abs(a)
	if a <= joystickDeadZone {
		return 0
	}

	a = math.Min(math.Ceil(a*10)/10.0, 1)

	if neg {
		a *= -1
	}

	return a
}

func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}
