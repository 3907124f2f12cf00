// Package supervisorbase exposes a mode-switching differential drive as a
// Viam base. Every base method feeds the teleop controller; the supervisor
// turns the active controller's output into wheel speeds on its own schedule.
package supervisorbase

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"modalsupervisor/controller"
	"modalsupervisor/robot"
	"modalsupervisor/supervisor"
)

// Model is the resource model of the supervisor base.
var Model = resource.NewModel("intermode", "modal", "supervisor")

// timed moves refresh the teleop command so a configured command timeout
// does not cut them short
const motionRefreshInterval = 100 * time.Millisecond

func init() {
	resource.RegisterComponent(
		base.API,
		Model,
		resource.Registration[base.Base, *Config]{Constructor: NewBase})
}

type supervisorBase struct {
	resource.Named
	resource.AlwaysRebuild

	conf       *Config
	logger     logging.Logger
	clock      clock.Clock
	geometries []spatialmath.Geometry

	robot *robot.Handle
	// lent to the supervisor
	supervisorRobot *robot.Handle
	teleop          *controller.Teleop
	registry        *controller.Registry
	supervisor      *supervisor.Supervisor
	gamepad         input.Controller

	motionMu     sync.Mutex
	motionID     uint64
	cancelMotion func()

	closeOnce sync.Once
	closeErr  error
}

// NewBase opens the CAN robot and starts the supervisor.
func NewBase(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (base.Base, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries []spatialmath.Geometry
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	var gamepad input.Controller
	if newConf.InputController != "" {
		gamepad, err = input.FromDependencies(deps, newConf.InputController)
		if err != nil {
			return nil, errors.Wrapf(err, "no input controller named %q", newConf.InputController)
		}
	}

	canRobot, err := robot.NewCANRobot(newConf.canConfig(), logger)
	if err != nil {
		return nil, err
	}

	b, err := newSupervisorBase(ctx, conf.ResourceName(), newConf, canRobot, gamepad, clock.New(), logger)
	if err != nil {
		return nil, err
	}
	b.geometries = geometries
	return b, nil
}

// newSupervisorBase takes ownership of r: it is closed on error and when the
// base is closed.
func newSupervisorBase(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	r robot.Robot,
	gamepad input.Controller,
	clk clock.Clock,
	logger logging.Logger,
) (*supervisorBase, error) {
	handle := robot.Share(r)
	supervisorHandle, err := handle.Acquire()
	if err != nil {
		return nil, multierr.Combine(err, handle.Release(ctx))
	}

	teleop := controller.NewTeleop(conf.teleopConfig(), clk, logger)
	registry := controller.NewRegistry()
	if err := multierr.Combine(
		registry.Register(controller.ModeRCTeleop, teleop),
		registry.Register(controller.ModeHold, controller.Hold{}),
	); err != nil {
		return nil, multierr.Combine(err, supervisorHandle.Release(ctx), handle.Release(ctx))
	}

	supConf, err := conf.supervisorConfig()
	if err != nil {
		return nil, multierr.Combine(err, supervisorHandle.Release(ctx), handle.Release(ctx))
	}
	supConf.Clock = clk
	sup, err := supervisor.New(supConf, registry, supervisorHandle, logger)
	if err != nil {
		return nil, multierr.Combine(err, supervisorHandle.Release(ctx), handle.Release(ctx))
	}

	b := &supervisorBase{
		Named:           name.AsNamed(),
		conf:            conf,
		logger:          logger,
		clock:           clk,
		robot:           handle,
		supervisorRobot: supervisorHandle,
		teleop:          teleop,
		registry:        registry,
		supervisor:      sup,
		gamepad:         gamepad,
	}

	if gamepad != nil {
		if err := multierr.Combine(teleop.Attach(ctx, gamepad), b.attachButtons(ctx)); err != nil {
			return nil, multierr.Combine(err, b.Close(ctx))
		}
	}

	if err := sup.Start(); err != nil {
		return nil, multierr.Combine(err, b.Close(ctx))
	}
	logger.Infow("supervisor started", "mode", sup.Mode(), "period", supConf.Period)
	return b, nil
}

// MoveStraight drives at mmPerSec until distanceMm is covered. Requires the
// rc_teleop mode.
func (b *supervisorBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	sign := 1.0
	if (distanceMm < 0) != (mmPerSec < 0) {
		sign = -1
	}
	duration := time.Duration(math.Abs(float64(distanceMm)/mmPerSec) * float64(time.Second))
	cmd := controller.VelocityCommand{V: sign * math.Abs(mmPerSec) / 1000}
	return b.timedMove(ctx, cmd, duration)
}

// Spin turns at degsPerSec until angleDeg is covered. Positive angles turn
// counter-clockwise. Requires the rc_teleop mode.
func (b *supervisorBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	sign := 1.0
	if (angleDeg < 0) != (degsPerSec < 0) {
		sign = -1
	}
	duration := time.Duration(math.Abs(angleDeg/degsPerSec) * float64(time.Second))
	cmd := controller.VelocityCommand{W: sign * degToRad(math.Abs(degsPerSec))}
	return b.timedMove(ctx, cmd, duration)
}

// timedMove holds cmd for duration and then stops. Another motion command
// preempts it without stopping.
func (b *supervisorBase) timedMove(ctx context.Context, cmd controller.VelocityCommand, duration time.Duration) error {
	if mode := b.supervisor.Mode(); mode != controller.ModeRCTeleop {
		return errors.Errorf("cannot move in mode %s, switch to %s first", mode, controller.ModeRCTeleop)
	}

	motionCtx, done := b.startMotion(ctx)
	defer done()

	deadline := b.clock.Now().Add(duration)
	for {
		b.teleop.SetVelocity(cmd)
		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			break
		}
		if remaining > motionRefreshInterval {
			remaining = motionRefreshInterval
		}
		select {
		case <-motionCtx.Done():
			if err := ctx.Err(); err != nil {
				b.teleop.Stop()
				return err
			}
			return nil
		case <-b.clock.After(remaining):
		}
	}
	b.teleop.Stop()
	return nil
}

// startMotion cancels the running timed move and registers a new one.
func (b *supervisorBase) startMotion(ctx context.Context) (context.Context, func()) {
	motionCtx, cancel := context.WithCancel(ctx)

	b.motionMu.Lock()
	if b.cancelMotion != nil {
		b.cancelMotion()
	}
	b.motionID++
	id := b.motionID
	b.cancelMotion = cancel
	b.motionMu.Unlock()

	return motionCtx, func() {
		b.motionMu.Lock()
		if b.motionID == id {
			b.cancelMotion = nil
		}
		b.motionMu.Unlock()
		cancel()
	}
}

func (b *supervisorBase) stopMotion() {
	b.motionMu.Lock()
	defer b.motionMu.Unlock()
	if b.cancelMotion != nil {
		b.cancelMotion()
		b.cancelMotion = nil
	}
}

// SetPower sets linear.Y and angular.Z as throttles in [-1, 1].
func (b *supervisorBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedAxes("SetPower", linear, angular)
	b.stopMotion()
	b.teleop.SetThrottle(linear.Y, angular.Z)
	return nil
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
func (b *supervisorBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedAxes("SetVelocity", linear, angular)
	b.stopMotion()
	b.teleop.SetVelocity(controller.VelocityCommand{
		V: linear.Y / 1000,
		W: degToRad(angular.Z),
	})
	return nil
}

func (b *supervisorBase) warnUnusedAxes(method string, linear, angular r3.Vector) {
	if linear.X != 0 || linear.Z != 0 || angular.X != 0 || angular.Y != 0 {
		b.logger.Warnw(method+" only uses linear.Y and angular.Z on a differential drive",
			"linear", linear, "angular", angular)
	}
}

// Stop zeroes the teleop command. The wheels stop on the next tick.
func (b *supervisorBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.stopMotion()
	b.teleop.Stop()
	return nil
}

// IsMoving reports whether the last wheel command sent was non-zero.
func (b *supervisorBase) IsMoving(ctx context.Context) (bool, error) {
	return !b.supervisor.Stats().LastCommand.IsZero(), nil
}

func (b *supervisorBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	geometry := b.conf.geometry()
	return base.Properties{
		WidthMeters:              geometry.WheelbaseMeters,
		WheelCircumferenceMeters: geometry.WheelCircumferenceMeters(),
	}, nil
}

func (b *supervisorBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// Close stops the supervisor, sends a final zero wheel command and releases
// the robot.
func (b *supervisorBase) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.stopMotion()
		b.teleop.Stop()

		var errs error
		if b.gamepad != nil {
			errs = multierr.Combine(errs, b.teleop.Detach(ctx, b.gamepad), b.detachButtons(ctx))
		}
		errs = multierr.Combine(errs, b.supervisor.Close(ctx))
		if err := b.robot.SetWheelSpeed(ctx, 0, 0); err != nil {
			errs = multierr.Combine(errs, errors.Wrap(err, "final stop"))
		}
		b.closeErr = multierr.Combine(errs, b.supervisorRobot.Release(ctx), b.robot.Release(ctx))
	})
	return b.closeErr
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
