package robot

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"golang.org/x/sys/unix"
)

const (
	// DefaultChannel is the SocketCAN interface used when none is configured.
	DefaultChannel = "can0"
	// DefaultHeartbeat is how often the current command is resent.
	DefaultHeartbeat = 10 * time.Millisecond

	recvRetryInterval = 100 * time.Millisecond
)

// CANConfig configures a CANRobot.
type CANConfig struct {
	Channel  string
	Geometry Geometry
	// MaxWheelSpeed limits each wheel in rad/s. Zero means the frame limit.
	MaxWheelSpeed float64
	// CommsTimeout switches to an emergency stop when no wheel command has
	// arrived for this long. Zero disables it.
	CommsTimeout time.Duration
	// Heartbeat defaults to DefaultHeartbeat.
	Heartbeat time.Duration
}

func (cfg *CANConfig) validate() error {
	if err := cfg.Geometry.Validate(); err != nil {
		return err
	}
	if cfg.MaxWheelSpeed < 0 || cfg.MaxWheelSpeed > MaxEncodableWheelSpeed {
		return errors.Errorf("max wheel speed must be within [0, %v] rad/s, got %v", MaxEncodableWheelSpeed, cfg.MaxWheelSpeed)
	}
	if cfg.CommsTimeout < 0 {
		return errors.Errorf("comms timeout must not be negative, got %v", cfg.CommsTimeout)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.MaxWheelSpeed == 0 {
		cfg.MaxWheelSpeed = MaxEncodableWheelSpeed
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return nil
}

type frameSender interface {
	Send(frame canbus.Frame) (int, error)
	Close() error
}

type frameReceiver interface {
	Recv() (canbus.Frame, error)
	Close() error
}

// CANRobot drives a differential drive unit over SocketCAN. Every method hands
// the next command to a publish loop that resends it each heartbeat.
type CANRobot struct {
	cfg    CANConfig
	logger logging.Logger
	clock  clock.Clock

	tx frameSender
	rx frameReceiver

	nextCommandCh chan canbus.Frame
	telemetry     *Telemetry

	sendErrMu sync.Mutex
	sendErr   error

	closeOnce               sync.Once
	closed                  chan struct{}
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewCANRobot opens the CAN channel and starts the publish and receive loops.
func NewCANRobot(cfg CANConfig, logger logging.Logger) (*CANRobot, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "opening CAN send socket")
	}
	if err := socketSend.Bind(cfg.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", cfg.Channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "opening CAN receive socket"), socketSend.Close())
	}
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: canIDWheelSpeed, Mask: unix.CAN_SFF_MASK},
		{Id: canIDBattery, Mask: unix.CAN_SFF_MASK},
	})
	if err == nil {
		err = socketRecv.Bind(cfg.Channel)
	}
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "configuring CAN receive socket"), socketSend.Close(), socketRecv.Close())
	}

	return newCANRobot(cfg, socketSend, socketRecv, clock.New(), logger), nil
}

// newCANRobot expects a validated config. rx may be nil.
func newCANRobot(cfg CANConfig, tx frameSender, rx frameReceiver, clk clock.Clock, logger logging.Logger) *CANRobot {
	cancelCtx, cancel := context.WithCancel(context.Background())
	r := &CANRobot{
		cfg:           cfg,
		logger:        logger,
		clock:         clk,
		tx:            tx,
		rx:            rx,
		nextCommandCh: make(chan canbus.Frame),
		telemetry:     NewTelemetry(),
		closed:        make(chan struct{}),
		cancel:        cancel,
	}

	r.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		r.publishThread(cancelCtx)
	}, r.activeBackgroundWorkers.Done)

	if rx != nil {
		r.activeBackgroundWorkers.Add(1)
		utils.ManagedGo(func() {
			r.receiveThread(cancelCtx)
		}, r.activeBackgroundWorkers.Done)
	}
	return r
}

// Wheelbase implements Robot.
func (r *CANRobot) Wheelbase() float64 {
	return r.cfg.Geometry.WheelbaseMeters
}

// WheelRadius implements Robot.
func (r *CANRobot) WheelRadius() float64 {
	return r.cfg.Geometry.WheelRadiusMeters
}

// Geometry returns the configured wheel geometry.
func (r *CANRobot) Geometry() Geometry {
	return r.cfg.Geometry
}

// Telemetry returns the live telemetry store.
func (r *CANRobot) Telemetry() *Telemetry {
	return r.telemetry
}

// SetWheelSpeed limits the speeds and queues them for the publish loop. If the
// last bus write failed, that error is returned after queueing.
func (r *CANRobot) SetWheelSpeed(ctx context.Context, right, left float64) error {
	limitedRight, limitedLeft, err := LimitWheelSpeeds(right, left, r.cfg.MaxWheelSpeed)
	if err != nil {
		return err
	}
	if limitedRight != right || limitedLeft != left {
		r.logger.Debugw("wheel speeds limited",
			"right", right, "left", left,
			"limited_right", limitedRight, "limited_left", limitedLeft,
		)
	}

	if err := r.setNextCommand(ctx, &wheelCommand{Right: limitedRight, Left: limitedLeft}); err != nil {
		return err
	}
	r.telemetry.set(TelemCommandedRight, limitedRight)
	r.telemetry.set(TelemCommandedLeft, limitedLeft)

	if err := r.lastSendErr(); err != nil {
		return errors.Wrap(err, "CAN bus write failing")
	}
	return nil
}

func (r *CANRobot) setNextCommand(ctx context.Context, cmd *wheelCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	case r.nextCommandCh <- cmd.toFrame():
	}
	return nil
}

// Close parks the drive unit, stops the background loops and closes the
// sockets.
func (r *CANRobot) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.cancel()
		if r.rx != nil {
			err = r.rx.Close()
		}
		r.activeBackgroundWorkers.Wait()
	})
	return err
}

func (r *CANRobot) lastSendErr() error {
	r.sendErrMu.Lock()
	defer r.sendErrMu.Unlock()
	return r.sendErr
}

func (r *CANRobot) send(frame canbus.Frame, what string) {
	_, err := r.tx.Send(frame)

	r.sendErrMu.Lock()
	prev := r.sendErr
	r.sendErr = err
	r.sendErrMu.Unlock()

	switch {
	case err != nil && prev == nil:
		r.logger.Errorw(what+" command send error", "error", err)
		r.telemetry.set(TelemBusError, err.Error())
	case err == nil && prev != nil:
		r.logger.Infow("CAN bus writes recovered")
		r.telemetry.set(TelemBusError, "")
	}
}

// publishThread resends the current drive and wheel frames every heartbeat
// and parks the unit when the context is done.
func (r *CANRobot) publishThread(ctx context.Context) {
	defer func() {
		if err := r.tx.Close(); err != nil {
			r.logger.Warnw("closing CAN send socket", "error", err)
		}
	}()

	stopWheels := wheelCommand{Brake: 1}
	driveFrame := (&stopCmd).toFrame()
	wheelFrame := stopWheels.toFrame()
	commsDeadline := r.clock.Now().Add(r.cfg.CommsTimeout)
	timedOut := false

	for {
		select {
		case <-ctx.Done():
			r.send((&stopCmd).toFrame(), "drive")
			r.send(stopWheels.toFrame(), "wheel")
			return
		case frame := <-r.nextCommandCh:
			// a new wheel command replaces the current one and is resent every heartbeat
			wheelFrame = frame
			driveFrame = (&driveCmd).toFrame()
			commsDeadline = r.clock.Now().Add(r.cfg.CommsTimeout)
			if timedOut {
				r.logger.Infow("wheel commands resumed after comms timeout")
				timedOut = false
			}
		case <-r.clock.After(r.cfg.Heartbeat):
		}

		if r.cfg.CommsTimeout > 0 && r.clock.Now().After(commsDeadline) {
			if !timedOut {
				r.logger.Warnw("no wheel command received, emergency stopping", "timeout", r.cfg.CommsTimeout)
				timedOut = true
			}
			driveFrame = (&emergencyCmd).toFrame()
			wheelFrame = stopWheels.toFrame()
		}

		r.send(driveFrame, "drive")
		r.send(wheelFrame, "wheel")
	}
}

// receiveThread decodes telemetry frames from the drive unit.
func (r *CANRobot) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := r.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Errorw("CAN Rx error", "error", err)
			if !utils.SelectContextOrWait(ctx, recvRetryInterval) {
				return
			}
			continue
		}
		r.handleTelemetry(frame)
	}
}

func (r *CANRobot) handleTelemetry(frame canbus.Frame) {
	switch frame.ID {
	case canIDWheelSpeed:
		left, errL := signalWheelSpeedLeft.Extract(frame.Data)
		right, errR := signalWheelSpeedRight.Extract(frame.Data)
		if err := multierr.Combine(errL, errR); err != nil {
			r.logger.Debugw("malformed wheel speed frame", "data", frame.Data, "error", err)
			return
		}
		r.telemetry.SetMeasuredWheelSpeeds(right, left)
	case canIDBattery:
		soc, err := signalBatteryStateOfCharge.Extract(frame.Data)
		if err != nil {
			r.logger.Debugw("malformed battery frame", "data", frame.Data, "error", err)
			return
		}
		r.telemetry.set(TelemStateOfCharge, soc)
	}
}
