// Package supervisor runs the active controller of a differential drive on a
// fixed period and turns its velocity commands into wheel speeds.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"modalsupervisor/controller"
	"modalsupervisor/kinematics"
	"modalsupervisor/robot"
)

const (
	// DefaultPeriod is the time between two ticks.
	DefaultPeriod = 500 * time.Millisecond
	// DefaultControllerTimeout bounds one controller Execute call.
	DefaultControllerTimeout = 100 * time.Millisecond
	// DefaultFaultThreshold is the number of consecutive faulted ticks that
	// triggers a safe stop.
	DefaultFaultThreshold = 3
	// DefaultMode is the mode a supervisor starts in.
	DefaultMode = controller.ModeRCTeleop

	safeStopTimeout = time.Second
)

var (
	// ErrClosed is returned once the supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// Config tunes a Supervisor. Zero fields take their defaults.
type Config struct {
	Period            time.Duration
	ControllerTimeout time.Duration
	// FaultThreshold below zero disables the safe stop.
	FaultThreshold int
	InitialMode    controller.Mode
	Clock          clock.Clock
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.Period < 0 {
		return cfg, errors.Errorf("tick period must not be negative, got %v", cfg.Period)
	}
	if cfg.ControllerTimeout < 0 {
		return cfg, errors.Errorf("controller timeout must not be negative, got %v", cfg.ControllerTimeout)
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.ControllerTimeout == 0 {
		cfg.ControllerTimeout = DefaultControllerTimeout
	}
	if cfg.FaultThreshold == 0 {
		cfg.FaultThreshold = DefaultFaultThreshold
	}
	if cfg.InitialMode == 0 {
		cfg.InitialMode = DefaultMode
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg, nil
}

// Stats counts what the supervisor has done so far.
type Stats struct {
	Mode              controller.Mode
	Ticks             uint64
	Faults            uint64
	ConsecutiveFaults int
	SafeStops         uint64
	// LastCommand is the last wheel command the robot accepted.
	LastCommand kinematics.WheelCommand
}

// Supervisor owns a controller registry and drives a shared robot with the
// controller of the current mode.
type Supervisor struct {
	cfg      Config
	registry *controller.Registry
	robot    robot.Robot
	drive    *kinematics.DifferentialDrive
	logger   logging.Logger

	// mu serializes ticks with mode switches.
	mu          sync.Mutex
	mode        controller.Mode
	stats       Stats
	safeStopped bool
	closed      bool

	lifecycleMu             sync.Mutex
	started                 bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// New validates cfg and the robot geometry and resolves the initial mode.
// The supervisor does not start ticking until Start is called.
func New(cfg Config, registry *controller.Registry, r robot.Robot, logger logging.Logger) (*Supervisor, error) {
	if registry == nil {
		return nil, errors.New("controller registry is required")
	}
	if r == nil {
		return nil, errors.New("robot is required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	drive, err := kinematics.New(r.Wheelbase(), r.WheelRadius())
	if err != nil {
		return nil, errors.Wrap(err, "robot geometry")
	}

	if _, err := registry.Get(cfg.InitialMode); err != nil {
		return nil, errors.Wrap(err, "initial mode")
	}

	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		robot:    r,
		drive:    drive,
		logger:   logger,
		mode:     cfg.InitialMode,
	}, nil
}

// Kinematics returns the differential drive model built from the robot.
func (s *Supervisor) Kinematics() *kinematics.DifferentialDrive {
	return s.drive
}

// Mode returns the current mode.
func (s *Supervisor) Mode() controller.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Current returns the controller registered for the current mode.
func (s *Supervisor) Current() (controller.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Get(s.mode)
}

// SwitchMode makes the controller registered for mode current. On error the
// mode is left unchanged. A switch waits for an in-flight tick.
func (s *Supervisor) SwitchMode(mode controller.Mode) error {
	if _, err := s.registry.Get(mode); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.mode
	s.mode = mode
	s.stats.ConsecutiveFaults = 0
	s.safeStopped = false

	if prev != mode {
		s.logger.Infow("mode switched", "from", prev, "to", mode)
	}
	return nil
}

// Stats returns a copy of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Mode = s.mode
	return stats
}

// Tick runs one control step: the current controller's command is converted
// to wheel speeds and sent to the robot. Controller and kinematics faults
// abort the tick before anything is sent. Every failure is a *Fault.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stats.Ticks++

	// resolved on every tick so that a re-registered controller takes over
	current, err := s.registry.Get(s.mode)
	if err != nil {
		return s.fault(ctx, StageController, err)
	}

	cmd, err := s.execute(ctx, current)
	if err != nil {
		return s.fault(ctx, StageController, err)
	}

	wheels, err := s.drive.UniToDiff(cmd.V, cmd.W)
	if err != nil {
		return s.fault(ctx, StageKinematics, err)
	}

	if err := s.robot.SetWheelSpeed(ctx, wheels.Right, wheels.Left); err != nil {
		return s.fault(ctx, StageActuator, err)
	}

	s.stats.LastCommand = wheels
	if s.stats.ConsecutiveFaults > 0 {
		s.logger.Infow("ticks recovered", "after_faults", s.stats.ConsecutiveFaults)
	}
	s.stats.ConsecutiveFaults = 0
	s.safeStopped = false
	return nil
}

// execute calls the current controller under the controller deadline. A
// command returned after the deadline is discarded.
func (s *Supervisor) execute(ctx context.Context, current controller.Controller) (controller.VelocityCommand, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ControllerTimeout)
	defer cancel()

	cmd, err := current.Execute(execCtx)
	if err != nil {
		return controller.VelocityCommand{}, errors.Wrapf(err, "mode %s", s.mode)
	}
	if err := execCtx.Err(); err != nil {
		return controller.VelocityCommand{}, errors.Wrapf(err, "mode %s returned after deadline", s.mode)
	}
	if !cmd.Finite() {
		return controller.VelocityCommand{}, errors.Errorf("mode %s returned non-finite command (v=%v, w=%v)", s.mode, cmd.V, cmd.W)
	}
	return cmd, nil
}

// fault records a failed tick and, once the streak reaches the threshold,
// sends a single zero wheel command for the streak. Must hold mu.
func (s *Supervisor) fault(ctx context.Context, stage Stage, err error) error {
	s.stats.Faults++
	s.stats.ConsecutiveFaults++
	f := &Fault{Stage: stage, Err: err}

	if s.cfg.FaultThreshold < 0 || s.safeStopped || s.stats.ConsecutiveFaults < s.cfg.FaultThreshold {
		return f
	}
	s.safeStopped = true
	s.stats.SafeStops++

	// the tick context may already be done
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), safeStopTimeout)
	defer cancel()
	if stopErr := s.robot.SetWheelSpeed(stopCtx, 0, 0); stopErr != nil {
		s.logger.Errorw("safe stop failed", "consecutive_faults", s.stats.ConsecutiveFaults, "error", stopErr)
		return f
	}
	s.stats.LastCommand = kinematics.WheelCommand{}
	s.logger.Warnw("safe stop sent", "consecutive_faults", s.stats.ConsecutiveFaults, "last_fault", f)
	return f
}

// Start ticks every configured period in a background goroutine until Close.
func (s *Supervisor) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	cancelCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	// the ticker must exist before Start returns so that a mock clock can
	// drive it
	ticker := s.cfg.Clock.Ticker(s.cfg.Period)

	s.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		s.tickLoop(cancelCtx, ticker)
	}, s.activeBackgroundWorkers.Done)
	return nil
}

func (s *Supervisor) tickLoop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// ticks are not tied to ctx so that Close lets an in-flight tick finish
		tickCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Period)
		err := s.Tick(tickCtx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Warnw("tick failed", "mode", s.Mode(), "error", err)
		}
	}
}

// Close stops ticking and waits for an in-flight tick. It does not touch the
// robot. Close is idempotent.
func (s *Supervisor) Close(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.activeBackgroundWorkers.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
