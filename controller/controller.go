// Package controller defines the velocity-producing controllers a supervisor
// can switch between, and the registry that maps modes to them.
package controller

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a mode has no registered controller.
var ErrNotFound = errors.New("controller not found")

// Mode names one control strategy.
type Mode int

const (
	// ModeRCTeleop is remote teleoperation from an operator.
	ModeRCTeleop Mode = iota + 1
	// ModeHold commands the robot to stand still.
	ModeHold
)

var modeNames = map[Mode]string{
	ModeRCTeleop: "rc_teleop",
	ModeHold:     "hold",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode returns the mode with the given name.
func ParseMode(name string) (Mode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown mode %q", name)
}

// VelocityCommand is a unicycle-model command: linear speed V in meters per
// second and angular speed W in radians per second.
type VelocityCommand struct {
	V float64
	W float64
}

// Finite reports whether both components are real numbers.
func (c VelocityCommand) Finite() bool {
	return !math.IsNaN(c.V) && !math.IsInf(c.V, 0) && !math.IsNaN(c.W) && !math.IsInf(c.W, 0)
}

// Controller produces the velocity the robot should drive at right now.
//
// Execute is called from the supervisor's tick. It must return promptly,
// honor ctx cancellation and must not change supervisor state.
type Controller interface {
	Execute(ctx context.Context) (VelocityCommand, error)
}

// Registry maps modes to controllers.
type Registry struct {
	mu          sync.RWMutex
	controllers map[Mode]Controller
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: map[Mode]Controller{}}
}

// Register inserts or replaces the controller for mode.
func (r *Registry) Register(mode Mode, c Controller) error {
	if c == nil {
		return errors.Errorf("cannot register nil controller for mode %s", mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[mode] = c
	return nil
}

// Get returns the controller registered for mode, or an error matching
// ErrNotFound.
func (r *Registry) Get(mode Mode) (Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[mode]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "mode %s", mode)
	}
	return c, nil
}

// Modes returns the registered modes in ascending order.
func (r *Registry) Modes() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]Mode, 0, len(r.controllers))
	for m := range r.controllers {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
