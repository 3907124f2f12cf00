package robot

import (
	"math"
	"sync"
)

// Telemetry keys reported by Snapshot.
const (
	TelemCommandedRight = "commanded_right_rad_per_sec"
	TelemCommandedLeft  = "commanded_left_rad_per_sec"
	TelemMeasuredRight  = "measured_right_rad_per_sec"
	TelemMeasuredLeft   = "measured_left_rad_per_sec"
	TelemStateOfCharge  = "state_of_charge"
	TelemBusError       = "bus_error"
)

// Telemetry is a concurrency safe store of the latest robot readings.
type Telemetry struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewTelemetry returns a store with no measurements yet.
func NewTelemetry() *Telemetry {
	return &Telemetry{values: map[string]interface{}{
		TelemCommandedRight: 0.0,
		TelemCommandedLeft:  0.0,
		TelemMeasuredRight:  math.NaN(),
		TelemMeasuredLeft:   math.NaN(),
		TelemStateOfCharge:  -1.0,
		TelemBusError:       "",
	}}
}

func (t *Telemetry) set(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
}

func (t *Telemetry) get(key string) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[key]
}

func (t *Telemetry) float(key string) float64 {
	f, ok := t.get(key).(float64)
	if !ok {
		return math.NaN()
	}
	return f
}

// SetMeasuredWheelSpeeds records wheel speeds reported by the drive unit.
func (t *Telemetry) SetMeasuredWheelSpeeds(right, left float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[TelemMeasuredRight] = right
	t.values[TelemMeasuredLeft] = left
}

// MeasuredWheelSpeeds returns the last reported wheel speeds. ok is false until
// the drive unit has reported them.
func (t *Telemetry) MeasuredWheelSpeeds() (right, left float64, ok bool) {
	right, left = t.float(TelemMeasuredRight), t.float(TelemMeasuredLeft)
	return right, left, !math.IsNaN(right) && !math.IsNaN(left)
}

// CommandedWheelSpeeds returns the last wheel speeds handed to the bus.
func (t *Telemetry) CommandedWheelSpeeds() (right, left float64) {
	return t.float(TelemCommandedRight), t.float(TelemCommandedLeft)
}

// Snapshot returns a copy of every reading.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}
