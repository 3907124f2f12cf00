package robot

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakeBus struct {
	mu      sync.Mutex
	frames  []canbus.Frame
	sendErr error
	closed  bool

	rx        chan canbus.Frame
	closeOnce sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{rx: make(chan canbus.Frame)}
}

func (b *fakeBus) Send(frame canbus.Frame) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	if b.sendErr != nil {
		return 0, b.sendErr
	}
	return len(frame.Data), nil
}

func (b *fakeBus) Recv() (canbus.Frame, error) {
	frame, ok := <-b.rx
	if !ok {
		return canbus.Frame{}, errors.New("socket closed")
	}
	return frame, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.closeOnce.Do(func() { close(b.rx) })
	return nil
}

func (b *fakeBus) setSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

func (b *fakeBus) sent() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.frames...)
}

// waitForFrame waits until a frame matching match has been sent.
func (b *fakeBus) waitForFrame(t *testing.T, match func(canbus.Frame) bool) canbus.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range b.sent() {
			if match(f) {
				return f
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for frame")
	return canbus.Frame{}
}

func testCANConfig() CANConfig {
	cfg := CANConfig{Geometry: Geometry{WheelbaseMeters: 0.5, WheelRadiusMeters: 0.1}}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestCANConfigValidate(t *testing.T) {
	cfg := testCANConfig()
	test.That(t, cfg.Channel, test.ShouldEqual, DefaultChannel)
	test.That(t, cfg.Heartbeat, test.ShouldEqual, DefaultHeartbeat)
	test.That(t, cfg.MaxWheelSpeed, test.ShouldEqual, MaxEncodableWheelSpeed)

	bad := CANConfig{}
	test.That(t, bad.validate(), test.ShouldNotBeNil)

	bad = testCANConfig()
	bad.MaxWheelSpeed = MaxEncodableWheelSpeed + 1
	test.That(t, bad.validate(), test.ShouldNotBeNil)

	bad = testCANConfig()
	bad.CommsTimeout = -time.Second
	test.That(t, bad.validate(), test.ShouldNotBeNil)
}

func isWheelFrame(right, left float64) func(canbus.Frame) bool {
	want := (&wheelCommand{Right: right, Left: left}).toFrame()
	return func(f canbus.Frame) bool {
		return f.ID == canIDWheelCmd && string(f.Data) == string(want.Data)
	}
}

func TestCANRobotSetWheelSpeed(t *testing.T) {
	ctx := context.Background()
	tx := newFakeBus()
	r := newCANRobot(testCANConfig(), tx, nil, clock.NewMock(), logging.NewTestLogger(t))

	test.That(t, r.Wheelbase(), test.ShouldEqual, 0.5)
	test.That(t, r.WheelRadius(), test.ShouldEqual, 0.1)

	test.That(t, r.SetWheelSpeed(ctx, 1, -1), test.ShouldBeNil)
	tx.waitForFrame(t, isWheelFrame(1, -1))
	tx.waitForFrame(t, func(f canbus.Frame) bool {
		return f.ID == canIDDriveCmd && f.Data[6] == 0x43
	})

	right, left := r.Telemetry().CommandedWheelSpeeds()
	test.That(t, right, test.ShouldEqual, 1.0)
	test.That(t, left, test.ShouldEqual, -1.0)

	err := r.SetWheelSpeed(ctx, 1, math.NaN())
	test.That(t, errors.Is(err, ErrInvalidSpeed), test.ShouldBeTrue)

	test.That(t, r.Close(ctx), test.ShouldBeNil)
	test.That(t, r.Close(ctx), test.ShouldBeNil)

	frames := tx.sent()
	test.That(t, len(frames), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, frames[len(frames)-2].Data, test.ShouldResemble, (&stopCmd).toFrame().Data)
	test.That(t, frames[len(frames)-1].Data, test.ShouldResemble, (&wheelCommand{Brake: 1}).toFrame().Data)
	test.That(t, tx.closed, test.ShouldBeTrue)

	test.That(t, r.SetWheelSpeed(ctx, 1, 1), test.ShouldEqual, ErrClosed)
}

func TestCANRobotLimitsSpeed(t *testing.T) {
	ctx := context.Background()
	tx := newFakeBus()
	cfg := testCANConfig()
	cfg.MaxWheelSpeed = 10
	r := newCANRobot(cfg, tx, nil, clock.NewMock(), logging.NewTestLogger(t))
	defer r.Close(ctx)

	test.That(t, r.SetWheelSpeed(ctx, 20, 10), test.ShouldBeNil)
	tx.waitForFrame(t, isWheelFrame(10, 5))
	right, left := r.Telemetry().CommandedWheelSpeeds()
	test.That(t, right, test.ShouldAlmostEqual, 10.0)
	test.That(t, left, test.ShouldAlmostEqual, 5.0)
}

func TestCANRobotSendError(t *testing.T) {
	ctx := context.Background()
	tx := newFakeBus()
	tx.setSendErr(errors.New("no buffer space available"))
	r := newCANRobot(testCANConfig(), tx, nil, clock.NewMock(), logging.NewTestLogger(t))
	defer r.Close(ctx)

	// the first hand-off succeeds; its write fails before the loop accepts the next one
	test.That(t, r.SetWheelSpeed(ctx, 1, 1), test.ShouldBeNil)
	err := r.SetWheelSpeed(ctx, 1, 1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no buffer space available")
	test.That(t, r.Telemetry().Snapshot()[TelemBusError], test.ShouldEqual, "no buffer space available")

	// recovery is seen once a write after the fix has gone through
	tx.setSendErr(nil)
	r.SetWheelSpeed(ctx, 2, 2)
	test.That(t, r.SetWheelSpeed(ctx, 2, 2), test.ShouldBeNil)
	test.That(t, r.Telemetry().Snapshot()[TelemBusError], test.ShouldEqual, "")
}

func TestCANRobotContextCanceled(t *testing.T) {
	tx := newFakeBus()
	r := newCANRobot(testCANConfig(), tx, nil, clock.NewMock(), logging.NewTestLogger(t))
	defer r.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, r.SetWheelSpeed(ctx, 1, 1), test.ShouldEqual, context.Canceled)
}

func TestCANRobotCommsTimeout(t *testing.T) {
	ctx := context.Background()
	tx := newFakeBus()
	cfg := testCANConfig()
	cfg.Heartbeat = time.Millisecond
	cfg.CommsTimeout = 20 * time.Millisecond
	r := newCANRobot(cfg, tx, nil, clock.New(), logging.NewTestLogger(t))
	defer r.Close(ctx)

	test.That(t, r.SetWheelSpeed(ctx, 3, 3), test.ShouldBeNil)
	tx.waitForFrame(t, isWheelFrame(3, 3))
	tx.waitForFrame(t, func(f canbus.Frame) bool {
		return f.ID == canIDDriveCmd && f.Data[6] == gears[gearEmergencyStop]|driveModes[driveModeIndependentSpeed]<<4
	})
}

func TestCANRobotTelemetry(t *testing.T) {
	ctx := context.Background()
	tx := newFakeBus()
	rx := newFakeBus()
	r := newCANRobot(testCANConfig(), tx, rx, clock.NewMock(), logging.NewTestLogger(t))

	_, _, ok := r.Telemetry().MeasuredWheelSpeeds()
	test.That(t, ok, test.ShouldBeFalse)

	rx.rx <- canbus.Frame{ID: canIDWheelSpeed, Data: []byte{0x00, 0x01, 0x00, 0x02}}
	// malformed frames are dropped
	rx.rx <- canbus.Frame{ID: canIDWheelSpeed, Data: []byte{0x00}}
	rx.rx <- canbus.Frame{ID: canIDBattery, Data: []byte{0x52, 0x03}}
	// the receive loop has taken the battery frame; one more round trip makes
	// sure it has been handled
	rx.rx <- canbus.Frame{ID: 0x7FF, Data: []byte{}}

	right, left, ok := r.Telemetry().MeasuredWheelSpeeds()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, left, test.ShouldAlmostEqual, 2.0)
	test.That(t, right, test.ShouldAlmostEqual, 4.0)
	test.That(t, r.Telemetry().Snapshot()[TelemStateOfCharge], test.ShouldAlmostEqual, 85.0)

	test.That(t, r.Close(ctx), test.ShouldBeNil)
	test.That(t, rx.closed, test.ShouldBeTrue)
}
