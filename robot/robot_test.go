package robot

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

type fakeRobot struct {
	mu     sync.Mutex
	calls  [][2]float64
	closes int
	err    error
}

func (f *fakeRobot) Wheelbase() float64   { return 0.5 }
func (f *fakeRobot) WheelRadius() float64 { return 0.1 }

func (f *fakeRobot) SetWheelSpeed(ctx context.Context, right, left float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]float64{right, left})
	return f.err
}

func (f *fakeRobot) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func TestGeometry(t *testing.T) {
	test.That(t, Geometry{WheelbaseMeters: 0.5, WheelRadiusMeters: 0.1}.Validate(), test.ShouldBeNil)

	for _, g := range []Geometry{
		{WheelbaseMeters: 0, WheelRadiusMeters: 0.1},
		{WheelbaseMeters: 0.5, WheelRadiusMeters: -1},
		{WheelbaseMeters: math.NaN(), WheelRadiusMeters: 0.1},
		{WheelbaseMeters: 0.5, WheelRadiusMeters: math.Inf(1)},
	} {
		test.That(t, g.Validate(), test.ShouldNotBeNil)
	}

	g := Geometry{WheelbaseMeters: 0.5, WheelRadiusMeters: 0.5}
	test.That(t, g.WheelCircumferenceMeters(), test.ShouldAlmostEqual, math.Pi)
}

func TestLimitWheelSpeeds(t *testing.T) {
	t.Run("under the limit", func(t *testing.T) {
		r, l, err := LimitWheelSpeeds(2, -2, 10)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, r, test.ShouldEqual, 2.0)
		test.That(t, l, test.ShouldEqual, -2.0)
	})

	t.Run("scaled together", func(t *testing.T) {
		r, l, err := LimitWheelSpeeds(20, 10, 10)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, r, test.ShouldAlmostEqual, 10.0)
		test.That(t, l, test.ShouldAlmostEqual, 5.0)
	})

	t.Run("no limit", func(t *testing.T) {
		r, l, err := LimitWheelSpeeds(200, 100, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, r, test.ShouldEqual, 200.0)
		test.That(t, l, test.ShouldEqual, 100.0)
	})

	t.Run("non-finite", func(t *testing.T) {
		_, _, err := LimitWheelSpeeds(math.NaN(), 0, 10)
		test.That(t, errors.Is(err, ErrInvalidSpeed), test.ShouldBeTrue)
		_, _, err = LimitWheelSpeeds(0, math.Inf(-1), 0)
		test.That(t, errors.Is(err, ErrInvalidSpeed), test.ShouldBeTrue)
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRobot{}
	first := Share(fake)
	test.That(t, first.Refs(), test.ShouldEqual, 1)
	test.That(t, first.Unwrap(), test.ShouldEqual, fake)
	test.That(t, first.Wheelbase(), test.ShouldEqual, 0.5)
	test.That(t, first.WheelRadius(), test.ShouldEqual, 0.1)

	second, err := first.Acquire()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.Refs(), test.ShouldEqual, 2)

	test.That(t, second.SetWheelSpeed(ctx, 1, 2), test.ShouldBeNil)
	test.That(t, first.SetWheelSpeed(ctx, 3, 4), test.ShouldBeNil)
	test.That(t, fake.calls, test.ShouldResemble, [][2]float64{{1, 2}, {3, 4}})

	test.That(t, first.Release(ctx), test.ShouldBeNil)
	test.That(t, first.Release(ctx), test.ShouldBeNil)
	test.That(t, second.Refs(), test.ShouldEqual, 1)
	test.That(t, fake.closes, test.ShouldEqual, 0)

	test.That(t, first.SetWheelSpeed(ctx, 5, 6), test.ShouldEqual, ErrReleased)
	_, err = first.Acquire()
	test.That(t, err, test.ShouldEqual, ErrReleased)

	test.That(t, second.SetWheelSpeed(ctx, 5, 6), test.ShouldBeNil)
	test.That(t, second.Release(ctx), test.ShouldBeNil)
	test.That(t, fake.closes, test.ShouldEqual, 1)
	test.That(t, second.Refs(), test.ShouldEqual, 0)
}
