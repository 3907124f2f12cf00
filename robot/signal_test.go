package robot

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestSignalExtract(t *testing.T) {
	data := []byte{0x80, 0x00, 0x80, 0xFF, 0xE8, 0x03, 0x00, 0x00}

	left, err := signalWheelSpeedLeft.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, left, test.ShouldAlmostEqual, 1.0)

	right, err := signalWheelSpeedRight.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, right, test.ShouldAlmostEqual, -1.0)

	soc, err := Signal{Scale: 0.1, Start: 32, Length: 16}.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, soc, test.ShouldAlmostEqual, 100.0)

	t.Run("unaligned bits", func(t *testing.T) {
		v, err := Signal{Scale: 1, Start: 4, Length: 8}.Extract([]byte{0xA0, 0x0B})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, float64(0xBA))
	})

	t.Run("offset", func(t *testing.T) {
		v, err := Signal{Scale: 2, Offset: -10, Start: 0, Length: 8}.Extract([]byte{5})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, 0.0)
	})

	t.Run("short payload", func(t *testing.T) {
		_, err := signalWheelSpeedRight.Extract([]byte{0, 0, 0})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("bad length", func(t *testing.T) {
		_, err := Signal{Scale: 1, Length: 0}.Extract(data)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = Signal{Scale: 1, Length: 33}.Extract(data)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestEncode(t *testing.T) {
	test.That(t, encodeSigned16(1, wheelSpeedScale), test.ShouldEqual, uint16(128))
	test.That(t, encodeSigned16(-1, wheelSpeedScale), test.ShouldEqual, uint16(0xFF80))
	test.That(t, encodeSigned16(1e6, wheelSpeedScale), test.ShouldEqual, uint16(math.MaxInt16))
	test.That(t, encodeSigned16(-1e6, wheelSpeedScale), test.ShouldEqual, uint16(0x8000))

	test.That(t, encodeUnsigned16(100, pedalScale), test.ShouldEqual, uint16(1600))
	test.That(t, encodeUnsigned16(-5, pedalScale), test.ShouldEqual, uint16(0))
	test.That(t, encodeUnsigned16(1e9, pedalScale), test.ShouldEqual, uint16(math.MaxUint16))
}
