package robot

import (
	"math"

	"github.com/pkg/errors"
)

const numBitsPerByte = 8

// Signal describes a little-endian value packed into a CAN payload.
type Signal struct {
	Scale  float64
	Offset float64
	// Start is the bit index of the least significant bit.
	Start  uint8
	Length uint8
	Signed bool
}

// Extract decodes the signal from data and applies scale and offset.
// Signals are limited to 32 bits.
func (s Signal) Extract(data []byte) (float64, error) {
	if s.Length == 0 || s.Length > 32 {
		return 0, errors.Errorf("unsupported signal length %d", s.Length)
	}
	msb := int(s.Start) + int(s.Length) - 1
	startByte := int(s.Start) / numBitsPerByte
	stopByte := msb / numBitsPerByte
	if stopByte >= len(data) {
		return 0, errors.Errorf("signal ends in byte %d but payload has %d bytes", stopByte, len(data))
	}

	var raw uint64
	for i := stopByte; i >= startByte; i-- {
		raw = raw<<numBitsPerByte | uint64(data[i])
	}
	raw >>= uint(int(s.Start) - startByte*numBitsPerByte)
	raw &= (uint64(1) << s.Length) - 1

	value := float64(raw)
	if s.Signed && raw&(uint64(1)<<(s.Length-1)) != 0 {
		value = float64(int64(raw) - int64(uint64(1)<<s.Length))
	}
	return value*s.Scale + s.Offset, nil
}

// encodeSigned16 scales v and saturates it into an int16, returned as the
// two's complement bit pattern.
func encodeSigned16(v, scale float64) uint16 {
	raw := math.Round(v / scale)
	raw = math.Max(math.MinInt16, math.Min(math.MaxInt16, raw))
	return uint16(int16(raw))
}

// encodeUnsigned16 scales v and saturates it into a uint16.
func encodeUnsigned16(v, scale float64) uint16 {
	raw := math.Round(v / scale)
	raw = math.Max(0, math.Min(math.MaxUint16, raw))
	return uint16(raw)
}
