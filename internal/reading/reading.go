// Package reading defines the sensor reading record and its two encodings:
// the fixed-width binary slot format used by the persistent queue and the
// compact JSON payload published to the telemetry sink.
package reading

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Slot format (little-endian), 40 bytes total:
// [0:8] timestamp int64, [8:12] temperature, [12:16] humidity,
// [16:20] accel_x, [20:24] accel_y, [24:28] accel_z,
// [28:32] latitude, [32:36] longitude (float32 each),
// [36] gnss_valid 0/1, [37:40] reserved (zero).
const EncodedSize = 40

var ErrInvalidEncoding = errors.New("invalid reading encoding")

// Reading is one sample taken by the node. Timestamp is monotonic
// milliseconds since boot, not wall-clock time.
type Reading struct {
	Timestamp   int64
	Temperature float32
	Humidity    float32
	AccelX      float32
	AccelY      float32
	AccelZ      float32
	Latitude    float32
	Longitude   float32
	GNSSValid   bool
}

// Encode returns the fixed-width slot representation of r.
func Encode(r Reading) []byte {
	buf := make([]byte, EncodedSize)
	encodeTo(buf, r)
	return buf
}

// encodeTo writes r into buf, which must be at least EncodedSize bytes.
func encodeTo(buf []byte, r Reading) {
	_ = buf[EncodedSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(r.Temperature))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(r.Humidity))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(r.AccelX))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(r.AccelY))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(r.AccelZ))
	binary.LittleEndian.PutUint32(buf[28:32], math.Float32bits(r.Latitude))
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(r.Longitude))
	buf[36] = 0
	if r.GNSSValid {
		buf[36] = 1
	}
	buf[37], buf[38], buf[39] = 0, 0, 0
}

// Decode parses a slot written by Encode.
func Decode(data []byte) (Reading, error) {
	if len(data) != EncodedSize {
		return Reading{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidEncoding, len(data), EncodedSize)
	}
	if data[36] > 1 {
		return Reading{}, fmt.Errorf("%w: gnss flag %#02x", ErrInvalidEncoding, data[36])
	}
	if data[37] != 0 || data[38] != 0 || data[39] != 0 {
		return Reading{}, fmt.Errorf("%w: reserved bytes % X", ErrInvalidEncoding, data[37:40])
	}
	return Reading{
		Timestamp:   int64(binary.LittleEndian.Uint64(data[0:8])),
		Temperature: math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])),
		Humidity:    math.Float32frombits(binary.LittleEndian.Uint32(data[12:16])),
		AccelX:      math.Float32frombits(binary.LittleEndian.Uint32(data[16:20])),
		AccelY:      math.Float32frombits(binary.LittleEndian.Uint32(data[20:24])),
		AccelZ:      math.Float32frombits(binary.LittleEndian.Uint32(data[24:28])),
		Latitude:    math.Float32frombits(binary.LittleEndian.Uint32(data[28:32])),
		Longitude:   math.Float32frombits(binary.LittleEndian.Uint32(data[32:36])),
		GNSSValid:   data[36] == 1,
	}, nil
}
