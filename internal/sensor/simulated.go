package sensor

import (
	"context"
	"math/rand/v2"
	"sync"

	"cloudpico-node/internal/reading"
)

const gravity = 9.81

// Simulated is a random-walk source for running the node without hardware.
// The same seed yields the same sequence.
type Simulated struct {
	mu      sync.Mutex
	rng     *rand.Rand
	temp    float64
	hum     float64
	lat     float64
	lon     float64
	gnssFix bool
}

func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		rng:  rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		temp: 21.5,
		hum:  45,
		lat:  52.229675,
		lon:  21.012230,
	}
}

func (s *Simulated) Read(ctx context.Context) (reading.Reading, error) {
	if err := ctx.Err(); err != nil {
		return reading.Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temp = clamp(s.temp+s.step(0.2), -20, 50)
	s.hum = clamp(s.hum+s.step(0.5), 0, 100)

	// Fix is acquired or lost on roughly one reading in ten.
	if s.rng.IntN(10) == 0 {
		s.gnssFix = !s.gnssFix
	}
	r := reading.Reading{
		Temperature: float32(s.temp),
		Humidity:    float32(s.hum),
		AccelX:      float32(s.step(0.05)),
		AccelY:      float32(s.step(0.05)),
		AccelZ:      float32(gravity + s.step(0.05)),
		GNSSValid:   s.gnssFix,
	}
	if s.gnssFix {
		s.lat = clamp(s.lat+s.step(0.00005), -90, 90)
		s.lon = clamp(s.lon+s.step(0.00005), -180, 180)
		r.Latitude = float32(s.lat)
		r.Longitude = float32(s.lon)
	}
	return r, nil
}

func (s *Simulated) Close() error { return nil }

// step returns a uniform value in [-amp, amp).
func (s *Simulated) step(amp float64) float64 {
	return (s.rng.Float64()*2 - 1) * amp
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
