package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"cloudpico-node/internal/reading"
)

// BME280 reads temperature and humidity from a Bosch BME280 on the default
// I2C bus. The board has no accelerometer or GNSS, so those fields carry
// resting gravity and an invalid fix.
type BME280 struct {
	mu  sync.Mutex
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

func NewBME280(addr uint16) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	bus, err := i2creg.Open("") // default bus, usually /dev/i2c-1
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("bme280 at %#x: %w", addr, err)
	}
	return &BME280{bus: bus, dev: dev}, nil
}

func (b *BME280) Read(ctx context.Context) (reading.Reading, error) {
	if err := ctx.Err(); err != nil {
		return reading.Reading{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return reading.Reading{}, fmt.Errorf("bme280 sense: %w", err)
	}
	return fromEnv(env), nil
}

func (b *BME280) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.dev.Halt(), b.bus.Close())
}

func fromEnv(env physic.Env) reading.Reading {
	return reading.Reading{
		Temperature: float32(env.Temperature.Celsius()),
		// env.Humidity is fixed point at 0.00001 %rH.
		Humidity: float32(float64(env.Humidity) / 100000.0),
		AccelZ:   gravity,
	}
}
