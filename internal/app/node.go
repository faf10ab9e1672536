package app

import (
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/delivery"
	"cloudpico-node/internal/kvstore"
	"cloudpico-node/internal/metrics"
	"cloudpico-node/internal/queue"
	"cloudpico-node/internal/reading"
	"cloudpico-node/internal/sensor"
)

// OpenQueue opens the configured store and the ring queue on top of it. The
// caller closes the returned store once done with the queue.
func OpenQueue(cfg config.Config, logger *slog.Logger) (*queue.Queue, kvstore.Store, error) {
	store, err := kvstore.Open(cfg.StoreBackend, cfg.StorePath, logger)
	if err != nil {
		return nil, nil, err
	}

	q, err := queue.Open(store, cfg.QueueCapacity,
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithOverwriteHook(func(reading.Reading) { metrics.QueueOverwritten.Inc() }),
	)
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close", "error", closeErr)
		}
		return nil, nil, err
	}

	metrics.QueueCapacity.Set(float64(q.Cap()))
	metrics.QueueDepth.Set(float64(q.Len()))
	return q, store, nil
}

func retryPolicy(cfg config.Config) delivery.RetryPolicy {
	if cfg.DrainRetryLimit > 0 {
		return delivery.RetryInPlace(cfg.DrainRetryLimit)
	}
	return delivery.RequeueAtTail()
}

func newSource(cfg config.Config) (sensor.Source, error) {
	switch cfg.SensorSource {
	case "bme280":
		return sensor.NewBME280(cfg.BME280Address)
	case "simulated":
		return sensor.NewSimulated(time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", cfg.SensorSource)
	}
}
