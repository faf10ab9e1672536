package app

import (
	"context"
	"fmt"
	"log/slog"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/delivery"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/queue"
)

// DrainResult summarizes a one-shot drain.
type DrainResult struct {
	Before int
	After  int
	Stats  queue.Stats
}

// Drain connects to the broker and runs a single drain cycle over the
// persisted queue. The node must not be running against the same store.
func Drain(ctx context.Context, cfg config.Config) (DrainResult, error) {
	logger := slog.Default()

	q, store, err := OpenQueue(cfg, logger)
	if err != nil {
		return DrainResult{}, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close", "error", err)
		}
	}()

	res := DrainResult{Before: q.Len()}
	if res.Before == 0 {
		res.Stats = q.Stats()
		return res, nil
	}

	state := connectivity.New()
	client := mqtt.New(cfg, state, logger.With("component", "mqtt"))
	defer client.Disconnect()
	if err := client.Connect(ctx); err != nil {
		return res, fmt.Errorf("connect to broker: %w", err)
	}

	orch := delivery.New(q, state, client, delivery.Options{
		Retry:      retryPolicy(cfg),
		DrainPause: cfg.DrainPause,
		Logger:     logger.With("component", "delivery"),
	})
	if err := orch.DrainCycle(ctx); err != nil {
		return res, err
	}

	res.After = q.Len()
	res.Stats = q.Stats()
	return res, nil
}
